// Copyright 2024 The pmemfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// pmemfs is a small operator tool over the filesystem core: it formats a
// pool, runs a smoke workload against it, and reports pool statistics. The
// production mount path lives behind the POSIX shim, not here.
package main

import (
	"os"

	"github.com/pmemfs/pmemfs/cmd/pmemfs/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
