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

// Package locks enlists rwlocks and pool-scoped mutexes into the current
// transaction so that they are released exactly once no matter how the
// transaction ends: on-abort callbacks run LIFO, on-commit callbacks run
// FIFO.
package locks

import (
	"sync"

	"github.com/pmemfs/pmemfs/pmem"
)

// TxWlock acquires l for writing and schedules its release on abort. Pair
// with TxUnlockOnCommit before the transaction commits.
func TxWlock(tx *pmem.Tx, l *sync.RWMutex) {
	tx.OnAbort(l.Unlock)
	l.Lock()
}

// TxUnlockOnCommit schedules the write-unlock of l for commit time.
func TxUnlockOnCommit(tx *pmem.Tx, l *sync.RWMutex) {
	tx.OnCommit(l.Unlock)
}

// TxLockMutex acquires a pool-scoped mutex and schedules its release on
// abort.
func TxLockMutex(tx *pmem.Tx, m *sync.Mutex) {
	tx.OnAbort(m.Unlock)
	m.Lock()
}

// TxUnlockMutexOnCommit schedules the release of a pool-scoped mutex for
// commit time.
func TxUnlockMutexOnCommit(tx *pmem.Tx, m *sync.Mutex) {
	tx.OnCommit(m.Unlock)
}
