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

// Package app wires the pmemfs CLI: flag/viper plumbing and the smoke and
// stats subcommands.
package app

import (
	"fmt"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pmemfs/pmemfs/cfg"
	"github.com/pmemfs/pmemfs/fs"
	"github.com/pmemfs/pmemfs/logger"
	"github.com/pmemfs/pmemfs/pmem"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:          "pmemfs",
		Short:        "Exercise and inspect a pmemfs pool",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config, err := cfg.Load(v)
			if err != nil {
				return err
			}
			if config.LogFile != "" {
				logger.SetFile(config.LogFile,
					config.LogRotateMaxSizeMB, config.LogRotateBackupCount)
			}
			return logger.SetLevel(config.LogLevel)
		},
	}

	if err := cfg.BindFlags(root.PersistentFlags(), v); err != nil {
		panic(err)
	}

	root.AddCommand(newSmokeCmd(v))
	return root
}

// newSmokeCmd formats a fresh pool, runs a tiny workload, and prints the
// resulting pool statistics. It is the "does this build actually work"
// command.
func newSmokeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Format a pool, run a smoke workload, print pool stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := cfg.Load(v)
			if err != nil {
				return err
			}

			pfs, err := fs.Mkfs(pmem.NewPool(), timeutil.RealClock(), config)
			if err != nil {
				return fmt.Errorf("mkfs: %w", err)
			}

			if err := runSmoke(pfs); err != nil {
				return err
			}

			s := pfs.CountStats()
			fmt.Fprintf(cmd.OutOrStdout(),
				"pool %s\ninodes %d\ndirs %d\nblock arrays %d\ninode arrays %d\nblocks %d\n",
				pfs.UUID(), s.Inodes, s.Dirs, s.BlockArrays, s.InodeArrays, s.Blocks)
			return nil
		},
	}
}

// runSmoke drives a create/write/read/rename round trip through the public
// surface.
func runSmoke(pfs *fs.Filesystem) error {
	if err := pfs.Mkdir("/smoke", 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	f, err := pfs.Create("/smoke/data", 0o644)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	payload := []byte("persistent memory, file shaped")
	if _, err := pfs.Write(f, payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := pfs.Close(f); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	if err := pfs.Rename("/smoke/data", "/smoke/renamed"); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	f, err = pfs.Open("/smoke/renamed", 0, 0)
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	defer pfs.Close(f)

	buf := make([]byte, len(payload))
	n, err := pfs.Read(f, buf)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if n != len(payload) || string(buf[:n]) != string(payload) {
		return fmt.Errorf("smoke read back %q, want %q", buf[:n], payload)
	}

	return nil
}
