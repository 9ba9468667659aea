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

package inode

import (
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/pmem"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

// testEnv is the shared fixture: a formatted pool with an empty root
// directory and a vinode map over it.
type testEnv struct {
	pool   *pmem.Pool
	clock  timeutil.SimulatedClock
	m      *Map
	superH pmem.Handle
	root   *Vinode
}

func newTestEnv(t *testing.T) *testEnv {
	e := &testEnv{pool: pmem.NewPool()}
	e.clock.SetTime(time.Date(2024, 4, 5, 2, 15, 0, 0, time.UTC))

	err := e.pool.RunTx(nil, func(tx *pmem.Tx) error {
		super := &layout.Superblock{Version: layout.SuperVersion}
		e.superH = tx.Alloc(super, layout.MetadataBlockSize)
		e.pool.SetRoot(tx, e.superH)

		root := &layout.Inode{Version: layout.InodeVersion}
		root.SetFlags(uint64(unix.S_IFDIR | 0o777))
		root.SetNlink(1)
		root.Dir = layout.Dir{
			Version: layout.DirVersion,
			Dirents: make([]layout.Dirent, layout.InlineDirentCount),
		}
		super.RootInode[0] = tx.Alloc(root, layout.MetadataBlockSize)
		return nil
	})
	require.NoError(t, err)

	e.m = NewMap(e.pool, &e.clock, Config{OverallocateOnAppend: true}, e.superH)
	e.root = e.m.Intern(e.m.Super().RootInode[0], nil, "")
	return e
}

// createFile allocates a regular file linked under the root.
func (e *testEnv) createFile(t *testing.T, name string, mode uint32) *Vinode {
	var v *Vinode
	err := e.pool.RunTx(nil, func(tx *pmem.Tx) error {
		e.root.RWLock.Lock()
		defer e.root.RWLock.Unlock()

		v = e.m.AllocInode(tx, 0, 0, unix.S_IFREG|mode, e.root, name)
		return e.m.AddDirent(tx, e.root, name, v)
	})
	require.NoError(t, err)
	return v
}

// write runs the data engine's write under the usual locking discipline.
func (e *testEnv) write(t *testing.T, v *Vinode, offset uint64, data []byte) {
	v.RWLock.Lock()
	defer v.RWLock.Unlock()

	v.Snapshot()
	err := e.pool.RunTx(nil, func(tx *pmem.Tx) error {
		v.EnsureIndex()
		v.Write(tx, offset, data, nil, 0)
		return nil
	})
	if err != nil {
		v.RestoreOnAbort()
	}
	require.NoError(t, err)
}

// read runs the data engine's read.
func (e *testEnv) read(t *testing.T, v *Vinode, offset uint64, n int) []byte {
	v.RWLock.Lock()
	v.EnsureIndex()
	buf := make([]byte, n)
	got, _ := v.Read(offset, buf, nil, 0)
	v.RWLock.Unlock()
	return buf[:got]
}
