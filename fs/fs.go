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

// Package fs implements the POSIX-shaped operation layer over a pmemfs
// pool: path resolution, credentials, and the open/read/write/link family,
// composed from the vinode cache and the data engine under pool
// transactions.
package fs

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/cfg"
	"github.com/pmemfs/pmemfs/fs/inode"
	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/pmem"
)

// LOCK ORDERING
//
// Acquire in this order and never backwards:
//
//  1. The credential lock, briefly, to snapshot credentials.
//  2. A file handle's own mutex.
//  3. Vinode rwlocks; multiple ones in ascending vinode address order.
//  4. The pool-scoped list mutex, inside the current transaction.
//  5. The inode-map lock, briefly, to intern or drop vinodes; it is a leaf.

// Filesystem is one mounted pool. All global mutable state — credentials,
// knobs, roots, the working directory — hangs off this handle; there are no
// process-wide singletons.
type Filesystem struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	pool   *pmem.Pool
	clock  timeutil.Clock
	config cfg.Config
	inodes *inode.Map

	/////////////////////////
	// Constant data
	/////////////////////////

	superH pmem.Handle

	// The root vinodes, interned for the life of the filesystem. The path
	// "/" resolves to roots[0]; the others are reachable only through
	// OpenRootAt.
	roots [layout.RootCount]*inode.Vinode

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The working directory.
	//
	// GUARDED_BY(cwdMu)
	cwd   *inode.Vinode
	cwdMu sync.RWMutex

	// The pool credentials.
	//
	// GUARDED_BY(credMu)
	cred   Cred
	credMu sync.RWMutex
}

// Mkfs formats an empty pool: superblock, root directories, empty orphan
// lists. Returns the mounted filesystem.
func Mkfs(pool *pmem.Pool, clock timeutil.Clock, config cfg.Config) (*Filesystem, error) {
	if pool == nil {
		return nil, unix.EFAULT
	}
	if pool.Root() != 0 {
		return nil, unix.EEXIST
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}

	err := pool.RunTx(nil, func(tx *pmem.Tx) error {
		super := &layout.Superblock{
			Version: layout.SuperVersion,
			UUID:    [16]byte(uuid.New()),
		}
		superH := tx.Alloc(super, layout.MetadataBlockSize)
		pool.SetRoot(tx, superH)

		now := clock.Now()
		for i := range super.RootInode {
			in := &layout.Inode{
				Version: layout.InodeVersion,
			}
			in.SetFlags(uint64(unix.S_IFDIR | 0o777))
			t := layout.Time{Sec: now.Unix(), Nsec: int64(now.Nanosecond())}
			in.SetAtime(t)
			in.SetCtime(t)
			in.SetMtime(t)
			// The root reference itself counts as a link.
			in.SetNlink(1)
			in.Dir = layout.Dir{
				Version: layout.DirVersion,
				Dirents: make([]layout.Dirent, layout.InlineDirentCount),
			}
			super.RootInode[i] = tx.Alloc(in, layout.MetadataBlockSize)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return Open(pool, clock, config)
}

// Open mounts a formatted pool.
func Open(pool *pmem.Pool, clock timeutil.Clock, config cfg.Config) (*Filesystem, error) {
	if pool == nil {
		return nil, unix.EFAULT
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	superH := pool.Root()
	if superH == 0 {
		return nil, unix.EINVAL
	}
	super, ok := pool.Get(superH).(*layout.Superblock)
	if !ok || super.Version != layout.SuperVersion {
		return nil, unix.EINVAL
	}

	if config.DebugInvariants {
		syncutil.EnableInvariantChecking()
	}

	fs := &Filesystem{
		pool:   pool,
		clock:  clock,
		config: config,
		superH: superH,
		cred: Cred{
			FsUID: 0,
			FsGID: 0,
		},
	}

	fs.inodes = inode.NewMap(pool, clock, inode.Config{
		OverallocateOnAppend: config.OverallocateOnAppend,
		ForcedBlockSize:      uint64(config.ForcedBlockSize),
	}, superH)

	for i, h := range super.RootInode {
		if h == 0 {
			return nil, unix.EINVAL
		}
		fs.roots[i] = fs.inodes.Intern(h, nil, "")
	}

	fs.cwd = fs.inodes.Ref(fs.roots[0])

	return fs, nil
}

// Root returns the primary root vinode without transferring a reference.
func (fs *Filesystem) Root() *inode.Vinode { return fs.roots[0] }

// UUID returns the pool identity stamped at mkfs time.
func (fs *Filesystem) UUID() uuid.UUID {
	return uuid.UUID(fs.pool.Get(fs.superH).(*layout.Superblock).UUID)
}

func (fs *Filesystem) now() layout.Time {
	t := fs.clock.Now()
	return layout.Time{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

////////////////////////////////////////////////////////////////////////
// Working directory
////////////////////////////////////////////////////////////////////////

// Chdir changes the pool working directory. The target must be a searchable
// directory for the current credentials.
func (fs *Filesystem) Chdir(path string) error {
	cred := fs.snapshotCred()

	v, err := fs.resolveExisting(&cred, nil, path, true)
	if err != nil {
		return err
	}

	if !v.IsDir() {
		fs.inodes.Unref(v)
		return unix.ENOTDIR
	}
	if !fs.canAccess(&cred, v, wantExecute) {
		fs.inodes.Unref(v)
		return unix.EACCES
	}

	fs.cwdMu.Lock()
	old := fs.cwd
	fs.cwd = v
	fs.cwdMu.Unlock()

	fs.inodes.Unref(old)
	return nil
}

// Fchdir is Chdir through an open directory handle.
func (fs *Filesystem) Fchdir(dir *File) error {
	if dir == nil {
		return unix.EFAULT
	}
	if !dir.vinode.IsDir() {
		return unix.ENOTDIR
	}

	v := fs.inodes.Ref(dir.vinode)

	fs.cwdMu.Lock()
	old := fs.cwd
	fs.cwd = v
	fs.cwdMu.Unlock()

	fs.inodes.Unref(old)
	return nil
}

// Getcwd reconstructs a best-effort path of the working directory.
func (fs *Filesystem) Getcwd() string {
	fs.cwdMu.RLock()
	defer fs.cwdMu.RUnlock()
	return fs.cwd.DebugPath()
}

// refCwd returns the working directory with a reference.
func (fs *Filesystem) refCwd() *inode.Vinode {
	fs.cwdMu.RLock()
	defer fs.cwdMu.RUnlock()
	return fs.inodes.Ref(fs.cwd)
}

// dirForPath picks the starting directory for resolving path relative to
// the handle at (nil means the working directory). The returned vinode
// carries a reference the caller must drop.
func (fs *Filesystem) dirForPath(at *File, path string) (*inode.Vinode, error) {
	if len(path) > 0 && path[0] == '/' {
		return fs.inodes.Ref(fs.roots[0]), nil
	}
	if at == nil {
		return fs.refCwd(), nil
	}
	return fs.inodes.Ref(at.vinode), nil
}

////////////////////////////////////////////////////////////////////////
// Pool statistics
////////////////////////////////////////////////////////////////////////

// Stats counts the live objects of the pool by kind.
type Stats struct {
	Inodes      int
	Dirs        int
	BlockArrays int
	InodeArrays int
	Blocks      int
}

// CountStats walks the pool and tallies object kinds.
func (fs *Filesystem) CountStats() Stats {
	var s Stats
	fs.pool.ForEach(func(h pmem.Handle, r pmem.Record) {
		switch r.(type) {
		case *layout.Inode:
			s.Inodes++
		case *layout.Dir:
			s.Dirs++
		case *layout.BlockArray:
			s.BlockArrays++
		case *layout.InodeArray:
			s.InodeArrays++
		case *pmem.Blob:
			s.Blocks++
		}
	})
	return s
}
