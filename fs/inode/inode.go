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

// Package inode binds persistent inodes to their volatile runtime state: the
// vinode cache, the directory engine, the offset→block index, and the data
// engine of regular files.
package inode

import (
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/logger"
	"github.com/pmemfs/pmemfs/pmem"
)

// Config is the slice of pool configuration the data engine consults.
type Config struct {
	OverallocateOnAppend bool
	ForcedBlockSize      uint64
}

// Map interns persistent inodes into vinodes.
//
// LOCK ORDERING
//
// Let MU be the map lock, V any vinode rwlock, and OM the orphan-list mutex.
// The partial order is V < OM < MU: the map lock is a leaf, held only for
// the short intern/remove critical sections, which may run while a vinode
// lock (lookup interning a child) or the orphan mutex (removing an orphan)
// is held; the orphan mutex is taken only inside transactions.
type Map struct {
	pool  *pmem.Pool
	clock timeutil.Clock
	cfg   Config

	// Handle of the superblock, whose orphan and suspended list heads
	// this map owns.
	superH pmem.Handle

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards vinodes and every vinode's refcount.
	mu syncutil.InvariantMutex

	// The collection of live vinodes, keyed by persistent inode handle.
	//
	// INVARIANT: for all keys h, vinodes[h].H == h
	// INVARIANT: for all values v, v.refs > 0
	//
	// GUARDED_BY(mu)
	vinodes map[pmem.Handle]*Vinode

	// Serialises mutation of the pool-level orphaned/suspended inode
	// lists. Acquired inside transactions through the locks package.
	orphanMu sync.Mutex
}

// NewMap creates a vinode cache over the supplied pool. superH must address
// the pool's superblock.
func NewMap(pool *pmem.Pool, clock timeutil.Clock, cfg Config, superH pmem.Handle) *Map {
	m := &Map{
		pool:    pool,
		clock:   clock,
		cfg:     cfg,
		superH:  superH,
		vinodes: make(map[pmem.Handle]*Vinode),
	}
	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return m
}

func (m *Map) checkInvariants() {
	for h, v := range m.vinodes {
		if v.H != h {
			panic(fmt.Sprintf("vinode handle mismatch: %v vs. %v", v.H, h))
		}
		if v.refs <= 0 {
			panic(fmt.Sprintf("vinode %v in map with refcount %d", h, v.refs))
		}
	}
}

// Pool returns the underlying object pool.
func (m *Map) Pool() *pmem.Pool { return m.pool }

// Clock returns the pool clock.
func (m *Map) Clock() timeutil.Clock { return m.clock }

// Super returns the pool's superblock.
func (m *Map) Super() *layout.Superblock {
	return m.pool.Get(m.superH).(*layout.Superblock)
}

// Now returns the current time in media form.
func (m *Map) Now() layout.Time {
	t := m.clock.Now()
	return layout.Time{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

////////////////////////////////////////////////////////////////////////
// Vinode
////////////////////////////////////////////////////////////////////////

// ListPos remembers where an inode sits on the pool orphan list, so that
// removing it is O(1).
type ListPos struct {
	arr pmem.Handle
	idx uint32
	set bool
}

// Vinode is the volatile handle binding one persistent inode to runtime
// state. Data-engine state is guarded by RWLock; the refcount belongs to the
// owning map.
type Vinode struct {
	m *Map

	// Handle of the persistent inode. Immutable.
	H pmem.Handle

	// The persistent inode record. Immutable pointer; the record itself
	// is guarded by RWLock plus the transactional discipline.
	inode *layout.Inode

	// RWLock guards the persistent record and the volatile data state
	// below. Writers of file data or metadata hold it exclusively.
	RWLock sync.RWMutex

	// GUARDED_BY(m.mu)
	refs int

	// Weak reference to the parent vinode at the time of the last lookup,
	// plus the name found there. Debug-path reconstruction only; never
	// keeps the parent alive.
	//
	// GUARDED_BY(m.mu)
	parent *Vinode
	name   string

	/////////////////////////
	// Data-engine state
	/////////////////////////

	// The offset→block index, nil when it needs a lazy rebuild.
	//
	// GUARDED_BY(RWLock)
	blocks *blockIndex

	// First block of the file in offset order, nil for an empty file.
	//
	// GUARDED_BY(RWLock)
	firstBlock *layout.BlockDesc

	// Position of the next never-used descriptor slot.
	//
	// GUARDED_BY(RWLock)
	firstFree layout.BlockRef

	// Bumped whenever descriptors move or die, invalidating per-handle
	// block pointer caches.
	//
	// GUARDED_BY(RWLock)
	blockEpoch uint64

	// Rollback snapshot of the volatile chain state; see Snapshot.
	//
	// GUARDED_BY(RWLock)
	snapshot struct {
		firstBlock *layout.BlockDesc
		firstFree  layout.BlockRef
	}

	// Where this inode sits on the pool orphan list, if it does.
	//
	// GUARDED_BY(m.mu)
	orphan ListPos
}

// Inode returns the persistent record. The caller must hold RWLock as
// appropriate for what it does with it.
func (v *Vinode) Inode() *layout.Inode { return v.inode }

// Mode returns the file type and permission bits.
func (v *Vinode) Mode() uint32 {
	return uint32(v.inode.GetFlags() & 0xFFFFFFFF)
}

func (v *Vinode) IsRegular() bool { return v.Mode()&unix.S_IFMT == unix.S_IFREG }
func (v *Vinode) IsDir() bool     { return v.Mode()&unix.S_IFMT == unix.S_IFDIR }
func (v *Vinode) IsSymlink() bool { return v.Mode()&unix.S_IFMT == unix.S_IFLNK }

// DebugPath reconstructs a best-effort path for log messages by chasing weak
// parent references.
func (v *Vinode) DebugPath() string {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	path := ""
	for cur := v; cur != nil; cur = cur.parent {
		if cur.parent == nil {
			return "/" + path
		}
		if path == "" {
			path = cur.name
		} else {
			path = cur.name + "/" + path
		}
	}
	return path
}

////////////////////////////////////////////////////////////////////////
// Intern / ref / unref
////////////////////////////////////////////////////////////////////////

// Intern returns the vinode for the persistent inode addressed by h,
// creating one if none is live, and takes a reference the caller owns.
// parent and name seed the debug path and may be nil/empty.
func (m *Map) Intern(h pmem.Handle, parent *Vinode, name string) *Vinode {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.vinodes[h]; ok {
		v.refs++
		return v
	}

	v := &Vinode{
		m:      m,
		H:      h,
		inode:  m.pool.Get(h).(*layout.Inode),
		refs:   1,
		parent: parent,
		name:   name,
	}
	m.vinodes[h] = v
	return v
}

// Ref takes an additional reference on v.
func (m *Map) Ref(v *Vinode) *Vinode {
	m.mu.Lock()
	defer m.mu.Unlock()

	v.refs++
	return v
}

// Unref drops one reference. When the last reference goes away the vinode
// leaves the map, and an orphaned inode's storage is reclaimed in its own
// transaction. Must not be called with the map lock or v's RWLock held, nor
// from inside a transaction.
func (m *Map) Unref(v *Vinode) {
	m.mu.Lock()

	v.refs--
	if v.refs > 0 {
		m.mu.Unlock()
		return
	}

	delete(m.vinodes, v.H)
	orphaned := v.orphan.set
	m.mu.Unlock()

	if !orphaned {
		return
	}

	// Nobody references the inode and no directory entry can reach it:
	// give the storage back.
	err := m.pool.RunTx(nil, func(tx *pmem.Tx) error {
		m.orphanRemove(tx, v)
		m.freeInode(tx, v)
		return nil
	})
	if err != nil {
		logger.Errorf("reclaiming orphaned inode %v: %v", v.H, err)
	}
}

// ParentOf resolves v's weak parent reference into an owned reference, when
// the parent is still interned. The weak pointer never keeps a parent alive,
// so a parent that has since left the map yields (nil, false).
func (m *Map) ParentOf(v *Vinode) (*Vinode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := v.parent
	if p == nil {
		return nil, false
	}
	if cur, ok := m.vinodes[p.H]; !ok || cur != p {
		return nil, false
	}

	p.refs++
	return p, true
}

// SetDebugPath records the directory entry v was most recently reached by.
func (m *Map) SetDebugPath(v *Vinode, parent *Vinode, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.parent = parent
	v.name = name
}

// ClearDebugPath forgets v's debug location (e.g. after its dirent went
// away).
func (m *Map) ClearDebugPath(v *Vinode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.parent = nil
	v.name = ""
}

// LiveCount reports the number of interned vinodes. For tests.
func (m *Map) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vinodes)
}

////////////////////////////////////////////////////////////////////////
// Inode allocation and reclamation
////////////////////////////////////////////////////////////////////////

// AllocInode creates a persistent inode inside tx and interns it. mode
// carries both the type and permission bits. The new inode's nlink is zero;
// the caller immediately links it into a directory or orphans it.
func (m *Map) AllocInode(tx *pmem.Tx, uid, gid uint32, mode uint32, parent *Vinode, name string) *Vinode {
	now := m.Now()

	in := &layout.Inode{
		Version: layout.InodeVersion,
		UID:     uid,
		GID:     gid,
	}
	in.SetFlags(uint64(mode))
	in.SetAtime(now)
	in.SetCtime(now)
	in.SetMtime(now)

	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		in.Blocks = layout.BlockArray{
			Version: layout.BlockArrayVersion,
			Blocks:  make([]layout.BlockDesc, layout.InlineBlockCount),
		}
	case unix.S_IFDIR:
		in.Dir = layout.Dir{
			Version: layout.DirVersion,
			Dirents: make([]layout.Dirent, layout.InlineDirentCount),
		}
	}

	h := tx.Alloc(in, layout.MetadataBlockSize)

	v := m.Intern(h, parent, name)

	// A freshly created vinode must not outlive an aborted creation.
	tx.OnAbort(func() {
		m.Unref(v)
	})

	return v
}

// freeInode releases every allocation behind the inode: data blocks, block
// array pages, directory pages, the long-symlink blob, and the inode record
// itself.
//
// LOCKS_REQUIRED(tx)
func (m *Map) freeInode(tx *pmem.Tx, v *Vinode) {
	in := v.inode

	switch {
	case v.IsRegular():
		// Data blobs first, then the descriptor pages.
		arr := &in.Blocks
		for {
			for i := uint32(0); i < arr.Used; i++ {
				if d := arr.Blocks[i].Data; d != 0 {
					tx.Free(d)
				}
			}
			next := arr.Next
			if next == 0 {
				break
			}
			tx.Free(next)
			arr = m.pool.Get(next).(*layout.BlockArray)
		}

	case v.IsDir():
		for next := in.Dir.Next; next != 0; {
			page := m.pool.Get(next).(*layout.Dir)
			tx.Free(next)
			next = page.Next
		}

	case v.IsSymlink():
		if in.GetFlags()&layout.FlagLongSymlink != 0 {
			tx.Free(in.LongSymlink)
		}
	}

	tx.Free(v.H)
}
