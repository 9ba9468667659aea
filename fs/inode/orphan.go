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
	"fmt"

	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/locks"
	"github.com/pmemfs/pmemfs/pmem"
)

// The pool keeps two inode lists in the superblock: orphaned inodes (no
// directory entries left, but somebody still holds them open) and suspended
// inodes. Both are chains of inode-array pages. List mutation happens inside
// the caller's transaction under the pool-scoped orphan mutex, enlisted via
// the locks package so an abort cannot leak it.

// lockLists enlists the pool-scoped list mutex into tx exactly once per
// transaction; it stays held until the transaction ends either way.
func (m *Map) lockLists(tx *pmem.Tx) {
	if !tx.Once(&m.orphanMu) {
		return
	}
	locks.TxLockMutex(tx, &m.orphanMu)
	locks.TxUnlockMutexOnCommit(tx, &m.orphanMu)
}

// Orphan puts v's persistent inode on the pool orphan list. Called for
// tmpfile creation and when the last directory entry to an open inode is
// removed. The link count gains the orphan-list reference, per the media
// link-count rule.
//
// LOCKS_REQUIRED(tx)
func (m *Map) Orphan(tx *pmem.Tx, v *Vinode) {
	m.lockLists(tx)

	super := m.Super()
	loc := m.inodeArrayAdd(tx, m.superH, &super.OrphanedInodes, v.H)

	tx.AddRange(v.H)
	in := v.inode
	in.SetNlink(in.GetNlink() + 1)

	tx.OnCommit(func() {
		m.mu.Lock()
		v.orphan = loc
		m.mu.Unlock()
	})
}

// orphanRemove takes v's inode off the orphan list, dropping the list's
// link-count reference. The caller is about to free the inode.
//
// LOCKS_REQUIRED(tx)
func (m *Map) orphanRemove(tx *pmem.Tx, v *Vinode) {
	m.lockLists(tx)

	m.mu.RLock()
	loc := v.orphan
	m.mu.RUnlock()

	if !loc.set {
		return
	}

	m.inodeArrayRemove(tx, m.superH, func(super *layout.Superblock) *pmem.Handle {
		return &super.OrphanedInodes
	}, loc)

	tx.AddRange(v.H)
	in := v.inode
	in.SetNlink(in.GetNlink() - 1)

	tx.OnCommit(func() {
		m.mu.Lock()
		v.orphan = ListPos{}
		m.mu.Unlock()
	})
}

// inodeArrayAdd inserts an inode handle into the list whose head pointer is
// *head, allocating and front-linking a fresh page when every existing page
// is full. Returns where the handle landed.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(m.orphanMu)
func (m *Map) inodeArrayAdd(tx *pmem.Tx, headOwner pmem.Handle, head *pmem.Handle, h pmem.Handle) ListPos {
	for arrH := *head; arrH != 0; {
		arr := m.pool.Get(arrH).(*layout.InodeArray)

		if arr.Used < layout.NumInodesPerEntry {
			for i := uint32(0); i < layout.NumInodesPerEntry; i++ {
				if arr.Inodes[i] == 0 {
					tx.AddRange(arrH)
					arr.Inodes[i] = h
					arr.Used++
					return ListPos{arr: arrH, idx: i, set: true}
				}
			}
			panic(fmt.Sprintf("inode array %v: used %d but no free slot", arrH, arr.Used))
		}

		arrH = arr.Next
	}

	// Every page is full (or the list is empty); push a fresh page onto
	// the head of the chain.
	page := &layout.InodeArray{
		Version: layout.InodeArrayVersion,
		Next:    *head,
	}
	page.Inodes[0] = h
	page.Used = 1

	pageH := tx.Alloc(page, layout.MetadataBlockSize)

	if old := *head; old != 0 {
		tx.AddRange(old)
		m.pool.Get(old).(*layout.InodeArray).Prev = pageH
	}

	tx.AddRange(headOwner)
	*head = pageH

	return ListPos{arr: pageH, idx: 0, set: true}
}

// inodeArrayRemove clears one slot and unlinks the page once it is empty.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(m.orphanMu)
func (m *Map) inodeArrayRemove(tx *pmem.Tx, superH pmem.Handle, head func(*layout.Superblock) *pmem.Handle, loc ListPos) {
	arr := m.pool.Get(loc.arr).(*layout.InodeArray)

	tx.AddRange(loc.arr)
	arr.Inodes[loc.idx] = 0
	arr.Used--

	if arr.Used > 0 {
		return
	}

	// Unlink the emptied page.
	if arr.Prev != 0 {
		tx.AddRange(arr.Prev)
		m.pool.Get(arr.Prev).(*layout.InodeArray).Next = arr.Next
	} else {
		super := m.pool.Get(superH).(*layout.Superblock)
		tx.AddRange(superH)
		*head(super) = arr.Next
	}
	if arr.Next != 0 {
		tx.AddRange(arr.Next)
		m.pool.Get(arr.Next).(*layout.InodeArray).Prev = arr.Prev
	}

	tx.Free(loc.arr)
}

// SuspendedRef counts a suspended-process reference against v's inode,
// keeping the media lists usable by implementations that expose a suspend
// primitive.
//
// LOCKS_REQUIRED(tx)
func (m *Map) SuspendedRef(tx *pmem.Tx, v *Vinode) ListPos {
	m.lockLists(tx)

	super := m.Super()
	loc := m.inodeArrayAdd(tx, m.superH, &super.SuspendedInodes, v.H)

	tx.AddRange(v.H)
	v.inode.SuspendedRefs++

	return loc
}

// SuspendedUnref undoes SuspendedRef.
//
// LOCKS_REQUIRED(tx)
func (m *Map) SuspendedUnref(tx *pmem.Tx, v *Vinode, loc ListPos) {
	m.lockLists(tx)

	m.inodeArrayRemove(tx, m.superH, func(super *layout.Superblock) *pmem.Handle {
		return &super.SuspendedInodes
	}, loc)

	tx.AddRange(v.H)
	v.inode.SuspendedRefs--
}
