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
	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/pmem"
)

// Directory entries live in the page chain hanging off the directory inode:
// the first page is inline in the inode, overflow pages are separate records
// chained through Next. Lookup is a linear scan; the dense arrays are tuned
// so a page fills one metadata block.

// CheckName enforces the directory naming rules shared by every entry point.
func CheckName(name string) error {
	if len(name) == 0 {
		return unix.ENOENT
	}
	if len(name) > layout.MaxFileName {
		return unix.ENAMETOOLONG
	}
	return nil
}

// dirPage resolves one page of the chain by handle: the inode's inline page for
// the inode handle, a chained page otherwise.
func (m *Map) dirPage(h pmem.Handle) *layout.Dir {
	switch r := m.pool.Get(h).(type) {
	case *layout.Inode:
		return &r.Dir
	case *layout.Dir:
		return r
	default:
		panic("inode: handle does not address a directory page")
	}
}

// findDirent locates name in parent's page chain.
//
// LOCKS_REQUIRED(parent.RWLock)
func (m *Map) findDirent(parent *Vinode, name string) (pageH pmem.Handle, idx int, ok bool) {
	for pageH = parent.H; pageH != 0; {
		page := m.dirPage(pageH)
		for i := range page.Dirents {
			d := &page.Dirents[i]
			if d.Inode != 0 && d.Name == name {
				return pageH, i, true
			}
		}
		pageH = page.Next
	}
	return 0, 0, false
}

// LookupDirent resolves name within parent and interns the result; the
// caller owns the returned reference. ENOENT when absent.
//
// LOCKS_EXCLUDED(parent.RWLock)
func (m *Map) LookupDirent(parent *Vinode, name string) (*Vinode, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}

	parent.RWLock.RLock()
	defer parent.RWLock.RUnlock()

	return m.LookupDirentLocked(parent, name)
}

// LookupDirentLocked is LookupDirent for callers already holding the parent
// lock in either mode (create-or-open runs it under the write lock inside
// the creating transaction).
//
// LOCKS_REQUIRED(parent.RWLock)
func (m *Map) LookupDirentLocked(parent *Vinode, name string) (*Vinode, error) {
	pageH, idx, ok := m.findDirent(parent, name)
	if !ok {
		return nil, unix.ENOENT
	}

	child := m.Intern(m.dirPage(pageH).Dirents[idx].Inode, parent, name)
	return child, nil
}

// AddDirent inserts a name→child entry into parent inside tx, bumping the
// child's link count and the parent's mtime/ctime. EEXIST when the name is
// taken.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(parent.RWLock held for writing)
func (m *Map) AddDirent(tx *pmem.Tx, parent *Vinode, name string, child *Vinode) error {
	if err := CheckName(name); err != nil {
		return err
	}

	// One scan finds both a duplicate and the first free slot.
	var freePage pmem.Handle
	freeIdx := -1
	lastPage := parent.H

	for pageH := parent.H; pageH != 0; {
		page := m.dirPage(pageH)
		for i := range page.Dirents {
			d := &page.Dirents[i]
			if d.Inode == 0 {
				if freeIdx < 0 {
					freePage, freeIdx = pageH, i
				}
				continue
			}
			if d.Name == name {
				return unix.EEXIST
			}
		}
		lastPage = pageH
		pageH = page.Next
	}

	if freeIdx < 0 {
		// Chain a fresh page onto the tail.
		page := &layout.Dir{
			Version: layout.DirVersion,
			Dirents: make([]layout.Dirent, layout.DirPageCount),
		}
		pageH := tx.Alloc(page, layout.MetadataBlockSize)

		tx.AddRange(lastPage)
		m.dirPage(lastPage).Next = pageH

		freePage, freeIdx = pageH, 0
	}

	tx.AddRange(freePage)
	page := m.dirPage(freePage)
	page.Dirents[freeIdx] = layout.Dirent{Inode: child.H, Name: name}
	page.NumElements++

	tx.AddRange(child.H)
	child.inode.SetNlink(child.inode.GetNlink() + 1)
	child.inode.SetCtime(m.Now())

	m.touchParent(tx, parent)

	return nil
}

// RemoveDirent removes parent's entry for name inside tx, verifying it still
// refers to child. The child loses a link; an open inode whose last link
// goes away moves to the orphan list.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(parent.RWLock held for writing)
func (m *Map) RemoveDirent(tx *pmem.Tx, parent *Vinode, name string, child *Vinode) error {
	pageH, idx, ok := m.findDirent(parent, name)
	if !ok {
		return unix.ENOENT
	}

	page := m.dirPage(pageH)
	if page.Dirents[idx].Inode != child.H {
		// The name was re-pointed between lookup and this transaction.
		return unix.ENOENT
	}

	tx.AddRange(pageH)
	page.Dirents[idx] = layout.Dirent{}
	page.NumElements--

	m.freeEmptyTailPages(tx, parent)

	tx.AddRange(child.H)
	in := child.inode
	in.SetNlink(in.GetNlink() - 1)
	in.SetCtime(m.Now())

	if in.GetNlink() == 0 {
		m.Orphan(tx, child)
	}

	m.touchParent(tx, parent)

	return nil
}

// freeEmptyTailPages trims emptied pages from the end of the chain. Only the
// tail can go: interior pages stay so slot positions remain stable for the
// scan in flight on other pages.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(parent.RWLock held for writing)
func (m *Map) freeEmptyTailPages(tx *pmem.Tx, parent *Vinode) {
	for {
		// Find the last page and its predecessor.
		prev := pmem.Handle(0)
		last := parent.H
		for page := m.dirPage(last); page.Next != 0; page = m.dirPage(last) {
			prev = last
			last = page.Next
		}

		if last == parent.H || m.dirPage(last).NumElements != 0 {
			return
		}

		tx.AddRange(prev)
		m.dirPage(prev).Next = 0
		tx.Free(last)
	}
}

// touchParent refreshes the parent directory's mtime/ctime after an entry
// mutation.
//
// LOCKS_REQUIRED(tx)
func (m *Map) touchParent(tx *pmem.Tx, parent *Vinode) {
	tx.AddRange(parent.H)
	now := m.Now()
	parent.inode.SetMtime(now)
	parent.inode.SetCtime(now)
}

// IsEmptyDir reports whether the directory holds no entries.
//
// LOCKS_REQUIRED(v.RWLock)
func (m *Map) IsEmptyDir(v *Vinode) bool {
	for pageH := v.H; pageH != 0; {
		page := m.dirPage(pageH)
		if page.NumElements != 0 {
			return false
		}
		pageH = page.Next
	}
	return true
}

// DirEntry is one getdents record.
type DirEntry struct {
	Inode pmem.Handle
	Name  string
	Type  uint8
}

// ListDirents snapshots the directory's entries in page order.
//
// LOCKS_EXCLUDED(v.RWLock)
func (m *Map) ListDirents(v *Vinode) []DirEntry {
	v.RWLock.RLock()
	defer v.RWLock.RUnlock()

	var out []DirEntry
	for pageH := v.H; pageH != 0; {
		page := m.dirPage(pageH)
		for i := range page.Dirents {
			d := &page.Dirents[i]
			if d.Inode == 0 {
				continue
			}

			child := m.pool.Get(d.Inode).(*layout.Inode)
			var typ uint8
			switch uint32(child.GetFlags()) & unix.S_IFMT {
			case unix.S_IFDIR:
				typ = unix.DT_DIR
			case unix.S_IFLNK:
				typ = unix.DT_LNK
			default:
				typ = unix.DT_REG
			}

			out = append(out, DirEntry{Inode: d.Inode, Name: d.Name, Type: typ})
		}
		pageH = page.Next
	}

	return out
}
