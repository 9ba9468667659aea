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

// Package layout defines the on-media structures of a pmemfs pool and the
// numeric constants of the media format. The format version words below are
// load-bearing: a pool stamped with different values is not a pmemfs pool.
package layout

import (
	"sync"
	"sync/atomic"

	"github.com/pmemfs/pmemfs/pmem"
)

// Every metadata object is sized to a whole metadata block.
const MetadataBlockSize = 4096

// Format version words. Each one spells a little-endian ASCII tag followed
// by a version digit, the same trick ext-style filesystems use so
// that a hexdump of the media is self-describing.
const (
	SuperVersion      = uint64(0x000056454C494650) | uint64('0'+1)<<48 // "PFILEV1"
	InodeVersion      = uint32(0x00444E49) | uint32('0'+1)<<24         // "IND1"
	DirVersion        = uint32(0x00524944) | uint32('0'+1)<<24         // "DIR1"
	BlockArrayVersion = uint32(0x00414C42) | uint32('0'+1)<<24         // "BLA1"
	InodeArrayVersion = uint32(0x00414E49) | uint32('0'+1)<<24         // "INA1"
)

const (
	// Number of distinct directory trees in one pool. The path "/" always
	// resolves to root #0; the other roots are reachable only through the
	// explicit root-handle variants of the "at" calls.
	RootCount = 4

	// Maximum length of one file name, without the terminating NUL the
	// C media format reserves.
	MaxFileName = 255

	// Capacity of one inode-array page. Sized so that a page with its
	// header fits in one metadata block.
	NumInodesPerEntry = 249

	// Longest symlink target stored inline in the inode. Longer targets
	// move to a separate long-symlink block.
	ShortSymlinkLen = 96

	// Block descriptors packed into the array inline in the inode,
	// filling what is left of the inode's metadata block.
	InlineBlockCount = 10

	// Block descriptors per chained block-array page.
	BlockArrayPageCount = 63

	// Directory entries in the page inline in the inode.
	InlineDirentCount = 2

	// Directory entries per chained directory page.
	DirPageCount = 14
)

// Inode flag bits, beyond the mode/permission bits held in the low part of
// Flags. LongSymlink marks a symlink whose target lives in its own block.
const (
	FlagLongSymlink = uint64(1) << 32
)

// Time is a timestamp on media.
type Time struct {
	Sec  int64
	Nsec int64
}

// Before reports whether t is strictly earlier than u.
func (t Time) Before(u Time) bool {
	if t.Sec != u.Sec {
		return t.Sec < u.Sec
	}
	return t.Nsec < u.Nsec
}

////////////////////////////////////////////////////////////////////////
// Superblock
////////////////////////////////////////////////////////////////////////

// Superblock is the root object of a pool.
type Superblock struct {
	// Format version word. Must equal SuperVersion.
	Version uint64

	// Pool identity, stamped at mkfs time.
	UUID [16]byte

	// Head of the list of inode arrays holding inodes that have no
	// directory entries left but are still held open by somebody.
	OrphanedInodes pmem.Handle

	// Head of the list of inode arrays holding inodes referenced by
	// suspended processes.
	SuspendedInodes pmem.Handle

	// The roots of the RootCount directory trees.
	RootInode [RootCount]pmem.Handle
}

func (sb *Superblock) CloneRecord() pmem.Record {
	c := *sb
	return &c
}

func (sb *Superblock) RestoreRecord(snapshot pmem.Record) {
	*sb = *snapshot.(*Superblock)
}

////////////////////////////////////////////////////////////////////////
// Inode
////////////////////////////////////////////////////////////////////////

// SlotBits selects, per paired field of the inode, which of the two slots
// holds the live value. The whole word fits the platform's store-atomicity
// width, so flipping slots is a single atomic store; an in-progress update
// writes the inactive slot first and leaves the previous value recoverable
// until the flip.
type SlotBits struct {
	value atomic.Uint64
}

// Bit positions within SlotBits.
const (
	SlotAtime = iota
	SlotCtime
	SlotMtime
	SlotNlink
	SlotSize
	SlotAllocatedSpace
	SlotFlags
)

// Get returns the live slot (0 or 1) for the given field bit.
func (s *SlotBits) Get(bit uint) int {
	return int(s.value.Load()>>bit) & 1
}

// Flip atomically switches the live slot for the given field bit.
func (s *SlotBits) Flip(bit uint) {
	for {
		old := s.value.Load()
		if s.value.CompareAndSwap(old, old^(uint64(1)<<bit)) {
			return
		}
	}
}

// Load returns the raw slot word.
func (s *SlotBits) Load() uint64 { return s.value.Load() }

// Store overwrites the raw slot word. Used only by record snapshot and
// rollback.
func (s *SlotBits) Store(v uint64) { s.value.Store(v) }

// Inode is the persistent record describing one filesystem object. The
// paired fields ([2]...) are the double slots selected by Slots; use the
// accessors rather than indexing them directly.
//
// FileData below is the C union rendered as one field per arm; the mode bits
// in Flags decide which arm is live:
//
//	regular file  -> Blocks
//	directory     -> Dir
//	symlink       -> ShortSymlink, or LongSymlink when FlagLongSymlink is set
type Inode struct {
	Version uint32

	UID uint32
	GID uint32

	// Count of suspended-process references, kept next to the identity
	// fields the way the media format lays them out.
	SuspendedRefs uint32

	Flags          [2]uint64
	AllocatedSpace [2]uint64
	Size           [2]uint64
	Nlink          [2]uint64

	Atime [2]Time
	Ctime [2]Time
	Mtime [2]Time

	Slots SlotBits

	Blocks       BlockArray
	Dir          Dir
	ShortSymlink [ShortSymlinkLen]byte
	LongSymlink  pmem.Handle
}

func (in *Inode) CloneRecord() pmem.Record {
	c := &Inode{
		Version:        in.Version,
		UID:            in.UID,
		GID:            in.GID,
		SuspendedRefs:  in.SuspendedRefs,
		Flags:          in.Flags,
		AllocatedSpace: in.AllocatedSpace,
		Size:           in.Size,
		Nlink:          in.Nlink,
		Atime:          in.Atime,
		Ctime:          in.Ctime,
		Mtime:          in.Mtime,
		ShortSymlink:   in.ShortSymlink,
		LongSymlink:    in.LongSymlink,
	}
	c.Slots.Store(in.Slots.Load())
	in.Blocks.copyTo(&c.Blocks)
	in.Dir.copyTo(&c.Dir)
	return c
}

func (in *Inode) RestoreRecord(snapshot pmem.Record) {
	s := snapshot.(*Inode)
	in.Version = s.Version
	in.UID = s.UID
	in.GID = s.GID
	in.SuspendedRefs = s.SuspendedRefs
	in.Flags = s.Flags
	in.AllocatedSpace = s.AllocatedSpace
	in.Size = s.Size
	in.Nlink = s.Nlink
	in.Atime = s.Atime
	in.Ctime = s.Ctime
	in.Mtime = s.Mtime
	in.ShortSymlink = s.ShortSymlink
	in.LongSymlink = s.LongSymlink
	in.Slots.Store(s.Slots.Load())
	s.Blocks.copyTo(&in.Blocks)
	s.Dir.copyTo(&in.Dir)
}

// Paired-field accessors. Readers take the live slot; writers fill the
// inactive slot and flip. Writers require the caller to have journaled the
// inode into the current transaction.

func (in *Inode) GetFlags() uint64 { return in.Flags[in.Slots.Get(SlotFlags)] }

func (in *Inode) SetFlags(v uint64) {
	in.Flags[1-in.Slots.Get(SlotFlags)] = v
	in.Slots.Flip(SlotFlags)
}

func (in *Inode) GetSize() uint64 { return in.Size[in.Slots.Get(SlotSize)] }

func (in *Inode) SetSize(v uint64) {
	in.Size[1-in.Slots.Get(SlotSize)] = v
	in.Slots.Flip(SlotSize)
}

func (in *Inode) GetNlink() uint64 { return in.Nlink[in.Slots.Get(SlotNlink)] }

func (in *Inode) SetNlink(v uint64) {
	in.Nlink[1-in.Slots.Get(SlotNlink)] = v
	in.Slots.Flip(SlotNlink)
}

func (in *Inode) GetAllocatedSpace() uint64 {
	return in.AllocatedSpace[in.Slots.Get(SlotAllocatedSpace)]
}

func (in *Inode) SetAllocatedSpace(v uint64) {
	in.AllocatedSpace[1-in.Slots.Get(SlotAllocatedSpace)] = v
	in.Slots.Flip(SlotAllocatedSpace)
}

func (in *Inode) GetAtime() Time { return in.Atime[in.Slots.Get(SlotAtime)] }

func (in *Inode) SetAtime(v Time) {
	in.Atime[1-in.Slots.Get(SlotAtime)] = v
	in.Slots.Flip(SlotAtime)
}

func (in *Inode) GetCtime() Time { return in.Ctime[in.Slots.Get(SlotCtime)] }

func (in *Inode) SetCtime(v Time) {
	in.Ctime[1-in.Slots.Get(SlotCtime)] = v
	in.Slots.Flip(SlotCtime)
}

func (in *Inode) GetMtime() Time { return in.Mtime[in.Slots.Get(SlotMtime)] }

func (in *Inode) SetMtime(v Time) {
	in.Mtime[1-in.Slots.Get(SlotMtime)] = v
	in.Slots.Flip(SlotMtime)
}

////////////////////////////////////////////////////////////////////////
// Block descriptors
////////////////////////////////////////////////////////////////////////

// Block descriptor flag bits.
const BlockInitialized = uint32(1)

// BlockRef addresses one block descriptor on media: the handle of the page
// holding it (an inode, for the inline array) plus the slot index.
type BlockRef struct {
	Page pmem.Handle
	Idx  uint32
}

// IsNull reports whether the reference points at no descriptor.
func (r BlockRef) IsNull() bool { return r.Page == 0 }

// BlockDesc describes one contiguous run of file data bytes.
//
// INVARIANT: within one file, descriptors are strictly ordered by Offset and
// cover disjoint ranges; Next/Prev link them in that order.
type BlockDesc struct {
	// Handle of the data blob. Zero only in a never-used slot.
	Data pmem.Handle

	// Usable size of the blob, in bytes.
	Size uint32

	// Flag bits; bit 0 is BlockInitialized. A clear bit means the blob
	// content is undefined and must be read as zeros.
	Flags uint32

	// Offset of the first byte of this block in the file.
	Offset uint64

	Next BlockRef
	Prev BlockRef
}

// BlockArray is one page of block descriptors. The first page lives inline
// in the inode; overflow pages are chained through Next.
type BlockArray struct {
	Version uint32

	// Used counts the occupied prefix of Blocks.
	Used uint32

	Next pmem.Handle

	Blocks []BlockDesc
}

func (a *BlockArray) copyTo(dst *BlockArray) {
	dst.Version = a.Version
	dst.Used = a.Used
	dst.Next = a.Next
	dst.Blocks = append(dst.Blocks[:0], a.Blocks...)
}

func (a *BlockArray) CloneRecord() pmem.Record {
	c := &BlockArray{}
	a.copyTo(c)
	return c
}

func (a *BlockArray) RestoreRecord(snapshot pmem.Record) {
	s := snapshot.(*BlockArray)
	a.Version = s.Version
	a.Used = s.Used
	a.Next = s.Next
	// Restore in place so volatile *BlockDesc pointers into the backing
	// array stay valid across an abort.
	if cap(a.Blocks) < len(s.Blocks) {
		a.Blocks = make([]BlockDesc, len(s.Blocks))
	}
	a.Blocks = a.Blocks[:len(s.Blocks)]
	copy(a.Blocks, s.Blocks)
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

// Dirent is one directory entry. An empty Name marks a free slot.
type Dirent struct {
	Inode pmem.Handle
	Name  string
}

// Dir is one page of directory entries. The first page lives inline in the
// inode; overflow pages are chained through Next.
type Dir struct {
	Version     uint32
	NumElements uint32
	Next        pmem.Handle
	Dirents     []Dirent
}

func (d *Dir) copyTo(dst *Dir) {
	dst.Version = d.Version
	dst.NumElements = d.NumElements
	dst.Next = d.Next
	dst.Dirents = append(dst.Dirents[:0], d.Dirents...)
}

func (d *Dir) CloneRecord() pmem.Record {
	c := &Dir{}
	d.copyTo(c)
	return c
}

func (d *Dir) RestoreRecord(snapshot pmem.Record) {
	s := snapshot.(*Dir)
	c := &Dir{}
	s.copyTo(c)
	*d = *c
}

////////////////////////////////////////////////////////////////////////
// Inode arrays
////////////////////////////////////////////////////////////////////////

// InodeArray is one page of a pool-level inode list (orphaned or suspended
// inodes). Pages are doubly linked; Mtx serialises mutation of one page and
// participates in transactions through the locks package.
type InodeArray struct {
	Version uint32
	Used    uint32

	Prev pmem.Handle
	Next pmem.Handle

	// Volatile on media: reinitialised to the unlocked state whenever the
	// pool is opened.
	Mtx sync.Mutex

	Inodes [NumInodesPerEntry]pmem.Handle
}

func (a *InodeArray) CloneRecord() pmem.Record {
	c := &InodeArray{
		Version: a.Version,
		Used:    a.Used,
		Prev:    a.Prev,
		Next:    a.Next,
		Inodes:  a.Inodes,
	}
	return c
}

func (a *InodeArray) RestoreRecord(snapshot pmem.Record) {
	s := snapshot.(*InodeArray)
	a.Version = s.Version
	a.Used = s.Used
	a.Prev = s.Prev
	a.Next = s.Next
	a.Inodes = s.Inodes
}
