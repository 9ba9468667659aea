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
	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/pmem"
)

// Page is the allocation granule of file data.
const Page = 4096

// MaxBlockSize bounds one block of file data.
const MaxBlockSize = 64 * 1024 * 1024

func pageRoundup(n uint64) uint64   { return (n + Page - 1) &^ uint64(Page-1) }
func pageRounddown(n uint64) uint64 { return n &^ uint64(Page-1) }

// expandToFullPages grows [offset, offset+length) outward to whole pages.
func expandToFullPages(offset, length uint64) (uint64, uint64) {
	length += offset % Page
	offset -= offset % Page
	return offset, pageRoundup(length)
}

// narrowToFullPages shrinks [offset, offset+length) inward to whole pages.
func narrowToFullPages(offset, length uint64) (uint64, uint64) {
	end := pageRounddown(offset + length)
	offset = pageRoundup(offset)
	if end > offset {
		return offset, end - offset
	}
	return offset, 0
}

////////////////////////////////////////////////////////////////////////
// Block-array plumbing
////////////////////////////////////////////////////////////////////////

// blockArrayAt resolves a descriptor-page handle: the inline array for the
// inode handle, a chained page otherwise.
func (m *Map) blockArrayAt(h pmem.Handle) *layout.BlockArray {
	switch r := m.pool.Get(h).(type) {
	case *layout.Inode:
		return &r.Blocks
	case *layout.BlockArray:
		return r
	default:
		panic("inode: handle does not address a block array")
	}
}

// blockAt resolves a block reference to its descriptor, nil for the null
// reference.
func (m *Map) blockAt(ref layout.BlockRef) *layout.BlockDesc {
	if ref.IsNull() {
		return nil
	}
	return &m.blockArrayAt(ref.Page).Blocks[ref.Idx]
}

// blobData returns the bytes behind a data handle.
func (m *Map) blobData(h pmem.Handle) []byte {
	return m.pool.Get(h).(*pmem.Blob).Data
}

////////////////////////////////////////////////////////////////////////
// Volatile data state
////////////////////////////////////////////////////////////////////////

// RebuildBlockIndex walks the persistent descriptor pages and reconstructs
// the offset→block index plus the first-block and first-free positions.
//
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) RebuildBlockIndex() {
	m := v.m
	bi := newBlockIndex()

	var first *layout.BlockDesc
	pageH := v.H
	for {
		arr := m.blockArrayAt(pageH)
		for i := uint32(0); i < arr.Used; i++ {
			block := &arr.Blocks[i]
			if block.Size == 0 {
				continue
			}

			bi.Insert(block, layout.BlockRef{Page: pageH, Idx: i})
			if first == nil || block.Offset < first.Offset {
				first = block
			}
		}

		if arr.Next == 0 {
			v.firstFree = layout.BlockRef{Page: pageH, Idx: arr.Used}
			break
		}
		pageH = arr.Next
	}

	v.firstBlock = first
	v.blocks = bi
}

// EnsureIndex rebuilds the index if an abort destroyed it.
//
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) EnsureIndex() {
	if v.blocks == nil {
		v.RebuildBlockIndex()
	}
}

// HasIndex reports whether the index is currently built.
//
// LOCKS_REQUIRED(v.RWLock)
func (v *Vinode) HasIndex() bool { return v.blocks != nil }

// Snapshot captures the volatile chain state for rollback.
//
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) Snapshot() {
	v.snapshot.firstBlock = v.firstBlock
	v.snapshot.firstFree = v.firstFree
}

// RestoreOnAbort rewinds the volatile chain state captured by Snapshot. The
// index is not restored: it is destroyed here and rebuilt on next use.
//
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) RestoreOnAbort() {
	v.firstBlock = v.snapshot.firstBlock
	v.firstFree = v.snapshot.firstFree
	v.blocks = nil
	v.blockEpoch++
}

// BlockEpoch exposes the cache-invalidation counter to file handles.
//
// LOCKS_REQUIRED(v.RWLock)
func (v *Vinode) BlockEpoch() uint64 { return v.blockEpoch }

////////////////////////////////////////////////////////////////////////
// Descriptor chain mutation
////////////////////////////////////////////////////////////////////////

// claimSlot takes the next never-used descriptor slot, chaining a fresh
// array page when the current tail page is full.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) claimSlot(tx *pmem.Tx) (*layout.BlockDesc, layout.BlockRef) {
	m := v.m
	ff := v.firstFree

	arr := m.blockArrayAt(ff.Page)
	if int(ff.Idx) >= len(arr.Blocks) {
		page := &layout.BlockArray{
			Version: layout.BlockArrayVersion,
			Blocks:  make([]layout.BlockDesc, layout.BlockArrayPageCount),
		}
		pageH := tx.Alloc(page, layout.MetadataBlockSize)

		tx.AddRange(ff.Page)
		arr.Next = pageH

		ff = layout.BlockRef{Page: pageH, Idx: 0}
		arr = page
	}

	tx.AddRange(ff.Page)
	arr.Used = ff.Idx + 1
	desc := &arr.Blocks[ff.Idx]
	*desc = layout.BlockDesc{}

	v.firstFree = layout.BlockRef{Page: ff.Page, Idx: ff.Idx + 1}
	return desc, ff
}

// blockListInsertAfter claims a descriptor slot and links it into the offset
// chain right after prev (nil to insert at the head).
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) blockListInsertAfter(tx *pmem.Tx, prev *layout.BlockDesc) (*layout.BlockDesc, layout.BlockRef) {
	m := v.m
	desc, ref := v.claimSlot(tx)

	if prev == nil {
		if v.firstBlock != nil {
			oldRef := v.blocks.RefOf(v.firstBlock)
			desc.Next = oldRef

			tx.AddRange(oldRef.Page)
			v.firstBlock.Prev = ref
		}
		v.firstBlock = desc
		return desc, ref
	}

	prevRef := v.blocks.RefOf(prev)
	desc.Prev = prevRef
	desc.Next = prev.Next

	if !prev.Next.IsNull() {
		next := m.blockAt(prev.Next)
		tx.AddRange(prev.Next.Page)
		next.Prev = ref
	}

	tx.AddRange(prevRef.Page)
	prev.Next = ref

	return desc, ref
}

// blockListRemove unlinks block from the chain, frees its data, and keeps
// the descriptor pages dense by moving the last live descriptor into the
// vacated slot. Returns the predecessor (for backward iteration), which may
// have moved.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) blockListRemove(tx *pmem.Tx, block *layout.BlockDesc) *layout.BlockDesc {
	m := v.m
	ref := v.blocks.RefOf(block)
	prevRef := block.Prev
	nextRef := block.Next

	// Unlink from the offset chain.
	if prev := m.blockAt(prevRef); prev != nil {
		tx.AddRange(prevRef.Page)
		prev.Next = nextRef
	}
	if next := m.blockAt(nextRef); next != nil {
		tx.AddRange(nextRef.Page)
		next.Prev = prevRef
	}
	if v.firstBlock == block {
		v.firstBlock = m.blockAt(nextRef)
	}

	tx.Free(block.Data)
	tx.AddRange(v.H)
	in := v.inode
	in.SetAllocatedSpace(in.GetAllocatedSpace() - uint64(block.Size))

	v.blocks.Remove(block)

	// Locate the last live slot.
	lastRef := v.firstFree
	if lastRef.Idx == 0 {
		// The tail page is empty; the last slot lives in its
		// predecessor.
		pageH := v.H
		for m.blockArrayAt(pageH).Next != lastRef.Page {
			pageH = m.blockArrayAt(pageH).Next
		}
		// Drop the empty tail page.
		tx.AddRange(pageH)
		m.blockArrayAt(pageH).Next = 0
		tx.Free(lastRef.Page)

		lastRef = layout.BlockRef{Page: pageH, Idx: m.blockArrayAt(pageH).Used}
	}
	lastRef.Idx--

	prevOut := m.blockAt(prevRef)

	if lastRef != ref {
		// Move the last descriptor into the vacated slot so the used
		// prefix stays dense.
		moved := m.blockAt(lastRef)

		tx.AddRange(ref.Page)
		*block = *moved

		if mp := m.blockAt(block.Prev); mp != nil {
			tx.AddRange(block.Prev.Page)
			mp.Next = ref
		}
		if mn := m.blockAt(block.Next); mn != nil {
			tx.AddRange(block.Next.Page)
			mn.Prev = ref
		}
		if v.firstBlock == moved {
			v.firstBlock = block
		}
		if prevOut == moved {
			prevOut = block
		}

		v.blocks.Remove(moved)
		v.blocks.Insert(block, ref)

		tx.AddRange(lastRef.Page)
		*moved = layout.BlockDesc{}
	} else {
		tx.AddRange(ref.Page)
		*block = layout.BlockDesc{}
	}

	tx.AddRange(lastRef.Page)
	m.blockArrayAt(lastRef.Page).Used = lastRef.Idx
	v.firstFree = lastRef
	v.blockEpoch++

	return prevOut
}

////////////////////////////////////////////////////////////////////////
// Allocation
////////////////////////////////////////////////////////////////////////

// allocateBlockData sizes and allocates the data blob for a freshly claimed
// descriptor. The descriptor's offset must already be set.
//
// LOCKS_REQUIRED(tx)
func (v *Vinode) allocateBlockData(tx *pmem.Tx, block *layout.BlockDesc, count uint64, useUsable bool) {
	m := v.m

	var size uint64
	if m.cfg.ForcedBlockSize != 0 {
		size = m.cfg.ForcedBlockSize
	} else if count <= MaxBlockSize {
		size = count
	} else {
		size = MaxBlockSize
	}

	h, blob := tx.AllocBlob(size, useUsable)
	if useUsable {
		usable := uint64(len(blob.Data))
		if usable > MaxBlockSize {
			size = MaxBlockSize
		} else {
			size = pageRounddown(usable)
		}
	}

	block.Data = h
	block.Size = uint32(size)
	block.Flags = 0

	tx.AddRange(v.H)
	in := v.inode
	in.SetAllocatedSpace(in.GetAllocatedSpace() + size)
}

// isAppend reports whether writing [offset, offset+size) only extends the
// file past its last allocated block.
//
// LOCKS_REQUIRED(v.RWLock)
func (v *Vinode) isAppend(offset, size uint64) bool {
	if v.inode.GetSize() >= offset+size {
		return false
	}

	last := v.blocks.FindLE(^uint64(0))
	if last == nil {
		return true
	}
	return last.Offset+uint64(last.Size) < offset+size
}

// overallocateSize is the tiered inflation schedule for pure appends: small
// appends get room to grow so the next few extend in place.
func overallocateSize(count uint64) uint64 {
	switch {
	case count <= 4096:
		return 16 * 1024
	case count <= 64*1024:
		return 256 * 1024
	case count <= 1024*1024:
		return 4 * 1024 * 1024
	case count <= 64*1024*1024:
		return 64 * 1024 * 1024
	default:
		return count
	}
}

// AllocateInterval makes sure every page of [offset, offset+size) is backed
// by a block, filling holes and extending past the last block as needed.
// Newly allocated blocks are uninitialised: readers see zeros until a write
// marks them.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) AllocateInterval(tx *pmem.Tx, offset, size uint64) {
	if size == 0 || offset+size < offset {
		panic("inode: bad interval")
	}

	m := v.m
	v.EnsureIndex()

	over := m.cfg.OverallocateOnAppend && v.isAppend(offset, size)
	if over {
		size = overallocateSize(size)
	}

	offset, size = expandToFullPages(offset, size)

	block := v.blocks.FindLE(offset)

	for size > 0 {
		switch {
		case isOffsetInBlock(block, offset):
			// Not in a hole.
			available := uint64(block.Size) - (offset - block.Offset)
			if available >= size {
				return
			}
			offset += available
			size -= available

		case block == nil && v.firstBlock == nil:
			// No data in the whole file.
			nb, ref := v.blockListInsertAfter(tx, nil)
			nb.Offset = offset
			v.allocateBlockData(tx, nb, size, over)
			v.blocks.Insert(nb, ref)
			block = nb

		case block == nil && v.firstBlock != nil:
			// In the hole before the first block.
			count := size
			firstOffset := v.firstBlock.Offset
			if offset+count > firstOffset {
				count = firstOffset - offset
			}

			nb, ref := v.blockListInsertAfter(tx, nil)
			nb.Offset = offset
			v.allocateBlockData(tx, nb, count, false)
			v.blocks.Insert(nb, ref)
			block = nb

		case block.Next.IsNull():
			// Past the last allocated block.
			nb, ref := v.blockListInsertAfter(tx, block)
			nb.Offset = offset
			v.allocateBlockData(tx, nb, size, over)
			v.blocks.Insert(nb, ref)
			block = nb

		default:
			// In a hole between two allocated blocks.
			next := m.blockAt(block.Next)
			holeCount := next.Offset - offset
			if holeCount > size {
				holeCount = size
			}

			if holeCount > 0 {
				nb, ref := v.blockListInsertAfter(tx, block)
				nb.Offset = offset
				v.allocateBlockData(tx, nb, holeCount, false)
				if uint64(nb.Size) > holeCount {
					nb.Size = uint32(holeCount)
				}
				v.blocks.Insert(nb, ref)
				block = nb
			} else {
				block = next
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Copying
////////////////////////////////////////////////////////////////////////

type copyDirection int

const (
	readFromBlocks copyDirection = iota
	writeToBlocks
)

func isBlockInitialized(block *layout.BlockDesc) bool {
	return block.Flags&layout.BlockInitialized != 0
}

// readBlockRange copies len bytes out of block at the in-block offset, or
// zero-fills for a hole (nil block) or a never-written block.
func (m *Map) readBlockRange(block *layout.BlockDesc, off, n uint64, buf []byte) {
	if block != nil && isBlockInitialized(block) {
		copy(buf[:n], m.blobData(block.Data)[off:])
		return
	}
	for i := uint64(0); i < n; i++ {
		buf[i] = 0
	}
}

// writeBlockRange copies user bytes into block. A first write into an
// uninitialised block zero-fills the bytes the copy leaves untouched, then
// marks the block; the flag flip is journaled so an abort falls back to the
// zeros-on-read contract.
//
// LOCKS_REQUIRED(tx)
func (v *Vinode) writeBlockRange(tx *pmem.Tx, block *layout.BlockDesc, off, n uint64, buf []byte) {
	m := v.m
	data := m.blobData(block.Data)

	if !isBlockInitialized(block) {
		if off > 0 {
			m.pool.MemsetPersist(data[:off], 0)
		}
		if end := off + n; end < uint64(block.Size) {
			m.pool.MemsetPersist(data[end:block.Size], 0)
		}

		tx.AddRange(v.blocks.RefOf(block).Page)
		block.Flags |= layout.BlockInitialized
	}

	m.pool.MemcpyPersist(data[off:off+n], buf[:n])
}

// findFollowingBlock returns the successor of block, or the file's first
// block when block is nil.
//
// LOCKS_REQUIRED(v.RWLock)
func (v *Vinode) findFollowingBlock(block *layout.BlockDesc) *layout.BlockDesc {
	if block != nil {
		return v.m.blockAt(block.Next)
	}
	return v.firstBlock
}

// iterateRange walks [offset, offset+n) copying between buf and the block
// chain. start seeds the walk (usually findClosest output). For writes every
// byte must be covered by an allocated block; for reads, holes produce
// zeros. Returns the last block touched, for the caller's pointer cache.
//
// LOCKS_REQUIRED(tx) when dir == writeToBlocks
// LOCKS_REQUIRED(v.RWLock)
func (v *Vinode) iterateRange(tx *pmem.Tx, start *layout.BlockDesc, offset, n uint64, buf []byte, dir copyDirection) *layout.BlockDesc {
	m := v.m
	block := start
	var last *layout.BlockDesc

	for n > 0 {
		if block != nil {
			last = block
		}

		if block == nil || !isOffsetInBlock(block, offset) {
			// A hole, or a region past every block. Writing never
			// gets here: the range was allocated up front.
			if dir != readFromBlocks {
				panic("inode: write into unallocated range")
			}

			// A block that starts past offset bounds the hole itself;
			// otherwise the hole runs to the block after this one.
			var next *layout.BlockDesc
			if block != nil && block.Offset > offset {
				next = block
			} else {
				next = v.findFollowingBlock(block)
			}

			holeCount := n
			if next != nil {
				if holeEnd := next.Offset - offset; holeEnd < holeCount {
					holeCount = holeEnd
				}
				block = next
			}

			m.readBlockRange(nil, 0, holeCount, buf)

			offset += holeCount
			n -= holeCount
			buf = buf[holeCount:]
			continue
		}

		inBlockStart := offset - block.Offset
		inBlockLen := uint64(block.Size) - inBlockStart
		if n < inBlockLen {
			inBlockLen = n
		}

		if dir == readFromBlocks {
			m.readBlockRange(block, inBlockStart, inBlockLen, buf)
		} else {
			v.writeBlockRange(tx, block, inBlockStart, inBlockLen, buf)
		}

		offset += inBlockLen
		n -= inBlockLen
		buf = buf[inBlockLen:]
		block = m.blockAt(block.Next)
	}

	return last
}

////////////////////////////////////////////////////////////////////////
// Read / write
////////////////////////////////////////////////////////////////////////

// Read copies up to len(buf) bytes starting at offset, stopping at the
// logical size. Holes and never-written blocks read as zeros. Returns the
// byte count and the last block touched for the caller's cache.
//
// LOCKS_REQUIRED(v.RWLock)
func (v *Vinode) Read(offset uint64, buf []byte, hint *layout.BlockDesc, hintEpoch uint64) (int, *layout.BlockDesc) {
	size := v.inode.GetSize()
	if offset >= size {
		return 0, nil
	}

	count := uint64(len(buf))
	if size-offset < count {
		count = size - offset
	}
	if count == 0 {
		return 0, nil
	}

	start := v.findClosest(hint, hintEpoch, offset)
	last := v.iterateRange(nil, start, offset, count, buf, readFromBlocks)

	return int(count), last
}

// Write copies buf into the file at offset inside tx, allocating blocks as
// needed and extending the logical size. mtime is bumped; the caller
// arranges Snapshot/RestoreOnAbort around the transaction.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) Write(tx *pmem.Tx, offset uint64, buf []byte, hint *layout.BlockDesc, hintEpoch uint64) *layout.BlockDesc {
	count := uint64(len(buf))

	v.EnsureIndex()
	v.AllocateInterval(tx, offset, count)

	in := v.inode
	newSize := in.GetSize()
	if offset+count > newSize {
		newSize = offset + count
	}

	start := v.findClosest(hint, hintEpoch, offset)
	last := v.iterateRange(tx, start, offset, count, buf, writeToBlocks)

	tx.AddRange(v.H)
	if newSize != in.GetSize() {
		in.SetSize(newSize)
	}
	in.SetMtime(v.m.Now())

	return last
}

////////////////////////////////////////////////////////////////////////
// Hole punching, truncation, fallocate
////////////////////////////////////////////////////////////////////////

// RemoveInterval deallocates whole blocks inside [offset, offset+n) and
// zero-fills the partial intersections at the edges, journaling the
// overwritten bytes so an abort cannot leave mixed content.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) RemoveInterval(tx *pmem.Tx, offset, n uint64) {
	if n == 0 {
		panic("inode: empty interval")
	}

	m := v.m
	v.EnsureIndex()

	block := v.blocks.FindLE(offset + n - 1)

	for block != nil && block.Offset+uint64(block.Size) > offset {
		blockEnd := block.Offset + uint64(block.Size)

		switch {
		case block.Offset >= offset && blockEnd <= offset+n:
			// Wholly inside the interval: deallocate.
			block = v.blockListRemove(tx, block)

		case block.Offset < offset && blockEnd > offset+n:
			// The interval is strictly inside this block: clear it
			// and stop.
			if isBlockInitialized(block) {
				tx.AddRange(block.Data)
				start := offset - block.Offset
				m.pool.MemsetPersist(m.blobData(block.Data)[start:start+n], 0)
			}
			return

		case blockEnd > offset+n:
			// Block at the right edge: clear its head.
			if isBlockInitialized(block) {
				tx.AddRange(block.Data)
				m.pool.MemsetPersist(m.blobData(block.Data)[:offset+n-block.Offset], 0)
			}
			block = m.blockAt(block.Prev)

		default:
			// Block at the left edge: clear its tail.
			if isBlockInitialized(block) {
				tx.AddRange(block.Data)
				start := offset - block.Offset
				m.pool.MemsetPersist(m.blobData(block.Data)[start:block.Size], 0)
			}
			block = m.blockAt(block.Prev)
		}
	}
}

// Truncate changes the file's logical size, punching away everything past
// the new end and, when growing, allocating the new range. mtime is bumped
// when the size changes.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) Truncate(tx *pmem.Tx, size uint64) {
	v.EnsureIndex()

	oldSize := v.inode.GetSize()

	v.RemoveInterval(tx, size, ^uint64(0)-size)
	if oldSize < size {
		v.AllocateInterval(tx, oldSize, size-oldSize)
	}

	if oldSize != size {
		tx.AddRange(v.H)
		in := v.inode
		in.SetSize(size)
		in.SetMtime(v.m.Now())
	}
}

// Fallocate mode bits, numerically the Linux FALLOC_FL_* values.
const (
	FallocKeepSize  = 0x01
	FallocPunchHole = 0x02
)

// Fallocate backs (default mode) or punches (PUNCH_HOLE|KEEP_SIZE) the given
// range. Punching narrows to whole pages; allocation expands to whole pages
// and, without KEEP_SIZE, grows the logical size to cover the range.
//
// LOCKS_REQUIRED(tx)
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) Fallocate(tx *pmem.Tx, mode int, offset, length uint64) {
	offPlusLen := offset + length

	if mode&FallocPunchHole != 0 {
		offset, length = narrowToFullPages(offset, length)
	} else {
		offset, length = expandToFullPages(offset, length)
	}

	if length == 0 {
		return
	}

	v.EnsureIndex()

	if mode&FallocPunchHole != 0 {
		v.RemoveInterval(tx, offset, length)
		return
	}

	v.AllocateInterval(tx, offset, length)
	if mode&FallocKeepSize == 0 {
		in := v.inode
		if in.GetSize() < offPlusLen {
			tx.AddRange(v.H)
			in.SetSize(offPlusLen)
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Seeking
////////////////////////////////////////////////////////////////////////

// SeekData returns the smallest offset ≥ offset that lies in an allocated
// block, or the file size when no data follows.
//
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) SeekData(offset, fsize uint64) uint64 {
	v.EnsureIndex()

	block := v.blocks.FindLE(offset)
	if block == nil {
		if v.firstBlock == nil {
			return fsize
		}
		return v.firstBlock.Offset
	}

	if isOffsetInBlock(block, offset) {
		return offset
	}

	block = v.m.blockAt(block.Next)
	if block == nil {
		return fsize
	}
	return block.Offset
}

// SeekHole returns the smallest offset ≥ offset not covered by a block; the
// region past the last block counts as a hole.
//
// LOCKS_REQUIRED(v.RWLock held for writing)
func (v *Vinode) SeekHole(offset, fsize uint64) uint64 {
	v.EnsureIndex()

	block := v.blocks.FindLE(offset)

	for block != nil && offset < fsize {
		blockEnd := block.Offset + uint64(block.Size)
		next := v.m.blockAt(block.Next)

		if blockEnd >= offset {
			offset = blockEnd
		}

		if next == nil || offset < next.Offset {
			break
		}
		block = next
	}

	return offset
}
