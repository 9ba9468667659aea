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
	"github.com/google/btree"

	"github.com/pmemfs/pmemfs/layout"
)

// blockIndex maps file offsets to the block descriptors owning them, and
// remembers each descriptor's media address. It is a pure volatile cache
// over the persistent descriptor chain: losing it is non-fatal, a lazy walk
// of the chain rebuilds it.
type blockIndex struct {
	t *btree.BTreeG[*layout.BlockDesc]

	// Media address of each indexed descriptor.
	refs map[*layout.BlockDesc]layout.BlockRef
}

const blockIndexDegree = 16

func newBlockIndex() *blockIndex {
	return &blockIndex{
		t: btree.NewG(blockIndexDegree, func(a, b *layout.BlockDesc) bool {
			return a.Offset < b.Offset
		}),
		refs: make(map[*layout.BlockDesc]layout.BlockRef),
	}
}

// FindLE returns the descriptor with the greatest offset ≤ off, or nil.
func (bi *blockIndex) FindLE(off uint64) *layout.BlockDesc {
	var found *layout.BlockDesc
	bi.t.DescendLessOrEqual(&layout.BlockDesc{Offset: off}, func(b *layout.BlockDesc) bool {
		found = b
		return false
	})
	return found
}

// Insert adds b to the index under its media address.
func (bi *blockIndex) Insert(b *layout.BlockDesc, ref layout.BlockRef) {
	bi.t.ReplaceOrInsert(b)
	bi.refs[b] = ref
}

// Remove drops b from the index.
func (bi *blockIndex) Remove(b *layout.BlockDesc) {
	bi.t.Delete(b)
	delete(bi.refs, b)
}

// RefOf returns b's media address.
func (bi *blockIndex) RefOf(b *layout.BlockDesc) layout.BlockRef {
	ref, ok := bi.refs[b]
	if !ok {
		panic("inode: descriptor missing from block index")
	}
	return ref
}

// Len reports the number of indexed descriptors.
func (bi *blockIndex) Len() int {
	return bi.t.Len()
}

// isOffsetInBlock reports whether off falls inside the range described by
// block. A nil block covers nothing.
func isOffsetInBlock(block *layout.BlockDesc, off uint64) bool {
	if block == nil {
		return false
	}
	return block.Offset <= off && off < block.Offset+uint64(block.Size)
}

// findClosest resolves off through a caller-supplied cached descriptor
// before falling back to the index. epoch guards the cache against
// descriptor movement; pass the value captured when hint was.
//
// LOCKS_REQUIRED(v.RWLock)
func (v *Vinode) findClosest(hint *layout.BlockDesc, hintEpoch uint64, off uint64) *layout.BlockDesc {
	if hint != nil && hintEpoch == v.blockEpoch && isOffsetInBlock(hint, off) {
		return hint
	}
	return v.blocks.FindLE(off)
}
