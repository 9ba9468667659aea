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

package fs

import (
	"math"

	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/logger"
	"github.com/pmemfs/pmemfs/pmem"
)

// relatimeWindow is how stale atime may get before a read refreshes it
// anyway.
const relatimeWindow = 86400 // seconds

// Read reads from the handle's current offset, advancing it.
func (fs *Filesystem) Read(f *File, buf []byte) (int, error) {
	if f == nil {
		return -1, unix.EFAULT
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := fs.readLocked(f, f.offset, buf)
	if err != nil {
		return -1, err
	}

	f.offset += uint64(n)
	return n, nil
}

// ReadAt reads at an explicit offset without touching the handle offset.
func (fs *Filesystem) ReadAt(f *File, buf []byte, offset int64) (int, error) {
	if f == nil {
		return -1, unix.EFAULT
	}
	if offset < 0 {
		return -1, unix.EINVAL
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return fs.readLocked(f, uint64(offset), buf)
}

// Readv fills the buffers in order from the current offset.
func (fs *Filesystem) Readv(f *File, bufs [][]byte) (int, error) {
	if f == nil {
		return -1, unix.EFAULT
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, buf := range bufs {
		n, err := fs.readLocked(f, f.offset, buf)
		if err != nil {
			return -1, err
		}

		f.offset += uint64(n)
		total += n
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// Preadv fills the buffers from an explicit offset, leaving the handle
// offset alone.
func (fs *Filesystem) Preadv(f *File, bufs [][]byte, offset int64) (int, error) {
	if f == nil {
		return -1, unix.EFAULT
	}
	if offset < 0 {
		return -1, unix.EINVAL
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	pos := uint64(offset)
	for _, buf := range bufs {
		n, err := fs.readLocked(f, pos, buf)
		if err != nil {
			return -1, err
		}

		pos += uint64(n)
		total += n
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// readLocked is the common read path; the caller holds the handle mutex.
//
// LOCKS_REQUIRED(f.mu)
func (fs *Filesystem) readLocked(f *File, offset uint64, buf []byte) (int, error) {
	v := f.vinode

	if f.flags&filePath != 0 {
		return 0, unix.EBADF
	}
	if !v.IsRegular() {
		return 0, unix.EINVAL
	}
	if f.flags&fileRead == 0 {
		return 0, unix.EBADF
	}
	if len(buf) == 0 {
		return 0, nil
	}

	// Make sure the block index exists, upgrading the lock for the
	// rebuild only.
	v.RWLock.RLock()
	for !v.HasIndex() {
		v.RWLock.RUnlock()
		v.RWLock.Lock()
		v.EnsureIndex()
		v.RWLock.Unlock()
		v.RWLock.RLock()
	}

	n, last := v.Read(offset, buf, f.lastBlock, f.lastBlockEpoch)
	if last != nil {
		f.lastBlock = last
		f.lastBlockEpoch = v.BlockEpoch()
	}

	in := v.Inode()
	updateAtime := f.flags&fileNoatime == 0
	now := fs.now()
	if updateAtime {
		// relatime: refresh only when atime trails a change or has
		// aged out of the window.
		atime := in.GetAtime()
		aged := layout.Time{Sec: now.Sec - relatimeWindow, Nsec: now.Nsec}
		updateAtime = atime.Before(aged) ||
			atime.Before(in.GetCtime()) ||
			atime.Before(in.GetMtime())
	}

	v.RWLock.RUnlock()

	if updateAtime {
		v.RWLock.Lock()
		err := fs.pool.RunTx(nil, func(tx *pmem.Tx) error {
			tx.AddRange(v.H)
			in.SetAtime(now)
			return nil
		})
		v.RWLock.Unlock()

		if err != nil {
			// Best effort only.
			logger.Warnf("cannot update atime on inode %v: %v", v.H, err)
		}
	}

	return n, nil
}

// Write writes at the handle's current offset (or the end, with O_APPEND),
// advancing it.
func (fs *Filesystem) Write(f *File, buf []byte) (int, error) {
	if f == nil {
		return -1, unix.EFAULT
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	newOffset, n, err := fs.writeLocked(f, f.offset, buf, true)
	if err != nil {
		return -1, err
	}

	f.offset = newOffset + uint64(n)
	return n, nil
}

// WriteAt writes at an explicit offset, leaving the handle offset alone.
// O_APPEND does not apply on this path.
func (fs *Filesystem) WriteAt(f *File, buf []byte, offset int64) (int, error) {
	if f == nil {
		return -1, unix.EFAULT
	}
	if offset < 0 {
		return -1, unix.EINVAL
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	_, n, err := fs.writeLocked(f, uint64(offset), buf, false)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Writev writes the buffers in order at the current offset.
func (fs *Filesystem) Writev(f *File, bufs [][]byte) (int, error) {
	if f == nil {
		return -1, unix.EFAULT
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, buf := range bufs {
		newOffset, n, err := fs.writeLocked(f, f.offset, buf, true)
		if err != nil {
			return -1, err
		}
		f.offset = newOffset + uint64(n)
		total += n
	}
	return total, nil
}

// Pwritev writes the buffers at an explicit offset, leaving the handle
// offset alone.
func (fs *Filesystem) Pwritev(f *File, bufs [][]byte, offset int64) (int, error) {
	if f == nil {
		return -1, unix.EFAULT
	}
	if offset < 0 {
		return -1, unix.EINVAL
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	pos := uint64(offset)
	for _, buf := range bufs {
		_, n, err := fs.writeLocked(f, pos, buf, false)
		if err != nil {
			return -1, err
		}
		pos += uint64(n)
		total += n
	}
	return total, nil
}

// writeLocked is the common write path; the caller holds the handle mutex.
// honourAppend applies O_APPEND by rewriting the offset to the current size.
// Returns the offset actually written at.
//
// LOCKS_REQUIRED(f.mu)
func (fs *Filesystem) writeLocked(f *File, offset uint64, buf []byte, honourAppend bool) (uint64, int, error) {
	v := f.vinode

	if f.flags&filePath != 0 {
		return 0, 0, unix.EBADF
	}
	if !v.IsRegular() {
		return 0, 0, unix.EINVAL
	}
	if f.flags&fileWrite == 0 {
		return 0, 0, unix.EBADF
	}

	count := uint64(len(buf))
	if count == 0 {
		return offset, 0, nil
	}
	if offset+count < offset || offset+count > math.MaxInt64 {
		return 0, 0, unix.EFBIG
	}

	v.RWLock.Lock()
	defer v.RWLock.Unlock()

	v.Snapshot()

	var last *layout.BlockDesc
	err := fs.pool.RunTx(nil, func(tx *pmem.Tx) error {
		v.EnsureIndex()

		if honourAppend && f.flags&fileAppend != 0 {
			offset = v.Inode().GetSize()
		}

		last = v.Write(tx, offset, buf, f.lastBlock, f.lastBlockEpoch)
		return nil
	})
	if err != nil {
		v.RestoreOnAbort()
		return 0, 0, err
	}

	if last != nil {
		f.lastBlock = last
		f.lastBlockEpoch = v.BlockEpoch()
	}

	return offset, int(count), nil
}

////////////////////////////////////////////////////////////////////////
// Seeking
////////////////////////////////////////////////////////////////////////

// Lseek repositions the handle offset.
func (fs *Filesystem) Lseek(f *File, offset int64, whence int) (int64, error) {
	if f == nil {
		return -1, unix.EFAULT
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.vinode

	if f.flags&filePath != 0 {
		return -1, unix.EBADF
	}

	switch {
	case v.IsDir():
		if whence == unix.SEEK_END {
			return -1, unix.EINVAL
		}
	case v.IsRegular():
	default:
		return -1, unix.EINVAL
	}

	var ret int64

	switch whence {
	case unix.SEEK_SET:
		ret = offset
		if ret < 0 {
			return -1, unix.EINVAL
		}

	case unix.SEEK_CUR:
		ret = int64(f.offset) + offset
		if ret < 0 {
			if offset < 0 {
				return -1, unix.EINVAL
			}
			return -1, unix.EOVERFLOW
		}

	case unix.SEEK_END:
		v.RWLock.RLock()
		size := v.Inode().GetSize()
		v.RWLock.RUnlock()

		ret = int64(size) + offset
		if ret < 0 {
			if offset < 0 {
				return -1, unix.EINVAL
			}
			return -1, unix.EOVERFLOW
		}

	case unix.SEEK_DATA, unix.SEEK_HOLE:
		var err error
		ret, err = fs.seekDataOrHole(f, offset, whence)
		if err != nil {
			return -1, err
		}

	default:
		return -1, unix.EINVAL
	}

	f.offset = uint64(ret)
	return ret, nil
}

// seekDataOrHole implements SEEK_DATA and SEEK_HOLE under the vinode write
// lock (the walk may rebuild the block index).
//
// LOCKS_REQUIRED(f.mu)
func (fs *Filesystem) seekDataOrHole(f *File, offset int64, whence int) (int64, error) {
	v := f.vinode

	if !v.IsRegular() {
		return -1, unix.EBADF
	}

	v.RWLock.Lock()
	defer v.RWLock.Unlock()

	fsize := int64(v.Inode().GetSize())

	if offset > fsize {
		return -1, unix.ENXIO
	}
	if offset < 0 {
		// POSIX and Linux allow this; clamp to the file start.
		offset = 0
	}

	var out uint64
	if whence == unix.SEEK_DATA {
		out = v.SeekData(uint64(offset), uint64(fsize))
	} else {
		out = v.SeekHole(uint64(offset), uint64(fsize))
	}

	if int64(out) > fsize {
		out = uint64(fsize)
	}
	return int64(out), nil
}

////////////////////////////////////////////////////////////////////////
// Directory reading
////////////////////////////////////////////////////////////////////////

// Getdents returns up to count entries of the directory, resuming at the
// handle offset.
func (fs *Filesystem) Getdents(f *File, count int) ([]DirEntry, error) {
	if f == nil {
		return nil, unix.EFAULT
	}
	if f.flags&filePath != 0 {
		return nil, unix.EBADF
	}
	if !f.vinode.IsDir() {
		return nil, unix.ENOTDIR
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	all := fs.inodes.ListDirents(f.vinode)

	start := f.offset
	if start >= uint64(len(all)) {
		return nil, nil
	}

	end := start + uint64(count)
	if end > uint64(len(all)) {
		end = uint64(len(all))
	}

	out := make([]DirEntry, 0, end-start)
	for _, e := range all[start:end] {
		out = append(out, DirEntry{
			Ino:  uint64(e.Inode),
			Name: e.Name,
			Type: e.Type,
		})
	}

	f.offset = end
	return out, nil
}

// DirEntry is one directory listing record.
type DirEntry struct {
	Ino  uint64
	Name string
	Type uint8
}
