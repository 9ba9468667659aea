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
	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/fs/inode"
	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/pmem"
)

// Stat is the attribute record of one filesystem object.
type Stat struct {
	Ino    uint64
	Mode   uint32
	Nlink  uint64
	UID    uint32
	GID    uint32
	Size   int64
	Blocks int64 // 512-byte units, per stat(2)
	Atime  layout.Time
	Mtime  layout.Time
	Ctime  layout.Time
}

func statFromVinode(v *inode.Vinode) Stat {
	v.RWLock.RLock()
	defer v.RWLock.RUnlock()

	in := v.Inode()
	return Stat{
		Ino:    uint64(v.H),
		Mode:   v.Mode(),
		Nlink:  in.GetNlink(),
		UID:    in.UID,
		GID:    in.GID,
		Size:   int64(in.GetSize()),
		Blocks: int64(in.GetAllocatedSpace() / 512),
		Atime:  in.GetAtime(),
		Mtime:  in.GetMtime(),
		Ctime:  in.GetCtime(),
	}
}

// Stat resolves path (following symlinks) and returns its attributes.
func (fs *Filesystem) Stat(path string) (Stat, error) {
	return fs.FstatAt(nil, path, 0)
}

// Lstat is Stat without following a final symlink.
func (fs *Filesystem) Lstat(path string) (Stat, error) {
	return fs.FstatAt(nil, path, unix.AT_SYMLINK_NOFOLLOW)
}

// Fstat returns the attributes behind an open handle.
func (fs *Filesystem) Fstat(f *File) (Stat, error) {
	if f == nil {
		return Stat{}, unix.EFAULT
	}
	return statFromVinode(f.vinode), nil
}

// FstatAt is fstatat: path relative to a handle, with
// AT_SYMLINK_NOFOLLOW support.
func (fs *Filesystem) FstatAt(at *File, path string, flags int) (Stat, error) {
	if flags&^unix.AT_SYMLINK_NOFOLLOW != 0 {
		return Stat{}, unix.EINVAL
	}

	cred := fs.snapshotCred()

	start, err := fs.dirForPath(at, path)
	if err != nil {
		return Stat{}, err
	}
	defer fs.inodes.Unref(start)

	v, err := fs.resolveExisting(&cred, start, path, flags&unix.AT_SYMLINK_NOFOLLOW == 0)
	if err != nil {
		return Stat{}, err
	}
	defer fs.inodes.Unref(v)

	return statFromVinode(v), nil
}

////////////////////////////////////////////////////////////////////////
// chmod
////////////////////////////////////////////////////////////////////////

// vinodeChmod applies mode to a resolved vinode. Not callable inside a
// transaction.
func (fs *Filesystem) vinodeChmod(cred *Cred, v *inode.Vinode, mode uint32) error {
	in := v.Inode()

	v.RWLock.Lock()
	defer v.RWLock.Unlock()

	return fs.pool.RunTx(nil, func(tx *pmem.Tx) error {
		if in.UID != cred.FsUID && !cred.HasCap(CapFowner) {
			return unix.EPERM
		}

		tx.AddRange(v.H)
		in.SetCtime(fs.now())
		in.SetFlags(in.GetFlags()&^uint64(0o7777) | uint64(mode))

		// A chmod by somebody outside the file's group drops setgid
		// unless privileged to keep it.
		if in.GID != cred.FsGID && !cred.InGroup(in.GID) && !cred.HasCap(CapFsetid) {
			in.SetFlags(in.GetFlags() &^ uint64(unix.S_ISGID))
		}

		return nil
	})
}

// Chmod changes permission bits, following symlinks.
func (fs *Filesystem) Chmod(path string, mode uint32) error {
	return fs.FchmodAt(nil, path, mode, 0)
}

// FchmodAt is fchmodat. AT_SYMLINK_NOFOLLOW is not supported, as in the
// original.
func (fs *Filesystem) FchmodAt(at *File, path string, mode uint32, flags int) error {
	mode &= 0o7777

	if flags&unix.AT_SYMLINK_NOFOLLOW != 0 {
		return unix.ENOTSUP
	}
	if flags != 0 {
		return unix.EINVAL
	}

	cred := fs.snapshotCred()

	start, err := fs.dirForPath(at, path)
	if err != nil {
		return err
	}
	defer fs.inodes.Unref(start)

	v, err := fs.resolveExisting(&cred, start, path, true)
	if err != nil {
		return err
	}
	defer fs.inodes.Unref(v)

	return fs.vinodeChmod(&cred, v, mode)
}

// Fchmod is chmod through an open handle.
func (fs *Filesystem) Fchmod(f *File, mode uint32) error {
	if f == nil {
		return unix.EFAULT
	}
	if f.flags&filePath != 0 {
		return unix.EBADF
	}

	cred := fs.snapshotCred()
	return fs.vinodeChmod(&cred, f.vinode, mode&0o7777)
}

////////////////////////////////////////////////////////////////////////
// chown
////////////////////////////////////////////////////////////////////////

// KeepID leaves the uid or gid argument of a chown unchanged.
const KeepID = ^uint32(0)

// vinodeChown applies the ownership change rules: only CAP_CHOWN moves a
// file between owners; the owner may hand the file to any group they are in.
func (fs *Filesystem) vinodeChown(cred *Cred, v *inode.Vinode, uid, gid uint32) error {
	in := v.Inode()

	v.RWLock.Lock()
	defer v.RWLock.Unlock()

	return fs.pool.RunTx(nil, func(tx *pmem.Tx) error {
		if uid != KeepID && uid != in.UID && !cred.HasCap(CapChown) {
			return unix.EPERM
		}
		if gid != KeepID && gid != in.GID && !cred.HasCap(CapChown) {
			if cred.FsUID != in.UID || !cred.InGroup(gid) {
				return unix.EPERM
			}
		}

		changed := false
		tx.AddRange(v.H)

		if uid != KeepID && uid != in.UID {
			in.UID = uid
			changed = true
		}
		if gid != KeepID && gid != in.GID {
			in.GID = gid
			changed = true
		}

		if changed {
			in.SetCtime(fs.now())
		}
		return nil
	})
}

// Chown changes ownership, following symlinks. Pass KeepID to leave a field
// alone.
func (fs *Filesystem) Chown(path string, uid, gid uint32) error {
	return fs.FchownAt(nil, path, uid, gid, 0)
}

// Lchown is Chown on the symlink itself.
func (fs *Filesystem) Lchown(path string, uid, gid uint32) error {
	return fs.FchownAt(nil, path, uid, gid, unix.AT_SYMLINK_NOFOLLOW)
}

// FchownAt is fchownat.
func (fs *Filesystem) FchownAt(at *File, path string, uid, gid uint32, flags int) error {
	if flags&^unix.AT_SYMLINK_NOFOLLOW != 0 {
		return unix.EINVAL
	}

	cred := fs.snapshotCred()

	start, err := fs.dirForPath(at, path)
	if err != nil {
		return err
	}
	defer fs.inodes.Unref(start)

	v, err := fs.resolveExisting(&cred, start, path, flags&unix.AT_SYMLINK_NOFOLLOW == 0)
	if err != nil {
		return err
	}
	defer fs.inodes.Unref(v)

	return fs.vinodeChown(&cred, v, uid, gid)
}

// Fchown is chown through an open handle.
func (fs *Filesystem) Fchown(f *File, uid, gid uint32) error {
	if f == nil {
		return unix.EFAULT
	}
	if f.flags&filePath != 0 {
		return unix.EBADF
	}

	cred := fs.snapshotCred()
	return fs.vinodeChown(&cred, f.vinode, uid, gid)
}

////////////////////////////////////////////////////////////////////////
// truncate / fallocate
////////////////////////////////////////////////////////////////////////

// vinodeTruncate runs the data engine's truncate under the vinode write
// lock and the volatile-state rollback discipline.
func (fs *Filesystem) vinodeTruncate(v *inode.Vinode, size uint64) error {
	v.RWLock.Lock()
	defer v.RWLock.Unlock()

	v.Snapshot()

	err := fs.pool.RunTx(nil, func(tx *pmem.Tx) error {
		v.Truncate(tx, size)
		return nil
	})
	if err != nil {
		v.RestoreOnAbort()
	}
	return err
}

// Truncate changes a file's size by path; needs write permission.
func (fs *Filesystem) Truncate(path string, size int64) error {
	if size < 0 {
		return unix.EINVAL
	}

	cred := fs.snapshotCred()

	start, err := fs.dirForPath(nil, path)
	if err != nil {
		return err
	}
	defer fs.inodes.Unref(start)

	v, err := fs.resolveExisting(&cred, start, path, true)
	if err != nil {
		return err
	}
	defer fs.inodes.Unref(v)

	if v.IsDir() {
		return unix.EISDIR
	}
	if !v.IsRegular() {
		return unix.EINVAL
	}
	if !fs.canAccess(&cred, v, wantWrite) && !cred.HasCap(CapFowner) {
		return unix.EACCES
	}

	return fs.vinodeTruncate(v, uint64(size))
}

// Ftruncate changes a file's size through an open handle.
func (fs *Filesystem) Ftruncate(f *File, size int64) error {
	if f == nil {
		return unix.EFAULT
	}
	if size < 0 {
		return unix.EINVAL
	}
	if f.flags&filePath != 0 || f.flags&fileWrite == 0 {
		return unix.EBADF
	}
	if !f.vinode.IsRegular() {
		return unix.EINVAL
	}

	return fs.vinodeTruncate(f.vinode, uint64(size))
}

// Fallocate backs or punches a byte range of an open file.
func (fs *Filesystem) Fallocate(f *File, mode int, offset, length int64) error {
	if f == nil {
		return unix.EFAULT
	}
	if offset < 0 || length <= 0 {
		return unix.EINVAL
	}
	if f.flags&filePath != 0 || f.flags&fileWrite == 0 {
		return unix.EBADF
	}

	v := f.vinode
	if !v.IsRegular() {
		return unix.ENODEV
	}

	if mode&^(inode.FallocKeepSize|inode.FallocPunchHole) != 0 {
		return unix.ENOTSUP
	}
	if mode&inode.FallocPunchHole != 0 && mode&inode.FallocKeepSize == 0 {
		// Punching must keep the size, per fallocate(2).
		return unix.ENOTSUP
	}

	v.RWLock.Lock()
	defer v.RWLock.Unlock()

	v.Snapshot()

	err := fs.pool.RunTx(nil, func(tx *pmem.Tx) error {
		v.Fallocate(tx, mode, uint64(offset), uint64(length))
		return nil
	})
	if err != nil {
		v.RestoreOnAbort()
	}
	return err
}
