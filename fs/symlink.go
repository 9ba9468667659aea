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
	"github.com/pmemfs/pmemfs/locks"
	"github.com/pmemfs/pmemfs/pmem"
)

// Symlink creates a symbolic link holding target.
func (fs *Filesystem) Symlink(target, linkPath string) error {
	return fs.SymlinkAt(target, nil, linkPath)
}

// SymlinkAt creates a symbolic link relative to the handle at. Short
// targets live inline in the inode; longer ones get their own block, up to
// the maximum block size.
func (fs *Filesystem) SymlinkAt(target string, at *File, linkPath string) error {
	if target == "" || linkPath == "" {
		return unix.ENOENT
	}
	if len(target)+1 > cfgMaxSymlink {
		return unix.ENAMETOOLONG
	}

	cred := fs.snapshotCred()

	start, err := fs.dirForPath(at, linkPath)
	if err != nil {
		return err
	}
	defer fs.inodes.Unref(start)

	depth := 0
	info, err := fs.resolvePathAt(&cred, start, linkPath, &depth)
	if err != nil {
		return err
	}
	defer fs.putPathInfo(&info)

	if info.name == "" {
		return unix.EEXIST
	}
	if !fs.canAccess(&cred, info.parent, wantWrite|wantExecute) {
		return unix.EACCES
	}

	var created *inode.Vinode
	err = fs.pool.RunTx(nil, func(tx *pmem.Tx) error {
		locks.TxWlock(tx, &info.parent.RWLock)

		v := fs.inodes.AllocInode(tx, cred.FsUID, cred.FsGID,
			unix.S_IFLNK|0o777, info.parent, info.name)
		in := v.Inode()

		if len(target) <= layout.ShortSymlinkLen {
			fs.pool.MemcpyPersist(in.ShortSymlink[:], []byte(target))
		} else {
			h, blob := tx.AllocBlob(uint64(len(target)), false)
			fs.pool.MemcpyPersist(blob.Data, []byte(target))
			in.LongSymlink = h
			in.SetFlags(in.GetFlags() | layout.FlagLongSymlink)
		}
		in.SetSize(uint64(len(target)))

		if err := fs.inodes.AddDirent(tx, info.parent, info.name, v); err != nil {
			return err
		}

		locks.TxUnlockOnCommit(tx, &info.parent.RWLock)
		tx.OnCommit(func() { created = v })
		return nil
	})
	if err != nil {
		return err
	}

	fs.inodes.Unref(created)
	return nil
}

// cfgMaxSymlink bounds a symlink target to one block.
const cfgMaxSymlink = 64 * 1024 * 1024

// Readlink reads a symlink's target into buf, returning the byte count.
func (fs *Filesystem) Readlink(path string, buf []byte) (int, error) {
	return fs.ReadlinkAt(nil, path, buf)
}

// ReadlinkAt is readlink relative to the handle at.
func (fs *Filesystem) ReadlinkAt(at *File, path string, buf []byte) (int, error) {
	cred := fs.snapshotCred()

	start, err := fs.dirForPath(at, path)
	if err != nil {
		return -1, err
	}
	defer fs.inodes.Unref(start)

	v, err := fs.resolveExisting(&cred, start, path, false)
	if err != nil {
		return -1, err
	}
	defer fs.inodes.Unref(v)

	if !v.IsSymlink() {
		return -1, unix.EINVAL
	}

	target := fs.readSymlinkTarget(v)
	n := copy(buf, target)
	return n, nil
}
