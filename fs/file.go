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
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/fs/inode"
	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/locks"
	"github.com/pmemfs/pmemfs/logger"
	"github.com/pmemfs/pmemfs/pmem"
)

// Open-mode bits of a file handle.
const (
	fileRead = 1 << iota
	fileWrite
	fileAppend
	fileNoatime
	filePath
)

// File is one open handle. It owns exactly one vinode reference for its
// lifetime; the handle mutex serialises the handle's own mutable state
// (offset, block pointer cache) between concurrent users of the same handle.
type File struct {
	fs     *Filesystem
	vinode *inode.Vinode

	mu sync.Mutex

	// GUARDED_BY(mu)
	offset uint64

	// Open-mode bits. Immutable after open.
	flags uint32

	// Cache of the block the last I/O ended in, revalidated against the
	// vinode's block epoch.
	//
	// GUARDED_BY(mu)
	lastBlock      *layout.BlockDesc
	lastBlockEpoch uint64
}

// Vinode exposes the handle's vinode to sibling packages' tests.
func (f *File) Vinode() *inode.Vinode { return f.vinode }

// checkOpenFlags rejects what the pool cannot support and strips the bits
// that are structurally always on (O_SYNC-style flags: the media is
// persistent memory).
func checkOpenFlags(flags int) error {
	if flags&unix.O_ASYNC != 0 {
		return unix.EINVAL
	}

	known := unix.O_ACCMODE | unix.O_APPEND | unix.O_CREAT | unix.O_CLOEXEC |
		unix.O_DIRECT | unix.O_DIRECTORY | unix.O_DSYNC | unix.O_EXCL |
		unix.O_NOCTTY | unix.O_NOATIME | unix.O_NOFOLLOW | unix.O_NONBLOCK |
		unix.O_PATH | unix.O_SYNC | unix.O_TRUNC | unix.O_TMPFILE | unix.O_LARGEFILE

	if flags&^known != 0 {
		return unix.EINVAL
	}
	return nil
}

func isTmpfile(flags int) bool {
	return flags&unix.O_TMPFILE == unix.O_TMPFILE
}

// accessWants maps the ACCMODE bits onto permission wants.
func accessWants(flags int) int {
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		return wantRead
	case unix.O_WRONLY:
		return wantWrite
	default:
		return wantRead | wantWrite
	}
}

// handleFlags translates open(2) flags into handle mode bits.
func handleFlags(flags int) uint32 {
	var out uint32
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		out = fileRead
	case unix.O_WRONLY:
		out = fileWrite
	default:
		out = fileRead | fileWrite
	}
	if flags&unix.O_APPEND != 0 {
		out |= fileAppend
	}
	if flags&unix.O_NOATIME != 0 {
		out |= fileNoatime
	}
	return out
}

// Open opens path relative to the working directory.
func (fs *Filesystem) Open(path string, flags int, mode uint32) (*File, error) {
	return fs.OpenAt(nil, path, flags, mode)
}

// Create creates (or truncates) a regular file open for writing.
func (fs *Filesystem) Create(path string, mode uint32) (*File, error) {
	return fs.Open(path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, mode)
}

// OpenAt opens path relative to the directory handle at (nil: the working
// directory). mode matters only with O_CREAT or O_TMPFILE.
func (fs *Filesystem) OpenAt(at *File, path string, flags int, mode uint32) (*File, error) {
	if path == "" {
		return nil, unix.ENOENT
	}
	if err := checkOpenFlags(flags); err != nil {
		return nil, err
	}
	mode &= 0o7777

	cred := fs.snapshotCred()

	start, err := fs.dirForPath(at, path)
	if err != nil {
		return nil, err
	}
	defer fs.inodes.Unref(start)

	depth := 0
	info, err := fs.resolvePathAt(&cred, start, path, &depth)
	if err != nil {
		return nil, err
	}
	defer fs.putPathInfo(&info)

	// Resolve the final component, chasing symlinks per the open rules.
	var vinode *inode.Vinode
	for {
		vinode, err = fs.lookupFinal(&cred, &info)
		if err != nil && err != unix.ENOENT {
			return nil, err
		}

		if vinode == nil || !vinode.IsSymlink() {
			break
		}

		// O_CREAT|O_EXCL does not follow a final symlink: the open
		// fails on the link itself. O_NOFOLLOW reports the chase.
		if flags&(unix.O_CREAT|unix.O_EXCL) == unix.O_CREAT|unix.O_EXCL {
			break
		}
		if flags&unix.O_NOFOLLOW != 0 {
			fs.inodes.Unref(vinode)
			return nil, unix.ELOOP
		}

		depth++
		if depth > SymloopMax {
			fs.inodes.Unref(vinode)
			return nil, unix.ELOOP
		}

		target := fs.readSymlinkTarget(vinode)
		fs.inodes.Unref(vinode)
		vinode = nil

		next, err := fs.resolvePathAt(&cred, info.parent, target, &depth)
		if err != nil {
			return nil, err
		}
		fs.putPathInfo(&info)
		info = next
	}

	unrefVinode := func() {
		if vinode != nil {
			fs.inodes.Unref(vinode)
		}
	}

	// The open state machine proper.
	switch {
	case isTmpfile(flags):
		if vinode == nil {
			return nil, unix.ENOENT
		}
		if !vinode.IsDir() {
			unrefVinode()
			return nil, unix.ENOTDIR
		}
		if flags&unix.O_ACCMODE == unix.O_RDONLY {
			unrefVinode()
			return nil, unix.EINVAL
		}
		if !fs.canAccess(&cred, vinode, wantWrite|wantExecute) {
			unrefVinode()
			return nil, unix.EACCES
		}

	case flags&(unix.O_CREAT|unix.O_EXCL) == unix.O_CREAT|unix.O_EXCL:
		if vinode != nil {
			unrefVinode()
			return nil, unix.EEXIST
		}

	case flags&unix.O_CREAT != 0:
		// Create-or-open; either branch handled below.

	default:
		if vinode == nil {
			return nil, unix.ENOENT
		}
	}

	if vinode == nil {
		// Creating: the parent takes the new entry.
		if !fs.canAccess(&cred, info.parent, wantWrite|wantExecute) {
			return nil, unix.EACCES
		}
	} else if !isTmpfile(flags) && flags&unix.O_PATH == 0 {
		if vinode.IsDir() && flags&unix.O_ACCMODE != unix.O_RDONLY {
			unrefVinode()
			return nil, unix.EISDIR
		}
		if !fs.canAccess(&cred, vinode, accessWants(flags)) {
			unrefVinode()
			return nil, unix.EACCES
		}
	}

	// O_PATH handles bypass the data path entirely.
	if flags&unix.O_PATH != 0 {
		if vinode == nil {
			return nil, unix.ENOENT
		}
		return &File{fs: fs, vinode: vinode, flags: filePath | fileNoatime}, nil
	}

	var file *File
	err = fs.pool.RunTx(nil, func(tx *pmem.Tx) error {
		switch {
		case isTmpfile(flags):
			// An anonymous file under the target directory: born
			// straight onto the orphan list.
			dir := vinode
			locks.TxWlock(tx, &dir.RWLock)
			tmp := fs.inodes.AllocInode(tx, cred.FsUID, cred.FsGID,
				unix.S_IFREG|mode, dir, "")
			fs.inodes.Orphan(tx, tmp)
			locks.TxUnlockOnCommit(tx, &dir.RWLock)

			tx.OnCommit(func() {
				fs.inodes.Unref(dir)
				vinode = tmp
			})

		case vinode == nil:
			created, err := fs.createFile(tx, &cred, info.parent, info.name, flags, mode)
			if err != nil {
				return err
			}
			tx.OnCommit(func() { vinode = created })

		default:
			if err := fs.openExisting(tx, vinode, flags); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		unrefVinode()
		return nil, err
	}

	file = &File{fs: fs, vinode: vinode, flags: handleFlags(flags)}

	logger.Tracef("open %q flags %#x -> inode %v", path, flags, vinode.H)
	return file, nil
}

// createFile allocates a regular file and links it under parent, all inside
// tx with the parent write-locked through the transaction. The lookup is
// repeated under the lock, so a create-or-open that loses the race opens
// whatever won it.
//
// LOCKS_REQUIRED(tx)
func (fs *Filesystem) createFile(tx *pmem.Tx, cred *Cred, parent *inode.Vinode, name string, flags int, mode uint32) (*inode.Vinode, error) {
	if err := inode.CheckName(name); err != nil {
		return nil, err
	}

	locks.TxWlock(tx, &parent.RWLock)

	if existing, err := fs.inodes.LookupDirentLocked(parent, name); err == nil {
		if flags&unix.O_EXCL != 0 {
			tx.OnAbort(func() { fs.inodes.Unref(existing) })
			return nil, unix.EEXIST
		}

		tx.OnAbort(func() { fs.inodes.Unref(existing) })
		if err := fs.openExisting(tx, existing, flags); err != nil {
			return nil, err
		}

		locks.TxUnlockOnCommit(tx, &parent.RWLock)
		return existing, nil
	}

	v := fs.inodes.AllocInode(tx, cred.FsUID, cred.FsGID, unix.S_IFREG|mode, parent, name)
	if err := fs.inodes.AddDirent(tx, parent, name, v); err != nil {
		return nil, err
	}

	locks.TxUnlockOnCommit(tx, &parent.RWLock)
	return v, nil
}

// openExisting applies the open-time side effects on an existing object.
//
// LOCKS_REQUIRED(tx)
func (fs *Filesystem) openExisting(tx *pmem.Tx, v *inode.Vinode, flags int) error {
	if flags&unix.O_DIRECTORY != 0 && !v.IsDir() {
		return unix.ENOTDIR
	}

	if flags&unix.O_TRUNC != 0 {
		if !v.IsRegular() {
			return unix.EINVAL
		}
		if flags&unix.O_ACCMODE == unix.O_RDONLY {
			return unix.EACCES
		}

		locks.TxWlock(tx, &v.RWLock)
		v.Snapshot()
		tx.OnAbort(v.RestoreOnAbort)
		v.Truncate(tx, 0)
		locks.TxUnlockOnCommit(tx, &v.RWLock)
	}

	return nil
}

// OpenRootAt returns a search-only handle on one of the pool's root
// directories; index 0 is the "/" tree.
func (fs *Filesystem) OpenRootAt(index int) (*File, error) {
	if index < 0 || index >= layout.RootCount {
		return nil, unix.EINVAL
	}

	v := fs.inodes.Ref(fs.roots[index])
	return &File{fs: fs, vinode: v, flags: fileRead | fileNoatime}, nil
}

// OpenParent resolves path's parent directory and returns a read-only,
// no-atime handle on it plus the leftover final component.
func (fs *Filesystem) OpenParent(at *File, path string) (*File, string, error) {
	cred := fs.snapshotCred()

	start, err := fs.dirForPath(at, path)
	if err != nil {
		return nil, "", err
	}
	defer fs.inodes.Unref(start)

	depth := 0
	info, err := fs.resolvePathAt(&cred, start, path, &depth)
	if err != nil {
		return nil, "", err
	}

	f := &File{fs: fs, vinode: info.parent, flags: fileRead | fileNoatime}
	return f, info.name, nil
}

// Close releases the handle's vinode reference. The handle must not be used
// afterwards.
func (fs *Filesystem) Close(f *File) error {
	if f == nil {
		return unix.EFAULT
	}
	if f.vinode == nil {
		return unix.EBADF
	}

	logger.Tracef("close inode %v path %s", f.vinode.H, f.vinode.DebugPath())
	fs.inodes.Unref(f.vinode)
	f.vinode = nil
	return nil
}

// Fcntl implements the original's small fcntl surface: GETFL reports the
// accumulated open flags; the lock commands succeed as no-ops.
func (fs *Filesystem) Fcntl(f *File, cmd int) (int, error) {
	if f == nil {
		return -1, unix.EFAULT
	}

	switch cmd {
	case unix.F_SETLK, unix.F_SETLKW:
		return 0, nil

	case unix.F_GETFL:
		ret := unix.O_LARGEFILE
		if f.flags&fileAppend != 0 {
			ret |= unix.O_APPEND
		}
		if f.flags&fileNoatime != 0 {
			ret |= unix.O_NOATIME
		}
		switch {
		case f.flags&(fileRead|fileWrite) == fileRead|fileWrite:
			ret |= unix.O_RDWR
		case f.flags&fileWrite != 0:
			ret |= unix.O_WRONLY
		default:
			ret |= unix.O_RDONLY
		}
		return ret, nil
	}

	return -1, unix.ENOTSUP
}
