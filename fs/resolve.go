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
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/fs/inode"
	"github.com/pmemfs/pmemfs/layout"
	"github.com/pmemfs/pmemfs/pmem"
)

// SymloopMax bounds symlink chasing per resolution.
const SymloopMax = 40

// pathInfo is the outcome of walking everything but the final component:
// the parent directory (with a reference the caller owns) and the final
// name. An empty name means the path named a root directory itself.
type pathInfo struct {
	parent *inode.Vinode
	name   string
}

func (fs *Filesystem) putPathInfo(info *pathInfo) {
	if info.parent != nil {
		fs.inodes.Unref(info.parent)
		info.parent = nil
	}
}

// splitPath tokenises a path, dropping empty components ("//", trailing
// slash) and "." .
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return out
}

// stepUp resolves ".." from dir: the weak parent when it is still live.
// Without one the directory is a root (or detached), and ".." loops back
// onto it. Consumes the caller's reference on dir and returns an owned one.
func (fs *Filesystem) stepUp(dir *inode.Vinode) *inode.Vinode {
	if parent, ok := fs.inodes.ParentOf(dir); ok {
		fs.inodes.Unref(dir)
		return parent
	}

	return dir
}

// resolvePathAt walks path relative to at until one component remains,
// checking that every directory crossed is searchable and chasing symlinks
// in non-final components. depth carries the symlink-chase budget across
// recursion.
//
// On success the returned pathInfo owns a reference on the parent.
func (fs *Filesystem) resolvePathAt(cred *Cred, at *inode.Vinode, path string, depth *int) (pathInfo, error) {
	if path == "" {
		return pathInfo{}, unix.ENOENT
	}

	var cur *inode.Vinode
	if path[0] == '/' {
		cur = fs.inodes.Ref(fs.roots[0])
	} else {
		if at == nil {
			return pathInfo{}, unix.EFAULT
		}
		cur = fs.inodes.Ref(at)
	}

	rest := splitPath(path)

	for len(rest) > 1 {
		name := rest[0]

		if !cur.IsDir() {
			fs.inodes.Unref(cur)
			return pathInfo{}, unix.ENOTDIR
		}
		if !fs.canAccess(cred, cur, wantExecute) {
			fs.inodes.Unref(cur)
			return pathInfo{}, unix.EACCES
		}

		if name == ".." {
			cur = fs.stepUp(cur)
			rest = rest[1:]
			continue
		}

		if len(name) > layout.MaxFileName {
			fs.inodes.Unref(cur)
			return pathInfo{}, unix.ENAMETOOLONG
		}

		child, err := fs.inodes.LookupDirent(cur, name)
		if err != nil {
			fs.inodes.Unref(cur)
			return pathInfo{}, err
		}

		if child.IsSymlink() {
			*depth++
			if *depth > SymloopMax {
				fs.inodes.Unref(child)
				fs.inodes.Unref(cur)
				return pathInfo{}, unix.ELOOP
			}

			target := fs.readSymlinkTarget(child)
			fs.inodes.Unref(child)

			// Re-resolve the target in place of this component,
			// then continue with what is left.
			joined := target
			if len(rest) > 1 {
				joined = target + "/" + strings.Join(rest[1:], "/")
			}

			info, err := fs.resolvePathAt(cred, cur, joined, depth)
			fs.inodes.Unref(cur)
			return info, err
		}

		fs.inodes.Unref(cur)
		cur = child
		rest = rest[1:]
	}

	if len(rest) == 0 {
		// The path named a root (or collapsed to one): the root acts
		// as its own parent with an empty final name.
		return pathInfo{parent: cur, name: ""}, nil
	}

	name := rest[0]
	if name == ".." {
		cur = fs.stepUp(cur)
		return pathInfo{parent: cur, name: ""}, nil
	}
	if len(name) > layout.MaxFileName {
		fs.inodes.Unref(cur)
		return pathInfo{}, unix.ENAMETOOLONG
	}

	return pathInfo{parent: cur, name: name}, nil
}

// lookupFinal resolves the final component against its parent, checking the
// parent is a searchable directory. An empty name yields the parent itself
// (the root case).
//
// The returned vinode carries a reference the caller owns.
func (fs *Filesystem) lookupFinal(cred *Cred, info *pathInfo) (*inode.Vinode, error) {
	parent := info.parent

	if !parent.IsDir() {
		return nil, unix.ENOTDIR
	}
	if !fs.canAccess(cred, parent, wantExecute) {
		return nil, unix.EACCES
	}

	if info.name == "" {
		return fs.inodes.Ref(parent), nil
	}

	return fs.inodes.LookupDirent(parent, info.name)
}

// resolveExisting resolves a whole path to an existing vinode, following a
// final-component symlink when followLast is set.
func (fs *Filesystem) resolveExisting(cred *Cred, at *inode.Vinode, path string, followLast bool) (*inode.Vinode, error) {
	depth := 0
	return fs.resolveExistingDepth(cred, at, path, followLast, &depth)
}

func (fs *Filesystem) resolveExistingDepth(cred *Cred, at *inode.Vinode, path string, followLast bool, depth *int) (*inode.Vinode, error) {
	info, err := fs.resolvePathAt(cred, at, path, depth)
	if err != nil {
		return nil, err
	}
	defer fs.putPathInfo(&info)

	v, err := fs.lookupFinal(cred, &info)
	if err != nil {
		return nil, err
	}

	if followLast && v.IsSymlink() {
		*depth++
		if *depth > SymloopMax {
			fs.inodes.Unref(v)
			return nil, unix.ELOOP
		}

		target := fs.readSymlinkTarget(v)
		fs.inodes.Unref(v)

		return fs.resolveExistingDepth(cred, info.parent, target, followLast, depth)
	}

	return v, nil
}

// readSymlinkTarget reads a symlink's target, from the inline buffer or the
// long-symlink block.
func (fs *Filesystem) readSymlinkTarget(v *inode.Vinode) string {
	v.RWLock.RLock()
	defer v.RWLock.RUnlock()

	in := v.Inode()
	n := in.GetSize()

	if in.GetFlags()&layout.FlagLongSymlink != 0 {
		data := fs.pool.Get(in.LongSymlink).(*pmem.Blob).Data
		return string(data[:n])
	}

	return string(in.ShortSymlink[:n])
}
