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
)

// Capability bits, numerically the Linux capability numbers the original
// recognises.
const (
	CapChown  = 0
	CapFowner = 3
	CapFsetid = 4
)

// Cred is the identity operations run under: filesystem uid/gid, the
// supplementary groups, and the capability mask.
type Cred struct {
	FsUID  uint32
	FsGID  uint32
	Groups []uint32
	Caps   uint32
}

// HasCap reports whether the given capability number is set.
func (c *Cred) HasCap(capability int) bool {
	return c.Caps&(1<<uint(capability)) != 0
}

// InGroup reports whether gid is the filesystem gid or one of the
// supplementary groups.
func (c *Cred) InGroup(gid uint32) bool {
	if gid == c.FsGID {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// snapshotCred copies the pool credentials under the credential lock.
func (fs *Filesystem) snapshotCred() Cred {
	fs.credMu.RLock()
	defer fs.credMu.RUnlock()

	c := fs.cred
	c.Groups = append([]uint32(nil), fs.cred.Groups...)
	return c
}

// Access-check wants.
const (
	wantRead    = 1 << 0
	wantWrite   = 1 << 1
	wantExecute = 1 << 2
)

// canAccessPerms applies the owner/group/other permission triads to the
// credentials.
func canAccessPerms(c *Cred, uid, gid, mode uint32, want int) bool {
	var bits uint32
	switch {
	case c.FsUID == uid:
		bits = mode >> 6
	case c.InGroup(gid):
		bits = mode >> 3
	default:
		bits = mode
	}

	if want&wantRead != 0 && bits&4 == 0 {
		return false
	}
	if want&wantWrite != 0 && bits&2 == 0 {
		return false
	}
	if want&wantExecute != 0 && bits&1 == 0 {
		return false
	}
	return true
}

// canAccess checks the credentials against a vinode's owner, group and mode.
func (fs *Filesystem) canAccess(c *Cred, v *inode.Vinode, want int) bool {
	in := v.Inode()
	return canAccessPerms(c, in.UID, in.GID, v.Mode()&0o7777, want)
}

////////////////////////////////////////////////////////////////////////
// Credential entry points
////////////////////////////////////////////////////////////////////////

// SetFsuid changes the filesystem uid, returning the previous one.
func (fs *Filesystem) SetFsuid(uid uint32) uint32 {
	fs.credMu.Lock()
	defer fs.credMu.Unlock()

	old := fs.cred.FsUID
	fs.cred.FsUID = uid
	return old
}

// SetFsgid changes the filesystem gid, returning the previous one.
func (fs *Filesystem) SetFsgid(gid uint32) uint32 {
	fs.credMu.Lock()
	defer fs.credMu.Unlock()

	old := fs.cred.FsGID
	fs.cred.FsGID = gid
	return old
}

// SetGroups replaces the supplementary group list.
func (fs *Filesystem) SetGroups(groups []uint32) error {
	fs.credMu.Lock()
	defer fs.credMu.Unlock()

	fs.cred.Groups = append([]uint32(nil), groups...)
	return nil
}

// GetGroups returns a copy of the supplementary group list.
func (fs *Filesystem) GetGroups() []uint32 {
	fs.credMu.RLock()
	defer fs.credMu.RUnlock()

	return append([]uint32(nil), fs.cred.Groups...)
}

// SetCap grants one capability.
func (fs *Filesystem) SetCap(capability int) error {
	if capability != CapChown && capability != CapFowner && capability != CapFsetid {
		return unix.EINVAL
	}

	fs.credMu.Lock()
	defer fs.credMu.Unlock()

	fs.cred.Caps |= 1 << uint(capability)
	return nil
}

// ClrCap revokes one capability.
func (fs *Filesystem) ClrCap(capability int) error {
	if capability != CapChown && capability != CapFowner && capability != CapFsetid {
		return unix.EINVAL
	}

	fs.credMu.Lock()
	defer fs.credMu.Unlock()

	fs.cred.Caps &^= 1 << uint(capability)
	return nil
}
