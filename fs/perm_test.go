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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDirPermissionGates(t *testing.T) {
	e := newFsEnv(t)

	// Write+execute but no read, and read-only, handed to uid 1000.
	require.NoError(t, e.fs.Mkdir("/dir_-wx", 0o300))
	require.NoError(t, e.fs.Mkdir("/dir_r--", 0o400))
	require.NoError(t, e.fs.SetCap(CapChown))
	require.NoError(t, e.fs.Chown("/dir_-wx", 1000, 1000))
	require.NoError(t, e.fs.Chown("/dir_r--", 1000, 1000))
	require.NoError(t, e.fs.ClrCap(CapChown))

	e.fs.SetFsuid(1000)
	e.fs.SetFsgid(1000)

	// A writable+searchable directory accepts new entries.
	require.NoError(t, e.fs.Mkdir("/dir_-wx/sub", 0o700))

	// A read-only directory does not.
	assert.Equal(t, unix.EACCES, e.fs.Mkdir("/dir_r--/sub", 0o700))
}

func TestExecuteRequiredToTraverse(t *testing.T) {
	e := newFsEnv(t)
	require.NoError(t, e.fs.Mkdir("/locked", 0o600))

	// No execute bit for uid 1000 anywhere on the directory.
	e.fs.SetFsuid(1000)
	_, err := e.fs.Stat("/locked/anything")
	assert.Equal(t, unix.EACCES, err)
}

func TestOpenModeChecks(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/rdonly", 0o400, []byte("x"))

	e.fs.SetFsuid(1000)

	_, err := e.fs.Open("/rdonly", unix.O_WRONLY, 0)
	assert.Equal(t, unix.EACCES, err)

	_, err = e.fs.Open("/rdonly", unix.O_RDONLY, 0)
	assert.Equal(t, unix.EACCES, err) // other-bits are 0

	// The owner with the right bits gets through.
	e.fs.SetFsuid(0)
	f, err := e.fs.Open("/rdonly", unix.O_RDONLY, 0)
	require.NoError(t, err)
	require.NoError(t, e.fs.Close(f))
}

func TestGroupBitsApply(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/groupfile", 0o640, []byte("g"))
	require.NoError(t, e.fs.SetCap(CapChown))
	require.NoError(t, e.fs.Chown("/groupfile", 0, 500))
	require.NoError(t, e.fs.ClrCap(CapChown))

	e.fs.SetFsuid(1000)
	e.fs.SetFsgid(1000)

	_, err := e.fs.Open("/groupfile", unix.O_RDONLY, 0)
	assert.Equal(t, unix.EACCES, err)

	// Membership via the supplementary groups opens the group bits.
	require.NoError(t, e.fs.SetGroups([]uint32{500}))
	f, err := e.fs.Open("/groupfile", unix.O_RDONLY, 0)
	require.NoError(t, err)
	require.NoError(t, e.fs.Close(f))

	got := e.fs.GetGroups()
	assert.Equal(t, []uint32{500}, got)
}

////////////////////////////////////////////////////////////////////////
// chmod
////////////////////////////////////////////////////////////////////////

func TestChmod(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, nil)

	require.NoError(t, e.fs.Chmod("/a", 0o751))

	st, err := e.fs.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o751), st.Mode&0o7777)
}

func TestChmodNeedsOwnershipOrCap(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o666, nil)

	e.fs.SetFsuid(1000)
	assert.Equal(t, unix.EPERM, e.fs.Chmod("/a", 0o600))

	// CAP_FOWNER overrides the ownership check.
	require.NoError(t, e.fs.SetCap(CapFowner))
	assert.NoError(t, e.fs.Chmod("/a", 0o600))

	require.NoError(t, e.fs.ClrCap(CapFowner))
	assert.Equal(t, unix.EPERM, e.fs.Chmod("/a", 0o644))
}

func TestChmodDropsSetgidForOutsiders(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, nil)
	require.NoError(t, e.fs.SetCap(CapChown))
	require.NoError(t, e.fs.Chown("/a", 1000, 2000))
	require.NoError(t, e.fs.ClrCap(CapChown))

	// The owner is not in the file's group: setgid is stripped.
	e.fs.SetFsuid(1000)
	e.fs.SetFsgid(1000)
	require.NoError(t, e.fs.Chmod("/a", 0o2755))

	st, err := e.fs.Stat("/a")
	require.NoError(t, err)
	assert.Zero(t, st.Mode&unix.S_ISGID)

	// Group membership keeps it.
	require.NoError(t, e.fs.SetGroups([]uint32{2000}))
	require.NoError(t, e.fs.Chmod("/a", 0o2755))

	st, err = e.fs.Stat("/a")
	require.NoError(t, err)
	assert.NotZero(t, st.Mode&unix.S_ISGID)
}

func TestFchmod(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o600, nil)

	f, err := e.fs.Open("/a", unix.O_RDWR, 0)
	require.NoError(t, err)
	defer e.fs.Close(f)

	require.NoError(t, e.fs.Fchmod(f, 0o640))

	st, err := e.fs.Fstat(f)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o640), st.Mode&0o7777)
}

////////////////////////////////////////////////////////////////////////
// chown
////////////////////////////////////////////////////////////////////////

func TestChownNeedsCapability(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, nil)

	e.fs.SetFsuid(1000)

	// Moving a file between owners requires CAP_CHOWN.
	assert.Equal(t, unix.EPERM, e.fs.Chown("/a", 1000, KeepID))

	require.NoError(t, e.fs.SetCap(CapChown))
	require.NoError(t, e.fs.Chown("/a", 1000, 1000))
	require.NoError(t, e.fs.ClrCap(CapChown))

	st, err := e.fs.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), st.UID)
	assert.Equal(t, uint32(1000), st.GID)
}

func TestChownOwnerMayChangeToOwnGroups(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, nil)
	require.NoError(t, e.fs.SetCap(CapChown))
	require.NoError(t, e.fs.Chown("/a", 1000, 1000))
	require.NoError(t, e.fs.ClrCap(CapChown))

	e.fs.SetFsuid(1000)
	e.fs.SetFsgid(1000)

	// Handing the file to a group the owner is not in fails.
	assert.Equal(t, unix.EPERM, e.fs.Chown("/a", KeepID, 777))

	require.NoError(t, e.fs.SetGroups([]uint32{777}))
	require.NoError(t, e.fs.Chown("/a", KeepID, 777))

	st, err := e.fs.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, uint32(777), st.GID)
}

func TestLchownActsOnLink(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/target", 0o644, nil)
	require.NoError(t, e.fs.Symlink("/target", "/ln"))

	require.NoError(t, e.fs.SetCap(CapChown))
	require.NoError(t, e.fs.Lchown("/ln", 42, 42))
	require.NoError(t, e.fs.ClrCap(CapChown))

	st, err := e.fs.Lstat("/ln")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), st.UID)

	st, err = e.fs.Stat("/target")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), st.UID)
}

func TestSetfsuidReturnsPrevious(t *testing.T) {
	e := newFsEnv(t)

	old := e.fs.SetFsuid(1000)
	assert.Equal(t, uint32(0), old)
	assert.Equal(t, uint32(1000), e.fs.SetFsuid(0))

	old = e.fs.SetFsgid(2000)
	assert.Equal(t, uint32(0), old)

	assert.Equal(t, unix.EINVAL, e.fs.SetCap(17))
}

////////////////////////////////////////////////////////////////////////
// O_TMPFILE and O_PATH
////////////////////////////////////////////////////////////////////////

func TestTmpfile(t *testing.T) {
	e := newFsEnv(t)
	require.NoError(t, e.fs.Mkdir("/d", 0o755))

	inodesBefore := e.fs.CountStats().Inodes

	f, err := e.fs.Open("/d", unix.O_TMPFILE|unix.O_RDWR, 0o600)
	require.NoError(t, err)

	// Anonymous: nothing appears in the directory.
	dir, err := e.fs.Open("/d", unix.O_DIRECTORY|unix.O_RDONLY, 0)
	require.NoError(t, err)
	ents, err := e.fs.Getdents(dir, 100)
	require.NoError(t, err)
	assert.Empty(t, ents)
	require.NoError(t, e.fs.Close(dir))

	_, err = e.fs.Write(f, []byte("scratch"))
	require.NoError(t, err)

	_, err = e.fs.Lseek(f, 0, unix.SEEK_SET)
	require.NoError(t, err)
	buf := make([]byte, 7)
	n, err := e.fs.Read(f, buf)
	require.NoError(t, err)
	assert.Equal(t, "scratch", string(buf[:n]))

	// Closing the handle reclaims everything.
	require.NoError(t, e.fs.Close(f))
	assert.Equal(t, inodesBefore, e.fs.CountStats().Inodes)

	// O_TMPFILE needs a writable mode and a directory.
	_, err = e.fs.Open("/d", unix.O_TMPFILE|unix.O_RDONLY, 0o600)
	assert.Equal(t, unix.EINVAL, err)
}

func TestPathHandle(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("x"))

	f, err := e.fs.Open("/a", unix.O_PATH, 0)
	require.NoError(t, err)
	defer e.fs.Close(f)

	_, err = e.fs.Read(f, make([]byte, 1))
	assert.Equal(t, unix.EBADF, err)

	_, err = e.fs.Write(f, []byte("y"))
	assert.Equal(t, unix.EBADF, err)

	_, err = e.fs.Lseek(f, 0, unix.SEEK_SET)
	assert.Equal(t, unix.EBADF, err)

	// Stat through the handle still works.
	st, err := e.fs.Fstat(f)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Size)
}
