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

func TestLinkAndUnlink(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("payload"))

	require.NoError(t, e.fs.Link("/a", "/b"))

	st, err := e.fs.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Nlink)

	stB, err := e.fs.Stat("/b")
	require.NoError(t, err)
	assert.Equal(t, st.Ino, stB.Ino)

	// link(A, B); unlink(A): content stays reachable via B, nlink back
	// where it started.
	require.NoError(t, e.fs.Unlink("/a"))

	_, err = e.fs.Stat("/a")
	assert.Equal(t, unix.ENOENT, err)

	stB, err = e.fs.Stat("/b")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stB.Nlink)
	assert.Equal(t, []byte("payload"), e.readFile(t, "/b", 16))
}

func TestLinkRules(t *testing.T) {
	e := newFsEnv(t)
	require.NoError(t, e.fs.Mkdir("/d", 0o755))
	e.writeFile(t, "/a", 0o644, nil)

	// Hard links to directories are refused.
	assert.Equal(t, unix.EPERM, e.fs.Link("/d", "/d2"))

	// Colliding target name.
	e.writeFile(t, "/b", 0o644, nil)
	assert.Equal(t, unix.EEXIST, e.fs.Link("/a", "/b"))

	// Missing source.
	assert.Equal(t, unix.ENOENT, e.fs.Link("/nope", "/c"))
}

func TestLinkAtFollowsSymlinks(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/target", 0o644, []byte("t"))
	require.NoError(t, e.fs.Symlink("/target", "/ln"))

	// Without AT_SYMLINK_FOLLOW the link aliases the symlink itself.
	require.NoError(t, e.fs.LinkAt(nil, "/ln", nil, "/ln2", 0))
	st, err := e.fs.Lstat("/ln2")
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.S_IFLNK), st.Mode&unix.S_IFMT)

	// With it, the link goes to the target.
	require.NoError(t, e.fs.LinkAt(nil, "/ln", nil, "/hard", unix.AT_SYMLINK_FOLLOW))
	st, err = e.fs.Lstat("/hard")
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.S_IFREG), st.Mode&unix.S_IFMT)
}

func TestUnlinkOpenFileKeepsContent(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("still here"))

	f, err := e.fs.Open("/a", unix.O_RDONLY, 0)
	require.NoError(t, err)

	require.NoError(t, e.fs.Unlink("/a"))
	_, err = e.fs.Stat("/a")
	assert.Equal(t, unix.ENOENT, err)

	// The open handle still reads the data.
	buf := make([]byte, 10)
	n, err := e.fs.Read(f, buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]))

	// Closing the last handle releases the storage.
	inodesBefore := e.fs.CountStats().Inodes
	require.NoError(t, e.fs.Close(f))
	assert.Equal(t, inodesBefore-1, e.fs.CountStats().Inodes)
}

func TestUnlinkErrors(t *testing.T) {
	e := newFsEnv(t)
	require.NoError(t, e.fs.Mkdir("/d", 0o755))

	assert.Equal(t, unix.EISDIR, e.fs.Unlink("/d"))
	assert.Equal(t, unix.ENOENT, e.fs.Unlink("/missing"))
	assert.Equal(t, unix.EISDIR, e.fs.Unlink("/"))
}

////////////////////////////////////////////////////////////////////////
// mkdir / rmdir
////////////////////////////////////////////////////////////////////////

func TestMkdirRmdir(t *testing.T) {
	e := newFsEnv(t)

	require.NoError(t, e.fs.Mkdir("/d", 0o755))
	require.NoError(t, e.fs.Mkdir("/d/sub", 0o700))

	st, err := e.fs.Stat("/d/sub")
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.S_IFDIR), st.Mode&unix.S_IFMT)
	assert.Equal(t, uint32(0o700), st.Mode&0o7777)

	assert.Equal(t, unix.EEXIST, e.fs.Mkdir("/d", 0o755))
	assert.Equal(t, unix.ENOTEMPTY, e.fs.Rmdir("/d"))

	require.NoError(t, e.fs.Rmdir("/d/sub"))
	require.NoError(t, e.fs.Rmdir("/d"))

	_, err = e.fs.Stat("/d")
	assert.Equal(t, unix.ENOENT, err)
}

func TestRmdirErrors(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/f", 0o644, nil)

	assert.Equal(t, unix.ENOTDIR, e.fs.Rmdir("/f"))
	assert.Equal(t, unix.ENOENT, e.fs.Rmdir("/missing"))
	assert.Equal(t, unix.EBUSY, e.fs.Rmdir("/"))
}

func TestGetdents(t *testing.T) {
	e := newFsEnv(t)
	require.NoError(t, e.fs.Mkdir("/d", 0o755))
	e.writeFile(t, "/d/one", 0o644, nil)
	e.writeFile(t, "/d/two", 0o644, nil)
	require.NoError(t, e.fs.Mkdir("/d/sub", 0o755))

	f, err := e.fs.Open("/d", unix.O_DIRECTORY|unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer e.fs.Close(f)

	var names []string
	for {
		ents, err := e.fs.Getdents(f, 2)
		require.NoError(t, err)
		if len(ents) == 0 {
			break
		}
		for _, ent := range ents {
			names = append(names, ent.Name)
		}
	}

	assert.ElementsMatch(t, []string{"one", "two", "sub"}, names)

	// Getdents on a non-directory.
	g, err := e.fs.Open("/d/one", unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer e.fs.Close(g)

	_, err = e.fs.Getdents(g, 10)
	assert.Equal(t, unix.ENOTDIR, err)
}

////////////////////////////////////////////////////////////////////////
// rename
////////////////////////////////////////////////////////////////////////

func TestRenameFile(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("original"))

	require.NoError(t, e.fs.Rename("/a", "/b"))

	_, err := e.fs.Stat("/a")
	assert.Equal(t, unix.ENOENT, err)
	assert.Equal(t, []byte("original"), e.readFile(t, "/b", 16))
}

func TestRenameAcrossDirectories(t *testing.T) {
	e := newFsEnv(t)
	require.NoError(t, e.fs.Mkdir("/src", 0o755))
	require.NoError(t, e.fs.Mkdir("/dst", 0o755))
	e.writeFile(t, "/src/f", 0o644, []byte("moving"))

	stBefore, err := e.fs.Stat("/src/f")
	require.NoError(t, err)

	e.clock.AdvanceTime(1000000000)
	require.NoError(t, e.fs.Rename("/src/f", "/dst/g"))

	st, err := e.fs.Stat("/dst/g")
	require.NoError(t, err)
	assert.Equal(t, stBefore.Ino, st.Ino)
	assert.Equal(t, uint64(1), st.Nlink)

	// The move refreshes ctime.
	assert.NotEqual(t, stBefore.Ctime, st.Ctime)

	assert.Equal(t, []byte("moving"), e.readFile(t, "/dst/g", 16))
}

func TestRenameReplacesExisting(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("winner"))
	e.writeFile(t, "/b", 0o644, []byte("loser"))

	inodesBefore := e.fs.CountStats().Inodes

	require.NoError(t, e.fs.Rename("/a", "/b"))
	assert.Equal(t, []byte("winner"), e.readFile(t, "/b", 16))

	// The replaced inode was reclaimed.
	assert.Equal(t, inodesBefore-1, e.fs.CountStats().Inodes)
}

func TestRenameDirectoryUnsupported(t *testing.T) {
	e := newFsEnv(t)
	require.NoError(t, e.fs.Mkdir("/d", 0o755))

	assert.Equal(t, unix.ENOTSUP, e.fs.Rename("/d", "/d2"))
}

func TestRenameOntoItself(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("same"))

	require.NoError(t, e.fs.Rename("/a", "/a"))
	assert.Equal(t, []byte("same"), e.readFile(t, "/a", 8))
}

func TestRenameOntoDirectory(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, nil)
	require.NoError(t, e.fs.Mkdir("/d", 0o755))

	assert.Equal(t, unix.EISDIR, e.fs.RenameAt2(nil, "/a", nil, "/d", 0))
	assert.Equal(t, unix.EINVAL, e.fs.RenameAt2(nil, "/a", nil, "/b", 1))
}
