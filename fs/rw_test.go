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
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/fs/inode"
)

func TestSparseFile(t *testing.T) {
	e := newFsEnv(t)

	f, err := e.fs.Create("/b", 0o644)
	require.NoError(t, err)

	off, err := e.fs.Lseek(f, 4096, unix.SEEK_SET)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), off)

	_, err = e.fs.Write(f, []byte("X"))
	require.NoError(t, err)
	require.NoError(t, e.fs.Close(f))

	st, err := e.fs.Stat("/b")
	require.NoError(t, err)
	assert.Equal(t, int64(4097), st.Size)

	got := e.readFile(t, "/b", 4097)
	require.Len(t, got, 4097)
	assert.Equal(t, bytes.Repeat([]byte{0}, 4096), got[:4096])
	assert.Equal(t, byte('X'), got[4096])
}

func TestSequentialWriteReadStream(t *testing.T) {
	e := newFsEnv(t)

	f, err := e.fs.Open("/s", unix.O_CREAT|unix.O_RDWR, 0o644)
	require.NoError(t, err)
	defer e.fs.Close(f)

	chunks := [][]byte{[]byte("one "), []byte("two "), []byte("three")}
	for _, c := range chunks {
		_, err := e.fs.Write(f, c)
		require.NoError(t, err)
	}

	_, err = e.fs.Lseek(f, 0, unix.SEEK_SET)
	require.NoError(t, err)

	// The concatenation of reads equals the concatenation of writes.
	var out []byte
	for {
		buf := make([]byte, 4)
		n, err := e.fs.Read(f, buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	assert.Equal(t, "one two three", string(out))
}

func TestAppend(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("base"))

	f, err := e.fs.Open("/a", unix.O_WRONLY|unix.O_APPEND, 0)
	require.NoError(t, err)

	before, err := e.fs.Fstat(f)
	require.NoError(t, err)

	n, err := e.fs.Write(f, []byte("+tail"))
	require.NoError(t, err)
	require.NoError(t, e.fs.Close(f))

	st, err := e.fs.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, before.Size+int64(n), st.Size)
	assert.Equal(t, []byte("base+tail"), e.readFile(t, "/a", 64))
}

func TestPreadPwrite(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("0123456789"))

	f, err := e.fs.Open("/a", unix.O_RDWR, 0)
	require.NoError(t, err)
	defer e.fs.Close(f)

	buf := make([]byte, 3)
	n, err := e.fs.ReadAt(f, buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf[:n]))

	_, err = e.fs.WriteAt(f, []byte("xy"), 1)
	require.NoError(t, err)

	// The handle offset never moved.
	got := make([]byte, 10)
	n, err = e.fs.Read(f, got)
	require.NoError(t, err)
	assert.Equal(t, "0xy3456789", string(got[:n]))
}

func TestReadvWritev(t *testing.T) {
	e := newFsEnv(t)

	f, err := e.fs.Open("/v", unix.O_CREAT|unix.O_RDWR, 0o644)
	require.NoError(t, err)
	defer e.fs.Close(f)

	n, err := e.fs.Writev(f, [][]byte{[]byte("abc"), []byte("def")})
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = e.fs.Lseek(f, 0, unix.SEEK_SET)
	require.NoError(t, err)

	a := make([]byte, 2)
	b := make([]byte, 10)
	n, err = e.fs.Readv(f, [][]byte{a, b})
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "ab", string(a))
	assert.Equal(t, "cdef", string(b[:4]))
}

func TestReadModeEnforcement(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("x"))

	w, err := e.fs.Open("/a", unix.O_WRONLY, 0)
	require.NoError(t, err)
	defer e.fs.Close(w)

	_, err = e.fs.Read(w, make([]byte, 1))
	assert.Equal(t, unix.EBADF, err)

	r, err := e.fs.Open("/a", unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer e.fs.Close(r)

	_, err = e.fs.Write(r, []byte("y"))
	assert.Equal(t, unix.EBADF, err)
}

////////////////////////////////////////////////////////////////////////
// Hole punching and truncation
////////////////////////////////////////////////////////////////////////

func TestFallocatePunchHole(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/c", 0o644, bytes.Repeat([]byte{'A'}, 8192))

	f, err := e.fs.Open("/c", unix.O_WRONLY, 0)
	require.NoError(t, err)

	err = e.fs.Fallocate(f, inode.FallocPunchHole|inode.FallocKeepSize, 4096, 4096)
	require.NoError(t, err)

	// Punching without KEEP_SIZE is rejected.
	err = e.fs.Fallocate(f, inode.FallocPunchHole, 0, 4096)
	assert.Equal(t, unix.ENOTSUP, err)
	require.NoError(t, e.fs.Close(f))

	got := e.readFile(t, "/c", 8192)
	assert.Equal(t, bytes.Repeat([]byte{'A'}, 4096), got[:4096])
	assert.Equal(t, bytes.Repeat([]byte{0}, 4096), got[4096:])

	st, err := e.fs.Stat("/c")
	require.NoError(t, err)
	assert.Equal(t, int64(8192), st.Size)
}

func TestFallocateExtends(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/c", 0o644, []byte("x"))

	f, err := e.fs.Open("/c", unix.O_WRONLY, 0)
	require.NoError(t, err)
	defer e.fs.Close(f)

	require.NoError(t, e.fs.Fallocate(f, 0, 0, 10000))
	st, err := e.fs.Fstat(f)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), st.Size)

	// With KEEP_SIZE the size stays put.
	require.NoError(t, e.fs.Fallocate(f, inode.FallocKeepSize, 0, 20000))
	st, err = e.fs.Fstat(f)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), st.Size)
}

func TestTruncateAndFtruncate(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/t", 0o644, bytes.Repeat([]byte{'Z'}, 1000))

	require.NoError(t, e.fs.Truncate("/t", 10))

	st, err := e.fs.Stat("/t")
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Size)

	// Reading past the size returns nothing.
	f, err := e.fs.Open("/t", unix.O_RDWR, 0)
	require.NoError(t, err)
	defer e.fs.Close(f)

	buf := make([]byte, 100)
	n, err := e.fs.Read(f, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	require.NoError(t, e.fs.Ftruncate(f, 0))
	st, err = e.fs.Fstat(f)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size)
}

////////////////////////////////////////////////////////////////////////
// Seeking
////////////////////////////////////////////////////////////////////////

func TestLseekWhence(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/s", 0o644, []byte("0123456789"))

	f, err := e.fs.Open("/s", unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer e.fs.Close(f)

	off, err := e.fs.Lseek(f, 4, unix.SEEK_SET)
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)

	off, err = e.fs.Lseek(f, 2, unix.SEEK_CUR)
	require.NoError(t, err)
	assert.Equal(t, int64(6), off)

	off, err = e.fs.Lseek(f, -1, unix.SEEK_END)
	require.NoError(t, err)
	assert.Equal(t, int64(9), off)

	_, err = e.fs.Lseek(f, -1, unix.SEEK_SET)
	assert.Equal(t, unix.EINVAL, err)

	_, err = e.fs.Lseek(f, -100, unix.SEEK_CUR)
	assert.Equal(t, unix.EINVAL, err)
}

func TestSeekDataHole(t *testing.T) {
	e := newFsEnv(t)

	f, err := e.fs.Create("/s", 0o644)
	require.NoError(t, err)
	defer e.fs.Close(f)

	// A hole then data: [0, 8192) hole, [8192, 12288) data.
	_, err = e.fs.Lseek(f, 8192, unix.SEEK_SET)
	require.NoError(t, err)
	_, err = e.fs.Write(f, bytes.Repeat([]byte{'d'}, 4096))
	require.NoError(t, err)

	d, err := e.fs.Lseek(f, 0, unix.SEEK_DATA)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), d)

	h, err := e.fs.Lseek(f, 0, unix.SEEK_HOLE)
	require.NoError(t, err)
	assert.Equal(t, int64(0), h)

	// SEEK_DATA and SEEK_HOLE are mutually consistent.
	h2, err := e.fs.Lseek(f, d, unix.SEEK_HOLE)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h2, d)

	// Past EOF.
	_, err = e.fs.Lseek(f, 1<<30, unix.SEEK_DATA)
	assert.Equal(t, unix.ENXIO, err)
}

////////////////////////////////////////////////////////////////////////
// atime
////////////////////////////////////////////////////////////////////////

func TestRelatime(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("data"))

	st, err := e.fs.Stat("/a")
	require.NoError(t, err)
	atime0 := st.Atime

	// A write makes atime trail mtime, so the next read refreshes it.
	e.clock.AdvanceTime(time.Hour)
	f, err := e.fs.Open("/a", unix.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = e.fs.WriteAt(f, []byte("DATA"), 0)
	require.NoError(t, err)
	require.NoError(t, e.fs.Close(f))

	e.clock.AdvanceTime(time.Second)
	_ = e.readFile(t, "/a", 4)

	st, err = e.fs.Stat("/a")
	require.NoError(t, err)
	atime1 := st.Atime
	assert.NotEqual(t, atime0, atime1)

	// Another read within the window leaves it alone.
	e.clock.AdvanceTime(time.Second)
	_ = e.readFile(t, "/a", 4)

	st, err = e.fs.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, atime1, st.Atime)

	// A day later the refresh happens anyway.
	e.clock.AdvanceTime(25 * time.Hour)
	_ = e.readFile(t, "/a", 4)

	st, err = e.fs.Stat("/a")
	require.NoError(t, err)
	assert.NotEqual(t, atime1, st.Atime)

	// O_NOATIME suppresses it.
	atime2 := st.Atime
	e.clock.AdvanceTime(25 * time.Hour)
	f, err = e.fs.Open("/a", unix.O_RDONLY|unix.O_NOATIME, 0)
	require.NoError(t, err)
	_, err = e.fs.Read(f, make([]byte, 4))
	require.NoError(t, err)
	require.NoError(t, e.fs.Close(f))

	st, err = e.fs.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, atime2, st.Atime)
}

////////////////////////////////////////////////////////////////////////
// Failure injection
////////////////////////////////////////////////////////////////////////

func TestAbortedWriteLeavesNoTrace(t *testing.T) {
	e := newFsEnv(t)
	e.writeFile(t, "/a", 0o644, []byte("stable"))

	f, err := e.fs.Open("/a", unix.O_RDWR, 0)
	require.NoError(t, err)
	defer e.fs.Close(f)

	statsBefore := e.fs.CountStats()

	e.pool.InjectAllocFailure(0)
	_, err = e.fs.WriteAt(f, bytes.Repeat([]byte{'z'}, 4096), 10<<20)
	assert.Equal(t, unix.ENOSPC, err)

	// No persistent mutation escaped, and every lock was released: the
	// same handle keeps working.
	st, err := e.fs.Fstat(f)
	require.NoError(t, err)
	assert.Equal(t, int64(6), st.Size)
	assert.Equal(t, statsBefore, e.fs.CountStats())

	_, err = e.fs.WriteAt(f, []byte("!"), 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("stable!"), e.readFile(t, "/a", 16))
}

func TestAbortedCreateLeavesNoTrace(t *testing.T) {
	e := newFsEnv(t)
	statsBefore := e.fs.CountStats()

	e.pool.InjectAllocFailure(0)
	_, err := e.fs.Open("/new", unix.O_CREAT|unix.O_WRONLY, 0o644)
	assert.Equal(t, unix.ENOSPC, err)

	_, err = e.fs.Stat("/new")
	assert.Equal(t, unix.ENOENT, err)
	assert.Equal(t, statsBefore, e.fs.CountStats())

	// The parent lock was released by the abort.
	e.writeFile(t, "/new", 0o644, []byte("fine"))
}

////////////////////////////////////////////////////////////////////////
// Concurrency
////////////////////////////////////////////////////////////////////////

func TestConcurrentWritersDisjointFiles(t *testing.T) {
	e := newFsEnv(t)

	const workers = 8
	const rounds = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			path := string(rune('a'+id)) + "file"
			f, err := e.fs.Open("/"+path, unix.O_CREAT|unix.O_RDWR, 0o644)
			assert.NoError(t, err)
			defer e.fs.Close(f)

			payload := bytes.Repeat([]byte{byte('A' + id)}, 128)
			for r := 0; r < rounds; r++ {
				_, err := e.fs.Write(f, payload)
				assert.NoError(t, err)
			}

			_, err = e.fs.Lseek(f, 0, unix.SEEK_SET)
			assert.NoError(t, err)

			buf := make([]byte, rounds*128)
			n, err := e.fs.Read(f, buf)
			assert.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte{byte('A' + id)}, rounds*128), buf[:n])
		}(i)
	}
	wg.Wait()
}

func TestConcurrentWritersSameFileDoNotInterleave(t *testing.T) {
	e := newFsEnv(t)

	const workers = 4
	const chunk = 512
	const rounds = 20

	f, err := e.fs.Open("/shared", unix.O_CREAT|unix.O_RDWR|unix.O_APPEND, 0o644)
	require.NoError(t, err)
	defer e.fs.Close(f)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + id)}, chunk)
			for r := 0; r < rounds; r++ {
				n, err := e.fs.Write(f, payload)
				assert.NoError(t, err)
				assert.Equal(t, chunk, n)
			}
		}(i)
	}
	wg.Wait()

	st, err := e.fs.Fstat(f)
	require.NoError(t, err)
	require.Equal(t, int64(workers*chunk*rounds), st.Size)

	// Every chunk-aligned run must be one writer's bytes, un-interleaved.
	_, err = e.fs.Lseek(f, 0, unix.SEEK_SET)
	require.NoError(t, err)

	buf := make([]byte, st.Size)
	n, err := e.fs.Read(f, buf)
	require.NoError(t, err)
	require.Equal(t, int(st.Size), n)

	for off := 0; off < n; off += chunk {
		run := buf[off : off+chunk]
		assert.Equal(t, bytes.Repeat([]byte{run[0]}, chunk), run,
			"interleaved bytes at offset %d", off)
	}
}
