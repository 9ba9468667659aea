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

package pmem

import (
	"golang.org/x/sys/unix"
)

// Tx is one transaction against a pool. A Tx is confined to the goroutine
// that runs it; mutating call paths take it as an explicit argument, which is
// this package's rendering of a thread-bound transaction.
//
// Undo discipline: any mutation of an existing record must be preceded by
// AddRange on its handle. Initialisation of storage allocated within the same
// transaction needs no journaling. The one sanctioned exception is a
// whole-word atomic store no wider than the platform's store-atomicity width
// (the inode slot-bits word), which is recovered by slot selection rather
// than by the journal.
type Tx struct {
	pool *Pool

	// First-touch snapshots, restored in place on abort.
	undo map[Handle]Record

	// Handles allocated within the transaction; discarded on abort.
	allocs []Handle

	// Handles freed within the transaction; the free takes effect only at
	// commit.
	frees []Handle

	// Abort callbacks, run LIFO.
	onAbort []func()

	// Commit callbacks, run FIFO.
	onCommit []func()

	// Keys already claimed through Once.
	once map[interface{}]struct{}
}

// Once reports whether key has not yet been claimed within this transaction,
// claiming it. Callers use it to make per-transaction actions (such as
// enlisting a pool-scoped mutex) idempotent.
func (tx *Tx) Once(key interface{}) bool {
	if tx.once == nil {
		tx.once = make(map[interface{}]struct{})
	}
	if _, ok := tx.once[key]; ok {
		return false
	}
	tx.once[key] = struct{}{}
	return true
}

// txAborted carries the abort errno through the unwinding panic. It never
// escapes RunTx.
type txAborted struct {
	err error
}

// Abort aborts the enclosing transaction with the supplied error. It does
// not return.
func (tx *Tx) Abort(err error) {
	if err == nil {
		err = unix.ECANCELED
	}
	panic(txAborted{err})
}

// OnAbort schedules f to run if the transaction aborts. Callbacks run in
// reverse registration order.
func (tx *Tx) OnAbort(f func()) {
	tx.onAbort = append(tx.onAbort, f)
}

// OnCommit schedules f to run after the transaction commits. Callbacks run
// in registration order.
func (tx *Tx) OnCommit(f func()) {
	tx.onCommit = append(tx.onCommit, f)
}

// AddRange journals the record addressed by h for rollback. Idempotent per
// transaction; the first call snapshots the record.
func (tx *Tx) AddRange(h Handle) {
	if h == 0 {
		panic("pmem: AddRange on null handle")
	}
	if _, ok := tx.undo[h]; ok {
		return
	}

	tx.undo[h] = tx.pool.Get(h).CloneRecord()
}

// Alloc allocates rec in the pool and returns its handle. size is the media
// footprint charged to the allocation; a failure (real or injected) aborts
// the transaction with ENOSPC.
func (tx *Tx) Alloc(rec Record, size uint64) Handle {
	p := tx.pool

	if n := p.failCountdown.Load(); n >= 0 {
		p.failCountdown.Add(-1)
		if n == 0 {
			tx.Abort(unix.ENOSPC)
		}
	}
	_ = size

	p.mu.Lock()
	h := p.next
	p.next++
	p.objects[h] = rec
	p.mu.Unlock()

	tx.allocs = append(tx.allocs, h)
	return h
}

// AllocBlob allocates a data blob of at least size bytes. With useUsable the
// blob exposes the allocator class's full usable size; otherwise it is
// trimmed to the request. The content is uninitialised in the media sense:
// callers must track initialisation themselves (see layout.BlockInitialized).
func (tx *Tx) AllocBlob(size uint64, useUsable bool) (Handle, *Blob) {
	usable := UsableSize(size)
	n := size
	if useUsable {
		n = usable
	}

	b := &Blob{Data: make([]byte, n)}
	h := tx.Alloc(b, usable)
	return h, b
}

// Free releases the record addressed by h when the transaction commits. On
// abort the record stays live.
func (tx *Tx) Free(h Handle) {
	if h == 0 {
		return
	}
	tx.frees = append(tx.frees, h)
}

// RunTx runs fn transactionally against p.
//
// With tx == nil a new outermost transaction is created; fn's error return
// or a call to Tx.Abort rolls back every journaled record, discards the
// transaction's allocations, runs the on-abort callbacks LIFO, and the error
// is returned. On success frees are applied, on-commit callbacks run FIFO,
// and RunTx returns nil.
//
// With tx != nil the call flattens into the enclosing transaction: only the
// outermost commit is a commit, and an inner failure aborts the whole
// transaction.
func (p *Pool) RunTx(tx *Tx, fn func(*Tx) error) (err error) {
	// Flattened inner transaction: failure propagates by unwinding to the
	// outermost RunTx.
	if tx != nil {
		if innerErr := fn(tx); innerErr != nil {
			tx.Abort(innerErr)
		}
		return nil
	}

	t := &Tx{
		pool: p,
		undo: make(map[Handle]Record),
	}

	defer func() {
		if r := recover(); r != nil {
			ab, ok := r.(txAborted)
			if !ok {
				panic(r)
			}
			t.rollback()
			err = ab.err
		}
	}()

	if fnErr := fn(t); fnErr != nil {
		t.Abort(fnErr)
	}

	t.commit()
	return nil
}

// commit applies deferred frees and runs the on-commit callbacks in FIFO
// order.
func (t *Tx) commit() {
	p := t.pool

	if len(t.frees) > 0 {
		p.mu.Lock()
		for _, h := range t.frees {
			delete(p.objects, h)
		}
		p.mu.Unlock()
	}

	for _, f := range t.onCommit {
		f()
	}
}

// rollback restores journaled records, discards this transaction's
// allocations, and runs the on-abort callbacks in LIFO order.
func (t *Tx) rollback() {
	p := t.pool

	for h, snapshot := range t.undo {
		p.mu.RLock()
		rec, ok := p.objects[h]
		p.mu.RUnlock()
		if ok {
			rec.RestoreRecord(snapshot)
		}
	}

	if len(t.allocs) > 0 {
		p.mu.Lock()
		for _, h := range t.allocs {
			delete(p.objects, h)
		}
		p.mu.Unlock()
	}

	for i := len(t.onAbort) - 1; i >= 0; i-- {
		t.onAbort[i]()
	}
}

// Errno unwraps err to the errno the operation layer should surface,
// falling back to EIO for errors that are not errnos.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	var errno unix.Errno
	if ok := asErrno(err, &errno); ok {
		return errno
	}
	return unix.EIO
}

func asErrno(err error, out *unix.Errno) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(unix.Errno); ok {
			*out = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
