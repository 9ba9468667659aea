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

package locks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/pmem"
)

func TestRwlockReleasedOnCommit(t *testing.T) {
	pool := pmem.NewPool()
	var l sync.RWMutex

	err := pool.RunTx(nil, func(tx *pmem.Tx) error {
		TxWlock(tx, &l)
		TxUnlockOnCommit(tx, &l)
		return nil
	})
	require.NoError(t, err)

	// Released exactly once: it can be taken again.
	assert.True(t, l.TryLock())
	l.Unlock()
}

func TestRwlockReleasedOnAbort(t *testing.T) {
	pool := pmem.NewPool()
	var l sync.RWMutex

	err := pool.RunTx(nil, func(tx *pmem.Tx) error {
		TxWlock(tx, &l)
		TxUnlockOnCommit(tx, &l)
		return unix.EIO
	})
	assert.Equal(t, unix.EIO, err)

	assert.True(t, l.TryLock())
	l.Unlock()
}

func TestAbortReleasesInReverseOrder(t *testing.T) {
	pool := pmem.NewPool()
	var a, b sync.RWMutex
	var order []string

	err := pool.RunTx(nil, func(tx *pmem.Tx) error {
		tx.OnAbort(func() { order = append(order, "before-a") })
		TxWlock(tx, &a)
		tx.OnAbort(func() { order = append(order, "between") })
		TxWlock(tx, &b)
		return unix.EIO
	})
	assert.Equal(t, unix.EIO, err)

	// LIFO: b's unlock ran first, then "between", then a's unlock, then
	// the first marker.
	assert.Equal(t, []string{"between", "before-a"}, order)
	assert.True(t, a.TryLock())
	assert.True(t, b.TryLock())
	a.Unlock()
	b.Unlock()
}

func TestMutexReleasedBothWays(t *testing.T) {
	pool := pmem.NewPool()
	var m sync.Mutex

	require.NoError(t, pool.RunTx(nil, func(tx *pmem.Tx) error {
		TxLockMutex(tx, &m)
		TxUnlockMutexOnCommit(tx, &m)
		return nil
	}))
	assert.True(t, m.TryLock())
	m.Unlock()

	err := pool.RunTx(nil, func(tx *pmem.Tx) error {
		TxLockMutex(tx, &m)
		TxUnlockMutexOnCommit(tx, &m)
		return unix.EIO
	})
	assert.Equal(t, unix.EIO, err)
	assert.True(t, m.TryLock())
	m.Unlock()
}
