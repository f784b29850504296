// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package monitored

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_CRUD(t *testing.T) {
	tbl := NewTable()

	ok, err := tbl.Lookup(42)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tbl.Insert(42))
	ok, _ = tbl.Lookup(42)
	assert.True(t, ok)

	// Last write wins; no duplicate entry.
	require.NoError(t, tbl.Insert(42))
	assert.Equal(t, 1, tbl.Len())

	require.NoError(t, tbl.Remove(42))
	ok, _ = tbl.Lookup(42)
	assert.False(t, ok)

	assert.NoError(t, tbl.Remove(42))
}

func TestTable_Capacity(t *testing.T) {
	tbl := NewTable()
	for pid := uint32(1); pid <= Capacity; pid++ {
		require.NoError(t, tbl.Insert(pid))
	}
	assert.Equal(t, Capacity, tbl.Len())

	assert.ErrorIs(t, tbl.Insert(Capacity+1), ErrTableFull)
	ok, _ := tbl.Lookup(Capacity + 1)
	assert.False(t, ok)

	// Overwriting an existing key still works when full.
	assert.NoError(t, tbl.Insert(1))

	require.NoError(t, tbl.Remove(1))
	assert.NoError(t, tbl.Insert(Capacity+1))
	assert.Len(t, tbl.PIDs(), Capacity)
}

func TestTable_Concurrent(t *testing.T) {
	tbl := NewTableWithCapacity(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base uint32) {
			defer wg.Done()
			for i := uint32(0); i < 8; i++ {
				_ = tbl.Insert(base + i)
				_, _ = tbl.Lookup(base + i)
			}
		}(uint32(g) * 100)
	}
	wg.Wait()
	assert.Equal(t, 64, tbl.Len())
}
