// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package monitored holds the set of process ids a control plane has marked
// as interesting. The capture path does not consult it.
package monitored

import (
	"errors"
	"sync"
)

// Capacity is the number of live entries a set holds, matching max_entries
// of the monitored_pids map.
const Capacity = 1024

// ErrTableFull is returned when inserting a new pid into a full set. The set
// is left unchanged.
var ErrTableFull = errors.New("monitored set is full")

// Set is the control-plane view of the table. Keys and values are both the
// pid; re-inserting an existing pid overwrites it.
type Set interface {
	Insert(pid uint32) error
	Remove(pid uint32) error
	Lookup(pid uint32) (bool, error)
}

// Table is an in-process Set.
type Table struct {
	mu       sync.RWMutex
	capacity int
	entries  map[uint32]uint32
}

var _ Set = (*Table)(nil)

func NewTable() *Table {
	return NewTableWithCapacity(Capacity)
}

func NewTableWithCapacity(capacity int) *Table {
	return &Table{
		capacity: capacity,
		entries:  make(map[uint32]uint32, capacity),
	}
}

func (t *Table) Insert(pid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[pid]; !ok && len(t.entries) >= t.capacity {
		return ErrTableFull
	}
	t.entries[pid] = pid
	return nil
}

// Remove deletes pid. Removing an absent pid is not an error.
func (t *Table) Remove(pid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, pid)
	return nil
}

func (t *Table) Lookup(pid uint32) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[pid]
	return ok, nil
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// PIDs returns the current members in no particular order.
func (t *Table) PIDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint32, 0, len(t.entries))
	for pid := range t.entries {
		out = append(out, pid)
	}
	return out
}
