// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package execmon

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/antimetal/execmon/pkg/monitored"
)

// kvMap is the subset of *ebpf.Map used by MapSet.
type kvMap interface {
	Put(key, value any) error
	Delete(key any) error
	Lookup(key, valueOut any) error
}

// MapSet is a monitored.Set backed by the monitored_pids BPF hash map.
type MapSet struct {
	m kvMap
}

var _ monitored.Set = (*MapSet)(nil)

func NewMapSet(m *ebpf.Map) *MapSet {
	return &MapSet{m: m}
}

// Insert stores pid under itself, matching the in-memory table.
func (s *MapSet) Insert(pid uint32) error {
	if err := s.m.Put(pid, pid); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return fmt.Errorf("inserting pid %d: %w", pid, monitored.ErrTableFull)
		}
		return fmt.Errorf("inserting pid %d: %w", pid, err)
	}
	return nil
}

func (s *MapSet) Remove(pid uint32) error {
	if err := s.m.Delete(pid); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("removing pid %d: %w", pid, err)
	}
	return nil
}

func (s *MapSet) Lookup(pid uint32) (bool, error) {
	var v uint32
	err := s.m.Lookup(pid, &v)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ebpf.ErrKeyNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("looking up pid %d: %w", pid, err)
	}
}
