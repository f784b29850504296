// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package controlplane keeps a monitored.Set in line with a PID list
// maintained outside the agent.
package controlplane

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/antimetal/execmon/pkg/monitored"
)

// ParsePIDs decodes a YAML sequence of PIDs. An empty document is an empty list.
func ParsePIDs(data []byte) ([]uint32, error) {
	var pids []uint32
	if err := yaml.Unmarshal(data, &pids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal PID list: %w", err)
	}
	for _, pid := range pids {
		if pid == 0 {
			return nil, errors.New("PID list must not contain 0")
		}
	}
	return pids, nil
}

// Reconciler applies desired PID lists to a set as minimal insert/remove
// diffs. Static PIDs are always kept.
type Reconciler struct {
	mu      sync.Mutex
	set     monitored.Set
	static  []uint32
	applied map[uint32]struct{}
	logger  logr.Logger
}

func NewReconciler(set monitored.Set, static []uint32, logger logr.Logger) *Reconciler {
	return &Reconciler{
		set:     set,
		static:  slices.Clone(static),
		applied: make(map[uint32]struct{}),
		logger:  logger,
	}
}

// Apply makes the set equal static ∪ desired, as far as capacity allows.
// Every failed operation is reported; successful ones are kept.
func (r *Reconciler) Apply(desired []uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[uint32]struct{}, len(desired)+len(r.static))
	for _, pid := range r.static {
		want[pid] = struct{}{}
	}
	for _, pid := range desired {
		want[pid] = struct{}{}
	}

	var errs []error
	// Removals first so inserts can use the freed capacity.
	for pid := range r.applied {
		if _, ok := want[pid]; ok {
			continue
		}
		if err := r.set.Remove(pid); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(r.applied, pid)
	}

	var inserted, full int
	for _, pid := range sortedKeys(want) {
		if _, ok := r.applied[pid]; ok {
			continue
		}
		if err := r.set.Insert(pid); err != nil {
			if errors.Is(err, monitored.ErrTableFull) {
				full++
				continue
			}
			errs = append(errs, err)
			continue
		}
		r.applied[pid] = struct{}{}
		inserted++
	}
	if full > 0 {
		errs = append(errs, fmt.Errorf("%d pids not inserted: %w", full, monitored.ErrTableFull))
	}

	r.logger.V(1).Info("reconciled monitored set", "desired", len(want), "applied", len(r.applied), "inserted", inserted)
	return errors.Join(errs...)
}

// Applied returns the PIDs this reconciler has inserted, sorted.
func (r *Reconciler) Applied() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.applied)
}

func sortedKeys(m map[uint32]struct{}) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
