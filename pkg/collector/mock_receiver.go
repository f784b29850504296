// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"context"
	"sync"
	"time"
)

// MockReceiver is a test implementation of the Receiver interface
// It stores all received events for verification in tests
type MockReceiver struct {
	mu         sync.Mutex
	name       string
	events     []*Event
	AcceptFunc func(event *Event) error
}

func NewMockReceiver(name string) *MockReceiver {
	return &MockReceiver{name: name}
}

func (m *MockReceiver) Accept(event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	if m.AcceptFunc != nil {
		return m.AcceptFunc(event)
	}
	return nil
}

func (m *MockReceiver) Name() string {
	return m.name
}

// Events returns a copy of everything accepted so far.
func (m *MockReceiver) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MockReceiver) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// WaitForCount waits until at least n events have been accepted or ctx is done.
func (m *MockReceiver) WaitForCount(ctx context.Context, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.Count() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
