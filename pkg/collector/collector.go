// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collector holds the consumer side of exec capture: decoded events,
// receivers and the status bookkeeping shared by collectors.
package collector

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/execmon/pkg/record"
)

// Event is a decoded exec record stamped with its consumption time. The
// kernel record carries no timestamp.
type Event struct {
	record.Event
	Timestamp time.Time
}

// Receiver accepts decoded events from a collector.
type Receiver interface {
	Accept(event *Event) error

	// Name returns the receiver's name for logging and identification.
	Name() string
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(event *Event) error

func (f ReceiverFunc) Accept(event *Event) error { return f(event) }
func (f ReceiverFunc) Name() string              { return "func" }

// Status represents the operational status of a collector
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusDisabled Status = "disabled"
)

// Base carries the name, logger and status every collector reports.
type Base struct {
	name   string
	logger logr.Logger

	mu        sync.RWMutex
	status    Status
	lastError error
}

func NewBase(name string, logger logr.Logger) Base {
	return Base{
		name:   name,
		logger: logger.WithName(name),
		status: StatusDisabled,
	}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Logger() logr.Logger {
	return b.logger
}

func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}

func (b *Base) SetStatus(status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// SetError records err and marks the collector degraded. Read errors on a
// live ring are transient; only start-up failures are fatal.
func (b *Base) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = err
	if err != nil {
		b.status = StatusDegraded
		b.logger.Error(err, "collector error")
	}
}

func (b *Base) ClearError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = nil
}
