// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antimetal/execmon/internal/config"
	"github.com/antimetal/execmon/pkg/collector"
	"github.com/antimetal/execmon/pkg/containers"
)

type containerResolver interface {
	Resolve(pid, mntNS uint32) containers.Identity
}

// printReceiver writes one line per exec event. With a nil resolver the
// container column is left out.
type printReceiver struct {
	w        io.Writer
	resolver containerResolver
	count    atomic.Uint64
}

func newPrintReceiver(w io.Writer, resolver containerResolver) *printReceiver {
	return &printReceiver{w: w, resolver: resolver}
}

func (p *printReceiver) Accept(event *collector.Event) error {
	n := p.count.Add(1)
	line := fmt.Sprintf("[%d] %s PID=%d PPID=%d UID=%d MNTNS=%d CMD=%s",
		n, event.Timestamp.Format("15:04:05.000"),
		event.PID, event.PPID, event.UID, event.MntNS, event.Command())
	if p.resolver != nil {
		line += " CONTAINER=" + p.resolver.Resolve(event.PID, event.MntNS).String()
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}

func (p *printReceiver) Name() string {
	return "print-receiver"
}

func (p *printReceiver) Count() uint64 {
	return p.count.Load()
}

// newLogger builds a zap logger behind logr. Verbosity n enables V(n) and below.
func newLogger(cfg config.Log) (logr.Logger, func(), error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-cfg.Verbosity))

	zapLog, err := zcfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	return zapr.NewLogger(zapLog), func() { _ = zapLog.Sync() }, nil
}
