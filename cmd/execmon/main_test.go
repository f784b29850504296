// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/execmon/internal/config"
	"github.com/antimetal/execmon/internal/metrics"
	"github.com/antimetal/execmon/pkg/collector"
	"github.com/antimetal/execmon/pkg/collector/execmon"
	"github.com/antimetal/execmon/pkg/containers"
	"github.com/antimetal/execmon/pkg/record"
)

type staticResolver map[uint32]containers.Identity

func (s staticResolver) Resolve(_, mntNS uint32) containers.Identity {
	if id, ok := s[mntNS]; ok {
		return id
	}
	return containers.Identity{MntNS: mntNS}
}

func TestPrintReceiver(t *testing.T) {
	var buf bytes.Buffer
	p := newPrintReceiver(&buf, nil)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	require.NoError(t, p.Accept(&collector.Event{
		Event:     record.Event{PID: 4321, PPID: 4000, UID: 1000, MntNS: 4026531840, Comm: record.CommFromString("ls")},
		Timestamp: ts,
	}))
	require.NoError(t, p.Accept(&collector.Event{
		Event:     record.Event{PID: 1, Comm: record.CommFromString("init")},
		Timestamp: ts,
	}))

	assert.Equal(t,
		"[1] 03:04:05.006 PID=4321 PPID=4000 UID=1000 MNTNS=4026531840 CMD=ls\n"+
			"[2] 03:04:05.006 PID=1 PPID=0 UID=0 MNTNS=0 CMD=init\n",
		buf.String())
	assert.Equal(t, uint64(2), p.Count())
	assert.Equal(t, "print-receiver", p.Name())
}

func TestPrintReceiver_Containers(t *testing.T) {
	var buf bytes.Buffer
	p := newPrintReceiver(&buf, staticResolver{
		12345:      {MntNS: 12345, ID: "1234567890abcdef", Runtime: "docker"},
		4026531840: {MntNS: 4026531840, Host: true},
	})

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, ns := range []uint32{12345, 4026531840, 777, 0} {
		require.NoError(t, p.Accept(&collector.Event{
			Event:     record.Event{PID: 10, MntNS: ns, Comm: record.CommFromString("sh")},
			Timestamp: ts,
		}))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[0], "CMD=sh CONTAINER=docker:1234567890ab"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "CONTAINER=host"), lines[1])
	assert.True(t, strings.HasSuffix(lines[2], "CONTAINER=mnt:777"), lines[2])
	assert.True(t, strings.HasSuffix(lines[3], "CONTAINER=unknown"), lines[3])
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Log
		v    int
		want bool
	}{
		{"production info", config.Log{}, 0, true},
		{"production debug hidden", config.Log{}, 1, false},
		{"verbose", config.Log{Verbosity: 2}, 2, true},
		{"verbose limit", config.Log{Verbosity: 2}, 3, false},
		{"development", config.Log{Development: true, Verbosity: 1}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, sync, err := newLogger(tt.cfg)
			require.NoError(t, err)
			defer sync()
			assert.Equal(t, tt.want, logger.V(tt.v).Enabled())
		})
	}
}

func TestClassifyStartError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"success", nil, false},
		{"unsupported kernel", execmon.ErrUnsupportedKernel, true},
		{"wrapped unsupported kernel", fmt.Errorf("checking ring buffer: %w", execmon.ErrUnsupportedKernel), true},
		{"already running", execmon.ErrAlreadyRunning, true},
		{"load failure", errors.New("loading collection: operation not permitted"), false},
		{"invalid ring size", execmon.ErrInvalidRingBufSize, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStartError(tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.err)
			var perm *backoff.PermanentError
			assert.Equal(t, tt.permanent, errors.As(got, &perm))
		})
	}
}

func TestCounters(t *testing.T) {
	got := counters(execmon.Stats{Received: 10, Malformed: 1, Skipped: 3, Dropped: 2, Filtered: 5, Idle: 4})
	assert.Equal(t, metrics.Counters{Published: 10, Dropped: 2, Filtered: 5, Idle: 4, Malformed: 1}, got)
}
