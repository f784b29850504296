// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package probe is the exec capture pipeline: identity extraction, noise
// filtering and publication of a fixed record into the transfer ring.
//
// It is the Go build of ebpf/src/execmon.bpf.c and follows the same rules:
// HandleExec never blocks, never allocates and never reports failure. A full
// ring drops the event.
package probe

import (
	"errors"
	"sync/atomic"

	"github.com/antimetal/execmon/pkg/noise"
	"github.com/antimetal/execmon/pkg/record"
	"github.com/antimetal/execmon/pkg/ringbuffer"
	"github.com/antimetal/execmon/pkg/task"
)

// Context exposes the calling task the way BPF helpers do.
type Context interface {
	// CurrentPidTgid is tgid<<32 | pid, as bpf_get_current_pid_tgid.
	CurrentPidTgid() uint64
	// CurrentUidGid is gid<<32 | uid, as bpf_get_current_uid_gid.
	CurrentUidGid() uint64
	// CurrentComm returns the task comm, as bpf_get_current_comm.
	CurrentComm() [record.CommLen]byte
	// CurrentTask is the address of the current task_struct.
	CurrentTask() uint64
}

// Snapshot is a Context with fixed values.
type Snapshot struct {
	PidTgid uint64
	UidGid  uint64
	Comm    [record.CommLen]byte
	Task    uint64
}

var _ Context = (*Snapshot)(nil)

// NewSnapshot builds a Snapshot for a single-threaded process.
func NewSnapshot(tgid, uid uint32, comm string, task uint64) *Snapshot {
	return &Snapshot{
		PidTgid: uint64(tgid)<<32 | uint64(tgid),
		UidGid:  uint64(uid),
		Comm:    record.CommFromString(comm),
		Task:    task,
	}
}

func (s *Snapshot) CurrentPidTgid() uint64            { return s.PidTgid }
func (s *Snapshot) CurrentUidGid() uint64             { return s.UidGid }
func (s *Snapshot) CurrentComm() [record.CommLen]byte { return s.Comm }
func (s *Snapshot) CurrentTask() uint64               { return s.Task }

type Config struct {
	// Layout and Memory drive the namespace and parent walks. A nil Layout
	// leaves every link unresolved, so mnt_ns and ppid are always 0.
	Layout *task.Layout
	Memory task.Memory
	// DenyList defaults to noise.Default().
	DenyList *noise.DenyList
	Events   *ringbuffer.RingBuffer
}

var ErrNoEvents = errors.New("probe requires an events ring buffer")

// Stats are monotonically increasing counters.
type Stats struct {
	Published uint64
	Dropped   uint64
	Filtered  uint64
	Idle      uint64
}

type Probe struct {
	tasks  *task.Reader
	deny   *noise.DenyList
	events *ringbuffer.RingBuffer

	published atomic.Uint64
	dropped   atomic.Uint64
	filtered  atomic.Uint64
	idle      atomic.Uint64
}

func New(cfg Config) (*Probe, error) {
	if cfg.Events == nil {
		return nil, ErrNoEvents
	}
	layout := cfg.Layout
	if layout == nil {
		layout = &task.Layout{}
	}
	deny := cfg.DenyList
	if deny == nil {
		deny = noise.Default()
	}
	return &Probe{
		tasks:  task.NewReader(layout, cfg.Memory),
		deny:   deny,
		events: cfg.Events,
	}, nil
}

// HandleExec runs the pipeline for one exec syscall entry.
func (p *Probe) HandleExec(ctx Context) {
	pid := uint32(ctx.CurrentPidTgid() >> 32)
	uid := uint32(ctx.CurrentUidGid())
	if pid == 0 {
		p.idle.Add(1)
		return
	}

	cur := ctx.CurrentTask()
	mntNS := p.tasks.MountNamespace(cur)

	comm := ctx.CurrentComm()
	if p.deny.Match(&comm) {
		p.filtered.Add(1)
		return
	}

	slot, ok := p.events.Reserve(record.Size)
	if !ok {
		p.dropped.Add(1)
		return
	}

	e := record.Event{
		PID:   pid,
		PPID:  p.tasks.ParentTgid(cur),
		UID:   uid,
		MntNS: mntNS,
		Comm:  comm,
	}
	e.MarshalTo(slot.Bytes())
	slot.Submit()
	p.published.Add(1)
}

func (p *Probe) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Filtered:  p.filtered.Load(),
		Idle:      p.idle.Load(),
	}
}
