// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package execmon loads the exec capture program into the kernel and drains
// its ring buffer into a collector.Receiver.
package execmon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"

	"github.com/antimetal/execmon/pkg/collector"
	"github.com/antimetal/execmon/pkg/ebpf/core"
	"github.com/antimetal/execmon/pkg/monitored"
	"github.com/antimetal/execmon/pkg/noise"
)

const (
	// Names in the BPF object.
	programName       = "execmon_sys_enter_execve"
	eventsMapName     = "events"
	monitoredMapName  = "monitored_pids"
	noiseMapName      = "noise_prefixes"
	statsMapName      = "stats"
	defaultObjectDir  = "/usr/local/lib/antimetal/ebpf"
	objectFileName    = "execmon.bpf.o"
	bpfPathEnv        = "EXECMON_BPF_PATH"
	DefaultRingBuffer = 65536
)

// Slots of the per-CPU stats array.
const (
	statDropped uint32 = iota
	statFiltered
	statIdle
	statSlots
)

var (
	ErrAlreadyRunning     = errors.New("collector already running")
	ErrNotRunning         = errors.New("collector not running")
	ErrUnsupportedKernel  = errors.New("kernel lacks BPF ring buffer support (5.8+ required)")
	ErrInvalidRingBufSize = errors.New("ring buffer size must be a power of two multiple of the page size")
)

type Config struct {
	// BPFObjectPath defaults to $EXECMON_BPF_PATH/execmon.bpf.o, then
	// /usr/local/lib/antimetal/ebpf/execmon.bpf.o.
	BPFObjectPath string
	// RingBufferSize in bytes. Zero means DefaultRingBuffer.
	RingBufferSize uint32
	// DenyList is seeded into the kernel before attach. Nil means noise.Default().
	DenyList *noise.DenyList
	// SkipSelf drops records produced by this process.
	SkipSelf bool
}

// Stats combines consumer-side counters with the kernel's per-CPU stats.
// Dropped, Filtered and Idle are read from the kernel.
type Stats struct {
	Received  uint64
	Malformed uint64
	Skipped   uint64
	Dropped   uint64
	Filtered  uint64
	Idle      uint64
}

// Collector attaches the capture program to sys_enter_execve and delivers
// every record to a receiver.
type Collector struct {
	collector.Base

	cfg Config

	mu          sync.Mutex
	coreManager *core.Manager
	objs        *ebpf.Collection
	tpLink      link.Link
	reader      *ringbuf.Reader
	done        chan struct{}

	received  atomic.Uint64
	malformed atomic.Uint64
	skipped   atomic.Uint64
}

func New(logger logr.Logger, cfg Config) (*Collector, error) {
	cfg.BPFObjectPath = ResolveObjectPath(cfg.BPFObjectPath)
	if cfg.RingBufferSize == 0 {
		cfg.RingBufferSize = DefaultRingBuffer
	}
	if err := ValidateRingBufferSize(cfg.RingBufferSize); err != nil {
		return nil, err
	}
	if cfg.DenyList == nil {
		cfg.DenyList = noise.Default()
	}
	return &Collector{
		Base: collector.NewBase("execmon", logger),
		cfg:  cfg,
	}, nil
}

// ResolveObjectPath applies the default lookup for an empty path.
func ResolveObjectPath(path string) string {
	if path != "" {
		return path
	}
	if dir := os.Getenv(bpfPathEnv); dir != "" {
		return filepath.Join(dir, objectFileName)
	}
	return filepath.Join(defaultObjectDir, objectFileName)
}

// ValidateRingBufferSize checks the kernel's BPF_MAP_TYPE_RINGBUF constraint.
func ValidateRingBufferSize(size uint32) error {
	page := uint32(os.Getpagesize())
	if size < page || size%page != 0 || size&(size-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRingBufSize, size)
	}
	return nil
}

func (c *Collector) Start(ctx context.Context, receiver collector.Receiver) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader != nil {
		return ErrAlreadyRunning
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock: %w", err)
	}

	if c.coreManager == nil {
		manager, err := core.NewManager(c.Logger())
		if err != nil {
			return fmt.Errorf("creating CO-RE manager: %w", err)
		}
		c.coreManager = manager
	}
	if !c.coreManager.GetKernelFeatures().HasRingBuffer {
		c.SetStatus(collector.StatusFailed)
		return ErrUnsupportedKernel
	}

	spec, err := c.coreManager.LoadCollectionSpec(c.cfg.BPFObjectPath, c.prepare)
	if err != nil {
		return err
	}
	c.objs, err = c.coreManager.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("loading BPF collection with CO-RE: %w", err)
	}

	if err := seedDenyList(c.objs.Maps[noiseMapName], c.cfg.DenyList); err != nil {
		c.cleanup()
		return err
	}

	prog, ok := c.objs.Programs[programName]
	if !ok {
		c.cleanup()
		return fmt.Errorf("program %s not found", programName)
	}
	c.tpLink, err = link.Tracepoint("syscalls", "sys_enter_execve", prog, nil)
	if err != nil {
		c.cleanup()
		return fmt.Errorf("attaching sys_enter_execve tracepoint: %w", err)
	}

	c.reader, err = ringbuf.NewReader(c.objs.Maps[eventsMapName])
	if err != nil {
		c.cleanup()
		return fmt.Errorf("opening ring buffer: %w", err)
	}

	c.done = make(chan struct{})
	go c.readEvents(ctx, c.reader, receiver, c.done)

	c.ClearError()
	c.SetStatus(collector.StatusActive)
	c.Logger().Info("Exec capture attached",
		"object", c.cfg.BPFObjectPath,
		"ringbuf", c.cfg.RingBufferSize,
		"noise_prefixes", c.cfg.DenyList.Len(),
	)
	return nil
}

// prepare checks the object carries the maps the loader needs and sizes the
// ring before load.
func (c *Collector) prepare(spec *ebpf.CollectionSpec) error {
	for _, name := range []string{eventsMapName, monitoredMapName, noiseMapName, statsMapName} {
		if _, ok := spec.Maps[name]; !ok {
			return fmt.Errorf("map %s not found in %s", name, c.cfg.BPFObjectPath)
		}
	}
	if _, ok := spec.Programs[programName]; !ok {
		return fmt.Errorf("program %s not found in %s", programName, c.cfg.BPFObjectPath)
	}
	if n := spec.Maps[statsMapName].MaxEntries; n < statSlots {
		return fmt.Errorf("map %s has %d slots, need %d", statsMapName, n, statSlots)
	}
	if limit := spec.Maps[noiseMapName].MaxEntries; int(limit) < c.cfg.DenyList.Len() {
		return fmt.Errorf("deny-list has %d prefixes, object allows %d", c.cfg.DenyList.Len(), limit)
	}
	spec.Maps[eventsMapName].MaxEntries = c.cfg.RingBufferSize
	return nil
}

func seedDenyList(m *ebpf.Map, deny *noise.DenyList) error {
	for i, p := range deny.Prefixes() {
		if err := m.Put(uint32(i), p); err != nil {
			return fmt.Errorf("seeding noise prefix %q: %w", p.String(), err)
		}
	}
	return nil
}

// Stop detaches the program and waits for the reader to exit.
func (c *Collector) Stop() error {
	c.mu.Lock()
	if c.reader == nil {
		c.mu.Unlock()
		return ErrNotRunning
	}
	// Closing the reader unblocks Read; the read loop then cleans up.
	err := c.reader.Close()
	done := c.done
	c.mu.Unlock()

	<-done
	return err
}

func (c *Collector) cleanup() {
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}
	if c.tpLink != nil {
		c.tpLink.Close()
		c.tpLink = nil
	}
	if c.objs != nil {
		c.objs.Close()
		c.objs = nil
	}
}

func (c *Collector) readEvents(ctx context.Context, reader *ringbuf.Reader, receiver collector.Receiver, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.cleanup()
		c.SetStatus(collector.StatusDisabled)
		c.mu.Unlock()
		close(done)
	}()

	stop := context.AfterFunc(ctx, func() { reader.Close() })
	defer stop()

	self := uint32(os.Getpid())
	var rec ringbuf.Record
	for {
		if err := reader.ReadInto(&rec); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			c.SetError(fmt.Errorf("reading from ring buffer: %w", err))
			continue
		}

		event := &collector.Event{Timestamp: time.Now()}
		if err := event.UnmarshalBinary(rec.RawSample); err != nil {
			c.malformed.Add(1)
			c.Logger().V(1).Info("Dropping malformed record", "size", len(rec.RawSample))
			continue
		}
		c.received.Add(1)
		if c.cfg.SkipSelf && event.PID == self {
			c.skipped.Add(1)
			continue
		}

		if err := receiver.Accept(event); err != nil {
			c.Logger().Error(err, "Failed to send exec event to receiver", "receiver", receiver.Name())
		}
	}
}

// Monitored returns the kernel-resident monitored set. Only valid while the
// collector is running.
func (c *Collector) Monitored() (monitored.Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.objs == nil {
		return nil, ErrNotRunning
	}
	return NewMapSet(c.objs.Maps[monitoredMapName]), nil
}

func (c *Collector) Stats() Stats {
	s := Stats{
		Received:  c.received.Load(),
		Malformed: c.malformed.Load(),
		Skipped:   c.skipped.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.objs != nil {
		readKernelStats(c.objs.Maps[statsMapName], &s, c.Logger())
	}
	return s
}

func readKernelStats(m kvMap, s *Stats, logger logr.Logger) {
	for slot, dst := range map[uint32]*uint64{
		statDropped:  &s.Dropped,
		statFiltered: &s.Filtered,
		statIdle:     &s.Idle,
	} {
		n, err := sumPerCPU(m, slot)
		if err != nil {
			logger.V(1).Info("Reading kernel stats failed", "slot", slot, "error", err)
			continue
		}
		*dst = n
	}
}

func sumPerCPU(m kvMap, slot uint32) (uint64, error) {
	var perCPU []uint64
	if err := m.Lookup(slot, &perCPU); err != nil {
		return 0, err
	}
	var total uint64
	for _, v := range perCPU {
		total += v
	}
	return total, nil
}
