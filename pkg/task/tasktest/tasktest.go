// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tasktest provides an in-memory stand-in for kernel task state, for
// exercising identity extraction without a kernel.
package tasktest

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cilium/ebpf/btf"

	"github.com/antimetal/execmon/pkg/task"
)

// Offsets used by Types. They are deliberately not the ones any real kernel
// uses so tests catch hardcoded offsets.
const (
	TaskSize        = 256
	TaskTgidOffset  = 68 // anonymous struct at 64, tgid at +4
	TaskParentOff   = 96
	TaskNsproxyOff  = 160
	NsproxySize     = 64
	NsproxyMntNSOff = 24
	MntNSSize       = 128
	MntNSNsOff      = 16
	NsCommonInumOff = 16
)

// Types returns a task_struct type graph shaped like the kernel's: tgid sits
// inside an anonymous struct, real_parent points back at task_struct and the
// namespace chain goes through nsproxy and an embedded ns_common.
func Types() *btf.Struct {
	intT := &btf.Int{Name: "int", Size: 4, Encoding: btf.Signed}
	uintT := &btf.Int{Name: "unsigned int", Size: 4, Encoding: btf.Unsigned}
	pidT := &btf.Typedef{Name: "pid_t", Type: intT}
	voidPtr := &btf.Pointer{Target: &btf.Void{}}

	nsCommon := &btf.Struct{
		Name: "ns_common",
		Size: 24,
		Members: []btf.Member{
			{Name: "stashed", Type: voidPtr, Offset: 0},
			{Name: "ops", Type: voidPtr, Offset: btf.Bits(8 * 8)},
			{Name: "inum", Type: uintT, Offset: btf.Bits(NsCommonInumOff * 8)},
		},
	}
	mntNS := &btf.Struct{
		Name: "mnt_namespace",
		Size: MntNSSize,
		Members: []btf.Member{
			{Name: "count", Type: intT, Offset: 0},
			{Name: "ns", Type: nsCommon, Offset: btf.Bits(MntNSNsOff * 8)},
		},
	}
	nsproxy := &btf.Struct{
		Name: "nsproxy",
		Size: NsproxySize,
		Members: []btf.Member{
			{Name: "count", Type: intT, Offset: 0},
			{Name: "uts_ns", Type: voidPtr, Offset: btf.Bits(8 * 8)},
			{Name: "ipc_ns", Type: voidPtr, Offset: btf.Bits(16 * 8)},
			{Name: "mnt_ns", Type: &btf.Pointer{Target: mntNS}, Offset: btf.Bits(NsproxyMntNSOff * 8)},
		},
	}

	ts := &btf.Struct{Name: "task_struct", Size: TaskSize}
	ids := &btf.Struct{
		Size: 8,
		Members: []btf.Member{
			{Name: "pid", Type: pidT, Offset: 0},
			{Name: "tgid", Type: pidT, Offset: btf.Bits(4 * 8)},
		},
	}
	ts.Members = []btf.Member{
		{Name: "__state", Type: uintT, Offset: 0},
		{Name: "", Type: ids, Offset: btf.Bits(64 * 8)},
		{Name: "real_parent", Type: &btf.Pointer{Target: ts}, Offset: btf.Bits(TaskParentOff * 8)},
		{Name: "parent", Type: &btf.Pointer{Target: ts}, Offset: btf.Bits((TaskParentOff + 8) * 8)},
		{Name: "nsproxy", Type: &btf.Const{Type: &btf.Pointer{Target: nsproxy}}, Offset: btf.Bits(TaskNsproxyOff * 8)},
	}
	return ts
}

// Arena is a sparse, byte-addressed memory implementing task.Memory.
type Arena struct {
	mu      sync.RWMutex
	next    uint64
	regions []region
}

type region struct {
	base uint64
	data []byte
}

var _ task.Memory = (*Arena)(nil)

func NewArena() *Arena {
	return &Arena{next: 0xffff888000000000}
}

// Alloc returns the address of a new zeroed region of size bytes.
func (a *Arena) Alloc(size int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	base := a.next
	a.regions = append(a.regions, region{base: base, data: make([]byte, size)})
	// Leave a guard gap so reads past the end of a region fail.
	a.next += uint64(size+4095) &^ 4095
	a.next += 4096
	return base
}

func (a *Arena) PutUint64(addr, v uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.slice(addr, 8); b != nil {
		binary.NativeEndian.PutUint64(b, v)
	}
}

func (a *Arena) PutUint32(addr uint64, v uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.slice(addr, 4); b != nil {
		binary.NativeEndian.PutUint32(b, v)
	}
}

func (a *Arena) ReadUint64(addr uint64) (uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b := a.slice(addr, 8)
	if b == nil {
		return 0, false
	}
	return binary.NativeEndian.Uint64(b), true
}

func (a *Arena) ReadUint32(addr uint64) (uint32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b := a.slice(addr, 4)
	if b == nil {
		return 0, false
	}
	return binary.NativeEndian.Uint32(b), true
}

func (a *Arena) slice(addr uint64, n int) []byte {
	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].base > addr
	}) - 1
	if i < 0 {
		return nil
	}
	r := a.regions[i]
	off := addr - r.base
	if off+uint64(n) > uint64(len(r.data)) {
		return nil
	}
	return r.data[off : off+uint64(n)]
}

// Task describes a task to lay out in an Arena.
type Task struct {
	Tgid uint32
	// Parent is the address of the parent task, or 0 for none.
	Parent uint64
	MntNS  uint32
	// NoNsproxy models an exiting task whose nsproxy was already released.
	NoNsproxy bool
	// NoMntNS leaves nsproxy->mnt_ns nil.
	NoMntNS bool
}

// Kernel lays out tasks according to Types in an Arena.
type Kernel struct {
	*Arena
	Layout *task.Layout
}

func NewKernel() *Kernel {
	return &Kernel{Arena: NewArena(), Layout: task.LayoutFromTypes(Types())}
}

// NewTask allocates and fills a task_struct and returns its address.
func (k *Kernel) NewTask(t Task) uint64 {
	addr := k.Alloc(TaskSize)
	k.PutUint32(addr+TaskTgidOffset, t.Tgid)
	k.PutUint64(addr+TaskParentOff, t.Parent)

	if t.NoNsproxy {
		return addr
	}
	nsproxy := k.Alloc(NsproxySize)
	k.PutUint64(addr+TaskNsproxyOff, nsproxy)
	if t.NoMntNS {
		return addr
	}
	mntNS := k.Alloc(MntNSSize)
	k.PutUint64(nsproxy+NsproxyMntNSOff, mntNS)
	k.PutUint32(mntNS+MntNSNsOff+NsCommonInumOff, t.MntNS)
	return addr
}
