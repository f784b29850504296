// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package task

// Memory is read access to kernel memory, the counterpart of
// bpf_probe_read_kernel. Reads of unmapped or invalid addresses report false.
type Memory interface {
	ReadUint64(addr uint64) (uint64, bool)
	ReadUint32(addr uint64) (uint32, bool)
}

// Reader walks identity chains for one layout.
type Reader struct {
	layout Layout
	mem    Memory
}

func NewReader(layout *Layout, mem Memory) *Reader {
	return &Reader{layout: *layout, mem: mem}
}

// MountNamespace returns the inode number of the task's mount namespace, or 0
// if any link of task -> nsproxy -> mnt_ns -> ns.inum is missing. Exiting
// tasks have a nil nsproxy; that is not an error.
func (r *Reader) MountNamespace(task uint64) uint32 {
	nsproxy, ok := r.pointer(task, r.layout.TaskNsproxy)
	if !ok {
		return 0
	}
	mntNS, ok := r.pointer(nsproxy, r.layout.NsproxyMntNS)
	if !ok {
		return 0
	}
	inum, _ := r.uint32(mntNS, r.layout.MntNSInum)
	return inum
}

// ParentTgid returns the thread-group id of task's real parent, or 0 if the
// parent link is missing.
func (r *Reader) ParentTgid(task uint64) uint32 {
	parent, ok := r.pointer(task, r.layout.TaskRealParent)
	if !ok {
		return 0
	}
	tgid, _ := r.uint32(parent, r.layout.TaskTgid)
	return tgid
}

// pointer dereferences base+f. A nil base, an unresolved field, a failed read
// or a nil result all end the chain.
func (r *Reader) pointer(base uint64, f Field) (uint64, bool) {
	if base == 0 || !f.Valid || r.mem == nil {
		return 0, false
	}
	v, ok := r.mem.ReadUint64(base + uint64(f.Offset))
	if !ok || v == 0 {
		return 0, false
	}
	return v, true
}

func (r *Reader) uint32(base uint64, f Field) (uint32, bool) {
	if base == 0 || !f.Valid || r.mem == nil {
		return 0, false
	}
	v, ok := r.mem.ReadUint32(base + uint64(f.Offset))
	if !ok {
		return 0, false
	}
	return v, true
}
