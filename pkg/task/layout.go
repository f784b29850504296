// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package task reads process and container identity out of kernel task state.
//
// Offsets into task_struct and the structures hanging off it differ between
// kernel builds, so they are resolved at load time from the running kernel's
// BTF rather than compiled in. Every pointer hop is checked; a missing link or
// a field the kernel does not have yields a zero value, never a fault.
package task

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// Field is a resolved byte offset. The zero Field is unresolved.
type Field struct {
	Offset uint32
	Valid  bool
}

// Layout holds the offsets needed for the identity chain walks:
//
//	task_struct.nsproxy -> nsproxy.mnt_ns -> mnt_namespace.ns.inum
//	task_struct.real_parent -> task_struct.tgid
type Layout struct {
	TaskNsproxy    Field
	TaskRealParent Field
	TaskTgid       Field
	NsproxyMntNS   Field
	MntNSInum      Field // ns.inum folded into a single offset
}

// Complete reports whether every field resolved.
func (l *Layout) Complete() bool {
	return l.TaskNsproxy.Valid && l.TaskRealParent.Valid && l.TaskTgid.Valid &&
		l.NsproxyMntNS.Valid && l.MntNSInum.Valid
}

var ErrNoTaskStruct = errors.New("task_struct not found in BTF")

// LayoutFromSpec resolves a Layout from a BTF spec, normally the running
// kernel's (btf.LoadKernelSpec).
func LayoutFromSpec(spec *btf.Spec) (*Layout, error) {
	var task *btf.Struct
	if err := spec.TypeByName("task_struct", &task); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTaskStruct, err)
	}
	return LayoutFromTypes(task), nil
}

// LayoutFromTypes resolves a Layout starting at the task_struct type. Members
// the type graph does not contain are left unresolved.
func LayoutFromTypes(task *btf.Struct) *Layout {
	l := &Layout{
		TaskRealParent: memberOffset(task, "real_parent"),
		TaskTgid:       memberOffset(task, "tgid"),
	}

	var nsproxy btf.Type
	l.TaskNsproxy, nsproxy = memberPointee(task, "nsproxy")
	if nsproxy == nil {
		return l
	}

	var mntNS btf.Type
	l.NsproxyMntNS, mntNS = memberPointee(nsproxy, "mnt_ns")
	if mntNS == nil {
		return l
	}

	ns, nsType := member(mntNS, "ns")
	if !ns.Valid {
		return l
	}
	inum, _ := member(nsType, "inum")
	if inum.Valid {
		l.MntNSInum = Field{Offset: ns.Offset + inum.Offset, Valid: true}
	}
	return l
}

func memberOffset(typ btf.Type, name string) Field {
	f, _ := member(typ, name)
	return f
}

// memberPointee resolves a pointer member and returns the type it points to.
func memberPointee(typ btf.Type, name string) (Field, btf.Type) {
	f, mt := member(typ, name)
	if !f.Valid {
		return Field{}, nil
	}
	ptr, ok := skipQualifiers(mt).(*btf.Pointer)
	if !ok {
		return Field{}, nil
	}
	return f, skipQualifiers(ptr.Target)
}

// member finds name in a struct or union, descending into anonymous members
// the way the compiler flattens them.
func member(typ btf.Type, name string) (Field, btf.Type) {
	var members []btf.Member
	switch t := skipQualifiers(typ).(type) {
	case *btf.Struct:
		members = t.Members
	case *btf.Union:
		members = t.Members
	default:
		return Field{}, nil
	}

	for _, m := range members {
		if m.Name == name {
			return Field{Offset: m.Offset.Bytes(), Valid: true}, m.Type
		}
	}
	for _, m := range members {
		if m.Name != "" {
			continue
		}
		if f, mt := member(m.Type, name); f.Valid {
			return Field{Offset: m.Offset.Bytes() + f.Offset, Valid: true}, mt
		}
	}
	return Field{}, nil
}

// skipQualifiers strips typedefs and cv-qualifiers. The depth bound guards
// against malformed, cyclic BTF.
func skipQualifiers(typ btf.Type) btf.Type {
	for i := 0; i < 32 && typ != nil; i++ {
		switch t := typ.(type) {
		case *btf.Typedef:
			typ = t.Type
		case *btf.Const:
			typ = t.Type
		case *btf.Volatile:
			typ = t.Type
		case *btf.Restrict:
			typ = t.Type
		case *btf.TypeTag:
			typ = t.Type
		default:
			return typ
		}
	}
	return typ
}
