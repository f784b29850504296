// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package core provides CO-RE (Compile Once - Run Everywhere) support for eBPF programs.
package core

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/go-logr/logr"

	"github.com/antimetal/execmon/pkg/kernel"
	"github.com/antimetal/execmon/pkg/task"
)

const kernelBTFPath = "/sys/kernel/btf/vmlinux"

// CORESupport describes how far CO-RE can be relied on.
type CORESupport string

const (
	CORESupportFull    CORESupport = "full"
	CORESupportPartial CORESupport = "partial"
	CORESupportNone    CORESupport = "none"
)

type KernelFeatures struct {
	KernelVersion string
	HasBTF        bool
	BTFPath       string
	CORESupport   CORESupport
	HasRingBuffer bool
}

type Manager struct {
	logger         logr.Logger
	kernelBTF      *btf.Spec
	kernelFeatures *KernelFeatures
}

func NewManager(logger logr.Logger) (*Manager, error) {
	if runtime.GOOS != "linux" {
		return nil, errors.New("CO-RE is only supported on Linux")
	}

	version, err := kernel.GetCurrentVersion()
	if err != nil {
		return nil, fmt.Errorf("detecting kernel version: %w", err)
	}
	_, statErr := os.Stat(kernelBTFPath)
	features := DetectFeatures(version, statErr == nil)

	logger.Info("Kernel CO-RE features detected",
		"kernel", features.KernelVersion,
		"btf", features.HasBTF,
		"core_support", features.CORESupport,
		"ringbuf", features.HasRingBuffer,
	)

	var kernelBTF *btf.Spec
	if features.HasBTF {
		kernelBTF, err = btf.LoadKernelSpec()
		if err != nil {
			// cilium/ebpf retries on its own at load time; relocations
			// fail there if BTF is truly unusable.
			logger.Error(err, "Failed to load kernel BTF, CO-RE relocations may fail")
		}
	}

	return &Manager{
		logger:         logger,
		kernelBTF:      kernelBTF,
		kernelFeatures: features,
	}, nil
}

// DetectFeatures derives the feature set from a kernel version and whether
// native BTF is present.
func DetectFeatures(version *kernel.Version, hasBTF bool) *KernelFeatures {
	features := &KernelFeatures{
		KernelVersion: version.Raw,
		HasBTF:        hasBTF,
		HasRingBuffer: version.Supports(kernel.RingBufferMinimum),
	}
	if hasBTF {
		features.BTFPath = kernelBTFPath
	}

	switch {
	case version.Supports(kernel.KernelBTFMinimum) && hasBTF:
		features.CORESupport = CORESupportFull
	case version.Supports(kernel.COREMinimum):
		// Needs external BTF.
		features.CORESupport = CORESupportPartial
	default:
		features.CORESupport = CORESupportNone
	}
	return features
}

// LoadCollectionSpec reads an ELF object. prepare, if non-nil, may edit the
// spec (map sizes, constants) before anything touches the kernel.
func (m *Manager) LoadCollectionSpec(path string, prepare func(*ebpf.CollectionSpec) error) (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading collection spec: %w", err)
	}
	if prepare != nil {
		if err := prepare(spec); err != nil {
			return nil, fmt.Errorf("preparing collection spec: %w", err)
		}
	}
	return spec, nil
}

// NewCollection loads spec into the kernel, resolving CO-RE relocations
// against the kernel BTF loaded by NewManager.
func (m *Manager) NewCollection(spec *ebpf.CollectionSpec) (*ebpf.Collection, error) {
	opts := ebpf.CollectionOptions{}
	if m.kernelBTF != nil {
		m.logger.V(1).Info("Loading with kernel BTF for CO-RE relocations")
		opts.Programs.KernelTypes = m.kernelBTF
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			m.logger.V(1).Info("Verifier log", "log", fmt.Sprintf("%+v", verr))
		}
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return coll, nil
}

// TaskLayout resolves task_struct offsets from the kernel BTF. The kernel
// program relocates the same fields; an incomplete layout means mnt_ns or ppid
// will always read as 0 on this kernel.
func (m *Manager) TaskLayout() (*task.Layout, error) {
	if m.kernelBTF == nil {
		return nil, errors.New("kernel BTF not available")
	}
	return task.LayoutFromSpec(m.kernelBTF)
}

// GetKernelFeatures returns information about kernel CO-RE support.
func (m *Manager) GetKernelFeatures() *KernelFeatures {
	return m.kernelFeatures
}

// HasFullCORESupport returns true if the kernel has full CO-RE support.
func (m *Manager) HasFullCORESupport() bool {
	return m.kernelFeatures.CORESupport == CORESupportFull
}
