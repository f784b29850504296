// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package testutil provides skip helpers for integration tests that need a
// real kernel.
package testutil

import (
	"os"
	"runtime"
	"testing"

	"github.com/antimetal/execmon/pkg/capabilities"
	"github.com/antimetal/execmon/pkg/kernel"
)

// RequireLinux skips the test if not running on Linux.
func RequireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("Test requires Linux")
	}
}

// RequireKernel skips the test if the running kernel is older than minimum.
func RequireKernel(t *testing.T, minimum kernel.Version) {
	t.Helper()
	RequireLinux(t)

	current, err := kernel.GetCurrentVersion()
	if err != nil {
		t.Skipf("Failed to get kernel version: %v", err)
	}
	if !current.Supports(minimum) {
		t.Skipf("Test requires kernel %s+, running %s", minimum.String(), current.String())
	}
}

// RequireBTF skips the test if the kernel does not expose native BTF.
func RequireBTF(t *testing.T) {
	t.Helper()
	RequireLinux(t)

	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err != nil {
		t.Skipf("Test requires kernel BTF: %v", err)
	}
}

// RequireTracing skips the test unless the process may load and attach
// tracepoint programs.
func RequireTracing(t *testing.T) {
	t.Helper()
	RequireLinux(t)

	caps, err := capabilities.Effective()
	if err != nil {
		t.Skipf("Failed to read capabilities: %v", err)
	}
	if ok, missing := capabilities.CanTrace(caps); !ok {
		t.Skipf("Test requires capabilities %v", missing)
	}
}
