// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package capabilities checks whether the agent may load and attach the exec
// probe.
package capabilities

import "strings"

// Capability represents a Linux capability
type Capability int

const (
	// CAP_SYS_ADMIN covers everything BPF needs on kernels before 5.8.
	CAP_SYS_ADMIN Capability = 21

	// CAP_PERFMON allows attaching tracing programs (kernel 5.8+).
	CAP_PERFMON Capability = 38

	// CAP_BPF allows loading BPF programs and creating maps (kernel 5.8+).
	CAP_BPF Capability = 39
)

func (c Capability) String() string {
	switch c {
	case CAP_SYS_ADMIN:
		return "CAP_SYS_ADMIN"
	case CAP_BPF:
		return "CAP_BPF"
	case CAP_PERFMON:
		return "CAP_PERFMON"
	default:
		return "UNKNOWN"
	}
}

// Set is a capability bitmask as found in CapEff.
type Set uint64

func (s Set) Has(c Capability) bool {
	return c >= 0 && c < 64 && s&(1<<uint(c)) != 0
}

func (s Set) String() string {
	var names []string
	for _, c := range []Capability{CAP_SYS_ADMIN, CAP_PERFMON, CAP_BPF} {
		if s.Has(c) {
			names = append(names, c.String())
		}
	}
	return strings.Join(names, ",")
}

// CanTrace reports whether s is enough to load a tracepoint program with a
// ring buffer: CAP_BPF together with CAP_PERFMON, or CAP_SYS_ADMIN alone.
// When it is not, missing lists what the modern split would need.
func CanTrace(s Set) (ok bool, missing []Capability) {
	if s.Has(CAP_SYS_ADMIN) {
		return true, nil
	}
	for _, c := range []Capability{CAP_BPF, CAP_PERFMON} {
		if !s.Has(c) {
			missing = append(missing, c)
		}
	}
	return len(missing) == 0, missing
}
