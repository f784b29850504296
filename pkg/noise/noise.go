// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package noise implements the comm prefix deny-list used to drop low-signal
// execs before a record is built.
package noise

import (
	"errors"
	"fmt"

	"github.com/antimetal/execmon/pkg/record"
)

// MaxPrefixes bounds the deny-list so the kernel build can walk it with a
// fixed loop. It matches EXECMON_MAX_NOISE_PREFIXES.
const MaxPrefixes = 32

// DefaultPrefixes are editor helpers, package manager housekeeping, monitoring
// scripts and nice/ionice.
var DefaultPrefixes = []string{"code", "gopl", "apt", "upda", "cpu", "nice", "ioni"}

var ErrInvalidPrefix = errors.New("invalid noise prefix")

// Prefix is one deny-list entry in the fixed form the probe compares against.
// Its memory layout matches struct execmon_noise_prefix.
type Prefix struct {
	Len   uint32
	Bytes [record.CommLen]byte
}

func (p Prefix) String() string {
	return string(p.Bytes[:p.Len])
}

// DenyList is an ordered, immutable set of comm prefixes.
type DenyList struct {
	prefixes []Prefix
}

// NewDenyList validates and compiles prefixes. Order is kept; the first match
// wins, though every match has the same effect.
func NewDenyList(prefixes []string) (*DenyList, error) {
	if len(prefixes) > MaxPrefixes {
		return nil, fmt.Errorf("%w: %d prefixes exceeds limit of %d", ErrInvalidPrefix, len(prefixes), MaxPrefixes)
	}

	d := &DenyList{prefixes: make([]Prefix, 0, len(prefixes))}
	for _, s := range prefixes {
		if s == "" {
			return nil, fmt.Errorf("%w: empty prefix would match every comm", ErrInvalidPrefix)
		}
		// comm is at most 15 characters plus a terminator, so a longer
		// prefix could never match.
		if len(s) >= record.CommLen {
			return nil, fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidPrefix, s, record.CommLen-1)
		}
		var p Prefix
		p.Len = uint32(copy(p.Bytes[:], s))
		d.prefixes = append(d.prefixes, p)
	}
	return d, nil
}

// Default returns the built-in deny-list.
func Default() *DenyList {
	d, err := NewDenyList(DefaultPrefixes)
	if err != nil {
		panic(err)
	}
	return d
}

// Match reports whether comm starts with any deny-listed prefix. It does not
// allocate.
func (d *DenyList) Match(comm *[record.CommLen]byte) bool {
	if d == nil {
		return false
	}
	for i := range d.prefixes {
		if hasPrefix(comm, &d.prefixes[i]) {
			return true
		}
	}
	return false
}

// MatchString is Match for a plain name, as the kernel would store it.
func (d *DenyList) MatchString(name string) bool {
	comm := record.CommFromString(name)
	return d.Match(&comm)
}

// Prefixes returns the compiled entries in order.
func (d *DenyList) Prefixes() []Prefix {
	out := make([]Prefix, len(d.prefixes))
	copy(out, d.prefixes)
	return out
}

func (d *DenyList) Len() int {
	return len(d.prefixes)
}

func hasPrefix(comm *[record.CommLen]byte, p *Prefix) bool {
	for i := uint32(0); i < p.Len && i < record.CommLen; i++ {
		if comm[i] != p.Bytes[i] {
			return false
		}
	}
	return true
}
