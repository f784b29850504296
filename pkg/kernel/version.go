// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel provides kernel version detection and the feature gates the
// exec probe depends on.
package kernel

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Minimum versions for the features the probe uses.
var (
	// BPF_MAP_TYPE_RINGBUF.
	RingBufferMinimum = Version{Major: 5, Minor: 8}
	// Native BTF at /sys/kernel/btf/vmlinux, needed for CO-RE without
	// shipping external BTF.
	KernelBTFMinimum = Version{Major: 5, Minor: 2}
	// CO-RE relocations at all.
	COREMinimum = Version{Major: 4, Minor: 18}
)

// Version represents a parsed kernel version
type Version struct {
	Major int
	Minor int
	Patch int
	Raw   string
}

// GetCurrentVersion returns the running kernel's version from uname(2),
// falling back to /proc/version.
func GetCurrentVersion() (*Version, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		if v, err := ParseVersion(unix.ByteSliceToString(uts.Release[:])); err == nil {
			return v, nil
		}
	}

	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/version: %w", err)
	}

	// "Linux version X.Y.Z ..."
	parts := strings.Fields(string(data))
	if len(parts) < 3 {
		return nil, fmt.Errorf("unexpected /proc/version format: %s", string(data))
	}
	return ParseVersion(parts[2])
}

// ParseVersion parses a release string such as "5.15.0-91-generic".
func ParseVersion(version string) (*Version, error) {
	v := &Version{Raw: version}

	if idx := strings.IndexAny(version, "-+"); idx != -1 {
		version = version[:idx]
	}

	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid kernel version format: %s", version)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid major version: %s", parts[0])
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid minor version: %s", parts[1])
	}
	v.Major, v.Minor = major, minor

	// Patch may carry a suffix like "0rc1"; keep the leading digits.
	if len(parts) >= 3 {
		digits := parts[2]
		for i, r := range digits {
			if r < '0' || r > '9' {
				digits = digits[:i]
				break
			}
		}
		v.Patch, _ = strconv.Atoi(digits)
	}

	return v, nil
}

// IsAtLeast returns true if v >= major.minor.
func (v *Version) IsAtLeast(major, minor int) bool {
	return v.Compare(&Version{Major: major, Minor: minor}) >= 0
}

// Supports reports whether v meets a minimum from this package.
func (v *Version) Supports(min Version) bool {
	return v.IsAtLeast(min.Major, min.Minor)
}

func (v *Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1 if v < other, 0 if v == other, 1 if v > other.
func (v *Version) Compare(other *Version) int {
	for _, d := range [...][2]int{
		{v.Major, other.Major},
		{v.Minor, other.Minor},
		{v.Patch, other.Patch},
	} {
		switch {
		case d[0] < d[1]:
			return -1
		case d[0] > d[1]:
			return 1
		}
	}
	return 0
}
