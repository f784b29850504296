// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package kernel

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Version
		wantErr bool
	}{
		{name: "plain", input: "5.15.0", want: &Version{Major: 5, Minor: 15, Patch: 0, Raw: "5.15.0"}},
		{name: "distro suffix", input: "6.2.0-26-generic", want: &Version{Major: 6, Minor: 2, Patch: 0, Raw: "6.2.0-26-generic"}},
		{name: "rhel", input: "4.18.0-348.el8.x86_64", want: &Version{Major: 4, Minor: 18, Patch: 0, Raw: "4.18.0-348.el8.x86_64"}},
		{name: "no patch", input: "5.8", want: &Version{Major: 5, Minor: 8, Raw: "5.8"}},
		{name: "rc patch", input: "5.10.3rc1", want: &Version{Major: 5, Minor: 10, Patch: 3, Raw: "5.10.3rc1"}},
		{name: "plus suffix", input: "6.1.55+", want: &Version{Major: 6, Minor: 1, Patch: 55, Raw: "6.1.55+"}},
		{name: "single number", input: "5", wantErr: true},
		{name: "non-numeric major", input: "v5.15.0", wantErr: true},
		{name: "non-numeric minor", input: "5.x.0", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVersion(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVersion_Supports(t *testing.T) {
	tests := []struct {
		version Version
		min     Version
		want    bool
	}{
		{Version{Major: 5, Minor: 8}, RingBufferMinimum, true},
		{Version{Major: 6, Minor: 0}, RingBufferMinimum, true},
		{Version{Major: 5, Minor: 4, Patch: 200}, RingBufferMinimum, false},
		{Version{Major: 4, Minor: 19}, RingBufferMinimum, false},
		{Version{Major: 5, Minor: 2}, KernelBTFMinimum, true},
		{Version{Major: 4, Minor: 18}, COREMinimum, true},
		{Version{Major: 4, Minor: 14}, COREMinimum, false},
	}

	for _, tt := range tests {
		t.Run(tt.version.String()+">="+tt.min.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.version.Supports(tt.min))
		})
	}
}

func TestVersion_Compare(t *testing.T) {
	v := func(major, minor, patch int) *Version {
		return &Version{Major: major, Minor: minor, Patch: patch}
	}

	assert.Equal(t, 0, v(5, 8, 0).Compare(v(5, 8, 0)))
	assert.Equal(t, 1, v(6, 0, 0).Compare(v(5, 8, 0)))
	assert.Equal(t, -1, v(4, 18, 0).Compare(v(5, 8, 0)))
	assert.Equal(t, 1, v(5, 10, 0).Compare(v(5, 8, 0)))
	assert.Equal(t, -1, v(5, 8, 3).Compare(v(5, 8, 5)))
	assert.Equal(t, 1, v(5, 8, 10).Compare(v(5, 8, 5)))
}

func TestGetCurrentVersion(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("kernel version is only available on Linux")
	}
	v, err := GetCurrentVersion()
	require.NoError(t, err)
	assert.Positive(t, v.Major)
	assert.NotEmpty(t, v.Raw)
}
