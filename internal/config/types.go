// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import "time"

// Config is the agent configuration file.
type Config struct {
	// BPFObjectPath is the compiled kernel program. Empty uses the
	// collector's default lookup.
	BPFObjectPath string `yaml:"bpfObjectPath"`
	// RingBufferSize is the events ring size in bytes.
	RingBufferSize uint32 `yaml:"ringBufferSize"`

	Noise      Noise      `yaml:"noise"`
	Monitored  Monitored  `yaml:"monitored"`
	Containers Containers `yaml:"containers"`
	Metrics    Metrics    `yaml:"metrics"`
	Log        Log        `yaml:"log"`
}

type Noise struct {
	// DenyPrefixes replaces the built-in deny-list when non-empty.
	DenyPrefixes []string `yaml:"denyPrefixes"`
}

type Monitored struct {
	// PIDFile is watched and reconciled into the monitored set.
	PIDFile string `yaml:"pidFile"`
	// PIDs are inserted once at start-up.
	PIDs []uint32 `yaml:"pids"`
}

// Containers controls labelling events with the container that owns their
// mount namespace.
type Containers struct {
	Resolve  bool          `yaml:"resolve"`
	ProcRoot string        `yaml:"procRoot"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

type Metrics struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval"`
}

type Log struct {
	Development bool `yaml:"development"`
	Verbosity   int  `yaml:"verbosity"`
}
