// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt
package config

import (
	"flag"
	"fmt"
	"math"
)

var (
	configPath     string
	bpfObjectPath  string
	ringBufferSize uint
	pidFile        string
	metricsAddr    string
)

func init() {
	flag.StringVar(&configPath, "config", "",
		"Path to the YAML config file. Built-in defaults are used when empty")
	flag.StringVar(&bpfObjectPath, "bpf-path", "",
		"Path to execmon.bpf.o (overrides bpfObjectPath)")
	flag.UintVar(&ringBufferSize, "ring-buffer-size", 0,
		"Events ring buffer size in bytes (overrides ringBufferSize)")
	flag.StringVar(&pidFile, "pid-file", "",
		"Monitored PID list file to watch (overrides monitored.pidFile)")
	flag.StringVar(&metricsAddr, "metrics-endpoint", "",
		"OTLP gRPC endpoint; enables metrics export (overrides metrics.endpoint)")
}

// FromFlags loads the file named by -config, if any, and applies the other
// command line overrides. Call after flag.Parse.
func FromFlags() (Config, error) {
	cfg := Default()
	if configPath != "" {
		var err error
		if cfg, err = LoadFile(configPath); err != nil {
			return Config{}, err
		}
	}

	if bpfObjectPath != "" {
		cfg.BPFObjectPath = bpfObjectPath
	}
	if ringBufferSize > math.MaxUint32 {
		return Config{}, fmt.Errorf("%w: -ring-buffer-size %d exceeds %d", ErrInvalid, ringBufferSize, uint32(math.MaxUint32))
	}
	if ringBufferSize != 0 {
		cfg.RingBufferSize = uint32(ringBufferSize)
	}
	if pidFile != "" {
		cfg.Monitored.PIDFile = pidFile
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Endpoint = metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
