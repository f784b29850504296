// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads and validates the agent's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antimetal/execmon/pkg/monitored"
	"github.com/antimetal/execmon/pkg/noise"
)

const (
	DefaultRingBufferSize  = 65536
	DefaultMetricsEndpoint = "localhost:4317"
	DefaultMetricsInterval = 30 * time.Second
	DefaultProcRoot        = "/proc"
	DefaultContainerTTL    = 30 * time.Second
)

var ErrInvalid = errors.New("invalid config")

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		RingBufferSize: DefaultRingBufferSize,
		Noise: Noise{
			DenyPrefixes: append([]string(nil), noise.DefaultPrefixes...),
		},
		Containers: Containers{
			Resolve:  true,
			ProcRoot: DefaultProcRoot,
			CacheTTL: DefaultContainerTTL,
		},
		Metrics: Metrics{
			Endpoint: DefaultMetricsEndpoint,
			Interval: DefaultMetricsInterval,
		},
	}
}

// LoadFile reads path over the defaults. Fields absent from the file keep
// their default values.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if size := c.RingBufferSize; size < 4096 || size&(size-1) != 0 {
		errs = append(errs, fmt.Errorf("ringBufferSize %d must be a power of two >= 4096", size))
	}
	if _, err := c.DenyList(); err != nil {
		errs = append(errs, fmt.Errorf("noise.denyPrefixes: %w", err))
	}
	if n := len(c.Monitored.PIDs); n > monitored.Capacity {
		errs = append(errs, fmt.Errorf("monitored.pids has %d entries, capacity is %d", n, monitored.Capacity))
	}
	for _, pid := range c.Monitored.PIDs {
		if pid == 0 {
			errs = append(errs, errors.New("monitored.pids must not contain 0"))
			break
		}
	}
	if c.Containers.Resolve {
		if c.Containers.ProcRoot == "" {
			errs = append(errs, errors.New("containers.procRoot is required when resolving containers"))
		}
		if c.Containers.CacheTTL <= 0 {
			errs = append(errs, fmt.Errorf("containers.cacheTTL %s must be positive", c.Containers.CacheTTL))
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Endpoint == "" {
			errs = append(errs, errors.New("metrics.endpoint is required when metrics are enabled"))
		}
		if c.Metrics.Interval <= 0 {
			errs = append(errs, fmt.Errorf("metrics.interval %s must be positive", c.Metrics.Interval))
		}
	}
	if c.Log.Verbosity < 0 {
		errs = append(errs, fmt.Errorf("log.verbosity %d must not be negative", c.Log.Verbosity))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// DenyList builds the noise deny-list. An empty list means the built-in one.
func (c *Config) DenyList() (*noise.DenyList, error) {
	if len(c.Noise.DenyPrefixes) == 0 {
		return noise.Default(), nil
	}
	return noise.NewDenyList(c.Noise.DenyPrefixes)
}

// Encode writes c as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
