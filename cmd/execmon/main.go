// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/antimetal/execmon/internal/config"
	"github.com/antimetal/execmon/internal/controlplane"
	"github.com/antimetal/execmon/internal/metrics"
	"github.com/antimetal/execmon/pkg/capabilities"
	"github.com/antimetal/execmon/pkg/collector/execmon"
	"github.com/antimetal/execmon/pkg/containers"
)

var version = "dev"

const (
	startAttempts   = 5
	startMaxBackoff = 5 * time.Second
)

var setupLog logr.Logger

func main() {
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.FromFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to load config: %v\n", err)
		os.Exit(2)
	}

	logger, sync, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to create logger: %v\n", err)
		os.Exit(1)
	}
	defer sync()
	setupLog = logger.WithName("setup")

	if err := run(logger, cfg); err != nil {
		setupLog.Error(err, "execmon failed")
		sync()
		os.Exit(1)
	}
}

func run(logger logr.Logger, cfg config.Config) error {
	caps, err := capabilities.Effective()
	if err != nil {
		return fmt.Errorf("reading capabilities: %w", err)
	}
	if ok, missing := capabilities.CanTrace(caps); !ok {
		return fmt.Errorf("insufficient capabilities: missing %v (have %s)", missing, caps)
	}

	deny, err := cfg.DenyList()
	if err != nil {
		return err
	}

	c, err := execmon.New(logger, execmon.Config{
		BPFObjectPath:  cfg.BPFObjectPath,
		RingBufferSize: cfg.RingBufferSize,
		DenyList:       deny,
		SkipSelf:       true,
	})
	if err != nil {
		return fmt.Errorf("creating collector: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var resolver containerResolver
	if cfg.Containers.Resolve {
		r, err := containers.NewResolver(cfg.Containers.ProcRoot, cfg.Containers.CacheTTL)
		if err != nil {
			setupLog.Error(err, "container resolution disabled")
		} else {
			resolver = r
		}
	}
	receiver := newPrintReceiver(os.Stdout, resolver)
	if err := startWithRetry(ctx, c, receiver); err != nil {
		return err
	}
	defer func() {
		if err := c.Stop(); err != nil && !errors.Is(err, execmon.ErrNotRunning) {
			setupLog.Error(err, "unable to stop collector")
		}
	}()

	set, err := c.Monitored()
	if err != nil {
		return err
	}
	rec := controlplane.NewReconciler(set, cfg.Monitored.PIDs, logger.WithName("controlplane"))
	if cfg.Monitored.PIDFile != "" {
		w, err := controlplane.NewWatcher(cfg.Monitored.PIDFile, rec, logger)
		if err != nil {
			return fmt.Errorf("watching PID file: %w", err)
		}
		defer w.Close()
	} else if err := rec.Apply(nil); err != nil {
		setupLog.Error(err, "monitored set partially applied")
	}

	if cfg.Metrics.Enabled {
		exporter, err := metrics.NewExporter(ctx, metrics.Config{
			Endpoint: cfg.Metrics.Endpoint,
			Insecure: cfg.Metrics.Insecure,
			Interval: cfg.Metrics.Interval,
			Version:  version,
		}, logger)
		if err != nil {
			return fmt.Errorf("creating metrics exporter: %w", err)
		}
		defer func() {
			if err := exporter.Shutdown(context.Background()); err != nil {
				setupLog.Error(err, "unable to shut down metrics exporter")
			}
		}()

		src := metrics.SourceFunc(func() metrics.Counters { return counters(c.Stats()) })
		reg, err := metrics.Register(exporter.Meter(), src, func() int { return len(rec.Applied()) })
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		defer reg.Unregister()
		setupLog.Info("Metrics export enabled", "endpoint", cfg.Metrics.Endpoint)
	}

	setupLog.Info("Tracing process executions", "version", version)
	<-ctx.Done()

	s := c.Stats()
	setupLog.Info("Stopping", "printed", receiver.Count(), "received", s.Received, "dropped", s.Dropped, "filtered", s.Filtered)
	return nil
}

// classifyStartError marks errors that retrying cannot fix as permanent.
func classifyStartError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, execmon.ErrUnsupportedKernel), errors.Is(err, execmon.ErrAlreadyRunning):
		return backoff.Permanent(err)
	default:
		return err
	}
}

func counters(s execmon.Stats) metrics.Counters {
	return metrics.Counters{
		Published: s.Received,
		Dropped:   s.Dropped,
		Filtered:  s.Filtered,
		Idle:      s.Idle,
		Malformed: s.Malformed,
	}
}

// startWithRetry retries transient load failures. Missing kernel support is
// permanent.
func startWithRetry(ctx context.Context, c *execmon.Collector, receiver *printReceiver) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = startMaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, classifyStartError(c.Start(ctx, receiver))
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(startAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			setupLog.Error(err, "unable to start collector, retrying", "in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("starting collector: %w", err)
	}
	return nil
}
