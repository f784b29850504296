// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultTimeout = 10 * time.Second
	serviceName    = "execmon"
)

type Config struct {
	Endpoint string
	Insecure bool
	Interval time.Duration
	Version  string
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	return nil
}

// Exporter owns the meter provider pushing to an OTLP gRPC collector.
type Exporter struct {
	provider *metricSDK.MeterProvider
	logger   logr.Logger
}

func NewExporter(ctx context.Context, cfg Config, logger logr.Logger) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTimeout(defaultTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	reader := metricSDK.NewPeriodicReader(exporter, metricSDK.WithInterval(cfg.Interval))
	return newExporter(reader, cfg.Version, logger), nil
}

func newExporter(reader metricSDK.Reader, version string, logger logr.Logger) *Exporter {
	res := resource.NewWithAttributes(
		"",
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
		attribute.String("antimetal", "true"),
	)
	provider := metricSDK.NewMeterProvider(
		metricSDK.WithReader(reader),
		metricSDK.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return &Exporter{provider: provider, logger: logger.WithName("metrics")}
}

func (e *Exporter) Meter() metric.Meter {
	return e.provider.Meter(meterName)
}

// Shutdown flushes pending data and stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := e.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down meter provider: %w", err)
	}
	e.logger.Info("Metrics exporter stopped")
	return nil
}
