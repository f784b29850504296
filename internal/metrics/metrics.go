// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metrics exports capture counters over OpenTelemetry.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/antimetal/execmon"

	eventsMetric    = "execmon.exec.events"
	monitoredMetric = "execmon.monitored.pids"

	outcomeKey = attribute.Key("outcome")
)

// Counters are cumulative totals since start.
type Counters struct {
	// Published records reached the consumer.
	Published uint64
	// Dropped records were lost to a full ring.
	Dropped uint64
	// Filtered records matched the noise deny-list.
	Filtered uint64
	// Idle events came from the idle task and were ignored.
	Idle uint64
	// Malformed records were too short to decode.
	Malformed uint64
}

type Source interface {
	Counters() Counters
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Counters

func (f SourceFunc) Counters() Counters { return f() }

var (
	outcomePublished = metric.WithAttributes(outcomeKey.String("published"))
	outcomeDropped   = metric.WithAttributes(outcomeKey.String("dropped"))
	outcomeFiltered  = metric.WithAttributes(outcomeKey.String("filtered"))
	outcomeIdle      = metric.WithAttributes(outcomeKey.String("idle"))
	outcomeMalformed = metric.WithAttributes(outcomeKey.String("malformed"))
)

// Register creates the exec counters on meter, read from src at each
// collection. monitoredSize may be nil.
func Register(meter metric.Meter, src Source, monitoredSize func() int) (metric.Registration, error) {
	events, err := meter.Int64ObservableCounter(eventsMetric,
		metric.WithDescription("Exec syscall entries seen by the probe, by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", eventsMetric, err)
	}

	instruments := []metric.Observable{events}
	var monitored metric.Int64ObservableGauge
	if monitoredSize != nil {
		monitored, err = meter.Int64ObservableGauge(monitoredMetric,
			metric.WithDescription("PIDs in the monitored set"),
			metric.WithUnit("{pid}"),
		)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", monitoredMetric, err)
		}
		instruments = append(instruments, monitored)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		c := src.Counters()
		o.ObserveInt64(events, int64(c.Published), outcomePublished)
		o.ObserveInt64(events, int64(c.Dropped), outcomeDropped)
		o.ObserveInt64(events, int64(c.Filtered), outcomeFiltered)
		o.ObserveInt64(events, int64(c.Idle), outcomeIdle)
		o.ObserveInt64(events, int64(c.Malformed), outcomeMalformed)
		if monitored != nil {
			o.ObserveInt64(monitored, int64(monitoredSize()))
		}
		return nil
	}, instruments...)
}
