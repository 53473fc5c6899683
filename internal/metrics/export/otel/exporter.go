// Package otel exposes the authentication counters as OpenTelemetry
// observable instruments. The caller owns the MeterProvider; a single
// registered callback reads a counter snapshot on each collection cycle.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type snapshotSource interface {
	Snapshot() map[string]uint64
}

type droppedSource interface {
	Dropped() uint64
}

type observedCounter struct {
	name       string
	instrument metric.Int64ObservableCounter
}

type Exporter struct {
	source       snapshotSource
	audit        droppedSource
	registration metric.Registration
	counters     []observedCounter
	auditDropped metric.Int64ObservableCounter
}

// NewExporter registers one Int64ObservableCounter per counter in the
// source's snapshot. audit may be nil when no dispatcher is running.
func NewExporter(meter metric.Meter, source snapshotSource, audit droppedSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	snapshot := source.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	exporter := &Exporter{
		source:   source,
		audit:    audit,
		counters: make([]observedCounter, 0, len(names)),
	}
	observables := make([]metric.Observable, 0, len(names)+1)

	for _, name := range names {
		ins, err := meter.Int64ObservableCounter(
			"twogate_"+name+"_total",
			metric.WithDescription("Cumulative count of "+name+" events."),
		)
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{name: name, instrument: ins})
		observables = append(observables, ins)
	}

	if audit != nil {
		auditDropped, err := meter.Int64ObservableCounter(
			"twogate_audit_dropped_total",
			metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
		)
		if err != nil {
			return nil, fmt.Errorf("create audit dropped counter: %w", err)
		}
		exporter.auditDropped = auditDropped
		observables = append(observables, auditDropped)
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		current := exporter.source.Snapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(current[c.name]))
		}
		if exporter.auditDropped != nil {
			observer.ObserveInt64(exporter.auditDropped, int64(exporter.audit.Dropped()))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
