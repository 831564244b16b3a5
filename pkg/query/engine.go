// Package query answers KPI, series and latest-reading questions for one
// device at a time.
//
// A KPI over [start, end) is assembled from the coarsest data that covers
// each part of the range exactly: whole UTC days come from day buckets, the
// remaining whole hours from hour buckets, and the unaligned edges from raw
// WAL readings. Averages are weighted by reading count, so the result equals
// a scan of every raw reading in the range.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Options configures an Engine.
type Options struct {
	// Timeout bounds every operation. Zero uses the default.
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Engine runs read-only queries against the aggregator and the WAL.
type Engine struct {
	wal     storage.WAL
	agg     *rollup.Aggregator
	timeout time.Duration
	metrics *metrics.Metrics
}

// New creates a query engine.
func New(wal storage.WAL, agg *rollup.Aggregator, opts Options) *Engine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.DefaultQueryTimeout
	}
	return &Engine{wal: wal, agg: agg, timeout: timeout, metrics: opts.Metrics}
}

// source is where one part of a KPI range is read from.
type source int

const (
	fromRaw source = iota
	fromHours
	fromDays
)

type part struct {
	src source
	TimeRange
}

// decompose splits tr into raw edges, whole hours and whole days.
func decompose(tr TimeRange) []part {
	a, b := rollup.Hour.Ceil(tr.Start), rollup.Hour.Floor(tr.End)
	if !a.Before(b) {
		return []part{{fromRaw, tr}}
	}

	var parts []part
	add := func(src source, from, to time.Time) {
		if from.Before(to) {
			parts = append(parts, part{src, TimeRange{Start: from, End: to}})
		}
	}

	add(fromRaw, tr.Start, a)
	da, db := rollup.Day.Ceil(a), rollup.Day.Floor(b)
	if da.Before(db) {
		add(fromHours, a, da)
		add(fromDays, da, db)
		add(fromHours, db, b)
	} else {
		add(fromHours, a, b)
	}
	add(fromRaw, b, tr.End)
	return parts
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// classify maps context expiry to ErrTimeout and leaves other errors alone.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, telemetry.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", telemetry.ErrTimeout, op)
	}
	return err
}

// known reports whether the device has ever been seen.
func (e *Engine) known(ctx context.Context, deviceID string) (bool, error) {
	if e.agg.HasDevice(deviceID) {
		return true, nil
	}
	recs, err := e.wal.Tail(ctx, deviceID, 1)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

func (e *Engine) requireDevice(ctx context.Context, deviceID string) error {
	ok, err := e.known(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: device %q", telemetry.ErrNotFound, deviceID)
	}
	return nil
}

// KPISnapshot summarizes the device over tr. A range with no readings yields
// a KPI with NoData set; an unknown device yields ErrNotFound.
func (e *Engine) KPISnapshot(ctx context.Context, deviceID string, tr TimeRange) (kpi KPI, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery("kpi", time.Since(start), err) }()

	if err := tr.Validate(); err != nil {
		return KPI{}, err
	}
	tr = tr.utc()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := e.requireDevice(ctx, deviceID); err != nil {
		return KPI{}, classify(ctx, "kpi", err)
	}

	var acc accumulator
	for _, p := range decompose(tr) {
		if err := ctx.Err(); err != nil {
			return KPI{}, classify(ctx, "kpi", err)
		}
		switch p.src {
		case fromDays:
			for _, v := range e.agg.Range(deviceID, rollup.Day, p.Start, p.End) {
				acc.addView(v)
			}
		case fromHours:
			for _, v := range e.agg.Range(deviceID, rollup.Hour, p.Start, p.End) {
				acc.addView(v)
			}
		case fromRaw:
			for rec, err := range e.wal.ReadRange(ctx, deviceID, p.Start, p.End) {
				if err != nil {
					return KPI{}, classify(ctx, "kpi", err)
				}
				acc.addReading(rec.Reading)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return KPI{}, classify(ctx, "kpi", err)
	}
	return acc.kpi(deviceID, tr), nil
}

// Series returns the device's non-empty g buckets overlapping tr, ascending
// by start. It is empty, not nil, when the range holds no data.
func (e *Engine) Series(ctx context.Context, deviceID string, g rollup.Granularity, tr TimeRange) (views []rollup.BucketView, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery("series", time.Since(start), err) }()

	if err := tr.Validate(); err != nil {
		return nil, err
	}
	tr = tr.utc()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := e.requireDevice(ctx, deviceID); err != nil {
		return nil, classify(ctx, "series", err)
	}
	views = e.agg.Range(deviceID, g, tr.Start, tr.End)
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, "series", err)
	}
	if views == nil {
		views = []rollup.BucketView{}
	}
	return views, nil
}

// Latest returns up to limit of the device's newest readings, newest first.
// A non-positive limit uses the default; limits above the maximum are
// clamped.
func (e *Engine) Latest(ctx context.Context, deviceID string, limit int) (readings []storage.Record, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery("latest", time.Since(start), err) }()

	switch {
	case limit <= 0:
		limit = config.DefaultLatestLimit
	case limit > config.MaxLatestLimit:
		limit = config.MaxLatestLimit
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	recs, err := e.wal.Tail(ctx, deviceID, limit)
	if err != nil {
		return nil, classify(ctx, "latest", err)
	}
	if len(recs) == 0 && !e.agg.HasDevice(deviceID) {
		return nil, fmt.Errorf("%w: device %q", telemetry.ErrNotFound, deviceID)
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	return recs, nil
}

// Devices lists every device with rollup state or a WAL log, sorted.
func (e *Engine) Devices(ctx context.Context) (ids []string, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery("devices", time.Since(start), err) }()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	walIDs, err := e.wal.Devices(ctx)
	if err != nil {
		return nil, classify(ctx, "devices", err)
	}
	return mergeSorted(e.agg.Devices(), walIDs), nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}
