// Package eviction enforces the retention policy. Each cycle removes rollup
// buckets past their retention plus grace and deletes WAL segments whose
// newest reading is older than the raw retention.
//
// A cycle never takes engine-wide locks: the aggregator and the WAL lock one
// device (and granularity) at a time, so ingestion and queries of other
// devices proceed while a cycle runs. Failures are collected per device and
// retried on the next cycle.
package eviction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Recorder receives the outcome of every cycle. monitor.EvictionMonitor
// implements it.
type Recorder interface {
	RecordSuccess()
	RecordFailure(err error)
}

// Options configures a Manager.
type Options struct {
	Policy   Policy
	Interval time.Duration
	// Compact merges small WAL segments after deleting, when the backend
	// supports it.
	Compact bool

	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Recorder Recorder
	Now      func() time.Time
}

// Manager runs eviction cycles.
type Manager struct {
	wal  storage.WAL
	agg  *rollup.Aggregator
	opts Options

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a manager over wal and agg.
func NewManager(wal storage.WAL, agg *rollup.Aggregator, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		wal:     wal,
		agg:     agg,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  logging.OrNop(opts.Logger).With("component", "eviction"),
		now:     now,
	}
}

// Report summarizes one cycle.
type Report struct {
	Devices        int           `json:"devices"`
	HourBuckets    int           `json:"hour_buckets_evicted"`
	DayBuckets     int           `json:"day_buckets_evicted"`
	Segments       int           `json:"segments_deleted"`
	Readings       int           `json:"readings_deleted"`
	SegmentsMerged int           `json:"segments_merged"`
	FailedDevices  int           `json:"failed_devices"`
	Duration       time.Duration `json:"duration"`
}

// DeviceFailure is one failed step of a cycle.
type DeviceFailure struct {
	DeviceID string
	Step     string
	Err      error
}

// EvictionError collects the failures of one cycle. It matches
// telemetry.ErrEviction and every underlying error.
type EvictionError struct {
	Failures []DeviceFailure
}

func (e *EvictionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.DeviceID == "" {
			parts = append(parts, fmt.Sprintf("%s: %v", f.Step, f.Err))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s: %v", f.DeviceID, f.Step, f.Err))
	}
	return fmt.Sprintf("%v: %d failures: %s", telemetry.ErrEviction, len(e.Failures), strings.Join(parts, "; "))
}

func (e *EvictionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, telemetry.ErrEviction)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// RunCycle evicts every known device once. The returned error, if any, is an
// *EvictionError; the report covers the work that did succeed.
func (m *Manager) RunCycle(ctx context.Context) (Report, error) {
	start := m.now()
	var (
		report   Report
		failures []DeviceFailure
	)

	devices := m.agg.Devices()
	walDevices, err := m.wal.Devices(ctx)
	if err != nil {
		failures = append(failures, DeviceFailure{Step: "listing WAL devices", Err: err})
	}
	devices = mergeSorted(devices, walDevices)
	report.Devices = len(devices)

	rawCutoff := m.opts.Policy.RawCutoff(start)
	for _, id := range devices {
		if err := ctx.Err(); err != nil {
			failures = append(failures, DeviceFailure{Step: "cycle", Err: err})
			break
		}
		failures = append(failures, m.evictDevice(ctx, id, start, rawCutoff, &report)...)
	}

	report.Duration = m.now().Sub(start)
	if len(failures) == 0 {
		if m.opts.Recorder != nil {
			m.opts.Recorder.RecordSuccess()
		}
		m.logger.Info("eviction cycle completed",
			"devices", report.Devices,
			"hour_buckets", report.HourBuckets,
			"day_buckets", report.DayBuckets,
			"segments", report.Segments,
			"readings", report.Readings,
			"merged", report.SegmentsMerged,
			"duration", report.Duration.Round(time.Millisecond))
		return report, nil
	}

	evErr := &EvictionError{Failures: failures}
	failed := make(map[string]bool)
	for _, f := range failures {
		failed[f.DeviceID] = true
	}
	report.FailedDevices = len(failed)

	m.metrics.IncEvictionError()
	if m.opts.Recorder != nil {
		m.opts.Recorder.RecordFailure(evErr)
	}
	m.logger.Error("eviction cycle failed, will retry next cycle",
		"failures", len(failures), "error", evErr)
	return report, evErr
}

func (m *Manager) evictDevice(ctx context.Context, id string, now, rawCutoff time.Time, report *Report) []DeviceFailure {
	var failures []DeviceFailure

	for _, g := range rollup.Granularities {
		n, err := m.agg.Evict(ctx, id, g, m.opts.Policy.BucketCutoff(g, now))
		if n > 0 {
			m.metrics.AddBucketsEvicted(g.String(), n)
			if g == rollup.Hour {
				report.HourBuckets += n
			} else {
				report.DayBuckets += n
			}
		}
		if err != nil {
			failures = append(failures, DeviceFailure{DeviceID: id, Step: g.String() + " buckets", Err: err})
		}
	}

	res, err := m.wal.DeleteBefore(ctx, id, rawCutoff)
	if err != nil {
		// A failed delete leaves the WAL unchanged; skip compaction.
		return append(failures, DeviceFailure{DeviceID: id, Step: "wal segments", Err: err})
	}
	report.Segments += res.Segments
	report.Readings += res.Readings
	m.metrics.AddSegmentsEvicted(res.Segments)

	if !m.opts.Compact {
		return failures
	}
	if c, ok := m.wal.(storage.Compactor); ok {
		merged, err := c.Compact(ctx, id)
		if err != nil {
			return append(failures, DeviceFailure{DeviceID: id, Step: "compaction", Err: err})
		}
		report.SegmentsMerged += merged
	}
	return failures
}

// Run executes a cycle immediately and then every interval until ctx is
// done. Cycle errors are logged and recorded, never returned.
func (m *Manager) Run(ctx context.Context) {
	interval := m.opts.Interval
	if interval <= 0 {
		interval = config.DefaultEvictionInterval
	}

	m.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Manager) runOnce(ctx context.Context) {
	if _, err := m.RunCycle(ctx); err != nil && errors.Is(err, context.Canceled) {
		m.logger.Debug("eviction cycle interrupted by shutdown")
	}
}

// mergeSorted returns the sorted union of a and b.
func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}
