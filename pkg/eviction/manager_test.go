package eviction

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/storage/memory"
	"github.com/nicktill/meterflow/pkg/storage/storagetest"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

type recorder struct {
	mu        sync.Mutex
	successes int
	failures  []error
}

func (r *recorder) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *recorder) RecordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes, len(r.failures)
}

// failingWAL fails DeleteBefore for one device.
type failingWAL struct {
	storage.WAL
	device string
}

func (w *failingWAL) DeleteBefore(ctx context.Context, deviceID string, cutoff time.Time) (storage.DeleteResult, error) {
	if deviceID == w.device {
		return storage.DeleteResult{}, fmt.Errorf("%w: injected", telemetry.ErrStorage)
	}
	return w.WAL.DeleteBefore(ctx, deviceID, cutoff)
}

func ingest(t *testing.T, wal storage.WAL, agg *rollup.Aggregator, r telemetry.Reading) {
	t.Helper()
	off, err := wal.Append(context.Background(), r)
	require.NoError(t, err)
	agg.Update(storage.Record{Reading: r, Offset: off})
}

func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 1, hh, mm, 0, 0, time.UTC)
}

func TestPolicy_Cutoffs(t *testing.T) {
	p := Policy{Raw: 14 * 24 * time.Hour, Hour: 30 * 24 * time.Hour, Day: 365 * 24 * time.Hour, Grace: time.Hour}
	now := at(12, 0)

	require.Equal(t, now.Add(-30*24*time.Hour-time.Hour), p.BucketCutoff(rollup.Hour, now))
	require.Equal(t, now.Add(-365*24*time.Hour-time.Hour), p.BucketCutoff(rollup.Day, now))
	require.Equal(t, now.Add(-14*24*time.Hour), p.RawCutoff(now))
}

func TestManager_LateReadingAfterEviction(t *testing.T) {
	m := metrics.New(nil)
	wal := memory.New(storage.DefaultSegmentPolicy())
	agg := rollup.New(rollup.Options{Metrics: m})

	r := storagetest.Reading("M1", 0, 1)
	r.Timestamp = at(9, 10)
	ingest(t, wal, agg, r)
	r.Timestamp = at(10, 5)
	ingest(t, wal, agg, r)

	mgr := NewManager(wal, agg, Options{
		Policy:  Policy{Raw: 24 * time.Hour, Hour: time.Hour, Day: 48 * time.Hour, Grace: time.Hour},
		Metrics: m,
		Now:     func() time.Time { return at(12, 30) },
	})
	report, err := mgr.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.HourBuckets)
	require.Zero(t, report.DayBuckets)
	require.Equal(t, 1.0, testutil.ToFloat64(m.BucketsEvicted("hour")))

	_, err = agg.Snapshot("M1", rollup.Hour, at(9, 0))
	require.ErrorIs(t, err, telemetry.ErrNotFound)
	_, err = agg.Snapshot("M1", rollup.Hour, at(10, 0))
	require.NoError(t, err)

	// A late reading for the evicted hour is a no-op for that bucket and is
	// counted; the day bucket still takes it.
	late := r
	late.Timestamp = at(9, 30)
	res := agg.Update(storage.Record{Reading: late, Offset: 99})
	require.Equal(t, []rollup.Granularity{rollup.Hour}, res.Dropped)
	require.Equal(t, 1.0, testutil.ToFloat64(m.LateUpdatesDropped("hour")))

	_, err = agg.Snapshot("M1", rollup.Hour, at(9, 0))
	require.ErrorIs(t, err, telemetry.ErrNotFound)
	day, err := agg.Snapshot("M1", rollup.Day, at(0, 0))
	require.NoError(t, err)
	require.Equal(t, int64(3), day.Count)
}

func TestManager_NeverEvictsWithinGrace(t *testing.T) {
	const grace = 45 * time.Minute
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 20; trial++ {
		wal := memory.New(storage.DefaultSegmentPolicy())
		agg := rollup.New(rollup.Options{})

		base := at(0, 0)
		starts := make(map[time.Time]bool)
		for i := 0; i < 40; i++ {
			r := storagetest.Reading("M1", 0, 1)
			r.Timestamp = base.Add(time.Duration(rng.Intn(48*60)) * time.Minute)
			ingest(t, wal, agg, r)
			starts[rollup.Hour.Floor(r.Timestamp)] = true
		}

		now := base.Add(time.Duration(rng.Intn(50*60)) * time.Minute)
		mgr := NewManager(wal, agg, Options{
			Policy: Policy{Raw: 30 * 24 * time.Hour, Hour: 0, Day: 30 * 24 * time.Hour, Grace: grace},
			Now:    func() time.Time { return now },
		})
		_, err := mgr.RunCycle(context.Background())
		require.NoError(t, err)

		for start := range starts {
			_, err := agg.Snapshot("M1", rollup.Hour, start)
			expired := start.Add(time.Hour + grace).Before(now)
			if expired {
				require.ErrorIs(t, err, telemetry.ErrNotFound, "trial %d: %s should be evicted at %s", trial, start, now)
			} else {
				require.NoError(t, err, "trial %d: %s must survive at %s", trial, start, now)
			}
		}
	}
}

func TestManager_DeletesExpiredSegments(t *testing.T) {
	wal := memory.New(storage.SegmentPolicy{MaxReadings: 2, MaxDuration: 24 * time.Hour})
	agg := rollup.New(rollup.Options{})

	for i := 0; i < 6; i++ {
		r := storagetest.Reading("M1", time.Duration(i)*time.Hour, 1)
		ingest(t, wal, agg, r)
	}

	mgr := NewManager(wal, agg, Options{
		Policy: Policy{Raw: 2 * time.Hour, Hour: 30 * 24 * time.Hour, Day: 30 * 24 * time.Hour},
		// Raw cutoff lands at Base+4h: two full segments are older.
		Now: func() time.Time { return storagetest.Base.Add(6 * time.Hour) },
	})
	report, err := mgr.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Segments)
	require.Equal(t, 4, report.Readings)

	left := storagetest.Collect(t, wal.ReadRange(context.Background(), "M1", storage.MinTime, storage.MaxTime))
	require.Len(t, left, 2)

	// Rollups are independent of raw retention.
	v, err := agg.Snapshot("M1", rollup.Hour, storagetest.Base)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Count)
}

func TestManager_FailuresAreCollectedPerDevice(t *testing.T) {
	m := metrics.New(nil)
	inner := memory.New(storage.SegmentPolicy{MaxReadings: 1, MaxDuration: time.Hour})
	wal := &failingWAL{WAL: inner, device: "BAD"}
	agg := rollup.New(rollup.Options{})
	rec := &recorder{}

	for _, id := range []string{"BAD", "M1"} {
		ingest(t, wal, agg, storagetest.Reading(id, 0, 1))
		ingest(t, wal, agg, storagetest.Reading(id, time.Hour, 1))
	}

	mgr := NewManager(wal, agg, Options{
		Policy:   Policy{Raw: time.Minute, Hour: 30 * 24 * time.Hour, Day: 30 * 24 * time.Hour},
		Metrics:  m,
		Recorder: rec,
		Now:      func() time.Time { return storagetest.Base.Add(3 * time.Hour) },
	})
	report, err := mgr.RunCycle(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, telemetry.ErrEviction))
	require.True(t, errors.Is(err, telemetry.ErrStorage))

	var evErr *EvictionError
	require.True(t, errors.As(err, &evErr))
	require.Len(t, evErr.Failures, 1)
	require.Equal(t, "BAD", evErr.Failures[0].DeviceID)

	// The healthy device was still processed.
	require.Equal(t, 2, report.Segments)
	require.Equal(t, 1, report.FailedDevices)

	succ, fail := rec.counts()
	require.Zero(t, succ)
	require.Equal(t, 1, fail)

	// The next cycle retries; once the fault clears it succeeds.
	wal.device = ""
	_, err = mgr.RunCycle(context.Background())
	require.NoError(t, err)
	succ, _ = rec.counts()
	require.Equal(t, 1, succ)
}

// compactingWAL counts Compact calls and reports a fixed merge count.
type compactingWAL struct {
	*memory.Storage
	calls  map[string]int
	merged int
}

func (w *compactingWAL) Compact(_ context.Context, deviceID string) (int, error) {
	w.calls[deviceID]++
	return w.merged, nil
}

func TestManager_Compaction(t *testing.T) {
	tests := []struct {
		name       string
		compact    bool
		wantCalls  int
		wantMerged int
	}{
		{name: "disabled", compact: false},
		{name: "enabled", compact: true, wantCalls: 1, wantMerged: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wal := &compactingWAL{Storage: memory.New(storage.DefaultSegmentPolicy()), calls: map[string]int{}, merged: 3}
			agg := rollup.New(rollup.Options{})
			ingest(t, wal, agg, storagetest.Reading("M1", 0, 1))

			mgr := NewManager(wal, agg, Options{
				Policy:  Policy{Raw: 24 * time.Hour, Hour: 24 * time.Hour, Day: 24 * time.Hour},
				Compact: tt.compact,
				Now:     func() time.Time { return storagetest.Base.Add(time.Hour) },
			})
			report, err := mgr.RunCycle(context.Background())
			require.NoError(t, err)
			require.Equal(t, tt.wantCalls, wal.calls["M1"])
			require.Equal(t, tt.wantMerged, report.SegmentsMerged)
		})
	}
}

func TestManager_RunStartsWithACycle(t *testing.T) {
	wal := memory.New(storage.DefaultSegmentPolicy())
	agg := rollup.New(rollup.Options{})
	rec := &recorder{}

	mgr := NewManager(wal, agg, Options{
		Policy:   Policy{Raw: time.Hour, Hour: time.Hour, Day: time.Hour},
		Interval: time.Hour,
		Recorder: rec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		succ, _ := rec.counts()
		return succ == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
