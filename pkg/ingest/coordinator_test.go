package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/storage/memory"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// scriptedWAL wraps a real WAL and lets tests fail, block or panic appends.
type scriptedWAL struct {
	storage.WAL

	failures atomic.Int32  // appends left to fail
	entered  chan struct{} // signalled when an append starts, if set
	release  chan struct{} // appends wait on it, if set
	panicFor string        // device whose appends panic
	calls    atomic.Int32
}

func (w *scriptedWAL) Append(ctx context.Context, r telemetry.Reading) (storage.Offset, error) {
	w.calls.Add(1)
	if r.DeviceID == w.panicFor {
		panic("disk on fire")
	}
	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.release != nil {
		<-w.release
	}
	if w.failures.Add(-1) >= 0 {
		return 0, fmt.Errorf("%w: injected", telemetry.ErrStorage)
	}
	return w.WAL.Append(ctx, r)
}

type harness struct {
	coord *Coordinator
	wal   *scriptedWAL
	agg   *rollup.Aggregator
	m     *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	m := metrics.New(nil)
	wal := &scriptedWAL{WAL: memory.New(storage.DefaultSegmentPolicy())}
	agg := rollup.New(rollup.Options{Metrics: m})

	limits := LimitsFrom(config.Default().Ingest)
	limits.MaxPastSkew = 2 * time.Hour
	v := NewValidator(limits, func() time.Time { return testNow })

	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	coord := NewCoordinator(cfg, v, wal, agg, m, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	})
	return &harness{coord: coord, wal: wal, agg: agg, m: m}
}

func reading(device string, ts time.Time, power float64) telemetry.RawReading {
	raw := validRaw(ts)
	raw.DeviceID = &device
	raw.Power = &power
	return raw
}

var hour10 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestCoordinator_HourBucketEndToEnd(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	for _, in := range []struct {
		offset time.Duration
		power  float64
	}{{0, 2}, {15 * time.Minute, 3}, {45 * time.Minute, 4}} {
		res, err := h.coord.Submit(ctx, reading("M1", hour10.Add(in.offset), in.power), Options{})
		require.NoError(t, err)
		require.Positive(t, res.Offset)
		require.Empty(t, res.Dropped)
	}

	v, err := h.agg.Snapshot("M1", rollup.Hour, hour10)
	require.NoError(t, err)
	power := v.Stat(telemetry.FieldPower)
	require.Equal(t, int64(3), v.Count)
	require.Equal(t, 9.0, power.Sum)
	require.Equal(t, 4.0, power.Max)
	require.Equal(t, 2.0, power.Min)
	require.Equal(t, 3.0, testutil.ToFloat64(h.m.ReadingsAccepted()))
}

func TestCoordinator_RejectedReadingLeavesNoTrace(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	raw := reading("M1", hour10, 2)
	voltage := -5.0
	raw.Voltage = &voltage

	_, err := h.coord.Submit(ctx, raw, Options{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, ReasonOutOfRange, verr.Reason)

	devices, err := h.wal.Devices(ctx)
	require.NoError(t, err)
	require.Empty(t, devices, "no WAL entry")
	require.False(t, h.agg.HasDevice("M1"), "no bucket")
	require.Zero(t, h.wal.calls.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(h.m.ReadingsRejected(string(ReasonOutOfRange))))
}

func TestCoordinator_FutureTimestampRejected(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.coord.Submit(context.Background(), reading("M1", testNow.Add(20*time.Minute), 2), Options{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, ReasonFutureTimestamp, verr.Reason)
}

func TestCoordinator_Backpressure(t *testing.T) {
	h := newHarness(t, Config{MaxQueueDepth: 2})
	h.wal.entered = make(chan struct{}, 16)
	h.wal.release = make(chan struct{})

	// The first reading is taken by the worker and blocks inside Append.
	require.NoError(t, h.coord.Enqueue(reading("M1", hour10, 1), Options{}))
	<-h.wal.entered

	require.NoError(t, h.coord.Enqueue(reading("M1", hour10.Add(time.Minute), 1), Options{}))
	require.NoError(t, h.coord.Enqueue(reading("M1", hour10.Add(2*time.Minute), 1), Options{}))
	require.Equal(t, 2, h.coord.QueueDepth("M1"))

	err := h.coord.Enqueue(reading("M1", hour10.Add(3*time.Minute), 1), Options{})
	var oerr *OverloadError
	require.True(t, errors.As(err, &oerr))
	require.True(t, errors.Is(err, telemetry.ErrOverload))
	require.Equal(t, 2, oerr.Max)
	require.LessOrEqual(t, h.coord.QueueDepth("M1"), 2)

	// Other devices are unaffected by the full queue.
	require.NoError(t, h.coord.Enqueue(reading("M2", hour10, 1), Options{}))
	<-h.wal.entered

	close(h.wal.release)
	require.Eventually(t, func() bool {
		return h.agg.AppliedOffset("M1") == 3 && h.agg.HasDevice("M2")
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(h.m.Overloads()))
}

func TestCoordinator_StorageRetries(t *testing.T) {
	tests := []struct {
		name     string
		retries  int
		failures int32
		wantErr  bool
	}{
		{"succeeds first time", 3, 0, false},
		{"recovers after retries", 3, 2, false},
		{"exhausts retries", 2, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{StorageRetries: tt.retries})
			h.wal.failures.Store(tt.failures)

			_, err := h.coord.Submit(context.Background(), reading("M1", hour10, 2), Options{})
			if !tt.wantErr {
				require.NoError(t, err)
				require.True(t, h.agg.HasDevice("M1"))
				return
			}
			require.ErrorIs(t, err, telemetry.ErrStorage)
			require.Equal(t, int32(tt.retries+1), h.wal.calls.Load())
			require.False(t, h.agg.HasDevice("M1"), "rollups only follow successful appends")
		})
	}
}

func TestCoordinator_PanicIsolatedToDevice(t *testing.T) {
	h := newHarness(t, Config{})
	h.wal.panicFor = "BAD"
	ctx := context.Background()

	_, err := h.coord.Submit(ctx, reading("BAD", hour10, 1), Options{})
	require.ErrorIs(t, err, telemetry.ErrStorage)

	_, err = h.coord.Submit(ctx, reading("M1", hour10, 1), Options{})
	require.NoError(t, err)

	// The panicking device keeps working for later readings once fixed.
	h.wal.panicFor = ""
	_, err = h.coord.Submit(ctx, reading("BAD", hour10.Add(time.Minute), 1), Options{})
	require.NoError(t, err)
}

func TestCoordinator_IdleWorkersRetire(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := h.coord.Submit(ctx, reading("M1", hour10, 1), Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.coord.Stats().ActiveQueues == 0 },
		time.Second, 5*time.Millisecond)

	res, err := h.coord.Submit(ctx, reading("M1", hour10.Add(time.Minute), 1), Options{})
	require.NoError(t, err)
	require.Equal(t, storage.Offset(2), res.Offset)
}

func TestCoordinator_ConcurrentDevicesKeepOrder(t *testing.T) {
	h := newHarness(t, Config{MaxQueueDepth: 64, IdleTimeout: time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			var last storage.Offset
			for i := 0; i < 50; i++ {
				res, err := h.coord.Submit(ctx, reading(id, hour10.Add(time.Duration(i)*time.Second), 1), Options{})
				if !assertNoError(t, err) {
					return
				}
				if res.Offset <= last {
					t.Errorf("device %s: offset %d after %d", id, res.Offset, last)
				}
				last = res.Offset
			}
		}(fmt.Sprintf("M%d", d))
	}
	wg.Wait()

	require.Len(t, h.agg.Devices(), 8)
	for _, id := range h.agg.Devices() {
		v, err := h.agg.Snapshot(id, rollup.Hour, hour10)
		require.NoError(t, err)
		require.Equal(t, int64(50), v.Count)
	}
}

func assertNoError(t *testing.T, err error) bool {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		return false
	}
	return true
}

func TestCoordinator_CloseDrainsQueues(t *testing.T) {
	h := newHarness(t, Config{MaxQueueDepth: 100})
	h.wal.release = make(chan struct{})

	for i := 0; i < 10; i++ {
		require.NoError(t, h.coord.Enqueue(reading("M1", hour10.Add(time.Duration(i)*time.Minute), 1), Options{}))
	}

	closed := make(chan error, 1)
	go func() { closed <- h.coord.Close(context.Background()) }()
	close(h.wal.release)
	require.NoError(t, <-closed)

	v, err := h.agg.Snapshot("M1", rollup.Hour, hour10)
	require.NoError(t, err)
	require.Equal(t, int64(10), v.Count)

	_, err = h.coord.Submit(context.Background(), reading("M1", hour10, 1), Options{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCoordinator_ObserversSeeAcceptedReadings(t *testing.T) {
	h := newHarness(t, Config{})
	var seen atomic.Int32
	h.coord.AddObserver(func(res Result) {
		if res.Reading.DeviceID == "M1" {
			seen.Add(1)
		}
	})

	_, err := h.coord.Submit(context.Background(), reading("M1", hour10, 1), Options{})
	require.NoError(t, err)
	raw := reading("M1", hour10, 1)
	raw.Energy = nil
	_, err = h.coord.Submit(context.Background(), raw, Options{})
	require.Error(t, err)

	require.Equal(t, int32(1), seen.Load())
}

func TestCoordinator_SubmitBatchKeepsInputOrder(t *testing.T) {
	h := newHarness(t, Config{})
	bad := reading("M2", hour10, 1)
	bad.Frequency = nil

	results := h.coord.SubmitBatch(context.Background(), []telemetry.RawReading{
		reading("M1", hour10, 1),
		bad,
		reading("M3", hour10, 1),
	}, Options{})

	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, telemetry.ErrValidation)
	require.NoError(t, results[2].Err)
	require.Equal(t, "M3", results[2].Result.Reading.DeviceID)
}
