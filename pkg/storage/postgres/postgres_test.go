package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/shard"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/storage/storagetest"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// openTest connects to PG_DSN and empties every table. Tests share one
// database, so they do not run in parallel.
func openTest(t *testing.T, policy storage.SegmentPolicy) *Storage {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	ctx := context.Background()
	s, err := New(ctx, Config{URL: dsn, Segments: policy})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.pool.Exec(ctx, `TRUNCATE wal_devices, energy_readings, wal_segments, rollup_buckets, rollup_checkpoints`)
	require.NoError(t, err)
	s.logs = shard.New[*deviceLog](0)
	return s
}

func TestPostgresStorage_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, policy storage.SegmentPolicy) storage.WAL {
		return openTest(t, policy)
	})
}

func TestPostgresStorage_OffsetsSurviveReconnect(t *testing.T) {
	ctx := context.Background()
	policy := storage.SegmentPolicy{MaxReadings: 2, MaxDuration: time.Hour}
	s := openTest(t, policy)

	var last storage.Offset
	for i := 0; i < 3; i++ {
		off, err := s.Append(ctx, storagetest.Reading("M1", time.Duration(i)*time.Minute, float64(i)))
		require.NoError(t, err)
		last = off
	}

	// A fresh device cache reloads segments and keeps numbering.
	s.logs = shard.New[*deviceLog](0)
	off, err := s.Append(ctx, storagetest.Reading("M1", 3*time.Minute, 3))
	require.NoError(t, err)
	require.Equal(t, last+1, off)

	got := storagetest.Collect(t, s.ReadRange(ctx, "M1", storage.MinTime, storage.MaxTime))
	require.Len(t, got, 4)
}

func TestPostgresStorage_Persister(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, storage.DefaultSegmentPolicy())

	hour := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	views := []rollup.BucketView{
		{DeviceID: "M1", Granularity: rollup.Hour, Start: hour.Add(-2 * time.Hour), Count: 1},
		{DeviceID: "M1", Granularity: rollup.Hour, Start: hour, Count: 3},
	}
	views[1].Fields[telemetry.FieldPower] = rollup.Stat{Sum: 9, Min: 2, Max: 4}

	cp := rollup.Checkpoint{DeviceID: "M1", Offset: 7, HourEvictedBefore: hour.Add(-3 * time.Hour)}
	require.NoError(t, s.SaveCheckpoint(ctx, cp, views))

	// Upserting the same bucket replaces it.
	views[1].Count = 4
	require.NoError(t, s.SaveCheckpoint(ctx, cp, views[1:]))

	cps, err := s.LoadCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, storage.Offset(7), cps[0].Offset)
	require.True(t, cps[0].HourEvictedBefore.Equal(cp.HourEvictedBefore))

	loaded, err := s.LoadBuckets(ctx, "M1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, int64(4), loaded[1].Count)
	require.Equal(t, 9.0, loaded[1].Stat(telemetry.FieldPower).Sum)

	require.NoError(t, s.DeleteBuckets(ctx, "M1", rollup.Hour, hour))
	loaded, err = s.LoadBuckets(ctx, "M1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.True(t, loaded[0].Start.Equal(hour))
}
