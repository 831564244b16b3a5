// Package storagetest holds the behaviour tests every WAL backend must pass.
package storagetest

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Factory opens an empty WAL with the given segment policy. The suite closes
// it.
type Factory func(t *testing.T, policy storage.SegmentPolicy) storage.WAL

// Base is the reference time used by the suite.
var Base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// Reading builds a valid reading for device at Base+offset.
func Reading(device string, offset time.Duration, power float64) telemetry.Reading {
	return telemetry.Reading{
		DeviceID:  device,
		Timestamp: Base.Add(offset),
		Power:     power,
		Voltage:   230,
		Current:   power * 1000 / 230,
		Frequency: 50,
		Energy:    power / 12,
	}
}

// Collect drains a ReadRange sequence.
func Collect(t *testing.T, seq iter.Seq2[storage.Record, error]) []storage.Record {
	t.Helper()
	var out []storage.Record
	for rec, err := range seq {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

// Run runs the suite against backends built by open.
func Run(t *testing.T, open Factory) {
	t.Run("OffsetsIncreasePerDevice", func(t *testing.T) { testOffsets(t, open) })
	t.Run("ReadRangeOrderedHalfOpen", func(t *testing.T) { testReadRange(t, open) })
	t.Run("ReadRangeRestartable", func(t *testing.T) { testRestartable(t, open) })
	t.Run("ReadRangeEarlyStop", func(t *testing.T) { testEarlyStop(t, open) })
	t.Run("Tail", func(t *testing.T) { testTail(t, open) })
	t.Run("DeleteBeforeWholeSegments", func(t *testing.T) { testDeleteBefore(t, open) })
	t.Run("OffsetsSurviveDelete", func(t *testing.T) { testOffsetsAfterDelete(t, open) })
	t.Run("DevicesAndStats", func(t *testing.T) { testDevicesAndStats(t, open) })
	t.Run("UnknownDevice", func(t *testing.T) { testUnknownDevice(t, open) })
	t.Run("TimestampBounds", func(t *testing.T) { testTimestampBounds(t, open) })
}

func openWAL(t *testing.T, open Factory, policy storage.SegmentPolicy) storage.WAL {
	t.Helper()
	wal := open(t, policy)
	t.Cleanup(func() { _ = wal.Close() })
	return wal
}

func testOffsets(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.DefaultSegmentPolicy())

	var last storage.Offset
	for i := 0; i < 20; i++ {
		// Out of order timestamps must not affect offsets.
		off, err := wal.Append(ctx, Reading("M1", time.Duration(20-i)*time.Minute, 1))
		require.NoError(t, err)
		require.Greater(t, off, last)
		last = off
	}

	first, err := wal.Append(ctx, Reading("M2", 0, 1))
	require.NoError(t, err)
	require.Equal(t, storage.Offset(1), first, "offsets are per device and start at 1")
}

func testReadRange(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.SegmentPolicy{MaxReadings: 3, MaxDuration: time.Hour})

	offsets := []time.Duration{45 * time.Minute, 0, 15 * time.Minute, time.Hour, 15 * time.Minute, -time.Minute}
	for i, o := range offsets {
		_, err := wal.Append(ctx, Reading("M1", o, float64(i)))
		require.NoError(t, err)
	}
	_, err := wal.Append(ctx, Reading("other", 10*time.Minute, 99))
	require.NoError(t, err)

	got := Collect(t, wal.ReadRange(ctx, "M1", Base, Base.Add(time.Hour)))
	require.Len(t, got, 4)

	wantTS := []time.Duration{0, 15 * time.Minute, 15 * time.Minute, 45 * time.Minute}
	for i, rec := range got {
		require.Equal(t, "M1", rec.DeviceID)
		require.True(t, rec.Timestamp.Equal(Base.Add(wantTS[i])), "record %d at %v", i, rec.Timestamp)
	}
	require.Less(t, got[1].Offset, got[2].Offset, "equal timestamps ordered by offset")
	require.Equal(t, 2.0, got[1].Power)
	require.Equal(t, 4.0, got[2].Power)
}

func testRestartable(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.DefaultSegmentPolicy())

	for i := 0; i < 5; i++ {
		_, err := wal.Append(ctx, Reading("M1", time.Duration(i)*time.Minute, float64(i)))
		require.NoError(t, err)
	}

	seq := wal.ReadRange(ctx, "M1", storage.MinTime, storage.MaxTime)
	first := Collect(t, seq)
	second := Collect(t, seq)
	require.Len(t, first, 5)
	require.Equal(t, first, second)
}

func testEarlyStop(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.DefaultSegmentPolicy())

	for i := 0; i < 10; i++ {
		_, err := wal.Append(ctx, Reading("M1", time.Duration(i)*time.Minute, float64(i)))
		require.NoError(t, err)
	}

	n := 0
	for _, err := range wal.ReadRange(ctx, "M1", storage.MinTime, storage.MaxTime) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	require.Equal(t, 3, n)
}

func testTail(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.SegmentPolicy{MaxReadings: 2, MaxDuration: time.Hour})

	for _, m := range []int{5, 1, 9, 3, 7} {
		_, err := wal.Append(ctx, Reading("M1", time.Duration(m)*time.Minute, float64(m)))
		require.NoError(t, err)
	}

	recs, err := wal.Tail(ctx, "M1", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []float64{9, 7, 5}, []float64{recs[0].Power, recs[1].Power, recs[2].Power})

	recs, err = wal.Tail(ctx, "M1", 100)
	require.NoError(t, err)
	require.Len(t, recs, 5)
}

func testDeleteBefore(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.SegmentPolicy{MaxReadings: 2, MaxDuration: 24 * time.Hour})

	// Segments: [0h,1h] [2h,3h] [4h]
	for h := 0; h < 5; h++ {
		_, err := wal.Append(ctx, Reading("M1", time.Duration(h)*time.Hour, float64(h)))
		require.NoError(t, err)
	}

	// Cutoff inside the second segment: only the first goes.
	res, err := wal.DeleteBefore(ctx, "M1", Base.Add(150*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, res.Segments)
	require.Equal(t, 2, res.Readings)

	got := Collect(t, wal.ReadRange(ctx, "M1", storage.MinTime, storage.MaxTime))
	require.Len(t, got, 3)
	require.True(t, got[0].Timestamp.Equal(Base.Add(2*time.Hour)))

	// Cutoff equal to a segment's newest reading keeps it.
	res, err = wal.DeleteBefore(ctx, "M1", Base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Zero(t, res.Segments)
}

func testOffsetsAfterDelete(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.SegmentPolicy{MaxReadings: 1, MaxDuration: time.Hour})

	var last storage.Offset
	for i := 0; i < 3; i++ {
		off, err := wal.Append(ctx, Reading("M1", time.Duration(i)*time.Minute, 1))
		require.NoError(t, err)
		last = off
	}
	_, err := wal.DeleteBefore(ctx, "M1", storage.MaxTime)
	require.NoError(t, err)
	require.Empty(t, Collect(t, wal.ReadRange(ctx, "M1", storage.MinTime, storage.MaxTime)))

	off, err := wal.Append(ctx, Reading("M1", time.Hour, 1))
	require.NoError(t, err)
	require.Greater(t, off, last, "offsets are never reused")
}

func testDevicesAndStats(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.DefaultSegmentPolicy())

	for _, id := range []string{"M3", "M1", "M2", "M1"} {
		_, err := wal.Append(ctx, Reading(id, 0, 1))
		require.NoError(t, err)
	}

	devices, err := wal.Devices(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"M1", "M2", "M3"}, devices)

	stats, err := wal.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), stats.TotalReadings)
	require.Equal(t, uint64(3), stats.TotalDevices)
	require.True(t, stats.OldestReading.Equal(Base))
}

func testUnknownDevice(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.DefaultSegmentPolicy())

	require.Empty(t, Collect(t, wal.ReadRange(ctx, "ghost", storage.MinTime, storage.MaxTime)))

	recs, err := wal.Tail(ctx, "ghost", 10)
	require.NoError(t, err)
	require.Empty(t, recs)

	res, err := wal.DeleteBefore(ctx, "ghost", storage.MaxTime)
	require.NoError(t, err)
	require.Zero(t, res.Segments)
}

func testTimestampBounds(t *testing.T, open Factory) {
	ctx := context.Background()
	wal := openWAL(t, open, storage.DefaultSegmentPolicy())

	// Whole seconds so every backend stores them exactly.
	latest := storage.MaxTime.Truncate(time.Second).Add(-time.Second)
	for _, ts := range []time.Time{Base, latest, storage.MinTime} {
		r := Reading("M1", 0, 1)
		r.Timestamp = ts
		_, err := wal.Append(ctx, r)
		require.NoError(t, err)
	}

	for _, ts := range []time.Time{
		storage.MinTime.Add(-time.Second),
		storage.MaxTime,
		time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		r := Reading("M1", 0, 1)
		r.Timestamp = ts
		_, err := wal.Append(ctx, r)
		require.ErrorIs(t, err, storage.ErrTimeRange, "append at %v", ts)
		require.ErrorIs(t, err, telemetry.ErrValidation)
	}

	got := Collect(t, wal.ReadRange(ctx, "M1", storage.MinTime, storage.MaxTime))
	require.Len(t, got, 3)
	for i, want := range []time.Time{storage.MinTime, Base, latest} {
		require.True(t, got[i].Timestamp.Equal(want), "record %d at %v, want %v", i, got[i].Timestamp, want)
	}

	recs, err := wal.Tail(ctx, "M1", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Timestamp.Equal(latest), "newest is %v", recs[0].Timestamp)
}

// RequireStorageError asserts err wraps ErrStorage.
func RequireStorageError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, telemetry.ErrStorage), "want ErrStorage, got %v", err)
}
