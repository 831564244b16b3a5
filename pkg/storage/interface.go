package storage

import (
	"context"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Offset is a reading's position in its device's log. Offsets are strictly
// increasing per device in append order and never reused.
type Offset uint64

// Record is a reading as stored in the WAL.
type Record struct {
	telemetry.Reading
	Offset Offset `json:"offset"`
}

// Time bounds that cover every representable reading.
var (
	MinTime = time.Unix(0, 0).UTC()
	MaxTime = time.Unix(0, math.MaxInt64).UTC()
)

// ErrTimeRange is returned by Append for a timestamp outside [MinTime, MaxTime).
var ErrTimeRange = fmt.Errorf("%w: timestamp outside storable range", telemetry.ErrValidation)

// CheckTime fails with ErrTimeRange unless MinTime <= ts < MaxTime. Keys and
// columns encode timestamps as Unix nanoseconds, which cannot hold anything
// outside that window.
func CheckTime(ts time.Time) error {
	if ts.Before(MinTime) || !ts.Before(MaxTime) {
		return fmt.Errorf("%w: %s", ErrTimeRange, ts.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// WAL is the durable per-device append-only log of validated readings.
// Implementations: memory (tests, ephemeral), badger (embedded, default),
// postgres (shared database).
//
// Appends for a single device are linearized by the ingestion coordinator.
// Implementations still guard their per-device bookkeeping so readers and the
// eviction manager can run concurrently with the writer.
type WAL interface {
	// Append stores r and returns its offset.
	Append(ctx context.Context, r telemetry.Reading) (Offset, error)

	// ReadRange yields the device's records with from <= timestamp < to,
	// ascending by timestamp then offset. The sequence is lazy and may be
	// ranged over more than once; each pass re-reads the log. A device with
	// no records yields nothing.
	ReadRange(ctx context.Context, deviceID string, from, to time.Time) iter.Seq2[Record, error]

	// Tail returns up to limit of the device's newest records, newest first.
	Tail(ctx context.Context, deviceID string, limit int) ([]Record, error)

	// DeleteBefore drops every segment of the device whose newest reading is
	// older than cutoff. Segments holding any reading at or after cutoff are
	// kept whole.
	DeleteBefore(ctx context.Context, deviceID string, cutoff time.Time) (DeleteResult, error)

	// Devices lists every device with a log, sorted.
	Devices(ctx context.Context) ([]string, error)

	// Stats returns storage statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage.
	Close() error
}

// Compactor is implemented by backends that can merge small sealed segments.
// Compaction never reorders or drops readings.
type Compactor interface {
	Compact(ctx context.Context, deviceID string) (merged int, err error)
}

// GarbageCollector is implemented by backends that need periodic space
// reclamation after deletes.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// DeleteResult reports what DeleteBefore removed.
type DeleteResult struct {
	Segments int `json:"segments"`
	Readings int `json:"readings"`
}

// Stats provides storage health and usage info
type Stats struct {
	TotalReadings uint64    `json:"total_readings"`
	TotalDevices  uint64    `json:"total_devices"`
	TotalSegments uint64    `json:"total_segments"`
	SizeBytes     uint64    `json:"size_bytes"`
	OldestReading time.Time `json:"oldest_reading"`
	NewestReading time.Time `json:"newest_reading"`
}
