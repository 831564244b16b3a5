/*
Package storage defines the per-device write-ahead log (WAL) that holds raw
validated meter readings.

# Backends

  - memory: segment lists in a sharded map, for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + compression), the default persistent backend
  - postgres: a shared relational store through a pgx connection pool

All backends implement the WAL interface:

	type WAL interface {
	    Append(ctx context.Context, r telemetry.Reading) (Offset, error)
	    ReadRange(ctx context.Context, deviceID string, from, to time.Time) iter.Seq2[Record, error]
	    Tail(ctx context.Context, deviceID string, limit int) ([]Record, error)
	    DeleteBefore(ctx context.Context, deviceID string, cutoff time.Time) (DeleteResult, error)
	    Devices(ctx context.Context) ([]string, error)
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

# Offsets and segments

Every appended reading gets an Offset, strictly increasing per device and
never reused, even after the segment holding it is deleted. The rollup
checkpoint records the last applied offset so a restart replays only newer
records.

A device log is a list of segments. The open segment takes appends until it
holds SegmentPolicy.MaxReadings readings or its timestamp span would exceed
SegmentPolicy.MaxDuration. Retention works on whole segments: DeleteBefore
removes a segment only when its newest reading is older than the cutoff.

# Usage Example

	wal := memory.New(storage.DefaultSegmentPolicy())
	defer wal.Close()

	off, err := wal.Append(ctx, reading)
	if err != nil {
	    return err
	}

	for rec, err := range wal.ReadRange(ctx, "M1", from, to) {
	    if err != nil {
	        return err
	    }
	    fmt.Println(rec.Offset, rec.Timestamp, rec.Power)
	}

# Thread Safety

All WAL implementations are safe for concurrent use. Appends for one device
are expected to come from a single writer (the ingestion coordinator), while
readers and the eviction manager may run at any time.
*/
package storage
