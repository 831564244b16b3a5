package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/storage"
)

const (
	upsertBucketSQL = `
    INSERT INTO rollup_buckets (meter_id, granularity, bucket_start, count, stats)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (meter_id, granularity, bucket_start) DO UPDATE
    SET count = EXCLUDED.count,
        stats = EXCLUDED.stats`

	upsertCheckpointSQL = `
    INSERT INTO rollup_checkpoints (meter_id, wal_offset, hour_evicted_before, day_evicted_before, updated_at)
    VALUES ($1, $2, $3, $4, NOW())
    ON CONFLICT (meter_id) DO UPDATE
    SET wal_offset = EXCLUDED.wal_offset,
        hour_evicted_before = EXCLUDED.hour_evicted_before,
        day_evicted_before = EXCLUDED.day_evicted_before,
        updated_at = NOW()`
)

// SaveCheckpoint upserts the views and the checkpoint in one transaction.
func (s *Storage) SaveCheckpoint(ctx context.Context, cp rollup.Checkpoint, views []rollup.BucketView) error {
	batch := &pgx.Batch{}
	for _, v := range views {
		stats, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding bucket: %w", err)
		}
		batch.Queue(upsertBucketSQL, v.DeviceID, v.Granularity.String(), v.Start, v.Count, stats)
	}
	batch.Queue(upsertCheckpointSQL, cp.DeviceID, int64(cp.Offset), cp.HourEvictedBefore, cp.DayEvictedBefore)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return storageErr("save checkpoint", err)
	}
	return nil
}

// LoadCheckpoints returns every stored checkpoint.
func (s *Storage) LoadCheckpoints(ctx context.Context) ([]rollup.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT meter_id, wal_offset, hour_evicted_before, day_evicted_before
    FROM rollup_checkpoints
    ORDER BY meter_id`)
	if err != nil {
		return nil, storageErr("load checkpoints", err)
	}
	defer rows.Close()

	var out []rollup.Checkpoint
	for rows.Next() {
		var (
			cp  rollup.Checkpoint
			off int64
		)
		if err := rows.Scan(&cp.DeviceID, &off, &cp.HourEvictedBefore, &cp.DayEvictedBefore); err != nil {
			return nil, storageErr("load checkpoints", err)
		}
		cp.Offset = storage.Offset(off)
		cp.HourEvictedBefore = cp.HourEvictedBefore.UTC()
		cp.DayEvictedBefore = cp.DayEvictedBefore.UTC()
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load checkpoints", err)
	}
	return out, nil
}

// LoadBuckets returns the device's buckets ordered by granularity and start.
func (s *Storage) LoadBuckets(ctx context.Context, deviceID string) ([]rollup.BucketView, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT stats
    FROM rollup_buckets
    WHERE meter_id = $1
    ORDER BY granularity DESC, bucket_start`, deviceID)
	if err != nil {
		return nil, storageErr("load buckets", err)
	}
	defer rows.Close()

	var out []rollup.BucketView
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr("load buckets", err)
		}
		var v rollup.BucketView
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, storageErr("decoding bucket", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load buckets", err)
	}
	return out, nil
}

// DeleteBuckets removes the device's g buckets starting before startBefore.
func (s *Storage) DeleteBuckets(ctx context.Context, deviceID string, g rollup.Granularity, startBefore time.Time) error {
	_, err := s.pool.Exec(ctx, `
    DELETE FROM rollup_buckets
    WHERE meter_id = $1 AND granularity = $2 AND bucket_start < $3`,
		deviceID, g.String(), startBefore)
	if err != nil {
		return storageErr("delete buckets", err)
	}
	return nil
}

var _ rollup.Persister = (*Storage)(nil)
