package postgres

import (
	"context"
	"fmt"
)

// schema creates the WAL and rollup tables. energy_readings keeps the column
// names the legacy meter loader wrote, so existing dashboards can read
// it directly.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS wal_devices (
    meter_id    TEXT PRIMARY KEY,
    next_offset BIGINT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS energy_readings (
    meter_id    TEXT NOT NULL,
    wal_offset  BIGINT NOT NULL,
    "timestamp" TIMESTAMPTZ NOT NULL,
    power       DOUBLE PRECISION NOT NULL,
    voltage     DOUBLE PRECISION NOT NULL,
    "current"   DOUBLE PRECISION NOT NULL,
    frequency   DOUBLE PRECISION NOT NULL,
    energy      DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (meter_id, wal_offset)
)`,
	`CREATE INDEX IF NOT EXISTS energy_readings_meter_ts
    ON energy_readings (meter_id, "timestamp", wal_offset)`,
	`CREATE TABLE IF NOT EXISTS wal_segments (
    meter_id     TEXT NOT NULL,
    segment_id   BIGINT NOT NULL,
    min_ts       TIMESTAMPTZ NOT NULL,
    max_ts       TIMESTAMPTZ NOT NULL,
    count        INTEGER NOT NULL,
    first_offset BIGINT NOT NULL,
    last_offset  BIGINT NOT NULL,
    PRIMARY KEY (meter_id, segment_id)
)`,
	`CREATE TABLE IF NOT EXISTS rollup_buckets (
    meter_id     TEXT NOT NULL,
    granularity  TEXT NOT NULL,
    bucket_start TIMESTAMPTZ NOT NULL,
    count        BIGINT NOT NULL,
    stats        JSONB NOT NULL,
    PRIMARY KEY (meter_id, granularity, bucket_start)
)`,
	`CREATE TABLE IF NOT EXISTS rollup_checkpoints (
    meter_id            TEXT PRIMARY KEY,
    wal_offset          BIGINT NOT NULL,
    hour_evicted_before TIMESTAMPTZ NOT NULL,
    day_evicted_before  TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
}

// EnsureSchema creates any missing tables and indexes.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
