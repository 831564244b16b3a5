// Package postgres is a WAL and rollup persister backed by PostgreSQL through
// a pgx connection pool. Every statement is parameterized.
//
// Segment bookkeeping is cached in process, so one engine instance should own
// a database at a time.
package postgres

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/shard"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Config holds connection and segment settings.
type Config struct {
	URL      string
	Segments storage.SegmentPolicy
	Logger   *slog.Logger
}

// Storage implements storage.WAL and rollup.Persister on PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	policy storage.SegmentPolicy
	logger *slog.Logger
	logs   *shard.Map[*deviceLog]
}

type deviceLog struct {
	mu        sync.Mutex
	loaded    bool
	nextSegID uint64
	segments  []storage.SegmentMeta
}

// New connects, verifies the connection and applies the schema.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	policy := cfg.Segments
	if policy.MaxReadings <= 0 && policy.MaxDuration <= 0 {
		policy = storage.DefaultSegmentPolicy()
	}

	s := &Storage{
		pool:   pool,
		policy: policy,
		logger: logging.OrNop(cfg.Logger).With("component", "wal", "backend", "postgres"),
		logs:   shard.New[*deviceLog](0),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %v", telemetry.ErrStorage, op, err)
}

const loadSegmentsSQL = `
    SELECT segment_id, min_ts, max_ts, count, first_offset, last_offset
    FROM wal_segments
    WHERE meter_id = $1
    ORDER BY segment_id`

func (s *Storage) log(ctx context.Context, deviceID string) (*deviceLog, error) {
	l := s.logs.GetOrCreate(deviceID, func() *deviceLog { return &deviceLog{} })

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return l, nil
	}

	rows, err := s.pool.Query(ctx, loadSegmentsSQL, deviceID)
	if err != nil {
		return nil, storageErr("loading segments", err)
	}
	defer rows.Close()

	var segs []storage.SegmentMeta
	for rows.Next() {
		var (
			seg         storage.SegmentMeta
			id          int64
			first, last int64
		)
		if err := rows.Scan(&id, &seg.MinTS, &seg.MaxTS, &seg.Count, &first, &last); err != nil {
			return nil, storageErr("scanning segment", err)
		}
		seg.ID = uint64(id)
		seg.MinTS, seg.MaxTS = seg.MinTS.UTC(), seg.MaxTS.UTC()
		seg.FirstOffset, seg.LastOffset = storage.Offset(first), storage.Offset(last)
		segs = append(segs, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("loading segments", err)
	}

	l.segments = segs
	l.nextSegID = 1
	if n := len(segs); n > 0 {
		l.nextSegID = segs[n-1].ID + 1
	}
	l.loaded = true
	return l, nil
}

const (
	nextOffsetSQL = `
    INSERT INTO wal_devices (meter_id, next_offset) VALUES ($1, 2)
    ON CONFLICT (meter_id) DO UPDATE SET next_offset = wal_devices.next_offset + 1
    RETURNING next_offset - 1`

	insertReadingSQL = `
    INSERT INTO energy_readings (meter_id, wal_offset, "timestamp", power, voltage, "current", frequency, energy)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	upsertSegmentSQL = `
    INSERT INTO wal_segments (meter_id, segment_id, min_ts, max_ts, count, first_offset, last_offset)
    VALUES ($1, $2, $3, $4, $5, $6, $7)
    ON CONFLICT (meter_id, segment_id) DO UPDATE
    SET min_ts = EXCLUDED.min_ts,
        max_ts = EXCLUDED.max_ts,
        count = EXCLUDED.count,
        first_offset = EXCLUDED.first_offset,
        last_offset = EXCLUDED.last_offset`
)

// Append allocates the offset, stores the reading and updates its segment in
// one transaction.
func (s *Storage) Append(ctx context.Context, r telemetry.Reading) (storage.Offset, error) {
	if err := storage.CheckTime(r.Timestamp); err != nil {
		return 0, err
	}

	l, err := s.log(ctx, r.DeviceID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storageErr("begin", err)
	}
	defer tx.Rollback(ctx)

	var next int64
	if err := tx.QueryRow(ctx, nextOffsetSQL, r.DeviceID).Scan(&next); err != nil {
		return 0, storageErr("next offset", err)
	}
	off := storage.Offset(next)

	var seg storage.SegmentMeta
	rollover := true
	if k := len(l.segments); k > 0 && s.policy.Accepts(&l.segments[k-1], r.Timestamp) {
		seg = l.segments[k-1]
		rollover = false
	} else {
		seg = storage.SegmentMeta{ID: l.nextSegID}
	}
	seg.Add(r.Timestamp, off)

	batch := &pgx.Batch{}
	batch.Queue(insertReadingSQL, r.DeviceID, int64(off), r.Timestamp, r.Power, r.Voltage, r.Current, r.Frequency, r.Energy)
	batch.Queue(upsertSegmentSQL, r.DeviceID, int64(seg.ID), seg.MinTS, seg.MaxTS, seg.Count, int64(seg.FirstOffset), int64(seg.LastOffset))
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, storageErr("append", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("commit", err)
	}

	if rollover {
		l.segments = append(l.segments, seg)
		l.nextSegID++
	} else {
		l.segments[len(l.segments)-1] = seg
	}
	return off, nil
}

const readRangeSQL = `
    SELECT wal_offset, "timestamp", power, voltage, "current", frequency, energy
    FROM energy_readings
    WHERE meter_id = $1 AND "timestamp" >= $2 AND "timestamp" < $3
    ORDER BY "timestamp", wal_offset`

// ReadRange streams rows as they arrive; each pass runs the query again.
func (s *Storage) ReadRange(ctx context.Context, deviceID string, from, to time.Time) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		rows, err := s.pool.Query(ctx, readRangeSQL, deviceID, from, to)
		if err != nil {
			yield(storage.Record{}, storageErr("read range", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows, deviceID)
			if err != nil {
				yield(storage.Record{}, storageErr("read range", err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(storage.Record{}, storageErr("read range", err))
		}
	}
}

func scanRecord(rows pgx.Rows, deviceID string) (storage.Record, error) {
	var (
		rec storage.Record
		off int64
	)
	err := rows.Scan(&off, &rec.Timestamp, &rec.Power, &rec.Voltage, &rec.Current, &rec.Frequency, &rec.Energy)
	rec.DeviceID = deviceID
	rec.Offset = storage.Offset(off)
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, err
}

const tailSQL = `
    SELECT wal_offset, "timestamp", power, voltage, "current", frequency, energy
    FROM energy_readings
    WHERE meter_id = $1
    ORDER BY "timestamp" DESC, wal_offset DESC
    LIMIT $2`

// Tail returns the newest records, newest first.
func (s *Storage) Tail(ctx context.Context, deviceID string, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, tailSQL, deviceID, limit)
	if err != nil {
		return nil, storageErr("tail", err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows, deviceID)
		if err != nil {
			return nil, storageErr("tail", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("tail", err)
	}
	return out, nil
}

// DeleteBefore detaches expired segments under the device lock, then deletes
// their offset ranges in one transaction.
func (s *Storage) DeleteBefore(ctx context.Context, deviceID string, cutoff time.Time) (storage.DeleteResult, error) {
	var res storage.DeleteResult

	l, err := s.log(ctx, deviceID)
	if err != nil {
		return res, err
	}

	l.mu.Lock()
	var expired []storage.SegmentMeta
	kept := make([]storage.SegmentMeta, 0, len(l.segments))
	for _, seg := range l.segments {
		if seg.Before(cutoff) {
			expired = append(expired, seg)
		} else {
			kept = append(kept, seg)
		}
	}
	l.segments = kept
	l.mu.Unlock()

	if len(expired) == 0 {
		return res, nil
	}

	if err := s.deleteSegments(ctx, deviceID, expired); err != nil {
		l.mu.Lock()
		l.segments = append(l.segments, expired...)
		slices.SortFunc(l.segments, func(a, b storage.SegmentMeta) int { return cmp.Compare(a.ID, b.ID) })
		l.mu.Unlock()
		return res, storageErr("delete before", err)
	}

	for _, seg := range expired {
		res.Segments++
		res.Readings += seg.Count
	}
	return res, nil
}

func (s *Storage) deleteSegments(ctx context.Context, deviceID string, expired []storage.SegmentMeta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	ids := make([]int64, 0, len(expired))
	for _, seg := range expired {
		batch.Queue(`DELETE FROM energy_readings WHERE meter_id = $1 AND wal_offset BETWEEN $2 AND $3`,
			deviceID, int64(seg.FirstOffset), int64(seg.LastOffset))
		ids = append(ids, int64(seg.ID))
	}
	batch.Queue(`DELETE FROM wal_segments WHERE meter_id = $1 AND segment_id = ANY($2)`, deviceID, ids)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Compact merges runs of small sealed segments. Readings are untouched.
func (s *Storage) Compact(ctx context.Context, deviceID string) (int, error) {
	l, err := s.log(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.segments) < 3 {
		return 0, nil
	}
	sealed, open := l.segments[:len(l.segments)-1], l.segments[len(l.segments)-1]

	var removed []int64
	out := []storage.SegmentMeta{sealed[0]}
	for _, seg := range sealed[1:] {
		last := &out[len(out)-1]
		if s.policy.Mergeable(*last, seg) {
			last.Merge(seg)
			removed = append(removed, int64(seg.ID))
			continue
		}
		out = append(out, seg)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, seg := range out {
			batch.Queue(upsertSegmentSQL, deviceID, int64(seg.ID), seg.MinTS, seg.MaxTS, seg.Count, int64(seg.FirstOffset), int64(seg.LastOffset))
		}
		batch.Queue(`DELETE FROM wal_segments WHERE meter_id = $1 AND segment_id = ANY($2)`, deviceID, removed)
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, storageErr("compact", err)
	}

	l.segments = append(out, open)
	return len(removed), nil
}

// Devices lists registered meters.
func (s *Storage) Devices(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT meter_id FROM wal_devices ORDER BY meter_id`)
	if err != nil {
		return nil, storageErr("devices", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storageErr("devices", err)
	}
	return ids, nil
}

const statsSQL = `
    SELECT
        (SELECT count(*) FROM energy_readings),
        (SELECT count(*) FROM wal_devices),
        (SELECT count(*) FROM wal_segments),
        (SELECT min("timestamp") FROM energy_readings),
        (SELECT max("timestamp") FROM energy_readings),
        pg_total_relation_size('energy_readings')`

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	var (
		readings, devices, segments, size int64
		oldest, newest                    *time.Time
	)
	err := s.pool.QueryRow(ctx, statsSQL).Scan(&readings, &devices, &segments, &oldest, &newest, &size)
	if err != nil {
		return nil, storageErr("stats", err)
	}

	stats := &storage.Stats{
		TotalReadings: uint64(readings),
		TotalDevices:  uint64(devices),
		TotalSegments: uint64(segments),
		SizeBytes:     uint64(size),
	}
	if oldest != nil {
		stats.OldestReading = oldest.UTC()
	}
	if newest != nil {
		stats.NewestReading = newest.UTC()
	}
	return stats, nil
}

// Close releases the pool resources.
func (s *Storage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
