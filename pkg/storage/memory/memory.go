package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/nicktill/meterflow/pkg/shard"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// recordSize is a rough per-record footprint used for Stats.
const recordSize = 96

// Storage keeps device logs in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	policy  storage.SegmentPolicy
	devices *shard.Map[*deviceLog]
}

type deviceLog struct {
	mu         sync.RWMutex
	nextOffset storage.Offset
	nextSegID  uint64
	segments   []*segment
}

type segment struct {
	meta    storage.SegmentMeta
	records []storage.Record
}

// New creates an in-memory WAL.
func New(policy storage.SegmentPolicy) *Storage {
	return &Storage{
		policy:  policy,
		devices: shard.New[*deviceLog](0),
	}
}

func (s *Storage) log(deviceID string) *deviceLog {
	return s.devices.GetOrCreate(deviceID, func() *deviceLog {
		return &deviceLog{nextOffset: 1, nextSegID: 1}
	})
}

// Append stores r in the device's open segment, rolling over when the
// policy says so.
func (s *Storage) Append(ctx context.Context, r telemetry.Reading) (storage.Offset, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", telemetry.ErrStorage, err)
	}
	if err := storage.CheckTime(r.Timestamp); err != nil {
		return 0, err
	}

	l := s.log(r.DeviceID)
	l.mu.Lock()
	defer l.mu.Unlock()

	var open *segment
	if n := len(l.segments); n > 0 {
		open = l.segments[n-1]
	}
	if open == nil || !s.policy.Accepts(&open.meta, r.Timestamp) {
		open = &segment{meta: storage.SegmentMeta{ID: l.nextSegID}}
		l.nextSegID++
		l.segments = append(l.segments, open)
	}

	off := l.nextOffset
	l.nextOffset++
	open.records = append(open.records, storage.Record{Reading: r, Offset: off})
	open.meta.Add(r.Timestamp, off)
	return off, nil
}

// ReadRange yields records in [from, to). Each pass snapshots the matching
// records under the device read lock and sorts them.
func (s *Storage) ReadRange(ctx context.Context, deviceID string, from, to time.Time) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(storage.Record{}, fmt.Errorf("%w: %v", telemetry.ErrStorage, err))
			return
		}
		l, ok := s.devices.Get(deviceID)
		if !ok {
			return
		}

		var out []storage.Record
		l.mu.RLock()
		for _, seg := range l.segments {
			if !seg.meta.Overlaps(from, to) {
				continue
			}
			for _, rec := range seg.records {
				if storage.InRange(rec.Timestamp, from, to) {
					out = append(out, rec)
				}
			}
		}
		l.mu.RUnlock()

		slices.SortFunc(out, storage.CompareRecords)
		for _, rec := range out {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Tail returns the newest records, newest first.
func (s *Storage) Tail(ctx context.Context, deviceID string, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	l, ok := s.devices.Get(deviceID)
	if !ok {
		return nil, nil
	}

	l.mu.RLock()
	var all []storage.Record
	for _, seg := range l.segments {
		all = append(all, seg.records...)
	}
	l.mu.RUnlock()

	slices.SortFunc(all, func(a, b storage.Record) int { return storage.CompareRecords(b, a) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// DeleteBefore drops segments whose newest reading is older than cutoff.
func (s *Storage) DeleteBefore(ctx context.Context, deviceID string, cutoff time.Time) (storage.DeleteResult, error) {
	var res storage.DeleteResult
	l, ok := s.devices.Get(deviceID)
	if !ok {
		return res, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.segments[:0]
	for _, seg := range l.segments {
		if seg.meta.Before(cutoff) {
			res.Segments++
			res.Readings += seg.meta.Count
			continue
		}
		kept = append(kept, seg)
	}
	clear(l.segments[len(kept):])
	l.segments = kept
	return res, nil
}

// Compact merges runs of small adjacent segments. The open segment is left
// alone.
func (s *Storage) Compact(ctx context.Context, deviceID string) (int, error) {
	l, ok := s.devices.Get(deviceID)
	if !ok {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.segments) < 3 {
		return 0, nil
	}
	sealed, open := l.segments[:len(l.segments)-1], l.segments[len(l.segments)-1]

	merged := 0
	out := []*segment{sealed[0]}
	for _, seg := range sealed[1:] {
		last := out[len(out)-1]
		if s.policy.Mergeable(last.meta, seg.meta) {
			last.records = append(last.records, seg.records...)
			last.meta.Merge(seg.meta)
			merged++
			continue
		}
		out = append(out, seg)
	}
	l.segments = append(out, open)
	return merged, nil
}

// Devices lists devices that have a log.
func (s *Storage) Devices(ctx context.Context) ([]string, error) {
	return s.devices.Keys(), nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	s.devices.Range(func(_ string, l *deviceLog) bool {
		l.mu.RLock()
		defer l.mu.RUnlock()

		stats.TotalDevices++
		for _, seg := range l.segments {
			stats.TotalSegments++
			stats.TotalReadings += uint64(seg.meta.Count)
			if seg.meta.Count == 0 {
				continue
			}
			if stats.OldestReading.IsZero() || seg.meta.MinTS.Before(stats.OldestReading) {
				stats.OldestReading = seg.meta.MinTS
			}
			if seg.meta.MaxTS.After(stats.NewestReading) {
				stats.NewestReading = seg.meta.MaxTS
			}
		}
		return true
	})
	stats.SizeBytes = stats.TotalReadings * recordSize
	return stats, nil
}

// Segments returns a copy of the device's segment metadata, oldest first.
func (s *Storage) Segments(deviceID string) []storage.SegmentMeta {
	l, ok := s.devices.Get(deviceID)
	if !ok {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	metas := make([]storage.SegmentMeta, len(l.segments))
	for i, seg := range l.segments {
		metas[i] = seg.meta
	}
	return metas
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}
