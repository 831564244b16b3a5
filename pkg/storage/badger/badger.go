package badger

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/shard"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Key prefixes. Multi-byte integers are big-endian so badger's byte order is
// numeric order.
//
//	r | hash(device) | ts | offset   reading (value: JSON telemetry.Reading)
//	s | hash(device) | segment id    segment metadata
//	d | device                       device registry
//	q | device                       offset sequence
//	b | hash(device) | g | start     rollup bucket
//	c | device                       rollup checkpoint
const (
	prefixRecord     byte = 'r'
	prefixSegment    byte = 's'
	prefixDevice     byte = 'd'
	prefixSequence   byte = 'q'
	prefixBucket     byte = 'b'
	prefixCheckpoint byte = 'c'
)

// sequenceBandwidth is how many offsets a sequence leases at once. Leased
// offsets lost in a crash are skipped, never reused.
const sequenceBandwidth = 1000

// checkEvery is how many keys an iteration visits between context checks.
const checkEvery = 1000

// Storage implements storage.WAL and rollup.Persister on BadgerDB (LSM tree).
type Storage struct {
	db     *badger.DB
	policy storage.SegmentPolicy
	logger *slog.Logger
	logs   *shard.Map[*deviceLog]
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64

	// Segments controls WAL segment rollover.
	Segments storage.SegmentPolicy

	Logger *slog.Logger
}

type deviceLog struct {
	mu         sync.Mutex
	id         string
	loaded     bool
	registered bool
	seq        *badger.Sequence
	nextSegID  uint64
	segments   []storage.SegmentMeta
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// SAFETY: Conservative memory limits for laptops
	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total
	// We use 48 MB total (16 MB memtable + 32 MB cache) for self-hosted
	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	} else {
		// 16 MB memtable is minimum for decent performance
		memTableSize = 16 * 1024 * 1024
	}

	blockCacheSize := memTableSize / 2 // Block cache: 50% of memtable
	indexCacheSize := memTableSize / 4 // Index cache: 25% of memtable

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024). // Readings are small; keep them in the LSM
		WithNumCompactors(2).     // badger requires at least 2 when compactors are enabled
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20). // 64 MB value log files instead of default 2GB
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	policy := cfg.Segments
	if policy.MaxReadings <= 0 && policy.MaxDuration <= 0 {
		policy = storage.DefaultSegmentPolicy()
	}

	return &Storage{
		db:     db,
		policy: policy,
		logger: logging.OrNop(cfg.Logger).With("component", "wal", "backend", "badger"),
		logs:   shard.New[*deviceLog](0),
	}, nil
}

func deviceHash(deviceID string) []byte {
	h := make([]byte, 8)
	binary.BigEndian.PutUint64(h, xxhash.Sum64String(deviceID))
	return h
}

func recordPrefix(deviceID string) []byte {
	return append([]byte{prefixRecord}, deviceHash(deviceID)...)
}

// recordKey builds r|hash|ts|offset.
func recordKey(deviceID string, ts time.Time, off storage.Offset) []byte {
	key := make([]byte, 0, 25)
	key = append(key, recordPrefix(deviceID)...)
	key = binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano()))
	return binary.BigEndian.AppendUint64(key, uint64(off))
}

func timeBound(deviceID string, ts time.Time) []byte {
	key := recordPrefix(deviceID)
	return binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano()))
}

// parseRecordKey extracts timestamp and offset from a record key.
func parseRecordKey(key []byte) (time.Time, storage.Offset) {
	ts := int64(binary.BigEndian.Uint64(key[9:17]))
	off := binary.BigEndian.Uint64(key[17:25])
	return time.Unix(0, ts).UTC(), storage.Offset(off)
}

func segmentPrefix(deviceID string) []byte {
	return append([]byte{prefixSegment}, deviceHash(deviceID)...)
}

func segmentKey(deviceID string, id uint64) []byte {
	return binary.BigEndian.AppendUint64(segmentPrefix(deviceID), id)
}

func deviceKey(deviceID string) []byte {
	return append([]byte{prefixDevice}, deviceID...)
}

func sequenceKey(deviceID string) []byte {
	return append([]byte{prefixSequence}, deviceID...)
}

// segmentValue is the persisted form of a segment's metadata. DeviceID guards
// against hash collisions.
type segmentValue struct {
	DeviceID string `json:"device_id"`
	storage.SegmentMeta
}

func bySegmentID(a, b storage.SegmentMeta) int {
	return cmp.Compare(a.ID, b.ID)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: badger %s: %v", telemetry.ErrStorage, op, err)
}

// log returns the device's loaded log state. Callers hold no locks.
func (s *Storage) log(deviceID string) (*deviceLog, error) {
	l := s.logs.GetOrCreate(deviceID, func() *deviceLog {
		return &deviceLog{id: deviceID}
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return l, nil
	}

	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(deviceKey(deviceID)); err == nil {
			l.registered = true
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = segmentPrefix(deviceID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var v segmentValue
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("decoding segment: %w", err)
			}
			if v.DeviceID != deviceID {
				continue
			}
			l.segments = append(l.segments, v.SegmentMeta)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("loading device log", err)
	}

	slices.SortFunc(l.segments, bySegmentID)
	l.nextSegID = 1
	if n := len(l.segments); n > 0 {
		l.nextSegID = l.segments[n-1].ID + 1
	}
	l.loaded = true
	return l, nil
}

// Append stores r and its segment bookkeeping in one transaction.
// The write is not abandoned on cancellation once started, so a returned
// error always means nothing was stored.
func (s *Storage) Append(ctx context.Context, r telemetry.Reading) (storage.Offset, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("append", err)
	}
	if err := storage.CheckTime(r.Timestamp); err != nil {
		return 0, err
	}

	l, err := s.log(r.DeviceID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seq == nil {
		seq, err := s.db.GetSequence(sequenceKey(r.DeviceID), sequenceBandwidth)
		if err != nil {
			return 0, storageErr("opening sequence", err)
		}
		l.seq = seq
	}
	n, err := l.seq.Next()
	if err != nil {
		return 0, storageErr("next offset", err)
	}
	off := storage.Offset(n + 1)

	var seg storage.SegmentMeta
	rollover := true
	if k := len(l.segments); k > 0 && s.policy.Accepts(&l.segments[k-1], r.Timestamp) {
		seg = l.segments[k-1]
		rollover = false
	} else {
		seg = storage.SegmentMeta{ID: l.nextSegID}
	}
	seg.Add(r.Timestamp, off)

	value, err := json.Marshal(r)
	if err != nil {
		return 0, storageErr("encoding reading", err)
	}
	meta, err := json.Marshal(segmentValue{DeviceID: r.DeviceID, SegmentMeta: seg})
	if err != nil {
		return 0, storageErr("encoding segment", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if !l.registered {
			if err := txn.Set(deviceKey(r.DeviceID), nil); err != nil {
				return err
			}
		}
		if err := txn.Set(recordKey(r.DeviceID, r.Timestamp, off), value); err != nil {
			return err
		}
		return txn.Set(segmentKey(r.DeviceID, seg.ID), meta)
	})
	if err != nil {
		return 0, storageErr("append", err)
	}

	l.registered = true
	if rollover {
		l.segments = append(l.segments, seg)
		l.nextSegID++
	} else {
		l.segments[len(l.segments)-1] = seg
	}
	return off, nil
}

// ReadRange yields records in [from, to) straight from the key order. Each
// pass opens its own read transaction.
func (s *Storage) ReadRange(ctx context.Context, deviceID string, from, to time.Time) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		if !from.Before(to) {
			return
		}
		if from.Before(storage.MinTime) {
			from = storage.MinTime
		}
		stopped := false

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100
			opts.Prefix = recordPrefix(deviceID)
			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Seek(timeBound(deviceID, from)); it.Valid(); it.Next() {
				iterCount++
				if iterCount%checkEvery == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				item := it.Item()
				ts, off := parseRecordKey(item.Key())
				if !ts.Before(to) {
					return nil
				}

				var rec storage.Record
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &rec.Reading)
				}); err != nil {
					return fmt.Errorf("decoding reading: %w", err)
				}
				if rec.DeviceID != deviceID {
					continue
				}
				rec.Offset = off
				rec.Timestamp = ts

				if !yield(rec, nil) {
					stopped = true
					return nil
				}
			}
			return ctx.Err()
		})
		if err != nil && !stopped {
			yield(storage.Record{}, storageErr("read range", err))
		}
	}
}

// Tail walks the device's keys backwards from the newest timestamp.
func (s *Storage) Tail(ctx context.Context, deviceID string, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	var out []storage.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchSize = min(limit, 100)
		opts.Prefix = recordPrefix(deviceID)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(recordPrefix(deviceID), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			ts, off := parseRecordKey(item.Key())

			var rec storage.Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec.Reading)
			}); err != nil {
				return fmt.Errorf("decoding reading: %w", err)
			}
			if rec.DeviceID != deviceID {
				continue
			}
			rec.Offset = off
			rec.Timestamp = ts
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("tail", err)
	}
	return out, nil
}

// DeleteBefore detaches expired segments under the device lock and then
// deletes their readings with a WriteBatch, so appends are blocked only for
// the in-memory step. Readings are matched to segments by offset range.
func (s *Storage) DeleteBefore(ctx context.Context, deviceID string, cutoff time.Time) (storage.DeleteResult, error) {
	var res storage.DeleteResult

	l, err := s.log(deviceID)
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

	// Every expired reading is older than the newest expired timestamp.
	var upper time.Time
	for _, seg := range expired {
		if seg.MaxTS.After(upper) {
			upper = seg.MaxTS
		}
	}

	err = s.deleteSegments(ctx, deviceID, expired, upper)
	if err != nil {
		l.mu.Lock()
		l.segments = append(l.segments, expired...)
		slices.SortFunc(l.segments, bySegmentID)
		l.mu.Unlock()
		return res, storageErr("delete before", err)
	}

	for _, seg := range expired {
		res.Segments++
		res.Readings += seg.Count
	}
	return res, nil
}

func (s *Storage) deleteSegments(ctx context.Context, deviceID string, expired []storage.SegmentMeta, upper time.Time) error {
	inExpired := func(off storage.Offset) bool {
		for _, seg := range expired {
			if off >= seg.FirstOffset && off <= seg.LastOffset {
				return true
			}
		}
		return false
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = recordPrefix(deviceID)
		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%checkEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			ts, off := parseRecordKey(it.Item().Key())
			if ts.After(upper) {
				return nil
			}
			if inExpired(off) {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	for _, seg := range expired {
		if err := wb.Delete(segmentKey(deviceID, seg.ID)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Compact merges runs of small sealed segments. Readings stay where they are;
// only segment metadata changes, because segments are offset ranges.
func (s *Storage) Compact(ctx context.Context, deviceID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("compact", err)
	}

	l, err := s.log(deviceID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.segments) < 3 {
		return 0, nil
	}
	sealed, open := l.segments[:len(l.segments)-1], l.segments[len(l.segments)-1]

	var removed []uint64
	out := []storage.SegmentMeta{sealed[0]}
	for _, seg := range sealed[1:] {
		last := &out[len(out)-1]
		if s.policy.Mergeable(*last, seg) {
			last.Merge(seg)
			removed = append(removed, seg.ID)
			continue
		}
		out = append(out, seg)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, seg := range out {
			meta, err := json.Marshal(segmentValue{DeviceID: deviceID, SegmentMeta: seg})
			if err != nil {
				return err
			}
			if err := txn.Set(segmentKey(deviceID, seg.ID), meta); err != nil {
				return err
			}
		}
		for _, id := range removed {
			if err := txn.Delete(segmentKey(deviceID, id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("compact", err)
	}

	l.segments = append(out, open)
	return len(removed), nil
}

// Segments returns the device's segment metadata, oldest first.
func (s *Storage) Segments(deviceID string) ([]storage.SegmentMeta, error) {
	l, err := s.log(deviceID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.segments), nil
}

// Devices lists registered devices from the 'd' keys, already sorted.
func (s *Storage) Devices(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixDevice}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().Key()[1:]))
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("devices", err)
	}
	return out, nil
}

// Close releases leased sequences and shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	var errs []error
	s.logs.Range(func(_ string, l *deviceLog) bool {
		l.mu.Lock()
		if l.seq != nil {
			if err := l.seq.Release(); err != nil {
				errs = append(errs, err)
			}
			l.seq = nil
		}
		l.mu.Unlock()
		return true
	})
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Stats returns storage statistics
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	// Check context before starting expensive operation
	if err := ctx.Err(); err != nil {
		return nil, storageErr("stats", err)
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		stats := &storage.Stats{}
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%checkEvery == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				key := it.Item().Key()
				switch key[0] {
				case prefixDevice:
					stats.TotalDevices++
				case prefixSegment:
					stats.TotalSegments++
				case prefixRecord:
					stats.TotalReadings++
					ts, _ := parseRecordKey(key)
					if stats.OldestReading.IsZero() || ts.Before(stats.OldestReading) {
						stats.OldestReading = ts
					}
					if ts.After(stats.NewestReading) {
						stats.NewestReading = ts
					}
				}
			}
			return nil
		})
		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		done <- statsResult{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, storageErr("stats", res.err)
		}
		return res.stats, nil
	case <-ctx.Done():
		// Context cancelled while waiting for operation to complete
		return nil, storageErr("stats", fmt.Errorf("operation cancelled: %w", ctx.Err()))
	}
}
