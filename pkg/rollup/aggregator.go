package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/shard"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Aggregator maintains hour and day buckets for every device. It is the only
// component that mutates buckets; the eviction manager removes them through
// Evict.
type Aggregator struct {
	devices   *shard.Map[*deviceState]
	persister Persister
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// persistMu serializes writes to the persister so an eviction cannot
	// interleave with a checkpoint of the same buckets.
	persistMu sync.Mutex
}

// Options configures an Aggregator. Every field is optional.
type Options struct {
	Persister Persister
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// UpdateResult reports what Update did with a record.
type UpdateResult struct {
	// Dropped lists granularities whose bucket had already been evicted.
	Dropped []Granularity
}

// Stats summarizes in-memory rollup state.
type Stats struct {
	Devices     int `json:"devices"`
	HourBuckets int `json:"hour_buckets"`
	DayBuckets  int `json:"day_buckets"`
}

type deviceState struct {
	id string

	// applyMu is held shared by updates and exclusively while a checkpoint
	// snapshot is taken, so the snapshot holds whole readings only.
	applyMu sync.RWMutex
	sets    [numGranularities]*bucketSet
	applied atomic.Uint64

	// lastCheckpoint is guarded by Aggregator.persistMu.
	lastCheckpoint Checkpoint
}

type bucketSet struct {
	device string
	g      Granularity

	// mu is held shared while applying to an existing bucket and exclusively
	// to create or evict buckets.
	mu            sync.RWMutex
	buckets       map[int64]*bucket
	evictedBefore time.Time
}

type bucket struct {
	mu    sync.Mutex
	view  atomic.Pointer[BucketView]
	dirty atomic.Bool
}

// New creates an empty aggregator.
func New(opts Options) *Aggregator {
	return &Aggregator{
		devices:   shard.New[*deviceState](0),
		persister: opts.Persister,
		metrics:   opts.Metrics,
		logger:    logging.OrNop(opts.Logger).With("component", "rollup"),
	}
}

func (a *Aggregator) state(deviceID string) *deviceState {
	return a.devices.GetOrCreate(deviceID, func() *deviceState {
		st := &deviceState{id: deviceID}
		for _, g := range Granularities {
			st.sets[g] = &bucketSet{device: deviceID, g: g, buckets: make(map[int64]*bucket)}
		}
		return st
	})
}

// Update applies rec to its hour and day buckets. Updates are commutative:
// any order of the same records yields the same buckets. An update aimed at
// an evicted bucket is dropped for that granularity and counted.
func (a *Aggregator) Update(rec storage.Record) UpdateResult {
	return a.update(rec, true)
}

func (a *Aggregator) update(rec storage.Record, count bool) UpdateResult {
	st := a.state(rec.DeviceID)

	st.applyMu.RLock()
	defer st.applyMu.RUnlock()

	var res UpdateResult
	for _, g := range Granularities {
		if st.sets[g].apply(rec.Reading) {
			continue
		}
		res.Dropped = append(res.Dropped, g)
		if count {
			a.metrics.IncLateUpdateDropped(g.String())
		}
	}
	st.markApplied(rec.Offset)
	return res
}

func (st *deviceState) markApplied(off storage.Offset) {
	for {
		cur := st.applied.Load()
		if uint64(off) <= cur || st.applied.CompareAndSwap(cur, uint64(off)) {
			return
		}
	}
}

// apply reports false when the reading's bucket was already evicted.
func (s *bucketSet) apply(r telemetry.Reading) bool {
	start := s.g.Floor(r.Timestamp)
	key := start.UnixNano()

	s.mu.RLock()
	if b, ok := s.buckets[key]; ok {
		b.add(r)
		s.mu.RUnlock()
		return true
	}
	late := s.late(start)
	s.mu.RUnlock()
	if late {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.late(start) {
		return false
	}
	b, ok := s.buckets[key]
	if !ok {
		b = newBucket(BucketView{DeviceID: s.device, Granularity: s.g, Start: start})
		s.buckets[key] = b
	}
	b.add(r)
	return true
}

// late reports whether a bucket starting at start lies behind the eviction
// watermark. Callers hold mu.
func (s *bucketSet) late(start time.Time) bool {
	return start.Add(s.g.Duration()).Before(s.evictedBefore)
}

func newBucket(v BucketView) *bucket {
	b := &bucket{}
	b.view.Store(&v)
	return b
}

func (b *bucket) add(r telemetry.Reading) {
	b.mu.Lock()
	next := b.view.Load().with(r)
	b.view.Store(&next)
	b.dirty.Store(true)
	b.mu.Unlock()
}

// Snapshot returns a consistent copy of the bucket containing start.
func (a *Aggregator) Snapshot(deviceID string, g Granularity, start time.Time) (BucketView, error) {
	st, ok := a.devices.Get(deviceID)
	if !ok {
		return BucketView{}, fmt.Errorf("%w: device %q", telemetry.ErrNotFound, deviceID)
	}
	start = g.Floor(start)

	set := st.sets[g]
	set.mu.RLock()
	b := set.buckets[start.UnixNano()]
	set.mu.RUnlock()

	if b != nil {
		if v := *b.view.Load(); v.Count > 0 {
			return v, nil
		}
	}
	return BucketView{}, fmt.Errorf("%w: %s bucket %s for device %q",
		telemetry.ErrNotFound, g, start.Format(time.RFC3339), deviceID)
}

// Range returns the non-empty buckets overlapping [from, to), ascending by
// start.
func (a *Aggregator) Range(deviceID string, g Granularity, from, to time.Time) []BucketView {
	st, ok := a.devices.Get(deviceID)
	if !ok {
		return nil
	}

	set := st.sets[g]
	var out []BucketView
	set.mu.RLock()
	for _, b := range set.buckets {
		v := *b.view.Load()
		if v.Count > 0 && v.Start.Before(to) && v.End().After(from) {
			out = append(out, v)
		}
	}
	set.mu.RUnlock()

	slices.SortFunc(out, func(x, y BucketView) int { return x.Start.Compare(y.Start) })
	return out
}

// Evict removes the device's g buckets that end before cutoff and raises the
// watermark so later readings for them are dropped. Only the eviction
// manager calls this.
func (a *Aggregator) Evict(ctx context.Context, deviceID string, g Granularity, cutoff time.Time) (int, error) {
	st, ok := a.devices.Get(deviceID)
	if !ok {
		return 0, nil
	}

	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	set := st.sets[g]
	n := 0
	set.mu.Lock()
	if cutoff.After(set.evictedBefore) {
		set.evictedBefore = cutoff
	}
	for key, b := range set.buckets {
		if b.view.Load().End().Before(cutoff) {
			delete(set.buckets, key)
			n++
		}
	}
	set.mu.Unlock()

	if a.persister != nil {
		if err := a.persister.DeleteBuckets(ctx, deviceID, g, cutoff.Add(-g.Duration())); err != nil {
			return n, fmt.Errorf("%w: deleting %s buckets of %q: %v", telemetry.ErrStorage, g, deviceID, err)
		}
	}
	return n, nil
}

// EvictedBefore returns the device's eviction watermark for g.
func (a *Aggregator) EvictedBefore(deviceID string, g Granularity) time.Time {
	st, ok := a.devices.Get(deviceID)
	if !ok {
		return time.Time{}
	}
	set := st.sets[g]
	set.mu.RLock()
	defer set.mu.RUnlock()
	return set.evictedBefore
}

// HasDevice reports whether any reading of the device was ever applied.
func (a *Aggregator) HasDevice(deviceID string) bool {
	_, ok := a.devices.Get(deviceID)
	return ok
}

// Devices returns every device with rollup state, sorted.
func (a *Aggregator) Devices() []string {
	return a.devices.Keys()
}

// AppliedOffset returns the highest WAL offset applied for the device.
func (a *Aggregator) AppliedOffset(deviceID string) storage.Offset {
	st, ok := a.devices.Get(deviceID)
	if !ok {
		return 0
	}
	return storage.Offset(st.applied.Load())
}

// Stats counts devices and buckets.
func (a *Aggregator) Stats() Stats {
	var s Stats
	a.devices.Range(func(_ string, st *deviceState) bool {
		s.Devices++
		for _, g := range Granularities {
			set := st.sets[g]
			set.mu.RLock()
			n := len(set.buckets)
			set.mu.RUnlock()
			if g == Hour {
				s.HourBuckets += n
			} else {
				s.DayBuckets += n
			}
		}
		return true
	})
	return s
}

// Flush checkpoints every device whose buckets or offset changed since its
// last checkpoint. Failed devices keep their dirty buckets for the next
// flush.
func (a *Aggregator) Flush(ctx context.Context) error {
	if a.persister == nil {
		return nil
	}

	var errs []error
	a.devices.Range(func(id string, st *deviceState) bool {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			return false
		}
		if err := a.flushDevice(ctx, st); err != nil {
			a.metrics.IncCheckpointError()
			errs = append(errs, fmt.Errorf("device %q: %w", id, err))
		}
		return true
	})

	if len(errs) > 0 {
		return fmt.Errorf("%w: checkpoint: %w", telemetry.ErrStorage, errors.Join(errs...))
	}
	return nil
}

func (a *Aggregator) flushDevice(ctx context.Context, st *deviceState) error {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	var (
		views []BucketView
		dirty []*bucket
	)

	st.applyMu.Lock()
	cp := Checkpoint{DeviceID: st.id, Offset: storage.Offset(st.applied.Load())}
	for _, g := range Granularities {
		set := st.sets[g]
		set.mu.RLock()
		cp.setEvictedBefore(g, set.evictedBefore)
		for _, b := range set.buckets {
			if b.dirty.CompareAndSwap(true, false) {
				views = append(views, *b.view.Load())
				dirty = append(dirty, b)
			}
		}
		set.mu.RUnlock()
	}
	st.applyMu.Unlock()

	if len(views) == 0 && cp == st.lastCheckpoint {
		return nil
	}

	if err := a.persister.SaveCheckpoint(ctx, cp, views); err != nil {
		for _, b := range dirty {
			b.dirty.Store(true)
		}
		return err
	}
	st.lastCheckpoint = cp
	return nil
}

// Restore loads persisted buckets and then replays WAL records newer than
// each device's checkpoint. It must run before ingestion starts.
func (a *Aggregator) Restore(ctx context.Context, wal storage.WAL) error {
	start := time.Now()
	loaded := 0

	if a.persister != nil {
		cps, err := a.persister.LoadCheckpoints(ctx)
		if err != nil {
			return fmt.Errorf("%w: loading checkpoints: %v", telemetry.ErrStorage, err)
		}
		for _, cp := range cps {
			views, err := a.persister.LoadBuckets(ctx, cp.DeviceID)
			if err != nil {
				return fmt.Errorf("%w: loading buckets of %q: %v", telemetry.ErrStorage, cp.DeviceID, err)
			}
			loaded += a.install(cp, views)
		}
	}

	replayed := 0
	if wal != nil {
		devices, err := wal.Devices(ctx)
		if err != nil {
			return fmt.Errorf("%w: listing devices: %v", telemetry.ErrStorage, err)
		}
		for _, id := range devices {
			after := a.AppliedOffset(id)
			for rec, err := range wal.ReadRange(ctx, id, storage.MinTime, storage.MaxTime) {
				if err != nil {
					return fmt.Errorf("%w: replaying %q: %v", telemetry.ErrStorage, id, err)
				}
				if rec.Offset <= after {
					continue
				}
				a.update(rec, false)
				replayed++
			}
		}
	}

	a.logger.Info("rollups restored",
		"devices", a.devices.Len(),
		"buckets_loaded", loaded,
		"records_replayed", replayed,
		"duration", time.Since(start))
	return nil
}

func (a *Aggregator) install(cp Checkpoint, views []BucketView) int {
	st := a.state(cp.DeviceID)
	st.applied.Store(uint64(cp.Offset))
	st.lastCheckpoint = cp

	n := 0
	for _, g := range Granularities {
		set := st.sets[g]
		set.mu.Lock()
		set.evictedBefore = cp.EvictedBefore(g)
		for _, v := range views {
			if v.Granularity != g || v.Count == 0 || set.late(v.Start) {
				continue
			}
			v.DeviceID = cp.DeviceID
			set.buckets[v.Start.UnixNano()] = newBucket(v)
			n++
		}
		set.mu.Unlock()
	}
	return n
}
