// Package ingest validates meter readings and routes them through bounded
// per-device queues into the WAL and the rollup aggregator.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/shard"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// ErrClosed is returned by submissions after Close has been called.
var ErrClosed = errors.New("ingest coordinator closed")

// ErrUnconfirmed is returned when the caller's context ended while a queued
// reading was still pending. The reading may yet be written, so retrying it
// can store it twice.
var ErrUnconfirmed = errors.New("stopped waiting before the reading was stored")

// OverloadError is returned when a device queue is full. Callers should back
// off and retry.
type OverloadError struct {
	DeviceID string
	Depth    int
	Max      int
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("device %q queue full (%d/%d)", e.DeviceID, e.Depth, e.Max)
}

// Unwrap makes every OverloadError match telemetry.ErrOverload.
func (e *OverloadError) Unwrap() error {
	return telemetry.ErrOverload
}

// Config sizes the coordinator.
type Config struct {
	MaxQueueDepth  int
	StorageRetries int
	RetryBackoff   time.Duration
	IdleTimeout    time.Duration
	MaxDevices     int

	// Now stamps device activity. Nil means time.Now.
	Now func() time.Time
}

// ConfigFrom extracts coordinator sizing from ingest configuration.
func ConfigFrom(cfg config.IngestConfig) Config {
	return Config{
		MaxQueueDepth:  cfg.MaxQueueDepth,
		StorageRetries: cfg.StorageRetries,
		RetryBackoff:   cfg.StorageRetryBackoff,
		IdleTimeout:    cfg.IdleWorkerTimeout,
		MaxDevices:     cfg.MaxDevices,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = config.DefaultMaxQueueDepth
	}
	if c.StorageRetries < 0 {
		c.StorageRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = config.DefaultStorageRetryBackoff
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultIdleWorkerTimeout
	}
	return c
}

// Options modify how a single submission is validated.
type Options struct {
	// Backfill skips the clock skew checks.
	Backfill bool
}

func (o Options) mode() Mode {
	if o.Backfill {
		return ModeBackfill
	}
	return ModeLive
}

// Result is the outcome of an accepted reading.
type Result struct {
	Reading telemetry.Reading    `json:"reading"`
	Offset  storage.Offset       `json:"offset"`
	Dropped []rollup.Granularity `json:"dropped,omitempty"`
}

// Observer is notified of every accepted reading from the device worker.
// It must not block.
type Observer func(Result)

type outcome struct {
	res Result
	err error
}

type job struct {
	ctx     context.Context
	reading telemetry.Reading
	done    chan outcome // nil for fire-and-forget submissions
}

type deviceQueue struct {
	id   string
	jobs chan job

	// mu guards running and retired. Producers send only while holding it,
	// so a worker that sees an empty channel under mu can retire safely.
	mu      sync.Mutex
	running bool
	retired bool
}

// Coordinator routes validated readings to per-device queues. One worker
// goroutine per active device appends to the WAL and then updates rollups,
// so readings of one device are applied in arrival order while devices
// proceed independently.
type Coordinator struct {
	cfg       Config
	validator *Validator
	wal       storage.WAL
	agg       *rollup.Aggregator
	devices   *DeviceTracker
	metrics   *metrics.Metrics
	logger    *slog.Logger

	queues *shard.Map[*deviceQueue]

	// closeMu is held shared while enqueueing and exclusively by Close, so
	// no worker starts once draining begins.
	closeMu sync.RWMutex
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup

	obsMu     sync.RWMutex
	observers []Observer
}

// NewCoordinator creates a coordinator. metrics and logger may be nil.
func NewCoordinator(cfg Config, v *Validator, wal storage.WAL, agg *rollup.Aggregator, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:       cfg,
		validator: v,
		wal:       wal,
		agg:       agg,
		devices:   NewDeviceTracker(cfg.MaxDevices, cfg.Now),
		metrics:   m,
		logger:    logging.OrNop(logger).With("component", "ingest"),
		queues:    shard.New[*deviceQueue](0),
		stop:      make(chan struct{}),
	}
}

// AddObserver registers fn for accepted readings.
func (c *Coordinator) AddObserver(fn Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

// Submit validates raw, queues it and waits until it is durable in the WAL
// and applied to rollups.
func (c *Coordinator) Submit(ctx context.Context, raw telemetry.RawReading, opts Options) (Result, error) {
	r, err := c.admit(raw, opts)
	if err != nil {
		return Result{}, err
	}

	done := make(chan outcome, 1)
	if err := c.enqueue(job{ctx: ctx, reading: r, done: done}); err != nil {
		return Result{}, err
	}
	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %w", ErrUnconfirmed, ctx.Err())
	}
}

// Enqueue validates raw and queues it without waiting for the outcome.
// Storage failures are logged and counted by the worker.
func (c *Coordinator) Enqueue(raw telemetry.RawReading, opts Options) error {
	r, err := c.admit(raw, opts)
	if err != nil {
		return err
	}
	return c.enqueue(job{ctx: context.Background(), reading: r})
}

// ItemResult is the outcome of one reading of a batch.
type ItemResult struct {
	Result Result
	Err    error
}

// SubmitBatch queues every reading before waiting, so a batch spanning many
// devices is processed in parallel. Results are returned in input order.
func (c *Coordinator) SubmitBatch(ctx context.Context, raws []telemetry.RawReading, opts Options) []ItemResult {
	out := make([]ItemResult, len(raws))
	pending := make([]chan outcome, len(raws))

	for i, raw := range raws {
		r, err := c.admit(raw, opts)
		if err != nil {
			out[i].Err = err
			continue
		}
		done := make(chan outcome, 1)
		if err := c.enqueue(job{ctx: ctx, reading: r, done: done}); err != nil {
			out[i].Err = err
			continue
		}
		pending[i] = done
	}

	for i, done := range pending {
		if done == nil {
			continue
		}
		select {
		case o := <-done:
			out[i] = ItemResult{Result: o.res, Err: o.err}
		case <-ctx.Done():
			out[i].Err = fmt.Errorf("%w: %w", ErrUnconfirmed, ctx.Err())
		}
	}
	return out
}

// QueueDepth returns the number of readings waiting for deviceID.
func (c *Coordinator) QueueDepth(deviceID string) int {
	q, ok := c.queues.Get(deviceID)
	if !ok {
		return 0
	}
	return len(q.jobs)
}

// Stats summarizes coordinator state.
type Stats struct {
	ActiveQueues int         `json:"active_queues"`
	MaxQueue     int         `json:"max_queue_depth_per_device"`
	Devices      DeviceStats `json:"devices"`
}

// Stats returns a snapshot of queue and device usage.
func (c *Coordinator) Stats() Stats {
	return Stats{
		ActiveQueues: c.queues.Len(),
		MaxQueue:     c.cfg.MaxQueueDepth,
		Devices:      c.devices.Stats(),
	}
}

// SweepDevices forgets devices idle past the retention period as of now.
func (c *Coordinator) SweepDevices(now time.Time) int {
	n := c.devices.Sweep(now)
	if n > 0 {
		c.logger.Debug("forgot idle devices", "count", n)
	}
	return n
}

// Close stops accepting readings and waits for queued readings to drain or
// for ctx to expire.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	c.closeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining ingest queues: %w", ctx.Err())
	}
}

func (c *Coordinator) admit(raw telemetry.RawReading, opts Options) (telemetry.Reading, error) {
	r, err := c.validator.Validate(raw, opts.mode())
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			c.metrics.IncRejected(string(verr.Reason))
		}
		return telemetry.Reading{}, err
	}
	if err := c.devices.Admit(r.DeviceID); err != nil {
		c.metrics.IncOverload()
		return telemetry.Reading{}, err
	}
	return r, nil
}

func (c *Coordinator) enqueue(j job) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	id := j.reading.DeviceID
	for {
		q := c.queues.GetOrCreate(id, func() *deviceQueue {
			return &deviceQueue{id: id, jobs: make(chan job, c.cfg.MaxQueueDepth)}
		})

		q.mu.Lock()
		if q.retired {
			// The worker is exiting; the next lookup creates a fresh queue.
			q.mu.Unlock()
			continue
		}
		select {
		case q.jobs <- j:
		default:
			depth := len(q.jobs)
			q.mu.Unlock()
			c.metrics.IncOverload()
			return &OverloadError{DeviceID: id, Depth: depth, Max: c.cfg.MaxQueueDepth}
		}
		if !q.running {
			q.running = true
			c.wg.Add(1)
			go c.run(q)
		}
		q.mu.Unlock()
		return nil
	}
}

// retire removes q if it is empty. It reports whether the worker should exit.
func (c *Coordinator) retire(q *deviceQueue) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) > 0 {
		return false
	}
	q.retired = true
	q.running = false
	c.queues.Delete(q.id)
	return true
}

func (c *Coordinator) run(q *deviceQueue) {
	defer c.wg.Done()

	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j := <-q.jobs:
			c.process(j)
			idle.Reset(c.cfg.IdleTimeout)
		case <-idle.C:
			if c.retire(q) {
				return
			}
			idle.Reset(c.cfg.IdleTimeout)
		case <-c.stop:
			for {
				select {
				case j := <-q.jobs:
					c.process(j)
				default:
					if c.retire(q) {
						return
					}
				}
			}
		}
	}
}

func (c *Coordinator) process(j job) {
	var out outcome
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("panic processing reading", "device_id", j.reading.DeviceID, "panic", p)
			out = outcome{err: fmt.Errorf("%w: panic processing reading: %v", telemetry.ErrStorage, p)}
		}
		if j.done != nil {
			j.done <- out
		}
	}()

	if err := j.ctx.Err(); err != nil {
		out.err = err
		return
	}

	off, err := c.appendWithRetry(j.ctx, j.reading)
	if err != nil {
		c.metrics.IncStorageError()
		c.logger.Error("WAL append failed", "device_id", j.reading.DeviceID, "error", err)
		out.err = err
		return
	}

	upd := c.agg.Update(storage.Record{Reading: j.reading, Offset: off})
	c.metrics.IncAccepted()
	out.res = Result{Reading: j.reading, Offset: off, Dropped: upd.Dropped}
	if len(upd.Dropped) > 0 {
		c.logger.Debug("late reading skipped evicted buckets",
			"device_id", j.reading.DeviceID, "timestamp", j.reading.Timestamp, "dropped", upd.Dropped)
	}

	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(out.res)
	}
}

func (c *Coordinator) appendWithRetry(ctx context.Context, r telemetry.Reading) (storage.Offset, error) {
	backoff := c.cfg.RetryBackoff
	attempts := c.cfg.StorageRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		off, err := c.wal.Append(ctx, r)
		if err == nil {
			return off, nil
		}
		if errors.Is(err, telemetry.ErrValidation) {
			return 0, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		c.logger.Warn("WAL append failed, retrying",
			"device_id", r.DeviceID, "attempt", attempt, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("%w: append %s: %v", telemetry.ErrStorage, r.DeviceID, ctx.Err())
		}
		backoff *= 2
	}

	if errors.Is(lastErr, telemetry.ErrStorage) {
		return 0, fmt.Errorf("append %s after %d attempts: %w", r.DeviceID, attempts, lastErr)
	}
	return 0, fmt.Errorf("%w: append %s after %d attempts: %v", telemetry.ErrStorage, r.DeviceID, attempts, lastErr)
}
