// Package engine wires the ingestion, rollup, query and eviction components
// into one explicitly constructed object. There is no package-level state:
// tests build as many engines as they like, each over its own WAL.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/eviction"
	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/query"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/server/monitor"
	"github.com/nicktill/meterflow/pkg/storage"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("engine already started")

// Options configures an Engine. Every field is optional.
type Options struct {
	// Persister stores rollup checkpoints. Nil keeps rollups in memory only;
	// they are rebuilt from the WAL on restart.
	Persister rollup.Persister
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Now replaces the wall clock for validation and eviction.
	Now func() time.Time
}

// Engine owns every long-lived component of a meterflow process.
type Engine struct {
	Validator   *ingest.Validator
	Aggregator  *rollup.Aggregator
	Coordinator *ingest.Coordinator
	Query       *query.Engine
	Eviction    *eviction.Manager
	Health      *monitor.EvictionMonitor
	Hub         *ingest.ReadingsHub

	cfg     *config.Config
	wal     storage.WAL
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine over wal. A nil cfg uses config.Default().
func New(cfg *config.Config, wal storage.WAL, opts Options) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.OrNop(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	agg := rollup.New(rollup.Options{
		Persister: opts.Persister,
		Metrics:   opts.Metrics,
		Logger:    logger,
	})
	validator := ingest.NewValidator(ingest.LimitsFrom(cfg.Ingest), now)
	coordCfg := ingest.ConfigFrom(cfg.Ingest)
	coordCfg.Now = now
	coord := ingest.NewCoordinator(coordCfg, validator, wal, agg, opts.Metrics, logger)
	health := monitor.NewEvictionMonitor(cfg.Eviction.Interval)
	hub := ingest.NewReadingsHub(logger)
	coord.AddObserver(hub.Publish)

	return &Engine{
		Validator:   validator,
		Aggregator:  agg,
		Coordinator: coord,
		Query:       query.New(wal, agg, query.Options{Timeout: cfg.Query.Timeout, Metrics: opts.Metrics}),
		Eviction: eviction.NewManager(wal, agg, eviction.Options{
			Policy:   eviction.PolicyFrom(cfg.Retention),
			Interval: cfg.Eviction.Interval,
			Compact:  cfg.Eviction.Compact,
			Metrics:  opts.Metrics,
			Logger:   logger,
			Recorder: health,
			Now:      now,
		}),
		Health:  health,
		Hub:     hub,
		cfg:     cfg,
		wal:     wal,
		metrics: opts.Metrics,
		now:     now,
		logger:  logger.With("component", "engine"),
	}
}

// WAL returns the log the engine writes to.
func (e *Engine) WAL() storage.WAL {
	return e.wal
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Start restores rollups from the persister and the WAL, then launches the
// background loops: eviction, checkpointing, idle device sweeps, the
// WebSocket hub and, for backends that need it, garbage collection. ctx
// bounds the restore only; the loops run until Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	if err := e.Aggregator.Restore(ctx, e.wal); err != nil {
		return fmt.Errorf("restoring rollups: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true

	e.goLoop(func() { e.Eviction.Run(loopCtx) })
	e.goLoop(func() { e.Hub.Run(loopCtx) })
	e.goLoop(func() { e.runCheckpoints(loopCtx, e.cfg.Rollup.CheckpointInterval) })
	e.goLoop(func() { e.runDeviceSweep(loopCtx, ingest.DeviceSweepInterval) })
	if gc, ok := e.wal.(storage.GarbageCollector); ok {
		e.goLoop(func() { e.runGC(loopCtx, gc, config.BadgerGCInterval) })
	}

	e.logger.Info("engine started",
		"eviction_interval", e.cfg.Eviction.Interval,
		"checkpoint_interval", e.cfg.Rollup.CheckpointInterval,
		"raw_retention", e.cfg.Retention.Raw,
		"grace", e.cfg.Retention.Grace)
	return nil
}

func (e *Engine) goLoop(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Close drains the ingest queues, stops the background loops and writes a
// final rollup checkpoint. The WAL is left open for the caller to close.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if err := e.Coordinator.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if e.cancel != nil {
		e.cancel()
		stopped := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("stopping background loops: %w", ctx.Err()))
		}
	}

	if err := e.Aggregator.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		e.logger.Error("engine closed with errors", "error", err)
		return err
	}
	e.logger.Info("engine closed")
	return nil
}

// Stats is the payload of the stats endpoint.
type Stats struct {
	Ingest   ingest.Stats           `json:"ingest"`
	Rollup   rollup.Stats           `json:"rollup"`
	Storage  *storage.Stats         `json:"storage,omitempty"`
	Eviction monitor.EvictionStatus `json:"eviction"`
}

// Stats gathers component statistics. A storage failure is returned along
// with the in-memory figures.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Ingest:   e.Coordinator.Stats(),
		Rollup:   e.Aggregator.Stats(),
		Eviction: e.Health.Status(),
	}
	walStats, err := e.wal.Stats(ctx)
	if err != nil {
		return s, err
	}
	s.Storage = walStats
	return s, nil
}
