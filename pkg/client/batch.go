package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// BatchConfig holds configuration for the batcher
type BatchConfig struct {
	MaxBatchSize int
	FlushEvery   time.Duration

	// OnResult is called after every send, from the flushing goroutine.
	OnResult func(sent int, resp *ingest.IngestResponse, err error)
}

// BatchStats totals the outcome of every send.
type BatchStats struct {
	Sent     int64 `json:"sent"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
}

// Batcher buffers readings and sends them when the batch is full or on a
// timer. Sends are serialized, so at most one request is in flight and a
// slow server applies backpressure to Add.
type Batcher struct {
	config BatchConfig
	sender Sender

	readings []telemetry.Reading
	mu       sync.Mutex
	sendMu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sent, accepted, rejected, failed atomic.Int64
}

// NewBatcher creates a new batcher
func NewBatcher(sender Sender, config BatchConfig) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 500
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	return &Batcher{
		config:   config,
		sender:   sender,
		readings: make([]telemetry.Reading, 0, config.MaxBatchSize),
		done:     make(chan struct{}),
	}
}

// Start starts the periodic flush loop.
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// Add buffers a reading and sends the batch once it is full.
func (b *Batcher) Add(r telemetry.Reading) {
	b.mu.Lock()
	b.readings = append(b.readings, r)
	full := len(b.readings) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush sends every buffered reading.
func (b *Batcher) Flush() {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if len(b.readings) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]telemetry.Reading, len(b.readings))
	copy(batch, b.readings)
	b.readings = b.readings[:0]
	b.mu.Unlock()

	b.send(batch)
}

// Stop stops the flush loop and sends what is left.
func (b *Batcher) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.Flush()
}

// Stats returns the totals so far.
func (b *Batcher) Stats() BatchStats {
	return BatchStats{
		Sent:     b.sent.Load(),
		Accepted: b.accepted.Load(),
		Rejected: b.rejected.Load(),
		Failed:   b.failed.Load(),
	}
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

func (b *Batcher) send(batch []telemetry.Reading) {
	ctx := b.ctx
	if ctx == nil || ctx.Err() != nil {
		// Stopped: the final flush still gets a bounded attempt.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
	}

	resp, err := b.sender.Send(ctx, batch)
	b.sent.Add(int64(len(batch)))
	switch {
	case resp != nil:
		b.accepted.Add(int64(resp.Accepted))
		b.rejected.Add(int64(resp.Rejected))
	case err != nil:
		b.failed.Add(int64(len(batch)))
	}
	if b.config.OnResult != nil {
		b.config.OnResult(len(batch), resp, err)
	}
}
