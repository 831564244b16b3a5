// Package client sends meter readings to a meterflow server over HTTP. It
// backs off when the server reports overload (429 with Retry-After) or is
// unavailable (503), and batches readings for bulk loads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 5
	DefaultBackoff    = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second

	liveEndpoint     = "/v1/readings"
	backfillEndpoint = "/v1/readings/backfill"
)

// ErrRejected is returned when the server rejected every reading of a
// request for a reason retrying cannot fix.
var ErrRejected = errors.New("readings rejected")

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// Sender delivers a batch of readings.
type Sender interface {
	Send(ctx context.Context, readings []telemetry.Reading) (*ingest.IngestResponse, error)
}

// Config configures an HTTP client.
type Config struct {
	// BaseURL of the server, e.g. http://localhost:8080.
	BaseURL string
	// Backfill posts to the backfill endpoint, which skips clock skew checks.
	Backfill   bool
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// HTTP implements Sender against the ingest endpoints.
type HTTP struct {
	endpoint   string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewHTTP creates a new HTTP sender.
func NewHTTP(cfg Config) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	path := liveEndpoint
	if cfg.Backfill {
		path = backfillEndpoint
	}
	return &HTTP{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + path,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: max(cfg.MaxRetries, 0),
		backoff:    cfg.Backoff,
		sleep:      sleepCtx,
	}, nil
}

// Endpoint returns the URL readings are posted to.
func (h *HTTP) Endpoint() string {
	return h.endpoint
}

// Send posts readings as one JSON array. Overload and unavailability are
// retried; a partial success is returned without error so the caller can
// inspect the per-item results.
func (h *HTTP) Send(ctx context.Context, readings []telemetry.Reading) (*ingest.IngestResponse, error) {
	if len(readings) == 0 {
		return &ingest.IngestResponse{Status: "success"}, nil
	}

	body, err := json.Marshal(readings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal readings: %w", err)
	}

	for attempt := 0; ; attempt++ {
		resp, wait, err := h.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		if wait < 0 || attempt >= h.maxRetries {
			return resp, err
		}
		if wait == 0 {
			wait = min(h.backoff<<attempt, maxBackoff)
		}
		if err := h.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// post sends one request. wait is negative when the failure must not be
// retried, zero to use the exponential backoff, and positive when the server
// asked for a specific delay.
func (h *HTTP) post(ctx context.Context, body []byte) (*ingest.IngestResponse, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, -1, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, -1, ctx.Err()
		}
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	var ir ingest.IngestResponse
	decoded := json.Unmarshal(data, &ir) == nil

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		if !decoded {
			return nil, -1, fmt.Errorf("failed to decode response: %s", truncate(data))
		}
		return &ir, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("%w: server overloaded", telemetry.ErrOverload)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, retryAfter(resp.Header.Get("Retry-After")), &StatusError{StatusCode: resp.StatusCode, Body: truncate(data)}
	case resp.StatusCode == http.StatusUnprocessableEntity && decoded:
		return &ir, -1, fmt.Errorf("%w: %d readings", ErrRejected, ir.Rejected)
	default:
		return nil, -1, &StatusError{StatusCode: resp.StatusCode, Body: truncate(data)}
	}
}

// retryAfter parses a Retry-After header in seconds. Zero means absent.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
