package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/httpx"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

const (
	// API timeouts
	ingestTimeout = 10 * time.Second

	// Seconds a client should wait after a 429
	retryAfterSeconds = "1"
)

// Handler serves the reading ingestion endpoints.
type Handler struct {
	coord        *Coordinator
	maxReadings  int
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewHandler creates an ingest handler. maxReadings caps the readings in one
// request; non-positive uses the default.
func NewHandler(coord *Coordinator, maxReadings int, logger *slog.Logger) *Handler {
	if maxReadings <= 0 {
		maxReadings = config.DefaultMaxReadingsPerRequest
	}
	return &Handler{
		coord:        coord,
		maxReadings:  maxReadings,
		maxBodyBytes: config.DefaultMaxBodyBytes,
		logger:       logging.OrNop(logger).With("component", "ingest_http"),
	}
}

// Register mounts the ingest routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/readings", h.HandleReadings).Methods(http.MethodPost)
	r.HandleFunc("/readings/backfill", h.HandleBackfill).Methods(http.MethodPost)
}

// ItemResponse is the outcome of one reading in a request.
type ItemResponse struct {
	Index   int                  `json:"index"`
	Status  string               `json:"status"`
	Offset  storage.Offset       `json:"offset,omitempty"`
	Dropped []rollup.Granularity `json:"dropped,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	Field   string               `json:"field,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// IngestResponse represents the response payload.
type IngestResponse struct {
	Status   string         `json:"status"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []ItemResponse `json:"results"`
}

// HandleReadings handles POST /v1/readings (live mode).
func (h *Handler) HandleReadings(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, Options{})
}

// HandleBackfill handles POST /v1/readings/backfill (no skew checks).
func (h *Handler) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, Options{Backfill: true})
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, opts Options) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		httpx.RespondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("reading body: %w", err))
		return
	}

	raws, err := telemetry.DecodeRawBatch(body)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if len(raws) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "no readings in request")
		return
	}
	if len(raws) > h.maxReadings {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("too many readings in request (max %d)", h.maxReadings))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancel()

	results := h.coord.SubmitBatch(ctx, raws, opts)
	resp, status := buildResponse(results)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if resp.Rejected > 0 {
		h.logger.Debug("readings rejected", "accepted", resp.Accepted, "rejected", resp.Rejected, "status", status)
	}
	httpx.RespondJSON(w, status, resp)
}

// buildResponse maps per-item outcomes to a response and status code. When
// nothing was accepted the most severe failure class decides the status:
// timeout (504) over storage (503) over overload (429) over validation (422).
// A timed-out item has an unknown outcome: it may still be written after the
// response is sent, so clients must not blindly resend it.
func buildResponse(results []ItemResult) (IngestResponse, int) {
	resp := IngestResponse{Results: make([]ItemResponse, len(results))}

	var timedOut, storageFailed, overloaded bool
	for i, res := range results {
		item := ItemResponse{Index: i}
		if res.Err == nil {
			item.Status = "accepted"
			item.Offset = res.Result.Offset
			item.Dropped = res.Result.Dropped
			resp.Accepted++
			resp.Results[i] = item
			continue
		}

		item.Status = "rejected"
		item.Error = res.Err.Error()
		var verr *ValidationError
		switch {
		case errors.As(res.Err, &verr):
			item.Reason = string(verr.Reason)
			item.Field = verr.Field
		case errors.Is(res.Err, telemetry.ErrOverload):
			item.Reason = "overload"
			overloaded = true
		case errors.Is(res.Err, ErrUnconfirmed):
			item.Reason = "timeout"
			timedOut = true
		case errors.Is(res.Err, ErrClosed):
			item.Reason = "shutting_down"
			storageFailed = true
		default:
			item.Reason = "storage"
			storageFailed = true
		}
		resp.Rejected++
		resp.Results[i] = item
	}

	switch {
	case resp.Rejected == 0:
		resp.Status = "success"
		return resp, http.StatusOK
	case resp.Accepted > 0:
		resp.Status = "partial"
		return resp, http.StatusOK
	case timedOut:
		resp.Status = "timeout"
		return resp, http.StatusGatewayTimeout
	case storageFailed:
		resp.Status = "error"
		return resp, http.StatusServiceUnavailable
	case overloaded:
		resp.Status = "overloaded"
		return resp, http.StatusTooManyRequests
	default:
		resp.Status = "rejected"
		return resp, http.StatusUnprocessableEntity
	}
}
