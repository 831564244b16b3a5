package query

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/meterflow/pkg/httpx"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Handler serves the device query endpoints.
type Handler struct {
	engine *Engine
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a query handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logging.OrNop(logger).With("component", "query_http"),
		now:    time.Now,
	}
}

// Register mounts the query routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/devices", h.HandleDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/kpi", h.HandleKPI).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/series", h.HandleSeries).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/latest", h.HandleLatest).Methods(http.MethodGet)
}

// DevicesResponse lists known devices.
type DevicesResponse struct {
	Devices []string `json:"devices"`
	Count   int      `json:"count"`
}

// SeriesResponse is the payload of the series endpoint.
type SeriesResponse struct {
	DeviceID    string              `json:"device_id"`
	Granularity rollup.Granularity  `json:"granularity"`
	Range       TimeRange           `json:"range"`
	Buckets     []rollup.BucketView `json:"buckets"`
}

// LatestResponse is the payload of the latest endpoint.
type LatestResponse struct {
	DeviceID string           `json:"device_id"`
	Readings []storage.Record `json:"readings"`
}

// HandleDevices handles GET /v1/devices.
func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	ids, err := h.engine.Devices(r.Context())
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, DevicesResponse{Devices: ids, Count: len(ids)})
}

// HandleKPI handles GET /v1/devices/{id}/kpi.
func (h *Handler) HandleKPI(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tr, err := h.parseRange(r)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}

	kpi, err := h.engine.KPISnapshot(r.Context(), id, tr)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, kpi)
}

// HandleSeries handles GET /v1/devices/{id}/series.
func (h *Handler) HandleSeries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tr, err := h.parseRange(r)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}

	g := rollup.Hour
	if s := r.URL.Query().Get("granularity"); s != "" {
		if g, err = rollup.ParseGranularity(s); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
	}

	views, err := h.engine.Series(r.Context(), id, g, tr)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, SeriesResponse{DeviceID: id, Granularity: g, Range: tr, Buckets: views})
}

// HandleLatest handles GET /v1/devices/{id}/latest.
func (h *Handler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q: must be a positive integer", s))
			return
		}
		limit = n
	}

	recs, err := h.engine.Latest(r.Context(), id, limit)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, LatestResponse{DeviceID: id, Readings: recs})
}

// parseRange reads window= or start=/end=. Without either the last 24 hours
// are used; end defaults to now when only start is given.
func (h *Handler) parseRange(r *http.Request) (TimeRange, error) {
	q := r.URL.Query()
	now := h.now()

	startStr, endStr := q.Get("start"), q.Get("end")
	if startStr == "" && endStr == "" {
		window := q.Get("window")
		if window == "" {
			window = WindowLast24h
		}
		return ParseWindow(window, now)
	}
	if q.Get("window") != "" {
		return TimeRange{}, fmt.Errorf("%w: window cannot be combined with start/end", telemetry.ErrValidation)
	}
	if startStr == "" {
		return TimeRange{}, fmt.Errorf("%w: start is required with end", telemetry.ErrValidation)
	}

	start, err := telemetry.ParseTimestamp(startStr)
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: start: %v", telemetry.ErrValidation, err)
	}
	end := now.UTC()
	if endStr != "" {
		if end, err = telemetry.ParseTimestamp(endStr); err != nil {
			return TimeRange{}, fmt.Errorf("%w: end: %v", telemetry.ErrValidation, err)
		}
	}
	tr := TimeRange{Start: start, End: end}
	return tr, tr.Validate()
}

func (h *Handler) respondQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, telemetry.ErrValidation):
		httpx.RespondError(w, http.StatusBadRequest, err)
	case errors.Is(err, telemetry.ErrNotFound):
		httpx.RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, telemetry.ErrTimeout):
		httpx.RespondError(w, http.StatusGatewayTimeout, err)
	default:
		h.logger.Error("query failed", "error", err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
	}
}
