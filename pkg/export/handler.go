package export

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/httpx"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// MaxImportBytes caps the body of an import request.
const MaxImportBytes = 64 << 20

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new export/import handler
func NewHandler(wal storage.WAL, sub Submitter, logger *slog.Logger) *Handler {
	logger = logging.OrNop(logger)
	return &Handler{
		exporter: NewExporter(wal),
		importer: NewImporter(sub, ImportOptions{Logger: logger}),
		logger:   logger.With("component", "export_http"),
		now:      time.Now,
	}
}

// Register mounts the export and import routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/devices/{id}/export", h.HandleExport).Methods(http.MethodGet)
	r.HandleFunc("/import", h.HandleImport).Methods(http.MethodPost)
}

// HandleExport handles GET /v1/devices/{id}/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	end, err := parseTimeParam(query.Get("end"), h.now().UTC())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
		return
	}
	start, err := parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("Time range too large. Maximum is %v", config.MaxExportWindow))
		return
	}

	ctx := r.Context()
	if err := h.exporter.CheckDevice(ctx, id); err != nil {
		if errors.Is(err, telemetry.ErrNotFound) {
			httpx.RespondError(w, http.StatusNotFound, err)
			return
		}
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
		return
	}

	timestamp := h.now().UTC().Format("20060102-150405")
	if format == FormatJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=meterflow-%s-%s.%s", id, timestamp, format))

	result, err := h.exporter.Export(ctx, w, ExportOptions{DeviceID: id, Start: start, End: end, Format: format})
	if err != nil {
		// Headers and part of the body are already out.
		h.logger.Error("export failed", "device_id", id, "format", format, "error", err)
		return
	}
	h.logger.Info("export finished", "device_id", id, "format", format,
		"readings", result.ReadingsExported, "range", result.TimeRange)
}

// HandleImport handles POST /v1/import
// Accepts an export document (JSON or CSV) and feeds it through ingestion in
// backfill mode.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch mediaType {
		case "application/json", "":
			format = FormatJSON
		case "text/csv":
			format = FormatCSV
		default:
			httpx.RespondErrorString(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json or text/csv")
			return
		}
	}

	body := http.MaxBytesReader(w, r.Body, MaxImportBytes)
	var (
		raws []telemetry.RawReading
		err  error
	)
	switch format {
	case FormatJSON:
		raws, err = DecodeJSON(body)
	case FormatCSV:
		raws, err = DecodeCSV(body)
	default:
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.importer.Import(r.Context(), raws)
	if err != nil {
		h.logger.Warn("import interrupted", "imported", result.ReadingsImported, "error", err)
		httpx.RespondJSON(w, http.StatusServiceUnavailable, result)
		return
	}

	if len(result.Errors) > 0 {
		h.logger.Warn("import completed with rejected readings",
			"rejected", result.ReadingsRejected, "first_error", result.Errors[0])
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// parseTimeParam parses a time parameter or returns the default.
func parseTimeParam(param string, def time.Time) (time.Time, error) {
	if param == "" {
		return def, nil
	}
	return telemetry.ParseTimestamp(param)
}
