package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/meterflow/pkg/telemetry"
)

func serve(t *testing.T, h *harness, maxReadings int, path, body string) (*httptest.ResponseRecorder, IngestResponse) {
	t.Helper()
	router := mux.NewRouter()
	NewHandler(h.coord, maxReadings, nil).Register(router.PathPrefix("/v1").Subrouter())

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var resp IngestResponse
	if rr.Code != http.StatusBadRequest {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr, resp
}

func jsonReading(device string, ts time.Time, voltage float64) string {
	r := map[string]any{
		"device_id": device,
		"timestamp": telemetry.FormatTimestamp(ts),
		"power":     2.0,
		"voltage":   voltage,
		"current":   8.7,
		"frequency": 50.0,
		"energy":    0.1,
	}
	b, _ := json.Marshal(r)
	return string(b)
}

func TestHandleReadings_Statuses(t *testing.T) {
	ok := jsonReading("M1", hour10, 230)
	bad := jsonReading("M1", hour10, -5)

	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantAccepted int
		wantRejected int
	}{
		{"single object", ok, http.StatusOK, 1, 0},
		{"array", "[" + ok + "," + jsonReading("M2", hour10, 231) + "]", http.StatusOK, 2, 0},
		{"partial", "[" + ok + "," + bad + "]", http.StatusOK, 1, 1},
		{"all invalid", "[" + bad + "]", http.StatusUnprocessableEntity, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			rr, resp := serve(t, h, 0, "/v1/readings", tt.body)

			require.Equal(t, tt.wantStatus, rr.Code)
			require.Equal(t, tt.wantAccepted, resp.Accepted)
			require.Equal(t, tt.wantRejected, resp.Rejected)
		})
	}
}

func TestHandleReadings_ValidationDetail(t *testing.T) {
	h := newHarness(t, Config{})
	rr, resp := serve(t, h, 0, "/v1/readings", jsonReading("M1", hour10, -5))

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Len(t, resp.Results, 1)
	require.Equal(t, string(ReasonOutOfRange), resp.Results[0].Reason)
	require.Equal(t, "voltage", resp.Results[0].Field)
}

func TestHandleReadings_Overload(t *testing.T) {
	h := newHarness(t, Config{MaxQueueDepth: 1})
	h.wal.entered = make(chan struct{}, 4)
	h.wal.release = make(chan struct{})
	defer close(h.wal.release)

	require.NoError(t, h.coord.Enqueue(reading("M1", hour10, 1), Options{}))
	<-h.wal.entered
	require.NoError(t, h.coord.Enqueue(reading("M1", hour10, 1), Options{}))

	rr, resp := serve(t, h, 0, "/v1/readings", jsonReading("M1", hour10, 230))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "1", rr.Header().Get("Retry-After"))
	require.Equal(t, "overload", resp.Results[0].Reason)
}

func TestHandleReadings_StorageFailure(t *testing.T) {
	h := newHarness(t, Config{StorageRetries: 1})
	h.wal.failures.Store(100)

	rr, resp := serve(t, h, 0, "/v1/readings", jsonReading("M1", hour10, 230))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "storage", resp.Results[0].Reason)
}

func TestHandleReadings_TimeoutIsNotStorageFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.wal.entered = make(chan struct{}, 1)
	h.wal.release = make(chan struct{})
	defer close(h.wal.release)

	router := mux.NewRouter()
	NewHandler(h.coord, 0, nil).Register(router.PathPrefix("/v1").Subrouter())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/readings",
		strings.NewReader(jsonReading("M1", hour10, 230))).WithContext(ctx)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, http.StatusGatewayTimeout, rr.Code)
	require.Equal(t, "timeout", resp.Status)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "timeout", resp.Results[0].Reason)
}

func TestBuildResponse_TimeoutOutranksStorage(t *testing.T) {
	resp, status := buildResponse([]ItemResult{
		{Err: fmt.Errorf("%w: append M1", telemetry.ErrStorage)},
		{Err: fmt.Errorf("%w: %w", ErrUnconfirmed, context.DeadlineExceeded)},
	})
	require.Equal(t, http.StatusGatewayTimeout, status)
	require.Equal(t, "storage", resp.Results[0].Reason)
	require.Equal(t, "timeout", resp.Results[1].Reason)
}

func TestHandleReadings_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", "{not json"},
		{"empty body", ""},
		{"empty array", "[]"},
		{"too many readings", "[" + strings.Repeat(jsonReading("M1", hour10, 230)+",", 2) + jsonReading("M1", hour10, 230) + "]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			rr, _ := serve(t, h, 2, "/v1/readings", tt.body)
			require.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestHandleBackfill_AcceptsOldReadings(t *testing.T) {
	h := newHarness(t, Config{})
	old := testNow.Add(-10 * 24 * time.Hour)

	rr, _ := serve(t, h, 0, "/v1/readings", jsonReading("M1", old, 230))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr, resp := serve(t, h, 0, "/v1/readings/backfill", jsonReading("M1", old, 230))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, resp.Accepted)
}

func TestHandleReadings_LegacyMeterID(t *testing.T) {
	h := newHarness(t, Config{})
	body := `{"meter_id": 1000000042, "timestamp": "2024-03-01T10:10:00", "power": 1.5,
		"voltage": 229.5, "current": 6.5, "frequency": 50.01, "energy": 0.125}`

	rr, resp := serve(t, h, 0, "/v1/readings", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, 1, resp.Accepted)
	require.True(t, h.agg.HasDevice("1000000042"))
}
