package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/storage/memory"
	"github.com/nicktill/meterflow/pkg/storage/storagetest"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

func seed(t *testing.T, wal storage.WAL, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := wal.Append(context.Background(), storagetest.Reading("M1", time.Duration(i)*5*time.Minute, float64(i+1))); err != nil {
			t.Fatalf("Failed to seed WAL: %v", err)
		}
	}
}

func newCoordinator(t *testing.T, wal storage.WAL, cfg ingest.Config) (*ingest.Coordinator, *rollup.Aggregator) {
	t.Helper()
	agg := rollup.New(rollup.Options{})
	v := ingest.NewValidator(ingest.LimitsFrom(config.Default().Ingest), time.Now)
	coord := ingest.NewCoordinator(cfg, v, wal, agg, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	})
	return coord, agg
}

func TestExportToJSON(t *testing.T) {
	wal := memory.New(storage.DefaultSegmentPolicy())
	defer wal.Close()
	seed(t, wal, 6)

	exporter := NewExporter(wal)
	buf := &bytes.Buffer{}
	opts := ExportOptions{
		DeviceID: "M1",
		Start:    storagetest.Base,
		End:      storagetest.Base.Add(20 * time.Minute),
		Format:   FormatJSON,
	}

	result, err := exporter.Export(context.Background(), buf, opts)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.ReadingsExported != 4 {
		t.Errorf("Expected 4 readings exported (half-open range), got %d", result.ReadingsExported)
	}

	var doc struct {
		Metadata Metadata         `json:"metadata"`
		Readings []storage.Record `json:"readings"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("Failed to parse exported JSON: %v", err)
	}
	if doc.Metadata.Format != FormatJSON || doc.Metadata.Version != FormatVersion {
		t.Errorf("Unexpected metadata: %+v", doc.Metadata)
	}
	if doc.Metadata.DeviceID != "M1" {
		t.Errorf("Expected device M1, got %q", doc.Metadata.DeviceID)
	}
	if len(doc.Readings) != 4 {
		t.Fatalf("Expected 4 readings in output, got %d", len(doc.Readings))
	}
	for i := 1; i < len(doc.Readings); i++ {
		if !doc.Readings[i-1].Timestamp.Before(doc.Readings[i].Timestamp) {
			t.Errorf("Readings not in timestamp order at %d", i)
		}
	}
	if doc.Readings[0].Offset != 1 {
		t.Errorf("Expected first offset 1, got %d", doc.Readings[0].Offset)
	}
}

func TestExportToJSON_Empty(t *testing.T) {
	wal := memory.New(storage.DefaultSegmentPolicy())
	defer wal.Close()

	buf := &bytes.Buffer{}
	_, err := NewExporter(wal).ExportToJSON(context.Background(), buf, ExportOptions{DeviceID: "M1", Start: storagetest.Base, End: storagetest.Base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if !json.Valid(buf.Bytes()) {
		t.Fatalf("Empty export is not valid JSON: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"readings":[]`) {
		t.Errorf("Expected empty readings array, got %s", buf.String())
	}
}

func TestExportToCSV(t *testing.T) {
	wal := memory.New(storage.DefaultSegmentPolicy())
	defer wal.Close()
	seed(t, wal, 3)

	buf := &bytes.Buffer{}
	result, err := NewExporter(wal).ExportToCSV(context.Background(), buf, ExportOptions{
		DeviceID: "M1",
		Start:    storagetest.Base,
		End:      storagetest.Base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.ReadingsExported != 3 {
		t.Errorf("Expected 3 readings exported, got %d", result.ReadingsExported)
	}

	records, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Expected 4 rows (header + 3), got %d", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(csvHeader, ",") {
		t.Errorf("Unexpected header: %v", records[0])
	}
	if records[1][0] != "M1" || records[1][1] != "2024-03-01T10:00:00Z" || records[1][2] != "1" {
		t.Errorf("Unexpected first row: %v", records[1])
	}
}

func TestDecodeCSV(t *testing.T) {
	input := "timestamp,meter_id,power,voltage,current,frequency,energy,extra\n" +
		"2024-03-01T10:00:00Z,M1,2.5,230,10.8,50,0.2,ignored\n" +
		"2024-03-01T10:05:00Z,M1,abc,230,10.8,50,0.2,\n" +
		"2024-03-01T10:10:00Z,M1,,230,10.8,50,0.2,\n"

	raws, err := DecodeCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("DecodeCSV failed: %v", err)
	}
	if len(raws) != 3 {
		t.Fatalf("Expected 3 readings, got %d", len(raws))
	}
	if raws[0].DeviceID == nil || *raws[0].DeviceID != "M1" {
		t.Errorf("meter_id column not mapped to device id")
	}
	if raws[0].Power == nil || *raws[0].Power != 2.5 {
		t.Errorf("Expected power 2.5, got %v", raws[0].Power)
	}
	if len(raws[1].TypeErrors) != 1 || raws[1].TypeErrors[0] != "power" {
		t.Errorf("Expected a power type error, got %v", raws[1].TypeErrors)
	}
	if raws[2].Power != nil {
		t.Errorf("Empty cell should be missing, got %v", *raws[2].Power)
	}

	if _, err := DecodeCSV(strings.NewReader("power,voltage\n1,230\n")); !errors.Is(err, telemetry.ErrMalformed) {
		t.Errorf("Expected ErrMalformed for a header without device_id, got %v", err)
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{name: "export document", input: `{"metadata":{"format":"json"},"readings":[{"device_id":"M1"},{"device_id":"M2"}]}`, want: 2},
		{name: "bare array", input: `[{"device_id":"M1"}]`, want: 1},
		{name: "single object", input: `{"device_id":"M1","power":1}`, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raws, err := DecodeJSON(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("DecodeJSON failed: %v", err)
			}
			if len(raws) != tt.want {
				t.Errorf("Expected %d readings, got %d", tt.want, len(raws))
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	src := memory.New(storage.DefaultSegmentPolicy())
	defer src.Close()
	seed(t, src, 12)

	for _, format := range []string{FormatJSON, FormatCSV} {
		t.Run(format, func(t *testing.T) {
			buf := &bytes.Buffer{}
			if _, err := NewExporter(src).Export(context.Background(), buf, ExportOptions{
				DeviceID: "M1", Start: storage.MinTime, End: storage.MaxTime, Format: format,
			}); err != nil {
				t.Fatalf("Export failed: %v", err)
			}

			var raws []telemetry.RawReading
			var err error
			if format == FormatCSV {
				raws, err = DecodeCSV(buf)
			} else {
				raws, err = DecodeJSON(buf)
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			dst := memory.New(storage.DefaultSegmentPolicy())
			defer dst.Close()
			coord, agg := newCoordinator(t, dst, ingest.Config{})

			result, err := NewImporter(coord, ImportOptions{BatchSize: 5}).Import(context.Background(), raws)
			if err != nil {
				t.Fatalf("Import failed: %v", err)
			}
			if result.ReadingsImported != 12 || result.ReadingsRejected != 0 {
				t.Fatalf("Expected 12 imported and 0 rejected, got %+v", result)
			}
			if result.BatchesSubmitted != 3 {
				t.Errorf("Expected 3 batches, got %d", result.BatchesSubmitted)
			}

			got := storagetest.Collect(t, dst.ReadRange(context.Background(), "M1", storage.MinTime, storage.MaxTime))
			want := storagetest.Collect(t, src.ReadRange(context.Background(), "M1", storage.MinTime, storage.MaxTime))
			if len(got) != len(want) {
				t.Fatalf("Expected %d readings after import, got %d", len(want), len(got))
			}
			for i := range want {
				if !got[i].Reading.Timestamp.Equal(want[i].Timestamp) || got[i].Power != want[i].Power {
					t.Errorf("Reading %d differs: got %+v want %+v", i, got[i].Reading, want[i].Reading)
				}
			}

			hour, err := agg.Snapshot("M1", rollup.Hour, storagetest.Base)
			if err != nil {
				t.Fatalf("Imported readings were not rolled up: %v", err)
			}
			if hour.Count != 12 {
				t.Errorf("Expected 12 readings in the hour bucket, got %d", hour.Count)
			}
		})
	}
}

// flakySubmitter rejects the first n readings it sees with an overload.
type flakySubmitter struct {
	overloads atomic.Int32
	calls     atomic.Int32
	inner     Submitter
}

func (f *flakySubmitter) SubmitBatch(ctx context.Context, raws []telemetry.RawReading, opts ingest.Options) []ingest.ItemResult {
	f.calls.Add(1)
	out := make([]ingest.ItemResult, len(raws))
	var pass []telemetry.RawReading
	var passIdx []int
	for i, raw := range raws {
		if f.overloads.Add(-1) >= 0 {
			out[i].Err = &ingest.OverloadError{DeviceID: *raw.DeviceID, Depth: 1, Max: 1}
			continue
		}
		pass = append(pass, raw)
		passIdx = append(passIdx, i)
	}
	for j, r := range f.inner.SubmitBatch(ctx, pass, opts) {
		out[passIdx[j]] = r
	}
	return out
}

func TestImport_RetriesOverload(t *testing.T) {
	wal := memory.New(storage.DefaultSegmentPolicy())
	defer wal.Close()
	coord, _ := newCoordinator(t, wal, ingest.Config{})

	sub := &flakySubmitter{inner: coord}
	sub.overloads.Store(3)

	raws := make([]telemetry.RawReading, 5)
	for i := range raws {
		raws[i] = telemetry.FromReading(storagetest.Reading("M1", time.Duration(i)*time.Minute, 1))
	}

	result, err := NewImporter(sub, ImportOptions{Backoff: time.Millisecond}).Import(context.Background(), raws)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.ReadingsImported != 5 {
		t.Errorf("Expected all 5 readings imported after retry, got %d", result.ReadingsImported)
	}
	if result.Retries != 1 {
		t.Errorf("Expected 1 retry round, got %d", result.Retries)
	}
	if sub.calls.Load() != 2 {
		t.Errorf("Expected 2 submissions, got %d", sub.calls.Load())
	}
}

func TestImport_RejectsInvalid(t *testing.T) {
	wal := memory.New(storage.DefaultSegmentPolicy())
	defer wal.Close()
	coord, _ := newCoordinator(t, wal, ingest.Config{})

	bad := storagetest.Reading("M1", time.Minute, 1)
	bad.Voltage = -5
	raws := []telemetry.RawReading{
		telemetry.FromReading(storagetest.Reading("M1", 0, 1)),
		telemetry.FromReading(bad),
	}

	result, err := NewImporter(coord, ImportOptions{}).Import(context.Background(), raws)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.ReadingsImported != 1 || result.ReadingsRejected != 1 {
		t.Fatalf("Expected 1 imported and 1 rejected, got %+v", result)
	}
	if len(result.Errors) != 1 || !strings.HasPrefix(result.Errors[0], "reading 1:") {
		t.Errorf("Unexpected errors: %v", result.Errors)
	}
}

func TestHandler_ExportImport(t *testing.T) {
	wal := memory.New(storage.DefaultSegmentPolicy())
	defer wal.Close()
	seed(t, wal, 4)
	coord, _ := newCoordinator(t, wal, ingest.Config{})

	h := NewHandler(wal, coord, nil)
	h.now = func() time.Time { return storagetest.Base.Add(time.Hour) }
	r := mux.NewRouter()
	h.Register(r.PathPrefix("/v1").Subrouter())

	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		body        string
		want        int
	}{
		{name: "export json", method: http.MethodGet, target: "/v1/devices/M1/export", want: http.StatusOK},
		{name: "export csv", method: http.MethodGet, target: "/v1/devices/M1/export?format=csv", want: http.StatusOK},
		{name: "export bad format", method: http.MethodGet, target: "/v1/devices/M1/export?format=xml", want: http.StatusBadRequest},
		{name: "export inverted range", method: http.MethodGet, target: "/v1/devices/M1/export?start=2024-03-01T12:00:00Z&end=2024-03-01T10:00:00Z", want: http.StatusBadRequest},
		{name: "export too wide", method: http.MethodGet, target: "/v1/devices/M1/export?start=2024-01-01T00:00:00Z", want: http.StatusBadRequest},
		{name: "export unknown device", method: http.MethodGet, target: "/v1/devices/M9/export", want: http.StatusNotFound},
		{name: "import json", method: http.MethodPost, target: "/v1/import", contentType: "application/json",
			body: `[{"device_id":"M2","timestamp":"2024-03-01T09:00:00Z","power":1,"voltage":230,"current":4,"frequency":50,"energy":0.1}]`, want: http.StatusOK},
		{name: "import csv", method: http.MethodPost, target: "/v1/import", contentType: "text/csv; charset=utf-8",
			body: "device_id,timestamp,power,voltage,current,frequency,energy\nM3,2024-03-01T09:00:00Z,1,230,4,50,0.1\n", want: http.StatusOK},
		{name: "import malformed", method: http.MethodPost, target: "/v1/import", contentType: "application/json", body: `{nope`, want: http.StatusBadRequest},
		{name: "import wrong type", method: http.MethodPost, target: "/v1/import", contentType: "application/xml", body: `<x/>`, want: http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("Expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}

	// The CSV import went through the coordinator into the WAL.
	recs, err := wal.Tail(context.Background(), "M3", 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Expected the CSV import in the WAL, got %v (%v)", recs, err)
	}
}
