package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/meterflow/pkg/client"
	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/engine"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/query"
	"github.com/nicktill/meterflow/pkg/server"
	"github.com/nicktill/meterflow/pkg/server/monitor"
	"github.com/nicktill/meterflow/pkg/simulate"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

var (
	historyStart = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	historyEnd   = historyStart.Add(2 * time.Hour)
)

type stack struct {
	store  *server.Storage
	engine *engine.Engine
	http   *httptest.Server
}

// startStack opens badger storage in dataDir and serves the full router.
func startStack(t *testing.T, dataDir string) *stack {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendBadger
	cfg.Storage.DataDir = dataDir

	store, err := server.OpenStorage(context.Background(), cfg.Storage, nil)
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	eng := engine.New(cfg, store.WAL, engine.Options{
		Persister: store.Persister,
		Metrics:   m,
		Now:       func() time.Time { return historyEnd.Add(time.Minute) },
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	router := server.NewRouter(server.RouterOptions{
		Engine:         eng,
		StorageMonitor: monitor.NewStorageMonitor(dataDir, cfg.Storage.MaxStorageGB<<30),
		Backend:        store.Backend,
		Metrics:        m,
		Version:        "test",
	})
	return &stack{store: store, engine: eng, http: httptest.NewServer(router)}
}

func (s *stack) stop(t *testing.T) {
	t.Helper()
	s.http.Close()
	if err := s.engine.Close(context.Background()); err != nil {
		t.Errorf("engine Close: %v", err)
	}
	if err := s.store.Close(); err != nil {
		t.Errorf("storage Close: %v", err)
	}
}

func getKPI(t *testing.T, baseURL, device string) query.KPI {
	t.Helper()
	url := fmt.Sprintf("%s/v1/devices/%s/kpi?start=%s&end=%s", baseURL, device,
		historyStart.Format(time.RFC3339), historyEnd.Format(time.RFC3339))
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET kpi: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var kpi query.KPI
	if err := json.NewDecoder(resp.Body).Decode(&kpi); err != nil {
		t.Fatalf("decode kpi: %v", err)
	}
	return kpi
}

// TestE2E_BackfillQueryRestart loads two hours of history through the HTTP
// client, checks the KPIs, then restarts on the same data directory and
// checks they survive.
func TestE2E_BackfillQueryRestart(t *testing.T) {
	dataDir := t.TempDir()
	s := startStack(t, dataDir)

	sender, err := client.NewHTTP(client.Config{BaseURL: s.http.URL, Backfill: true})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	batcher := client.NewBatcher(sender, client.BatchConfig{MaxBatchSize: 50, FlushEvery: time.Hour})
	batcher.Start(context.Background())

	gen := simulate.New(simulate.Config{Meters: 3, Step: simulate.DefaultHistoryStep, Seed: 11})
	energy := map[string]float64{}
	var total int64
	for _, readings := range gen.History(historyStart, historyEnd) {
		for _, r := range readings {
			energy[r.DeviceID] += r.Energy
			total++
			batcher.Add(r)
		}
	}
	batcher.Stop()

	stats := batcher.Stats()
	if stats.Sent != total || stats.Accepted != total || stats.Failed != 0 {
		t.Fatalf("Expected %d readings accepted, got %+v", total, stats)
	}

	before := map[string]query.KPI{}
	for _, id := range gen.IDs() {
		kpi := getKPI(t, s.http.URL, id)
		if kpi.Count != 24 {
			t.Errorf("%s: expected 24 readings, got %d", id, kpi.Count)
		}
		if kpi.TotalEnergy == nil || math.Abs(*kpi.TotalEnergy-energy[id]) > 1e-9 {
			t.Errorf("%s: expected total energy %v, got %v", id, energy[id], kpi.TotalEnergy)
		}
		before[id] = kpi
	}
	s.stop(t)

	s = startStack(t, dataDir)
	defer s.stop(t)

	for _, id := range gen.IDs() {
		kpi := getKPI(t, s.http.URL, id)
		want := before[id]
		if kpi.Count != want.Count {
			t.Errorf("%s: count after restart %d, want %d", id, kpi.Count, want.Count)
		}
		if kpi.PeakPower == nil || want.PeakPower == nil || *kpi.PeakPower != *want.PeakPower {
			t.Errorf("%s: peak power changed across restart", id)
		}
		if kpi.TotalEnergy == nil || math.Abs(*kpi.TotalEnergy-*want.TotalEnergy) > 1e-9 {
			t.Errorf("%s: total energy changed across restart", id)
		}
	}
}

// TestE2E_RejectsImplausibleReading checks the live endpoint end to end.
func TestE2E_RejectsImplausibleReading(t *testing.T) {
	s := startStack(t, t.TempDir())
	defer s.stop(t)

	sender, err := client.NewHTTP(client.Config{BaseURL: s.http.URL, MaxRetries: -1})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}

	r := simulate.New(simulate.Config{Meters: 1, Seed: 3}).Tick(historyEnd)[0]
	r.Voltage = -5

	resp, err := sender.Send(context.Background(), []telemetry.Reading{r})
	if err == nil {
		t.Fatal("Expected rejection, got nil error")
	}
	if resp == nil || resp.Rejected != 1 || resp.Accepted != 0 {
		t.Fatalf("Expected one rejected reading, got %+v", resp)
	}
}
