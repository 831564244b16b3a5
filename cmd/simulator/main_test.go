package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/simulate"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// TestMessageIsAccepted checks the published payload passes live validation
// and decodes back to the generated reading.
func TestMessageIsAccepted(t *testing.T) {
	now := time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC)
	r := simulate.New(simulate.Config{Meters: 1, Seed: 5}).Tick(now)[0]

	payload, err := json.Marshal(toMessage(r))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw, err := telemetry.DecodeRaw(payload)
	if err != nil {
		t.Fatalf("DecodeRaw: %v", err)
	}

	v := ingest.NewValidator(ingest.LimitsFrom(config.Default().Ingest), func() time.Time { return now })
	got, err := v.Validate(raw, ingest.ModeLive)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !got.Timestamp.Equal(r.Timestamp) {
		t.Fatalf("Expected timestamp %v, got %v", r.Timestamp, got.Timestamp)
	}
	got.Timestamp = r.Timestamp
	if got != r {
		t.Errorf("Expected %+v, got %+v", r, got)
	}
}
