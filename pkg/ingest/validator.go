package ingest

import (
	"fmt"
	"math"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Validation limits
const (
	MaxDeviceIDLength = 128 // Maximum device id length in bytes
)

// Reason classifies a validation rejection.
type Reason string

const (
	ReasonMissingField    Reason = "missing_field"
	ReasonOutOfRange      Reason = "out_of_range"
	ReasonStaleTimestamp  Reason = "stale_timestamp"
	ReasonFutureTimestamp Reason = "future_timestamp"
	ReasonMalformed       Reason = "malformed"
)

// ValidationError describes why a reading was rejected.
type ValidationError struct {
	Reason Reason
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Field)
	}
	return fmt.Sprintf("%s: %s: %s", e.Reason, e.Field, e.Detail)
}

// Unwrap makes every ValidationError match telemetry.ErrValidation.
func (e *ValidationError) Unwrap() error {
	return telemetry.ErrValidation
}

func reject(reason Reason, field, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// Mode selects which checks apply.
type Mode uint8

const (
	// ModeLive applies every check, including clock skew.
	ModeLive Mode = iota
	// ModeBackfill skips the skew checks so historical data can be loaded.
	ModeBackfill
)

func (m Mode) String() string {
	if m == ModeBackfill {
		return "backfill"
	}
	return "live"
}

// Limits are the plausibility bounds applied by a Validator.
type Limits struct {
	MaxFutureSkew  time.Duration
	MaxPastSkew    time.Duration
	VoltageRange   config.Range
	FrequencyRange config.Range
}

// LimitsFrom extracts validator limits from ingest configuration.
func LimitsFrom(cfg config.IngestConfig) Limits {
	return Limits{
		MaxFutureSkew:  cfg.MaxFutureSkew,
		MaxPastSkew:    cfg.MaxPastSkew,
		VoltageRange:   cfg.VoltageRange,
		FrequencyRange: cfg.FrequencyRange,
	}
}

// Validator turns raw readings into typed readings or rejects them. It holds
// no mutable state and is safe for concurrent use.
type Validator struct {
	limits Limits
	now    func() time.Time
}

// NewValidator creates a validator. A nil now uses time.Now.
func NewValidator(limits Limits, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{limits: limits, now: now}
}

// Validate checks raw and returns the typed reading. Rejections are always a
// *ValidationError.
func (v *Validator) Validate(raw telemetry.RawReading, mode Mode) (telemetry.Reading, error) {
	if len(raw.TypeErrors) > 0 {
		return telemetry.Reading{}, reject(ReasonMalformed, raw.TypeErrors[0], "wrong JSON type")
	}

	if raw.DeviceID == nil || *raw.DeviceID == "" {
		return telemetry.Reading{}, &ValidationError{Reason: ReasonMissingField, Field: "device_id"}
	}
	if len(*raw.DeviceID) > MaxDeviceIDLength {
		return telemetry.Reading{}, reject(ReasonOutOfRange, "device_id", "%d bytes (max %d)", len(*raw.DeviceID), MaxDeviceIDLength)
	}
	if raw.Timestamp == nil {
		return telemetry.Reading{}, &ValidationError{Reason: ReasonMissingField, Field: "timestamp"}
	}
	for _, f := range telemetry.Fields {
		if raw.Value(f) == nil {
			return telemetry.Reading{}, &ValidationError{Reason: ReasonMissingField, Field: f.String()}
		}
	}

	ts, err := telemetry.ParseTimestamp(*raw.Timestamp)
	if err != nil {
		return telemetry.Reading{}, reject(ReasonMalformed, "timestamp", "%v", err)
	}
	if storage.CheckTime(ts) != nil {
		return telemetry.Reading{}, reject(ReasonOutOfRange, "timestamp", "%s outside [%s, %s)",
			telemetry.FormatTimestamp(ts), telemetry.FormatTimestamp(storage.MinTime), telemetry.FormatTimestamp(storage.MaxTime))
	}

	r := telemetry.Reading{
		DeviceID:  *raw.DeviceID,
		Timestamp: ts,
		Power:     *raw.Power,
		Voltage:   *raw.Voltage,
		Current:   *raw.Current,
		Frequency: *raw.Frequency,
		Energy:    *raw.Energy,
	}

	for _, f := range telemetry.Fields {
		if x := r.Value(f); math.IsNaN(x) || math.IsInf(x, 0) {
			return telemetry.Reading{}, reject(ReasonOutOfRange, f.String(), "not finite")
		}
	}
	if r.Voltage <= 0 || !v.limits.VoltageRange.Contains(r.Voltage) {
		return telemetry.Reading{}, reject(ReasonOutOfRange, "voltage", "%g outside %s", r.Voltage, v.limits.VoltageRange)
	}
	if !v.limits.FrequencyRange.Contains(r.Frequency) {
		return telemetry.Reading{}, reject(ReasonOutOfRange, "frequency", "%g outside %s", r.Frequency, v.limits.FrequencyRange)
	}
	if r.Energy < 0 {
		return telemetry.Reading{}, reject(ReasonOutOfRange, "energy", "%g is negative", r.Energy)
	}

	if mode == ModeLive {
		now := v.now()
		if skew := ts.Sub(now); skew > v.limits.MaxFutureSkew {
			return telemetry.Reading{}, reject(ReasonFutureTimestamp, "timestamp", "%s ahead of server clock", skew.Round(time.Second))
		}
		if age := now.Sub(ts); age > v.limits.MaxPastSkew {
			return telemetry.Reading{}, reject(ReasonStaleTimestamp, "timestamp", "%s behind server clock", age.Round(time.Second))
		}
	}
	return r, nil
}
