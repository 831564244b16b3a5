package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned when a payload is not a JSON object (or array of
// objects) at all.
var ErrMalformed = errors.New("malformed payload")

// RawReading is an undecoded reading as delivered by a transport. Every field
// is optional so the validator can tell a missing field from a zero value.
type RawReading struct {
	DeviceID  *string
	Timestamp *string
	Power     *float64
	Voltage   *float64
	Current   *float64
	Frequency *float64
	Energy    *float64

	// TypeErrors lists fields that were present with the wrong JSON type.
	TypeErrors []string
}

// Value returns the raw value of field f, or nil if it was absent.
func (r RawReading) Value(f Field) *float64 {
	switch f {
	case FieldPower:
		return r.Power
	case FieldVoltage:
		return r.Voltage
	case FieldCurrent:
		return r.Current
	case FieldFrequency:
		return r.Frequency
	case FieldEnergy:
		return r.Energy
	}
	return nil
}

// FromReading converts a typed reading back into raw form, used by producers
// that already hold typed values (imports, backfill) so they share the
// validator with the wire path.
func FromReading(r Reading) RawReading {
	id := r.DeviceID
	ts := FormatTimestamp(r.Timestamp)
	vals := [NumFields]float64{r.Power, r.Voltage, r.Current, r.Frequency, r.Energy}
	return RawReading{
		DeviceID:  &id,
		Timestamp: &ts,
		Power:     &vals[FieldPower],
		Voltage:   &vals[FieldVoltage],
		Current:   &vals[FieldCurrent],
		Frequency: &vals[FieldFrequency],
		Energy:    &vals[FieldEnergy],
	}
}

// DecodeRaw decodes one JSON reading object. Unknown keys are ignored.
// The legacy "meter_id" key is accepted when "device_id" is absent.
func DecodeRaw(payload []byte) (RawReading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return RawReading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return RawReading{}, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	return decodeFields(fields), nil
}

// DecodeRawBatch decodes either a single reading object or an array of them.
func DecodeRawBatch(payload []byte) ([]RawReading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if trimmed[0] != '[' {
		raw, err := DecodeRaw(trimmed)
		if err != nil {
			return nil, err
		}
		return []RawReading{raw}, nil
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make([]RawReading, 0, len(items))
	for _, item := range items {
		out = append(out, decodeFields(item))
	}
	return out, nil
}

func decodeFields(fields map[string]json.RawMessage) RawReading {
	var raw RawReading

	idMsg, ok := fields["device_id"]
	if !ok || isNull(idMsg) {
		idMsg, ok = fields["meter_id"]
	}
	if ok && !isNull(idMsg) {
		if id, good := decodeID(idMsg); good {
			raw.DeviceID = &id
		} else {
			raw.TypeErrors = append(raw.TypeErrors, "device_id")
		}
	}

	if msg, ok := fields["timestamp"]; ok && !isNull(msg) {
		var ts string
		if err := json.Unmarshal(msg, &ts); err != nil {
			raw.TypeErrors = append(raw.TypeErrors, "timestamp")
		} else {
			raw.Timestamp = &ts
		}
	}

	targets := [NumFields]**float64{&raw.Power, &raw.Voltage, &raw.Current, &raw.Frequency, &raw.Energy}
	for _, f := range Fields {
		msg, ok := fields[f.String()]
		if !ok || isNull(msg) {
			continue
		}
		var v float64
		if err := json.Unmarshal(msg, &v); err != nil {
			raw.TypeErrors = append(raw.TypeErrors, f.String())
			continue
		}
		*targets[f] = &v
	}
	return raw
}

// decodeID accepts a JSON string or a bare JSON number (meter ids are often
// numeric) and returns its textual form.
func decodeID(msg json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(msg, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), true
		}
	}
	return "", false
}

func isNull(msg json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(msg), []byte("null"))
}

// Naive layouts carry no zone and are read as UTC, which is what producers
// calling datetime.utcnow().isoformat() emit.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp parses an ISO-8601 timestamp. Values with an offset are
// converted to UTC; values without one are taken to be UTC already.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// FormatTimestamp renders t as RFC 3339 in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
