package query

import (
	"fmt"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// ErrInvalidRange marks an empty, inverted or oversized time range.
var ErrInvalidRange = fmt.Errorf("%w: invalid time range", telemetry.ErrValidation)

// TimeRange is the half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the length of the range.
func (tr TimeRange) Duration() time.Duration {
	return tr.End.Sub(tr.Start)
}

// Validate rejects empty ranges and ranges wider than the query limit.
func (tr TimeRange) Validate() error {
	if !tr.Start.Before(tr.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidRange,
			telemetry.FormatTimestamp(tr.Start), telemetry.FormatTimestamp(tr.End))
	}
	if tr.Duration() > config.MaxQueryWindow {
		return fmt.Errorf("%w: %s exceeds the %s limit", ErrInvalidRange, tr.Duration(), config.MaxQueryWindow)
	}
	return nil
}

func (tr TimeRange) utc() TimeRange {
	return TimeRange{Start: tr.Start.UTC(), End: tr.End.UTC()}
}

// Named windows accepted by ParseWindow.
const (
	WindowLastHour  = "last_1h"
	WindowLast24h   = "last_24h"
	WindowLast7d    = "last_7d"
	WindowToday     = "today"
	WindowYesterday = "yesterday"
)

// ParseWindow resolves a named window relative to now. Day windows are
// aligned to UTC midnight.
func ParseWindow(name string, now time.Time) (TimeRange, error) {
	now = now.UTC()
	midnight := rollup.Day.Floor(now)
	switch name {
	case WindowLastHour:
		return TimeRange{Start: now.Add(-time.Hour), End: now}, nil
	case WindowLast24h:
		return TimeRange{Start: now.Add(-24 * time.Hour), End: now}, nil
	case WindowLast7d:
		return TimeRange{Start: now.Add(-7 * 24 * time.Hour), End: now}, nil
	case WindowToday:
		return TimeRange{Start: midnight, End: now}, nil
	case WindowYesterday:
		return TimeRange{Start: midnight.Add(-24 * time.Hour), End: midnight}, nil
	}
	return TimeRange{}, fmt.Errorf("%w: unknown window %q", telemetry.ErrValidation, name)
}

// KPI is the summary of one device over a time range. Value fields are nil
// when the range holds no readings.
type KPI struct {
	DeviceID     string    `json:"device_id"`
	Range        TimeRange `json:"range"`
	Count        int64     `json:"count"`
	NoData       bool      `json:"no_data"`
	AvgPower     *float64  `json:"avg_power"`
	PeakPower    *float64  `json:"peak_power"`
	MinPower     *float64  `json:"min_power"`
	AvgVoltage   *float64  `json:"avg_voltage"`
	AvgCurrent   *float64  `json:"avg_current"`
	AvgFrequency *float64  `json:"avg_frequency"`
	TotalEnergy  *float64  `json:"total_energy"`
}

// accumulator merges bucket views and raw readings into count-weighted
// totals.
type accumulator struct {
	count  int64
	fields [telemetry.NumFields]rollup.Stat
}

func (a *accumulator) addView(v rollup.BucketView) {
	if v.Count == 0 {
		return
	}
	for _, f := range telemetry.Fields {
		a.merge(f, v.Stat(f))
	}
	a.count += v.Count
}

func (a *accumulator) addReading(r telemetry.Reading) {
	for _, f := range telemetry.Fields {
		v := r.Value(f)
		a.merge(f, rollup.Stat{Sum: v, Min: v, Max: v})
	}
	a.count++
}

// merge folds s into field f. Callers bump count afterwards.
func (a *accumulator) merge(f telemetry.Field, s rollup.Stat) {
	cur := &a.fields[f]
	if a.count == 0 {
		*cur = s
		return
	}
	cur.Sum += s.Sum
	cur.Min = min(cur.Min, s.Min)
	cur.Max = max(cur.Max, s.Max)
}

func (a *accumulator) kpi(deviceID string, tr TimeRange) KPI {
	k := KPI{DeviceID: deviceID, Range: tr, Count: a.count}
	if a.count == 0 {
		k.NoData = true
		return k
	}
	n := float64(a.count)
	avg := func(f telemetry.Field) *float64 {
		v := a.fields[f].Sum / n
		return &v
	}
	val := func(v float64) *float64 { return &v }

	k.AvgPower = avg(telemetry.FieldPower)
	k.PeakPower = val(a.fields[telemetry.FieldPower].Max)
	k.MinPower = val(a.fields[telemetry.FieldPower].Min)
	k.AvgVoltage = avg(telemetry.FieldVoltage)
	k.AvgCurrent = avg(telemetry.FieldCurrent)
	k.AvgFrequency = avg(telemetry.FieldFrequency)
	k.TotalEnergy = val(a.fields[telemetry.FieldEnergy].Sum)
	return k
}
