package rollup

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Granularity is the width of a rollup bucket.
type Granularity uint8

const (
	Hour Granularity = iota
	Day

	numGranularities = 2
)

// Granularities lists every granularity, finest first.
var Granularities = [numGranularities]Granularity{Hour, Day}

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	if g == Day {
		return 24 * time.Hour
	}
	return time.Hour
}

func (g Granularity) String() string {
	switch g {
	case Hour:
		return "hour"
	case Day:
		return "day"
	}
	return fmt.Sprintf("granularity(%d)", uint8(g))
}

// Floor returns the start of the bucket holding t. Buckets are aligned in UTC.
func (g Granularity) Floor(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// Ceil returns the first bucket boundary at or after t.
func (g Granularity) Ceil(t time.Time) time.Time {
	f := g.Floor(t)
	if f.Equal(t) {
		return f
	}
	return f.Add(g.Duration())
}

// ParseGranularity accepts "hour"/"1h" and "day"/"1d".
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "hour", "1h", "h":
		return Hour, nil
	case "day", "1d", "d":
		return Day, nil
	}
	return 0, fmt.Errorf("unknown granularity %q", s)
}

func (g Granularity) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Granularity) UnmarshalText(b []byte) error {
	parsed, err := ParseGranularity(string(b))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Stat is the running aggregate of one numeric field within a bucket.
type Stat struct {
	Sum float64
	Min float64
	Max float64
}

func (s *Stat) add(v float64, first bool) {
	if first {
		*s = Stat{Sum: v, Min: v, Max: v}
		return
	}
	s.Sum += v
	s.Min = math.Min(s.Min, v)
	s.Max = math.Max(s.Max, v)
}

// BucketView is an immutable copy of a bucket. Views with Count == 0 are
// never handed out as data points.
type BucketView struct {
	DeviceID    string
	Granularity Granularity
	Start       time.Time
	Count       int64
	Fields      [telemetry.NumFields]Stat
}

// End returns the exclusive end of the bucket.
func (v BucketView) End() time.Time {
	return v.Start.Add(v.Granularity.Duration())
}

// Stat returns the aggregate for field f.
func (v BucketView) Stat(f telemetry.Field) Stat {
	return v.Fields[f]
}

// Avg calculates the mean value of field f.
func (v BucketView) Avg(f telemetry.Field) float64 {
	if v.Count == 0 {
		return 0
	}
	return v.Fields[f].Sum / float64(v.Count)
}

// with returns a copy of v with r applied.
func (v BucketView) with(r telemetry.Reading) BucketView {
	first := v.Count == 0
	for _, f := range telemetry.Fields {
		v.Fields[f].add(r.Value(f), first)
	}
	v.Count++
	return v
}

type statJSON struct {
	Sum float64 `json:"sum"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

type viewJSON struct {
	DeviceID    string              `json:"device_id"`
	Granularity Granularity         `json:"granularity"`
	Start       time.Time           `json:"start"`
	End         time.Time           `json:"end"`
	Count       int64               `json:"count"`
	Fields      map[string]statJSON `json:"fields"`
}

// MarshalJSON renders fields by name with their averages.
func (v BucketView) MarshalJSON() ([]byte, error) {
	out := viewJSON{
		DeviceID:    v.DeviceID,
		Granularity: v.Granularity,
		Start:       v.Start,
		End:         v.End(),
		Count:       v.Count,
		Fields:      make(map[string]statJSON, telemetry.NumFields),
	}
	for _, f := range telemetry.Fields {
		s := v.Fields[f]
		out.Fields[f.String()] = statJSON{Sum: s.Sum, Min: s.Min, Max: s.Max, Avg: v.Avg(f)}
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON; averages and end are derived
// and ignored.
func (v *BucketView) UnmarshalJSON(b []byte) error {
	var in viewJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*v = BucketView{
		DeviceID:    in.DeviceID,
		Granularity: in.Granularity,
		Start:       in.Start.UTC(),
		Count:       in.Count,
	}
	for _, f := range telemetry.Fields {
		s := in.Fields[f.String()]
		v.Fields[f] = Stat{Sum: s.Sum, Min: s.Min, Max: s.Max}
	}
	return nil
}
