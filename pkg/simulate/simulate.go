// Package simulate generates synthetic smart meter readings for the
// simulator and backfill tools.
package simulate

import (
	"iter"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/nicktill/meterflow/pkg/telemetry"
)

const (
	DefaultMeters      = 500
	DefaultFirstMeter  = 1000000000
	DefaultLiveEvery   = 5 * time.Second
	DefaultHistoryStep = 5 * time.Minute
)

// Profile selects a daily power pattern.
type Profile int

const (
	// Live has separate morning and evening peaks.
	Live Profile = iota
	// Historical uses one peak band for both morning and evening.
	Historical
)

// band is a uniform power range in kW.
type band struct{ lo, hi float64 }

var (
	nightBand   = band{0.5, 1.2}
	daytimeBand = band{1.2, 2.0}
	morningBand = band{2.0, 3.5}
	eveningBand = band{2.5, 4.0}
)

func (p Profile) band(hour int) band {
	switch {
	case hour >= 6 && hour <= 9:
		if p == Historical {
			return eveningBand
		}
		return morningBand
	case hour >= 18 && hour <= 22:
		return eveningBand
	case hour <= 4:
		return nightBand
	default:
		return daytimeBand
	}
}

// Config configures a Generator.
type Config struct {
	Meters     int
	FirstMeter int
	Profile    Profile
	// Step is the time between two readings of the same meter. Energy is
	// power integrated over one step.
	Step time.Duration
	// Seed makes the output reproducible. Zero picks a random seed.
	Seed uint64
}

// Generator produces readings for a fixed fleet of meters. It is safe for
// concurrent use.
type Generator struct {
	ids     []string
	profile Profile
	step    time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a generator. Zero fields take the package defaults, with Step
// defaulting to the live interval.
func New(cfg Config) *Generator {
	if cfg.Meters <= 0 {
		cfg.Meters = DefaultMeters
	}
	if cfg.FirstMeter <= 0 {
		cfg.FirstMeter = DefaultFirstMeter
	}
	if cfg.Step <= 0 {
		cfg.Step = DefaultLiveEvery
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Generator{
		ids:     MeterIDs(cfg.FirstMeter, cfg.Meters),
		profile: cfg.Profile,
		step:    cfg.Step,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// MeterIDs returns n consecutive meter ids starting at first.
func MeterIDs(first, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strconv.Itoa(first + i)
	}
	return ids
}

// IDs returns the fleet's meter ids.
func (g *Generator) IDs() []string {
	return g.ids
}

// Tick returns one reading per meter stamped at ts.
func (g *Generator) Tick(ts time.Time) []telemetry.Reading {
	ts = ts.UTC()
	out := make([]telemetry.Reading, len(g.ids))

	g.mu.Lock()
	defer g.mu.Unlock()
	for i, id := range g.ids {
		out[i] = g.readingLocked(id, ts)
	}
	return out
}

// History yields one Tick per step in [from, to).
func (g *Generator) History(from, to time.Time) iter.Seq2[time.Time, []telemetry.Reading] {
	return func(yield func(time.Time, []telemetry.Reading) bool) {
		for ts := from.UTC(); ts.Before(to); ts = ts.Add(g.step) {
			if !yield(ts, g.Tick(ts)) {
				return
			}
		}
	}
}

func (g *Generator) readingLocked(id string, ts time.Time) telemetry.Reading {
	b := g.profile.band(ts.Hour())
	power := round(g.uniform(b.lo, b.hi), 3)
	voltage := round(g.uniform(220, 240), 2)
	return telemetry.Reading{
		DeviceID:  id,
		Timestamp: ts,
		Power:     power,
		Voltage:   voltage,
		Current:   round(power*1000/voltage, 3),
		Frequency: round(g.uniform(49.9, 50.1), 2),
		Energy:    round(power*g.step.Hours(), 6),
	}
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
