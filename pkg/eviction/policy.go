package eviction

import (
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/rollup"
)

// Policy is the retention policy. It is fixed at startup.
type Policy struct {
	Raw   time.Duration
	Hour  time.Duration
	Day   time.Duration
	Grace time.Duration
}

// PolicyFrom converts retention configuration to a Policy.
func PolicyFrom(cfg config.RetentionConfig) Policy {
	return Policy{
		Raw:   cfg.Raw,
		Hour:  cfg.HourBuckets,
		Day:   cfg.DayBuckets,
		Grace: cfg.Grace,
	}
}

// Retention returns how long buckets of granularity g are kept.
func (p Policy) Retention(g rollup.Granularity) time.Duration {
	if g == rollup.Day {
		return p.Day
	}
	return p.Hour
}

// BucketCutoff returns the end time before which g buckets are evicted at
// now: a bucket goes once start + g + retention(g) + grace < now.
func (p Policy) BucketCutoff(g rollup.Granularity, now time.Time) time.Time {
	return now.Add(-p.Retention(g) - p.Grace)
}

// RawCutoff returns the time before which WAL segments are deleted at now.
func (p Policy) RawCutoff(now time.Time) time.Time {
	return now.Add(-p.Raw)
}
