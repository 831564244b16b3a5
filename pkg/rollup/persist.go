package rollup

import (
	"context"
	"time"

	"github.com/nicktill/meterflow/pkg/storage"
)

// Checkpoint is the durable rollup position of one device: every WAL record
// with an offset at or below Offset is reflected in the persisted buckets.
type Checkpoint struct {
	DeviceID          string         `json:"device_id"`
	Offset            storage.Offset `json:"offset"`
	HourEvictedBefore time.Time      `json:"hour_evicted_before"`
	DayEvictedBefore  time.Time      `json:"day_evicted_before"`
}

// EvictedBefore returns the eviction watermark for g.
func (c Checkpoint) EvictedBefore(g Granularity) time.Time {
	if g == Day {
		return c.DayEvictedBefore
	}
	return c.HourEvictedBefore
}

func (c *Checkpoint) setEvictedBefore(g Granularity, t time.Time) {
	if g == Day {
		c.DayEvictedBefore = t
		return
	}
	c.HourEvictedBefore = t
}

// Persister stores rollup state so a restart does not re-aggregate the whole
// WAL. Implemented by the badger and postgres backends.
type Persister interface {
	// SaveCheckpoint stores the changed bucket views and the checkpoint in
	// one atomic write.
	SaveCheckpoint(ctx context.Context, cp Checkpoint, views []BucketView) error

	// LoadCheckpoints returns the checkpoint of every persisted device.
	LoadCheckpoints(ctx context.Context) ([]Checkpoint, error)

	// LoadBuckets returns every persisted bucket of a device.
	LoadBuckets(ctx context.Context, deviceID string) ([]BucketView, error)

	// DeleteBuckets removes the device's g buckets that start before
	// startBefore.
	DeleteBuckets(ctx context.Context, deviceID string, g Granularity, startBefore time.Time) error
}
