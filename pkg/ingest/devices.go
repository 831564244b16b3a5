package ingest

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nicktill/meterflow/pkg/shard"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// ErrDeviceLimit is returned when admitting a new device would exceed the
// configured device count. It is an overload, not a validation failure.
var ErrDeviceLimit = fmt.Errorf("%w: device limit reached", telemetry.ErrOverload)

const (
	// Forget devices not seen in the last 24 hours
	deviceRetentionPeriod = 24 * time.Hour

	// DeviceSweepInterval is how often the engine should call Sweep.
	DeviceSweepInterval = 1 * time.Hour
)

// DeviceTracker bounds the number of distinct devices the engine accepts.
// Admission only locks the shard holding the device. Idle devices are
// forgotten by Sweep, which the owner runs periodically.
type DeviceTracker struct {
	limit int
	now   func() time.Time

	// device id -> unix nanos of the last admitted reading
	lastSeen *shard.Map[int64]
	count    atomic.Int64
}

// NewDeviceTracker creates a tracker admitting at most limit devices. A
// non-positive limit disables the cap.
func NewDeviceTracker(limit int, now func() time.Time) *DeviceTracker {
	if now == nil {
		now = time.Now
	}
	return &DeviceTracker{
		limit:    limit,
		now:      now,
		lastSeen: shard.New[int64](0),
	}
}

// Admit records deviceID as active. It fails with ErrDeviceLimit if the
// device is new and the tracker is full.
func (d *DeviceTracker) Admit(deviceID string) error {
	now := d.now().UnixNano()
	return d.lastSeen.Update(deviceID, func(_ int64, known bool) (int64, error) {
		if !known {
			// Reserve a slot first so concurrent admissions on other
			// shards cannot overshoot the limit.
			if n := d.count.Add(1); d.limit > 0 && n > int64(d.limit) {
				d.count.Add(-1)
				return 0, fmt.Errorf("%w (max %d devices)", ErrDeviceLimit, d.limit)
			}
		}
		return now, nil
	})
}

// Sweep forgets devices with no reading since now minus the retention
// period and returns how many were dropped.
func (d *DeviceTracker) Sweep(now time.Time) int {
	cutoff := now.Add(-deviceRetentionPeriod).UnixNano()
	removed := d.lastSeen.DeleteIf(func(_ string, seen int64) bool {
		return seen < cutoff
	})
	d.count.Add(-int64(removed))
	return removed
}

func (d *DeviceTracker) known(deviceID string) bool {
	_, ok := d.lastSeen.Get(deviceID)
	return ok
}

// Stats returns current device admission statistics.
func (d *DeviceTracker) Stats() DeviceStats {
	n := int(d.count.Load())
	stats := DeviceStats{ActiveDevices: n, DeviceLimit: d.limit}
	if d.limit > 0 {
		stats.UtilizationPct = float64(n) / float64(d.limit) * 100
	}
	return stats
}

// DeviceStats provides device admission usage information.
type DeviceStats struct {
	ActiveDevices  int     `json:"active_devices"`
	DeviceLimit    int     `json:"device_limit"`
	UtilizationPct float64 `json:"utilization_percent"`
}
