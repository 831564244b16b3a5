package storage

import (
	"time"

	"github.com/nicktill/meterflow/pkg/config"
)

// SegmentPolicy decides when a device's open segment is sealed and a new one
// started.
type SegmentPolicy struct {
	MaxReadings int
	MaxDuration time.Duration
}

// DefaultSegmentPolicy returns the compiled-in rollover limits.
func DefaultSegmentPolicy() SegmentPolicy {
	return SegmentPolicy{
		MaxReadings: config.DefaultSegmentMaxReadings,
		MaxDuration: config.DefaultSegmentDuration,
	}
}

// SegmentPolicyFrom builds a policy from storage configuration, falling back
// to defaults for unset values.
func SegmentPolicyFrom(cfg config.StorageConfig) SegmentPolicy {
	p := DefaultSegmentPolicy()
	if cfg.SegmentMaxReadings > 0 {
		p.MaxReadings = cfg.SegmentMaxReadings
	}
	if cfg.SegmentDuration > 0 {
		p.MaxDuration = cfg.SegmentDuration
	}
	return p
}

// SegmentMeta describes one segment of a device log. Segments are
// append-only; their timestamp span can grow in both directions because
// readings arrive out of order.
type SegmentMeta struct {
	ID          uint64    `json:"id"`
	MinTS       time.Time `json:"min_ts"`
	MaxTS       time.Time `json:"max_ts"`
	Count       int       `json:"count"`
	FirstOffset Offset    `json:"first_offset"`
	LastOffset  Offset    `json:"last_offset"`
}

// Accepts reports whether a reading at ts can go into the segment without
// breaking the policy.
func (p SegmentPolicy) Accepts(seg *SegmentMeta, ts time.Time) bool {
	if seg == nil || seg.Count == 0 {
		return seg != nil
	}
	if p.MaxReadings > 0 && seg.Count >= p.MaxReadings {
		return false
	}
	if p.MaxDuration > 0 {
		low, high := seg.MinTS, seg.MaxTS
		if ts.Before(low) {
			low = ts
		}
		if ts.After(high) {
			high = ts
		}
		if high.Sub(low) > p.MaxDuration {
			return false
		}
	}
	return true
}

// Add records a reading in the segment's metadata.
func (s *SegmentMeta) Add(ts time.Time, off Offset) {
	if s.Count == 0 {
		s.MinTS, s.MaxTS, s.FirstOffset = ts, ts, off
	} else {
		if ts.Before(s.MinTS) {
			s.MinTS = ts
		}
		if ts.After(s.MaxTS) {
			s.MaxTS = ts
		}
	}
	s.LastOffset = off
	s.Count++
}

// Before reports whether every reading in the segment is older than cutoff.
func (s *SegmentMeta) Before(cutoff time.Time) bool {
	return s.Count > 0 && s.MaxTS.Before(cutoff)
}

// Overlaps reports whether the segment may hold readings in [from, to).
func (s *SegmentMeta) Overlaps(from, to time.Time) bool {
	return s.Count > 0 && s.MaxTS.Compare(from) >= 0 && s.MinTS.Before(to)
}

// Merge folds o into s. o must directly follow s in the log.
func (s *SegmentMeta) Merge(o SegmentMeta) {
	if o.Count == 0 {
		return
	}
	if s.Count == 0 {
		id := s.ID
		*s = o
		s.ID = id
		return
	}
	if o.MinTS.Before(s.MinTS) {
		s.MinTS = o.MinTS
	}
	if o.MaxTS.After(s.MaxTS) {
		s.MaxTS = o.MaxTS
	}
	s.LastOffset = o.LastOffset
	s.Count += o.Count
}

// Mergeable reports whether two adjacent segments fit in one under the
// policy. Only segments below half the size limit are merged so compaction
// does not undo normal rollover.
func (p SegmentPolicy) Mergeable(a, b SegmentMeta) bool {
	half := p.MaxReadings / 2
	if p.MaxReadings > 0 && (a.Count > half || b.Count > half) {
		return false
	}
	if p.MaxDuration > 0 {
		low, high := a.MinTS, a.MaxTS
		if b.MinTS.Before(low) {
			low = b.MinTS
		}
		if b.MaxTS.After(high) {
			high = b.MaxTS
		}
		if high.Sub(low) > p.MaxDuration {
			return false
		}
	}
	return true
}

// InRange reports whether ts lies in the half-open range [from, to).
func InRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && ts.Before(to)
}

// CompareRecords orders records by timestamp then offset.
func CompareRecords(a, b Record) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	return 0
}
