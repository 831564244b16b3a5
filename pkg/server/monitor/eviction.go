package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveErrors is how many failed cycles in a row are tolerated
// before eviction is reported unhealthy.
const maxConsecutiveErrors = 3

// EvictionMonitor tracks eviction health and failures.
type EvictionMonitor struct {
	mu                sync.RWMutex
	staleAfter        time.Duration
	now               func() time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewEvictionMonitor creates a monitor that reports unhealthy when no cycle
// has succeeded within three intervals.
func NewEvictionMonitor(interval time.Duration) *EvictionMonitor {
	return &EvictionMonitor{staleAfter: 3 * interval, now: time.Now}
}

func (em *EvictionMonitor) clock() time.Time {
	if em.now == nil {
		return time.Now()
	}
	return em.now()
}

// RecordSuccess records a successful eviction cycle.
func (em *EvictionMonitor) RecordSuccess() {
	em.mu.Lock()
	defer em.mu.Unlock()
	now := em.clock()
	em.lastSuccess = now
	em.lastAttempt = now
	em.consecutiveErrors = 0
	em.lastError = ""
}

// RecordFailure records a failed eviction cycle.
func (em *EvictionMonitor) RecordFailure(err error) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.lastAttempt = em.clock()
	em.consecutiveErrors++
	if err != nil {
		em.lastError = err.Error()
	}
}

// IsHealthy returns true if eviction is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within the staleness window
//   - More than 3 consecutive failures
func (em *EvictionMonitor) IsHealthy() bool {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.healthyLocked()
}

func (em *EvictionMonitor) healthyLocked() bool {
	if em.lastSuccess.IsZero() {
		return false
	}
	if em.staleAfter > 0 && em.clock().Sub(em.lastSuccess) > em.staleAfter {
		return false
	}
	return em.consecutiveErrors <= maxConsecutiveErrors
}

// EvictionStatus is the eviction section of the health endpoint.
type EvictionStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current eviction status for health checks.
func (em *EvictionMonitor) Status() EvictionStatus {
	em.mu.RLock()
	defer em.mu.RUnlock()

	status := EvictionStatus{
		Healthy: em.healthyLocked(),
	}

	if !em.lastSuccess.IsZero() {
		status.LastSuccess = em.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = em.clock().Sub(em.lastSuccess).Round(time.Second).String()
	}

	if !em.lastAttempt.IsZero() {
		status.LastAttempt = em.lastAttempt.Format(time.RFC3339)
	}

	if em.consecutiveErrors > 0 {
		status.ConsecutiveErrors = em.consecutiveErrors
		status.LastError = em.lastError
	}

	return status
}
