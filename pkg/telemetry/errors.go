package telemetry

import "errors"

// Error classes shared across the engine. Concrete errors wrap one of these,
// so callers classify failures with errors.Is.
var (
	// ErrValidation marks a malformed or out-of-range reading. Never fatal.
	ErrValidation = errors.New("validation failed")

	// ErrOverload marks a reading rejected because a device queue is full.
	ErrOverload = errors.New("ingest overloaded")

	// ErrNotFound marks a query for a device or bucket that holds no data.
	ErrNotFound = errors.New("not found")

	// ErrStorage marks a WAL or bucket persistence failure.
	ErrStorage = errors.New("storage failure")

	// ErrEviction marks a failed eviction cycle. Retried on the next cycle.
	ErrEviction = errors.New("eviction failed")

	// ErrTimeout marks a query whose deadline expired before it completed.
	ErrTimeout = errors.New("query deadline exceeded")
)
