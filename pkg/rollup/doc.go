/*
Package rollup maintains hour and day aggregates per device.

# Buckets

A bucket is keyed by (device, granularity, start) and holds a reading count
plus sum, min and max for each numeric field. Starts are aligned in UTC:

	Hour: 10:00, 11:00, 12:00 ...
	Day:  2024-03-01T00:00Z, 2024-03-02T00:00Z ...

Averages are not stored; they are sum/count, so buckets combine exactly:

	hour(10:00) = {sum: 9, count: 3, min: 2, max: 4}  => avg 3
	hour(11:00) = {sum: 4, count: 1, min: 4, max: 4}
	combined    = {sum: 13, count: 4, min: 2, max: 4} => avg 3.25  (not (3+4)/2)

Updates are commutative and associative but not idempotent: applying the same
reading twice counts it twice.

# Concurrency

Each (device, granularity) pair owns a bucket set guarded by an RWMutex. An
update to an existing bucket takes the read lock and then the bucket's own
mutex, so updates to different buckets never contend. Creating a bucket and
evicting buckets take the write lock briefly.

Every bucket publishes its current state as an immutable BucketView through
an atomic pointer. Readers load the pointer and never block writers or see a
half-applied reading.

# Eviction watermark

Evict removes buckets that end before a cutoff and remembers the cutoff. A
reading that later lands in an evicted bucket is dropped for that
granularity and counted in meterflow_late_updates_dropped_total.

# Checkpoints

Flush writes dirty buckets together with the device's highest applied WAL
offset through a Persister. Restore loads them and replays only WAL records
above that offset, so each record is counted once across restarts.
*/
package rollup
