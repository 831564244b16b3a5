// Package export provides raw reading backup and restore.
//
// # Overview
//
// Exports read a device's raw readings straight from the WAL, so they cover
// at most the raw retention window. Imports go the other way through the
// ingestion coordinator in backfill mode: every imported reading is
// validated, appended to the WAL and rolled up exactly like a live one. This
// is also the bulk path for loading history into a fresh instance.
//
// # Supported Formats
//
// JSON Format:
//   - Export metadata (device, time range, export time, version)
//   - Readings in timestamp order, with their WAL offsets
//   - Can be re-imported; a bare array of readings is accepted too
//
// CSV Format:
//   - One row per reading: device_id,timestamp,power,voltage,current,frequency,energy,offset
//   - Can be re-imported; columns may appear in any order and unknown ones
//     are ignored
//
// # HTTP API
//
// Export endpoint: GET /v1/devices/{id}/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
//
// Example:
//
//	curl "http://localhost:8080/v1/devices/1000000000/export?format=csv" -o meter.csv
//
// Import endpoint: POST /v1/import
// Content-Type: application/json or text/csv
//
// Example:
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: text/csv" \
//	  --data-binary @meter.csv
//
// # Usage Limits
//
//   - Maximum export time range: 30 days
//   - Default export window: 24 hours
//   - Import body: 64 MiB
//   - Import batch size: 200 readings per submission, overloaded readings
//     retried with exponential backoff
//
// # Error Handling
//
// Import operations reject invalid readings individually rather than failing
// the entire import. Rejections are counted and the first hundred are listed
// in ImportResult.Errors.
package export
