package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

const (
	// DefaultImportBatchSize is the number of readings submitted at once.
	// It stays below the per-device queue depth so a single-device file does
	// not overload its own queue.
	DefaultImportBatchSize = 200

	// DefaultImportRetries is how many times overloaded readings are retried.
	DefaultImportRetries = 5

	// DefaultImportBackoff is the first wait before retrying overloaded
	// readings. It doubles on each attempt.
	DefaultImportBackoff = 100 * time.Millisecond

	// maxReportedErrors caps ImportResult.Errors.
	maxReportedErrors = 100
)

// Submitter is the part of the ingestion coordinator the importer needs.
type Submitter interface {
	SubmitBatch(ctx context.Context, raws []telemetry.RawReading, opts ingest.Options) []ingest.ItemResult
}

// ImportOptions tunes an Importer. Zero values use the defaults.
type ImportOptions struct {
	BatchSize int
	Retries   int
	Backoff   time.Duration
	Logger    *slog.Logger
}

// Importer feeds exported readings back through the ingestion coordinator in
// backfill mode, so imports are validated and rolled up like any other
// reading.
type Importer struct {
	sub    Submitter
	opts   ImportOptions
	logger *slog.Logger
}

// NewImporter creates a new importer
func NewImporter(sub Submitter, opts ImportOptions) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultImportBatchSize
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = DefaultImportRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultImportBackoff
	}
	return &Importer{sub: sub, opts: opts, logger: logging.OrNop(opts.Logger).With("component", "import")}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	ReadingsImported int       `json:"readings_imported"`
	ReadingsRejected int       `json:"readings_rejected"`
	BatchesSubmitted int       `json:"batches_submitted"`
	Retries          int       `json:"retries"`
	TimeRange        string    `json:"time_range"`
	ImportedAt       time.Time `json:"imported_at"`
	Errors           []string  `json:"errors,omitempty"`
}

// ImportData represents the structure of an exported JSON document
type ImportData struct {
	Metadata Metadata          `json:"metadata"`
	Readings []json.RawMessage `json:"readings"`
}

// DecodeJSON reads an export document, a bare array of readings or a single
// reading object.
func DecodeJSON(r io.Reader) ([]telemetry.RawReading, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON: %w", err)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' && bytes.Contains(trimmed, []byte(`"readings"`)) {
		var doc ImportData
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", telemetry.ErrMalformed, err)
		}
		if doc.Readings != nil {
			out := make([]telemetry.RawReading, 0, len(doc.Readings))
			for i, msg := range doc.Readings {
				raw, err := telemetry.DecodeRaw(msg)
				if err != nil {
					return nil, fmt.Errorf("reading %d: %w", i, err)
				}
				out = append(out, raw)
			}
			return out, nil
		}
	}
	return telemetry.DecodeRawBatch(trimmed)
}

// DecodeCSV reads CSV with a header row naming at least device_id and
// timestamp. Unknown columns are ignored; unparsable numbers surface as
// malformed readings.
func DecodeCSV(r io.Reader) ([]telemetry.RawReading, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading CSV header: %v", telemetry.ErrMalformed, err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["device_id"]; !ok {
		if i, ok := cols["meter_id"]; ok {
			cols["device_id"] = i
		}
	}
	for _, required := range []string{"device_id", "timestamp"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: CSV header lacks %q", telemetry.ErrMalformed, required)
		}
	}

	cell := func(row []string, name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(row) || row[i] == "" {
			return "", false
		}
		return row[i], true
	}

	var out []telemetry.RawReading
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", telemetry.ErrMalformed, err)
		}

		var raw telemetry.RawReading
		if v, ok := cell(row, "device_id"); ok {
			raw.DeviceID = &v
		}
		if v, ok := cell(row, "timestamp"); ok {
			raw.Timestamp = &v
		}
		targets := [telemetry.NumFields]**float64{&raw.Power, &raw.Voltage, &raw.Current, &raw.Frequency, &raw.Energy}
		for _, f := range telemetry.Fields {
			s, ok := cell(row, f.String())
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				raw.TypeErrors = append(raw.TypeErrors, f.String())
				continue
			}
			*targets[f] = &v
		}
		out = append(out, raw)
	}
	return out, nil
}

// Import submits raws in batches, retrying readings rejected for overload
// with exponential backoff. Validation failures are counted and reported,
// never fatal. A context error stops the import and is returned along with
// the partial result.
func (im *Importer) Import(ctx context.Context, raws []telemetry.RawReading) (*ImportResult, error) {
	res := &ImportResult{ImportedAt: time.Now().UTC(), TimeRange: "empty"}
	var minTS, maxTS time.Time

	for start := 0; start < len(raws); start += im.opts.BatchSize {
		end := min(start+im.opts.BatchSize, len(raws))
		batch := raws[start:end]
		index := make([]int, len(batch))
		for i := range index {
			index[i] = start + i
		}

		for attempt := 0; len(batch) > 0; attempt++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			results := im.sub.SubmitBatch(ctx, batch, ingest.Options{Backfill: true})
			res.BatchesSubmitted++

			var retryRaws []telemetry.RawReading
			var retryIdx []int
			for i, item := range results {
				switch {
				case item.Err == nil:
					res.ReadingsImported++
					ts := item.Result.Reading.Timestamp
					if minTS.IsZero() || ts.Before(minTS) {
						minTS = ts
					}
					if ts.After(maxTS) {
						maxTS = ts
					}
				case errors.Is(item.Err, telemetry.ErrOverload) && attempt < im.opts.Retries:
					retryRaws = append(retryRaws, batch[i])
					retryIdx = append(retryIdx, index[i])
				case errors.Is(item.Err, context.Canceled) || errors.Is(item.Err, context.DeadlineExceeded):
					return res, item.Err
				default:
					res.ReadingsRejected++
					if len(res.Errors) < maxReportedErrors {
						res.Errors = append(res.Errors, fmt.Sprintf("reading %d: %v", index[i], item.Err))
					}
				}
			}

			batch, index = retryRaws, retryIdx
			if len(batch) == 0 {
				break
			}
			res.Retries++
			wait := im.opts.Backoff << attempt
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	if res.ReadingsImported > 0 {
		res.TimeRange = formatRange(minTS, maxTS)
	}
	im.logger.Info("import finished",
		"imported", res.ReadingsImported,
		"rejected", res.ReadingsRejected,
		"batches", res.BatchesSubmitted,
		"retries", res.Retries)
	return res, nil
}
