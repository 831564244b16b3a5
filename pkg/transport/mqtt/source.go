package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

// Subscriber is the part of Client a Source needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// Enqueuer accepts readings without waiting for them to be stored.
// ingest.Coordinator implements it.
type Enqueuer interface {
	Enqueue(raw telemetry.RawReading, opts ingest.Options) error
}

// SourceStats counts what a Source has seen.
type SourceStats struct {
	Messages int64 `json:"messages"`
	Enqueued int64 `json:"enqueued"`
	Rejected int64 `json:"rejected"`
}

// Source feeds readings published on the broker into the coordinator in
// live mode. The broker callback never blocks: a full device queue rejects
// the reading with an overload error, which is counted and logged.
type Source struct {
	sub     Subscriber
	coord   Enqueuer
	topic   string
	qos     byte
	metrics *metrics.Metrics
	logger  *slog.Logger

	messages atomic.Int64
	enqueued atomic.Int64
	rejected atomic.Int64
}

// NewSource creates a source for cfg.Topic. metrics and logger may be nil.
func NewSource(sub Subscriber, coord Enqueuer, cfg config.MQTTConfig, m *metrics.Metrics, logger *slog.Logger) *Source {
	topic := cfg.Topic
	if topic == "" {
		topic = config.DefaultMQTTTopic
	}
	return &Source{
		sub:     sub,
		coord:   coord,
		topic:   topic,
		qos:     byte(cfg.QoS),
		metrics: m,
		logger:  logging.OrNop(logger).With("component", "mqtt_source", "topic", topic),
	}
}

// Start subscribes to the configured topic.
func (s *Source) Start() error {
	if err := s.sub.Subscribe(s.topic, s.qos, s.Handle); err != nil {
		return fmt.Errorf("subscribing to %q: %w", s.topic, err)
	}
	s.logger.Info("subscribed to meter readings")
	return nil
}

// Handle processes one message. The payload is a reading object or an array
// of them. On a per-device topic the payload may omit device_id; if it
// names a different device the reading is malformed.
func (s *Source) Handle(topic string, payload []byte) error {
	s.messages.Add(1)

	raws, err := telemetry.DecodeRawBatch(payload)
	if err != nil {
		s.rejected.Add(1)
		s.metrics.IncRejected(string(ingest.ReasonMalformed))
		return err
	}

	topicID, perDevice := DeviceFromTopic(topic)
	var errs []error
	for i, raw := range raws {
		if perDevice {
			switch {
			case raw.DeviceID == nil || *raw.DeviceID == "":
				id := topicID
				raw.DeviceID = &id
			case *raw.DeviceID != topicID:
				s.rejected.Add(1)
				s.metrics.IncRejected(string(ingest.ReasonMalformed))
				errs = append(errs, fmt.Errorf("reading %d: %w", i, &ingest.ValidationError{
					Reason: ingest.ReasonMalformed,
					Field:  "device_id",
					Detail: fmt.Sprintf("payload names %q but topic names %q", *raw.DeviceID, topicID),
				}))
				continue
			}
		}

		if err := s.coord.Enqueue(raw, ingest.Options{}); err != nil {
			s.rejected.Add(1)
			errs = append(errs, fmt.Errorf("reading %d: %w", i, err))
			continue
		}
		s.enqueued.Add(1)
	}

	if err := errors.Join(errs...); err != nil {
		if errors.Is(err, telemetry.ErrOverload) {
			s.logger.Warn("device queue full, readings dropped", "topic", topic, "error", err)
		}
		return err
	}
	return nil
}

// Stats returns message counters.
func (s *Source) Stats() SourceStats {
	return SourceStats{
		Messages: s.messages.Load(),
		Enqueued: s.enqueued.Load(),
		Rejected: s.rejected.Load(),
	}
}
