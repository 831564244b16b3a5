package mqtt

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

type fakeSubscriber struct {
	topic   string
	qos     byte
	handler MessageHandler
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, handler MessageHandler) error {
	f.topic, f.qos, f.handler = topic, qos, handler
	return nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	got  []telemetry.RawReading
	opts []ingest.Options
	err  error
}

func (f *fakeEnqueuer) Enqueue(raw telemetry.RawReading, opts ingest.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, raw)
	f.opts = append(f.opts, opts)
	return nil
}

const payloadWithID = `{"device_id":"1000000001","timestamp":"2024-03-01T10:00:00Z","power":2,"voltage":230,"current":8.7,"frequency":50,"energy":0.1}`
const payloadWithoutID = `{"timestamp":"2024-03-01T10:00:00Z","power":2,"voltage":230,"current":8.7,"frequency":50,"energy":0.1}`

func TestDeviceFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"energy/meters/1000000001", "1000000001", true},
		{"energy/meters", "", false},
		{"energy/meters/", "", false},
		{"energy/meters/a/b", "", false},
		{"other/meters/1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := DeviceFromTopic(tt.topic)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
	assert.Equal(t, "energy/meters/42", MeterTopic("42"))
}

func TestSource_Handle(t *testing.T) {
	tests := []struct {
		name         string
		topic        string
		payload      string
		wantEnqueued int
		wantErr      error
		wantDevice   string
	}{
		{
			name:         "per-device topic fills missing id",
			topic:        "energy/meters/1000000001",
			payload:      payloadWithoutID,
			wantEnqueued: 1,
			wantDevice:   "1000000001",
		},
		{
			name:         "per-device topic with matching id",
			topic:        "energy/meters/1000000001",
			payload:      payloadWithID,
			wantEnqueued: 1,
			wantDevice:   "1000000001",
		},
		{
			name:    "per-device topic with another id",
			topic:   "energy/meters/1000000002",
			payload: payloadWithID,
			wantErr: telemetry.ErrValidation,
		},
		{
			name:         "shared topic keeps payload id",
			topic:        "energy/meters",
			payload:      "[" + payloadWithID + "," + payloadWithID + "]",
			wantEnqueued: 2,
			wantDevice:   "1000000001",
		},
		{
			name:    "not json",
			topic:   "energy/meters",
			payload: "hello",
			wantErr: telemetry.ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enq := &fakeEnqueuer{}
			src := NewSource(&fakeSubscriber{}, enq, config.MQTTConfig{}, nil, nil)

			err := src.Handle(tt.topic, []byte(tt.payload))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Len(t, enq.got, tt.wantEnqueued)
			for i, raw := range enq.got {
				require.NotNil(t, raw.DeviceID)
				assert.Equal(t, tt.wantDevice, *raw.DeviceID)
				assert.False(t, enq.opts[i].Backfill, "broker readings are live")
			}
		})
	}
}

func TestSource_MismatchIsMalformed(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	src := NewSource(&fakeSubscriber{}, &fakeEnqueuer{}, config.MQTTConfig{}, m, nil)

	err := src.Handle("energy/meters/1000000002", []byte(payloadWithID))
	var verr *ingest.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ingest.ReasonMalformed, verr.Reason)
	assert.Equal(t, "device_id", verr.Field)
	assert.EqualValues(t, 1, testutil.ToFloat64(m.ReadingsRejected("malformed")))
	assert.Equal(t, SourceStats{Messages: 1, Rejected: 1}, src.Stats())
}

func TestSource_OverloadIsReported(t *testing.T) {
	enq := &fakeEnqueuer{err: &ingest.OverloadError{DeviceID: "1000000001", Depth: 4, Max: 4}}
	src := NewSource(&fakeSubscriber{}, enq, config.MQTTConfig{}, nil, nil)

	err := src.Handle("energy/meters/1000000001", []byte(payloadWithID))
	require.ErrorIs(t, err, telemetry.ErrOverload)
	assert.Equal(t, SourceStats{Messages: 1, Rejected: 1}, src.Stats())
}

func TestSource_StartSubscribesToConfiguredTopic(t *testing.T) {
	sub := &fakeSubscriber{}
	src := NewSource(sub, &fakeEnqueuer{}, config.MQTTConfig{QoS: 1}, nil, nil)
	require.NoError(t, src.Start())
	assert.Equal(t, config.DefaultMQTTTopic, sub.topic)
	assert.Equal(t, byte(1), sub.qos)
	require.NotNil(t, sub.handler)
}
