package mqtt

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/meterflow/pkg/config"
)

// brokerConfig returns the broker named by MQTT_BROKER (host:port) or skips
// the test.
func brokerConfig(t *testing.T, clientID string) config.MQTTConfig {
	t.Helper()
	addr := os.Getenv("MQTT_BROKER")
	if addr == "" {
		t.Skip("MQTT_BROKER not set")
	}
	host, portStr, ok := strings.Cut(addr, ":")
	port := config.DefaultMQTTPort
	if ok {
		p, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		port = p
	}
	return config.MQTTConfig{Host: host, Port: port, ClientID: clientID, QoS: 1}
}

func TestConnectInvalidBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the connect timeout")
	}
	cfg := brokerConfig(t, "meterflow-test-invalid")
	cfg.Port = 19999

	_, err := Connect(cfg, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConnectionFailed))
}

func TestPublishSubscribe(t *testing.T) {
	sub, err := Connect(brokerConfig(t, "meterflow-test-sub"), nil)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := Connect(brokerConfig(t, "meterflow-test-pub"), nil)
	require.NoError(t, err)
	defer pub.Close()

	received := make(chan string, 1)
	require.NoError(t, sub.Subscribe(TopicPrefixMeters+"/#", 1, func(topic string, payload []byte) error {
		received <- topic + " " + string(payload)
		return nil
	}))

	require.NoError(t, pub.Publish(MeterTopic("1000000001"), []byte(`{"power":1}`), 1, false))

	select {
	case got := <-received:
		require.Equal(t, `energy/meters/1000000001 {"power":1}`, got)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	require.ErrorIs(t, c.Subscribe("", 0, noop), ErrInvalidTopic)
	require.ErrorIs(t, c.Subscribe("t", 3, noop), ErrInvalidQoS)
	require.ErrorIs(t, c.Subscribe("t", 1, nil), ErrSubscribeFailed)
	require.ErrorIs(t, c.Publish("", nil, 0, false), ErrInvalidTopic)
}

func TestBrokerURL(t *testing.T) {
	require.Equal(t, "tcp://localhost:1883", BrokerURL(config.MQTTConfig{Host: "localhost", Port: 1883}))
	require.Equal(t, "ssl://broker:8883", BrokerURL(config.MQTTConfig{Host: "broker", Port: 8883, TLS: true}))
}
