// Command simulator publishes synthetic smart meter readings to an MQTT
// broker, one message per meter on energy/meters/<id>.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/simulate"
	"github.com/nicktill/meterflow/pkg/telemetry"
	"github.com/nicktill/meterflow/pkg/transport/mqtt"
)

// message is the producer wire format. meter_id is the key the field
// devices publish; the server accepts it as an alias of device_id.
type message struct {
	MeterID   string  `json:"meter_id"`
	Timestamp string  `json:"timestamp"`
	Power     float64 `json:"power"`
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	Frequency float64 `json:"frequency"`
	Energy    float64 `json:"energy"`
}

func main() {
	host := flag.String("host", config.DefaultMQTTHost, "MQTT broker host")
	port := flag.Int("port", config.DefaultMQTTPort, "MQTT broker port")
	meters := flag.Int("meters", simulate.DefaultMeters, "number of meters")
	first := flag.Int("first-meter", simulate.DefaultFirstMeter, "id of the first meter")
	interval := flag.Duration("interval", simulate.DefaultLiveEvery, "publish interval")
	qos := flag.Int("qos", 0, "MQTT QoS level (0-2)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logging.New(config.LoggingConfig{Level: *level, Format: "text", Output: "stdout"}, "simulator")

	client, err := mqtt.Connect(config.MQTTConfig{
		Host:     *host,
		Port:     *port,
		ClientID: fmt.Sprintf("meterflow-simulator-%d", os.Getpid()),
		QoS:      *qos,
	}, logger)
	if err != nil {
		logger.Error("connecting to broker", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := simulate.New(simulate.Config{
		Meters:     *meters,
		FirstMeter: *first,
		Profile:    simulate.Live,
		Step:       *interval,
	})
	logger.Info("publishing readings", "meters", *meters, "interval", *interval, "broker", mqtt.BrokerURL(config.MQTTConfig{Host: *host, Port: *port}))

	publish(ctx, client, gen, *interval, byte(*qos), logger)
	logger.Info("simulator stopped")
}

func publish(ctx context.Context, client *mqtt.Client, gen *simulate.Generator, interval time.Duration, qos byte, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var published, failed int
		for _, r := range gen.Tick(time.Now()) {
			payload, err := json.Marshal(toMessage(r))
			if err != nil {
				failed++
				continue
			}
			if err := client.Publish(mqtt.MeterTopic(r.DeviceID), payload, qos, false); err != nil {
				failed++
				continue
			}
			published++
		}
		if failed > 0 {
			logger.Warn("publish round incomplete", "published", published, "failed", failed)
		} else {
			logger.Debug("published round", "readings", published)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func toMessage(r telemetry.Reading) message {
	return message{
		MeterID:   r.DeviceID,
		Timestamp: telemetry.FormatTimestamp(r.Timestamp),
		Power:     r.Power,
		Voltage:   r.Voltage,
		Current:   r.Current,
		Frequency: r.Frequency,
		Energy:    r.Energy,
	}
}
