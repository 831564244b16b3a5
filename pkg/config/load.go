package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration. It is read once at startup and
// treated as read-only afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retention RetentionConfig `yaml:"retention"`
	Eviction  EvictionConfig  `yaml:"eviction"`
	Rollup    RollupConfig    `yaml:"rollup"`
	Query     QueryConfig     `yaml:"query"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and tunes the WAL backend.
type StorageConfig struct {
	Backend            string        `yaml:"backend"`
	DataDir            string        `yaml:"data_dir"`
	MaxStorageGB       int64         `yaml:"max_storage_gb"`
	MaxMemoryMB        int64         `yaml:"max_memory_mb"`
	PostgresURL        string        `yaml:"postgres_url"`
	SegmentDuration    time.Duration `yaml:"segment_duration"`
	SegmentMaxReadings int           `yaml:"segment_max_readings"`
}

// IngestConfig holds validation limits and coordinator sizing.
type IngestConfig struct {
	MaxFutureSkew         time.Duration `yaml:"max_future_skew"`
	MaxPastSkew           time.Duration `yaml:"max_past_skew"`
	MaxQueueDepth         int           `yaml:"max_queue_depth_per_device"`
	VoltageRange          Range         `yaml:"voltage_plausible_range"`
	FrequencyRange        Range         `yaml:"frequency_plausible_range"`
	MaxDevices            int           `yaml:"max_devices"`
	StorageRetries        int           `yaml:"storage_retries"`
	StorageRetryBackoff   time.Duration `yaml:"storage_retry_backoff"`
	IdleWorkerTimeout     time.Duration `yaml:"idle_worker_timeout"`
	MaxReadingsPerRequest int           `yaml:"max_readings_per_request"`
}

// RetentionConfig is the retention policy for raw readings and buckets.
type RetentionConfig struct {
	Raw         time.Duration `yaml:"raw"`
	HourBuckets time.Duration `yaml:"hour_buckets"`
	DayBuckets  time.Duration `yaml:"day_buckets"`
	Grace       time.Duration `yaml:"grace"`
}

// EvictionConfig controls the eviction cycle.
type EvictionConfig struct {
	Interval time.Duration `yaml:"interval"`
	Compact  bool          `yaml:"compact"`
}

// RollupConfig controls bucket checkpointing.
type RollupConfig struct {
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// QueryConfig bounds query execution.
type QueryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig configures the broker subscription.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}

// Default returns a Config populated with the compiled-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageConfig{
			Backend:            BackendBadger,
			DataDir:            DefaultDataDir,
			MaxStorageGB:       DefaultMaxStorageGB,
			MaxMemoryMB:        DefaultMaxMemoryMB,
			SegmentDuration:    DefaultSegmentDuration,
			SegmentMaxReadings: DefaultSegmentMaxReadings,
		},
		Ingest: IngestConfig{
			MaxFutureSkew:         DefaultMaxFutureSkew,
			MaxPastSkew:           DefaultMaxPastSkew,
			MaxQueueDepth:         DefaultMaxQueueDepth,
			VoltageRange:          Range{Min: DefaultVoltageMin, Max: DefaultVoltageMax},
			FrequencyRange:        Range{Min: DefaultFrequencyMin, Max: DefaultFrequencyMax},
			MaxDevices:            DefaultMaxDevices,
			StorageRetries:        DefaultStorageRetries,
			StorageRetryBackoff:   DefaultStorageRetryBackoff,
			IdleWorkerTimeout:     DefaultIdleWorkerTimeout,
			MaxReadingsPerRequest: DefaultMaxReadingsPerRequest,
		},
		Retention: RetentionConfig{
			Raw:         DefaultRawRetention,
			HourBuckets: DefaultHourRetention,
			DayBuckets:  DefaultDayRetention,
			Grace:       DefaultGrace,
		},
		Eviction: EvictionConfig{
			Interval: DefaultEvictionInterval,
			Compact:  true,
		},
		Rollup: RollupConfig{
			CheckpointInterval: DefaultCheckpointInterval,
		},
		Query: QueryConfig{
			Timeout: DefaultQueryTimeout,
		},
		MQTT: MQTTConfig{
			Host:     DefaultMQTTHost,
			Port:     DefaultMQTTPort,
			ClientID: DefaultMQTTClientID,
			Topic:    DefaultMQTTTopic,
			QoS:      DefaultMQTTQoS,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// METERFLOW_* environment variables, in that order of precedence. A .env file
// in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	envErrs := applyEnvOverrides(cfg)

	if err := cfg.validate(envErrs); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies METERFLOW_* variables and returns the names of
// variables whose values could not be parsed.
func applyEnvOverrides(cfg *Config) []string {
	e := envReader{}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	e.stringVar("METERFLOW_SERVER_PORT", &cfg.Server.Port)

	e.stringVar("METERFLOW_STORAGE_BACKEND", &cfg.Storage.Backend)
	e.stringVar("METERFLOW_DATA_DIR", &cfg.Storage.DataDir)
	e.int64Var("METERFLOW_MAX_STORAGE_GB", &cfg.Storage.MaxStorageGB)
	e.int64Var("METERFLOW_MAX_MEMORY_MB", &cfg.Storage.MaxMemoryMB)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	e.stringVar("METERFLOW_POSTGRES_URL", &cfg.Storage.PostgresURL)
	e.durationVar("METERFLOW_SEGMENT_DURATION", &cfg.Storage.SegmentDuration)
	e.intVar("METERFLOW_SEGMENT_MAX_READINGS", &cfg.Storage.SegmentMaxReadings)

	e.durationVar("METERFLOW_MAX_FUTURE_SKEW", &cfg.Ingest.MaxFutureSkew)
	e.durationVar("METERFLOW_MAX_PAST_SKEW", &cfg.Ingest.MaxPastSkew)
	e.intVar("METERFLOW_MAX_QUEUE_DEPTH_PER_DEVICE", &cfg.Ingest.MaxQueueDepth)
	e.rangeVar("METERFLOW_VOLTAGE_PLAUSIBLE_RANGE", &cfg.Ingest.VoltageRange)
	e.rangeVar("METERFLOW_FREQUENCY_PLAUSIBLE_RANGE", &cfg.Ingest.FrequencyRange)
	e.intVar("METERFLOW_MAX_DEVICES", &cfg.Ingest.MaxDevices)

	e.durationVar("METERFLOW_RAW_RETENTION", &cfg.Retention.Raw)
	e.durationVar("METERFLOW_HOUR_BUCKET_RETENTION", &cfg.Retention.HourBuckets)
	e.durationVar("METERFLOW_DAY_BUCKET_RETENTION", &cfg.Retention.DayBuckets)
	e.durationVar("METERFLOW_RETENTION_GRACE", &cfg.Retention.Grace)
	e.durationVar("METERFLOW_EVICTION_INTERVAL", &cfg.Eviction.Interval)
	e.durationVar("METERFLOW_CHECKPOINT_INTERVAL", &cfg.Rollup.CheckpointInterval)
	e.durationVar("METERFLOW_QUERY_TIMEOUT", &cfg.Query.Timeout)

	e.boolVar("METERFLOW_MQTT_ENABLED", &cfg.MQTT.Enabled)
	e.stringVar("METERFLOW_MQTT_HOST", &cfg.MQTT.Host)
	e.intVar("METERFLOW_MQTT_PORT", &cfg.MQTT.Port)
	e.stringVar("METERFLOW_MQTT_TOPIC", &cfg.MQTT.Topic)
	e.stringVar("METERFLOW_MQTT_USERNAME", &cfg.MQTT.Username)
	e.stringVar("METERFLOW_MQTT_PASSWORD", &cfg.MQTT.Password)

	e.stringVar("METERFLOW_LOG_LEVEL", &cfg.Logging.Level)
	e.stringVar("METERFLOW_LOG_FORMAT", &cfg.Logging.Format)

	return e.invalid
}

// validate checks the configuration and reports every problem at once.
func (c *Config) validate(envErrs []string) error {
	var errs []string
	for _, name := range envErrs {
		errs = append(errs, fmt.Sprintf("invalid value for %s", name))
	}

	if c.Server.Port == "" {
		errs = append(errs, "server.port is required")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q must be memory, badger or postgres", c.Storage.Backend))
	}
	if c.Storage.Backend == BackendBadger && c.Storage.DataDir == "" {
		errs = append(errs, "storage.data_dir is required for the badger backend")
	}
	if c.Storage.SegmentDuration <= 0 {
		errs = append(errs, "storage.segment_duration must be positive")
	}
	if c.Storage.SegmentMaxReadings <= 0 {
		errs = append(errs, "storage.segment_max_readings must be positive")
	}

	if c.Ingest.MaxFutureSkew < 0 || c.Ingest.MaxPastSkew < 0 {
		errs = append(errs, "ingest skew limits must not be negative")
	}
	if c.Ingest.MaxQueueDepth <= 0 {
		errs = append(errs, "ingest.max_queue_depth_per_device must be positive")
	}
	if c.Ingest.VoltageRange.Min >= c.Ingest.VoltageRange.Max {
		errs = append(errs, "ingest.voltage_plausible_range min must be below max")
	}
	if c.Ingest.FrequencyRange.Min >= c.Ingest.FrequencyRange.Max {
		errs = append(errs, "ingest.frequency_plausible_range min must be below max")
	}
	if c.Ingest.StorageRetries < 0 {
		errs = append(errs, "ingest.storage_retries must not be negative")
	}

	if c.Retention.Raw <= 0 || c.Retention.HourBuckets <= 0 || c.Retention.DayBuckets <= 0 {
		errs = append(errs, "retention periods must be positive")
	}
	if c.Retention.Grace < 0 {
		errs = append(errs, "retention.grace must not be negative")
	}
	if c.Eviction.Interval <= 0 {
		errs = append(errs, "eviction.interval must be positive")
	}
	if c.Rollup.CheckpointInterval <= 0 {
		errs = append(errs, "rollup.checkpoint_interval must be positive")
	}
	if c.Query.Timeout <= 0 {
		errs = append(errs, "query.timeout must be positive")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			errs = append(errs, "mqtt.host is required when mqtt is enabled")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			errs = append(errs, "mqtt.port must be between 1 and 65535")
		}
		if c.MQTT.Topic == "" {
			errs = append(errs, "mqtt.topic is required when mqtt is enabled")
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return c.validate(nil)
}

// envReader applies typed environment overrides, remembering which
// variables held unparsable values.
type envReader struct {
	invalid []string
}

func (e *envReader) stringVar(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			e.invalid = append(e.invalid, key)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) int64Var(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.invalid = append(e.invalid, key)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			e.invalid = append(e.invalid, key)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) boolVar(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			e.invalid = append(e.invalid, key)
			return
		}
		*dst = parsed
	}
}

// rangeVar parses "min:max".
func (e *envReader) rangeVar(key string, dst *Range) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	lo, hi, ok := strings.Cut(v, ":")
	if !ok {
		e.invalid = append(e.invalid, key)
		return
	}
	low, err1 := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	high, err2 := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err1 != nil || err2 != nil {
		e.invalid = append(e.invalid, key)
		return
	}
	*dst = Range{Min: low, Max: high}
}
