package config

import "time"

// Server defaults
const (
	DefaultPort            = "8080"
	DefaultDataDir         = "./data/meterflow"
	DefaultMaxStorageGB    = 1
	DefaultMaxMemoryMB     = 48
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// WAL segment defaults
const (
	DefaultSegmentDuration    = 6 * time.Hour
	DefaultSegmentMaxReadings = 4096
)

// Ingest defaults
const (
	DefaultMaxFutureSkew         = 5 * time.Minute
	DefaultMaxPastSkew           = 5 * time.Minute
	DefaultMaxQueueDepth         = 256
	DefaultMaxDevices            = 100000
	DefaultStorageRetries        = 3
	DefaultStorageRetryBackoff   = 50 * time.Millisecond
	DefaultIdleWorkerTimeout     = 1 * time.Minute
	DefaultMaxReadingsPerRequest = 1000
	DefaultMaxBodyBytes          = 8 << 20
)

// Plausible value ranges
const (
	DefaultVoltageMin   = 90.0
	DefaultVoltageMax   = 300.0
	DefaultFrequencyMin = 45.0
	DefaultFrequencyMax = 65.0
)

// Retention defaults
const (
	DefaultRawRetention  = 14 * 24 * time.Hour
	DefaultHourRetention = 30 * 24 * time.Hour
	DefaultDayRetention  = 365 * 24 * time.Hour
	DefaultGrace         = 1 * time.Hour
)

// Background task intervals
const (
	DefaultEvictionInterval   = 5 * time.Minute
	DefaultCheckpointInterval = 30 * time.Second
	BadgerGCInterval          = 10 * time.Minute
)

// Query defaults
const (
	DefaultQueryTimeout = 5 * time.Second
	DefaultLatestLimit  = 10
	MaxLatestLimit      = 1000
	MaxQueryWindow      = 400 * 24 * time.Hour
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 30 * 24 * time.Hour
)

// MQTT defaults
const (
	DefaultMQTTHost     = "localhost"
	DefaultMQTTPort     = 1883
	DefaultMQTTClientID = "meterflow"
	DefaultMQTTTopic    = "energy/meters/#"
	DefaultMQTTQoS      = 1
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
