// Package server assembles the HTTP surface of meterflow: storage backend
// selection, the routed API and the operational endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/rollup"
	"github.com/nicktill/meterflow/pkg/storage"
	"github.com/nicktill/meterflow/pkg/storage/badger"
	"github.com/nicktill/meterflow/pkg/storage/memory"
	"github.com/nicktill/meterflow/pkg/storage/postgres"
)

// Storage is an opened backend. Persister is nil for the memory backend.
type Storage struct {
	WAL       storage.WAL
	Persister rollup.Persister
	Backend   string
}

// Close closes the WAL.
func (s *Storage) Close() error {
	return s.WAL.Close()
}

// OpenStorage opens the backend selected by cfg.Backend.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Storage, error) {
	logger = logging.OrNop(logger)
	policy := storage.SegmentPolicyFrom(cfg)

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage, readings are lost on restart")
		return &Storage{WAL: memory.New(policy), Backend: cfg.Backend}, nil

	case config.BackendBadger, "":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		logger.Info("opening BadgerDB storage", "path", cfg.DataDir, "max_memory_mb", cfg.MaxMemoryMB)
		store, err := badger.New(badger.Config{
			Path:        cfg.DataDir,
			MaxMemoryMB: cfg.MaxMemoryMB,
			Segments:    policy,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return &Storage{WAL: store, Persister: store, Backend: config.BackendBadger}, nil

	case config.BackendPostgres:
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("storage.postgres_url is required for the postgres backend")
		}
		logger.Info("connecting to PostgreSQL storage")
		store, err := postgres.New(ctx, postgres.Config{
			URL:      cfg.PostgresURL,
			Segments: policy,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return &Storage{WAL: store, Persister: store, Backend: cfg.Backend}, nil
	}

	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
