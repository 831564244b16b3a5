package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/engine"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/server"
	"github.com/nicktill/meterflow/pkg/server/monitor"
	"github.com/nicktill/meterflow/pkg/transport/mqtt"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "meterflow: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, version)
	slog.SetDefault(logger)
	logger.Info("starting meterflow", "storage", cfg.Storage.Backend, "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := server.OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	m := metrics.New(nil)
	eng := engine.New(cfg, store.WAL, engine.Options{
		Persister: store.Persister,
		Metrics:   m,
		Logger:    logger,
	})
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	var storageMonitor *monitor.StorageMonitor
	if store.Backend == config.BackendBadger {
		storageMonitor = monitor.NewStorageMonitor(cfg.Storage.DataDir, cfg.Storage.MaxStorageGB<<30)
	}

	var broker *mqtt.Client
	if cfg.MQTT.Enabled {
		broker, err = mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			return abortEngine(eng, cfg.Server.ShutdownTimeout, logger,
				fmt.Errorf("connecting to MQTT broker: %w", err))
		}
		if err := mqtt.NewSource(broker, eng.Coordinator, cfg.MQTT, m, logger).Start(); err != nil {
			if cerr := broker.Close(); cerr != nil {
				logger.Warn("closing MQTT client", "error", cerr)
			}
			return abortEngine(eng, cfg.Server.ShutdownTimeout, logger, err)
		}
	}

	router := server.NewRouter(server.RouterOptions{
		Engine:         eng,
		StorageMonitor: storageMonitor,
		Backend:        store.Backend,
		Metrics:        m,
		Logger:         logger,
		Version:        version,
		AllowedOrigins: server.DefaultOrigins(cfg.Server.Port),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop the producers before the engine so no reading is accepted after
	// the final flush.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	if broker != nil {
		if err := broker.Close(); err != nil {
			logger.Warn("closing MQTT client", "error", err)
		}
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Error("engine shutdown", "error", err)
		runErr = errors.Join(runErr, err)
	}

	logger.Info("meterflow exited")
	return runErr
}

type engineCloser interface {
	Close(ctx context.Context) error
}

// abortEngine closes a started engine after a startup failure and returns
// cause joined with any close error.
func abortEngine(eng engineCloser, timeout time.Duration, logger *slog.Logger, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		logger.Error("engine shutdown", "error", err)
		return errors.Join(cause, err)
	}
	return cause
}
