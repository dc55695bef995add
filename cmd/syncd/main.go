package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"driftsync/internal/api"
	"driftsync/internal/config"
	"driftsync/internal/domain"
	"driftsync/internal/engine"
	"driftsync/internal/logging"
	"driftsync/internal/monitor"
	"driftsync/internal/remote"
	"driftsync/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	kv, err := initStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := monitor.New(logging.Component(logger, "monitor"), cfg.Sync.OnlineDebounce())
	remoteClient := remote.New(cfg.Remote, logging.Component(logger, "remote"))

	eng, err := engine.New(ctx, engine.Config{
		PollInterval: cfg.Sync.PollInterval(),
		ItemDelay:    cfg.Sync.ItemDelay(),
		MaxRetries:   cfg.Sync.MaxRetries,
		Backoff:      cfg.Sync.Backoff(),
	}, engine.Deps{
		KV:      kv,
		Remote:  remoteClient,
		Monitor: mon,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	prober := monitor.NewProber(mon, nil, cfg.Remote.BaseURL, cfg.Remote.ProbeInterval(), logging.Component(logger, "prober"))
	go prober.Start(ctx)

	go watchForegroundSignals(ctx, mon, logger)

	if cfg.API.Enabled {
		apiServer := api.NewHTTPServer(cfg.API, eng, logging.Component(logger, "api"))
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			_ = apiServer.Shutdown(context.Background())
		}()
	}

	if cfg.Monitoring.PrometheusEnabled {
		metricsServer := startMetricsServer(cfg.Monitoring, logger)
		defer func() {
			_ = metricsServer.Shutdown(context.Background())
		}()
	}

	logger.Info().
		Str("backend", cfg.Storage.Backend).
		Str("remote", cfg.Remote.BaseURL).
		Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

func initStorage(cfg *config.Config, logger *zerolog.Logger) (domain.KVStore, error) {
	storeLogger := logging.Component(logger, "store")

	switch cfg.Storage.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			storeLogger.Error().Err(err).Msg("create database directory")
			return nil, err
		}
		return store.NewSQLiteKV(cfg.Storage.Path)

	case "redis":
		client := store.NewRedisClient(cfg.Storage.Redis)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.PingRedis(pingCtx, client); err != nil {
			storeLogger.Warn().Err(err).Msg("Redis unavailable at startup, failover will cover it")
		}
		// Memory fallback keeps saves durable for the process lifetime while
		// Redis is down; the engine re-reads the queue on the next start.
		return store.NewFailoverKV(store.NewRedisKV(client), store.NewMemoryKV(), storeLogger), nil

	case "memory":
		storeLogger.Warn().Msg("memory backend selected, state will not survive restarts")
		return store.NewMemoryKV(), nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
}

// watchForegroundSignals maps SIGUSR1/SIGUSR2 to foreground/background so
// operators can pause background syncing without stopping the daemon.
func watchForegroundSignals(ctx context.Context, mon *monitor.Monitor, logger *zerolog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				logger.Info().Msg("SIGUSR1: entering foreground mode")
				mon.SetForeground(true)
			case syscall.SIGUSR2:
				logger.Info().Msg("SIGUSR2: entering background mode")
				mon.SetForeground(false)
			}
		}
	}
}

func startMetricsServer(cfg config.MonitoringConfig, logger *zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	return srv
}
