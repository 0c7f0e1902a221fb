package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/seantiz/sieve/internal/broker/redisbroker"
	"github.com/seantiz/sieve/internal/codec"
	"github.com/seantiz/sieve/internal/config"
	"github.com/seantiz/sieve/internal/model"
	"github.com/seantiz/sieve/internal/store"
	"github.com/seantiz/sieve/internal/store/redisstore"
)

// runtimeFlags are shared by the long-running commands. Set flags override
// the environment.
func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "env", Usage: "path to a .env file", Value: ".env"},
		&cli.StringFlag{Name: "redis-url", Usage: "Redis URL (SIEVE_REDIS_URL)"},
		&cli.StringFlag{Name: "queue", Usage: "work queue name (SIEVE_QUEUE)"},
		&cli.StringFlag{Name: "codec", Usage: "message codec, json or cbor (SIEVE_CODEC)"},
		&cli.StringFlag{Name: "job-store", Usage: "sqlite or redis (SIEVE_JOB_STORE)"},
		&cli.StringFlag{Name: "db-path", Usage: "SQLite job database (SIEVE_DB_PATH)"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (SIEVE_LOG_LEVEL)"},
	}
}

func gatewayFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (SIEVE_LISTEN_ADDR)"},
	}
}

func workerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "engine-mode", Usage: "warm or cold (SIEVE_ENGINE_MODE)"},
		&cli.StringFlag{Name: "engine-bin", Usage: "engine executable (SIEVE_ENGINE_BIN)"},
		&cli.StringFlag{Name: "data-dir", Usage: "engine data directory (SIEVE_DATA_DIR)"},
		&cli.StringFlag{Name: "worker-id", Usage: "consumer name in the worker group (SIEVE_WORKER_ID)"},
		&cli.StringFlag{Name: "metrics-listen", Usage: "serve /metrics on this address (SIEVE_METRICS_ADDR)"},
	}
}

// app holds what every long-running command needs.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
}

func (a *app) close() {
	if err := a.closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
	}
}

func setup(cmd *cli.Command) (*app, error) {
	if err := config.LoadEnvFile(cmd.String("env")); err != nil {
		return nil, err
	}
	cfg := config.Load()
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w, closeLog := cfg.LogOutput(os.Stdout)
	logger := config.NewLogger(w, cfg.LogLevel)
	slog.SetDefault(logger)
	return &app{cfg: cfg, logger: logger, closeLog: closeLog}, nil
}

func applyFlags(cmd *cli.Command, cfg *config.Config) {
	override := func(flag string, dst *string) {
		if cmd.IsSet(flag) {
			*dst = cmd.String(flag)
		}
	}
	override("redis-url", &cfg.RedisURL)
	override("queue", &cfg.Queue)
	override("codec", &cfg.Codec)
	override("job-store", &cfg.JobStore)
	override("db-path", &cfg.DBPath)
	override("listen", &cfg.ListenAddr)
	override("engine-mode", &cfg.EngineMode)
	override("engine-bin", &cfg.EngineBin)
	override("data-dir", &cfg.DataDir)
	override("worker-id", &cfg.WorkerID)
	override("metrics-listen", &cfg.MetricsAddr)
	if cmd.IsSet("log-level") {
		cfg.LogLevel = config.ParseLogLevel(cmd.String("log-level"))
	}
}

// openBroker connects to Redis for the given instance.
func openBroker(ctx context.Context, a *app, instanceID string, extra ...redisbroker.Option) (*redisbroker.Broker, error) {
	c, err := codec.ForName(a.cfg.Codec)
	if err != nil {
		return nil, err
	}
	opts := append([]redisbroker.Option{
		redisbroker.WithKeyPrefix(a.cfg.KeyPrefix),
		redisbroker.WithQueue(a.cfg.Queue),
		redisbroker.WithCodec(c),
		redisbroker.WithInstanceID(instanceID),
		redisbroker.WithLogger(a.logger),
		redisbroker.WithRetry(a.cfg.BrokerRetry, a.cfg.BrokerRetryMax),
	}, extra...)

	b, err := redisbroker.Dial(ctx, a.cfg.RedisURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	a.logger.Info("broker connected", "queue", a.cfg.Queue, "instance_id", instanceID, "codec", c.ContentType())
	return b, nil
}

// openStore opens the configured job store. The Redis store shares the
// broker's connection.
func openStore(a *app, b *redisbroker.Broker) (store.Store, error) {
	switch a.cfg.JobStore {
	case config.JobStoreRedis:
		return redisstore.New(b.Client(), a.cfg.KeyPrefix), nil
	default:
		s, err := store.NewSQLiteStore(a.cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		return s, nil
	}
}

func instanceID(configured string) string {
	if configured != "" {
		return configured
	}
	return model.NewCorrelationID()
}

// serveMetrics exposes the Prometheus registry until ctx ends.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
