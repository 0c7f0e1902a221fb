package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "sieve.db"
	defaultRedisURL       = "redis://localhost:6379/0"
	defaultQueue          = "search_queries"
	defaultKeyPrefix      = "sieve"
	defaultCodec          = "json"
	defaultJobStore       = JobStoreSQLite
	defaultEngineMode     = "warm"
	defaultEngineFraming  = "braces"
	defaultDataDir        = "./data"
	defaultSyncTimeout    = 30 * time.Second
	defaultMaxSyncTimeout = 5 * time.Minute
	defaultExpiration     = 5 * time.Second
	defaultRetention      = 120 * time.Second
	defaultPruneInterval  = 10 * time.Second
	defaultPollInterval   = 250 * time.Millisecond
	defaultKillGrace      = 1500 * time.Millisecond
	defaultRestartBackoff = time.Second
	defaultClaimIdle      = time.Minute
	defaultBrokerRetry    = 100 * time.Millisecond
	defaultBrokerRetryMax = 5 * time.Second

	envListenAddr          = "SIEVE_LISTEN_ADDR"
	envDBPath              = "SIEVE_DB_PATH"
	envLogLevel            = "SIEVE_LOG_LEVEL"
	envLogFile             = "SIEVE_LOG_FILE"
	envRedisURL            = "SIEVE_REDIS_URL"
	envQueue               = "SIEVE_QUEUE"
	envKeyPrefix           = "SIEVE_KEY_PREFIX"
	envCodec               = "SIEVE_CODEC"
	envJobStore            = "SIEVE_JOB_STORE"
	envSyncTimeout         = "SIEVE_SYNC_TIMEOUT"
	envMaxSyncTimeout      = "SIEVE_MAX_SYNC_TIMEOUT"
	envExpirationGrace     = "SIEVE_EXPIRATION_GRACE"
	envCancelRetention     = "SIEVE_CANCEL_RETENTION"
	envCancelPruneInterval = "SIEVE_CANCEL_PRUNE_INTERVAL"
	envCancelPollInterval  = "SIEVE_CANCEL_POLL_INTERVAL"
	envEngineMode          = "SIEVE_ENGINE_MODE"
	envEngineBin           = "SIEVE_ENGINE_BIN"
	envEngineArgs          = "SIEVE_ENGINE_ARGS"
	envEngineFraming       = "SIEVE_ENGINE_FRAMING"
	envDataDir             = "SIEVE_DATA_DIR"
	envEngineKillGrace     = "SIEVE_ENGINE_KILL_GRACE"
	envEngineRestart       = "SIEVE_ENGINE_RESTART_BACKOFF"
	envClaimIdle           = "SIEVE_CLAIM_IDLE"
	envBrokerRetry         = "SIEVE_BROKER_RETRY"
	envBrokerRetryMax      = "SIEVE_BROKER_RETRY_MAX"
	envWorkerID            = "SIEVE_WORKER_ID"
	envMetricsAddr         = "SIEVE_METRICS_ADDR"
)

// Job store backends.
const (
	JobStoreSQLite = "sqlite"
	JobStoreRedis  = "redis"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	LogFile    string

	RedisURL  string
	Queue     string
	KeyPrefix string
	Codec     string
	JobStore  string

	SyncTimeout     time.Duration
	MaxSyncTimeout  time.Duration
	ExpirationGrace time.Duration

	CancelRetention     time.Duration
	CancelPruneInterval time.Duration
	CancelPollInterval  time.Duration

	EngineMode           string
	EngineBin            string
	EngineArgs           []string
	EngineFraming        string
	DataDir              string
	EngineKillGrace      time.Duration
	EngineRestartBackoff time.Duration

	ClaimIdle time.Duration
	WorkerID  string

	BrokerRetry    time.Duration
	BrokerRetryMax time.Duration

	// MetricsAddr is where a worker serves /metrics. Empty disables it.
	MetricsAddr string
}

// LoadEnvFile loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable durations fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:           getEnv(envListenAddr, defaultListenAddr),
		DBPath:               getEnv(envDBPath, defaultDBPath),
		LogLevel:             slog.LevelInfo,
		LogFile:              os.Getenv(envLogFile),
		RedisURL:             getEnv(envRedisURL, defaultRedisURL),
		Queue:                getEnv(envQueue, defaultQueue),
		KeyPrefix:            getEnv(envKeyPrefix, defaultKeyPrefix),
		Codec:                strings.ToLower(getEnv(envCodec, defaultCodec)),
		JobStore:             strings.ToLower(getEnv(envJobStore, defaultJobStore)),
		SyncTimeout:          getDuration(envSyncTimeout, defaultSyncTimeout),
		MaxSyncTimeout:       getDuration(envMaxSyncTimeout, defaultMaxSyncTimeout),
		ExpirationGrace:      getDuration(envExpirationGrace, defaultExpiration),
		CancelRetention:      getDuration(envCancelRetention, defaultRetention),
		CancelPruneInterval:  getDuration(envCancelPruneInterval, defaultPruneInterval),
		CancelPollInterval:   getDuration(envCancelPollInterval, defaultPollInterval),
		EngineMode:           strings.ToLower(getEnv(envEngineMode, defaultEngineMode)),
		EngineBin:            os.Getenv(envEngineBin),
		EngineArgs:           strings.Fields(os.Getenv(envEngineArgs)),
		EngineFraming:        strings.ToLower(getEnv(envEngineFraming, defaultEngineFraming)),
		DataDir:              getEnv(envDataDir, defaultDataDir),
		EngineKillGrace:      getDuration(envEngineKillGrace, defaultKillGrace),
		EngineRestartBackoff: getDuration(envEngineRestart, defaultRestartBackoff),
		ClaimIdle:            getDuration(envClaimIdle, defaultClaimIdle),
		WorkerID:             os.Getenv(envWorkerID),
		BrokerRetry:          getDuration(envBrokerRetry, defaultBrokerRetry),
		BrokerRetryMax:       getDuration(envBrokerRetryMax, defaultBrokerRetryMax),
		MetricsAddr:          os.Getenv(envMetricsAddr),
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}

	return cfg
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	if c.JobStore != JobStoreSQLite && c.JobStore != JobStoreRedis {
		return fmt.Errorf("%s: unknown job store %q", envJobStore, c.JobStore)
	}
	if c.EngineMode != "warm" && c.EngineMode != "cold" {
		return fmt.Errorf("%s: unknown engine mode %q", envEngineMode, c.EngineMode)
	}
	if c.EngineFraming != "braces" && c.EngineFraming != "framed" {
		return fmt.Errorf("%s: unknown framing %q", envEngineFraming, c.EngineFraming)
	}
	if c.Codec != "json" && c.Codec != "cbor" {
		return fmt.Errorf("%s: unknown codec %q", envCodec, c.Codec)
	}
	if c.SyncTimeout > c.MaxSyncTimeout {
		return fmt.Errorf("%s (%s) exceeds %s (%s)", envSyncTimeout, c.SyncTimeout, envMaxSyncTimeout, c.MaxSyncTimeout)
	}
	if c.BrokerRetry > c.BrokerRetryMax {
		return fmt.Errorf("%s (%s) exceeds %s (%s)", envBrokerRetry, c.BrokerRetry, envBrokerRetryMax, c.BrokerRetryMax)
	}
	return nil
}

// TouchInterval is how often a worker refreshes the task it is running so
// other workers do not reclaim it. It leaves room for two missed refreshes
// within ClaimIdle.
func (c Config) TouchInterval() time.Duration {
	return c.ClaimIdle / 3
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// LogOutput returns the writer logs should go to. When LogFile is set, w is
// tee'd with a size-rotated file; the returned close func flushes it.
func (c Config) LogOutput(w io.Writer) (io.Writer, func() error) {
	if c.LogFile == "" {
		return w, func() error { return nil }
	}
	file := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     14,
		Compress:   true,
	}
	return io.MultiWriter(w, file), file.Close
}
