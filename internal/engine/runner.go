package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Engine modes.
const (
	ModeWarm = "warm"
	ModeCold = "cold"
)

const (
	DefaultKillGrace         = 1500 * time.Millisecond
	DefaultRestartBackoff    = time.Second
	DefaultMaxRestartBackoff = 30 * time.Second
)

// DefaultColdArgs is the per-query argument template for cold mode. The
// placeholders {data}, {query} and {output} are substituted per call.
var DefaultColdArgs = []string{"-FILE_DIR={data}", "-SEARCH=QUERY", "{query}", "-GUI=false", "-output={output}"}

// Runner executes one query against the engine.
type Runner interface {
	// Run blocks until the engine produces a result for query, the request
	// is canceled through Cancel, or ctx ends.
	Run(ctx context.Context, correlationID, query string) (json.RawMessage, error)
	// Cancel aborts the in-flight request for correlationID. It reports
	// whether such a request existed.
	Cancel(correlationID string) bool
	Close() error
}

// Config describes how to launch the engine.
type Config struct {
	Mode string
	// Bin is the engine executable; Args precede everything else on its
	// command line (for example "-jar", "engine.jar").
	Bin  string
	Args []string
	// DataDir is the engine's data root. Warm engines receive it as their
	// final argument.
	DataDir string
	// WorkDir holds per-invocation output files in cold mode. Defaults to
	// the system temp dir.
	WorkDir string
	// ColdArgs is the per-query argument template (see DefaultColdArgs).
	ColdArgs []string
	// Framing selects how warm engine output is split into results.
	Framing string

	KillGrace         time.Duration
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeWarm
	}
	if c.Framing == "" {
		c.Framing = FramingBraces
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = DefaultRestartBackoff
	}
	if c.MaxRestartBackoff <= 0 {
		c.MaxRestartBackoff = DefaultMaxRestartBackoff
	}
	if len(c.ColdArgs) == 0 {
		c.ColdArgs = DefaultColdArgs
	}
	return c
}

// New builds the Runner for cfg.Mode. A warm engine is started before New
// returns.
func New(cfg Config, logger *slog.Logger) (Runner, error) {
	cfg = cfg.withDefaults()
	if cfg.Bin == "" {
		return nil, fmt.Errorf("engine binary is required")
	}
	switch cfg.Mode {
	case ModeWarm:
		return NewWarmSupervisor(cfg, logger)
	case ModeCold:
		return NewColdRunner(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q (want %s or %s)", cfg.Mode, ModeWarm, ModeCold)
	}
}

// queryLine flattens a query onto one line for line-oriented engines.
func queryLine(query string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(strings.TrimSpace(query))
}

// validate checks that raw is a JSON document.
func validate(raw []byte) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %.200q", ErrMalformedOutput, raw)
	}
	return json.RawMessage(raw), nil
}
