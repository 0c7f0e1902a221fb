package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/sieve/internal/engine/proc"
)

// ColdRunner starts one engine process per query.
type ColdRunner struct {
	cfg    Config
	logger *slog.Logger
	seq    atomic.Uint64

	mu       sync.Mutex
	running  map[string]*coldRun
	closed   bool
	inflight sync.WaitGroup
}

type coldRun struct {
	p        *proc.Process
	canceled atomic.Bool
}

// NewColdRunner creates a cold-mode runner. Nothing is started until Run.
func NewColdRunner(cfg Config, logger *slog.Logger) *ColdRunner {
	cfg = cfg.withDefaults()
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &ColdRunner{cfg: cfg, logger: logger, running: make(map[string]*coldRun)}
}

// args renders the command line for one invocation.
func (c *ColdRunner) args(query, output string) []string {
	r := strings.NewReplacer("{data}", c.cfg.DataDir, "{query}", queryLine(query), "{output}", output)
	args := slices.Clone(c.cfg.Args)
	for _, a := range c.cfg.ColdArgs {
		args = append(args, r.Replace(a))
	}
	return args
}

// Run executes query in a fresh engine process. The result is taken from
// stdout when it begins with '{', otherwise from the output file the engine
// was told to write.
func (c *ColdRunner) Run(ctx context.Context, correlationID, query string) (json.RawMessage, error) {
	start := time.Now()
	body, err := c.run(ctx, correlationID, query)
	runDuration.WithLabelValues(ModeCold, outcomeOf(err)).Observe(time.Since(start).Seconds())
	return body, err
}

func (c *ColdRunner) run(ctx context.Context, correlationID, query string) (json.RawMessage, error) {
	output := filepath.Join(c.cfg.WorkDir,
		"output_"+strconv.Itoa(os.Getpid())+"_"+strconv.FormatUint(c.seq.Add(1), 10)+".json")
	defer os.Remove(output)

	cmd := exec.Command(c.cfg.Bin, c.args(query, output)...)
	cmd.Dir = c.cfg.WorkDir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.WaitDelay = c.cfg.KillGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := c.running[correlationID]; dup {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	p, err := proc.Start(cmd)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	run := &coldRun{p: p}
	c.running[correlationID] = run
	c.inflight.Add(1)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.running, correlationID)
		c.mu.Unlock()
		c.inflight.Done()
	}()

	c.logger.Debug("engine invoked", "pid", p.Pid(), "correlation_id", correlationID)

	select {
	case <-p.Done():
	case <-ctx.Done():
		c.terminate(p)
		return nil, ctx.Err()
	}

	if run.canceled.Load() {
		return nil, ErrCanceled
	}
	if stderr.Len() > 0 {
		c.logger.Debug("engine stderr", "pid", p.Pid(), "stderr", strings.TrimSpace(stderr.String()))
	}

	if out := bytes.TrimSpace(stdout.Bytes()); bytes.HasPrefix(out, []byte("{")) {
		return validate(out)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		if exitErr := p.Err(); exitErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngineExited, exitErr)
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no output produced", ErrMalformedOutput)
		}
		return nil, fmt.Errorf("read engine output: %w", err)
	}
	return validate(bytes.TrimSpace(data))
}

// Cancel terminates the process group running correlationID's query.
func (c *ColdRunner) Cancel(correlationID string) bool {
	c.mu.Lock()
	run, ok := c.running[correlationID]
	c.mu.Unlock()
	if !ok || !run.canceled.CompareAndSwap(false, true) {
		return false
	}
	cancelsTotal.WithLabelValues(ModeCold).Inc()
	c.logger.Info("engine request canceled", "correlation_id", correlationID, "pid", run.p.Pid())
	go c.terminate(run.p)
	return true
}

func (c *ColdRunner) terminate(p *proc.Process) {
	if err := p.Terminate(c.cfg.KillGrace); err != nil {
		c.logger.Error("terminate engine", "pid", p.Pid(), "error", err)
	}
}

// Close terminates every running invocation and waits for them to unwind.
func (c *ColdRunner) Close() error {
	c.mu.Lock()
	c.closed = true
	runs := make([]*coldRun, 0, len(c.running))
	for _, r := range c.running {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		r.canceled.Store(true)
		c.terminate(r.p)
	}
	c.inflight.Wait()
	return nil
}
