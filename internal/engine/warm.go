package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/sieve/internal/engine/proc"
)

// stableAfter is how long an engine must run before a crash stops counting
// toward the restart backoff.
const stableAfter = 10 * time.Second

// WarmSupervisor keeps one engine process running and serves one query at a
// time through it.
type WarmSupervisor struct {
	cfg     Config
	logger  *slog.Logger
	restart *backoff.ExponentialBackOff // guarded by mu

	mu          sync.Mutex
	proc        *proc.Process
	stdin       io.WriteCloser
	gen         uint64
	startedAt   time.Time
	ready       chan struct{} // closed while a process is live
	outstanding *request
	expectExit  uint64 // generation stopped on purpose
	closed      bool
	closeCh     chan struct{}

	wg sync.WaitGroup
}

type request struct {
	correlationID string
	// gen is the process generation the query was written to, or zero
	// while the request waits for a live process.
	gen    uint64
	result chan result
}

type result struct {
	body json.RawMessage
	err  error
}

// NewWarmSupervisor starts the engine and returns once the process is
// running.
func NewWarmSupervisor(cfg Config, logger *slog.Logger) (*WarmSupervisor, error) {
	cfg = cfg.withDefaults()
	if _, err := newFrameReader(cfg.Framing, nil); err != nil {
		return nil, err
	}
	s := &WarmSupervisor{
		cfg:     cfg,
		logger:  logger,
		restart: newRestartBackOff(cfg.RestartBackoff, cfg.MaxRestartBackoff),
		ready:   make(chan struct{}),
		closeCh: make(chan struct{}),
	}
	if err := s.spawn(); err != nil {
		return nil, err
	}
	return s, nil
}

// newRestartBackOff doubles the restart delay from initial up to maxDelay
// without jitter and never gives up.
func newRestartBackOff(initial, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Pid returns the current engine process id, or zero while restarting.
func (s *WarmSupervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

func (s *WarmSupervisor) spawn() error {
	args := slices.Clone(s.cfg.Args)
	if s.cfg.DataDir != "" {
		args = append(args, s.cfg.DataDir)
	}
	cmd := exec.Command(s.cfg.Bin, args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stderr = newLineLogger(s.logger, "engine stderr")
	cmd.WaitDelay = s.cfg.KillGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("engine stdin: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	reader, err := newFrameReader(s.cfg.Framing, pr)
	if err != nil {
		return err
	}

	p, err := proc.Start(cmd)
	if err != nil {
		pw.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.Kill()
		pw.Close()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.proc = p
	s.stdin = stdin
	s.startedAt = time.Now()
	close(s.ready)
	s.mu.Unlock()

	engineUp.Set(1)
	s.logger.Info("engine started", "pid", p.Pid(), "generation", gen, "framing", s.cfg.Framing)

	readerDone := make(chan struct{})
	s.wg.Go(func() {
		defer close(readerDone)
		s.readLoop(gen, reader)
	})
	s.wg.Go(func() {
		<-p.Done()
		pw.Close()
		<-readerDone
		s.onExit(gen, p)
	})
	return nil
}

func (s *WarmSupervisor) readLoop(gen uint64, r frameReader) {
	for {
		raw, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Warn("engine output ended", "generation", gen, "error", err)
			}
			return
		}
		s.deliver(gen, raw)
	}
}

// deliver hands raw to the request written to generation gen.
func (s *WarmSupervisor) deliver(gen uint64, raw []byte) {
	s.mu.Lock()
	req := s.outstanding
	if req == nil || req.gen != gen {
		s.mu.Unlock()
		s.logger.Warn("discarding engine output with no request", "generation", gen, "bytes", len(raw))
		return
	}
	s.outstanding = nil
	s.mu.Unlock()

	body, err := validate(raw)
	req.result <- result{body: body, err: err}
}

func (s *WarmSupervisor) onExit(gen uint64, p *proc.Process) {
	exitErr := p.Err()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.stdin = nil
	s.ready = make(chan struct{})
	expected := s.expectExit == gen
	var req *request
	if s.outstanding != nil && s.outstanding.gen == gen {
		req = s.outstanding
		s.outstanding = nil
	}
	var delay time.Duration
	if !expected {
		if time.Since(s.startedAt) > stableAfter {
			s.restart.Reset()
		}
		delay = s.restart.NextBackOff()
	}
	closed := s.closed
	s.mu.Unlock()

	engineUp.Set(0)
	if req != nil {
		req.result <- result{err: fmt.Errorf("%w: %v", ErrEngineExited, exitErr)}
	}
	if closed {
		return
	}

	if expected {
		restartsTotal.WithLabelValues(reasonCancel).Inc()
		s.logger.Info("engine stopped, restarting", "pid", p.Pid())
	} else {
		restartsTotal.WithLabelValues(reasonCrash).Inc()
		s.logger.Warn("engine exited unexpectedly", "pid", p.Pid(), "error", exitErr, "restart_in", delay)
	}
	s.wg.Go(func() { s.restartAfter(delay) })
}

func (s *WarmSupervisor) restartAfter(delay time.Duration) {
	for {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-s.closeCh:
				t.Stop()
				return
			case <-t.C:
			}
		}
		err := s.spawn()
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		s.mu.Lock()
		delay = s.restart.NextBackOff()
		s.mu.Unlock()
		s.logger.Error("engine restart failed", "error", err, "retry_in", delay)
	}
}

// Run writes query to the engine and waits for its result. Only one request
// may be in flight; a second concurrent call fails with ErrBusy.
func (s *WarmSupervisor) Run(ctx context.Context, correlationID, query string) (json.RawMessage, error) {
	start := time.Now()
	req := &request{correlationID: correlationID, result: make(chan result, 1)}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case s.outstanding != nil:
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.outstanding = req
	s.mu.Unlock()

	body, err := s.run(ctx, req, query)
	runDuration.WithLabelValues(ModeWarm, outcomeOf(err)).Observe(time.Since(start).Seconds())
	return body, err
}

func (s *WarmSupervisor) run(ctx context.Context, req *request, query string) (json.RawMessage, error) {
	line := queryLine(query) + "\n"

	for {
		s.mu.Lock()
		if s.outstanding != req {
			// Canceled or closed while waiting; the result is already sent.
			s.mu.Unlock()
			r := <-req.result
			return r.body, r.err
		}
		if s.proc == nil {
			ready := s.ready
			s.mu.Unlock()
			select {
			case <-ready:
				continue
			case r := <-req.result:
				return r.body, r.err
			case <-ctx.Done():
				s.abort(req, ctx.Err())
				r := <-req.result
				return r.body, r.err
			}
		}
		req.gen = s.gen
		stdin, p := s.stdin, s.proc
		s.mu.Unlock()

		if _, err := io.WriteString(stdin, line); err != nil {
			// The process is going away; onExit rejects the request.
			s.logger.Warn("write query to engine", "pid", p.Pid(), "error", err)
			s.wg.Go(func() { s.terminate(p) })
		}
		break
	}

	select {
	case r := <-req.result:
		return r.body, r.err
	case <-ctx.Done():
		s.abort(req, ctx.Err())
		r := <-req.result
		return r.body, r.err
	}
}

// Cancel aborts the outstanding request if it belongs to correlationID. If
// the query already reached the engine, the process is terminated: SIGTERM,
// then SIGKILL after the kill grace. A fresh process is started afterwards.
func (s *WarmSupervisor) Cancel(correlationID string) bool {
	s.mu.Lock()
	req := s.outstanding
	s.mu.Unlock()
	if req == nil || req.correlationID != correlationID {
		return false
	}
	if !s.abort(req, ErrCanceled) {
		return false
	}
	cancelsTotal.WithLabelValues(ModeWarm).Inc()
	s.logger.Info("engine request canceled", "correlation_id", correlationID)
	return true
}

// abort rejects req with cause if it is still outstanding and stops the
// process it was written to, since that process's next output would
// otherwise be taken as the answer to a later query.
func (s *WarmSupervisor) abort(req *request, cause error) bool {
	s.mu.Lock()
	if s.outstanding != req {
		s.mu.Unlock()
		return false
	}
	s.outstanding = nil
	var p *proc.Process
	if req.gen != 0 && req.gen == s.gen && s.proc != nil {
		p = s.proc
		s.expectExit = s.gen
	}
	s.mu.Unlock()

	req.result <- result{err: cause}
	if p != nil {
		s.wg.Go(func() { s.terminate(p) })
	}
	return true
}

func (s *WarmSupervisor) terminate(p *proc.Process) {
	if err := p.Terminate(s.cfg.KillGrace); err != nil {
		s.logger.Error("terminate engine", "pid", p.Pid(), "error", err)
	}
}

// Close stops the engine and rejects any outstanding request with ErrClosed.
func (s *WarmSupervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	req := s.outstanding
	s.outstanding = nil
	p, stdin := s.proc, s.stdin
	s.expectExit = s.gen
	s.mu.Unlock()

	if req != nil {
		req.result <- result{err: ErrClosed}
	}
	if stdin != nil {
		stdin.Close()
	}
	if p != nil {
		s.terminate(p)
	}
	s.wg.Wait()
	engineUp.Set(0)
	return nil
}
