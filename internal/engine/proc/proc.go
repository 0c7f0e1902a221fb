// Package proc wraps a started subprocess in its own process group and
// exposes graceful termination: signal the group, wait a grace period, then
// kill it.
package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ErrNotStarted is returned by Start when the command has no executable.
var ErrNotStarted = errors.New("process not started")

// Process is a running subprocess. Its exit is observed by a single
// goroutine that calls Wait, so callers never call Wait themselves.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

// Start places cmd in a new process group and starts it.
func Start(cmd *exec.Cmd) (*Process, error) {
	if cmd == nil || cmd.Path == "" {
		return nil, ErrNotStarted
	}
	setGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Pid returns the process id, which is also the process group id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the result of Wait. It is only meaningful after Done.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate asks the process group to stop, then kills it if it is still
// running after grace. It returns once the process has exited.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := terminateGroup(p.cmd); err != nil && !p.Exited() {
		return fmt.Errorf("terminate pid %d: %w", p.Pid(), err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := p.Kill(); err != nil {
		return err
	}
	<-p.done
	return nil
}

// Kill forcibly stops the process group without a grace period.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := killGroup(p.cmd); err != nil && !p.Exited() {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	return nil
}
