// Package supervisor ensures a compile server endpoint is reachable. It
// prefers adopting an already-running server over spawning one; when it
// does spawn, it exclusively owns the child process and is the only
// component that kills it.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stingray-assist/connect/registry"
)

// Supervisor drives the registry's compiler slot. Supervision is one-shot:
// Ensure returns after the compiler connection drops, and re-supervision
// is an explicit caller decision.
type Supervisor struct {
	log      *zap.SugaredLogger
	reg      *registry.Registry
	resolver *Resolver

	attachAttempts int
	attachDelay    time.Duration
	pollAttempts   int
	pollDelay      time.Duration

	mu    sync.Mutex
	child *child
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.log = l.Named("supervisor").Sugar() }
}

// WithAttachBudget bounds the attempt to adopt an already-running compile
// server before spawning one.
func WithAttachBudget(attempts int, delay time.Duration) Option {
	return func(s *Supervisor) {
		s.attachAttempts = attempts
		s.attachDelay = delay
	}
}

// WithPollBudget bounds the connection polls after spawning.
func WithPollBudget(attempts int, delay time.Duration) Option {
	return func(s *Supervisor) {
		s.pollAttempts = attempts
		s.pollDelay = delay
	}
}

func New(reg *registry.Registry, resolver *Resolver, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:            zap.NewNop().Sugar(),
		reg:            reg,
		resolver:       resolver,
		attachAttempts: 2,
		attachDelay:    500 * time.Millisecond,
		pollAttempts:   20,
		pollDelay:      time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ensure makes the compiler endpoint reachable, then blocks until that
// connection drops, and returns. In order: kill any child left from a
// previous call, resolve the toolchain, try to adopt a running server,
// otherwise spawn one and poll-connect with exit-code checks between
// polls. Every return path runs the same teardown, so the child process
// never outlives supervision; no panic escapes.
func (s *Supervisor) Ensure(ctx context.Context) (err error) {
	endCycle := s.reg.StartCompilerCycle()
	ok := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compiler supervision panicked: %v", r)
		}
		s.killChild()
		endCycle(ok)
		if err != nil {
			s.log.Errorw("compile server unavailable", "Error", err)
		}
	}()

	s.killChild()

	cfg, err := s.resolver.Resolve()
	if err != nil {
		return fmt.Errorf("resolving toolchain: %w", err)
	}

	// Somebody else's compile server may already be listening; adopt it
	// rather than racing it for the port.
	if s.reg.AwaitCompiler(ctx, s.attachAttempts, s.attachDelay, nil) {
		ok = true
		s.log.Infow("adopted running compile server", "Port", s.reg.CompilerPort())
		s.block(ctx)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	secret, err := s.provisionSecret()
	if err != nil {
		return fmt.Errorf("provisioning session secret: %w", err)
	}

	ch, err := s.spawn(cfg, secret)
	if err != nil {
		return err
	}
	s.log.Infow("spawned compile server", "PID", ch.cmd.Process.Pid, "Binary", cfg.EngineBinary())

	connected := s.reg.AwaitCompiler(ctx, s.pollAttempts, s.pollDelay, func() error {
		if code, exited := ch.exited(); exited {
			return fmt.Errorf("compile server exited early with code %d", code)
		}
		return nil
	})
	if !connected {
		if code, exited := ch.exited(); exited {
			return fmt.Errorf("compile server exited with code %d before accepting connections", code)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("compile server did not accept a connection within %d attempts", s.pollAttempts)
	}

	ok = true
	s.block(ctx)
	return nil
}

// block waits for the established compiler connection to drop, or for ctx.
func (s *Supervisor) block(ctx context.Context) {
	conn := s.reg.Compiler()
	if conn == nil {
		return
	}
	select {
	case <-conn.Done():
	case <-ctx.Done():
	}
}

func (s *Supervisor) provisionSecret() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Supervisor) spawn(cfg *ToolchainConfig, secret string) (*child, error) {
	args := []string{
		"--asset-server",
		"--toolchain", cfg.Root,
		"--port", strconv.Itoa(s.reg.CompilerPort()),
		"--secret", secret,
	}
	if cfg.SourceDir != "" {
		args = append(args, "--source-dir", cfg.SourceDir)
	}
	if cfg.DataDir != "" {
		args = append(args, "--data-dir", cfg.DataDir)
	}

	cmd := exec.Command(cfg.EngineBinary(), args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting compile server: %w", err)
	}

	ch := &child{cmd: cmd, done: make(chan struct{}), exitCode: -1}
	go func() {
		err := cmd.Wait()
		if err != nil {
			if exitErr, okErr := err.(*exec.ExitError); okErr {
				ch.exitCode = exitErr.ExitCode()
			}
		} else {
			ch.exitCode = 0
		}
		close(ch.done)
	}()

	s.mu.Lock()
	s.child = ch
	s.mu.Unlock()
	return ch, nil
}

// killChild tears down the currently owned child, if any. Safe to call
// repeatedly; each child is killed through exactly one path.
func (s *Supervisor) killChild() {
	s.mu.Lock()
	ch := s.child
	s.child = nil
	s.mu.Unlock()
	if ch != nil {
		ch.kill()
	}
}

// child is a spawned compile server process. exitCode is valid only after
// done is closed.
type child struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int

	killOnce sync.Once
}

// exited reports whether the process has terminated, and its exit code if
// so.
func (c *child) exited() (int, bool) {
	select {
	case <-c.done:
		return c.exitCode, true
	default:
		return 0, false
	}
}

// kill terminates the process and waits for the reaper to observe the
// exit. Killing an already-dead process is a no-op.
func (c *child) kill() {
	c.killOnce.Do(func() {
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		<-c.done
	})
}
