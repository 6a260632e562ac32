// Package process owns the lifecycle of inference server processes: launch,
// readiness polling, process-group termination and log capture.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/ports"
	"github.com/rs/zerolog"
)

var (
	// ErrStartTimeout is returned when readiness is never observed within ReadyTimeout.
	ErrStartTimeout = errors.New("server did not become ready before timeout")
	// ErrProcessExited is returned when the process dies before becoming ready.
	ErrProcessExited = errors.New("server process exited before becoming ready")
	// ErrPortInUse is returned when something already listens on the configured port.
	ErrPortInUse = errors.New("port already in use")
)

// StartError wraps a start failure with the server it belongs to.
type StartError struct {
	Name string
	Port int
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s on port %d: %v", e.Name, e.Port, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// HealthStatus tracks where a server is in its lifecycle.
type HealthStatus int

const (
	StatusStopped HealthStatus = iota
	StatusStarting
	StatusReady
	StatusFailed
)

func (s HealthStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// ServerConfig describes one inference server.
type ServerConfig struct {
	Name      string
	Role      ports.Role
	Command   string
	Model     string
	Host      string
	Port      int
	Device    int // GPU index; negative leaves CUDA_VISIBLE_DEVICES untouched
	ExtraArgs []string
	LogFile   string // empty inherits the parent's stdout/stderr
	Readiness string // "port" or "log"

	ReadyTimeout time.Duration
	PollInterval time.Duration
	StopTimeout  time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.Name == "" {
		c.Name = string(c.Role)
	}
	return c
}

// Args returns the launch arguments: serve <model> --host H --port P [extra...].
func (c ServerConfig) Args() []string {
	args := []string{"serve", c.Model, "--host", c.Host, "--port", strconv.Itoa(c.Port)}
	return append(args, c.ExtraArgs...)
}

// Env returns environment overrides for the process.
func (c ServerConfig) Env() []string {
	if c.Device < 0 {
		return nil
	}
	return []string{"CUDA_VISIBLE_DEVICES=" + strconv.Itoa(c.Device)}
}

// Addr is the host:port the server binds.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ServerHandle is a snapshot of a managed server.
type ServerHandle struct {
	Name   string
	Role   ports.Role
	Host   string
	Port   int
	PID    int
	Status HealthStatus
}

// BaseURL is the HTTP root of the server's OpenAI-compatible API.
func (h ServerHandle) BaseURL() string {
	return "http://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// Option customizes a Server.
type Option func(*Server)

// WithProbe overrides the readiness probe derived from ServerConfig.Readiness.
func WithProbe(p Probe) Option {
	return func(s *Server) { s.probe = p }
}

// WithPortCheck overrides how the server detects a port that is already taken.
func WithPortCheck(inUse func(ctx context.Context, addr string) bool) Option {
	return func(s *Server) { s.portInUse = inUse }
}

// Server owns one inference server process. All methods are safe for concurrent use.
type Server struct {
	cfg       ServerConfig
	launcher  ports.ProcessLauncher
	logger    zerolog.Logger
	probe     Probe
	portInUse func(ctx context.Context, addr string) bool

	mu      sync.Mutex
	proc    ports.Process
	logFile io.Closer
	status  HealthStatus
}

// NewServer creates a stopped server.
func NewServer(cfg ServerConfig, launcher ports.ProcessLauncher, logger zerolog.Logger, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:       cfg,
		launcher:  launcher,
		logger:    logger.With().Str("server", cfg.Name).Int("port", cfg.Port).Logger(),
		portInUse: portOpen,
		status:    StatusStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probe == nil {
		if cfg.Readiness == "log" && cfg.LogFile != "" {
			s.probe = NewLogProbe(cfg.LogFile, nil)
		} else {
			s.probe = NewPortProbe(cfg.Addr())
		}
	}
	return s
}

// Config returns the server's effective configuration.
func (s *Server) Config() ServerConfig { return s.cfg }

// Handle returns the current snapshot.
func (s *Server) Handle() ServerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleLocked()
}

func (s *Server) handleLocked() ServerHandle {
	h := ServerHandle{
		Name:   s.cfg.Name,
		Role:   s.cfg.Role,
		Host:   s.cfg.Host,
		Port:   s.cfg.Port,
		Status: s.status,
	}
	if s.proc != nil {
		h.PID = s.proc.PID()
	}
	return h
}

// Start launches the process and blocks until it is ready, the ready timeout
// elapses, the process exits, or ctx is done. Starting a ready server is a no-op.
func (s *Server) Start(ctx context.Context) (ServerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusReady && s.alive() {
		return s.handleLocked(), nil
	}
	if s.proc != nil {
		// Leftover from a crash or failed start; reap it before reusing the port.
		if err := s.stopLocked(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to reap stale process")
		}
	}

	if s.portInUse(ctx, s.cfg.Addr()) {
		s.status = StatusFailed
		return s.handleLocked(), &StartError{Name: s.cfg.Name, Port: s.cfg.Port, Err: ErrPortInUse}
	}

	spec := ports.LaunchSpec{
		Name:    s.cfg.Name,
		Command: s.cfg.Command,
		Args:    s.cfg.Args(),
		Env:     s.cfg.Env(),
	}
	if m, ok := s.probe.(interface{ Mark() }); ok {
		m.Mark()
	}
	if s.cfg.LogFile != "" {
		f, err := os.OpenFile(s.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.status = StatusFailed
			return s.handleLocked(), &StartError{Name: s.cfg.Name, Port: s.cfg.Port, Err: fmt.Errorf("open log file: %w", err)}
		}
		s.logFile = f
		spec.Output = f
	}

	s.logger.Info().
		Str("command", spec.Command).
		Strs("args", spec.Args).
		Strs("env", spec.Env).
		Str("log_file", s.cfg.LogFile).
		Msg("Launching inference server")

	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		s.closeLog()
		s.status = StatusFailed
		return s.handleLocked(), &StartError{Name: s.cfg.Name, Port: s.cfg.Port, Err: err}
	}
	s.proc = proc
	s.status = StatusStarting

	start := time.Now()
	if err := s.waitReady(ctx, proc); err != nil {
		handle := s.handleLocked()
		if stopErr := s.stopLocked(context.WithoutCancel(ctx)); stopErr != nil {
			s.logger.Warn().Err(stopErr).Msg("Failed to stop server after failed start")
		}
		s.status = StatusFailed
		handle.Status = StatusFailed
		return handle, &StartError{Name: s.cfg.Name, Port: s.cfg.Port, Err: err}
	}

	s.status = StatusReady
	s.logger.Info().Int("pid", proc.PID()).Dur("startup", time.Since(start)).Msg("Inference server ready")
	return s.handleLocked(), nil
}

// waitReady polls the probe until ready. Log probes may also wake the loop on file writes.
func (s *Server) waitReady(ctx context.Context, proc ports.Process) error {
	deadline := time.NewTimer(s.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if w, ok := s.probe.(Watcher); ok {
		ch, closeWatch, err := w.Watch()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Readiness watch unavailable, polling only")
		} else {
			wake = ch
			defer closeWatch()
		}
	}

	for {
		if s.probe.Ready(ctx) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.Done():
			return fmt.Errorf("%w: %v", ErrProcessExited, proc.Err())
		case <-deadline.C:
			return fmt.Errorf("%w (%s)", ErrStartTimeout, s.cfg.ReadyTimeout)
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Stop terminates the process group, escalating to SIGKILL after StopTimeout,
// and releases the log file. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) error {
	proc := s.proc
	if proc == nil {
		s.closeLog()
		if s.status != StatusFailed {
			s.status = StatusStopped
		}
		return nil
	}

	// Signal even when the leader has exited; forked workers may still hold the GPU and port.
	s.logger.Info().Int("pid", proc.PID()).Msg("Stopping inference server")
	if err := proc.Terminate(); err != nil {
		s.logger.Warn().Err(err).Msg("SIGTERM to process group failed")
	}

	var stopErr error
	if !waitGone(ctx, proc, s.cfg.StopTimeout) {
		if ctx.Err() == nil {
			s.logger.Warn().Dur("timeout", s.cfg.StopTimeout).Msg("Server ignored SIGTERM, killing process group")
		}
		stopErr = s.kill(proc)
	}

	s.closeLog()
	s.proc = nil
	s.status = StatusStopped
	return stopErr
}

func (s *Server) kill(proc ports.Process) error {
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", s.cfg.Name, err)
	}
	if !waitGone(context.Background(), proc, s.cfg.StopTimeout) {
		return fmt.Errorf("kill %s: process group %d did not exit", s.cfg.Name, proc.PID())
	}
	return nil
}

// groupPollInterval paces checks for group members outliving the leader.
const groupPollInterval = 20 * time.Millisecond

// waitGone reports whether proc and its whole group exited within timeout.
func waitGone(ctx context.Context, proc ports.Process, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()

	done := proc.Done()
	for {
		if !proc.Running() {
			return true
		}
		select {
		case <-done:
			done = nil
		case <-ticker.C:
		case <-deadline.C:
			return !proc.Running()
		case <-ctx.Done():
			return !proc.Running()
		}
	}
}

func (s *Server) alive() bool {
	if s.proc == nil {
		return false
	}
	select {
	case <-s.proc.Done():
		return false
	default:
		return true
	}
}

func (s *Server) closeLog() {
	if s.logFile == nil {
		return
	}
	if err := s.logFile.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Closing server log file failed")
	}
	s.logFile = nil
}
