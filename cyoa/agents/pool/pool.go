// Package pool keeps at most one inference server per agent role and starts
// them lazily on first use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	ports "github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/ports"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/process"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/config"
)

// ErrUnknownRole is returned for roles that have no server configuration.
var ErrUnknownRole = errors.New("no server configured for role")

// CharacterPolicy decides how character agents map onto the character server.
type CharacterPolicy string

const (
	// PolicyReuse shares one character server between all characters.
	PolicyReuse CharacterPolicy = "reuse"
	// PolicyRespawn restarts the character server whenever a different character speaks.
	PolicyRespawn CharacterPolicy = "respawn"
)

// Server is the slice of process.Server the pool depends on.
type Server interface {
	Start(ctx context.Context) (process.ServerHandle, error)
	Stop(ctx context.Context) error
	Handle() process.ServerHandle
}

// ServerFactory builds a server for a role configuration.
type ServerFactory func(cfg process.ServerConfig) Server

// Config is the per-role server layout plus the character policy.
type Config struct {
	Servers         map[ports.Role]process.ServerConfig
	CharacterPolicy CharacterPolicy
}

// ConfigFrom maps application configuration onto pool configuration.
func ConfigFrom(cfg *config.Config) Config {
	role := func(r ports.Role, sc config.ServerConfig) process.ServerConfig {
		return process.ServerConfig{
			Name:         r.String(),
			Role:         r,
			Command:      cfg.Servers.Command,
			Model:        cfg.Model,
			Host:         cfg.Servers.Host,
			Port:         sc.Port,
			Device:       sc.Device,
			ExtraArgs:    cfg.Servers.ExtraArgs,
			LogFile:      sc.LogFile,
			Readiness:    cfg.Servers.Readiness,
			ReadyTimeout: cfg.Servers.ReadyTimeout,
			PollInterval: cfg.Servers.PollInterval,
			StopTimeout:  cfg.Servers.StopTimeout,
		}
	}
	return Config{
		Servers: map[ports.Role]process.ServerConfig{
			ports.RoleStoryteller: role(ports.RoleStoryteller, cfg.Servers.Storyteller),
			ports.RoleDirector:    role(ports.RoleDirector, cfg.Servers.Director),
			ports.RoleCharacter:   role(ports.RoleCharacter, cfg.Servers.Character),
		},
		CharacterPolicy: CharacterPolicy(cfg.Orchestrator.CharacterPolicy),
	}
}

// Option customizes a Pool.
type Option func(*Pool)

// WithServerFactory replaces process.NewServer, mainly for tests.
func WithServerFactory(f ServerFactory) Option {
	return func(p *Pool) { p.factory = f }
}

type slot struct {
	mu        sync.Mutex // held across Start so one role never launches twice
	server    Server
	character string // current occupant under PolicyRespawn
}

// Pool owns every inference server of a session.
type Pool struct {
	cfg     Config
	factory ServerFactory
	logger  zerolog.Logger

	mu    sync.Mutex
	slots map[ports.Role]*slot
}

// New creates an empty pool. Servers are launched through launcher unless a
// factory option overrides it.
func New(cfg Config, launcher ports.ProcessLauncher, logger zerolog.Logger, opts ...Option) *Pool {
	if cfg.CharacterPolicy == "" {
		cfg.CharacterPolicy = PolicyReuse
	}
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		slots:  make(map[ports.Role]*slot),
	}
	p.factory = func(sc process.ServerConfig) Server {
		return process.NewServer(sc, launcher, logger)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CharacterPolicy reports the configured character policy.
func (p *Pool) CharacterPolicy() CharacterPolicy { return p.cfg.CharacterPolicy }

// EnsureRunning returns a ready handle for role, starting the server if needed.
// name identifies the character for the character role and is ignored otherwise.
func (p *Pool) EnsureRunning(ctx context.Context, role ports.Role, name string) (process.ServerHandle, error) {
	sc, ok := p.cfg.Servers[role]
	if !ok {
		return process.ServerHandle{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	s := p.slot(role)
	s.mu.Lock()
	defer s.mu.Unlock()

	if role == ports.RoleCharacter && p.cfg.CharacterPolicy == PolicyRespawn &&
		s.server != nil && s.character != name {
		p.logger.Info().
			Str("from", s.character).
			Str("to", name).
			Msg("Respawning character server for new character")
		if err := s.server.Stop(ctx); err != nil {
			p.logger.Warn().Err(err).Str("role", role.String()).Msg("Stopping previous character server failed")
		}
		s.server = nil
	}

	if s.server == nil {
		s.server = p.factory(sc)
	}

	handle, err := s.server.Start(ctx)
	if err != nil {
		return handle, fmt.Errorf("ensure %s server: %w", role, err)
	}
	if role == ports.RoleCharacter {
		s.character = name
	}
	return handle, nil
}

func (p *Pool) slot(role ports.Role) *slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[role]
	if !ok {
		s = &slot{}
		p.slots[role] = s
	}
	return s
}

// Handles returns snapshots of every server the pool has created, ordered by role.
func (p *Pool) Handles() []process.ServerHandle {
	var out []process.ServerHandle
	for _, s := range p.snapshot() {
		s.mu.Lock()
		if s.server != nil {
			out = append(out, s.server.Handle())
		}
		s.mu.Unlock()
	}
	return out
}

func (p *Pool) snapshot() []*slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	roles := make([]string, 0, len(p.slots))
	for r := range p.slots {
		roles = append(roles, string(r))
	}
	sort.Strings(roles)

	out := make([]*slot, 0, len(roles))
	for _, r := range roles {
		out = append(out, p.slots[ports.Role(r)])
	}
	return out
}

// StopAll stops every server, continuing past failures, and returns the combined error.
func (p *Pool) StopAll(ctx context.Context) error {
	var errs error
	for _, s := range p.snapshot() {
		s.mu.Lock()
		if s.server != nil {
			h := s.server.Handle()
			if err := s.server.Stop(ctx); err != nil {
				p.logger.Error().Err(err).Str("role", h.Role.String()).Int("port", h.Port).Msg("Failed to stop server")
				errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", h.Name, err))
			}
			s.server = nil
			s.character = ""
		}
		s.mu.Unlock()
	}
	return errs
}
