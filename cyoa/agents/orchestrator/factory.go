package orchestrator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/adapters"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/gateway"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/pool"
	ports "github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/ports"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/process"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/config"
)

// ConfigFrom maps application configuration onto a session Config.
func ConfigFrom(cfg *config.Config, protagonist Protagonist) Config {
	return Config{
		Model:                cfg.Model,
		Protagonist:          protagonist,
		Integration:          IntegrationPolicy(cfg.Orchestrator.Integration),
		ParallelCharacters:   cfg.Orchestrator.ParallelCharacters,
		CharacterConcurrency: cfg.Orchestrator.CharacterConcurrency,
		MaxTokens: MaxTokens{
			Storyteller: cfg.Orchestrator.MaxTokens.Storyteller,
			Director:    cfg.Orchestrator.MaxTokens.Director,
			Character:   cfg.Orchestrator.MaxTokens.Character,
			Integration: cfg.Orchestrator.MaxTokens.Integration,
		},
	}
}

// Factory creates and wires orchestrator components from configuration.
type Factory struct {
	cfg      *config.Config
	launcher ports.ProcessLauncher
	logger   zerolog.Logger
}

// NewFactory creates a factory that launches real processes unless launcher is given.
func NewFactory(cfg *config.Config, launcher ports.ProcessLauncher, logger zerolog.Logger) *Factory {
	if launcher == nil {
		launcher = process.NewExecLauncher()
	}
	return &Factory{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
	}
}

// CreatePool creates the server pool.
func (f *Factory) CreatePool() *pool.Pool {
	return pool.New(pool.ConfigFrom(f.cfg), f.launcher, f.logger.With().Str("component", "pool").Logger())
}

// CreateGateway creates the HTTP gateway.
func (f *Factory) CreateGateway() *gateway.Gateway {
	return gateway.New(gateway.PolicyFrom(f.cfg.Gateway), f.logger.With().Str("component", "gateway").Logger())
}

// CreateOrchestrator creates a fully wired Orchestrator for one session.
func (f *Factory) CreateOrchestrator(protagonist Protagonist) (*Orchestrator, error) {
	return New(
		ConfigFrom(f.cfg, protagonist),
		f.CreatePool(),
		f.CreateGateway(),
		adapters.NewMemoryConversationStore(),
		f.createRateLimiter(),
		f.createTracer(),
		f.logger.With().Str("component", "orchestrator").Logger(),
	)
}

// createRateLimiter guards the character server during parallel fan-out.
// A respawned server can only serve the character it was started for, so
// that policy admits one caller at a time.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Orchestrator.ParallelCharacters {
		return &noOpRateLimiter{}
	}
	capacity := f.cfg.Orchestrator.CharacterConcurrency
	if pool.CharacterPolicy(f.cfg.Orchestrator.CharacterPolicy) == pool.PolicyRespawn {
		capacity = 1
	}
	return adapters.NewKeyedLimiter(capacity)
}

// createTracer creates a tracer adapter from config.
func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Orchestrator.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger.With().Str("component", "trace").Logger())
}

// noOpRateLimiter implements RateLimiter with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
	_ ServerPool        = (*pool.Pool)(nil)
	_ Completer         = (*gateway.Gateway)(nil)
)
