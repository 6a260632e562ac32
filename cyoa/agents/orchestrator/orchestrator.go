// Package orchestrator drives one narrative turn through the storyteller,
// director and character agents.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/gateway"
	ports "github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/ports"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/process"
)

// characterServerKey is the limiter key shared by every character call.
const characterServerKey = "character-server"

// IntegrationPolicy selects how character replies reach the narrative.
type IntegrationPolicy string

const (
	// IntegrateStoryteller asks the storyteller to merge replies into prose.
	IntegrateStoryteller IntegrationPolicy = "storyteller"
	// IntegrateAppend appends "[Name]: reply" lines to the draft.
	IntegrateAppend IntegrationPolicy = "append"
)

// Protagonist is the user-controlled character.
type Protagonist struct {
	Name       string
	Background string
}

// MaxTokens caps generation per call site.
type MaxTokens struct {
	Storyteller int
	Director    int
	Character   int
	Integration int
}

// Config controls a session.
type Config struct {
	Model                string
	Protagonist          Protagonist
	Integration          IntegrationPolicy
	ParallelCharacters   bool
	CharacterConcurrency int
	MaxTokens            MaxTokens
}

// ServerPool is the slice of pool.Pool the orchestrator needs.
type ServerPool interface {
	EnsureRunning(ctx context.Context, role ports.Role, name string) (process.ServerHandle, error)
	StopAll(ctx context.Context) error
}

// Completer is the slice of gateway.Gateway the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, baseURL string, req *gateway.ChatCompletionRequest) (string, error)
}

// TurnResult is what one turn produced.
type TurnResult struct {
	Turn        int
	Narrative   string
	Draft       string
	DirectorRaw string
	Decisions   []DirectorDecision
	Replies     map[string]string // by character name; "" means silent
}

// Orchestrator owns the agents of one session. Turns are strictly sequential.
type Orchestrator struct {
	cfg     Config
	pool    ServerPool
	gateway Completer
	store   ports.ConversationStore
	limiter ports.RateLimiter
	tracer  ports.Tracer
	parser  *DirectorParser
	logger  zerolog.Logger

	sessionID string

	mu    sync.Mutex // held for a whole turn
	state State
	turn  int
}

// New creates an orchestrator with its dependencies.
func New(
	cfg Config,
	pool ServerPool,
	gw Completer,
	store ports.ConversationStore,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	if strings.TrimSpace(cfg.Protagonist.Name) == "" {
		return nil, fmt.Errorf("orchestrator: protagonist name must not be empty")
	}
	if cfg.Integration == "" {
		cfg.Integration = IntegrateStoryteller
	}
	if cfg.CharacterConcurrency < 1 {
		cfg.CharacterConcurrency = 1
	}

	parser, err := NewDirectorParser()
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	return &Orchestrator{
		cfg:       cfg,
		pool:      pool,
		gateway:   gw,
		store:     store,
		limiter:   limiter,
		tracer:    tracer,
		parser:    parser,
		logger:    logger.With().Str("session", sessionID).Logger(),
		sessionID: sessionID,
		state:     StateIdle,
	}, nil
}

// SessionID identifies this session in logs and traces.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// State returns the current state machine position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Turn returns the number of completed turns.
func (o *Orchestrator) Turn() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turn
}

// History returns a copy of an agent's conversation history.
func (o *Orchestrator) History(ctx context.Context, agent ports.AgentID) ([]ports.Message, error) {
	return o.store.History(ctx, agent)
}

func (o *Orchestrator) transition(to State) error {
	if !canTransition(o.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, o.state, to)
	}
	o.logger.Debug().Stringer("from", o.state).Stringer("to", to).Msg("State transition")
	o.state = to
	return nil
}

// RunTurn runs one full turn. Turn 0 opens the story with the protagonist's
// introduction; input is the user's action on later turns. Storyteller and
// director failures are returned as *RoleError, malformed director output as
// *ProtocolParseError. Character failures only silence that character.
func (o *Orchestrator) RunTurn(ctx context.Context, input string) (result *TurnResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.transition(StateAwaitingStorytellerTurn); err != nil {
		return nil, err
	}

	ctx, finish := o.tracer.StartSpan(ctx, "turn", map[string]any{
		"session": o.sessionID,
		"turn":    o.turn,
	})
	defer func() {
		if err != nil && o.state != StateFailed {
			_ = o.transition(StateFailed)
		}
		finish(err)
	}()

	result = &TurnResult{Turn: o.turn}

	draft, err := o.storytellerTurn(ctx, input)
	if err != nil {
		return nil, err
	}
	result.Draft = draft

	if err := o.transition(StateAwaitingDirectorDecision); err != nil {
		return nil, err
	}
	raw, decisions, err := o.directorTurn(ctx, draft)
	result.DirectorRaw = raw
	if err != nil {
		return nil, err
	}
	result.Decisions = decisions

	if err := o.transition(StateAwaitingCharacterReplies); err != nil {
		return nil, err
	}
	order, replies := o.characterReplies(ctx, draft, decisions)
	result.Replies = replies

	if err := o.transition(StateIntegratingNarrative); err != nil {
		return nil, err
	}
	narrative, err := o.integrate(ctx, draft, order, replies)
	if err != nil {
		return nil, err
	}
	result.Narrative = narrative

	if err := o.transition(StateTurnComplete); err != nil {
		return nil, err
	}
	o.turn++
	o.logger.Info().
		Int("turn", result.Turn).
		Int("characters", len(replies)).
		Msg("Turn complete")
	return result, nil
}

// storytellerTurn sends the intro directive (turn 0) or user input and returns the draft.
func (o *Orchestrator) storytellerTurn(ctx context.Context, input string) (string, error) {
	var outbound []ports.Message
	if !o.store.Exists(ctx, ports.StorytellerAgent) {
		outbound = append(outbound, ports.System(StorytellerSystemPrompt))
	}
	if o.turn == 0 {
		outbound = append(outbound, ports.User(IntroDirective(o.cfg.Protagonist, input)))
	} else {
		outbound = append(outbound, ports.User(input))
	}

	draft, err := o.exchange(ctx, ports.RoleStoryteller, ports.StorytellerAgent, "", outbound, o.cfg.MaxTokens.Storyteller)
	if err != nil {
		return "", &RoleError{Role: ports.RoleStoryteller, Err: err}
	}
	return draft, nil
}

// directorTurn asks the director to route the draft and parses its reply.
func (o *Orchestrator) directorTurn(ctx context.Context, draft string) (string, []DirectorDecision, error) {
	name := o.cfg.Protagonist.Name

	var outbound []ports.Message
	if !o.store.Exists(ctx, ports.DirectorAgent) {
		outbound = append(outbound, ports.System(DirectorSystemPrompt(name)))
	}
	outbound = append(outbound, ports.User(DirectorUserPrompt(name, draft)))

	raw, err := o.exchange(ctx, ports.RoleDirector, ports.DirectorAgent, "", outbound, o.cfg.MaxTokens.Director)
	if err != nil {
		return "", nil, &RoleError{Role: ports.RoleDirector, Err: err}
	}

	decisions, err := o.parser.Parse(raw, name)
	if err != nil {
		o.logger.Error().Err(err).Str("raw", raw).Msg("Director reply rejected")
		return raw, nil, err
	}
	o.tracer.Event(ctx, "director_decisions", map[string]any{"count": len(decisions)})
	return raw, decisions, nil
}

type characterReply struct {
	name  string
	reply string
}

// characterReplies calls every routed character and returns their names in
// director order with replies keyed by name.
func (o *Orchestrator) characterReplies(ctx context.Context, draft string, decisions []DirectorDecision) ([]string, map[string]string) {
	var targets []DirectorDecision
	for _, d := range decisions {
		if d.ShouldSpawn || o.store.Exists(ctx, ports.CharacterAgent(d.CharacterName)) {
			targets = append(targets, d)
			continue
		}
		o.logger.Warn().
			Str("character", d.CharacterName).
			Msg("Skipping unknown character the director did not ask to spawn")
	}

	workers := 1
	if o.cfg.ParallelCharacters {
		workers = o.cfg.CharacterConcurrency
	}
	p := concpool.NewWithResults[characterReply]().WithMaxGoroutines(workers)
	for _, d := range targets {
		p.Go(func() characterReply {
			return characterReply{name: d.CharacterName, reply: o.characterTurn(ctx, draft, d)}
		})
	}

	replies := make(map[string]string, len(targets))
	for _, r := range p.Wait() {
		replies[r.name] = r.reply
	}
	order := make([]string, 0, len(targets))
	for _, d := range targets {
		order = append(order, d.CharacterName)
	}
	return order, replies
}

// characterTurn spawns the character on first appearance and returns its reply.
// Any failure yields "", which the integration step treats as silence.
func (o *Orchestrator) characterTurn(ctx context.Context, draft string, d DirectorDecision) string {
	logger := o.logger.With().Str("character", d.CharacterName).Logger()
	agent := ports.CharacterAgent(d.CharacterName)

	release, err := o.limiter.Acquire(ctx, characterServerKey)
	if err != nil {
		logger.Warn().Err(err).Msg("Character server unavailable, treating character as silent")
		return ""
	}
	defer release()

	if !o.store.Exists(ctx, agent) {
		prompt := d.CharacterPrompt
		if prompt == "" {
			prompt = DefaultCharacterPrompt(d.CharacterName)
		}
		if err := o.store.Append(ctx, agent,
			ports.System(CharacterFramingPrompt(d.CharacterName)),
			ports.System(prompt),
		); err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize character history")
			return ""
		}
		logger.Info().Msg("Spawned character agent")
		o.tracer.Event(ctx, "character_spawned", map[string]any{"character": d.CharacterName})
	}

	visible := d.VisibleInfo
	if visible == "" {
		visible = draft
	}

	reply, err := o.exchange(ctx, ports.RoleCharacter, agent, d.CharacterName,
		[]ports.Message{ports.User(visible)}, o.cfg.MaxTokens.Character)
	if err != nil {
		logger.Warn().Err(err).Msg("Character call failed, treating character as silent")
		return ""
	}
	if strings.TrimSpace(reply) == "" {
		logger.Debug().Msg("Character is silent")
	}
	return reply
}

// integrate folds non-empty replies into the narrative according to the policy.
func (o *Orchestrator) integrate(ctx context.Context, draft string, order []string, replies map[string]string) (string, error) {
	var speaking []string
	for _, name := range order {
		if strings.TrimSpace(replies[name]) != "" {
			speaking = append(speaking, name)
		}
	}
	if len(speaking) == 0 {
		return draft, nil
	}

	if o.cfg.Integration == IntegrateAppend {
		return AppendReplies(draft, speaking, replies), nil
	}

	outbound := make([]ports.Message, 0, len(speaking)+1)
	for _, name := range speaking {
		outbound = append(outbound, ports.System(CharacterResponseContext(name, strings.TrimSpace(replies[name]))))
	}
	outbound = append(outbound, ports.User(IntegrationPrompt(o.cfg.Protagonist.Name)))

	narrative, err := o.exchange(ctx, ports.RoleStoryteller, ports.StorytellerAgent, "", outbound, o.cfg.MaxTokens.Integration)
	if err != nil {
		return "", &RoleError{Role: ports.RoleStoryteller, Err: fmt.Errorf("integration: %w", err)}
	}
	return narrative, nil
}

// exchange sends history+outbound to the role's server and, on success, appends
// outbound and the reply to the agent's history in that order.
func (o *Orchestrator) exchange(ctx context.Context, role ports.Role, agent ports.AgentID, character string, outbound []ports.Message, maxTokens int) (reply string, err error) {
	ctx, finish := o.tracer.StartSpan(ctx, "agent_call", map[string]any{
		"role":      role.String(),
		"character": character,
	})
	defer func() { finish(err) }()

	logger := o.logger.With().Str("agent", role.String()).Str("character", character).Logger()

	history, err := o.store.History(ctx, agent)
	if err != nil {
		return "", err
	}
	messages := append(history, outbound...)

	handle, err := o.pool.EnsureRunning(ctx, role, character)
	if err != nil {
		return "", err
	}

	logger.Debug().Interface("messages", messages).Msg("Prompt")
	start := time.Now()
	reply, err = o.gateway.Complete(ctx, handle.BaseURL(), &gateway.ChatCompletionRequest{
		Model:     o.cfg.Model,
		Messages:  gateway.MessagesFrom(messages),
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	logger.Debug().Dur("latency", time.Since(start)).Str("reply", reply).Msg("Response")

	if err := o.store.Append(ctx, agent, append(outbound, ports.Assistant(reply))...); err != nil {
		return "", fmt.Errorf("record %s history: %w", agent, err)
	}
	return reply, nil
}

// Shutdown stops every server and discards the session's histories.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.pool.StopAll(ctx)
	if resetErr := o.store.Reset(ctx); resetErr != nil {
		o.logger.Warn().Err(resetErr).Msg("Failed to reset conversation store")
	}
	return err
}
