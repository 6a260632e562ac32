package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	ports "github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/ports"
)

// MemoryConversationStore implements ConversationStore with session-scoped in-memory histories.
type MemoryConversationStore struct {
	mu        sync.RWMutex
	histories map[ports.AgentID][]ports.Message
}

// NewMemoryConversationStore creates an empty store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		histories: make(map[ports.AgentID][]ports.Message),
	}
}

// Append adds messages to the end of an agent's history, creating it if needed.
func (s *MemoryConversationStore) Append(ctx context.Context, agent ports.AgentID, msgs ...ports.Message) error {
	if agent == "" {
		return fmt.Errorf("append: empty agent id")
	}
	for _, m := range msgs {
		switch m.Role {
		case ports.SpeakerSystem, ports.SpeakerUser, ports.SpeakerAssistant:
		default:
			return fmt.Errorf("append to %s: unknown speaker role %q", agent, m.Role)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.histories[agent] = append(s.histories[agent], msgs...)
	return nil
}

// History returns a copy of the agent's history so callers cannot rewrite stored turns.
func (s *MemoryConversationStore) History(ctx context.Context, agent ports.AgentID) ([]ports.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.histories[agent]
	if !ok {
		return nil, nil
	}

	out := make([]ports.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Exists reports whether any message was ever appended for the agent.
func (s *MemoryConversationStore) Exists(ctx context.Context, agent ports.AgentID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.histories[agent]
	return ok
}

// Agents lists known agent identities in sorted order.
func (s *MemoryConversationStore) Agents(ctx context.Context) []ports.AgentID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]ports.AgentID, 0, len(s.histories))
	for id := range s.histories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reset discards every history; used at session end.
func (s *MemoryConversationStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.histories = make(map[ports.AgentID][]ports.Message)
	return nil
}

// Ensure MemoryConversationStore implements the ConversationStore interface.
var _ ports.ConversationStore = (*MemoryConversationStore)(nil)
