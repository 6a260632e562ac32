package agentports

import "context"

// ConversationStore keeps per-agent ordered histories for the duration of a session.
// Insertion order is replay order; implementations must never reorder or rewrite messages.
type ConversationStore interface {
	Append(ctx context.Context, agent AgentID, msgs ...Message) error
	History(ctx context.Context, agent AgentID) ([]Message, error) // a copy, oldest first
	Exists(ctx context.Context, agent AgentID) bool
	Agents(ctx context.Context) []AgentID
	Reset(ctx context.Context) error
}
