package agentports

import "strings"

// Role identifies an agent role backed by its own inference server.
type Role string

const (
	RoleStoryteller Role = "storyteller"
	RoleDirector    Role = "director"
	RoleCharacter   Role = "character"
)

func (r Role) String() string { return string(r) }

// Speaker roles used in chat messages.
const (
	SpeakerSystem    = "system"
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Message is one chat turn. Values are copied on append and never mutated afterwards.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// System, User and Assistant build messages for the matching speaker.
func System(content string) Message    { return Message{Role: SpeakerSystem, Content: content} }
func User(content string) Message      { return Message{Role: SpeakerUser, Content: content} }
func Assistant(content string) Message { return Message{Role: SpeakerAssistant, Content: content} }

// AgentID names the owner of a conversation history.
type AgentID string

const (
	StorytellerAgent AgentID = "storyteller"
	DirectorAgent    AgentID = "director"
)

const characterPrefix = "character:"

// CharacterAgent returns the history identity for a named character.
func CharacterAgent(name string) AgentID {
	return AgentID(characterPrefix + name)
}

// Character reports the character name for character identities.
func (id AgentID) Character() (string, bool) {
	name, ok := strings.CutPrefix(string(id), characterPrefix)
	return name, ok
}
