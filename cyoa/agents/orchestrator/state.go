package orchestrator

import (
	"errors"
	"fmt"
)

// ErrBadTransition marks an illegal state change; it indicates a programming error.
var ErrBadTransition = errors.New("illegal orchestrator state transition")

// State is a position in the per-turn state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitingStorytellerTurn
	StateAwaitingDirectorDecision
	StateAwaitingCharacterReplies
	StateIntegratingNarrative
	StateTurnComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStorytellerTurn:
		return "awaiting_storyteller_turn"
	case StateAwaitingDirectorDecision:
		return "awaiting_director_decision"
	case StateAwaitingCharacterReplies:
		return "awaiting_character_replies"
	case StateIntegratingNarrative:
		return "integrating_narrative"
	case StateTurnComplete:
		return "turn_complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateIdle:                     {StateAwaitingStorytellerTurn},
	StateAwaitingStorytellerTurn:  {StateAwaitingDirectorDecision, StateFailed},
	StateAwaitingDirectorDecision: {StateAwaitingCharacterReplies, StateFailed},
	StateAwaitingCharacterReplies: {StateIntegratingNarrative, StateFailed},
	StateIntegratingNarrative:     {StateTurnComplete, StateFailed},
	StateTurnComplete:             {StateAwaitingStorytellerTurn},
	StateFailed:                   {StateAwaitingStorytellerTurn},
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
