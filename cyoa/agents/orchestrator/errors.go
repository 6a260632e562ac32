package orchestrator

import (
	"errors"
	"fmt"

	ports "github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/ports"
)

// ErrProtocolParse matches every *ProtocolParseError.
var ErrProtocolParse = errors.New("director reply violates the decision protocol")

// ProtocolParseError reports a director reply that is not a valid decision list.
type ProtocolParseError struct {
	Raw string
	Err error
}

func (e *ProtocolParseError) Error() string {
	return fmt.Sprintf("%v: %v", ErrProtocolParse, e.Err)
}

func (e *ProtocolParseError) Unwrap() error { return e.Err }

func (e *ProtocolParseError) Is(target error) bool { return target == ErrProtocolParse }

// RoleError identifies which agent role made the turn fail.
type RoleError struct {
	Role ports.Role
	Err  error
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("%s agent failed: %v", e.Role, e.Err)
}

func (e *RoleError) Unwrap() error { return e.Err }
