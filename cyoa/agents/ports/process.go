package agentports

import (
	"context"
	"io"
)

// LaunchSpec describes an inference server process to start.
type LaunchSpec struct {
	Name    string   // human-readable label for logs
	Command string   // executable
	Args    []string // arguments after the executable
	Env     []string // extra KEY=VALUE entries appended to the parent environment
	Output  io.Writer
}

// Process is a running OS process group owned by exactly one server.
type Process interface {
	PID() int
	// Terminate asks the whole process group to exit (SIGTERM).
	Terminate() error
	// Kill forcibly ends the whole process group (SIGKILL).
	Kill() error
	// Done is closed once the process has exited; Err then reports the wait result.
	Done() <-chan struct{}
	Err() error
	// Running reports whether the process or any member of its group is still alive.
	Running() bool
}

// ProcessLauncher starts processes; tests substitute a fake.
type ProcessLauncher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}
