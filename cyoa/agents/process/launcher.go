package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	ports "github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/ports"
)

// ExecLauncher starts real OS processes in their own process group.
type ExecLauncher struct{}

// NewExecLauncher returns a launcher backed by os/exec.
func NewExecLauncher() *ExecLauncher { return &ExecLauncher{} }

// Launch starts spec. The process outlives ctx; end it with Terminate or Kill.
func (l *ExecLauncher) Launch(ctx context.Context, spec ports.LaunchSpec) (ports.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error // written before done is closed
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error { return terminateGroup(p.cmd.Process) }

func (p *execProcess) Kill() error { return killGroup(p.cmd.Process) }

func (p *execProcess) Done() <-chan struct{} { return p.done }

// Running stays true after the leader exits while forked workers remain in the group.
func (p *execProcess) Running() bool {
	select {
	case <-p.done:
		return groupAlive(p.cmd.Process.Pid)
	default:
		return true
	}
}

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

var _ ports.ProcessLauncher = (*ExecLauncher)(nil)
