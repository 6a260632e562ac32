package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/cyoa-agents/cyoa"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/orchestrator"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/config"
)

// stubSession implements session for testing.
type stubSession struct {
	protagonist orchestrator.Protagonist
	inputs      []string
	failAt      int // 1-based RunTurn call that fails, 0 never
	shutdowns   int
	shutdownErr error
	interrupt   func() // called from RunTurn to simulate Ctrl-C mid-turn
}

func (s *stubSession) RunTurn(ctx context.Context, input string) (*orchestrator.TurnResult, error) {
	s.inputs = append(s.inputs, input)
	if s.interrupt != nil {
		s.interrupt()
		return nil, ctx.Err()
	}
	n := len(s.inputs)
	if n == s.failAt {
		return nil, &orchestrator.RoleError{Role: "director", Err: errors.New("gateway exhausted")}
	}
	return &orchestrator.TurnResult{Turn: n - 1, Narrative: fmt.Sprintf("narrative %d", n-1)}, nil
}

func (s *stubSession) Shutdown(ctx context.Context) error {
	s.shutdowns++
	return s.shutdownErr
}

type stubWire struct {
	sess       *stubSession
	created    int
	sessionErr error
	wireErr    error
	maxTurns   int
}

func (w *stubWire) wire(opts *rootOptions, console io.Writer) (*app, error) {
	if w.wireErr != nil {
		return nil, w.wireErr
	}
	maxTurns := w.maxTurns
	if maxTurns == 0 {
		maxTurns = 5
	}
	return &app{
		cfg:    &config.Config{Session: config.SessionConfig{MaxTurns: maxTurns, QuitWord: "quit"}},
		logger: zerolog.Nop(),
		newSession: func(p orchestrator.Protagonist) (session, error) {
			w.created++
			if w.sessionErr != nil {
				return nil, w.sessionErr
			}
			w.sess.protagonist = p
			return w.sess, nil
		},
		close: func() error { return nil },
	}, nil
}

func executeCLI(t *testing.T, w *stubWire, input string, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	root := newRootCmd(w.wire)
	root.SetArgs(args)
	root.SetIn(strings.NewReader(input))
	root.SetOut(&stdout)
	root.SetErr(&stderr)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionPrintsBuildVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, &stubWire{}, "", "version")
	require.NoError(t, err)
	assert.Equal(t, cyoa.Version+"\n", stdout)
}

func TestPlayIntroThenQuit(t *testing.T) {
	w := &stubWire{sess: &stubSession{}}

	stdout, _, err := executeCLI(t, w, "Aria\nA wandering bard\nI greet the elder\nQUIT\n", "play")
	require.NoError(t, err)

	assert.Equal(t, orchestrator.Protagonist{Name: "Aria", Background: "A wandering bard"}, w.sess.protagonist)
	assert.Equal(t, []string{"", "I greet the elder"}, w.sess.inputs)
	assert.Equal(t, 1, w.sess.shutdowns)

	assert.Contains(t, stdout, "[Story Update]")
	assert.Contains(t, stdout, "narrative 0")
	assert.Contains(t, stdout, "narrative 1")
	assert.Contains(t, stdout, "What does Aria do or say?")
	assert.Contains(t, stdout, "Exiting story.")
	assert.Contains(t, stdout, "Thanks for playing!")
}

func TestPlayStopsAtTurnLimit(t *testing.T) {
	w := &stubWire{sess: &stubSession{}}

	stdout, _, err := executeCLI(t, w, "Aria\n\none\ntwo\nthree\n", "play", "--max-turns", "2")
	require.NoError(t, err)

	assert.Equal(t, []string{"", "one", "two"}, w.sess.inputs)
	assert.Contains(t, stdout, "Background: None provided.")
	assert.NotContains(t, stdout, "--- Turn 3 ---")
	assert.Equal(t, 1, w.sess.shutdowns)
}

func TestPlayTurnLimitFromConfig(t *testing.T) {
	w := &stubWire{sess: &stubSession{}, maxTurns: 1}

	_, _, err := executeCLI(t, w, "Aria\n\none\ntwo\n", "play")
	require.NoError(t, err)
	assert.Equal(t, []string{"", "one"}, w.sess.inputs)
}

func TestPlayEOFEndsSession(t *testing.T) {
	w := &stubWire{sess: &stubSession{}}

	_, _, err := executeCLI(t, w, "Aria\nbard", "play")
	require.NoError(t, err)
	assert.Equal(t, []string{""}, w.sess.inputs)
	assert.Equal(t, 1, w.sess.shutdowns)
}

func TestPlayFatalTurnStopsServers(t *testing.T) {
	w := &stubWire{sess: &stubSession{failAt: 2}}

	stdout, stderr, err := executeCLI(t, w, "Aria\n\nopen the door\nlook\n", "play")
	require.Error(t, err)

	var roleErr *orchestrator.RoleError
	assert.True(t, errors.As(err, &roleErr))
	assert.Contains(t, stderr, "turn failed")
	assert.Contains(t, stdout, "narrative 0")
	assert.NotContains(t, stdout, "narrative 1")
	assert.Equal(t, 2, len(w.sess.inputs), "no turn after a fatal error")
	assert.Equal(t, 1, w.sess.shutdowns)
}

func TestPlayShutdownErrorIsReported(t *testing.T) {
	w := &stubWire{sess: &stubSession{shutdownErr: errors.New("stop character: still alive")}}

	_, _, err := executeCLI(t, w, "Aria\n\nquit\n", "play")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still alive")
}

func TestPlayRequiresName(t *testing.T) {
	w := &stubWire{sess: &stubSession{}}

	_, _, err := executeCLI(t, w, "   \n", "play")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "character name is required")
	assert.Zero(t, w.created)
}

func TestPlaySessionErrors(t *testing.T) {
	w := &stubWire{sess: &stubSession{}, sessionErr: errors.New("orchestrator: protagonist name must not be empty")}

	_, _, err := executeCLI(t, w, "Aria\n\n", "play")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create session")
}

func TestPlayWireError(t *testing.T) {
	_, _, err := executeCLI(t, &stubWire{wireErr: errors.New("load config: bad yaml")}, "", "play")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad yaml")
}

func TestPlayInterruptedExitsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &stubSession{interrupt: cancel}
	w := &stubWire{sess: sess}
	a, err := w.wire(&rootOptions{}, io.Discard)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, play(ctx, a, strings.NewReader("Aria\n\nlook\n"), &out))
	assert.Equal(t, []string{""}, sess.inputs)
	assert.Equal(t, 1, sess.shutdowns)
	assert.Contains(t, out.String(), "Session interrupted")
	assert.NotContains(t, out.String(), "[Story Update]")
}

func TestPlayInterruptAtNamePromptExitsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pr, pw := io.Pipe()
	defer pw.Close()

	w := &stubWire{sess: &stubSession{}}
	a, err := w.wire(&rootOptions{}, io.Discard)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, play(ctx, a, pr, &out))
	assert.Contains(t, out.String(), "Session interrupted")
	assert.Zero(t, w.created)
}

func TestReadLinesStopsWhenDone(t *testing.T) {
	done := make(chan struct{})
	lines := readLines(strings.NewReader("one\ntwo\nthree\n"), done)

	assert.Equal(t, "one", <-lines)
	close(done)

	assert.Eventually(t, func() bool {
		_, ok := <-lines
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestNewLoggerWritesDebugFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cyoa_debug.log")
	var console bytes.Buffer

	logger, closeLog, err := newLogger(config.LogConfig{Level: "info", File: path}, true, &console)
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Str("role", "storyteller").Msg("Server ready")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"role":"storyteller"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, console.String(), "Server ready")
}

func TestNewLoggerWithoutDebugKeepsConsoleQuiet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cyoa_debug.log")
	var console bytes.Buffer

	logger, closeLog, err := newLogger(config.LogConfig{Level: "debug", File: path}, false, &console)
	require.NoError(t, err)
	logger.Debug().Msg("only in file")
	require.NoError(t, closeLog())

	assert.Empty(t, console.String())
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, _, err := newLogger(config.LogConfig{Level: "loud"}, false, io.Discard)
	assert.Error(t, err)
}
