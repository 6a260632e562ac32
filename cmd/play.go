package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/orchestrator"
)

// shutdownTimeout bounds StopAll after the session context is gone.
const shutdownTimeout = 30 * time.Second

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	progressStyle = lipgloss.NewStyle().Faint(true)
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
)

func newPlayCmd(opts *rootOptions, wire wireFunc) *cobra.Command {
	var maxTurns int

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Start an interactive story",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wire(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			if cmd.Flags().Changed("max-turns") {
				a.cfg.Session.MaxTurns = maxTurns
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return play(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "number of player turns after the introduction (default from config)")

	return cmd
}

var errInterrupted = errors.New("session interrupted")

// play runs the intro turn and then one turn per line of input until the
// quit word, the turn limit, EOF or an interrupt.
func play(ctx context.Context, a *app, in io.Reader, out io.Writer) (err error) {
	done := make(chan struct{})
	defer close(done)
	lines := readLines(in, done)

	quitWord := a.cfg.Session.QuitWord
	fmt.Fprintln(out, headerStyle.Render("Welcome to CYOA!"))
	fmt.Fprintf(out, "Type your actions or dialogue. Type '%s' to exit.\n\n", quitWord)

	name, ok := ask(ctx, lines, out, "Enter your character's name: ")
	if !ok && ctx.Err() != nil {
		return ignoreInterrupt(ctx.Err(), out)
	}
	if name == "" {
		return errors.New("a character name is required")
	}
	background, _ := ask(ctx, lines, out, "Describe your character's background (optional): ")
	fmt.Fprintf(out, "\nYour character: %s\nBackground: %s\n", name, orDefault(background, "None provided."))

	sess, err := a.newSession(orchestrator.Protagonist{Name: name, Background: background})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if stopErr := sess.Shutdown(shutdownCtx); stopErr != nil {
			a.logger.Error().Err(stopErr).Msg("Failed to stop inference servers")
			err = multierr.Append(err, stopErr)
		}
		fmt.Fprintln(out, "\nThanks for playing!")
	}()

	fmt.Fprintln(out, "\n"+progressStyle.Render("[Progress] Generating story introduction..."))
	if err := runTurn(ctx, a, sess, "", out); err != nil {
		return ignoreInterrupt(err, out)
	}

	for turn := 0; turn < a.cfg.Session.MaxTurns; turn++ {
		fmt.Fprintf(out, "\n--- Turn %d ---\n", turn+1)
		input, ok := ask(ctx, lines, out, fmt.Sprintf("What does %s do or say? ", name))
		if !ok {
			return ignoreInterrupt(ctx.Err(), out)
		}
		if strings.EqualFold(input, quitWord) {
			fmt.Fprintln(out, "Exiting story.")
			return nil
		}

		fmt.Fprintln(out, "\n"+progressStyle.Render("[Progress] Generating story..."))
		if err := runTurn(ctx, a, sess, input, out); err != nil {
			return ignoreInterrupt(err, out)
		}
	}
	return nil
}

func runTurn(ctx context.Context, a *app, sess session, input string, out io.Writer) error {
	result, err := sess.RunTurn(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		a.logger.Error().Err(err).Msg("Turn failed")
		return fmt.Errorf("turn failed: %w", err)
	}
	fmt.Fprintf(out, "\n%s\n%s\n", headerStyle.Render("[Story Update]"), result.Narrative)
	return nil
}

// ignoreInterrupt turns an interrupt into a clean exit.
func ignoreInterrupt(err error, out io.Writer) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errInterrupted) || errors.Is(err, context.Canceled) {
		fmt.Fprintln(out, "\nSession interrupted. Exiting gracefully...")
		return nil
	}
	return err
}

// readLines feeds input lines into a channel so prompts can also wait on ctx.
// The channel closes on EOF or once done is closed.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

// ask prints prompt and waits for one trimmed line; ok is false on EOF or interrupt.
func ask(ctx context.Context, lines <-chan string, out io.Writer, prompt string) (string, bool) {
	fmt.Fprint(out, promptStyle.Render(prompt))
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-lines:
		if !ok {
			return "", false
		}
		return strings.TrimSpace(line), true
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
