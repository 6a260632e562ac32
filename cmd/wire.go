package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/orchestrator"
	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/config"
)

// session is the part of orchestrator.Orchestrator the play loop drives.
type session interface {
	RunTurn(ctx context.Context, input string) (*orchestrator.TurnResult, error)
	Shutdown(ctx context.Context) error
}

type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	newSession func(orchestrator.Protagonist) (session, error)
	close      func() error
}

type wireFunc func(opts *rootOptions, console io.Writer) (*app, error)

func wireApp(opts *rootOptions, console io.Writer) (*app, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := newLogger(cfg.Log, opts.debug, console)
	if err != nil {
		return nil, err
	}

	factory := orchestrator.NewFactory(cfg, nil, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		newSession: func(p orchestrator.Protagonist) (session, error) {
			return factory.CreateOrchestrator(p)
		},
		close: closeLog,
	}, nil
}

// newLogger always writes to the debug log file and mirrors to console when debug is set.
func newLogger(cfg config.LogConfig, debug bool, console io.Writer) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var writers []io.Writer
	closeLog := func() error { return nil }

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open debug log %s: %w", cfg.File, err)
		}
		writers = append(writers, f)
		closeLog = f.Close
	}
	if debug {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.Kitchen})
	}
	if len(writers) == 0 {
		return zerolog.Nop(), closeLog, nil
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closeLog, nil
}
