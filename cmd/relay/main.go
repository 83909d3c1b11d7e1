package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/providers"
	"github.com/rs/zerolog"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.LoadRelay(".env")
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	srv := providers.NewServer(cfg, logger)
	if err := srv.Start(); err != nil {
		return exitRuntime, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case err := <-serveErr:
		_ = srv.Stop()
		return exitRuntime, fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down relay")
	if err := srv.Stop(); err != nil {
		return exitRuntime, err
	}
	return exitOK, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}
