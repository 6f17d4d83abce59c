package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"eom-relay/internal/config"
)

// setupLogging builds the process logger that every component receives. Console
// output goes to stderr; a configured log file additionally receives JSON
// lines. The returned func closes that file.
func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, func()) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var console io.Writer = os.Stderr
	if cfg.Format == "console" {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	closeFn := func() {}
	writers := []io.Writer{console}
	if cfg.Path != "" {
		file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fallback := zerolog.New(console)
			fallback.Warn().Err(err).Str("path", cfg.Path).Msg("Failed to open log file, logging to stderr only")
		} else {
			writers = append(writers, file)
			closeFn = func() { file.Close() }
		}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Str("service", "eom-relay").
		Logger()
	return logger, closeFn
}
