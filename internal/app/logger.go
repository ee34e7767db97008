package app

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the process logger on stdout.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

// newLogger honours LOG_LEVEL and LOG_FORMAT. Only JSON output carries source
// locations; the pretty format is meant for a terminal.
func newLogger(w io.Writer, cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		opts.AddSource = true
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	if cfg.AppEnv != "" {
		logger = logger.With(slog.String("env", cfg.AppEnv))
	}
	return logger
}
