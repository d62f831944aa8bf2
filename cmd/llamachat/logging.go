package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// setupLogger configures the default slog logger based on the log level string.
// Valid levels: debug, info, warn, error (case-insensitive). Format "json"
// selects the JSON handler, anything else the text handler.
func setupLogger(level, format string) {
	slog.SetDefault(newLogger(os.Stderr, level, format))
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
