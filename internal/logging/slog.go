package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(newHandler("text", os.Stderr)))
}

// Op returns the operational logger for service and backend logs.
// Per-request search lines go through SearchLogger instead.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warn", "error". Unknown values are ignored.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
}

// SetOutput redirects the operational logger, keeping its format.
func SetOutput(format string, w io.Writer) {
	opLogger.Store(slog.New(newHandler(format, w)))
}

func newHandler(format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
