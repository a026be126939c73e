// Package audit owns the process logger. SMTP_DEBUG=1 lowers its level to
// debug so that per-command and per-attempt records are emitted.
package audit

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	level   = new(slog.LevelVar)
	mu      sync.RWMutex
	handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
)

func init() {
	RefreshFromEnv()
}

// Set toggles debug logging.
func Set(enabled bool) {
	if enabled {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// Enabled reports whether debug logging is on.
func Enabled() bool {
	return level.Level() <= slog.LevelDebug
}

// RefreshFromEnv re-reads SMTP_DEBUG.
func RefreshFromEnv() {
	Set(os.Getenv("SMTP_DEBUG") == "1")
}

// SetOutput redirects the logger to w. JSON output is used when json is set.
func SetOutput(w io.Writer, json bool) {
	opts := &slog.HandlerOptions{Level: level}
	mu.Lock()
	defer mu.Unlock()
	if json {
		handler = slog.NewJSONHandler(w, opts)
		return
	}
	handler = slog.NewTextHandler(w, opts)
}

// Logger returns a structured logger tagged with component.
func Logger(component string) *slog.Logger {
	mu.RLock()
	h := handler
	mu.RUnlock()
	return slog.New(h).With("component", component)
}

// Log prints a debug audit record when SMTP_DEBUG=1 is set.
func Log(format string, args ...any) {
	if !Enabled() {
		return
	}
	Logger("audit").Debug(fmt.Sprintf(format, args...))
}
