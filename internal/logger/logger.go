// Package logger is the process-wide slog setup. Printf-style helpers lift a leading "[tag]"
// out of the message into a component attribute, so text and json output stay greppable.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	level   slog.LevelVar
	current atomic.Pointer[slog.Logger]

	// setupMu serialises SetOutput/SetFormat; readers go through current.
	setupMu sync.Mutex
	out     io.Writer = os.Stdout
	format  string    = "text"
)

func init() {
	rebuild()
}

// rebuild requires setupMu (or init).
func rebuild() {
	opts := &slog.HandlerOptions{Level: &level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	current.Store(slog.New(h))
}

func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	setupMu.Lock()
	defer setupMu.Unlock()
	out = w
	rebuild()
}

// SetFormat selects "json"; anything else is text.
func SetFormat(f string) {
	setupMu.Lock()
	defer setupMu.Unlock()
	format = "text"
	if strings.EqualFold(strings.TrimSpace(f), "json") {
		format = "json"
	}
	rebuild()
}

func SetLevel(s string) { level.Set(ParseLevel(s)) }

// Level returns the active level.
func Level() slog.Level { return level.Level() }

// ParseLevel maps a config string to a slog level; unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// With returns a structured logger carrying args, for components that log per series.
func With(args ...any) *slog.Logger { return current.Load().With(args...) }

func Debugf(f string, v ...any) { logf(slog.LevelDebug, f, v) }
func Infof(f string, v ...any)  { logf(slog.LevelInfo, f, v) }
func Warnf(f string, v ...any)  { logf(slog.LevelWarn, f, v) }
func Errorf(f string, v ...any) { logf(slog.LevelError, f, v) }

func logf(lvl slog.Level, f string, v []any) {
	l := current.Load()
	ctx := context.Background()
	if !l.Enabled(ctx, lvl) {
		return
	}
	component, msg := splitTag(fmt.Sprintf(f, v...))
	if component == "" {
		l.Log(ctx, lvl, msg)
		return
	}
	l.Log(ctx, lvl, msg, "component", component)
}

// splitTag turns "[store] flushed" into ("store", "flushed").
func splitTag(msg string) (string, string) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg
	}
	end := strings.IndexByte(msg, ']')
	if end <= 1 || strings.ContainsAny(msg[1:end], " \n") {
		return "", msg
	}
	return msg[1:end], strings.TrimSpace(msg[end+1:])
}
