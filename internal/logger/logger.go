// Package logger configures the process-wide slog logger.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

// Options selects the handler and destination.
type Options struct {
	Level  slog.Level
	Output io.Writer
	// Dev selects the colourful devslog handler
	Dev bool
}

// Hook receives warnings and errors, e.g. for a status line in the TUI.
type Hook interface {
	Write(level slog.Level, message string)
}

var (
	levelVar slog.LevelVar
	hook     Hook
	hookMu   sync.RWMutex
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
)

// Init installs the default logger and routes sipgo's zerolog output into it.
func Init(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	levelVar.Set(opts.Level)

	var base slog.Handler
	if opts.Dev {
		base = devslog.NewHandler(opts.Output, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     &levelVar,
			},
			SortKeys:   true,
			TimeFormat: "15:04:05.000",
		})
	} else {
		base = console.NewHandler(opts.Output, &console.HandlerOptions{
			Level:      &levelVar,
			TimeFormat: time.DateTime,
			NoColor:    true,
		})
	}

	logger := slog.New(&hookHandler{next: newHandler(base)})
	slog.SetDefault(logger)
	bridgeZerolog(opts.Level)
	return logger
}

// SetLevel changes the level of the installed logger.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
	bridgeZerolog(level)
}

// Level returns the current level.
func Level() slog.Level {
	return levelVar.Level()
}

// ParseLevel parses a string to an slog level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// LevelFromVerbosity maps the numeric general.log_level onto slog levels.
func LevelFromVerbosity(n int) slog.Level {
	switch {
	case n <= 1:
		return slog.LevelError
	case n == 2:
		return slog.LevelWarn
	case n == 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// OpenFile opens path for appending, creating parent directories.
func OpenFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// SetHook installs h. Pass nil to remove it.
func SetHook(h Hook) {
	hookMu.Lock()
	defer hookMu.Unlock()
	hook = h
}

// hookHandler forwards warnings and errors to the installed Hook.
type hookHandler struct {
	next slog.Handler
}

func (h *hookHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *hookHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= slog.LevelWarn {
		hookMu.RLock()
		hk := hook
		hookMu.RUnlock()
		if hk != nil {
			hk.Write(record.Level, record.Message)
		}
	}
	return h.next.Handle(ctx, record)
}

func (h *hookHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &hookHandler{next: h.next.WithAttrs(attrs)}
}

func (h *hookHandler) WithGroup(name string) slog.Handler {
	return &hookHandler{next: h.next.WithGroup(name)}
}
