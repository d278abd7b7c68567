package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// JSONParsingWriter receives zerolog JSON lines (sipgo logs through the
// zerolog global logger) and re-emits them through slog.
type JSONParsingWriter struct {
	logger *slog.Logger
}

// Write implements io.Writer
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	logger := w.logger
	if logger == nil {
		logger = slog.Default()
	}

	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		logger.Info("[SIP] " + strings.TrimSpace(string(p)))
		return len(p), nil
	}

	level := slog.LevelInfo
	if lv, ok := entry["level"]; ok {
		level = zerologLevel(fmt.Sprint(lv))
	}
	message := "unknown"
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}

	attrs := make([]any, 0, 2*len(entry))
	for k, v := range entry {
		if k == "level" || k == "message" || k == "time" || k == "caller" {
			continue
		}
		attrs = append(attrs, k, v)
	}
	logger.Log(context.Background(), level, "[SIP] "+message, attrs...)
	return len(p), nil
}

func zerologLevel(s string) slog.Level {
	switch s {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal", "panic":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func bridgeZerolog(level slog.Level) {
	zl := zerolog.InfoLevel
	switch {
	case level <= slog.LevelDebug:
		zl = zerolog.DebugLevel
	case level >= slog.LevelError:
		zl = zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		zl = zerolog.WarnLevel
	}
	zlog.Logger = zerolog.New(&JSONParsingWriter{}).Level(zl).With().Timestamp().Logger()
}
