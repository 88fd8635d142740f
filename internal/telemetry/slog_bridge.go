package telemetry

import (
	"context"
	"log/slog"

	"github.com/sirupsen/logrus"
)

// slogHandler adapts a logrus.Entry to slog.Handler so code written
// against slog.Logger (server/*.go's pre-existing logging convention)
// ends up flowing through the same logrus backend as every other
// component's structured logs, without rewriting those call sites.
type slogHandler struct {
	entry *logrus.Entry
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.entry.Logger.IsLevelEnabled(slogToLogrusLevel(level))
}

func (h *slogHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make(logrus.Fields, record.NumAttrs())
	record.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	h.entry.WithFields(fields).Log(slogToLogrusLevel(record.Level), record.Message)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make(logrus.Fields, len(attrs))
	for _, a := range attrs {
		fields[a.Key] = a.Value.Any()
	}
	return &slogHandler{entry: h.entry.WithFields(fields)}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	// logrus has no notion of attribute groups; flatten under a prefix
	// field instead of dropping the grouping information entirely.
	return &slogHandler{entry: h.entry.WithField("group", name)}
}

func slogToLogrusLevel(level slog.Level) logrus.Level {
	switch {
	case level >= slog.LevelError:
		return logrus.ErrorLevel
	case level >= slog.LevelWarn:
		return logrus.WarnLevel
	case level >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// NewSlogLogger returns an *slog.Logger backed by l's logrus entry, for
// packages (like server) built against the slog.Logger API.
func NewSlogLogger(l *Logger) *slog.Logger {
	if l == nil {
		l = Default()
	}
	return slog.New(&slogHandler{entry: l.entry})
}
