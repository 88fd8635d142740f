// Package telemetry wires the ambient logging and metrics stack used across
// every other internal package: a logrus-backed structured logger and a
// Prometheus registry of the gauges/counters named throughout the spec
// (active sessions, transfer bytes, RPC frames, port leases).
package telemetry

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger threaded through the server, admin engine,
// ACME client, and impersonator channel. It wraps logrus the way
// nabbar/golib/logger wraps it: one base instance, per-component fields
// attached via With().
type Logger struct {
	entry *logrus.Entry
}

// NewLogger builds a Logger writing JSON-less, leveled text to w (or stderr
// if w is nil). Use Hook to attach additional sinks (file, syslog, ...).
func NewLogger(w io.Writer, level logrus.Level) *Logger {
	base := logrus.New()
	if w != nil {
		base.SetOutput(w)
	} else {
		base.SetOutput(os.Stderr)
	}
	base.SetLevel(level)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return &Logger{entry: logrus.NewEntry(base)}
}

// Default returns a Logger at Info level writing to stderr.
func Default() *Logger {
	return NewLogger(nil, logrus.InfoLevel)
}

// With returns a child Logger with additional structured fields attached to
// every subsequent log line, mirroring slog.Logger.With used by the teacher.
func (l *Logger) With(kv ...any) *Logger {
	if l == nil {
		return Default().With(kv...)
	}
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.With(kv...).entry.Debug(msg) }
func (l *Logger) Info(msg string, kv ...any)  { l.With(kv...).entry.Info(msg) }
func (l *Logger) Warn(msg string, kv ...any)  { l.With(kv...).entry.Warn(msg) }
func (l *Logger) Error(msg string, kv ...any) { l.With(kv...).entry.Error(msg) }

// Hook registers an additional logrus hook (file, syslog, ...) on the base
// logger, mirroring nabbar/golib/logger's pluggable hook sinks.
func (l *Logger) Hook(h logrus.Hook) {
	if l == nil {
		return
	}
	l.entry.Logger.AddHook(h)
}

// hookOnce guards a process-wide fallback logger used by packages that are
// constructed without an explicit Logger (e.g. package-level helpers).
var (
	fallback     *Logger
	fallbackOnce sync.Once
)

// Fallback returns a shared default Logger for code paths that don't thread
// one through explicitly (rare; most constructors require one).
func Fallback() *Logger {
	fallbackOnce.Do(func() { fallback = Default() })
	return fallback
}
