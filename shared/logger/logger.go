// Package logger provides the structured logging used across the CTI
// frontend core: a thin wrapper around logrus that accepts a map of
// structured fields alongside the message, the way the rest of the
// component loggers in this codebase expect.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx is a set of structured fields attached to a log line.
type Ctx map[string]any

// Logger is a safe, leveled logger with a fixed set of base fields (e.g.
// component name) merged into every call.
type Logger struct {
	mu     sync.Mutex
	entry  *logrus.Entry
	fields Ctx
}

// New creates a Logger writing to stderr with the base fields attached to
// every future log line (e.g. {"component": "fedaemon"}).
func New(base Ctx) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)

	return &Logger{
		entry:  logrus.NewEntry(l),
		fields: base,
	}
}

// NewFile creates a Logger writing to the named file, used by the BE
// daemon's --debug mode to redirect per-node logs (spec §4.9 step 1).
func NewFile(path string, base Ctx) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)

	return &Logger{
		entry:  logrus.NewEntry(l),
		fields: base,
	}, nil
}

// SetDebug raises or lowers the logger's level (driven by CTI_DEBUG).
func (l *Logger) SetDebug(debug bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if debug {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
}

func (l *Logger) merged(ctx Ctx) logrus.Fields {
	fields := logrus.Fields{}
	for k, v := range l.fields {
		fields[k] = v
	}

	for k, v := range ctx {
		fields[k] = v
	}

	return fields
}

// Debug logs a debug-level message with optional structured context.
func (l *Logger) Debug(msg string, ctx ...Ctx) {
	l.log(logrus.DebugLevel, msg, ctx)
}

// Info logs an info-level message with optional structured context.
func (l *Logger) Info(msg string, ctx ...Ctx) {
	l.log(logrus.InfoLevel, msg, ctx)
}

// Warn logs a warning-level message with optional structured context.
func (l *Logger) Warn(msg string, ctx ...Ctx) {
	l.log(logrus.WarnLevel, msg, ctx)
}

// Error logs an error-level message with optional structured context.
func (l *Logger) Error(msg string, ctx ...Ctx) {
	l.log(logrus.ErrorLevel, msg, ctx)
}

func (l *Logger) log(level logrus.Level, msg string, ctxs []Ctx) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var merged Ctx
	if len(ctxs) > 0 {
		merged = ctxs[0]
	}

	l.entry.WithFields(l.merged(merged)).Log(level, msg)
}

// With returns a child Logger with extra base fields merged in, e.g. a
// per-App or per-Session logger.
func (l *Logger) With(extra Ctx) *Logger {
	merged := Ctx{}
	for k, v := range l.fields {
		merged[k] = v
	}

	for k, v := range extra {
		merged[k] = v
	}

	return &Logger{entry: l.entry, fields: merged}
}
