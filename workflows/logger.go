package workflow

import "strings"

// Logger provides a simple interface for workflow logging
type Logger interface {
	// Debug logs a message at debug level
	Debug(format string, args ...interface{})

	// Info logs a message at info level
	Info(format string, args ...interface{})

	// Warn logs a message at warning level
	Warn(format string, args ...interface{})

	// Error logs a message at error level
	Error(format string, args ...interface{})
}

// DefaultLogger discards everything
type DefaultLogger struct{}

func (l *DefaultLogger) Debug(format string, args ...interface{}) {}
func (l *DefaultLogger) Info(format string, args ...interface{})  {}
func (l *DefaultLogger) Warn(format string, args ...interface{})  {}
func (l *DefaultLogger) Error(format string, args ...interface{}) {}

// NewDefaultLogger creates a new default no-op logger
func NewDefaultLogger() Logger {
	return &DefaultLogger{}
}

// nestedLogger indents messages of steps running inside repeat and parallel
// bodies so the log mirrors the step tree.
type nestedLogger struct {
	base   Logger
	prefix string
}

func nested(base Logger, depth int, label string) Logger {
	if n, ok := base.(*nestedLogger); ok {
		base = n.base
	}
	prefix := strings.Repeat("  ", depth)
	if label != "" {
		prefix += "[" + label + "] "
	}
	if prefix == "" {
		return base
	}
	return &nestedLogger{base: base, prefix: prefix}
}

func (l *nestedLogger) Debug(format string, args ...interface{}) {
	l.base.Debug(l.prefix+format, args...)
}

func (l *nestedLogger) Info(format string, args ...interface{}) {
	l.base.Info(l.prefix+format, args...)
}

func (l *nestedLogger) Warn(format string, args ...interface{}) {
	l.base.Warn(l.prefix+format, args...)
}

func (l *nestedLogger) Error(format string, args ...interface{}) {
	l.base.Error(l.prefix+format, args...)
}
