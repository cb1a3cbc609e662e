package monitoring

import (
	"fmt"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger is the logging and debug configuration handed to the orchestrator,
// ramp strategy and instrument adapters. The zero value logs through Logf with
// debug output disabled.
type Logger struct {
	// Prefix is prepended to every line, e.g. "[sweep]".
	Prefix string
	// Debug enables Debugf output.
	Debug bool
	// Out overrides the destination. Nil means the package Logf.
	Out func(format string, v ...interface{})
}

// NewLogger returns a Logger with the given prefix.
func NewLogger(prefix string, debug bool) Logger {
	return Logger{Prefix: prefix, Debug: debug}
}

// With returns a copy of l whose prefix is extended by sub.
func (l Logger) With(sub string) Logger {
	if l.Prefix == "" {
		l.Prefix = sub
	} else {
		l.Prefix = l.Prefix + sub
	}
	return l
}

// Printf logs an informational line.
func (l Logger) Printf(format string, v ...interface{}) {
	l.emit("", format, v...)
}

// Warnf logs a recoverable problem.
func (l Logger) Warnf(format string, v ...interface{}) {
	l.emit("WARNING: ", format, v...)
}

// Debugf logs only when Debug is set.
func (l Logger) Debugf(format string, v ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit("DEBUG: ", format, v...)
}

func (l Logger) emit(level, format string, v ...interface{}) {
	out := l.Out
	if out == nil {
		out = Logf
	}
	msg := fmt.Sprintf(format, v...)
	if l.Prefix != "" {
		out("%s %s%s", l.Prefix, level, msg)
		return
	}
	out("%s%s", level, msg)
}
