// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel orders log output from ERROR (least) to TRACE (most verbose).
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

var levelNames = [...]string{"ERROR", "WARN", "INFO", "DEBUG", "TRACE"}

func (l LogLevel) String() string {
	if l < LogLevelError || l > LogLevelTrace {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLogLevel converts a level name (case insensitive) to a LogLevel.
// An empty name is INFO.
func ParseLogLevel(s string) (LogLevel, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "":
		return LogLevelInfo, nil
	case "WARNING":
		return LogLevelWarn, nil
	}
	for i, n := range levelNames {
		if n == name {
			return LogLevel(i), nil
		}
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// zap has no trace level, trace output goes out at debug with a marker
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Logger is a leveled printf logger on top of a zap SugaredLogger.
type Logger struct {
	sugar *zap.SugaredLogger
	atom  zap.AtomicLevel
	level LogLevel
}

// NewLogger logs to stderr.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithWriter(os.Stderr, level)
}

// NewLoggerWithWriter logs console-encoded lines to w.
func NewLoggerWithWriter(w io.Writer, level LogLevel) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	atom := zap.NewAtomicLevelAt(level.zapLevel())
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(w),
		atom,
	)

	return &Logger{
		sugar: zap.New(core).Named("meshbus").Sugar(),
		atom:  atom,
		level: level,
	}
}

// NewLoggerFromZap wraps an existing zap logger
func NewLoggerFromZap(z *zap.Logger, level LogLevel) *Logger {
	return &Logger{sugar: z.Sugar(), atom: zap.NewAtomicLevelAt(zapcore.DebugLevel), level: level}
}

// Named returns a child logger for a subsystem
func (l *Logger) Named(name string) *Logger {
	return &Logger{sugar: l.sugar.Named(name), atom: l.atom, level: l.level}
}

// SetLevel sets the minimum logging level.
// Child loggers created by Named keep their own level.
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	if l.atom.Level() > level.zapLevel() {
		l.atom.SetLevel(level.zapLevel())
	}
}

func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// IsEnabled reports whether output at level would be written.
func (l *Logger) IsEnabled(level LogLevel) bool {
	return level <= l.level
}

func (l *Logger) Error(format string, args ...interface{}) { l.logf(LogLevelError, format, args) }
func (l *Logger) Warn(format string, args ...interface{}) { l.logf(LogLevelWarn, format, args) }
func (l *Logger) Info(format string, args ...interface{}) { l.logf(LogLevelInfo, format, args) }
func (l *Logger) Debug(format string, args ...interface{}) { l.logf(LogLevelDebug, format, args) }

// Trace is emitted through zap at debug level with a [TRACE] prefix.
func (l *Logger) Trace(format string, args ...interface{}) { l.logf(LogLevelTrace, format, args) }

func (l *Logger) logf(level LogLevel, format string, args []interface{}) {
	if !l.IsEnabled(level) {
		return
	}
	switch level {
	case LogLevelError:
		l.sugar.Errorf(format, args...)
	case LogLevelWarn:
		l.sugar.Warnf(format, args...)
	case LogLevelInfo:
		l.sugar.Infof(format, args...)
	case LogLevelDebug:
		l.sugar.Debugf(format, args...)
	default:
		l.sugar.Debugf("[TRACE] "+format, args...)
	}
}

// Sync flushes buffered log entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

var (
	// DevNullLogger discards everything; tests and library defaults use it.
	DevNullLogger = NewLoggerWithWriter(io.Discard, LogLevelError)
	DefaultLogger = NewLogger(LogLevelInfo)
)
