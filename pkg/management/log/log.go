/*
Copyright The PostgreSQL Operation Manager Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package log contains the logging facade used by every component of the
// operation manager. It wraps a logr.Logger backed by zap, adding the
// Warning and Trace levels and context propagation helpers.
package log

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity of the non-error log levels
const (
	InfoLevel  = 0
	DebugLevel = 1
	TraceLevel = 2
)

// Names of the log levels accepted in the LOG_LEVEL environment variable
const (
	ErrorLevelString   = "error"
	WarningLevelString = "warning"
	InfoLevelString    = "info"
	DebugLevelString   = "debug"
	TraceLevelString   = "trace"

	// DefaultLevelString is the level used when LOG_LEVEL is not set
	DefaultLevelString = InfoLevelString
)

// Logger is the logging interface used across the codebase
type Logger interface {
	Enabled() bool
	Error(err error, msg string, keysAndValues ...interface{})
	Warning(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
	Trace(msg string, keysAndValues ...interface{})

	WithValues(keysAndValues ...interface{}) Logger
	WithName(name string) Logger

	GetLogger() logr.Logger
}

type logger struct {
	logr.Logger
}

var (
	defaultLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	defaultLog   = newZapLogger()
)

type contextKey string

// loggerKey is the key used to store the logger inside a context.Context
const loggerKey = contextKey("logger")

func newZapLogger() Logger {
	config := zap.NewProductionConfig()
	config.Level = defaultLevel
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapLog, err := config.Build()
	if err != nil {
		panic(err)
	}
	return &logger{Logger: zapr.NewLogger(zapLog)}
}

// SetLogLevel sets the verbosity of the default logger given the level name.
// Unknown names fall back to the default level.
func SetLogLevel(levelString string) {
	switch levelString {
	case ErrorLevelString:
		defaultLevel.SetLevel(zapcore.ErrorLevel)
	case WarningLevelString:
		defaultLevel.SetLevel(zapcore.WarnLevel)
	case InfoLevelString:
		defaultLevel.SetLevel(zapcore.InfoLevel)
	case DebugLevelString:
		defaultLevel.SetLevel(zapcore.Level(-DebugLevel))
	case TraceLevelString:
		defaultLevel.SetLevel(zapcore.Level(-TraceLevel))
	default:
		defaultLevel.SetLevel(zapcore.InfoLevel)
	}
}

func (l *logger) Enabled() bool {
	return l.Logger.Enabled()
}

func (l *logger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.Error(err, msg, keysAndValues...)
}

func (l *logger) Warning(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, append(keysAndValues, "severity", WarningLevelString)...)
}

func (l *logger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.V(InfoLevel).Info(msg, keysAndValues...)
}

func (l *logger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.V(DebugLevel).Info(msg, keysAndValues...)
}

func (l *logger) Trace(msg string, keysAndValues ...interface{}) {
	l.Logger.V(TraceLevel).Info(msg, keysAndValues...)
}

func (l *logger) WithValues(keysAndValues ...interface{}) Logger {
	return &logger{Logger: l.Logger.WithValues(keysAndValues...)}
}

func (l *logger) WithName(name string) Logger {
	return &logger{Logger: l.Logger.WithName(name)}
}

func (l *logger) GetLogger() logr.Logger {
	return l.Logger
}

// GetLogger returns the default logger
func GetLogger() Logger {
	return defaultLog
}

// WithName returns the default logger with an added name prefix
func WithName(name string) Logger {
	return defaultLog.WithName(name)
}

// WithValues returns the default logger with added key/value pairs
func WithValues(keysAndValues ...interface{}) Logger {
	return defaultLog.WithValues(keysAndValues...)
}

// FromContext returns the logger stored inside the context, or the
// default logger when the context carries none
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return defaultLog
}

// IntoContext returns a copy of the context carrying the given logger
func IntoContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// SetupLogger returns the context logger and a context carrying it,
// to be called at the beginning of every operation
func SetupLogger(ctx context.Context) (Logger, context.Context) {
	l := FromContext(ctx)
	return l, IntoContext(ctx, l)
}
