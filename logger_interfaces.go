/*
 * Copyright 2019, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"

	"github.com/sirupsen/logrus"
)

type LoggingFields map[string]interface{}

// Logger represents an logging interface that this library expects
type Logger interface {
	// Error logs an error with a message. `fields` can be used as additional metadata for structured logging.
	// You can generally expect one of these fields to be available: route, message_sqs_id, message_sns_id.
	Error(err error, message string, fields LoggingFields)

	// Warn logs a warn level log with a message. `fields` param works the same as `Error`.
	Warn(err error, message string, fields LoggingFields)

	// Info logs a info level log with a message. `fields` param works the same as `Error`.
	Info(message string, fields LoggingFields)

	// Debug logs a debug level log with a message. `fields` param works the same as `Error`.
	Debug(message string, fields LoggingFields)
}

// GetLoggerFunc returns the logger for a request context
type GetLoggerFunc func(ctx context.Context) Logger

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) Error(err error, message string, fields LoggingFields) {
	l.entry.WithError(err).WithFields(logrus.Fields(fields)).Error(message)
}

func (l *logrusLogger) Warn(err error, message string, fields LoggingFields) {
	l.entry.WithError(err).WithFields(logrus.Fields(fields)).Warn(message)
}

func (l *logrusLogger) Info(message string, fields LoggingFields) {
	l.entry.WithFields(logrus.Fields(fields)).Info(message)
}

func (l *logrusLogger) Debug(message string, fields LoggingFields) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(message)
}

// LogrusGetLoggerFunc adapts a function returning logrus entries. Trace fields of the current span are
// added to every entry.
func LogrusGetLoggerFunc(fn func(ctx context.Context) *logrus.Entry) GetLoggerFunc {
	return func(ctx context.Context) Logger {
		return &logrusLogger{withTraceFields(ctx, fn(ctx))}
	}
}

func withTraceFields(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	span := CurrentSpan(ctx)
	if span == nil {
		return entry
	}
	return entry.WithFields(logrus.Fields{
		"trace_id": span.TraceID,
		"span_id":  span.SpanID,
	})
}

var defaultGetLogger = LogrusGetLoggerFunc(func(_ context.Context) *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
})

type getLoggerKey struct{}

// withGetLogger binds fn to ctx so that code without access to Settings, such as span completion,
// logs through the configured logger
func withGetLogger(ctx context.Context, fn GetLoggerFunc) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, getLoggerKey{}, fn)
}

func getLogger(ctx context.Context, settings *Settings) Logger {
	if settings != nil && settings.GetLogger != nil {
		return settings.GetLogger(ctx)
	}
	if fn, ok := ctx.Value(getLoggerKey{}).(GetLoggerFunc); ok {
		return fn(ctx)
	}
	return defaultGetLogger(ctx)
}
