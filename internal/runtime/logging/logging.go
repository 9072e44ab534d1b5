package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// Logger is the minimal logging contract used by the output. It maps directly
// onto Watermill's logging needs so applications can adapt their existing
// loggers without depending on slog.
type Logger interface {
	With(fields LogFields) Logger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogLogger wraps a slog.Logger so it satisfies the Logger interface.
func NewSlogLogger(log *slog.Logger) Logger {
	if log == nil {
		panic("rabbitmq: slog logger cannot be nil")
	}
	return NewWatermillLogger(watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping))
}

// NewWatermillLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillLogger(logger watermill.LoggerAdapter) Logger {
	if logger == nil {
		panic("rabbitmq: watermill logger cannot be nil")
	}
	return &watermillLogger{inner: logger}
}

// NopLogger discards everything.
func NopLogger() Logger {
	return &watermillLogger{inner: watermill.NopLogger{}}
}

type watermillLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillLogger) With(fields LogFields) Logger {
	return &watermillLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

// Safe returns a Logger whose calls never panic. Flow notifications and gate
// transitions log through it so a broken sink cannot stall state changes.
func Safe(log Logger) Logger {
	if log == nil {
		return NopLogger()
	}
	if s, ok := log.(*safeLogger); ok {
		return s
	}
	return &safeLogger{base: log}
}

type safeLogger struct {
	base Logger
}

func (s *safeLogger) With(fields LogFields) (l Logger) {
	defer func() {
		if recover() != nil {
			l = s
		}
	}()
	return &safeLogger{base: s.base.With(fields)}
}

func (s *safeLogger) Debug(msg string, fields LogFields) {
	defer swallow()
	s.base.Debug(msg, fields)
}

func (s *safeLogger) Info(msg string, fields LogFields) {
	defer swallow()
	s.base.Info(msg, fields)
}

func (s *safeLogger) Error(msg string, err error, fields LogFields) {
	defer swallow()
	s.base.Error(msg, err, fields)
}

func (s *safeLogger) Trace(msg string, fields LogFields) {
	defer swallow()
	s.base.Trace(msg, fields)
}

func swallow() {
	_ = recover()
}

type loggerAdapter struct {
	base Logger
}

// NewWatermillAdapter converts a Logger into a Watermill LoggerAdapter so
// Watermill components can share the output's logger.
func NewWatermillAdapter(log Logger) watermill.LoggerAdapter {
	if log == nil {
		panic("rabbitmq: Logger cannot be nil")
	}
	return &loggerAdapter{base: log}
}

func (s *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
