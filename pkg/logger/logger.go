// Package logger builds the zap logger shared by the binaries: JSON output
// split across stdout and stderr by level, with entries mirrored onto the
// recording OpenTelemetry span when there is one.
package logger

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs the logger. debug switches to the development encoder and
// enables debug-level output. Each binary builds its own instance and owns
// its lifecycle (Sync on shutdown).
func New(ctx context.Context, debug bool) *zap.Logger {
	stdoutSyncer := zapcore.Lock(os.Stdout)
	stderrSyncer := zapcore.Lock(os.Stderr)

	warnAndAbove := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	var core zapcore.Core
	if debug {
		debugInfoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return level == zapcore.DebugLevel || level == zapcore.InfoLevel
		})
		encoder := zapcore.NewJSONEncoder(zap.NewDevelopmentEncoderConfig())
		core = zapcore.NewTee(
			zapcore.NewCore(encoder, stdoutSyncer, debugInfoLevel),
			zapcore.NewCore(encoder, stderrSyncer, warnAndAbove),
		)
	} else {
		infoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return level == zapcore.InfoLevel
		})
		encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		core = zapcore.NewTee(
			zapcore.NewCore(encoder, stdoutSyncer, infoLevel),
			zapcore.NewCore(encoder, stderrSyncer, warnAndAbove),
		)
	}

	return zap.New(core).WithOptions(zap.Hooks(spanHook(ctx)), zap.AddCaller())
}

// spanHook attaches log entries as events on the recording span and marks
// the span failed on error-level entries.
func spanHook(ctx context.Context) func(zapcore.Entry) error {
	return func(entry zapcore.Entry) error {
		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return nil
		}
		span.AddEvent("log", trace.WithAttributes(
			attribute.String("log.severity", entry.Level.String()),
			attribute.String("log.message", entry.Message),
		))
		if entry.Level >= zap.ErrorLevel {
			span.SetStatus(codes.Error, entry.Message)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return nil
	}
}
