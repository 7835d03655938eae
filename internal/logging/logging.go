// Package logging wires a structured zap.Logger the way the rest of the
// retrieved pack does (Midaz's components all build on go.uber.org/zap),
// generalized to this module's needs: one process-wide logger, context
// propagation for request-scoped fields, and a constructor driven by the
// config package's Level/Format instead of a hardcoded zap.NewProduction().
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var loggerKey ctxKey

// New builds a zap.Logger from level/format strings ("debug|info|warn|error",
// "json|console").
func New(level, format string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// WithLogger attaches l to ctx for downstream retrieval via From.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// From returns the logger attached to ctx, or zap.L() (the global logger)
// if none was attached.
func From(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.L()
}
