// Package logging builds the service-wide zap logger and carries the
// correlation identifier through context so every component logs it.
package logging

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type requestIDKey struct{}
type loggerKey struct{}

// New constructs the JSON production logger for a service. The level string
// is case-insensitive; unknown levels fall back to info.
func New(serviceName, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", serviceName)), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithRequestID binds a correlation id to the context. The returned logger
// carries the request_id field and is also stored in the context, so any
// component that logs through From while the id is set emits it.
func WithRequestID(ctx context.Context, base *zap.Logger, requestID string) (context.Context, *zap.Logger) {
	logger := base.With(zap.String("request_id", requestID))
	ctx = context.WithValue(ctx, requestIDKey{}, requestID)
	ctx = context.WithValue(ctx, loggerKey{}, logger)
	return ctx, logger
}

// RequestID returns the correlation id bound to the context, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// From returns the context-bound logger, or the global logger when no
// correlation id has been set.
func From(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return zap.L()
}
