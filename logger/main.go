package logger

import (
	"context"
	"os"

	"github.com/hyperdxio/opentelemetry-go/otelzap"
	sdk "github.com/hyperdxio/opentelemetry-logs-go/sdk/logs"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConnectProps struct {
	Production bool
	// Level is a zap level name. Unknown or empty names mean info.
	Level          string
	LoggerProvider *sdk.LoggerProvider
}

type LogMiddleware struct {
	logger *zap.Logger
}

func Connect(args LoggerConnectProps) *LogMiddleware {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if args.Level != "" {
		if l, err := zapcore.ParseLevel(args.Level); err == nil {
			level.SetLevel(l)
		}
	}

	if !args.Production {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = level
		logger, err := cfg.Build()
		if err != nil {
			logger = zap.NewNop()
		}
		return &LogMiddleware{logger: logger}
	}

	stderr := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.Lock(os.Stderr),
		level,
	)
	core := stderr
	if args.LoggerProvider != nil {
		core = zapcore.NewTee(stderr, otelzap.NewOtelCore(args.LoggerProvider))
	}

	logger := zap.New(core, zap.AddCaller())
	zap.ReplaceGlobals(logger)
	logger.Info("[Logger] Starting Logger with Prod Config", zap.Stringer("level", level.Level()))
	return &LogMiddleware{logger: logger}
}

// Nop returns a middleware that discards everything.
func Nop() *LogMiddleware {
	return &LogMiddleware{logger: zap.NewNop()}
}

// Wrap adapts an existing zap logger, e.g. one built with zaptest or observer.
func Wrap(l *zap.Logger) *LogMiddleware {
	return &LogMiddleware{logger: l}
}

func (l *LogMiddleware) Logger(ctx context.Context) *zap.Logger {
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return l.logger
	}

	return l.logger.With(
		zap.String("trace_id", spanContext.TraceID().String()),
		zap.String("span_id", spanContext.SpanID().String()),
	)
}

// Session returns the context logger with the coaching session fields attached.
func (l *LogMiddleware) Session(ctx context.Context, sessionID string, characterID string, stage int) *zap.Logger {
	return l.Logger(ctx).With(
		zap.String("session_id", sessionID),
		zap.String("character_id", characterID),
		zap.Int("stage", stage),
	)
}

func (l *LogMiddleware) Sync() error {
	return l.logger.Sync()
}
