package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
)

// NewLogger builds the JSON logger Cloud Logging expects. LOG_LEVEL selects the level.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			level.SetLevel(zapcore.InfoLevel)
		}
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.ISO8601TimeEncoder,
			EncodeLevel:   zapcore.CapitalLevelEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// EventLogger adapts zap onto the func(ctx, event, fields) signature services accept.
// The request-scoped logger wins over the fallback so request ids follow background work.
func EventLogger(fallback *zap.Logger, component string) func(context.Context, string, map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = fallback
		}
		zfields := make([]zap.Field, 0, len(fields)+2)
		zfields = append(zfields, zap.String("component", component))
		if orderID := requestctx.OrderID(ctx); orderID != "" {
			zfields = append(zfields, zap.String("order_id", orderID))
		}
		level := zapcore.InfoLevel
		for key, value := range fields {
			if err, ok := value.(error); ok {
				zfields = append(zfields, zap.NamedError(key, err))
				level = zapcore.WarnLevel
				continue
			}
			zfields = append(zfields, zap.Any(key, value))
		}
		if strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".error") {
			level = zapcore.ErrorLevel
		}
		if ce := logger.Check(level, event); ce != nil {
			ce.Write(zfields...)
		}
	}
}

// PrintfAdapter satisfies Printf-style logger interfaces such as the auth validators.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter wraps the logger.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}
