package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIDKey struct{}

// NewLogger builds the JSON logger used by both binaries. component is
// attached to every entry so api and worker logs can be told apart.
func NewLogger(level string, component string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	encoding := zap.NewProductionEncoderConfig()
	encoding.TimeKey = "timestamp"
	encoding.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Encoding:          "json",
		EncoderConfig:     encoding,
		DisableStacktrace: true,
		Sampling:          &zap.SamplingConfig{Initial: 100, Thereafter: 100},
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}

	var fields []zap.Field
	if component = strings.TrimSpace(component); component != "" {
		fields = append(fields, zap.String("component", component))
	}

	logger, err := cfg.Build(zap.AddCaller(), zap.Fields(fields...))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "" {
		return zapcore.InfoLevel, nil
	}

	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// WithCorrelationID stores correlationID on ctx. Empty ids leave ctx as is.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id, id != ""
}

// WithContextLogger tags logger with the correlation id carried by ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := CorrelationIDFromContext(ctx); ok {
		return logger.With(zap.String("correlationId", id))
	}
	return logger
}

// TaskFields are the standard fields logged for a queued task execution.
func TaskFields(task string, taskID string, retries int) []zap.Field {
	return []zap.Field{
		zap.String("task", task),
		zap.String("taskId", taskID),
		zap.Int("retries", retries),
	}
}

// NotificationFields identify the notification and owning service of a log line.
func NotificationFields(notificationID string, serviceID string) []zap.Field {
	return []zap.Field{
		zap.String("notificationId", notificationID),
		zap.String("serviceId", serviceID),
	}
}

// Recipient logs a masked phone number or email address.
func Recipient(to string) zap.Field {
	return zap.String("recipient", maskRecipient(to))
}

func maskRecipient(to string) string {
	to = strings.TrimSpace(to)
	if local, domain, ok := strings.Cut(to, "@"); ok {
		if local == "" {
			return "@" + domain
		}
		return local[:1] + "***@" + domain
	}

	const visible = 3
	if len(to) <= visible {
		return strings.Repeat("*", len(to))
	}
	return strings.Repeat("*", len(to)-visible) + to[len(to)-visible:]
}
