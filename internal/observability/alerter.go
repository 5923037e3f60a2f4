package observability

import (
	"context"

	"go.uber.org/zap"
)

// Alerter surfaces conditions that need an operator.
type Alerter interface {
	Fatal(ctx context.Context, msg string, fields ...zap.Field)
}

// LogAlerter raises alerts as error logs tagged for paging and counts them.
type LogAlerter struct {
	logger  *zap.Logger
	metrics *Metrics
}

func NewLogAlerter(logger *zap.Logger, metrics *Metrics) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger, metrics: metrics}
}

func (a *LogAlerter) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	logger := WithContextLogger(a.logger, ctx)
	logger.Error(msg, append(fields, zap.Bool("alert", true), zap.String("severity", "fatal"))...)
	a.metrics.IncFatalSignal()
}
