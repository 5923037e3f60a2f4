package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minConcurrency = 1

	outcomeSuccess = "success"
	outcomeRetry   = "retry"
	outcomeFailed  = "failed"
)

// Server consumes task lanes and dispatches messages to registered handlers.
type Server struct {
	registry    *Registry
	consumer    queue.Consumer
	client      *Client
	queues      []string
	concurrency int
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewServer builds a server consuming queues with concurrency consumers per
// lane. An empty queues list consumes every work lane.
func NewServer(
	registry *Registry,
	consumer queue.Consumer,
	client *Client,
	queues []string,
	concurrency int,
	logger *zap.Logger,
) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("task registry is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if client == nil {
		return nil, fmt.Errorf("task client is required")
	}
	if len(queues) == 0 {
		queues = queue.WorkQueueNames()
	}
	if concurrency < minConcurrency {
		concurrency = minConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		registry:    registry,
		consumer:    consumer,
		client:      client,
		queues:      queues,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

func (s *Server) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// Start consumes every lane until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, queueName := range s.queues {
		for i := 0; i < s.concurrency; i++ {
			workerID := i + 1

			g.Go(func() error {
				s.logger.Info("task consumer started",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
				)

				handler := func(ctx context.Context, msg queue.Message) error {
					return s.process(ctx, queueName, msg)
				}

				if err := s.consumer.Consume(groupCtx, queueName, handler); err != nil {
					s.logger.Error("task consumer stopped with error",
						zap.Int("workerId", workerID),
						zap.String("queue", queueName),
						zap.Error(err),
					)
					return err
				}

				s.logger.Info("task consumer stopped",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
				)
				return nil
			})
		}
	}

	return g.Wait()
}

func (s *Server) process(ctx context.Context, queueName string, msg queue.Message) error {
	e, ok := s.registry.lookup(msg.Task)
	if !ok {
		s.metrics.IncTaskProcessed(msg.Task, outcomeFailed)
		return fmt.Errorf("%w: %q", ErrUnknownTask, msg.Task)
	}

	s.metrics.IncWorkerInFlight(queueName)
	defer s.metrics.DecWorkerInFlight(queueName)

	ctx = observability.WithCorrelationID(ctx, msg.Correlation())
	logger := observability.WithContextLogger(s.logger, ctx).
		With(observability.TaskFields(msg.Task, msg.ID, msg.Retries)...)

	tc := &taskContext{
		msg:        msg,
		descriptor: e.descriptor,
		client:     s.client,
		metrics:    s.metrics,
		logger:     logger,
	}

	err := e.handler(ctx, tc)
	switch {
	case err != nil:
		s.metrics.IncTaskProcessed(msg.Task, outcomeFailed)
		logger.Error("task failed", zap.Error(err))
		return err
	case tc.retried:
		s.metrics.IncTaskProcessed(msg.Task, outcomeRetry)
	default:
		s.metrics.IncTaskProcessed(msg.Task, outcomeSuccess)
	}

	return nil
}

type taskContext struct {
	msg        queue.Message
	descriptor Descriptor
	client     *Client
	metrics    *observability.Metrics
	logger     *zap.Logger
	retried    bool
}

func (c *taskContext) ID() string   { return c.msg.ID }
func (c *taskContext) Name() string { return c.msg.Task }
func (c *taskContext) Retries() int { return c.msg.Retries }

func (c *taskContext) Decode(v any) error {
	if err := c.client.open(c.msg.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", c.msg.Task, err)
	}
	return nil
}

func (c *taskContext) Retry(ctx context.Context, cause error) error {
	if c.retried {
		return ErrRetryScheduled
	}
	if c.msg.Retries >= c.descriptor.MaxRetries {
		if cause == nil {
			return ErrMaxRetriesExceeded
		}
		return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, cause)
	}

	delay := c.descriptor.Backoff.After(c.msg.Retries)
	if err := c.client.requeue(ctx, c.msg, delay); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	c.retried = true
	c.metrics.IncRetryScheduled(c.msg.Task)
	c.logger.Info("task retry scheduled",
		zap.Int("nextRetry", c.msg.Retries+1),
		zap.Duration("delay", delay),
		zap.NamedError("cause", cause),
	)
	return nil
}

// IsMaxRetriesExceeded reports whether err ends a task's retry budget.
func IsMaxRetriesExceeded(err error) bool {
	return errors.Is(err, ErrMaxRetriesExceeded)
}
