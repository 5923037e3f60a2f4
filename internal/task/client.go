package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/queue"
	"github.com/kursadbilgin/notify-pipeline/internal/secret"
)

var _ Enqueuer = (*Client)(nil)

// Client seals payloads and publishes task messages.
type Client struct {
	publisher queue.Publisher
	box       *secret.Box
	newID     func() string
	now       func() time.Time
}

func NewClient(publisher queue.Publisher, box *secret.Box) (*Client, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if box == nil {
		return nil, fmt.Errorf("secret box is required")
	}

	return &Client{
		publisher: publisher,
		box:       box,
		newID:     uuid.NewString,
		now:       time.Now,
	}, nil
}

func (c *Client) Enqueue(ctx context.Context, d Descriptor, payload any) error {
	return c.EnqueueOn(ctx, d, d.Queue, payload)
}

func (c *Client) EnqueueOn(ctx context.Context, d Descriptor, queueName string, payload any) error {
	sealed, err := c.box.SealJSON(payload)
	if err != nil {
		return fmt.Errorf("failed to seal %s payload: %w", d.Name, err)
	}

	msg := queue.Message{
		ID:         c.newID(),
		Task:       d.Name,
		Payload:    sealed,
		EnqueuedAt: c.now().UTC(),
	}
	// Follow-up tasks inherit the correlation id of the task or request
	// that enqueued them.
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = correlationID
	}

	if err := c.publisher.Publish(ctx, queueName, msg); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", d.Name, err)
	}
	return nil
}

// requeue publishes the next execution of msg onto the retry lane.
func (c *Client) requeue(ctx context.Context, msg queue.Message, delay time.Duration) error {
	next := msg
	next.Retries++
	next.EnqueuedAt = c.now().UTC()

	if delay <= 0 {
		return c.publisher.Publish(ctx, queue.QueueRetry, next)
	}
	return c.publisher.PublishDelayed(ctx, queue.QueueRetry, next, delay)
}

func (c *Client) open(sealed []byte, v any) error {
	return c.box.OpenJSON(sealed, v)
}
