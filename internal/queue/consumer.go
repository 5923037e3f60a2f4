package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var errDeliveriesClosed = errors.New("delivery channel closed")

// settlement is what the consumer tells the broker about one delivery.
type settlement int

const (
	settleAck settlement = iota
	// settleDiscard drops a delivery that can never be processed.
	settleDiscard
	// settleDeadLetter routes a delivery whose handler failed to the lane DLQ.
	settleDeadLetter
)

// RabbitMQConsumer drains task lanes. Each Consume call owns one channel at a
// time and reopens it with backoff when the broker drops it.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
	now      func() time.Time
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: max(prefetch, 1),
		logger:   logger,
		now:      time.Now,
	}
}

// Consume blocks until ctx is done, handing every valid task message on queue
// to handler. Broker failures are retried and never returned.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	switch {
	case c == nil || c.client == nil:
		return fmt.Errorf("consumer is not initialized")
	case queue == "":
		return fmt.Errorf("queue name is required")
	case handler == nil:
		return fmt.Errorf("message handler is required")
	}

	logger := c.logger.With(zap.String("queue", queue))
	wait := reconnectBackoff

	for ctx.Err() == nil {
		err := c.drain(ctx, queue, handler, logger)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			wait = reconnectBackoff
			continue
		}

		logger.Warn("lane consumer lost its channel", zap.Duration("retryIn", wait), zap.Error(err))
		if !sleepCtx(ctx, wait) {
			break
		}
		wait = nextBackoff(wait)
	}

	return nil
}

// drain consumes on a fresh channel until the channel dies or ctx ends.
func (c *RabbitMQConsumer) drain(ctx context.Context, queue string, handler MessageHandler, logger *zap.Logger) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // channel may already be closed by the broker

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %q: %w", queue, err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			outcome := c.dispatch(ctx, d, handler, logger)
			if err := settle(d, outcome); err != nil {
				return err
			}
		}
	}
}

// dispatch decodes d, runs handler and decides how d is settled.
func (c *RabbitMQConsumer) dispatch(ctx context.Context, d amqp.Delivery, handler MessageHandler, logger *zap.Logger) settlement {
	msg, err := decodeDelivery(d)
	if err != nil {
		logger.Warn("discarding undecodable task message",
			zap.String("messageId", d.MessageId),
			zap.String("type", d.Type),
			zap.Error(err),
		)
		return settleDiscard
	}

	if !msg.EnqueuedAt.IsZero() {
		logger.Debug("task message received",
			zap.String("messageId", msg.ID),
			zap.String("task", msg.Task),
			zap.Bool("redelivered", d.Redelivered),
			zap.Duration("queued", c.now().Sub(msg.EnqueuedAt)),
		)
	}

	if err := handler(ctx, msg); err != nil {
		logger.Error("task handler failed, dead-lettering",
			zap.String("messageId", msg.ID),
			zap.String("task", msg.Task),
			zap.Int("retries", msg.Retries),
			zap.Error(err),
		)
		return settleDeadLetter
	}

	return settleAck
}

func decodeDelivery(d amqp.Delivery) (Message, error) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid json: %w", err)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = d.CorrelationId
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func settle(d amqp.Delivery, outcome settlement) error {
	var err error
	switch outcome {
	case settleAck:
		err = d.Ack(false)
	case settleDiscard:
		err = d.Reject(false)
	case settleDeadLetter:
		err = d.Nack(false, false)
	}
	if err != nil {
		return fmt.Errorf("failed to settle delivery %d: %w", d.DeliveryTag, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
