package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg Message) error {
	return p.publish(ctx, queue, msg, 0)
}

func (p *RabbitMQPublisher) PublishDelayed(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	return p.publish(ctx, queue, msg, delay)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid task message: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal task message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	target := queue
	if delay > 0 {
		target = WaitQueueName(queue, delay)
		if err := declareWaitQueue(ch, queue, delay); err != nil {
			return err
		}
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     p.now().UTC(),
		MessageId:     msg.ID,
		CorrelationId: msg.Correlation(),
		Type:          msg.Task,
		Body:          body,
	}

	if err := ch.PublishWithContext(ctx, "", target, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", target, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
