package queue

import (
	"context"
	"fmt"
	"time"
)

// Publisher publishes task messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
	// PublishDelayed makes msg visible on queue once delay has elapsed.
	PublishDelayed(ctx context.Context, queue string, msg Message, delay time.Duration) error
	Close() error
}

// MessageHandler handles a consumed queue message. A returned error
// dead-letters the message.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer consumes task messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// Work lanes.
const (
	QueueJobs         = "job-tasks"
	QueueDatabase     = "database-tasks"
	QueueSendSMS      = "send-sms-tasks"
	QueueSendEmail    = "send-email-tasks"
	QueueResearchMode = "research-mode-tasks"
	QueueRetry        = "retry-tasks"
	QueueReceipts     = "receipt-tasks"
	QueueCallbacks    = "service-callbacks"
)

var workQueues = []string{
	QueueJobs,
	QueueDatabase,
	QueueSendSMS,
	QueueSendEmail,
	QueueResearchMode,
	QueueRetry,
	QueueReceipts,
	QueueCallbacks,
}

// WorkQueueNames returns all work lanes.
func WorkQueueNames() []string {
	queues := make([]string, len(workQueues))
	copy(queues, workQueues)
	return queues
}

// DLQName returns the dead-letter queue name for a lane, e.g. dlq.retry-tasks.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// DLQNames returns the dead-letter queues of all work lanes.
func DLQNames() []string {
	queues := make([]string, 0, len(workQueues))
	for _, name := range workQueues {
		queues = append(queues, DLQName(name))
	}
	return queues
}

// WaitQueueName returns the holding queue that releases messages into queue
// after delay, e.g. wait.retry-tasks.300000ms.
func WaitQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("wait.%s.%dms", queue, delay.Milliseconds())
}
