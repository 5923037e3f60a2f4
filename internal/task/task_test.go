package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/queue"
	"github.com/kursadbilgin/notify-pipeline/internal/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	queue string
	msg   queue.Message
	delay time.Duration
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.Message) error {
	return p.PublishDelayed(ctx, queueName, msg, 0)
}

func (p *fakePublisher) PublishDelayed(_ context.Context, queueName string, msg queue.Message, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{queue: queueName, msg: msg, delay: delay})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (c *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if c.consumeFn != nil {
		return c.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

// memoryBroker routes published messages straight to the consumers of the
// target lane. Delayed messages are delivered at once.
type memoryBroker struct {
	mu    sync.Mutex
	lanes map[string]chan queue.Message
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{lanes: make(map[string]chan queue.Message)}
}

func (b *memoryBroker) lane(name string) chan queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.lanes[name]
	if !ok {
		ch = make(chan queue.Message, 16)
		b.lanes[name] = ch
	}
	return ch
}

func (b *memoryBroker) Publish(ctx context.Context, queueName string, msg queue.Message) error {
	return b.PublishDelayed(ctx, queueName, msg, 0)
}

func (b *memoryBroker) PublishDelayed(_ context.Context, queueName string, msg queue.Message, _ time.Duration) error {
	b.lane(queueName) <- msg
	return nil
}

func (b *memoryBroker) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	ch := b.lane(queueName)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			_ = handler(ctx, msg)
		}
	}
}

func (b *memoryBroker) Close() error { return nil }

type payload struct {
	NotificationID string `json:"notificationId"`
}

var deliverTask = Descriptor{
	Name:       "deliver-sms",
	Queue:      queue.QueueSendSMS,
	MaxRetries: 2,
	Backoff:    Backoff{Initial: 0, Interval: 5 * time.Minute},
}

func newTestClient(t *testing.T, pub *fakePublisher) *Client {
	t.Helper()

	box, err := secret.NewBox(make([]byte, 32))
	require.NoError(t, err)

	client, err := NewClient(pub, box)
	require.NoError(t, err)
	client.newID = func() string { return "task-1" }
	return client
}

func TestBackoffAfter(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: 0, Interval: 300 * time.Second}
	assert.Equal(t, time.Duration(0), b.After(0))
	assert.Equal(t, 300*time.Second, b.After(1))
	assert.Equal(t, 300*time.Second, b.After(47))
}

func TestDescriptorValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		d       Descriptor
		wantErr bool
	}{
		{name: "valid", d: deliverTask},
		{name: "missing name", d: Descriptor{Queue: "q"}, wantErr: true},
		{name: "missing queue", d: Descriptor{Name: "t"}, wantErr: true},
		{name: "negative retries", d: Descriptor{Name: "t", Queue: "q", MaxRetries: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.d.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	noop := func(context.Context, Context) error { return nil }

	require.NoError(t, r.Register(deliverTask, noop))
	assert.Error(t, r.Register(deliverTask, noop))
	assert.Error(t, r.Register(Descriptor{Name: "x", Queue: "q"}, nil))
	assert.Equal(t, []string{queue.QueueRetry, queue.QueueSendSMS}, r.Queues())
}

func TestRegistryQueuesCoverDeclaredLanes(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	assert.Equal(t, []string{queue.QueueRetry}, r.Queues())

	require.NoError(t, r.Register(deliverTask, func(context.Context, Context) error { return nil }))
	require.NoError(t, r.AddQueues(queue.QueueResearchMode, queue.QueueResearchMode))
	assert.Error(t, r.AddQueues(" "))

	assert.Equal(t, []string{queue.QueueResearchMode, queue.QueueRetry, queue.QueueSendSMS}, r.Queues())
}

func TestClientEnqueueSealsPayload(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	client := newTestClient(t, pub)

	require.NoError(t, client.Enqueue(context.Background(), deliverTask, payload{NotificationID: "n-1"}))
	require.Len(t, pub.sent, 1)

	got := pub.sent[0]
	assert.Equal(t, queue.QueueSendSMS, got.queue)
	assert.Equal(t, "deliver-sms", got.msg.Task)
	assert.Equal(t, 0, got.msg.Retries)
	assert.NotContains(t, string(got.msg.Payload), "n-1")

	var decoded payload
	require.NoError(t, client.open(got.msg.Payload, &decoded))
	assert.Equal(t, "n-1", decoded.NotificationID)
}

func TestClientEnqueueOnOverridesLane(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	client := newTestClient(t, pub)

	require.NoError(t, client.EnqueueOn(context.Background(), deliverTask, queue.QueueResearchMode, payload{}))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, queue.QueueResearchMode, pub.sent[0].queue)
}

func TestServerProcessDecodesAndSucceeds(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	client := newTestClient(t, pub)
	registry := NewRegistry()

	var got payload
	require.NoError(t, registry.Register(deliverTask, func(ctx context.Context, tc Context) error {
		assert.Equal(t, "task-1", tc.ID())
		assert.Equal(t, "deliver-sms", tc.Name())
		return tc.Decode(&got)
	}))

	server, err := NewServer(registry, &fakeConsumer{}, client, nil, 1, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, client.Enqueue(context.Background(), deliverTask, payload{NotificationID: "n-7"}))
	require.NoError(t, server.process(context.Background(), queue.QueueSendSMS, pub.sent[0].msg))
	assert.Equal(t, "n-7", got.NotificationID)
}

func TestServerPropagatesCorrelationToFollowUps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		parent queue.Message
		want   string
	}{
		{
			name:   "inherits request correlation",
			parent: queue.Message{ID: "m-1", Task: deliverTask.Name, Payload: []byte("x"), CorrelationID: "req-1"},
			want:   "req-1",
		},
		{
			name:   "falls back to parent id",
			parent: queue.Message{ID: "m-2", Task: deliverTask.Name, Payload: []byte("x")},
			want:   "m-2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pub := &fakePublisher{}
			client := newTestClient(t, pub)
			registry := NewRegistry()
			followUp := Descriptor{Name: "send-delivery-status", Queue: queue.QueueCallbacks}
			require.NoError(t, registry.Register(deliverTask, func(ctx context.Context, tc Context) error {
				return client.Enqueue(ctx, followUp, payload{NotificationID: "n-1"})
			}))

			server, err := NewServer(registry, &fakeConsumer{}, client, nil, 1, zap.NewNop())
			require.NoError(t, err)

			require.NoError(t, server.process(context.Background(), queue.QueueSendSMS, tt.parent))
			require.Len(t, pub.sent, 1)
			assert.Equal(t, tt.want, pub.sent[0].msg.CorrelationID)
		})
	}
}

func TestClientEnqueueWithoutCorrelation(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	client := newTestClient(t, pub)

	require.NoError(t, client.Enqueue(context.Background(), deliverTask, payload{}))
	require.Len(t, pub.sent, 1)
	assert.Empty(t, pub.sent[0].msg.CorrelationID)
	assert.Equal(t, "task-1", pub.sent[0].msg.Correlation())
}

func TestServerRetryRepublishesToRetryLane(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	client := newTestClient(t, pub)
	registry := NewRegistry()
	require.NoError(t, registry.Register(deliverTask, func(ctx context.Context, tc Context) error {
		if err := tc.Retry(ctx, errors.New("provider down")); err != nil {
			return err
		}
		assert.ErrorIs(t, tc.Retry(ctx, nil), ErrRetryScheduled)
		return nil
	}))

	server, err := NewServer(registry, &fakeConsumer{}, client, nil, 1, zap.NewNop())
	require.NoError(t, err)

	msg := queue.Message{ID: "m-1", Task: deliverTask.Name, Payload: []byte("sealed")}
	require.NoError(t, server.process(context.Background(), queue.QueueSendSMS, msg))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, queue.QueueRetry, pub.sent[0].queue)
	assert.Equal(t, 1, pub.sent[0].msg.Retries)
	assert.Equal(t, time.Duration(0), pub.sent[0].delay)
	assert.Equal(t, "m-1", pub.sent[0].msg.ID)

	msg.Retries = 1
	require.NoError(t, server.process(context.Background(), queue.QueueRetry, msg))
	require.Len(t, pub.sent, 2)
	assert.Equal(t, 2, pub.sent[1].msg.Retries)
	assert.Equal(t, 5*time.Minute, pub.sent[1].delay)
}

func TestServerRetryRoundTripThroughRetryLane(t *testing.T) {
	t.Parallel()

	broker := newMemoryBroker()
	box, err := secret.NewBox(make([]byte, 32))
	require.NoError(t, err)
	client, err := NewClient(broker, box)
	require.NoError(t, err)

	attempts := make(chan int, 4)
	registry := NewRegistry()
	require.NoError(t, registry.Register(deliverTask, func(ctx context.Context, tc Context) error {
		attempts <- tc.Retries()
		if tc.Retries() == 0 {
			return tc.Retry(ctx, errors.New("provider down"))
		}
		return nil
	}))

	server, err := NewServer(registry, broker, client, registry.Queues(), 1, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	require.NoError(t, client.Enqueue(ctx, deliverTask, payload{NotificationID: "n-1"}))

	for _, want := range []int{0, 1} {
		select {
		case got := <-attempts:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt with %d retries never ran", want)
		}
	}

	cancel()
	require.NoError(t, <-done)
}

func TestServerRetryExhaustion(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	client := newTestClient(t, pub)
	registry := NewRegistry()

	cause := errors.New("throttled")
	var retryErr error
	require.NoError(t, registry.Register(deliverTask, func(ctx context.Context, tc Context) error {
		retryErr = tc.Retry(ctx, cause)
		return nil
	}))

	server, err := NewServer(registry, &fakeConsumer{}, client, nil, 1, zap.NewNop())
	require.NoError(t, err)

	msg := queue.Message{ID: "m-1", Task: deliverTask.Name, Retries: deliverTask.MaxRetries, Payload: []byte("x")}
	require.NoError(t, server.process(context.Background(), queue.QueueRetry, msg))

	assert.True(t, IsMaxRetriesExceeded(retryErr))
	assert.ErrorIs(t, retryErr, cause)
	assert.Empty(t, pub.sent)
}

func TestServerProcessUnknownTask(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakePublisher{})
	server, err := NewServer(NewRegistry(), &fakeConsumer{}, client, nil, 1, zap.NewNop())
	require.NoError(t, err)

	err = server.process(context.Background(), queue.QueueJobs, queue.Message{ID: "m", Task: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestServerProcessReturnsHandlerError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakePublisher{})
	registry := NewRegistry()
	require.NoError(t, registry.Register(deliverTask, func(context.Context, Context) error {
		return errors.New("boom")
	}))

	server, err := NewServer(registry, &fakeConsumer{}, client, nil, 1, zap.NewNop())
	require.NoError(t, err)

	err = server.process(context.Background(), queue.QueueSendSMS, queue.Message{ID: "m", Task: deliverTask.Name})
	assert.EqualError(t, err, "boom")
}

func TestServerStartConsumesEveryLane(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	lanes := make(map[string]int)
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			mu.Lock()
			lanes[queueName]++
			mu.Unlock()
			return nil
		},
	}

	client := newTestClient(t, &fakePublisher{})
	server, err := NewServer(NewRegistry(), consumer, client, nil, 2, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, server.Start(context.Background()))
	for _, name := range queue.WorkQueueNames() {
		assert.Equal(t, 2, lanes[name], name)
	}
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakePublisher{})

	_, err := NewServer(nil, &fakeConsumer{}, client, nil, 1, nil)
	assert.Error(t, err)
	_, err = NewServer(NewRegistry(), nil, client, nil, 1, nil)
	assert.Error(t, err)
	_, err = NewServer(NewRegistry(), &fakeConsumer{}, nil, nil, 1, nil)
	assert.Error(t, err)
}
