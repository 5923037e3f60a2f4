package service

import (
	"context"
	"testing"

	"github.com/kursadbilgin/notify-pipeline/internal/queue"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskRegistryConsumesEveryPublishedLane(t *testing.T) {
	t.Parallel()

	dispatcher := newDispatcherHarness(t, testService(), testSMSTemplate()).dispatcher
	ingestor := newIngestorHarness(t, testService(), nil).ingestor
	reconciler := newTestReconciler(t, &fakeNotificationRepo{}, &fakeComplaintRepo{}, &fakeServiceRepo{}, &fakeEnqueuer{})
	relay := newTestRelay(t, &fakeInboundRepo{}, &fakeServiceRepo{})

	registry, err := NewTaskRegistry(dispatcher, ingestor, reconciler, relay)
	require.NoError(t, err)

	consumed := make(map[string]bool)
	for _, lane := range registry.Queues() {
		consumed[lane] = true
	}

	published := []string{queue.QueueRetry, queue.QueueResearchMode}
	for _, d := range testTasks().All() {
		published = append(published, d.Queue)
	}
	for _, lane := range published {
		assert.True(t, consumed[lane], "lane %q receives tasks but is not consumed", lane)
	}
	assert.ElementsMatch(t, queue.WorkQueueNames(), registry.Queues())

	var names []string
	for _, d := range testTasks().All() {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, names, registry.Names())
}

type failingRegistrar struct{}

func (failingRegistrar) Register(r *task.Registry) error {
	return r.Register(task.Descriptor{}, func(context.Context, task.Context) error { return nil })
}

func TestNewTaskRegistryPropagatesRegistrationError(t *testing.T) {
	t.Parallel()

	_, err := NewTaskRegistry(failingRegistrar{})
	require.Error(t, err)
}
