package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/kursadbilgin/notify-pipeline/internal/provider"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testTasks() Tasks {
	return NewTasks(RetryPolicy{
		PersistMaxRetries:  5,
		PersistDelay:       time.Minute,
		DeliverMaxRetries:  48,
		DeliverDelay:       5 * time.Minute,
		ReceiptMaxRetries:  5,
		ReceiptDelay:       time.Minute,
		CallbackMaxRetries: 5,
		CallbackDelay:      time.Minute,
	})
}

type fakeNotificationRepo struct {
	createFn                    func(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error)
	getByIDFn                   func(ctx context.Context, id string) (*domain.Notification, error)
	getByReferenceFn            func(ctx context.Context, reference string) (*domain.Notification, error)
	claimForDeliveryFn          func(ctx context.Context, id string, attempt int) (*domain.Notification, error)
	markSentFn                  func(ctx context.Context, id string, details repository.SentDetails) error
	transitionFn                func(ctx context.Context, id string, req repository.TransitionRequest) (*repository.TransitionResult, error)
	transitionByReferenceFn     func(ctx context.Context, reference string, req repository.TransitionRequest) (*repository.TransitionResult, error)
	bulkTransitionByReferenceFn func(ctx context.Context, references []string, status domain.Status, providerResponse string) ([]domain.Notification, error)
	knownReferencesFn           func(ctx context.Context, references []string) ([]string, error)
	maxJobRowNumberFn           func(ctx context.Context, jobID string) (int, bool, error)
	jobRowNumbersFn             func(ctx context.Context, jobID string) ([]int, error)
	countByJobFn                func(ctx context.Context, jobID string) (int64, error)
	timeoutPendingFn            func(ctx context.Context, olderThan time.Time, limit int) ([]domain.Notification, error)
	archiveBeforeFn             func(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

func (f *fakeNotificationRepo) Create(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
	if f.createFn != nil {
		return f.createFn(ctx, n)
	}
	return n, true, nil
}

func (f *fakeNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) GetByReference(ctx context.Context, reference string) (*domain.Notification, error) {
	if f.getByReferenceFn != nil {
		return f.getByReferenceFn(ctx, reference)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) ClaimForDelivery(ctx context.Context, id string, attempt int) (*domain.Notification, error) {
	if f.claimForDeliveryFn != nil {
		return f.claimForDeliveryFn(ctx, id, attempt)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) MarkSent(ctx context.Context, id string, details repository.SentDetails) error {
	if f.markSentFn != nil {
		return f.markSentFn(ctx, id, details)
	}
	return nil
}

func (f *fakeNotificationRepo) Transition(ctx context.Context, id string, req repository.TransitionRequest) (*repository.TransitionResult, error) {
	if f.transitionFn != nil {
		return f.transitionFn(ctx, id, req)
	}
	return &repository.TransitionResult{Notification: &domain.Notification{ID: id, Status: req.Status}, Changed: true}, nil
}

func (f *fakeNotificationRepo) TransitionByReference(ctx context.Context, reference string, req repository.TransitionRequest) (*repository.TransitionResult, error) {
	if f.transitionByReferenceFn != nil {
		return f.transitionByReferenceFn(ctx, reference, req)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) BulkTransitionByReference(ctx context.Context, references []string, status domain.Status, providerResponse string) ([]domain.Notification, error) {
	if f.bulkTransitionByReferenceFn != nil {
		return f.bulkTransitionByReferenceFn(ctx, references, status, providerResponse)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) KnownReferences(ctx context.Context, references []string) ([]string, error) {
	if f.knownReferencesFn != nil {
		return f.knownReferencesFn(ctx, references)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) MaxJobRowNumber(ctx context.Context, jobID string) (int, bool, error) {
	if f.maxJobRowNumberFn != nil {
		return f.maxJobRowNumberFn(ctx, jobID)
	}
	return 0, false, nil
}

func (f *fakeNotificationRepo) JobRowNumbers(ctx context.Context, jobID string) ([]int, error) {
	if f.jobRowNumbersFn != nil {
		return f.jobRowNumbersFn(ctx, jobID)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) CountByJob(ctx context.Context, jobID string) (int64, error) {
	if f.countByJobFn != nil {
		return f.countByJobFn(ctx, jobID)
	}
	return 0, nil
}

func (f *fakeNotificationRepo) TimeoutPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Notification, error) {
	if f.timeoutPendingFn != nil {
		return f.timeoutPendingFn(ctx, olderThan, limit)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) ArchiveBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if f.archiveBeforeFn != nil {
		return f.archiveBeforeFn(ctx, cutoff, batchSize)
	}
	return 0, nil
}

type fakeJobRepo struct {
	createFn              func(ctx context.Context, j *domain.Job) error
	getByIDFn             func(ctx context.Context, id string) (*domain.Job, error)
	claimDueScheduledFn   func(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	startProcessingFn     func(ctx context.Context, id string, decide repository.StartDecision) (*domain.Job, bool, error)
	claimForResumeFn      func(ctx context.Context, id string) (*domain.Job, error)
	markFinishedFn        func(ctx context.Context, id string) error
	forceErrorStalledFn   func(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Job, error)
	findFinishedBetweenFn func(ctx context.Context, from time.Time, to time.Time) ([]domain.Job, error)
}

func (f *fakeJobRepo) Create(ctx context.Context, j *domain.Job) error {
	if f.createFn != nil {
		return f.createFn(ctx, j)
	}
	return nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobRepo) ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if f.claimDueScheduledFn != nil {
		return f.claimDueScheduledFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeJobRepo) StartProcessing(ctx context.Context, id string, decide repository.StartDecision) (*domain.Job, bool, error) {
	if f.startProcessingFn != nil {
		return f.startProcessingFn(ctx, id, decide)
	}
	return nil, false, domain.ErrNotFound
}

func (f *fakeJobRepo) ClaimForResume(ctx context.Context, id string) (*domain.Job, error) {
	if f.claimForResumeFn != nil {
		return f.claimForResumeFn(ctx, id)
	}
	return nil, domain.ErrConflict
}

func (f *fakeJobRepo) MarkFinished(ctx context.Context, id string) error {
	if f.markFinishedFn != nil {
		return f.markFinishedFn(ctx, id)
	}
	return nil
}

func (f *fakeJobRepo) ForceErrorStalled(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Job, error) {
	if f.forceErrorStalledFn != nil {
		return f.forceErrorStalledFn(ctx, startedBefore, limit)
	}
	return nil, nil
}

func (f *fakeJobRepo) FindFinishedBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Job, error) {
	if f.findFinishedBetweenFn != nil {
		return f.findFinishedBetweenFn(ctx, from, to)
	}
	return nil, nil
}

type fakeServiceRepo struct {
	getServiceFn   func(ctx context.Context, id string) (*domain.Service, error)
	getTemplateFn  func(ctx context.Context, id string, version int) (*domain.Template, error)
	isSafelistedFn func(ctx context.Context, serviceID string, t domain.NotificationType, recipient string) (bool, error)
	smsSenderFn    func(ctx context.Context, serviceID string, senderID string) (string, error)
	emailReplyToFn func(ctx context.Context, serviceID string, replyToID string) (string, error)
	callbackAPIFn  func(ctx context.Context, serviceID string, t domain.CallbackType) (*domain.CallbackAPI, error)
	inboundAPIFn   func(ctx context.Context, serviceID string) (*domain.InboundAPI, error)
}

func (f *fakeServiceRepo) GetService(ctx context.Context, id string) (*domain.Service, error) {
	if f.getServiceFn != nil {
		return f.getServiceFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeServiceRepo) GetTemplate(ctx context.Context, id string, version int) (*domain.Template, error) {
	if f.getTemplateFn != nil {
		return f.getTemplateFn(ctx, id, version)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeServiceRepo) IsSafelisted(ctx context.Context, serviceID string, t domain.NotificationType, recipient string) (bool, error) {
	if f.isSafelistedFn != nil {
		return f.isSafelistedFn(ctx, serviceID, t, recipient)
	}
	return false, nil
}

func (f *fakeServiceRepo) SMSSender(ctx context.Context, serviceID string, senderID string) (string, error) {
	if f.smsSenderFn != nil {
		return f.smsSenderFn(ctx, serviceID, senderID)
	}
	return "", domain.ErrNotFound
}

func (f *fakeServiceRepo) EmailReplyTo(ctx context.Context, serviceID string, replyToID string) (string, error) {
	if f.emailReplyToFn != nil {
		return f.emailReplyToFn(ctx, serviceID, replyToID)
	}
	return "", domain.ErrNotFound
}

func (f *fakeServiceRepo) CallbackAPI(ctx context.Context, serviceID string, t domain.CallbackType) (*domain.CallbackAPI, error) {
	if f.callbackAPIFn != nil {
		return f.callbackAPIFn(ctx, serviceID, t)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeServiceRepo) InboundAPI(ctx context.Context, serviceID string) (*domain.InboundAPI, error) {
	if f.inboundAPIFn != nil {
		return f.inboundAPIFn(ctx, serviceID)
	}
	return nil, domain.ErrNotFound
}

type fakeComplaintRepo struct {
	createFn func(ctx context.Context, c *domain.Complaint) (*domain.Complaint, bool, error)
}

func (f *fakeComplaintRepo) Create(ctx context.Context, c *domain.Complaint) (*domain.Complaint, bool, error) {
	if f.createFn != nil {
		return f.createFn(ctx, c)
	}
	return c, true, nil
}

type fakeInboundRepo struct {
	getByIDFn func(ctx context.Context, id string) (*domain.InboundSMS, error)
}

func (f *fakeInboundRepo) Create(ctx context.Context, m *domain.InboundSMS) error { return nil }

func (f *fakeInboundRepo) GetByID(ctx context.Context, id string) (*domain.InboundSMS, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

type fakeUsage struct {
	mu         sync.Mutex
	count      int64
	countErr   error
	increments int
}

func (f *fakeUsage) Count(ctx context.Context, serviceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.countErr
}

func (f *fakeUsage) Increment(ctx context.Context, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.increments++
	return nil
}

type enqueued struct {
	task    string
	queue   string
	payload any
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueued
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, d task.Descriptor, payload any) error {
	return f.EnqueueOn(ctx, d, d.Queue, payload)
}

func (f *fakeEnqueuer) EnqueueOn(ctx context.Context, d task.Descriptor, queue string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, enqueued{task: d.Name, queue: queue, payload: payload})
	return nil
}

func (f *fakeEnqueuer) named(name string) []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []enqueued
	for _, c := range f.calls {
		if c.task == name {
			out = append(out, c)
		}
	}
	return out
}

// fakeTaskContext mirrors the task runtime's retry accounting.
type fakeTaskContext struct {
	name       string
	retries    int
	maxRetries int
	payload    any
	retried    []error
}

func (c *fakeTaskContext) ID() string   { return "task-1" }
func (c *fakeTaskContext) Name() string { return c.name }
func (c *fakeTaskContext) Retries() int { return c.retries }

func (c *fakeTaskContext) Decode(v any) error {
	raw, err := json.Marshal(c.payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (c *fakeTaskContext) Retry(ctx context.Context, cause error) error {
	if len(c.retried) > 0 {
		return task.ErrRetryScheduled
	}
	if c.retries >= c.maxRetries {
		return fmt.Errorf("%w: %w", task.ErrMaxRetriesExceeded, cause)
	}
	c.retried = append(c.retried, cause)
	return nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (f *fakeAlerter) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, msg)
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fakeSMSClient struct {
	name   string
	sendFn func(ctx context.Context, msg provider.SMS) (string, error)
	calls  int
}

func (f *fakeSMSClient) Name() string { return f.name }

func (f *fakeSMSClient) SendSMS(ctx context.Context, msg provider.SMS) (string, error) {
	f.calls++
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return "ref-" + msg.Reference, nil
}

type fakeEmailClient struct {
	name   string
	sendFn func(ctx context.Context, msg provider.Email) (string, error)
	calls  int
}

func (f *fakeEmailClient) Name() string { return f.name }

func (f *fakeEmailClient) SendEmail(ctx context.Context, msg provider.Email) (string, error) {
	f.calls++
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return "ses-" + msg.Reference, nil
}

type fakeRecipientLists struct {
	csv     string
	openErr error
}

func (f *fakeRecipientLists) Open(ctx context.Context, serviceID, jobID string) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return io.NopCloser(strings.NewReader(f.csv)), nil
}

func newTestLookups(t *testing.T, services *fakeServiceRepo) *Lookups {
	t.Helper()

	lookups, err := NewLookups(services, 16, time.Minute)
	if err != nil {
		t.Fatalf("NewLookups() error = %v", err)
	}
	return lookups
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
