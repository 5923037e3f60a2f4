package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"go.uber.org/zap"
)

type fakeLogEvents struct {
	mu     sync.Mutex
	events map[string][]string
	err    error
	inputs []cloudwatchlogs.FilterLogEventsInput
}

func (f *fakeLogEvents) FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inputs = append(f.inputs, *params)
	if f.err != nil {
		return nil, f.err
	}

	out := &cloudwatchlogs.FilterLogEventsOutput{}
	for _, message := range f.events[awssdk.ToString(params.LogGroupName)] {
		out.Events = append(out.Events, types.FilteredLogEvent{
			Message:   awssdk.String(message),
			Timestamp: awssdk.Int64(testNow.Add(-time.Minute).UnixMilli()),
		})
	}
	return out, nil
}

func deliveryLog(reference, status, response string, at time.Time) string {
	return fmt.Sprintf(
		`{"notification":{"messageId":%q,"timestamp":%q},"delivery":{"providerResponse":%q,"phoneCarrier":"Vodafone"},"status":%q}`,
		reference, at.Format("2006-01-02 15:04:05.000"), response, status,
	)
}

func newTestPoller(t *testing.T, api LogEventsAPI, notifications *fakeNotificationRepo, services *fakeServiceRepo, enqueuer *fakeEnqueuer, batchSize int) *ReceiptPoller {
	t.Helper()

	reconciler := newTestReconciler(t, notifications, &fakeComplaintRepo{}, services, enqueuer)
	poller, err := NewReceiptPoller(api, notifications, reconciler, enqueuer, testTasks(), ReceiptPollerConfig{
		SuccessLogGroup: "sns/success",
		FailureLogGroup: "sns/failure",
		Window:          5 * time.Minute,
		Overlap:         time.Minute,
		BatchSize:       batchSize,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewReceiptPoller() error = %v", err)
	}
	poller.now = func() time.Time { return testNow }
	return poller
}

func TestNewReceiptPollerValidation(t *testing.T) {
	t.Parallel()

	reconciler := newTestReconciler(t, &fakeNotificationRepo{}, &fakeComplaintRepo{}, &fakeServiceRepo{}, &fakeEnqueuer{})
	cfg := ReceiptPollerConfig{SuccessLogGroup: "a", FailureLogGroup: "b"}

	if _, err := NewReceiptPoller(nil, &fakeNotificationRepo{}, reconciler, &fakeEnqueuer{}, testTasks(), cfg, nil); err == nil {
		t.Fatal("expected error when log events api is nil")
	}
	if _, err := NewReceiptPoller(&fakeLogEvents{}, &fakeNotificationRepo{}, nil, &fakeEnqueuer{}, testTasks(), cfg, nil); err == nil {
		t.Fatal("expected error when reconciler is nil")
	}
	if _, err := NewReceiptPoller(&fakeLogEvents{}, &fakeNotificationRepo{}, reconciler, &fakeEnqueuer{}, testTasks(), ReceiptPollerConfig{}, nil); err == nil {
		t.Fatal("expected error when log groups are missing")
	}
}

func TestClassifySMSOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   string
		response string
		want     domain.Status
	}{
		{status: "SUCCESS", response: "Message has been accepted by phone", want: domain.StatusDelivered},
		{status: "success", response: "", want: domain.StatusDelivered},
		{status: "FAILURE", response: "Invalid phone number", want: domain.StatusPermanentFailure},
		{status: "FAILURE", response: "Phone is currently unreachable/unavailable", want: domain.StatusTemporaryFailure},
		{status: "FAILURE", response: "The phone number is opted out", want: domain.StatusPermanentFailure},
		{status: "FAILURE", response: "Phone carrier has blocked this message", want: domain.StatusPermanentFailure},
		{status: "FAILURE", response: "", want: domain.StatusTemporaryFailure},
	}

	for _, tt := range tests {
		if got := classifySMSOutcome(tt.status, tt.response); got != tt.want {
			t.Errorf("classifySMSOutcome(%q, %q) = %s, want %s", tt.status, tt.response, got, tt.want)
		}
	}
}

func TestReceiptPollerPollGroupsByOutcome(t *testing.T) {
	t.Parallel()

	at := testNow.Add(-2 * time.Minute)
	api := &fakeLogEvents{events: map[string][]string{
		"sns/success": {
			deliveryLog("ref-1", "SUCCESS", "Message has been accepted by phone", at),
			deliveryLog("ref-2", "SUCCESS", "Message has been accepted by phone", at),
			"not json",
		},
		"sns/failure": {
			deliveryLog("ref-3", "FAILURE", "Invalid phone number", at),
		},
	}}

	var (
		mu    sync.Mutex
		calls = map[domain.Status][]string{}
	)
	notifications := &fakeNotificationRepo{
		bulkTransitionByReferenceFn: func(ctx context.Context, references []string, status domain.Status, providerResponse string) ([]domain.Notification, error) {
			mu.Lock()
			defer mu.Unlock()
			calls[status] = append(calls[status], references...)

			rows := make([]domain.Notification, 0, len(references))
			for _, ref := range references {
				rows = append(rows, domain.Notification{ID: "n-" + ref, ServiceID: "svc-1", Reference: &ref, Status: status, Type: domain.TypeSMS})
			}
			return rows, nil
		},
	}
	enqueuer := &fakeEnqueuer{}
	poller := newTestPoller(t, api, notifications, &fakeServiceRepo{callbackAPIFn: statusCallbackAPI}, enqueuer, 500)

	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	delivered := calls[domain.StatusDelivered]
	sort.Strings(delivered)
	if len(delivered) != 2 || delivered[0] != "ref-1" || delivered[1] != "ref-2" {
		t.Fatalf("delivered refs = %v, want [ref-1 ref-2]", delivered)
	}
	if failed := calls[domain.StatusPermanentFailure]; len(failed) != 1 || failed[0] != "ref-3" {
		t.Fatalf("permanent failure refs = %v, want [ref-3]", failed)
	}
	if got := len(enqueuer.named(TaskSendDeliveryStatus)); got != 3 {
		t.Fatalf("status callbacks = %d, want 3", got)
	}
	if got := len(enqueuer.named(TaskUpdateStatus)); got != 0 {
		t.Fatalf("deferred receipts = %d, want 0", got)
	}

	if len(api.inputs) != 2 {
		t.Fatalf("filter calls = %d, want 2", len(api.inputs))
	}
	wantStart := testNow.Add(-6 * time.Minute).UnixMilli()
	if got := awssdk.ToInt64(api.inputs[0].StartTime); got != wantStart {
		t.Fatalf("start time = %d, want %d", got, wantStart)
	}
}

func TestReceiptPollerPollSplitsBatches(t *testing.T) {
	t.Parallel()

	at := testNow.Add(-time.Minute)
	var events []string
	for i := 0; i < 5; i++ {
		events = append(events, deliveryLog(fmt.Sprintf("ref-%d", i), "SUCCESS", "ok", at))
	}
	api := &fakeLogEvents{events: map[string][]string{"sns/success": events}}

	var sizes []int
	notifications := &fakeNotificationRepo{
		bulkTransitionByReferenceFn: func(ctx context.Context, references []string, status domain.Status, providerResponse string) ([]domain.Notification, error) {
			sizes = append(sizes, len(references))
			rows := make([]domain.Notification, 0, len(references))
			for _, ref := range references {
				rows = append(rows, domain.Notification{ID: "n-" + ref, ServiceID: "svc-1", Reference: &ref, Status: status})
			}
			return rows, nil
		},
	}
	poller := newTestPoller(t, api, notifications, &fakeServiceRepo{}, &fakeEnqueuer{}, 2)

	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Fatalf("batch sizes = %v, want [2 2 1]", sizes)
	}
}

func TestReceiptPollerDefersUnmatchedInsideGraceWindow(t *testing.T) {
	t.Parallel()

	api := &fakeLogEvents{events: map[string][]string{
		"sns/success": {
			deliveryLog("fresh", "SUCCESS", "ok", testNow.Add(-time.Minute)),
			deliveryLog("stale", "SUCCESS", "ok", testNow.Add(-time.Hour)),
		},
	}}
	notifications := &fakeNotificationRepo{
		bulkTransitionByReferenceFn: func(ctx context.Context, references []string, status domain.Status, providerResponse string) ([]domain.Notification, error) {
			return nil, nil
		},
	}
	enqueuer := &fakeEnqueuer{}
	poller := newTestPoller(t, api, notifications, &fakeServiceRepo{}, enqueuer, 500)

	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	deferred := enqueuer.named(TaskUpdateStatus)
	if len(deferred) != 1 {
		t.Fatalf("deferred receipts = %d, want 1", len(deferred))
	}
	payload := deferred[0].payload.(StatusUpdatePayload)
	if payload.Reference != "fresh" || payload.Status != domain.StatusDelivered {
		t.Fatalf("deferred payload = %+v", payload)
	}
}

func TestReceiptPollerPollReadError(t *testing.T) {
	t.Parallel()

	api := &fakeLogEvents{err: errors.New("throttled")}
	poller := newTestPoller(t, api, &fakeNotificationRepo{}, &fakeServiceRepo{}, &fakeEnqueuer{}, 500)

	if err := poller.Poll(context.Background()); err == nil {
		t.Fatal("expected Poll() error")
	}
}

func TestReceiptPollerSkipsSettledReferencesWhenDeferring(t *testing.T) {
	t.Parallel()

	api := &fakeLogEvents{events: map[string][]string{
		"sns/failure": {
			deliveryLog("closed", "FAILURE", "Phone is switched off", testNow.Add(-time.Minute)),
			deliveryLog("suppressed", "FAILURE", "Phone is switched off", testNow.Add(-time.Minute)),
			deliveryLog("early", "FAILURE", "Phone is switched off", testNow.Add(-time.Minute)),
		},
	}}
	var looked []string
	notifications := &fakeNotificationRepo{
		knownReferencesFn: func(ctx context.Context, references []string) ([]string, error) {
			looked = append(looked, references...)
			return []string{"closed", "suppressed"}, nil
		},
	}
	enqueuer := &fakeEnqueuer{}
	poller := newTestPoller(t, api, notifications, &fakeServiceRepo{}, enqueuer, 500)

	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	sort.Strings(looked)
	if len(looked) != 3 || looked[0] != "closed" || looked[1] != "early" || looked[2] != "suppressed" {
		t.Fatalf("looked up references = %v", looked)
	}
	deferred := enqueuer.named(TaskUpdateStatus)
	if len(deferred) != 1 {
		t.Fatalf("deferred receipts = %d, want 1", len(deferred))
	}
	if payload := deferred[0].payload.(StatusUpdatePayload); payload.Reference != "early" {
		t.Fatalf("deferred reference = %s, want early", payload.Reference)
	}
}

func TestReceiptPollerDefersAllWhenLookupFails(t *testing.T) {
	t.Parallel()

	api := &fakeLogEvents{events: map[string][]string{
		"sns/success": {
			deliveryLog("a", "SUCCESS", "ok", testNow.Add(-time.Minute)),
			deliveryLog("b", "SUCCESS", "ok", testNow.Add(-time.Minute)),
		},
	}}
	notifications := &fakeNotificationRepo{
		knownReferencesFn: func(ctx context.Context, references []string) ([]string, error) {
			return nil, errors.New("connection reset")
		},
	}
	enqueuer := &fakeEnqueuer{}
	poller := newTestPoller(t, api, notifications, &fakeServiceRepo{}, enqueuer, 500)

	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if deferred := enqueuer.named(TaskUpdateStatus); len(deferred) != 2 {
		t.Fatalf("deferred receipts = %d, want 2", len(deferred))
	}
}
