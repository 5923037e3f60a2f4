package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-pipeline/internal/queue"
	"github.com/kursadbilgin/notify-pipeline/internal/service"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"github.com/kursadbilgin/notify-pipeline/internal/transport"
	"github.com/kursadbilgin/notify-pipeline/internal/webhook"
	"go.uber.org/zap"
)

var processSESResult = task.Descriptor{
	Name:       service.TaskProcessSESResult,
	Queue:      queue.QueueReceipts,
	MaxRetries: 5,
}

func TestNewReceiptHandlerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewReceiptHandler(nil, &stubConfirmer{}, &stubEnqueuer{}, processSESResult, nil); err == nil {
		t.Fatal("expected error when verifier is nil")
	}
	if _, err := NewReceiptHandler(&stubVerifier{}, nil, &stubEnqueuer{}, processSESResult, nil); err == nil {
		t.Fatal("expected error when confirmer is nil")
	}
	if _, err := NewReceiptHandler(&stubVerifier{}, &stubConfirmer{}, nil, processSESResult, nil); err == nil {
		t.Fatal("expected error when enqueuer is nil")
	}
	if _, err := NewReceiptHandler(&stubVerifier{}, &stubConfirmer{}, &stubEnqueuer{}, task.Descriptor{}, nil); err == nil {
		t.Fatal("expected error when task descriptor is invalid")
	}
}

func TestReceiptHandlerQueuesNotification(t *testing.T) {
	t.Parallel()

	enqueuer := &stubEnqueuer{}
	app := newReceiptTestApp(t, &stubVerifier{}, &stubConfirmer{}, enqueuer)

	inner := `{"notificationType":"Delivery","mail":{"messageId":"ses-1"}}`
	body := snsEnvelope(webhook.KindNotification, map[string]any{
		"Message":   inner,
		"Timestamp": "2026-03-01T12:00:00.000Z",
	})

	resp, respBody := performReceipt(t, app, webhook.KindNotification, body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	assertResult(t, respBody, resultSuccess)

	if len(enqueuer.calls) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(enqueuer.calls))
	}
	call := enqueuer.calls[0]
	if call.task != service.TaskProcessSESResult {
		t.Fatalf("task = %s, want %s", call.task, service.TaskProcessSESResult)
	}
	payload := call.payload.(service.SESResultPayload)
	if payload.Message != inner {
		t.Fatalf("message = %q, want %q", payload.Message, inner)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !payload.ReceivedAt.Equal(want) {
		t.Fatalf("received at = %v, want %v", payload.ReceivedAt, want)
	}
}

func TestReceiptHandlerAcceptsEmbeddedMessageObject(t *testing.T) {
	t.Parallel()

	enqueuer := &stubEnqueuer{}
	app := newReceiptTestApp(t, &stubVerifier{}, &stubConfirmer{}, enqueuer)

	body := snsEnvelope(webhook.KindNotification, map[string]any{
		"Message": map[string]any{"notificationType": "Bounce"},
	})

	resp, respBody := performReceipt(t, app, webhook.KindNotification, body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	if len(enqueuer.calls) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(enqueuer.calls))
	}
}

func TestReceiptHandlerRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		kind     string
		body     string
		verifyFn func(ctx context.Context, msg *webhook.Message) error
	}{
		{
			name: "unknown message type",
			kind: "Surprise",
			body: snsEnvelope(webhook.KindNotification, nil),
		},
		{
			name: "missing message type",
			kind: "",
			body: snsEnvelope(webhook.KindNotification, nil),
		},
		{
			name: "malformed body",
			kind: webhook.KindNotification,
			body: `{"Type":`,
		},
		{
			name: "header and body disagree",
			kind: webhook.KindNotification,
			body: snsEnvelope(webhook.KindSubscriptionConfirmation, nil),
		},
		{
			name: "signature rejected",
			kind: webhook.KindNotification,
			body: snsEnvelope(webhook.KindNotification, nil),
			verifyFn: func(ctx context.Context, msg *webhook.Message) error {
				return webhook.ErrInvalidSignature
			},
		},
		{
			name: "topic not allowed",
			kind: webhook.KindNotification,
			body: snsEnvelope(webhook.KindNotification, nil),
			verifyFn: func(ctx context.Context, msg *webhook.Message) error {
				return webhook.ErrTopicNotAllowed
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			enqueuer := &stubEnqueuer{}
			app := newReceiptTestApp(t, &stubVerifier{verifyFn: tt.verifyFn}, &stubConfirmer{}, enqueuer)

			resp, respBody := performReceipt(t, app, tt.kind, tt.body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(respBody))
			}
			assertResult(t, respBody, resultError)
			if len(enqueuer.calls) != 0 {
				t.Fatalf("enqueued = %d, want 0", len(enqueuer.calls))
			}
		})
	}
}

func TestReceiptHandlerConfirmsSubscription(t *testing.T) {
	t.Parallel()

	confirmer := &stubConfirmer{}
	enqueuer := &stubEnqueuer{}
	app := newReceiptTestApp(t, &stubVerifier{}, confirmer, enqueuer)

	subscribeURL := "https://sns.eu-west-2.amazonaws.com/?Action=ConfirmSubscription&Token=abc"
	body := snsEnvelope(webhook.KindSubscriptionConfirmation, map[string]any{
		"SubscribeUrl": subscribeURL,
		"Token":        "abc",
	})

	resp, respBody := performReceipt(t, app, webhook.KindSubscriptionConfirmation, body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	if len(confirmer.urls) != 1 || confirmer.urls[0] != subscribeURL {
		t.Fatalf("confirmed = %v, want [%s]", confirmer.urls, subscribeURL)
	}
	if len(enqueuer.calls) != 0 {
		t.Fatalf("enqueued = %d, want 0", len(enqueuer.calls))
	}
}

func TestReceiptHandlerRejectsForeignSubscribeURL(t *testing.T) {
	t.Parallel()

	confirmer := &stubConfirmer{}
	verifier := &stubVerifier{
		checkURLFn: func(raw string) error { return errors.New("host not allowed") },
	}
	app := newReceiptTestApp(t, verifier, confirmer, &stubEnqueuer{})

	body := snsEnvelope(webhook.KindSubscriptionConfirmation, map[string]any{
		"SubscribeURL": "https://attacker.example.com/confirm",
	})

	resp, _ := performReceipt(t, app, webhook.KindSubscriptionConfirmation, body)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(confirmer.urls) != 0 {
		t.Fatalf("confirmed = %v, want none", confirmer.urls)
	}
}

func TestReceiptHandlerEnqueueFailure(t *testing.T) {
	t.Parallel()

	app := newReceiptTestApp(t, &stubVerifier{}, &stubConfirmer{}, &stubEnqueuer{err: errors.New("broker down")})

	resp, _ := performReceipt(t, app, webhook.KindNotification, snsEnvelope(webhook.KindNotification, nil))
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		path   string
		checks map[string]ReadinessCheck
		want   int
	}{
		{
			name: "livez",
			path: "/livez",
			want: fiber.StatusOK,
		},
		{
			name: "readyz healthy",
			path: "/readyz",
			checks: map[string]ReadinessCheck{
				"postgres": func(ctx context.Context) error { return nil },
				"redis":    func(ctx context.Context) error { return nil },
			},
			want: fiber.StatusOK,
		},
		{
			name: "readyz degraded",
			path: "/readyz",
			checks: map[string]ReadinessCheck{
				"postgres": func(ctx context.Context) error { return nil },
				"redis":    func(ctx context.Context) error { return errors.New("redis down") },
			},
			want: fiber.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
			RegisterHealthRoutes(app, tt.checks)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func newReceiptTestApp(t *testing.T, verifier MessageVerifier, confirmer SubscriptionConfirmer, enqueuer task.Enqueuer) *fiber.App {
	t.Helper()

	h, err := NewReceiptHandler(verifier, confirmer, enqueuer, processSESResult, zap.NewNop())
	if err != nil {
		t.Fatalf("NewReceiptHandler() error = %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	RegisterReceiptRoutes(app, h)
	return app
}

func snsEnvelope(kind string, overrides map[string]any) string {
	envelope := map[string]any{
		"Type":             kind,
		"MessageId":        "sns-msg-1",
		"TopicArn":         "arn:aws:sns:eu-west-2:123456789012:ses-receipts",
		"Message":          `{"notificationType":"Delivery"}`,
		"Timestamp":        "2026-03-01T12:00:00.000Z",
		"SignatureVersion": "1",
		"Signature":        "c2lnbmF0dXJl",
		"SigningCertURL":   "https://sns.eu-west-2.amazonaws.com/SimpleNotificationService-abc.pem",
	}
	for k, v := range overrides {
		envelope[k] = v
	}
	raw, _ := json.Marshal(envelope)
	return string(raw)
}

func performReceipt(t *testing.T, app *fiber.App, kind string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/notifications/email/ses", bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMETextPlain)
	if kind != "" {
		req.Header.Set(webhook.HeaderMessageType, kind)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

func assertResult(t *testing.T, body []byte, want string) {
	t.Helper()

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["result"] != want {
		t.Fatalf("result = %v, want %s", parsed["result"], want)
	}
	if _, ok := parsed["message"].(string); !ok {
		t.Fatalf("message missing from %s", string(body))
	}
}

type stubVerifier struct {
	verifyFn   func(ctx context.Context, msg *webhook.Message) error
	checkURLFn func(raw string) error
}

func (s *stubVerifier) Verify(ctx context.Context, msg *webhook.Message) error {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, msg)
	}
	return nil
}

func (s *stubVerifier) CheckURL(raw string) error {
	if s.checkURLFn != nil {
		return s.checkURLFn(raw)
	}
	return nil
}

type stubConfirmer struct {
	mu   sync.Mutex
	urls []string
}

func (s *stubConfirmer) Confirm(ctx context.Context, subscribeURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, subscribeURL)
	return nil
}

type enqueuedTask struct {
	task    string
	queue   string
	payload any
}

type stubEnqueuer struct {
	mu    sync.Mutex
	calls []enqueuedTask
	err   error
}

func (s *stubEnqueuer) Enqueue(ctx context.Context, d task.Descriptor, payload any) error {
	return s.EnqueueOn(ctx, d, d.Queue, payload)
}

func (s *stubEnqueuer) EnqueueOn(ctx context.Context, d task.Descriptor, queueName string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, enqueuedTask{task: d.Name, queue: queueName, payload: payload})
	return nil
}
