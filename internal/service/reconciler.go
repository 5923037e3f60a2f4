package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"go.uber.org/zap"
)

const defaultGraceWindow = 5 * time.Minute

// SES event notification types.
const (
	sesDelivery  = "Delivery"
	sesBounce    = "Bounce"
	sesComplaint = "Complaint"
)

type sesEvent struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID string    `json:"messageId"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"mail"`
	Bounce *struct {
		BounceType    string    `json:"bounceType"`
		BounceSubType string    `json:"bounceSubType"`
		Timestamp     time.Time `json:"timestamp"`
	} `json:"bounce"`
	Complaint *struct {
		FeedbackID            string    `json:"feedbackId"`
		ComplaintFeedbackType string    `json:"complaintFeedbackType"`
		Timestamp             time.Time `json:"timestamp"`
	} `json:"complaint"`
}

func (e sesEvent) kind() string {
	if e.NotificationType != "" {
		return e.NotificationType
	}
	return e.EventType
}

// Reconciler folds provider receipts into notification status and queues the
// resulting customer callbacks.
type Reconciler struct {
	notifications repository.NotificationRepository
	complaints    repository.ComplaintRepository
	services      repository.ServiceRepository
	enqueuer      task.Enqueuer
	tasks         Tasks
	graceWindow   time.Duration
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewReconciler(
	notifications repository.NotificationRepository,
	complaints repository.ComplaintRepository,
	services repository.ServiceRepository,
	enqueuer task.Enqueuer,
	tasks Tasks,
	graceWindow time.Duration,
	logger *zap.Logger,
) (*Reconciler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if complaints == nil {
		return nil, fmt.Errorf("complaint repository is required")
	}
	if services == nil {
		return nil, fmt.Errorf("service repository is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("task enqueuer is required")
	}
	if graceWindow <= 0 {
		graceWindow = defaultGraceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		notifications: notifications,
		complaints:    complaints,
		services:      services,
		enqueuer:      enqueuer,
		tasks:         tasks,
		graceWindow:   graceWindow,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Register binds the receipt tasks.
func (r *Reconciler) Register(reg *task.Registry) error {
	if err := reg.Register(r.tasks.ProcessSESResult, func(ctx context.Context, tc task.Context) error {
		var p SESResultPayload
		if err := decode(tc, &p); err != nil {
			return err
		}
		return r.ProcessSESResult(ctx, tc, p)
	}); err != nil {
		return err
	}

	return reg.Register(r.tasks.UpdateStatus, func(ctx context.Context, tc task.Context) error {
		var p StatusUpdatePayload
		if err := decode(tc, &p); err != nil {
			return err
		}
		return r.UpdateByReference(ctx, tc, p)
	})
}

// ProcessSESResult applies one SES event notification.
func (r *Reconciler) ProcessSESResult(ctx context.Context, tc task.Context, p SESResultPayload) error {
	var event sesEvent
	if err := json.Unmarshal([]byte(p.Message), &event); err != nil {
		return fmt.Errorf("%w: malformed SES event: %v", domain.ErrValidation, err)
	}
	if event.Mail.MessageID == "" {
		return fmt.Errorf("%w: SES event has no message id", domain.ErrValidation)
	}

	timestamp := event.Mail.Timestamp
	if timestamp.IsZero() {
		timestamp = p.ReceivedAt
	}

	switch event.kind() {
	case sesComplaint:
		return r.handleComplaint(ctx, tc, event, timestamp)
	case sesDelivery:
		return r.UpdateByReference(ctx, tc, StatusUpdatePayload{
			Reference: event.Mail.MessageID,
			Status:    domain.StatusDelivered,
			Timestamp: timestamp,
		})
	case sesBounce:
		status := domain.StatusTemporaryFailure
		if event.Bounce != nil && strings.EqualFold(event.Bounce.BounceType, "Permanent") {
			status = domain.StatusPermanentFailure
		}
		return r.UpdateByReference(ctx, tc, StatusUpdatePayload{
			Reference: event.Mail.MessageID,
			Status:    status,
			Timestamp: timestamp,
		})
	}

	r.logger.Warn("ignoring unsupported SES event",
		zap.String("eventType", event.kind()),
		zap.String("reference", event.Mail.MessageID),
	)
	return nil
}

// UpdateByReference applies a receipt outcome to the notification holding the
// provider reference. Receipts for notifications that are not visible yet are
// retried while inside the grace window and dropped after it.
func (r *Reconciler) UpdateByReference(ctx context.Context, tc task.Context, p StatusUpdatePayload) error {
	logger := observability.WithContextLogger(r.logger, ctx).With(
		zap.String("reference", p.Reference),
		zap.String("status", p.Status.String()),
	)

	req := repository.TransitionRequest{Status: p.Status}
	if p.ProviderResponse != "" {
		req.ProviderResponse = &p.ProviderResponse
	}
	if p.Carrier != "" {
		req.Carrier = &p.Carrier
	}

	result, err := r.notifications.TransitionByReference(ctx, p.Reference, req)
	if errors.Is(err, domain.ErrNotFound) {
		return r.notFound(ctx, tc, logger, p.Timestamp)
	}
	if err != nil {
		return r.retry(ctx, tc, logger, err)
	}

	if !result.Changed || result.Notification == nil {
		r.metrics.IncDuplicateStatusUpdate()
		return nil
	}

	n := *result.Notification
	r.metrics.IncStatusUpdate(n.Type.String(), n.Status.String())
	logger.Info("notification status updated",
		zap.String("notificationId", n.ID),
		zap.String("previousStatus", result.Previous.String()),
		zap.String("reason", string(result.Reason)),
	)

	if n.Status.IsTerminal() {
		if err := r.RelayTerminal(ctx, []domain.Notification{n}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) notFound(ctx context.Context, tc task.Context, logger *zap.Logger, receivedAt time.Time) error {
	age := r.now().Sub(receivedAt)
	if receivedAt.IsZero() || age > r.graceWindow {
		logger.Warn("notification not found for receipt, dropping", zap.Duration("age", age))
		return nil
	}

	err := tc.Retry(ctx, domain.ErrNotFound)
	if task.IsMaxRetriesExceeded(err) {
		logger.Warn("notification not found for receipt after retries, dropping", zap.Duration("age", age))
		return nil
	}
	if err == nil {
		logger.Info("notification not visible yet, retrying receipt", zap.Duration("age", age))
	}
	return err
}

func (r *Reconciler) retry(ctx context.Context, tc task.Context, logger *zap.Logger, cause error) error {
	if err := tc.Retry(ctx, cause); err != nil {
		logger.Error("receipt update failed", zap.Error(err))
		return err
	}
	return nil
}

func (r *Reconciler) handleComplaint(ctx context.Context, tc task.Context, event sesEvent, receivedAt time.Time) error {
	logger := observability.WithContextLogger(r.logger, ctx).With(
		zap.String("reference", event.Mail.MessageID),
	)
	if event.Complaint == nil || event.Complaint.FeedbackID == "" {
		logger.Warn("complaint event has no feedback id, dropping")
		return nil
	}

	n, err := r.notifications.GetByReference(ctx, event.Mail.MessageID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.notFound(ctx, tc, logger, receivedAt)
	}
	if err != nil {
		return r.retry(ctx, tc, logger, err)
	}

	complaintDate := event.Complaint.Timestamp
	complaint, created, err := r.complaints.Create(ctx, &domain.Complaint{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		ServiceID:      n.ServiceID,
		FeedbackID:     event.Complaint.FeedbackID,
		ComplaintType:  event.Complaint.ComplaintFeedbackType,
		ComplaintDate:  nonZeroTime(complaintDate),
		CreatedAt:      r.now().UTC(),
	})
	if err != nil {
		return r.retry(ctx, tc, logger, err)
	}
	if !created {
		r.metrics.IncDuplicateStatusUpdate()
		logger.Info("complaint already recorded", zap.String("complaintId", complaint.ID))
		return nil
	}

	api, err := r.services.CallbackAPI(ctx, n.ServiceID, domain.CallbackComplaint)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return r.retry(ctx, tc, logger, err)
	}

	payload := CallbackPayload[ComplaintCallbackBody]{
		ServiceID:   n.ServiceID,
		URL:         api.URL,
		BearerToken: api.BearerToken,
		Body: ComplaintCallbackBody{
			NotificationID: n.ID,
			ComplaintID:    complaint.ID,
			Reference:      n.Reference,
			To:             n.To,
			ComplaintDate:  complaint.ComplaintDate,
		},
	}
	if err := r.enqueuer.Enqueue(ctx, r.tasks.SendComplaint, payload); err != nil {
		return fmt.Errorf("failed to enqueue complaint callback: %w", err)
	}

	logger.Info("complaint recorded", zap.String("notificationId", n.ID), zap.String("complaintId", complaint.ID))
	return nil
}

// RelayTerminal queues a delivery-status callback for every terminal
// notification whose service registered one.
func (r *Reconciler) RelayTerminal(ctx context.Context, notifications []domain.Notification) error {
	endpoints := make(map[string]*domain.CallbackAPI)
	var errs []error

	for i := range notifications {
		n := notifications[i]
		if !n.Status.IsTerminal() {
			continue
		}

		api, seen := endpoints[n.ServiceID]
		if !seen {
			found, err := r.services.CallbackAPI(ctx, n.ServiceID, domain.CallbackDeliveryStatus)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				errs = append(errs, fmt.Errorf("callback lookup for service %s: %w", n.ServiceID, err))
				continue
			}
			api = found
			endpoints[n.ServiceID] = api
		}
		if api == nil {
			continue
		}

		if err := r.enqueuer.Enqueue(ctx, r.tasks.SendDeliveryStatus, statusCallback(n, api)); err != nil {
			errs = append(errs, fmt.Errorf("enqueue status callback for %s: %w", n.ID, err))
		}
	}
	return errors.Join(errs...)
}

func statusCallback(n domain.Notification, api *domain.CallbackAPI) CallbackPayload[StatusCallbackBody] {
	completedAt := n.LastUpdated()
	return CallbackPayload[StatusCallbackBody]{
		ServiceID:   n.ServiceID,
		URL:         api.URL,
		BearerToken: api.BearerToken,
		Body: StatusCallbackBody{
			ID:              n.ID,
			Reference:       n.Reference,
			To:              n.To,
			Status:          n.Status.String(),
			CreatedAt:       n.CreatedAt,
			CompletedAt:     &completedAt,
			SentAt:          n.SentAt,
			Type:            n.Type.String(),
			TemplateID:      n.TemplateID,
			TemplateVersion: n.TemplateVersion,
		},
	}
}

func nonZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
