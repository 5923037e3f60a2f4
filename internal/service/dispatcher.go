package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/provider"
	"github.com/kursadbilgin/notify-pipeline/internal/queue"
	"github.com/kursadbilgin/notify-pipeline/internal/ratelimit"
	"github.com/kursadbilgin/notify-pipeline/internal/recipients"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"github.com/kursadbilgin/notify-pipeline/internal/templating"
	"go.uber.org/zap"
)

// ResearchModeProvider is recorded as sent_by for simulated deliveries.
const ResearchModeProvider = "research-mode"

// Dispatcher runs the two stages of a notification: persist, then send.
type Dispatcher struct {
	notifications repository.NotificationRepository
	services      repository.ServiceRepository
	lookups       *Lookups
	normaliser    *recipients.Normaliser
	renderer      *templating.Renderer
	providers     *provider.Registry
	usage         ratelimit.UsageCounter
	enqueuer      task.Enqueuer
	alerter       observability.Alerter
	tasks         Tasks
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewDispatcher(
	notifications repository.NotificationRepository,
	services repository.ServiceRepository,
	lookups *Lookups,
	normaliser *recipients.Normaliser,
	providers *provider.Registry,
	usage ratelimit.UsageCounter,
	enqueuer task.Enqueuer,
	alerter observability.Alerter,
	tasks Tasks,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if services == nil {
		return nil, fmt.Errorf("service repository is required")
	}
	if lookups == nil {
		return nil, fmt.Errorf("lookups are required")
	}
	if normaliser == nil {
		return nil, fmt.Errorf("recipient normaliser is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if usage == nil {
		return nil, fmt.Errorf("usage counter is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("task enqueuer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if alerter == nil {
		alerter = observability.NewLogAlerter(logger, nil)
	}

	return &Dispatcher{
		notifications: notifications,
		services:      services,
		lookups:       lookups,
		normaliser:    normaliser,
		renderer:      templating.NewRenderer(),
		providers:     providers,
		usage:         usage,
		enqueuer:      enqueuer,
		alerter:       alerter,
		tasks:         tasks,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Register binds the persist and send tasks of both channels and the
// reference write-behind.
func (d *Dispatcher) Register(r *task.Registry) error {
	handlers := []struct {
		descriptor task.Descriptor
		handler    task.Handler
	}{
		{d.tasks.SaveSMS, d.persistHandler(domain.TypeSMS)},
		{d.tasks.SaveEmail, d.persistHandler(domain.TypeEmail)},
		{d.tasks.DeliverSMS, d.deliverHandler(domain.TypeSMS)},
		{d.tasks.DeliverEmail, d.deliverHandler(domain.TypeEmail)},
		{d.tasks.RecordSent, d.recordSentHandler},
	}
	for _, h := range handlers {
		if err := r.Register(h.descriptor, h.handler); err != nil {
			return err
		}
	}
	// Research-mode deliveries are published off their descriptor lane.
	return r.AddQueues(queue.QueueResearchMode)
}

func (d *Dispatcher) persistHandler(channel domain.NotificationType) task.Handler {
	return func(ctx context.Context, tc task.Context) error {
		var item WorkItem
		if err := decode(tc, &item); err != nil {
			return err
		}
		return d.Persist(ctx, tc, channel, item)
	}
}

func (d *Dispatcher) recordSentHandler(ctx context.Context, tc task.Context) error {
	var rec SentRecord
	if err := decode(tc, &rec); err != nil {
		return err
	}
	return d.RecordSent(ctx, tc, rec)
}

func (d *Dispatcher) deliverHandler(channel domain.NotificationType) task.Handler {
	return func(ctx context.Context, tc task.Context) error {
		var item DeliveryItem
		if err := decode(tc, &item); err != nil {
			return err
		}
		return d.Deliver(ctx, tc, channel, item)
	}
}

// Persist creates the notification for item and hands it to the send stage.
// Items that can never be stored are dropped without error.
func (d *Dispatcher) Persist(ctx context.Context, tc task.Context, channel domain.NotificationType, item WorkItem) error {
	logger := observability.WithContextLogger(d.logger, ctx).
		With(observability.NotificationFields(item.NotificationID, item.ServiceID)...)

	svc, err := d.lookups.Service(ctx, item.ServiceID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("dropping work item for unknown service")
		return nil
	}
	if err != nil {
		return d.retryPersist(ctx, tc, logger, err)
	}
	if !svc.Active {
		logger.Info("dropping work item for inactive service")
		return nil
	}

	tmpl, err := d.lookups.Template(ctx, item.TemplateID, item.TemplateVersion)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("dropping work item for unknown template version",
			zap.String("templateId", item.TemplateID),
			zap.Int("templateVersion", item.TemplateVersion),
		)
		return nil
	}
	if err != nil {
		return d.retryPersist(ctx, tc, logger, err)
	}
	if tmpl.Type != channel {
		logger.Warn("dropping work item with mismatched template channel",
			zap.String("channel", channel.String()),
			zap.String("templateType", tmpl.Type.String()),
		)
		return nil
	}

	recipient, err := d.normaliser.Normalise(channel, item.Recipient)
	if err != nil {
		logger.Warn("dropping work item with invalid recipient",
			observability.Recipient(item.Recipient),
			zap.Error(err),
		)
		return nil
	}

	keyType := item.KeyType
	if keyType == "" {
		keyType = domain.KeyTypeNormal
	}

	if svc.Restricted || keyType == domain.KeyTypeTeam {
		allowed, err := d.services.IsSafelisted(ctx, svc.ID, channel, recipient.Address())
		if err != nil {
			return d.retryPersist(ctx, tc, logger, err)
		}
		if !allowed {
			logger.Debug("dropping work item outside the service allow list")
			return nil
		}
	}

	replyTo, err := d.replyTo(ctx, svc, channel, item.SenderID)
	if err != nil {
		return d.retryPersist(ctx, tc, logger, err)
	}

	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = d.now()
	}

	n := &domain.Notification{
		ID:              item.NotificationID,
		ServiceID:       svc.ID,
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		JobID:           item.JobID,
		JobRowNumber:    item.RowNumber,
		APIKeyID:        item.APIKeyID,
		KeyType:         keyType,
		Type:            channel,
		ReplyToText:     replyTo,
		Status:          domain.StatusCreated,
		ResearchMode:    svc.ResearchMode || keyType == domain.KeyTypeTest,
		CreatedAt:       createdAt.UTC(),

		AuthCodeTemplate: tmpl.AuthCode,
	}
	n.ApplyRecipient(recipient)
	if tmpl.AuthCode {
		n.Personalisation = item.Personalisation
	}

	stored, created, err := d.notifications.Create(ctx, n)
	if errors.Is(err, domain.ErrValidation) {
		logger.Warn("dropping invalid notification", zap.Error(err))
		return nil
	}
	if err != nil {
		return d.retryPersist(ctx, tc, logger, err)
	}
	if !created && stored.Status != domain.StatusCreated {
		logger.Info("notification already past creation, skipping send stage",
			zap.String("status", stored.Status.String()),
		)
		return nil
	}

	deliver, err := d.tasks.Deliver(channel)
	if err != nil {
		return err
	}
	lane := deliver.Queue
	if stored.ResearchMode {
		lane = queue.QueueResearchMode
	}

	payload := DeliveryItem{
		NotificationID:  stored.ID,
		Recipient:       recipient.Address(),
		Personalisation: item.Personalisation,
	}
	if err := d.enqueuer.EnqueueOn(ctx, deliver, lane, payload); err != nil {
		return d.retryPersist(ctx, tc, logger, err)
	}

	logger.Info("notification persisted",
		zap.Bool("created", created),
		zap.String("queue", lane),
	)
	return nil
}

func (d *Dispatcher) replyTo(ctx context.Context, svc *domain.Service, channel domain.NotificationType, senderID string) (string, error) {
	var (
		value string
		err   error
	)
	switch channel {
	case domain.TypeSMS:
		value, err = d.services.SMSSender(ctx, svc.ID, senderID)
		if errors.Is(err, domain.ErrNotFound) {
			return svc.SMSSender, nil
		}
	case domain.TypeEmail:
		value, err = d.services.EmailReplyTo(ctx, svc.ID, senderID)
		if errors.Is(err, domain.ErrNotFound) {
			return svc.EmailReplyTo, nil
		}
	default:
		return "", fmt.Errorf("%w: unsupported channel %q", domain.ErrValidation, channel)
	}
	return value, err
}

func (d *Dispatcher) retryPersist(ctx context.Context, tc task.Context, logger *zap.Logger, cause error) error {
	if err := tc.Retry(ctx, cause); err != nil {
		logger.Error("persist stage failed", zap.Error(err))
		return err
	}
	return nil
}

// Deliver sends a stored notification through its provider. Provider and
// store failures are retried up to the task's budget; exhausting it marks
// the notification as a technical failure and raises an alert.
func (d *Dispatcher) Deliver(ctx context.Context, tc task.Context, channel domain.NotificationType, item DeliveryItem) error {
	logger := observability.WithContextLogger(d.logger, ctx).With(
		zap.String("notificationId", item.NotificationID),
		zap.String("channel", channel.String()),
	)

	n, err := d.notifications.GetByID(ctx, item.NotificationID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("notification not found for delivery, skipping")
		return nil
	}
	if err != nil {
		return d.retryDeliver(ctx, tc, logger, n, err)
	}
	if !deliverable(n) {
		logger.Info("notification already sent or closed, skipping",
			zap.String("status", n.Status.String()),
		)
		return nil
	}

	if n.ResearchMode {
		return d.simulate(ctx, logger, n)
	}

	svc, err := d.lookups.Service(ctx, n.ServiceID)
	if err != nil {
		return d.retryDeliver(ctx, tc, logger, n, err)
	}

	used, err := d.usage.Count(ctx, svc.ID)
	if err != nil {
		return d.retryDeliver(ctx, tc, logger, n, err)
	}
	if svc.MessageLimit > 0 && used >= svc.MessageLimit {
		logger.Warn("service message limit reached, deferring send",
			zap.Int64("used", used),
			zap.Int64("limit", svc.MessageLimit),
		)
		return d.retryDeliver(ctx, tc, logger, n, ErrRateLimited)
	}

	claimed, err := d.notifications.ClaimForDelivery(ctx, n.ID, tc.Retries()+1)
	if err != nil {
		return d.retryDeliver(ctx, tc, logger, n, err)
	}
	if claimed == nil {
		logger.Info("send attempt already claimed, skipping", zap.Int("attempt", tc.Retries()+1))
		return nil
	}

	tmpl, err := d.lookups.Template(ctx, claimed.TemplateID, claimed.TemplateVersion)
	if err != nil {
		return d.retryDeliver(ctx, tc, logger, claimed, err)
	}
	rendered, err := d.renderer.Render(*tmpl, item.Personalisation)
	if err != nil {
		return d.fail(ctx, logger, claimed, "render_failed", err)
	}

	providerName, reference, sendErr := d.send(ctx, svc, claimed, item.Recipient, rendered)
	if sendErr != nil {
		return d.handleSendError(ctx, tc, logger, claimed, providerName, sendErr)
	}

	// The provider accepted: from here on the send must never be retried.
	if err := d.usage.Increment(ctx, svc.ID); err != nil {
		logger.Warn("failed to increment usage counter", zap.Error(err))
	}
	d.recordSent(ctx, logger, claimed, SentRecord{
		NotificationID: claimed.ID,
		Reference:      reference,
		Provider:       providerName,
		SentAt:         d.now(),
		BillableUnits:  rendered.Units,
	})

	d.metrics.IncNotificationSent(channel.String())
	logger.Info("notification sent",
		zap.String("provider", providerName),
		zap.String("reference", reference),
		zap.Int("attempt", tc.Retries()+1),
	)
	return nil
}

// recordSent stores the provider reference of an accepted send. A store
// failure hands the write to the record-sent task so the send itself is not
// repeated.
func (d *Dispatcher) recordSent(ctx context.Context, logger *zap.Logger, n *domain.Notification, rec SentRecord) {
	logger = logger.With(
		zap.String("provider", rec.Provider),
		zap.String("reference", rec.Reference),
	)

	err := d.notifications.MarkSent(ctx, rec.NotificationID, rec.details())
	if err == nil || errors.Is(err, domain.ErrConflict) {
		return
	}
	logger.Warn("failed to record provider reference, deferring", zap.Error(err))

	if enqErr := d.enqueuer.Enqueue(ctx, d.tasks.RecordSent, rec); enqErr != nil {
		fields := append(observability.NotificationFields(n.ID, n.ServiceID),
			zap.String("provider", rec.Provider),
			zap.String("reference", rec.Reference),
			zap.NamedError("cause", err),
			zap.NamedError("enqueueError", enqErr),
		)
		d.alerter.Fatal(ctx, "provider reference could not be recorded", fields...)
	}
}

// RecordSent retries storing the provider reference of an accepted send.
func (d *Dispatcher) RecordSent(ctx context.Context, tc task.Context, rec SentRecord) error {
	logger := observability.WithContextLogger(d.logger, ctx).With(
		zap.String("notificationId", rec.NotificationID),
		zap.String("provider", rec.Provider),
		zap.String("reference", rec.Reference),
	)

	err := d.notifications.MarkSent(ctx, rec.NotificationID, rec.details())
	switch {
	case err == nil:
		logger.Info("provider reference recorded", zap.Int("retries", tc.Retries()))
		return nil
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		logger.Warn("provider reference no longer recordable, dropping", zap.Error(err))
		return nil
	}

	retryErr := tc.Retry(ctx, err)
	if retryErr == nil {
		return nil
	}
	if !task.IsMaxRetriesExceeded(retryErr) {
		return retryErr
	}
	d.alerter.Fatal(ctx, "provider reference could not be recorded",
		zap.String("notificationId", rec.NotificationID),
		zap.String("provider", rec.Provider),
		zap.String("reference", rec.Reference),
		zap.NamedError("cause", err),
	)
	return nil
}

func deliverable(n *domain.Notification) bool {
	if n.Reference != nil {
		return false
	}
	return n.Status == domain.StatusCreated || n.Status == domain.StatusSending
}

func (d *Dispatcher) send(ctx context.Context, svc *domain.Service, n *domain.Notification, to string, rendered templating.Rendered) (string, string, error) {
	switch n.Type {
	case domain.TypeSMS:
		client, err := d.providers.SMS(svc.SMSProvider)
		if err != nil {
			return svc.SMSProvider, "", &provider.Error{Provider: svc.SMSProvider, Kind: provider.KindNonRetryable, Cause: err}
		}
		reference, err := client.SendSMS(ctx, provider.SMS{
			To:            to,
			Content:       rendered.Body,
			Reference:     n.ID,
			Sender:        n.ReplyToText,
			International: n.International,
		})
		return client.Name(), reference, err
	case domain.TypeEmail:
		client, err := d.providers.Email(svc.EmailProvider)
		if err != nil {
			return svc.EmailProvider, "", &provider.Error{Provider: svc.EmailProvider, Kind: provider.KindNonRetryable, Cause: err}
		}
		reference, err := client.SendEmail(ctx, provider.Email{
			From:      svc.EmailFrom,
			To:        to,
			Subject:   rendered.Subject,
			Body:      rendered.Body,
			ReplyTo:   n.ReplyToText,
			Reference: n.ID,
		})
		return client.Name(), reference, err
	}
	return "", "", &provider.Error{Kind: provider.KindNonRetryable, Message: fmt.Sprintf("unsupported channel %q", n.Type)}
}

func (d *Dispatcher) handleSendError(ctx context.Context, tc task.Context, logger *zap.Logger, n *domain.Notification, providerName string, sendErr error) error {
	logger = logger.With(zap.String("provider", providerName))

	switch provider.KindOf(sendErr) {
	case provider.KindNonRetryable:
		logger.Error("provider rejected notification", zap.Error(sendErr))
		return d.fail(ctx, logger, n, "non_retryable", sendErr)
	case provider.KindThrottled:
		logger.Warn("provider throttled notification", zap.Error(sendErr))
	default:
		logger.Error("provider send failed", zap.Error(sendErr))
	}
	return d.retryDeliver(ctx, tc, logger, n, sendErr)
}

// retryDeliver schedules the next send attempt. When the budget is spent the
// notification becomes a technical failure and one fatal alert is raised.
func (d *Dispatcher) retryDeliver(ctx context.Context, tc task.Context, logger *zap.Logger, n *domain.Notification, cause error) error {
	err := tc.Retry(ctx, cause)
	if err == nil {
		return nil
	}
	if !task.IsMaxRetriesExceeded(err) || n == nil {
		return err
	}

	if failErr := d.fail(ctx, logger, n, "retry_exhausted", cause); failErr != nil {
		return failErr
	}
	fields := append(observability.NotificationFields(n.ID, n.ServiceID),
		zap.Int("retries", tc.Retries()),
		zap.NamedError("cause", cause),
	)
	d.alerter.Fatal(ctx, "notification send retries exhausted", fields...)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, logger *zap.Logger, n *domain.Notification, reason string, cause error) error {
	result, err := d.notifications.Transition(ctx, n.ID, repository.TransitionRequest{
		Status: domain.StatusTechnicalFailure,
		Source: domain.SourcePipeline,
	})
	if err != nil {
		logger.Error("failed to mark technical failure", zap.Error(err))
		return err
	}
	if result.Changed {
		d.metrics.IncNotificationFailed(n.Type.String(), reason)
	}
	logger.Warn("notification marked as technical failure",
		zap.String("reason", reason),
		zap.NamedError("cause", cause),
	)
	return nil
}

// simulate resolves research-mode traffic without contacting a provider.
func (d *Dispatcher) simulate(ctx context.Context, logger *zap.Logger, n *domain.Notification) error {
	claimed, err := d.notifications.ClaimForDelivery(ctx, n.ID, n.DeliveryAttempt+1)
	if err != nil {
		return err
	}
	if claimed == nil {
		return nil
	}

	err = d.notifications.MarkSent(ctx, claimed.ID, repository.SentDetails{
		Reference: uuid.NewString(),
		Provider:  ResearchModeProvider,
		SentAt:    d.now(),
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}

	if _, err := d.notifications.Transition(ctx, claimed.ID, repository.TransitionRequest{
		Status: domain.StatusDelivered,
		Source: domain.SourcePipeline,
	}); err != nil {
		return err
	}

	logger.Info("research mode notification delivered")
	return nil
}
