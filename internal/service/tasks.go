package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kursadbilgin/notify-pipeline/internal/config"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/kursadbilgin/notify-pipeline/internal/queue"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
)

const (
	TaskProcessJob         = "process-job"
	TaskResumeJob          = "resume-job"
	TaskSaveSMS            = "save-sms"
	TaskSaveEmail          = "save-email"
	TaskDeliverSMS         = "deliver-sms"
	TaskDeliverEmail       = "deliver-email"
	TaskRecordSent         = "record-sent"
	TaskProcessSESResult   = "process-ses-result"
	TaskUpdateStatus       = "update-status-by-reference"
	TaskSendDeliveryStatus = "send-delivery-status"
	TaskSendComplaint      = "send-complaint"
	TaskSendInboundSMS     = "send-inbound-sms"
)

// ErrRateLimited aborts a send attempt for a service at its message limit.
var ErrRateLimited = errors.New("service message limit reached")

// RetryPolicy holds the retry budgets of each task family.
type RetryPolicy struct {
	PersistMaxRetries  int
	PersistDelay       time.Duration
	DeliverMaxRetries  int
	DeliverDelay       time.Duration
	ReceiptMaxRetries  int
	ReceiptDelay       time.Duration
	CallbackMaxRetries int
	CallbackDelay      time.Duration
}

// RetryPolicyFromConfig reads the retry budgets from cfg.
func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		PersistMaxRetries:  cfg.PersistMaxRetries,
		PersistDelay:       cfg.PersistRetryDelay(),
		DeliverMaxRetries:  cfg.DeliverMaxRetries,
		DeliverDelay:       cfg.DeliverRetryDelay(),
		ReceiptMaxRetries:  cfg.ReceiptMaxRetries,
		ReceiptDelay:       cfg.ReceiptRetryDelay(),
		CallbackMaxRetries: cfg.CallbackMaxRetries,
		CallbackDelay:      cfg.CallbackRetryDelay(),
	}
}

// Tasks is the set of task descriptors the pipeline registers.
type Tasks struct {
	ProcessJob         task.Descriptor
	ResumeJob          task.Descriptor
	SaveSMS            task.Descriptor
	SaveEmail          task.Descriptor
	DeliverSMS         task.Descriptor
	DeliverEmail       task.Descriptor
	RecordSent         task.Descriptor
	ProcessSESResult   task.Descriptor
	UpdateStatus       task.Descriptor
	SendDeliveryStatus task.Descriptor
	SendComplaint      task.Descriptor
	SendInboundSMS     task.Descriptor
}

func NewTasks(p RetryPolicy) Tasks {
	persist := task.Backoff{Interval: p.PersistDelay}
	deliver := task.Backoff{Interval: p.DeliverDelay}
	receipt := task.Backoff{Initial: p.ReceiptDelay, Interval: p.ReceiptDelay}
	callback := task.Backoff{Interval: p.CallbackDelay}

	return Tasks{
		ProcessJob:         task.Descriptor{Name: TaskProcessJob, Queue: queue.QueueJobs},
		ResumeJob:          task.Descriptor{Name: TaskResumeJob, Queue: queue.QueueJobs},
		SaveSMS:            task.Descriptor{Name: TaskSaveSMS, Queue: queue.QueueDatabase, MaxRetries: p.PersistMaxRetries, Backoff: persist},
		SaveEmail:          task.Descriptor{Name: TaskSaveEmail, Queue: queue.QueueDatabase, MaxRetries: p.PersistMaxRetries, Backoff: persist},
		DeliverSMS:         task.Descriptor{Name: TaskDeliverSMS, Queue: queue.QueueSendSMS, MaxRetries: p.DeliverMaxRetries, Backoff: deliver},
		DeliverEmail:       task.Descriptor{Name: TaskDeliverEmail, Queue: queue.QueueSendEmail, MaxRetries: p.DeliverMaxRetries, Backoff: deliver},
		RecordSent:         task.Descriptor{Name: TaskRecordSent, Queue: queue.QueueDatabase, MaxRetries: p.PersistMaxRetries, Backoff: persist},
		ProcessSESResult:   task.Descriptor{Name: TaskProcessSESResult, Queue: queue.QueueReceipts, MaxRetries: p.ReceiptMaxRetries, Backoff: receipt},
		UpdateStatus:       task.Descriptor{Name: TaskUpdateStatus, Queue: queue.QueueReceipts, MaxRetries: p.ReceiptMaxRetries, Backoff: receipt},
		SendDeliveryStatus: task.Descriptor{Name: TaskSendDeliveryStatus, Queue: queue.QueueCallbacks, MaxRetries: p.CallbackMaxRetries, Backoff: callback},
		SendComplaint:      task.Descriptor{Name: TaskSendComplaint, Queue: queue.QueueCallbacks, MaxRetries: p.CallbackMaxRetries, Backoff: callback},
		SendInboundSMS:     task.Descriptor{Name: TaskSendInboundSMS, Queue: queue.QueueCallbacks, MaxRetries: p.CallbackMaxRetries, Backoff: callback},
	}
}

// All returns every descriptor.
func (t Tasks) All() []task.Descriptor {
	return []task.Descriptor{
		t.ProcessJob, t.ResumeJob,
		t.SaveSMS, t.SaveEmail,
		t.DeliverSMS, t.DeliverEmail, t.RecordSent,
		t.ProcessSESResult, t.UpdateStatus,
		t.SendDeliveryStatus, t.SendComplaint, t.SendInboundSMS,
	}
}

// Save returns the persist-stage task for channel t.
func (t Tasks) Save(channel domain.NotificationType) (task.Descriptor, error) {
	switch channel {
	case domain.TypeSMS:
		return t.SaveSMS, nil
	case domain.TypeEmail:
		return t.SaveEmail, nil
	}
	return task.Descriptor{}, fmt.Errorf("%w: no save task for %q", domain.ErrValidation, channel)
}

// Deliver returns the send-stage task for channel t.
func (t Tasks) Deliver(channel domain.NotificationType) (task.Descriptor, error) {
	switch channel {
	case domain.TypeSMS:
		return t.DeliverSMS, nil
	case domain.TypeEmail:
		return t.DeliverEmail, nil
	}
	return task.Descriptor{}, fmt.Errorf("%w: no deliver task for %q", domain.ErrValidation, channel)
}

// JobPayload identifies the job a job task works on.
type JobPayload struct {
	JobID string `json:"jobId" validate:"required"`
}

// WorkItem asks the persist stage to create one notification.
type WorkItem struct {
	NotificationID  string            `json:"notificationId" validate:"required"`
	ServiceID       string            `json:"serviceId" validate:"required"`
	TemplateID      string            `json:"templateId" validate:"required"`
	TemplateVersion int               `json:"templateVersion" validate:"required,min=1"`
	Recipient       string            `json:"recipient" validate:"required"`
	Personalisation map[string]string `json:"personalisation,omitempty"`
	JobID           *string           `json:"jobId,omitempty"`
	RowNumber       *int              `json:"rowNumber,omitempty"`
	SenderID        string            `json:"senderId,omitempty"`
	APIKeyID        *string           `json:"apiKeyId,omitempty"`
	KeyType         domain.KeyType    `json:"keyType,omitempty" validate:"omitempty,oneof=normal team test"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// DeliveryItem asks the send stage to deliver a stored notification. The
// recipient and personalisation travel here because the row is redacted.
type DeliveryItem struct {
	NotificationID  string            `json:"notificationId" validate:"required"`
	Recipient       string            `json:"recipient" validate:"required"`
	Personalisation map[string]string `json:"personalisation,omitempty"`
}

// SentRecord is a provider acceptance whose reference still has to be stored.
type SentRecord struct {
	NotificationID string    `json:"notificationId" validate:"required"`
	Reference      string    `json:"reference" validate:"required"`
	Provider       string    `json:"provider" validate:"required"`
	SentAt         time.Time `json:"sentAt" validate:"required"`
	BillableUnits  int       `json:"billableUnits"`
}

func (r SentRecord) details() repository.SentDetails {
	return repository.SentDetails{
		Reference:     r.Reference,
		Provider:      r.Provider,
		SentAt:        r.SentAt,
		BillableUnits: r.BillableUnits,
	}
}

// SESResultPayload carries the inner message of an SES event notification.
type SESResultPayload struct {
	Message    string    `json:"message" validate:"required"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// StatusUpdatePayload reports a provider outcome keyed by provider reference.
type StatusUpdatePayload struct {
	Reference        string        `json:"reference" validate:"required"`
	Status           domain.Status `json:"status" validate:"required"`
	ProviderResponse string        `json:"providerResponse,omitempty"`
	Carrier          string        `json:"carrier,omitempty"`
	Timestamp        time.Time     `json:"timestamp" validate:"required"`
}

// StatusCallbackBody is the JSON posted to a service's delivery-status callback.
type StatusCallbackBody struct {
	ID              string     `json:"id"`
	Reference       *string    `json:"reference"`
	To              string     `json:"to"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	SentAt          *time.Time `json:"sent_at"`
	Type            string     `json:"notification_type"`
	TemplateID      string     `json:"template_id"`
	TemplateVersion int        `json:"template_version"`
}

// ComplaintCallbackBody is the JSON posted to a service's complaint callback.
type ComplaintCallbackBody struct {
	NotificationID string     `json:"notification_id"`
	ComplaintID    string     `json:"complaint_id"`
	Reference      *string    `json:"reference"`
	To             string     `json:"to"`
	ComplaintDate  *time.Time `json:"complaint_date"`
}

// InboundCallbackBody is the JSON posted to a service's inbound SMS endpoint.
type InboundCallbackBody struct {
	ID                string    `json:"id"`
	SourceNumber      string    `json:"source_number"`
	DestinationNumber string    `json:"destination_number"`
	Message           string    `json:"message"`
	DateReceived      time.Time `json:"date_received"`
}

// CallbackPayload is a sealed callback request. The endpoint and token travel
// with the body so a relay never reads service configuration.
type CallbackPayload[T any] struct {
	ServiceID   string `json:"serviceId" validate:"required"`
	URL         string `json:"url" validate:"required,url"`
	BearerToken string `json:"bearerToken" validate:"required"`
	Body        T      `json:"body"`
}

// InboundSMSPayload identifies a received SMS to relay.
type InboundSMSPayload struct {
	InboundSMSID string `json:"inboundSmsId" validate:"required"`
}

var validate = validator.New()

// decode opens the task payload into v and validates it.
func decode(tc task.Context, v any) error {
	if err := tc.Decode(v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domain.ErrValidation, tc.Name(), err)
	}
	return nil
}

// TaskRegistrar serves one or more tasks.
type TaskRegistrar interface {
	Register(r *task.Registry) error
}

// NewTaskRegistry registers the tasks of every component on one registry.
func NewTaskRegistry(components ...TaskRegistrar) (*task.Registry, error) {
	registry := task.NewRegistry()
	for _, c := range components {
		if err := c.Register(registry); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
