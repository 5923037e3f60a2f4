package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID               string                  `gorm:"type:uuid;primaryKey"`
	ServiceID        string                  `gorm:"type:uuid;not null;index"`
	TemplateID       string                  `gorm:"type:uuid;not null"`
	TemplateVersion  int                     `gorm:"not null"`
	JobID            *string                 `gorm:"type:uuid"`
	JobRowNumber     *int                    `gorm:"type:integer"`
	APIKeyID         *string                 `gorm:"type:uuid"`
	KeyType          domain.KeyType          `gorm:"type:varchar(20);not null"`
	NotificationType domain.NotificationType `gorm:"type:varchar(10);not null"`
	ReplyToText      string                  `gorm:"type:varchar(255)"`
	To               string                  `gorm:"column:to;type:varchar(255);not null"`
	NormalisedTo     string                  `gorm:"type:varchar(255)"`
	PhonePrefix      string                  `gorm:"type:varchar(8)"`
	International    bool                    `gorm:"not null;default:false"`
	Personalisation  *string                 `gorm:"type:text"`
	Status           domain.Status           `gorm:"type:varchar(30);not null;index"`
	Reference        *string                 `gorm:"type:varchar(255);index"`
	SentBy           *string `gorm:"type:varchar(30)"`
	SentAt           *time.Time
	ProviderResponse *string   `gorm:"type:text"`
	Carrier          *string   `gorm:"type:varchar(100)"`
	BillableUnits    int       `gorm:"not null;default:0"`
	MessageCost      float64   `gorm:"not null;default:0"`
	DeliveryAttempt  int       `gorm:"not null;default:0"`
	ResearchMode     bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        *time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// NotificationHistoryModel keeps archived notifications verbatim.
type NotificationHistoryModel struct {
	NotificationModel
}

func (NotificationHistoryModel) TableName() string {
	return "notification_history"
}

// JobModel is the persistence model for the jobs table.
type JobModel struct {
	ID                 string           `gorm:"type:uuid;primaryKey"`
	ServiceID          string           `gorm:"type:uuid;not null;index"`
	TemplateID         string           `gorm:"type:uuid;not null"`
	TemplateVersion    int              `gorm:"not null"`
	OriginalFileName   string           `gorm:"type:varchar(255)"`
	NotificationCount  int              `gorm:"not null"`
	JobStatus          domain.JobStatus `gorm:"type:varchar(30);not null;index"`
	ScheduledFor       *time.Time
	ProcessingStarted  *time.Time
	ProcessingFinished *time.Time
	Archived           bool `gorm:"not null;default:false"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (JobModel) TableName() string {
	return "jobs"
}

// ComplaintModel is the persistence model for the complaints table.
type ComplaintModel struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	NotificationID string `gorm:"type:uuid;not null;index"`
	ServiceID      string `gorm:"type:uuid;not null;index"`
	FeedbackID     string `gorm:"type:varchar(255);not null;uniqueIndex"`
	ComplaintType  string `gorm:"type:varchar(50)"`
	ComplaintDate  *time.Time
	CreatedAt      time.Time
}

func (ComplaintModel) TableName() string {
	return "complaints"
}

// ServiceModel is the read model of the services table.
type ServiceModel struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	Name          string `gorm:"type:varchar(255);not null"`
	Active        bool   `gorm:"not null"`
	Restricted    bool   `gorm:"not null;default:false"`
	ResearchMode  bool   `gorm:"not null;default:false"`
	MessageLimit  int64  `gorm:"not null"`
	SMSSender     string `gorm:"column:sms_sender;type:varchar(11)"`
	EmailFrom     string `gorm:"type:varchar(255)"`
	EmailReplyTo  string `gorm:"type:varchar(255)"`
	SMSProvider   string `gorm:"column:sms_provider;type:varchar(30)"`
	EmailProvider string `gorm:"type:varchar(30)"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (ServiceModel) TableName() string {
	return "services"
}

// TemplateHistoryModel stores every published template version.
type TemplateHistoryModel struct {
	ID           string                  `gorm:"type:uuid;primaryKey"`
	Version      int                     `gorm:"primaryKey;autoIncrement:false"`
	TemplateType domain.NotificationType `gorm:"type:varchar(10);not null"`
	Subject      string                  `gorm:"type:text"`
	Content      string                  `gorm:"type:text;not null"`
	AuthCode     bool                    `gorm:"not null;default:false"`
	CreatedAt    time.Time
}

func (TemplateHistoryModel) TableName() string {
	return "templates_history"
}

// SafelistModel lists the recipients a restricted service may send to.
type SafelistModel struct {
	ID            string                  `gorm:"type:uuid;primaryKey"`
	ServiceID     string                  `gorm:"type:uuid;not null;index"`
	RecipientType domain.NotificationType `gorm:"type:varchar(10);not null"`
	Recipient     string                  `gorm:"type:varchar(255);not null"`
	CreatedAt     time.Time
}

func (SafelistModel) TableName() string {
	return "service_safelist"
}

// SMSSenderModel is a sender id registered for a service.
type SMSSenderModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	ServiceID string `gorm:"type:uuid;not null;index"`
	SMSSender string `gorm:"column:sms_sender;type:varchar(11);not null"`
	IsDefault bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (SMSSenderModel) TableName() string {
	return "service_sms_senders"
}

// EmailReplyToModel is a reply-to address registered for a service.
type EmailReplyToModel struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	ServiceID    string `gorm:"type:uuid;not null;index"`
	EmailAddress string `gorm:"type:varchar(255);not null"`
	IsDefault    bool   `gorm:"not null;default:false"`
	CreatedAt    time.Time
}

func (EmailReplyToModel) TableName() string {
	return "service_email_reply_to"
}

// CallbackAPIModel is a customer endpoint for status or complaint events.
type CallbackAPIModel struct {
	ID           string              `gorm:"type:uuid;primaryKey"`
	ServiceID    string              `gorm:"type:uuid;not null;uniqueIndex:idx_service_callback_type,priority:1"`
	URL          string              `gorm:"type:varchar(255);not null"`
	BearerToken  string              `gorm:"type:varchar(255);not null"`
	CallbackType domain.CallbackType `gorm:"type:varchar(30);not null;uniqueIndex:idx_service_callback_type,priority:2"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (CallbackAPIModel) TableName() string {
	return "service_callback_api"
}

// InboundAPIModel is a customer endpoint receiving inbound SMS.
type InboundAPIModel struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	ServiceID   string `gorm:"type:uuid;not null;uniqueIndex"`
	URL         string `gorm:"type:varchar(255);not null"`
	BearerToken string `gorm:"type:varchar(255);not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (InboundAPIModel) TableName() string {
	return "service_inbound_api"
}

// InboundSMSModel is a message received on a service's inbound number.
type InboundSMSModel struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	ServiceID    string `gorm:"type:uuid;not null;index"`
	UserNumber   string `gorm:"type:varchar(255);not null"`
	NotifyNumber string `gorm:"type:varchar(255);not null"`
	Content      string `gorm:"type:text;not null"`
	ProviderDate time.Time
	CreatedAt    time.Time
}

func (InboundSMSModel) TableName() string {
	return "inbound_sms"
}

func notificationModelFromDomain(n *domain.Notification) (*NotificationModel, error) {
	if n == nil {
		return nil, nil
	}

	var personalisation *string
	if len(n.Personalisation) > 0 {
		raw, err := json.Marshal(n.Personalisation)
		if err != nil {
			return nil, err
		}
		s := string(raw)
		personalisation = &s
	}

	return &NotificationModel{
		ID:               n.ID,
		ServiceID:        n.ServiceID,
		TemplateID:       n.TemplateID,
		TemplateVersion:  n.TemplateVersion,
		JobID:            n.JobID,
		JobRowNumber:     n.JobRowNumber,
		APIKeyID:         n.APIKeyID,
		KeyType:          n.KeyType,
		NotificationType: n.Type,
		ReplyToText:      n.ReplyToText,
		To:               n.To,
		NormalisedTo:     n.NormalisedTo,
		PhonePrefix:      n.PhonePrefix,
		International:    n.International,
		Personalisation:  personalisation,
		Status:           n.Status,
		Reference:        n.Reference,
		SentBy:           n.SentBy,
		SentAt:           n.SentAt,
		ProviderResponse: n.ProviderResponse,
		Carrier:          n.Carrier,
		BillableUnits:    n.BillableUnits,
		MessageCost:      n.MessageCost,
		DeliveryAttempt:  n.DeliveryAttempt,
		ResearchMode:     n.ResearchMode,
		CreatedAt:        n.CreatedAt,
		UpdatedAt:        n.UpdatedAt,
	}, nil
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	var personalisation map[string]string
	if m.Personalisation != nil && *m.Personalisation != "" {
		// Stored values are written by notificationModelFromDomain only.
		_ = json.Unmarshal([]byte(*m.Personalisation), &personalisation)
	}

	return &domain.Notification{
		ID:               m.ID,
		ServiceID:        m.ServiceID,
		TemplateID:       m.TemplateID,
		TemplateVersion:  m.TemplateVersion,
		JobID:            m.JobID,
		JobRowNumber:     m.JobRowNumber,
		APIKeyID:         m.APIKeyID,
		KeyType:          m.KeyType,
		Type:             m.NotificationType,
		ReplyToText:      m.ReplyToText,
		To:               m.To,
		NormalisedTo:     m.NormalisedTo,
		PhonePrefix:      m.PhonePrefix,
		International:    m.International,
		Personalisation:  personalisation,
		Status:           m.Status,
		Reference:        m.Reference,
		SentBy:           m.SentBy,
		SentAt:           m.SentAt,
		ProviderResponse: m.ProviderResponse,
		Carrier:          m.Carrier,
		BillableUnits:    m.BillableUnits,
		MessageCost:      m.MessageCost,
		DeliveryAttempt:  m.DeliveryAttempt,
		ResearchMode:     m.ResearchMode,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func notificationsToDomain(models []NotificationModel) []domain.Notification {
	out := make([]domain.Notification, 0, len(models))
	for i := range models {
		out = append(out, *notificationModelToDomain(&models[i]))
	}
	return out
}

func jobModelFromDomain(j *domain.Job) *JobModel {
	if j == nil {
		return nil
	}

	return &JobModel{
		ID:                 j.ID,
		ServiceID:          j.ServiceID,
		TemplateID:         j.TemplateID,
		TemplateVersion:    j.TemplateVersion,
		OriginalFileName:   j.OriginalFileName,
		NotificationCount:  j.NotificationCount,
		JobStatus:          j.Status,
		ScheduledFor:       j.ScheduledFor,
		ProcessingStarted:  j.ProcessingStarted,
		ProcessingFinished: j.ProcessingFinished,
		Archived:           j.Archived,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
}

func jobModelToDomain(m *JobModel) *domain.Job {
	if m == nil {
		return nil
	}

	return &domain.Job{
		ID:                 m.ID,
		ServiceID:          m.ServiceID,
		TemplateID:         m.TemplateID,
		TemplateVersion:    m.TemplateVersion,
		OriginalFileName:   m.OriginalFileName,
		NotificationCount:  m.NotificationCount,
		Status:             m.JobStatus,
		ScheduledFor:       m.ScheduledFor,
		ProcessingStarted:  m.ProcessingStarted,
		ProcessingFinished: m.ProcessingFinished,
		Archived:           m.Archived,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func jobsToDomain(models []JobModel) []domain.Job {
	out := make([]domain.Job, 0, len(models))
	for i := range models {
		out = append(out, *jobModelToDomain(&models[i]))
	}
	return out
}

func serviceModelToDomain(m *ServiceModel) *domain.Service {
	return &domain.Service{
		ID:            m.ID,
		Name:          m.Name,
		Active:        m.Active,
		Restricted:    m.Restricted,
		ResearchMode:  m.ResearchMode,
		MessageLimit:  m.MessageLimit,
		SMSSender:     m.SMSSender,
		EmailFrom:     m.EmailFrom,
		EmailReplyTo:  m.EmailReplyTo,
		SMSProvider:   m.SMSProvider,
		EmailProvider: m.EmailProvider,
	}
}

func templateModelToDomain(m *TemplateHistoryModel) *domain.Template {
	return &domain.Template{
		ID:       m.ID,
		Version:  m.Version,
		Type:     m.TemplateType,
		Subject:  m.Subject,
		Content:  m.Content,
		AuthCode: m.AuthCode,
	}
}
