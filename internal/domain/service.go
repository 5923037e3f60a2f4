package domain

import "time"

// Service is the sending account that owns templates, jobs and notifications.
type Service struct {
	ID            string
	Name          string
	Active        bool
	Restricted    bool
	ResearchMode  bool
	MessageLimit  int64
	SMSSender     string
	EmailFrom     string
	EmailReplyTo  string
	SMSProvider   string
	EmailProvider string
}

// Template is an immutable historical template version.
type Template struct {
	ID       string
	Version  int
	Type     NotificationType
	Subject  string
	Content  string
	AuthCode bool
}

// CallbackType selects which customer callback endpoint receives an event.
type CallbackType string

const (
	CallbackDeliveryStatus CallbackType = "delivery_status"
	CallbackComplaint      CallbackType = "complaint"
)

// CallbackAPI is a customer endpoint registered for status or complaint events.
type CallbackAPI struct {
	ServiceID   string
	URL         string
	BearerToken string
	Type        CallbackType
}

// InboundAPI is a customer endpoint receiving relayed inbound SMS.
type InboundAPI struct {
	ServiceID   string
	URL         string
	BearerToken string
}

// InboundSMS is a message received on a service's inbound number.
type InboundSMS struct {
	ID           string
	ServiceID    string
	UserNumber   string
	NotifyNumber string
	Content      string
	ProviderDate time.Time
	CreatedAt    time.Time
}

// Complaint is a recipient complaint reported by an email provider.
type Complaint struct {
	ID             string
	NotificationID string
	ServiceID      string
	FeedbackID     string
	ComplaintType  string
	ComplaintDate  *time.Time
	CreatedAt      time.Time
}
