package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusCreated           Status = "created"
	StatusSending           Status = "sending"
	StatusPending           Status = "pending"
	StatusSent              Status = "sent"
	StatusPendingVirusCheck Status = "pending-virus-check"
	StatusDelivered         Status = "delivered"
	StatusTemporaryFailure  Status = "temporary-failure"
	StatusPermanentFailure  Status = "permanent-failure"
	StatusTechnicalFailure  Status = "technical-failure"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusValidationFailed  Status = "validation-failed"
)

// OpenStatuses are the states a notification may still leave.
var OpenStatuses = []Status{
	StatusCreated,
	StatusSending,
	StatusPending,
	StatusSent,
	StatusPendingVirusCheck,
}

// TerminalStatuses are the states a notification never leaves.
var TerminalStatuses = []Status{
	StatusDelivered,
	StatusTemporaryFailure,
	StatusPermanentFailure,
	StatusTechnicalFailure,
	StatusFailed,
	StatusCancelled,
	StatusValidationFailed,
}

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusSending, StatusPending, StatusSent, StatusPendingVirusCheck,
		StatusDelivered, StatusTemporaryFailure, StatusPermanentFailure, StatusTechnicalFailure,
		StatusFailed, StatusCancelled, StatusValidationFailed:
		return true
	}
	return false
}

func (s Status) IsOpen() bool {
	for _, open := range OpenStatuses {
		if s == open {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s.IsValid() && !s.IsOpen()
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// KeyType is the kind of API key a notification was sent with.
type KeyType string

const (
	KeyTypeNormal KeyType = "normal"
	KeyTypeTeam   KeyType = "team"
	KeyTypeTest   KeyType = "test"
)

func (k KeyType) IsValid() bool {
	switch k {
	case KeyTypeNormal, KeyTypeTeam, KeyTypeTest:
		return true
	}
	return false
}

// Notification is one attempted send of a rendered template to one recipient.
type Notification struct {
	ID               string
	ServiceID        string
	TemplateID       string
	TemplateVersion  int
	JobID            *string
	JobRowNumber     *int
	APIKeyID         *string
	KeyType          KeyType
	Type             NotificationType
	ReplyToText      string
	To               string
	NormalisedTo     string
	PhonePrefix      string
	International    bool
	Personalisation  map[string]string
	Status           Status
	Reference        *string
	SentBy           *string
	SentAt           *time.Time
	ProviderResponse *string
	Carrier          *string
	BillableUnits    int
	MessageCost      float64
	DeliveryAttempt  int
	ResearchMode     bool
	CreatedAt        time.Time
	UpdatedAt        *time.Time

	// AuthCodeTemplate marks a notification whose template carries an
	// authentication code. It decides redaction and is not stored.
	AuthCodeTemplate bool
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if strings.TrimSpace(n.ServiceID) == "" {
		return fmt.Errorf("%w: service id is required", ErrValidation)
	}
	if strings.TrimSpace(n.TemplateID) == "" {
		return fmt.Errorf("%w: template id is required", ErrValidation)
	}
	if n.TemplateVersion < 1 {
		return fmt.Errorf("%w: template version must be positive", ErrValidation)
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, n.Type)
	}
	if n.KeyType != "" && !n.KeyType.IsValid() {
		return fmt.Errorf("%w: invalid key type %q", ErrValidation, n.KeyType)
	}
	if (n.JobID == nil) != (n.JobRowNumber == nil) {
		return fmt.Errorf("%w: job id and job row number must be set together", ErrValidation)
	}
	return nil
}

// LastUpdated returns the most recent modification time of the record.
func (n Notification) LastUpdated() time.Time {
	if n.UpdatedAt != nil {
		return *n.UpdatedAt
	}
	return n.CreatedAt
}
