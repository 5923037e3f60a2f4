package domain

import (
	"fmt"
	"strings"
)

// NotificationType is the delivery channel of a notification.
type NotificationType string

const (
	TypeSMS   NotificationType = "sms"
	TypeEmail NotificationType = "email"
)

func (t NotificationType) String() string { return string(t) }

func (t NotificationType) IsValid() bool {
	switch t {
	case TypeSMS, TypeEmail:
		return true
	}
	return false
}

func ParseNotificationType(s string) (NotificationType, error) {
	t := NotificationType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return t, nil
}

// Recipient is a validated destination. The concrete types are SMSRecipient
// and EmailRecipient.
type Recipient interface {
	Type() NotificationType
	// Address is the provider-facing destination.
	Address() string
	isRecipient()
}

// SMSRecipient is an E.164 phone number.
type SMSRecipient struct {
	Number        string
	Prefix        string
	International bool
}

func (SMSRecipient) Type() NotificationType { return TypeSMS }
func (r SMSRecipient) Address() string      { return r.Number }
func (SMSRecipient) isRecipient()           {}

// EmailRecipient is a lower-cased email address.
type EmailRecipient struct {
	Email string
}

func (EmailRecipient) Type() NotificationType { return TypeEmail }
func (r EmailRecipient) Address() string      { return r.Email }
func (EmailRecipient) isRecipient()           {}

// ApplyRecipient copies the routing facts of r that survive redaction.
func (n *Notification) ApplyRecipient(r Recipient) {
	switch v := r.(type) {
	case SMSRecipient:
		n.To = v.Number
		n.NormalisedTo = v.Number
		n.PhonePrefix = v.Prefix
		n.International = v.International
	case EmailRecipient:
		n.To = v.Email
		n.NormalisedTo = v.Email
	}
}
