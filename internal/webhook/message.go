// Package webhook authenticates signed SNS push messages carrying delivery
// receipts.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Message kinds sent in the x-amz-sns-message-type header.
const (
	KindNotification             = "Notification"
	KindSubscriptionConfirmation = "SubscriptionConfirmation"
	KindUnsubscribeConfirmation  = "UnsubscribeConfirmation"

	HeaderMessageType = "x-amz-sns-message-type"
)

// IsKnownKind reports whether kind is one of the accepted message kinds.
func IsKnownKind(kind string) bool {
	switch kind {
	case KindNotification, KindSubscriptionConfirmation, KindUnsubscribeConfirmation:
		return true
	}
	return false
}

// Message is an SNS HTTP push envelope.
type Message struct {
	Type             string `validate:"required"`
	MessageID        string `validate:"required"`
	Token            string
	TopicArn         string `validate:"required"`
	Subject          string
	Message          string
	Timestamp        string `validate:"required"`
	SignatureVersion string `validate:"required,oneof=1 2"`
	Signature        string `validate:"required"`
	SigningCertURL   string `validate:"required,url"`
	SubscribeURL     string
}

type rawMessage struct {
	Type             string          `json:"Type"`
	MessageID        string          `json:"MessageId"`
	Token            string          `json:"Token"`
	TopicArn         string          `json:"TopicArn"`
	Subject          string          `json:"Subject"`
	Message          json.RawMessage `json:"Message"`
	Timestamp        string          `json:"Timestamp"`
	SignatureVersion string          `json:"SignatureVersion"`
	Signature        string          `json:"Signature"`
	SigningCertURL   string          `json:"SigningCertURL"`
	SigningCertURL2  string          `json:"SigningCertUrl"`
	SubscribeURL     string          `json:"SubscribeURL"`
	SubscribeURL2    string          `json:"SubscribeUrl"`
}

// UnmarshalJSON accepts both URL field spellings and a Message that is either
// a JSON string or an embedded object.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	inner, err := innerMessage(raw.Message)
	if err != nil {
		return err
	}

	*m = Message{
		Type:             raw.Type,
		MessageID:        raw.MessageID,
		Token:            raw.Token,
		TopicArn:         raw.TopicArn,
		Subject:          raw.Subject,
		Message:          inner,
		Timestamp:        raw.Timestamp,
		SignatureVersion: raw.SignatureVersion,
		Signature:        raw.Signature,
		SigningCertURL:   firstNonEmpty(raw.SigningCertURL, raw.SigningCertURL2),
		SubscribeURL:     firstNonEmpty(raw.SubscribeURL, raw.SubscribeURL2),
	}
	return nil
}

func innerMessage(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] != '"' {
		return string(trimmed), nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", fmt.Errorf("invalid Message field: %w", err)
	}
	return s, nil
}

// StringToSign builds the canonical text SNS signs for m.
func (m *Message) StringToSign() string {
	var b strings.Builder
	write := func(key, value string) {
		b.WriteString(key)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	write("Message", m.Message)
	write("MessageId", m.MessageID)
	if m.Type == KindNotification {
		if m.Subject != "" {
			write("Subject", m.Subject)
		}
	} else {
		write("SubscribeURL", m.SubscribeURL)
	}
	write("Timestamp", m.Timestamp)
	if m.Type != KindNotification {
		write("Token", m.Token)
	}
	write("TopicArn", m.TopicArn)
	write("Type", m.Type)

	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
