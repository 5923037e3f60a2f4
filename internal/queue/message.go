package queue

import (
	"fmt"
	"strings"
	"time"
)

// Message is the broker envelope for one task execution. Payload is opaque
// to the queue layer and is sealed by the producer.
type Message struct {
	ID            string    `json:"id"`
	Task          string    `json:"task"`
	Retries       int       `json:"retries"`
	Payload       []byte    `json:"payload"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Correlation returns the id that ties msg to the request or task chain
// that produced it, falling back to the message id.
func (m Message) Correlation() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(m.Task) == "" {
		return fmt.Errorf("task is required")
	}
	if m.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}
