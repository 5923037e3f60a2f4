// Package provider sends messages through third-party SMS and email providers
// and classifies their failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown provider")

// SMS is one text message ready to send.
type SMS struct {
	To        string
	Content   string
	Reference string
	Sender    string
	// International is set for destinations outside the home region.
	International bool
}

// Email is one rendered email ready to send.
type Email struct {
	From      string
	To        string
	Subject   string
	Body      string
	ReplyTo   string
	Reference string
}

// SMSClient sends text messages and returns the provider's message id.
type SMSClient interface {
	Name() string
	SendSMS(ctx context.Context, msg SMS) (string, error)
}

// EmailClient sends emails and returns the provider's message id.
type EmailClient interface {
	Name() string
	SendEmail(ctx context.Context, msg Email) (string, error)
}

// Registry holds the provider clients built at process start.
type Registry struct {
	mu           sync.RWMutex
	sms          map[string]SMSClient
	email        map[string]EmailClient
	defaultSMS   string
	defaultEmail string
}

func NewRegistry(defaultSMS, defaultEmail string) *Registry {
	return &Registry{
		sms:          make(map[string]SMSClient),
		email:        make(map[string]EmailClient),
		defaultSMS:   normalizeName(defaultSMS),
		defaultEmail: normalizeName(defaultEmail),
	}
}

func (r *Registry) RegisterSMS(client SMSClient) error {
	if client == nil {
		return fmt.Errorf("sms client is required")
	}
	name := normalizeName(client.Name())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sms[name]; exists {
		return fmt.Errorf("sms provider %q is already registered", name)
	}
	r.sms[name] = client
	return nil
}

func (r *Registry) RegisterEmail(client EmailClient) error {
	if client == nil {
		return fmt.Errorf("email client is required")
	}
	name := normalizeName(client.Name())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.email[name]; exists {
		return fmt.Errorf("email provider %q is already registered", name)
	}
	r.email[name] = client
	return nil
}

// SMS returns the named client, or the default when name is empty.
func (r *Registry) SMS(name string) (SMSClient, error) {
	name = normalizeName(name)
	if name == "" {
		name = r.defaultSMS
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.sms[name]
	if !ok {
		return nil, fmt.Errorf("%w: sms provider %q", ErrUnknownProvider, name)
	}
	return client, nil
}

// Email returns the named client, or the default when name is empty.
func (r *Registry) Email(name string) (EmailClient, error) {
	name = normalizeName(name)
	if name == "" {
		name = r.defaultEmail
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.email[name]
	if !ok {
		return nil, fmt.Errorf("%w: email provider %q", ErrUnknownProvider, name)
	}
	return client, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
