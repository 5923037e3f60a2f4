package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/cache"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
)

type templateKey struct {
	ID      string
	Version int
}

// Lookups resolves services and template versions through short-lived caches.
// Template versions are immutable, so only service rows can go stale.
type Lookups struct {
	services  *cache.ReadThrough[string, *domain.Service]
	templates *cache.ReadThrough[templateKey, *domain.Template]
}

func NewLookups(repo repository.ServiceRepository, size int, ttl time.Duration) (*Lookups, error) {
	if repo == nil {
		return nil, fmt.Errorf("service repository is required")
	}

	services, err := cache.NewReadThrough[string, *domain.Service](size, ttl, func(ctx context.Context, id string) (*domain.Service, error) {
		return repo.GetService(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create service cache: %w", err)
	}

	templates, err := cache.NewReadThrough[templateKey, *domain.Template](size, ttl, func(ctx context.Context, key templateKey) (*domain.Template, error) {
		return repo.GetTemplate(ctx, key.ID, key.Version)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template cache: %w", err)
	}

	return &Lookups{services: services, templates: templates}, nil
}

func (l *Lookups) Service(ctx context.Context, id string) (*domain.Service, error) {
	return l.services.Get(ctx, id)
}

func (l *Lookups) Template(ctx context.Context, id string, version int) (*domain.Template, error) {
	return l.templates.Get(ctx, templateKey{ID: id, Version: version})
}

