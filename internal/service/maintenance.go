package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"go.uber.org/zap"
)

// Maintenance holds the periodic clean-up scans over the notification store.
type Maintenance struct {
	notifications  repository.NotificationRepository
	reconciler     *Reconciler
	pendingTimeout time.Duration
	retention      time.Duration
	sweepLimit     int
	archiveBatch   int
	logger         *zap.Logger
	now            func() time.Time
}

type MaintenanceConfig struct {
	PendingTimeout time.Duration
	Retention      time.Duration
	SweepLimit     int
	ArchiveBatch   int
}

func NewMaintenance(
	notifications repository.NotificationRepository,
	reconciler *Reconciler,
	cfg MaintenanceConfig,
	logger *zap.Logger,
) (*Maintenance, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 72 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 1000
	}
	if cfg.ArchiveBatch <= 0 {
		cfg.ArchiveBatch = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Maintenance{
		notifications:  notifications,
		reconciler:     reconciler,
		pendingTimeout: cfg.PendingTimeout,
		retention:      cfg.Retention,
		sweepLimit:     cfg.SweepLimit,
		archiveBatch:   cfg.ArchiveBatch,
		logger:         logger,
		now:            time.Now,
	}, nil
}

// SweepPending fails notifications whose receipt never arrived and relays
// their final status.
func (m *Maintenance) SweepPending(ctx context.Context) error {
	cutoff := m.now().Add(-m.pendingTimeout)
	for {
		failed, err := m.notifications.TimeoutPending(ctx, cutoff, m.sweepLimit)
		if err != nil {
			return fmt.Errorf("failed to time out pending notifications: %w", err)
		}
		if len(failed) == 0 {
			return nil
		}

		m.logger.Warn("timed out notifications awaiting receipt",
			zap.Int("count", len(failed)),
			zap.Time("cutoff", cutoff),
		)
		if err := m.reconciler.RelayTerminal(ctx, failed); err != nil {
			m.logger.Error("failed to queue status callbacks", zap.Error(err))
		}
		if len(failed) < m.sweepLimit {
			return nil
		}
	}
}

// Archive moves terminal notifications past the retention window into history.
func (m *Maintenance) Archive(ctx context.Context) error {
	cutoff := m.now().Add(-m.retention)
	moved, err := m.notifications.ArchiveBefore(ctx, cutoff, m.archiveBatch)
	if err != nil {
		return fmt.Errorf("failed to archive notifications: %w", err)
	}
	if moved > 0 {
		m.logger.Info("archived notifications", zap.Int("count", moved), zap.Time("cutoff", cutoff))
	}
	return nil
}
