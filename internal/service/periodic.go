package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultScanInterval = 30 * time.Second

// ScanFunc is one pass of a periodic scanner.
type ScanFunc func(ctx context.Context) error

// Periodic runs a scan on a fixed interval until its context ends.
type Periodic struct {
	name     string
	scan     ScanFunc
	interval time.Duration
	logger   *zap.Logger
}

func NewPeriodic(name string, scan ScanFunc, interval time.Duration, logger *zap.Logger) (*Periodic, error) {
	if name == "" {
		return nil, fmt.Errorf("scanner name is required")
	}
	if scan == nil {
		return nil, fmt.Errorf("scan function is required")
	}
	if interval <= 0 {
		interval = defaultScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Periodic{
		name:     name,
		scan:     scan,
		interval: interval,
		logger:   logger.With(zap.String("scanner", name)),
	}, nil
}

func (p *Periodic) Name() string { return p.name }

func (p *Periodic) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so due work does not wait for the first ticker edge.
	if err := p.scan(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("scan failed", zap.Error(err))
			}
		}
	}
}
