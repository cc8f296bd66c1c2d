package application

import (
	"context"
	"errors"
	"log"
	"time"

	"parkgrid-cloud/internal/observability/metrics"
	respg "parkgrid-cloud/internal/reservations/infrastructure/postgres"
	spacestate "parkgrid-cloud/internal/spacestate/domain"
)

// OverdueCloser closes active reservations whose window has ended.
type OverdueCloser interface {
	ExpireOverdue(ctx context.Context, now time.Time) ([]respg.ExpiredReservation, error)
}

// Expirer periodically closes overdue bookings and recomputes the affected
// spaces. The sweep is idempotent: an already-closed row never matches.
type Expirer struct {
	repo       OverdueCloser
	recomputer SpaceRecomputer
	interval   time.Duration
	logger     *log.Logger
}

// NewExpirer constructs an expirer.
func NewExpirer(repo OverdueCloser, recomputer SpaceRecomputer, interval time.Duration, logger *log.Logger) (*Expirer, error) {
	if repo == nil {
		return nil, errors.New("expirer: nil repo")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Expirer{repo: repo, recomputer: recomputer, interval: interval, logger: logger}, nil
}

// Start begins the sweep loop.
func (e *Expirer) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := e.ExpireOnce(ctx, now.UTC()); err != nil {
				e.logger.Printf("reservation expiry sweep: %v", err)
			}
		}
	}
}

// ExpireOnce runs one sweep pass and returns how many bookings it closed.
func (e *Expirer) ExpireOnce(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.repo.ExpireOverdue(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	metrics.AddReservationsExpired(len(expired))

	// One recompute per space even when several bookings on it expired.
	seen := make(map[string]struct{}, len(expired))
	for _, row := range expired {
		if _, done := seen[row.SpaceID]; done {
			continue
		}
		seen[row.SpaceID] = struct{}{}
		if e.recomputer == nil {
			continue
		}
		if _, err := e.recomputer.Recompute(ctx, row.SpaceID, spacestate.SourceSystem, ""); err != nil {
			e.logger.Printf("reservation expiry: recompute space=%s: %v", row.SpaceID, err)
		}
	}
	return len(expired), nil
}
