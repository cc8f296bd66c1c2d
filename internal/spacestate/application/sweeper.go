package application

import (
	"context"
	"log"
	"time"

	spacestate "parkgrid-cloud/internal/spacestate/domain"
)

// AutoReleaseCandidates lists spaces whose occupancy has gone stale.
type AutoReleaseCandidates interface {
	ListAutoReleaseCandidates(ctx context.Context, now time.Time) ([]string, error)
}

// AutoReleaseSweeper periodically recomputes spaces whose occupied state has
// outlived the configured auto-release window.
type AutoReleaseSweeper struct {
	candidates AutoReleaseCandidates
	recomputer *Recomputer
	interval   time.Duration
	logger     *log.Logger
}

// NewAutoReleaseSweeper constructs a sweeper.
func NewAutoReleaseSweeper(candidates AutoReleaseCandidates, recomputer *Recomputer, interval time.Duration, logger *log.Logger) *AutoReleaseSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AutoReleaseSweeper{
		candidates: candidates,
		recomputer: recomputer,
		interval:   interval,
		logger:     logger,
	}
}

// Start begins the sweep loop.
func (s *AutoReleaseSweeper) Start(ctx context.Context) {
	if s == nil || s.candidates == nil || s.recomputer == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepOnce(ctx, now.UTC())
		}
	}
}

// SweepOnce runs one pass. Each space recomputes independently so one
// failure does not starve the rest.
func (s *AutoReleaseSweeper) SweepOnce(ctx context.Context, now time.Time) {
	ids, err := s.candidates.ListAutoReleaseCandidates(ctx, now)
	if err != nil {
		s.logger.Printf("auto-release sweep: list candidates: %v", err)
		return
	}
	for _, id := range ids {
		if _, err := s.recomputer.Recompute(ctx, id, spacestate.SourceSystem, ""); err != nil {
			s.logger.Printf("auto-release sweep: space=%s: %v", id, err)
		}
	}
}
