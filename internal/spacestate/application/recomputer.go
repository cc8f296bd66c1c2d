package application

import (
	"context"
	"errors"
	"log"
	"time"

	"parkgrid-cloud/internal/observability/metrics"
	spacestate "parkgrid-cloud/internal/spacestate/domain"
	"parkgrid-cloud/internal/tenancy"
)

const defaultRecomputeAttempts = 3

// SpaceStore is the slice of the space repository the recomputer needs.
type SpaceStore interface {
	Get(ctx context.Context, scope tenancy.Scope, id string) (*spacestate.Space, error)
	ApplyTransition(ctx context.Context, space *spacestate.Space, newState spacestate.State, source, requestID string) (bool, error)
}

// ReservationReader answers whether a reservation window covers an instant.
type ReservationReader interface {
	HasActiveNow(ctx context.Context, spaceID string, now time.Time) (bool, error)
}

// DisplayNotifier pushes a display update after a committed transition.
// Failures are logged and swallowed; the transition itself already holds.
type DisplayNotifier interface {
	NotifyStateChange(ctx context.Context, tenantID, spaceID, displayDeviceID, state string) error
}

// Recomputer derives and persists the authoritative state of a space. All
// triggers funnel through Recompute so concurrent writers resolve through
// the version guard instead of overwriting each other.
type Recomputer struct {
	spaces       SpaceStore
	reservations ReservationReader
	notifier     DisplayNotifier
	logger       *log.Logger
	now          func() time.Time
	maxAttempts  int
}

// NewRecomputer constructs a recomputer. The notifier may be nil.
func NewRecomputer(spaces SpaceStore, reservations ReservationReader, notifier DisplayNotifier, logger *log.Logger) (*Recomputer, error) {
	if spaces == nil {
		return nil, errors.New("recomputer: nil space store")
	}
	if reservations == nil {
		return nil, errors.New("recomputer: nil reservation reader")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Recomputer{
		spaces:       spaces,
		reservations: reservations,
		notifier:     notifier,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		maxAttempts:  defaultRecomputeAttempts,
	}, nil
}

// Recompute re-derives the state of one space and commits it when changed.
// An unchanged result writes nothing. Returns the resulting state.
func (r *Recomputer) Recompute(ctx context.Context, spaceID, source, requestID string) (spacestate.State, error) {
	if spaceID == "" {
		return "", errors.New("recomputer: empty space id")
	}
	started := r.now()

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		space, err := r.spaces.Get(ctx, tenancy.Platform(), spaceID)
		if err != nil {
			metrics.ObserveRecompute(err, r.now().Sub(started))
			return "", err
		}
		if space == nil {
			return "", spacestate.ErrNotFound
		}

		now := r.now()
		reserved := false
		if space.Enabled && !space.Maintenance {
			reserved, err = r.reservations.HasActiveNow(ctx, spaceID, now)
			if err != nil {
				metrics.ObserveRecompute(err, r.now().Sub(started))
				return "", err
			}
		}

		next := spacestate.Derive(spacestate.Inputs{
			Enabled:            space.Enabled,
			Maintenance:        space.Maintenance,
			ReservedNow:        reserved,
			SensorAssigned:     space.SensorDeviceID != "",
			SensorOccupied:     space.SensorOccupied,
			OccupancyChangedAt: space.OccupancyChangedAt,
			AutoRelease:        space.AutoRelease(),
			Now:                now,
		})
		if next == space.CurrentState {
			metrics.ObserveRecompute(nil, r.now().Sub(started))
			return next, nil
		}

		applied, err := r.spaces.ApplyTransition(ctx, space, next, source, requestID)
		if err != nil {
			metrics.ObserveRecompute(err, r.now().Sub(started))
			return "", err
		}
		if !applied {
			metrics.IncRecomputeConflict()
			continue
		}

		metrics.IncStateTransition(string(next))
		metrics.ObserveRecompute(nil, r.now().Sub(started))
		r.notify(ctx, space, next)
		return next, nil
	}

	metrics.ObserveRecompute(spacestate.ErrContention, r.now().Sub(started))
	return "", spacestate.ErrContention
}

func (r *Recomputer) notify(ctx context.Context, space *spacestate.Space, state spacestate.State) {
	if r.notifier == nil || space.DisplayDeviceID == "" {
		return
	}
	if err := r.notifier.NotifyStateChange(ctx, space.TenantID, space.ID, space.DisplayDeviceID, string(state)); err != nil {
		r.logger.Printf("recompute: display notify space=%s state=%s: %v", space.ID, state, err)
	}
}
