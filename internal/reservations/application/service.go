package application

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"parkgrid-cloud/internal/observability/metrics"
	reservations "parkgrid-cloud/internal/reservations/domain"
	spacestate "parkgrid-cloud/internal/spacestate/domain"
	"parkgrid-cloud/internal/tenancy"
)

// ReservationStore is the repository surface the service needs.
type ReservationStore interface {
	Create(ctx context.Context, res *reservations.Reservation) (*reservations.Reservation, bool, error)
	Get(ctx context.Context, scope tenancy.Scope, id string) (*reservations.Reservation, error)
	List(ctx context.Context, scope tenancy.Scope, spaceID, status string) ([]reservations.Reservation, error)
	CancelActive(ctx context.Context, scope tenancy.Scope, id, actor, reason string) (*reservations.Reservation, error)
	CheckIn(ctx context.Context, scope tenancy.Scope, id string, now time.Time) (*reservations.Reservation, error)
}

// SpaceRecomputer re-derives a space after a booking changes.
type SpaceRecomputer interface {
	Recompute(ctx context.Context, spaceID, source, requestID string) (spacestate.State, error)
}

// CreateRequest carries the fields for a new booking.
type CreateRequest struct {
	SpaceID        string    `json:"space_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	RequesterEmail string    `json:"requester_email"`
	RequesterName  string    `json:"requester_name"`
	RequestID      string    `json:"request_id"`
	Notes          string    `json:"notes"`
}

// CreateResult pairs the persisted reservation with whether this call won
// the insert. A replayed request_id comes back with Created=false.
type CreateResult struct {
	Reservation *reservations.Reservation
	Created     bool
}

// Service handles booking creation, cancellation, and check-in.
type Service struct {
	repo       ReservationStore
	checker    tenancy.SpaceTenantChecker
	recomputer SpaceRecomputer
	logger     *log.Logger
	now        func() time.Time
}

// NewService constructs a reservation service.
func NewService(repo ReservationStore, checker tenancy.SpaceTenantChecker, recomputer SpaceRecomputer, logger *log.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("reservations: nil repo")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		repo:       repo,
		checker:    checker,
		recomputer: recomputer,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create books a space. The storage constraints carry both guarantees:
// a duplicate request_id returns the original booking, an overlapping
// window returns a ConflictError naming the competing booking.
func (s *Service) Create(ctx context.Context, scope tenancy.Scope, req CreateRequest) (*CreateResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if scope.TenantID == "" {
		return nil, &reservations.ValidationError{Reason: "tenant context required"}
	}
	if s.checker != nil {
		if err := s.checker.EnsureSpaceTenant(ctx, scope, req.SpaceID); err != nil {
			return nil, err
		}
	}

	res := &reservations.Reservation{
		TenantID:       scope.TenantID,
		SpaceID:        strings.TrimSpace(req.SpaceID),
		RequestID:      strings.TrimSpace(req.RequestID),
		RequesterEmail: strings.TrimSpace(req.RequesterEmail),
		RequesterName:  strings.TrimSpace(req.RequesterName),
		StartTime:      req.StartTime.UTC(),
		EndTime:        req.EndTime.UTC(),
		Notes:          req.Notes,
	}
	persisted, created, err := s.repo.Create(ctx, res)
	if err != nil {
		var conflict *reservations.ConflictError
		if errors.As(err, &conflict) {
			metrics.IncReservationConflict("overlap")
		}
		return nil, err
	}
	if created {
		metrics.IncReservationCreated()
		s.recompute(ctx, persisted.SpaceID, persisted.RequestID)
	}
	return &CreateResult{Reservation: persisted, Created: created}, nil
}

// Get loads a booking within the scope.
func (s *Service) Get(ctx context.Context, scope tenancy.Scope, id string) (*reservations.Reservation, error) {
	res, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, reservations.ErrNotFound
	}
	return res, nil
}

// List returns the scope's bookings.
func (s *Service) List(ctx context.Context, scope tenancy.Scope, spaceID, status string) ([]reservations.Reservation, error) {
	return s.repo.List(ctx, scope, spaceID, status)
}

// Cancel cancels an active booking and recomputes the space.
func (s *Service) Cancel(ctx context.Context, scope tenancy.Scope, id, actor, reason string) (*reservations.Reservation, error) {
	res, err := s.repo.CancelActive(ctx, scope, id, actor, reason)
	if err != nil {
		if errors.Is(err, reservations.ErrNotActive) {
			metrics.IncReservationConflict("cancel_terminal")
		}
		return nil, err
	}
	s.recompute(ctx, res.SpaceID, res.RequestID)
	return res, nil
}

// CheckIn marks an active booking as checked in.
func (s *Service) CheckIn(ctx context.Context, scope tenancy.Scope, id string) (*reservations.Reservation, error) {
	return s.repo.CheckIn(ctx, scope, id, s.now())
}

func (s *Service) recompute(ctx context.Context, spaceID, requestID string) {
	if s.recomputer == nil {
		return
	}
	if _, err := s.recomputer.Recompute(ctx, spaceID, spacestate.SourceReservation, requestID); err != nil {
		s.logger.Printf("reservations: recompute space=%s: %v", spaceID, err)
	}
}
