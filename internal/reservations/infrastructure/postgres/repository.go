package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	reservations "parkgrid-cloud/internal/reservations/domain"
	"parkgrid-cloud/internal/tenancy"
)

const defaultReservationsTable = "reservations"

const reservationColumns = `id, tenant_id, space_id, COALESCE(request_id, ''),
COALESCE(requester_email, ''), COALESCE(requester_name, ''), start_time, end_time, status,
checked_in, checked_in_at, cancelled_at, COALESCE(cancelled_by, ''),
COALESCE(cancellation_reason, ''), COALESCE(notes, ''), created_at, updated_at`

// Repository is a Postgres implementation for reservations. Idempotency and
// overlap exclusion both live in the schema, so a plain INSERT is the whole
// concurrency story: the constraint tells us which race we lost.
type Repository struct {
	db    *sql.DB
	table string
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	repo := &Repository{db: db, table: defaultReservationsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Option configures the repository.
type Option func(*Repository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(repo *Repository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Create inserts an active reservation. Returns the persisted reservation
// and whether this call created it; a replayed request_id yields the
// original row with created=false. An overlapping window yields a
// ConflictError naming the competing reservation.
func (r *Repository) Create(ctx context.Context, res *reservations.Reservation) (*reservations.Reservation, bool, error) {
	if r == nil || r.db == nil {
		return nil, false, errors.New("reservation repo: nil db")
	}
	if err := res.Validate(); err != nil {
		return nil, false, err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	tenant_id,
	space_id,
	request_id,
	requester_email,
	requester_name,
	start_time,
	end_time,
	status,
	notes
) VALUES (
	gen_random_uuid(), $1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, NULLIF($9, '')
)
RETURNING id, created_at, updated_at`, r.table)

	err := r.db.QueryRowContext(
		ctx,
		query,
		res.TenantID,
		res.SpaceID,
		res.RequestID,
		res.RequesterEmail,
		res.RequesterName,
		res.StartTime.UTC(),
		res.EndTime.UTC(),
		reservations.StatusActive,
		res.Notes,
	).Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt)
	if err == nil {
		res.Status = reservations.StatusActive
		res.CreatedAt = res.CreatedAt.UTC()
		res.UpdatedAt = res.UpdatedAt.UTC()
		return res, true, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil, false, err
	}
	switch pgErr.Code {
	case "23505":
		// Unique (tenant_id, request_id): the same request already landed,
		// possibly from a concurrent duplicate. Hand back the original.
		existing, ferr := r.FindByRequestID(ctx, res.TenantID, res.RequestID)
		if ferr != nil {
			return nil, false, ferr
		}
		if existing == nil {
			return nil, false, err
		}
		return existing, false, nil
	case "23P01":
		// Range exclusion: another active reservation holds part of the
		// window. Identify it for the caller.
		competing, ferr := r.findOverlapping(ctx, res.SpaceID, res.StartTime, res.EndTime)
		if ferr != nil {
			return nil, false, ferr
		}
		return nil, false, &reservations.ConflictError{SpaceID: res.SpaceID, CompetingID: competing}
	default:
		return nil, false, err
	}
}

// FindByRequestID loads a reservation by its idempotency key.
func (r *Repository) FindByRequestID(ctx context.Context, tenantID, requestID string) (*reservations.Reservation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reservation repo: nil db")
	}
	if tenantID == "" || requestID == "" {
		return nil, nil
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE tenant_id = $1 AND request_id = $2
LIMIT 1`, reservationColumns, r.table)

	res, err := scanReservation(r.db.QueryRowContext(ctx, query, tenantID, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

func (r *Repository) findOverlapping(ctx context.Context, spaceID string, start, end time.Time) (string, error) {
	query := fmt.Sprintf(`
SELECT id
FROM %s
WHERE space_id = $1
	AND status = $2
	AND tstzrange(start_time, end_time) && tstzrange($3, $4)
ORDER BY start_time ASC
LIMIT 1`, r.table)

	var id string
	err := r.db.QueryRowContext(ctx, query, spaceID, reservations.StatusActive, start.UTC(), end.UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// Get loads a reservation within the scope.
func (r *Repository) Get(ctx context.Context, scope tenancy.Scope, id string) (*reservations.Reservation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reservation repo: nil db")
	}
	if id == "" {
		return nil, errors.New("reservation repo: empty id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, args := scope.Predicate("tenant_id", 2)
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1 AND %s
LIMIT 1`, reservationColumns, r.table, predicate)

	res, err := scanReservation(r.db.QueryRowContext(ctx, query, append([]any{id}, args...)...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

// List returns the scope's reservations, optionally filtered.
func (r *Repository) List(ctx context.Context, scope tenancy.Scope, spaceID, status string) ([]reservations.Reservation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reservation repo: nil db")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, args := scope.Predicate("tenant_id", 1)
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE %s`, reservationColumns, r.table, predicate)
	if spaceID != "" {
		query += fmt.Sprintf(" AND space_id = $%d", len(args)+1)
		args = append(args, spaceID)
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, status)
	}
	query += " ORDER BY start_time DESC LIMIT 500"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []reservations.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CancelActive cancels an active reservation. A terminal reservation is not
// silently re-cancelled: the status predicate makes the update a no-op and
// the caller gets ErrNotActive.
func (r *Repository) CancelActive(ctx context.Context, scope tenancy.Scope, id, actor, reason string) (*reservations.Reservation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reservation repo: nil db")
	}
	if id == "" {
		return nil, errors.New("reservation repo: empty id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, scopeArgs := scope.Predicate("tenant_id", 6)
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2,
	cancelled_at = NOW(),
	cancelled_by = $3,
	cancellation_reason = NULLIF($4, ''),
	updated_at = NOW()
WHERE id = $1 AND status = $5 AND %s
RETURNING %s`, r.table, predicate, reservationColumns)

	res, err := scanReservation(r.db.QueryRowContext(ctx, query,
		append([]any{id, reservations.StatusCancelled, actor, reason, reservations.StatusActive}, scopeArgs...)...))
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Distinguish a missing reservation from a terminal one.
	existing, gerr := r.Get(ctx, scope, id)
	if gerr != nil {
		return nil, gerr
	}
	if existing == nil {
		return nil, reservations.ErrNotFound
	}
	return nil, reservations.ErrNotActive
}

// CheckIn marks an active reservation as checked in once its window opened.
func (r *Repository) CheckIn(ctx context.Context, scope tenancy.Scope, id string, now time.Time) (*reservations.Reservation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reservation repo: nil db")
	}
	if id == "" {
		return nil, errors.New("reservation repo: empty id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, scopeArgs := scope.Predicate("tenant_id", 4)
	query := fmt.Sprintf(`
UPDATE %s
SET checked_in = TRUE,
	checked_in_at = COALESCE(checked_in_at, $2),
	updated_at = NOW()
WHERE id = $1 AND status = $3 AND start_time <= $2 AND %s
RETURNING %s`, r.table, predicate, reservationColumns)

	res, err := scanReservation(r.db.QueryRowContext(ctx, query,
		append([]any{id, now.UTC(), reservations.StatusActive}, scopeArgs...)...))
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	existing, gerr := r.Get(ctx, scope, id)
	if gerr != nil {
		return nil, gerr
	}
	if existing == nil {
		return nil, reservations.ErrNotFound
	}
	return nil, reservations.ErrNotActive
}

// ExpiredReservation is one row closed by the expiry sweep.
type ExpiredReservation struct {
	ID      string
	SpaceID string
	Status  string
}

// ExpireOverdue closes every active reservation whose window has ended.
// The status predicate makes re-running the sweep a no-op.
func (r *Repository) ExpireOverdue(ctx context.Context, now time.Time) ([]ExpiredReservation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reservation repo: nil db")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = CASE WHEN checked_in THEN $2 ELSE $3 END,
	updated_at = NOW()
WHERE status = $4 AND end_time <= $1
RETURNING id, space_id, status`, r.table)

	rows, err := r.db.QueryContext(ctx, query, now.UTC(),
		reservations.StatusCompleted, reservations.StatusExpired, reservations.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ExpiredReservation
	for rows.Next() {
		var e ExpiredReservation
		if err := rows.Scan(&e.ID, &e.SpaceID, &e.Status); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// HasActiveNow reports whether an active reservation window covers now.
// The recompute path calls this without a tenant scope.
func (r *Repository) HasActiveNow(ctx context.Context, spaceID string, now time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("reservation repo: nil db")
	}
	if spaceID == "" {
		return false, errors.New("reservation repo: empty space id")
	}

	query := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s
	WHERE space_id = $1 AND status = $2 AND start_time <= $3 AND end_time > $3
)`, r.table)

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, spaceID, reservations.StatusActive, now.UTC()).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// CountActive counts live reservations on a space.
func (r *Repository) CountActive(ctx context.Context, spaceID string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("reservation repo: nil db")
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE space_id = $1 AND status = $2`, r.table)
	var count int
	if err := r.db.QueryRowContext(ctx, query, spaceID, reservations.StatusActive).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*reservations.Reservation, error) {
	var res reservations.Reservation
	var checkedInAt, cancelledAt sql.NullTime
	if err := row.Scan(
		&res.ID,
		&res.TenantID,
		&res.SpaceID,
		&res.RequestID,
		&res.RequesterEmail,
		&res.RequesterName,
		&res.StartTime,
		&res.EndTime,
		&res.Status,
		&res.CheckedIn,
		&checkedInAt,
		&cancelledAt,
		&res.CancelledBy,
		&res.CancellationReason,
		&res.Notes,
		&res.CreatedAt,
		&res.UpdatedAt,
	); err != nil {
		return nil, err
	}
	res.StartTime = res.StartTime.UTC()
	res.EndTime = res.EndTime.UTC()
	if checkedInAt.Valid {
		t := checkedInAt.Time.UTC()
		res.CheckedInAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		res.CancelledAt = &t
	}
	res.CreatedAt = res.CreatedAt.UTC()
	res.UpdatedAt = res.UpdatedAt.UTC()
	return &res, nil
}
