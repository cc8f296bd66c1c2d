package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	spacestate "parkgrid-cloud/internal/spacestate/domain"
	"parkgrid-cloud/internal/tenancy"
)

const (
	defaultSpacesTable       = "spaces"
	defaultStateChangesTable = "state_changes"
)

const spaceColumns = `id, tenant_id, site_id, code, name, enabled, current_state,
sensor_occupied, maintenance, COALESCE(maintenance_reason, ''), COALESCE(auto_release_minutes, 0),
COALESCE(sensor_device_id::text, ''), COALESCE(display_device_id::text, ''),
state_changed_at, occupancy_changed_at, version, deleted_at, created_at, updated_at`

// SpaceRepository is a Postgres implementation for spaces. ApplyTransition
// opens its own transaction, so the repository holds a *sql.DB rather than
// a DBTX.
type SpaceRepository struct {
	db           *sql.DB
	table        string
	changesTable string
}

// NewSpaceRepository constructs a repository.
func NewSpaceRepository(db *sql.DB, opts ...SpaceOption) *SpaceRepository {
	repo := &SpaceRepository{db: db, table: defaultSpacesTable, changesTable: defaultStateChangesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// SpaceOption configures the repository.
type SpaceOption func(*SpaceRepository)

// WithSpacesTable overrides the default table name.
func WithSpacesTable(table string) SpaceOption {
	return func(repo *SpaceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WithStateChangesTable overrides the default state change table name.
func WithStateChangesTable(table string) SpaceOption {
	return func(repo *SpaceRepository) {
		if table != "" {
			repo.changesTable = table
		}
	}
}

// Get loads a non-deleted space visible to the scope.
func (r *SpaceRepository) Get(ctx context.Context, scope tenancy.Scope, id string) (*spacestate.Space, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("space repo: nil db")
	}
	if id == "" {
		return nil, errors.New("space repo: empty id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, args := scope.Predicate("tenant_id", 2)
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1 AND deleted_at IS NULL AND %s
LIMIT 1`, spaceColumns, r.table, predicate)

	space, err := scanSpace(r.db.QueryRowContext(ctx, query, append([]any{id}, args...)...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return space, nil
}

// List loads spaces for the scope, optionally restricted to one site.
func (r *SpaceRepository) List(ctx context.Context, scope tenancy.Scope, siteID string) ([]spacestate.Space, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("space repo: nil db")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, args := scope.Predicate("tenant_id", 1)
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE deleted_at IS NULL AND %s`, spaceColumns, r.table, predicate)
	if siteID != "" {
		query += fmt.Sprintf(" AND site_id = $%d", len(args)+1)
		args = append(args, siteID)
	}
	query += " ORDER BY code ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []spacestate.Space
	for rows.Next() {
		space, err := scanSpace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *space)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Create inserts a space. The duplicate-code unique index turns a racing
// insert into ErrDuplicateCode.
func (r *SpaceRepository) Create(ctx context.Context, space *spacestate.Space) error {
	if r == nil || r.db == nil {
		return errors.New("space repo: nil db")
	}
	if space == nil {
		return errors.New("space repo: nil space")
	}
	if err := space.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	tenant_id,
	site_id,
	code,
	name,
	enabled,
	current_state,
	maintenance,
	auto_release_minutes
) VALUES (
	gen_random_uuid(), $1, $2, $3, $4, $5, $6, FALSE, NULLIF($7, 0)
)
RETURNING id, created_at, updated_at`, r.table)

	state := space.CurrentState
	if state == "" {
		state = spacestate.StateUnknown
	}
	err := r.db.QueryRowContext(
		ctx,
		query,
		space.TenantID,
		space.SiteID,
		space.Code,
		space.Name,
		space.Enabled,
		string(state),
		space.AutoReleaseMinutes,
	).Scan(&space.ID, &space.CreatedAt, &space.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return spacestate.ErrDuplicateCode
		}
		return err
	}
	space.CurrentState = state
	space.CreatedAt = space.CreatedAt.UTC()
	space.UpdatedAt = space.UpdatedAt.UTC()
	return nil
}

// SetSensorState records the latest accepted sensor report. The occupancy
// timestamp moves only when the value actually flips, which is what the
// auto-release window is measured from.
func (r *SpaceRepository) SetSensorState(ctx context.Context, spaceID string, occupied bool, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("space repo: nil db")
	}
	if spaceID == "" {
		return errors.New("space repo: empty id")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET sensor_occupied = $2,
	occupancy_changed_at = CASE
		WHEN sensor_occupied IS DISTINCT FROM $2 THEN $3
		ELSE occupancy_changed_at
	END,
	updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL`, r.table)

	_, err := r.db.ExecContext(ctx, query, spaceID, occupied, at.UTC())
	return err
}

// SetMaintenance flips the maintenance override.
func (r *SpaceRepository) SetMaintenance(ctx context.Context, scope tenancy.Scope, spaceID string, on bool, reason string) error {
	if r == nil || r.db == nil {
		return errors.New("space repo: nil db")
	}
	if spaceID == "" {
		return errors.New("space repo: empty id")
	}
	if err := scope.Validate(); err != nil {
		return err
	}

	predicate, args := scope.Predicate("tenant_id", 4)
	query := fmt.Sprintf(`
UPDATE %s
SET maintenance = $2,
	maintenance_reason = NULLIF($3, ''),
	updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL AND %s`, r.table, predicate)

	res, err := r.db.ExecContext(ctx, query, append([]any{spaceID, on, reason}, args...)...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return spacestate.ErrNotFound
	}
	return nil
}

// SetEnabled flips the enablement flag.
func (r *SpaceRepository) SetEnabled(ctx context.Context, scope tenancy.Scope, spaceID string, enabled bool) error {
	if r == nil || r.db == nil {
		return errors.New("space repo: nil db")
	}
	if spaceID == "" {
		return errors.New("space repo: empty id")
	}
	if err := scope.Validate(); err != nil {
		return err
	}

	predicate, args := scope.Predicate("tenant_id", 3)
	query := fmt.Sprintf(`
UPDATE %s
SET enabled = $2, updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL AND %s`, r.table, predicate)

	res, err := r.db.ExecContext(ctx, query, append([]any{spaceID, enabled}, args...)...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return spacestate.ErrNotFound
	}
	return nil
}

// SoftDelete tombstones a space so its code can be reused.
func (r *SpaceRepository) SoftDelete(ctx context.Context, scope tenancy.Scope, spaceID string) error {
	if r == nil || r.db == nil {
		return errors.New("space repo: nil db")
	}
	if spaceID == "" {
		return errors.New("space repo: empty id")
	}
	if err := scope.Validate(); err != nil {
		return err
	}

	predicate, args := scope.Predicate("tenant_id", 2)
	query := fmt.Sprintf(`
UPDATE %s
SET deleted_at = NOW(), updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL AND %s`, r.table, predicate)

	res, err := r.db.ExecContext(ctx, query, append([]any{spaceID}, args...)...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return spacestate.ErrNotFound
	}
	return nil
}

// ApplyTransition performs the optimistic state write. The version guard and
// the audit insert commit together; false without error means another writer
// advanced the row first and the caller should reload and retry.
func (r *SpaceRepository) ApplyTransition(ctx context.Context, space *spacestate.Space, newState spacestate.State, source, requestID string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("space repo: nil db")
	}
	if space == nil {
		return false, errors.New("space repo: nil space")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	update := fmt.Sprintf(`
UPDATE %s
SET current_state = $2,
	state_changed_at = NOW(),
	version = version + 1,
	updated_at = NOW()
WHERE id = $1 AND version = $3 AND deleted_at IS NULL`, r.table)

	res, err := tx.ExecContext(ctx, update, space.ID, string(newState), space.Version)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (tenant_id, space_id, previous_state, new_state, source, request_id)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`, r.changesTable)

	if _, err := tx.ExecContext(
		ctx,
		insert,
		space.TenantID,
		space.ID,
		string(space.CurrentState),
		string(newState),
		source,
		requestID,
	); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ListAutoReleaseCandidates returns ids of occupied spaces whose occupancy
// report has outlived the auto-release window as of now.
func (r *SpaceRepository) ListAutoReleaseCandidates(ctx context.Context, now time.Time) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("space repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id
FROM %s
WHERE deleted_at IS NULL
	AND enabled
	AND NOT maintenance
	AND current_state = $2
	AND COALESCE(auto_release_minutes, 0) > 0
	AND occupancy_changed_at IS NOT NULL
	AND occupancy_changed_at + make_interval(mins => auto_release_minutes) <= $1`, r.table)

	rows, err := r.db.QueryContext(ctx, query, now.UTC(), string(spacestate.StateOccupied))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// CountByState returns occupancy totals per state for the scope.
func (r *SpaceRepository) CountByState(ctx context.Context, scope tenancy.Scope) (map[string]int, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("space repo: nil db")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, args := scope.Predicate("tenant_id", 1)
	query := fmt.Sprintf(`
SELECT current_state, COUNT(*)
FROM %s
WHERE deleted_at IS NULL AND %s
GROUP BY current_state`, r.table, predicate)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		result[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpace(row rowScanner) (*spacestate.Space, error) {
	var space spacestate.Space
	var state string
	var stateChangedAt, occupancyChangedAt, deletedAt sql.NullTime
	if err := row.Scan(
		&space.ID,
		&space.TenantID,
		&space.SiteID,
		&space.Code,
		&space.Name,
		&space.Enabled,
		&state,
		&space.SensorOccupied,
		&space.Maintenance,
		&space.MaintenanceReason,
		&space.AutoReleaseMinutes,
		&space.SensorDeviceID,
		&space.DisplayDeviceID,
		&stateChangedAt,
		&occupancyChangedAt,
		&space.Version,
		&deletedAt,
		&space.CreatedAt,
		&space.UpdatedAt,
	); err != nil {
		return nil, err
	}
	space.CurrentState = spacestate.State(state)
	if stateChangedAt.Valid {
		space.StateChangedAt = stateChangedAt.Time.UTC()
	}
	if occupancyChangedAt.Valid {
		space.OccupancyChangedAt = occupancyChangedAt.Time.UTC()
	}
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		space.DeletedAt = &t
	}
	space.CreatedAt = space.CreatedAt.UTC()
	space.UpdatedAt = space.UpdatedAt.UTC()
	return &space, nil
}
