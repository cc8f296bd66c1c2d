package postgres

import (
	"context"
	"database/sql"
	"errors"

	reports "parkgrid-cloud/internal/reports/domain"
	"parkgrid-cloud/internal/tenancy"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReportRepository runs the aggregate queries behind operator exports.
type ReportRepository struct {
	db DBTX
}

// NewReportRepository constructs a repository.
func NewReportRepository(db DBTX) *ReportRepository {
	return &ReportRepository{db: db}
}

// Occupancy aggregates state-change activity per space over a window.
// An empty siteID covers all sites in scope.
func (r *ReportRepository) Occupancy(ctx context.Context, scope tenancy.Scope, siteID string, window reports.Window) ([]reports.OccupancyRow, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("report repo: nil db")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}

	predicate, scopeArgs := scope.Predicate("s.tenant_id", 5)
	query := `
SELECT s.id, s.site_id, s.code, s.name, s.current_state,
       COUNT(c.id) AS transitions,
       COUNT(c.id) FILTER (WHERE c.new_state = 'occupied') AS occupied_events,
       MAX(c.changed_at) AS last_changed_at
FROM spaces s
LEFT JOIN state_changes c
       ON c.space_id = s.id AND c.changed_at >= $1 AND c.changed_at < $2
WHERE s.deleted_at IS NULL
  AND ($3::boolean OR s.site_id = $4::uuid)
  AND ` + predicate + `
GROUP BY s.id, s.site_id, s.code, s.name, s.current_state
ORDER BY s.code`

	allSites := siteID == ""
	siteArg := any(nil)
	if !allSites {
		siteArg = siteID
	}
	args := append([]any{window.From.UTC(), window.To.UTC(), allSites, siteArg}, scopeArgs...)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []reports.OccupancyRow
	for rows.Next() {
		var row reports.OccupancyRow
		var lastChanged sql.NullTime
		if err := rows.Scan(
			&row.SpaceID,
			&row.SiteID,
			&row.Code,
			&row.Name,
			&row.CurrentState,
			&row.Transitions,
			&row.OccupiedEvents,
			&lastChanged,
		); err != nil {
			return nil, err
		}
		if lastChanged.Valid {
			t := lastChanged.Time.UTC()
			row.LastChangedAt = &t
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Reservations aggregates reservation activity per space over a window.
func (r *ReportRepository) Reservations(ctx context.Context, scope tenancy.Scope, siteID string, window reports.Window) ([]reports.ReservationRow, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("report repo: nil db")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}

	predicate, scopeArgs := scope.Predicate("s.tenant_id", 5)
	query := `
SELECT s.id, s.site_id, s.code, s.name,
       COUNT(v.id) AS total,
       COUNT(v.id) FILTER (WHERE v.status = 'completed') AS completed,
       COUNT(v.id) FILTER (WHERE v.status = 'cancelled') AS cancelled,
       COUNT(v.id) FILTER (WHERE v.status = 'expired') AS expired,
       COUNT(v.id) FILTER (WHERE v.checked_in) AS checked_in,
       COALESCE(SUM(EXTRACT(EPOCH FROM (v.end_time - v.start_time)) / 3600.0), 0) AS booked_hours
FROM spaces s
LEFT JOIN reservations v
       ON v.space_id = s.id AND v.start_time >= $1 AND v.start_time < $2
WHERE s.deleted_at IS NULL
  AND ($3::boolean OR s.site_id = $4::uuid)
  AND ` + predicate + `
GROUP BY s.id, s.site_id, s.code, s.name
ORDER BY s.code`

	allSites := siteID == ""
	siteArg := any(nil)
	if !allSites {
		siteArg = siteID
	}
	args := append([]any{window.From.UTC(), window.To.UTC(), allSites, siteArg}, scopeArgs...)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []reports.ReservationRow
	for rows.Next() {
		var row reports.ReservationRow
		if err := rows.Scan(
			&row.SpaceID,
			&row.SiteID,
			&row.Code,
			&row.Name,
			&row.Total,
			&row.Completed,
			&row.Cancelled,
			&row.Expired,
			&row.CheckedIn,
			&row.BookedHrs,
		); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
