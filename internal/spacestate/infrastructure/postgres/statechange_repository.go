package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	spacestate "parkgrid-cloud/internal/spacestate/domain"
	"parkgrid-cloud/internal/tenancy"
)

// StateChangeRepository reads the append-only transition log.
type StateChangeRepository struct {
	db    DBTX
	table string
}

// NewStateChangeRepository constructs a repository.
func NewStateChangeRepository(db DBTX) *StateChangeRepository {
	return &StateChangeRepository{db: db, table: defaultStateChangesTable}
}

// ListBySpace returns transitions for one space, newest first.
func (r *StateChangeRepository) ListBySpace(ctx context.Context, scope tenancy.Scope, spaceID string, limit int) ([]spacestate.StateChange, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("state change repo: nil db")
	}
	if spaceID == "" {
		return nil, errors.New("state change repo: empty space id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	predicate, args := scope.Predicate("tenant_id", 3)
	query := fmt.Sprintf(`
SELECT id, tenant_id, space_id, previous_state, new_state, source, COALESCE(request_id, ''), changed_at
FROM %s
WHERE space_id = $1 AND %s
ORDER BY changed_at DESC, id DESC
LIMIT $2`, r.table, predicate)

	rows, err := r.db.QueryContext(ctx, query, append([]any{spaceID, limit}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []spacestate.StateChange
	for rows.Next() {
		var change spacestate.StateChange
		var previous, next string
		if err := rows.Scan(
			&change.ID,
			&change.TenantID,
			&change.SpaceID,
			&previous,
			&next,
			&change.Source,
			&change.RequestID,
			&change.ChangedAt,
		); err != nil {
			return nil, err
		}
		change.PreviousState = spacestate.State(previous)
		change.NewState = spacestate.State(next)
		change.ChangedAt = change.ChangedAt.UTC()
		result = append(result, change)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CountBySpace returns the total number of transitions recorded for a space.
func (r *StateChangeRepository) CountBySpace(ctx context.Context, spaceID string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("state change repo: nil db")
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE space_id = $1`, r.table)
	var count int
	if err := r.db.QueryRowContext(ctx, query, spaceID).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}
