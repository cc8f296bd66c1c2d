package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SpaceTenantChecker validates space tenant ownership.
type SpaceTenantChecker interface {
	EnsureSpaceTenant(ctx context.Context, scope Scope, spaceID string) error
}

// SpaceChecker checks space ownership against the spaces table.
type SpaceChecker struct {
	db *sql.DB
}

// NewSpaceChecker constructs a SpaceChecker.
func NewSpaceChecker(db *sql.DB) *SpaceChecker {
	if db == nil {
		return nil
	}
	return &SpaceChecker{db: db}
}

// EnsureSpaceTenant verifies the space belongs to the scope's tenant.
func (c *SpaceChecker) EnsureSpaceTenant(ctx context.Context, scope Scope, spaceID string) error {
	if c == nil || c.db == nil {
		return nil
	}
	if spaceID == "" {
		return nil
	}
	if err := scope.Validate(); err != nil {
		return err
	}

	var tenantID string
	err := c.db.QueryRowContext(ctx, `
SELECT tenant_id
FROM spaces
WHERE id = $1
LIMIT 1`, spaceID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !scope.CanAccess(tenantID) {
		return fmt.Errorf("space %s: %w", spaceID, ErrTenantMismatch)
	}
	return nil
}
