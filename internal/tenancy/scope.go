package tenancy

import (
	"context"
	"errors"
	"fmt"

	"parkgrid-cloud/internal/auth"
)

var (
	// ErrTenantMismatch indicates a resource belongs to a different tenant.
	ErrTenantMismatch = errors.New("tenancy: tenant mismatch")
	// ErrNotFound indicates a resource was not found within the scope.
	ErrNotFound = errors.New("tenancy: resource not found")
	// ErrEmptyScope indicates a scope with neither a tenant nor admin bypass.
	ErrEmptyScope = errors.New("tenancy: empty scope")
)

// Scope is the tenant capability attached to every storage access. A scope
// without the platform flag can only express queries inside its own tenant.
type Scope struct {
	TenantID      string
	PlatformAdmin bool
}

// Platform returns the unrestricted scope used by background sweeps.
func Platform() Scope {
	return Scope{PlatformAdmin: true}
}

// FromContext derives the scope from the authenticated identity.
func FromContext(ctx context.Context) Scope {
	return Scope{
		TenantID:      auth.TenantIDFromContext(ctx),
		PlatformAdmin: auth.IsPlatformAdmin(ctx),
	}
}

// Validate rejects scopes that could not filter anything.
func (s Scope) Validate() error {
	if s.TenantID == "" && !s.PlatformAdmin {
		return ErrEmptyScope
	}
	return nil
}

// CanAccess reports whether the scope may touch a row of the given tenant.
func (s Scope) CanAccess(tenantID string) bool {
	if s.PlatformAdmin {
		return true
	}
	return s.TenantID != "" && s.TenantID == tenantID
}

// Predicate returns a SQL fragment constraining column to the scope's tenant
// and the positional args it consumes, starting at argIndex. Repositories
// append it to every WHERE clause so a cross-tenant query is unexpressible.
func (s Scope) Predicate(column string, argIndex int) (string, []any) {
	fragment := fmt.Sprintf("($%d::boolean OR %s = $%d::uuid)", argIndex, column, argIndex+1)
	tenantID := s.TenantID
	if tenantID == "" {
		// Keeps the uuid cast valid for platform scopes; the boolean arm
		// short-circuits before the comparison matters.
		tenantID = "00000000-0000-0000-0000-000000000000"
	}
	return fragment, []any{s.PlatformAdmin, tenantID}
}
