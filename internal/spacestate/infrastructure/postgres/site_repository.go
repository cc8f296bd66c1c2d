package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	spacestate "parkgrid-cloud/internal/spacestate/domain"
)

const defaultSitesTable = "sites"

// SiteRepository resolves site ownership for space creation.
type SiteRepository struct {
	db    DBTX
	table string
}

// NewSiteRepository constructs a repository.
func NewSiteRepository(db DBTX) *SiteRepository {
	return &SiteRepository{db: db, table: defaultSitesTable}
}

// TenantOf returns the owning tenant of a site.
func (r *SiteRepository) TenantOf(ctx context.Context, siteID string) (string, error) {
	if r == nil || r.db == nil {
		return "", errors.New("site repo: nil db")
	}
	if siteID == "" {
		return "", errors.New("site repo: empty site id")
	}

	query := fmt.Sprintf(`SELECT tenant_id FROM %s WHERE id = $1 LIMIT 1`, r.table)
	var tenantID string
	if err := r.db.QueryRowContext(ctx, query, siteID).Scan(&tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", spacestate.ErrNotFound
		}
		return "", err
	}
	return tenantID, nil
}
