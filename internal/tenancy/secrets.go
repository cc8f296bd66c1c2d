package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"parkgrid-cloud/internal/auth"
)

// WebhookSecrets resolves per-tenant webhook signing secrets from the
// tenants table. Tenants without a configured secret fall back to the
// platform-wide default held by the webhook middleware.
type WebhookSecrets struct {
	db     *sql.DB
	logger *log.Logger
}

// NewWebhookSecrets constructs a WebhookSecrets store.
func NewWebhookSecrets(db *sql.DB, logger *log.Logger) *WebhookSecrets {
	if db == nil {
		return nil
	}
	return &WebhookSecrets{db: db, logger: logger}
}

// Lookup returns the tenant's webhook secret, or nil when the tenant is
// unknown, has no secret configured, or the lookup fails. A nil return
// keeps the platform default in effect rather than locking the tenant out.
func (s *WebhookSecrets) Lookup(ctx context.Context, tenantID string) []byte {
	if s == nil || s.db == nil || tenantID == "" {
		return nil
	}

	var secret sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT webhook_secret
FROM tenants
WHERE id = $1
LIMIT 1`, tenantID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("webhook secret lookup tenant=%s: %v", tenantID, err)
		}
		return nil
	}
	if !secret.Valid || secret.String == "" {
		return nil
	}
	return []byte(secret.String)
}

// Resolver adapts the store to the webhook middleware hook.
func (s *WebhookSecrets) Resolver() auth.SecretResolver {
	if s == nil {
		return nil
	}
	return s.Lookup
}
