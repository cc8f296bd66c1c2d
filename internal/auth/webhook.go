package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// SecretResolver returns the shared webhook secret for a tenant hint, or nil
// to fall back to the platform default.
type SecretResolver func(ctx context.Context, tenantHint string) []byte

// WebhookAuthMiddleware validates uplink webhook signatures.
type WebhookAuthMiddleware struct {
	Secret   []byte
	Resolver SecretResolver
}

// NewWebhookAuthMiddleware constructs webhook auth middleware with a
// platform-default secret and an optional per-tenant resolver.
func NewWebhookAuthMiddleware(secret []byte, resolver SecretResolver) *WebhookAuthMiddleware {
	return &WebhookAuthMiddleware{Secret: secret, Resolver: resolver}
}

// Wrap enforces webhook signature validation over the raw request body.
func (m *WebhookAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := strings.TrimSpace(r.Header.Get("X-Signature"))
		if signature == "" {
			http.Error(w, "missing webhook signature", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body error", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		secret := m.Secret
		if m.Resolver != nil {
			if resolved := m.Resolver(r.Context(), r.Header.Get("X-Tenant-ID")); len(resolved) > 0 {
				secret = resolved
			}
		}
		if len(secret) == 0 {
			http.Error(w, "webhook auth not configured", http.StatusUnauthorized)
			return
		}

		expected := ComputeWebhookSignature(secret, body)
		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			http.Error(w, "invalid webhook signature", http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// ComputeWebhookSignature computes the hex HMAC-SHA256 of a raw body.
func ComputeWebhookSignature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
