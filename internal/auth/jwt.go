package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingTenant is returned for tokens that omit the tenant binding.
	ErrMissingTenant = errors.New("auth: token missing tenant_id")
	// ErrUnknownRole is returned for tokens whose role is not recognized.
	ErrUnknownRole = errors.New("auth: token carries unknown role")
)

// Claims carries the tenant binding and role alongside the registered set.
// Platform admins operate across tenants and may omit tenant_id; every
// other role must be bound to exactly one tenant.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Validate runs after the signature and time-window checks pass.
func (c *Claims) Validate() error {
	role, ok := NormalizeRole(c.Role)
	if !ok {
		return ErrUnknownRole
	}
	if c.TenantID == "" && role != RolePlatformAdmin {
		return ErrMissingTenant
	}
	return nil
}

// ParseJWT verifies an HS256 bearer token and returns its claims.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: no signing secret configured")
	}

	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}
