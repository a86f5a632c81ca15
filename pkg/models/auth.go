package models

import "time"

// PrincipalKind distinguishes the credential a principal was resolved from.
type PrincipalKind string

const (
	KindUser   PrincipalKind = "user"
	KindAPIKey PrincipalKind = "apiKey"
)

// RoleAdmin overrides every permission check.
const RoleAdmin = "admin"

// Principal is the identity attached to a request after authentication.
// It is a snapshot: gates read it, nothing mutates it.
type Principal struct {
	ID          string
	Kind        PrincipalKind
	Role        string
	Permissions PermissionSet
	IsActive    bool
	// OwnerID is the user an API key belongs to. Empty for user principals.
	OwnerID string
}

// IsAdmin reports whether the principal carries the admin role.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// User is an account record held by the identity store.
type User struct {
	ID          string
	Email       string
	Role        string
	Permissions []string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// APIKey is a long-lived credential bound to a user. Only the hash of the
// plaintext key is ever stored.
type APIKey struct {
	ID          string
	OwnerID     string
	Name        string
	KeyHash     string
	Prefix      string
	Role        string
	Permissions []string
	IsActive    bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	LastUsedAt  *time.Time
}

// IsExpired returns true if the key has passed its expiry time.
func (k *APIKey) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// IsRevoked returns true if the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// Usable reports whether the key may authenticate a request right now.
func (k *APIKey) Usable() bool {
	return k.IsActive && !k.IsRevoked() && !k.IsExpired()
}
