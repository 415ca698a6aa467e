package models

import (
	"time"
)

// Token category constants
const (
	TokenCategoryAccess  = "access"
	TokenCategoryRefresh = "refresh"
)

// TokenState is the explicit state of a token. Revocation wins over
// expiry so a replayed revoked refresh token is recognised as theft
// signal rather than silently treated as expired.
type TokenState string

const (
	TokenStateActive  TokenState = "active"
	TokenStateRevoked TokenState = "revoked"
	TokenStateExpired TokenState = "expired"
)

// Token is an opaque access or refresh token. Tokens are stored only as
// SHA-256 hashes; the plaintext exists in memory at issuance and never
// again. Refresh tokens are single-use: consuming one revokes it and
// links the replacement via ParentTokenID (the rotation chain).
type Token struct {
	ID          string `gorm:"primaryKey;size:36"`
	TokenHash   string `gorm:"uniqueIndex;not null"`
	TokenPrefix string `gorm:"index;not null;size:8"`
	RawToken    string `gorm:"-"` // In-memory only; never persisted

	Category string `gorm:"not null;default:'access';index"` // 'access' or 'refresh'

	ClientID string `gorm:"not null;index"`
	AuthID   string `gorm:"not null;index;size:36"`
	Scopes   string `gorm:"not null"`

	ExpiresAt time.Time
	RevokedAt *time.Time `gorm:"index"`

	// ParentTokenID links the token tree: a refresh token points at the
	// refresh token it was rotated from, an access token at the refresh
	// token it was issued alongside. Walking the descendants of a refresh
	// token yields everything to revoke when it is revoked or reused.
	ParentTokenID string `gorm:"index"`

	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// State derives the tagged token state from the persisted fields.
func (t *Token) State() TokenState {
	switch {
	case t.RevokedAt != nil:
		return TokenStateRevoked
	case time.Now().After(t.ExpiresAt):
		return TokenStateExpired
	default:
		return TokenStateActive
	}
}

func (t *Token) IsAccessToken() bool {
	return t.Category == TokenCategoryAccess
}

func (t *Token) IsRefreshToken() bool {
	return t.Category == TokenCategoryRefresh
}

func (Token) TableName() string {
	return "tokens"
}
