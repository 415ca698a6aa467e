package models

import "time"

// CodeState is the explicit state of an authorization code. The persisted
// schema still uses a consumed timestamp plus an expiry, but all in-process
// decisions go through this tagged value so an illegal combination (e.g.
// consumed and issued at once) cannot be expressed.
type CodeState string

const (
	CodeStateIssued   CodeState = "issued"
	CodeStateConsumed CodeState = "consumed" // terminal, success
	CodeStateExpired  CodeState = "expired"  // terminal, time-based
)

// AuthorizationCode stores OAuth 2.0 authorization codes (RFC 6749).
// Codes are short-lived (at most 10 minutes) and single-use; rows are
// never deleted on consumption, only garbage-collected after expiry.
type AuthorizationCode struct {
	ID   uint   `gorm:"primaryKey;autoIncrement"`
	UUID string `gorm:"uniqueIndex;size:36;not null"` // Public UUID for provenance references

	// Code storage: SHA256 hash for security, prefix for quick lookup
	CodeHash   string `gorm:"uniqueIndex;not null"`  // SHA256(plainCode)
	CodePrefix string `gorm:"index;not null;size:8"` // First 8 chars for quick lookup

	ClientID string `gorm:"not null;index"`
	AuthID   string `gorm:"not null;index;size:36"` // FK → AuthIdentity.AuthID

	RedirectURI string `gorm:"not null"`
	Scopes      string `gorm:"not null"`
	State       string

	// PKCE (RFC 7636); S256 is the only supported method
	CodeChallenge       string `gorm:"default:''"`
	CodeChallengeMethod string `gorm:"default:'S256'"`

	ExpiresAt  time.Time
	ConsumedAt *time.Time // Set exactly once during token exchange
	CreatedAt  time.Time
}

// Lifecycle derives the tagged state from the persisted fields.
// Consumption wins over expiry: a consumed code stays consumed.
func (a *AuthorizationCode) Lifecycle() CodeState {
	switch {
	case a.ConsumedAt != nil:
		return CodeStateConsumed
	case time.Now().After(a.ExpiresAt):
		return CodeStateExpired
	default:
		return CodeStateIssued
	}
}

func (AuthorizationCode) TableName() string {
	return "authorization_codes"
}
