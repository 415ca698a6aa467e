package models

import (
	"time"
)

// AuthMethod enumerates every credential type the resolver understands.
// The set is fixed; adding a method means adding a verifier, not editing
// the router.
type AuthMethod string

const (
	MethodSession       AuthMethod = "session"
	MethodBearerJWT     AuthMethod = "bearer_jwt"
	MethodAPIKey        AuthMethod = "api_key"
	MethodOAuthPKCE     AuthMethod = "oauth_pkce"
	MethodOAuthToken    AuthMethod = "oauth_token"
	MethodMagicLink     AuthMethod = "magic_link"
	MethodEmailOTP      AuthMethod = "email_otp"
	MethodSMSOTP        AuthMethod = "sms_otp"
	MethodSSOSession    AuthMethod = "sso_session"
	MethodPassword      AuthMethod = "password"
	MethodPasskey       AuthMethod = "passkey"
	MethodProtocolToken AuthMethod = "protocol_token"
)

// IdentityStatus is the lifecycle state of an AuthIdentity.
type IdentityStatus string

const (
	IdentityActive              IdentityStatus = "active"
	IdentitySuspended           IdentityStatus = "suspended"
	IdentityDeleted             IdentityStatus = "deleted"
	IdentityPendingVerification IdentityStatus = "pending_verification"
)

// AuthIdentity is the Universal Authentication Identifier (UAI): the one
// canonical identity every credential resolves to. AuthID is immutable for
// the entity's lifetime and never reused; deletion is a status change.
type AuthIdentity struct {
	AuthID         string         `gorm:"primaryKey;size:36"`
	Status         IdentityStatus `gorm:"not null;default:'active';index"`
	PrimaryEmail   *string        `gorm:"uniqueIndex"`
	OrganizationID string         `gorm:"index"`
	EmailVerified  bool           `gorm:"not null;default:false"`
	LastAuthAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (i *AuthIdentity) IsActive() bool {
	return i.Status == IdentityActive || i.Status == IdentityPendingVerification
}

func (AuthIdentity) TableName() string {
	return "auth_identities"
}

// AuthCredential binds one external credential to exactly one identity.
// The unique index on (method, identifier) is the invariant that prevents
// a single external credential from resolving to two different identities.
type AuthCredential struct {
	ID     string     `gorm:"primaryKey;size:36"`
	AuthID string     `gorm:"not null;index;size:36"`
	Method AuthMethod `gorm:"not null;size:32;uniqueIndex:idx_method_identifier"`

	// Method-specific external identifier: email for password credentials,
	// SHA-256 hash for API keys and opaque tokens, JWT subject for SSO.
	Identifier string `gorm:"not null;size:255;uniqueIndex:idx_method_identifier"`

	// CredentialHash is empty for methods whose identifier is already a
	// hash of the secret (api_key, oauth_token, session); bcrypt for
	// passwords.
	CredentialHash string `gorm:"type:text"`

	Provider  string `gorm:"size:64"`
	Platform  string `gorm:"size:64"`
	IsPrimary bool   `gorm:"not null;default:false"`
	IsActive  bool   `gorm:"not null;default:true;index"`

	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (c *AuthCredential) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Usable reports whether the credential may currently resolve an identity.
func (c *AuthCredential) Usable() bool {
	return c.IsActive && !c.IsExpired()
}

func (AuthCredential) TableName() string {
	return "auth_credentials"
}
