package models

import (
	"database/sql/driver"
	"encoding/base32"
	"encoding/json"
	"errors"
	"time"

	"github.com/recallgate/recallgate/internal/util"

	"golang.org/x/crypto/bcrypt"
)

// Base32 characters, but lowercased.
const lowerBase32Chars = "abcdefghijklmnopqrstuvwxyz234567"

// base32 encoder that uses lowered characters without padding.
var base32Lower = base32.NewEncoding(lowerBase32Chars).WithPadding(base32.NoPadding)

// Client type constants
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Application type constants
const (
	ApplicationTypeNative = "native"
	ApplicationTypeCLI    = "cli"
	ApplicationTypeMCP    = "mcp"
	ApplicationTypeWeb    = "web"
	ApplicationTypeServer = "server"
)

// OAuthClient is a registered OAuth 2.0 client application. Clients are
// created by administrative seeding; at runtime only scope and redirect
// URI updates are allowed.
type OAuthClient struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	ClientID     string `gorm:"uniqueIndex;not null"`
	ClientSecret string // bcrypt hashed secret; empty for public clients
	ClientName   string `gorm:"not null"`

	ClientType      string `gorm:"not null;default:'confidential'"` // "confidential" or "public"
	ApplicationType string `gorm:"not null;default:'web'"`          // native, cli, mcp, web, server
	RequirePKCE     bool   `gorm:"not null;default:false"`

	RedirectURIs  StringArray `gorm:"type:json"` // exact-match allow-list
	Scopes        string      `gorm:"not null"`  // space-separated allowed scopes
	DefaultScopes string      // granted when the request omits scope

	IsActive  bool `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GenerateClientSecret generates a fresh client secret, stores its bcrypt
// hash on the model, and returns the plaintext (shown once at seeding).
func (c *OAuthClient) GenerateClientSecret() (string, error) {
	rBytes, err := util.CryptoRandomBytes(32)
	if err != nil {
		return "", err
	}
	// Prefix makes it easier for code scanners to grab leaked secrets.
	clientSecret := "rgs_" + base32Lower.EncodeToString(rBytes)

	hashedSecret, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	c.ClientSecret = string(hashedSecret)
	return clientSecret, nil
}

// ValidateClientSecret validates the given secret against the stored hash
func (c *OAuthClient) ValidateClientSecret(secret []byte) bool {
	if c.ClientSecret == "" || len(secret) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.ClientSecret), secret) == nil
}

// AllowsRedirectURI reports whether uri exactly matches a registered
// redirect URI. No prefix or wildcard matching.
func (c *OAuthClient) AllowsRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// StringArray is a custom type for []string stored as JSON in the database
type StringArray []string

// Scan implements sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = []string{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to unmarshal JSON value")
	}
	return json.Unmarshal(bytes, s)
}

// Value implements driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return json.Marshal([]string{})
	}
	return json.Marshal(s)
}

// TableName overrides the table name used by OAuthClient
func (OAuthClient) TableName() string {
	return "oauth_clients"
}
