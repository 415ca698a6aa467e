package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ProvenanceEvent is the type of an identity provenance record.
type ProvenanceEvent string

const (
	// Identity lifecycle
	EventIdentityCreated   ProvenanceEvent = "IDENTITY_CREATED"
	EventIdentitySuspended ProvenanceEvent = "IDENTITY_SUSPENDED"
	EventIdentityDeleted   ProvenanceEvent = "IDENTITY_DELETED"

	// Credential lifecycle
	EventCredentialAdded   ProvenanceEvent = "CREDENTIAL_ADDED"
	EventCredentialRemoved ProvenanceEvent = "CREDENTIAL_REMOVED"
	EventPrimaryChanged    ProvenanceEvent = "PRIMARY_CHANGED"

	// Authentication outcomes
	EventAuthSuccess ProvenanceEvent = "AUTH_SUCCESS"
	EventAuthFailure ProvenanceEvent = "AUTH_FAILURE"

	// OAuth protocol
	EventCodeIssued     ProvenanceEvent = "AUTHORIZATION_CODE_ISSUED"
	EventCodeExchanged  ProvenanceEvent = "AUTHORIZATION_CODE_EXCHANGED"
	EventTokenIssued    ProvenanceEvent = "ACCESS_TOKEN_ISSUED" //nolint:gosec // G101: event name, not a credential
	EventTokenRefreshed ProvenanceEvent = "TOKEN_REFRESHED"
	EventTokenRevoked   ProvenanceEvent = "TOKEN_REVOKED"

	// Security signals
	EventRefreshReuseDetected ProvenanceEvent = "REFRESH_TOKEN_REUSE_DETECTED" //nolint:gosec // G101: event name
)

// ProvenanceDetails stores event-specific information as JSON
type ProvenanceDetails map[string]any

// Value implements the driver.Valuer interface for database storage
func (d ProvenanceDetails) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil //nolint:nilnil // nil driver.Value represents SQL NULL
	}
	return json.Marshal(d)
}

// Scan implements the sql.Scanner interface for database retrieval
func (d *ProvenanceDetails) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to unmarshal ProvenanceDetails value: %v", value)
	}

	result := make(ProvenanceDetails)
	if err := json.Unmarshal(bytes, &result); err != nil {
		return err
	}

	*d = result
	return nil
}

// IdentityProvenance is one record of the append-only provenance log.
// Rows are written once and never mutated or deleted (no UpdatedAt).
type IdentityProvenance struct {
	ID string `gorm:"primaryKey;type:varchar(36)" json:"id"`

	AuthID    string          `gorm:"type:varchar(36);index;not null" json:"auth_id"`
	EventType ProvenanceEvent `gorm:"type:varchar(50);index;not null" json:"event_type"`

	CredentialID string `gorm:"type:varchar(36);index" json:"credential_id,omitempty"`
	ActorAuthID  string `gorm:"type:varchar(36);index" json:"actor_auth_id,omitempty"`
	IPAddress    string `gorm:"type:varchar(45)"       json:"ip_address,omitempty"` // Support IPv6

	Details ProvenanceDetails `gorm:"type:json"      json:"details,omitempty"`
	Success bool              `gorm:"index;not null" json:"success"`

	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`
}

// TableName specifies the table name for GORM
func (IdentityProvenance) TableName() string {
	return "identity_provenance"
}
