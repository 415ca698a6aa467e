package core

import (
	"context"

	"github.com/recallgate/recallgate/internal/models"
)

// ResolvedIdentity is the convergence result handed to downstream handlers.
// Every credential type collapses to this one shape.
type ResolvedIdentity struct {
	AuthID         string
	OrganizationID string
	Email          string
	Method         models.AuthMethod
	CredentialID   string
	FromCache      bool
}

// ResolveMetadata carries optional context captured at resolution time.
// Fields are only written when an identity or credential is created.
type ResolveMetadata struct {
	Provider  string
	Platform  string
	Email     string
	IPAddress string
}

// Resolver converges a (method, identifier) pair to a stable auth_id.
type Resolver interface {
	// Resolve looks up the identity owning the credential. When
	// createIfMissing is true and no credential exists, a new identity
	// is provisioned and linked atomically.
	Resolve(ctx context.Context, method models.AuthMethod, identifier string, createIfMissing bool, meta ResolveMetadata) (*ResolvedIdentity, error)

	// Purge evicts a resolution from cache. Called when the backing
	// credential is revoked or deactivated.
	Purge(ctx context.Context, method models.AuthMethod, identifier string) error
}
