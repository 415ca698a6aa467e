package core

import (
	"github.com/gin-gonic/gin"

	"github.com/recallgate/recallgate/internal/models"
)

// CredentialVerifier extracts one kind of credential from an incoming
// request and maps it to a canonical (method, identifier) pair. The
// identity middleware walks an ordered list of verifiers and resolves
// with the first one that matches.
type CredentialVerifier interface {
	// Method returns the authentication method this verifier handles.
	Method() models.AuthMethod

	// Extract inspects the request for this verifier's credential.
	// It returns the canonical identifier and any metadata when the
	// credential is present and valid. ok is false when the credential
	// is absent; an error means the credential was present but invalid
	// and the chain must stop with a 401.
	Extract(c *gin.Context) (identifier string, meta ResolveMetadata, ok bool, err error)

	// AllowProvisioning reports whether a first-seen identifier may
	// auto-create an identity for this method.
	AllowProvisioning() bool
}
