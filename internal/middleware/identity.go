package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/recallgate/recallgate/internal/core"
)

// Forwardable identity headers. The middleware stamps them onto the
// request after resolution so upstream memory services receive the
// converged identity without re-authenticating.
const (
	HeaderAuthID       = "X-UAI-Auth-Id"
	HeaderOrganization = "X-UAI-Organization"
	HeaderAuthMethod   = "X-UAI-Auth-Method"
	HeaderCredentialID = "X-UAI-Credential-Id"
	HeaderFromCache    = "X-UAI-From-Cache"
)

const identityContextKey = "resolved_identity"

// GetIdentity returns the resolved identity for the request, if any.
func GetIdentity(c *gin.Context) (*core.ResolvedIdentity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return nil, false
	}
	identity, ok := value.(*core.ResolvedIdentity)
	return identity, ok
}

// IdentityOptions configures the convergence middleware.
type IdentityOptions struct {
	// SkipPaths bypass resolution entirely (health, metrics, the token
	// endpoint which authenticates clients itself).
	SkipPaths []string
	// AnonymousPaths attempt resolution but let unauthenticated
	// requests through without identity headers.
	AnonymousPaths []string
}

// Identity is the convergence middleware: it walks the verifier chain,
// resolves whatever credential the request carries to an auth_id, and
// stamps the identity onto context and forwardable headers. Exactly one
// verifier ever resolves a given request; the first match wins.
func Identity(resolver core.Resolver, verifiers []core.CredentialVerifier, opts IdentityOptions) gin.HandlerFunc {
	skip := toSet(opts.SkipPaths)
	anonymous := toSet(opts.AnonymousPaths)

	return func(c *gin.Context) {
		// Inbound identity headers are ours to set, never the client's.
		stripIdentityHeaders(c)

		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		for _, verifier := range verifiers {
			identifier, meta, ok, err := verifier.Extract(c)
			if err != nil {
				// credential present but invalid; do not fall through to
				// weaker verifiers
				abortUnauthorized(c, anonymous)
				return
			}
			if !ok {
				continue
			}

			resolved, err := resolver.Resolve(c.Request.Context(), verifier.Method(), identifier, verifier.AllowProvisioning(), meta)
			if err != nil {
				abortUnauthorized(c, anonymous)
				return
			}

			c.Set(identityContextKey, resolved)
			setIdentityHeaders(c, resolved)
			c.Next()
			return
		}

		// no credential at all
		if anonymous[c.Request.URL.Path] {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":             "unauthorized",
			"error_description": "no valid credential presented",
		})
	}
}

func abortUnauthorized(c *gin.Context, anonymous map[string]bool) {
	if anonymous[c.Request.URL.Path] {
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":             "unauthorized",
		"error_description": "credential rejected",
	})
}

func stripIdentityHeaders(c *gin.Context) {
	for _, header := range []string{HeaderAuthID, HeaderOrganization, HeaderAuthMethod, HeaderCredentialID, HeaderFromCache} {
		c.Request.Header.Del(header)
	}
}

func setIdentityHeaders(c *gin.Context, identity *core.ResolvedIdentity) {
	c.Request.Header.Set(HeaderAuthID, identity.AuthID)
	c.Request.Header.Set(HeaderAuthMethod, string(identity.Method))
	c.Request.Header.Set(HeaderCredentialID, identity.CredentialID)
	c.Request.Header.Set(HeaderFromCache, strconv.FormatBool(identity.FromCache))
	if identity.OrganizationID != "" {
		c.Request.Header.Set(HeaderOrganization, identity.OrganizationID)
	}
}

func toSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}
