package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/recallgate/recallgate/internal/core"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/services"
	"github.com/recallgate/recallgate/internal/util"
)

// SessionKey is the session value holding the credential identifier set
// at login.
const SessionKey = "sid"

var (
	errMalformedBearer = errors.New("malformed bearer token")
	errInvalidJWT      = errors.New("invalid bearer JWT")
)

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// ---------------------------------------------------------------------------
// Session cookies
// ---------------------------------------------------------------------------

// SessionVerifier resolves browser sessions. The login handler stores a
// random session identifier both in the cookie session and as a session
// credential on the identity; logout deactivates the credential, so a
// stolen cookie dies with the session.
type SessionVerifier struct{}

func (SessionVerifier) Method() models.AuthMethod { return models.MethodSession }
func (SessionVerifier) AllowProvisioning() bool   { return false }

func (SessionVerifier) Extract(c *gin.Context) (string, core.ResolveMetadata, bool, error) {
	session := sessions.Default(c)
	sid, ok := session.Get(SessionKey).(string)
	if !ok || sid == "" {
		return "", core.ResolveMetadata{}, false, nil
	}
	// The cookie holds the session secret; only its hash is stored.
	return util.SHA256Hex(sid), core.ResolveMetadata{IPAddress: util.GetIPFromContext(c)}, true, nil
}

// ---------------------------------------------------------------------------
// Bearer JWTs from the external SSO issuer
// ---------------------------------------------------------------------------

// BearerJWTVerifier accepts HMAC-signed JWTs from the configured issuer.
// The subject claim is the credential identifier; an unseen subject
// provisions a new identity, which is how SSO users appear on first use.
type BearerJWTVerifier struct {
	Secret string
	Issuer string
}

func (BearerJWTVerifier) Method() models.AuthMethod { return models.MethodBearerJWT }
func (BearerJWTVerifier) AllowProvisioning() bool   { return true }

func (v BearerJWTVerifier) Extract(c *gin.Context) (string, core.ResolveMetadata, bool, error) {
	raw, ok := bearerToken(c)
	if !ok || v.Secret == "" {
		return "", core.ResolveMetadata{}, false, nil
	}
	// Opaque tokens carry a prefix and no dots; only compact JWTs have two.
	if strings.Count(raw, ".") != 2 {
		return "", core.ResolveMetadata{}, false, nil
	}

	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.Issuer))
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	}, parserOpts...)
	if err != nil {
		return "", core.ResolveMetadata{}, false, fmt.Errorf("%w: %v", errInvalidJWT, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", core.ResolveMetadata{}, false, errInvalidJWT
	}

	meta := core.ResolveMetadata{
		Provider:  v.Issuer,
		IPAddress: util.GetIPFromContext(c),
	}
	if email, ok := claims["email"].(string); ok {
		meta.Email = email
	}
	return subject, meta, true, nil
}

// ---------------------------------------------------------------------------
// Opaque OAuth access tokens
// ---------------------------------------------------------------------------

// OAuthTokenVerifier resolves opaque access tokens issued by the token
// endpoint. Validation goes through the token service; the credential
// identifier is the token hash, matching the oauth_token credential
// linked at issuance.
type OAuthTokenVerifier struct {
	Tokens *services.TokenService
}

func (OAuthTokenVerifier) Method() models.AuthMethod { return models.MethodOAuthToken }
func (OAuthTokenVerifier) AllowProvisioning() bool   { return false }

func (v OAuthTokenVerifier) Extract(c *gin.Context) (string, core.ResolveMetadata, bool, error) {
	raw, ok := bearerToken(c)
	if !ok || !strings.HasPrefix(raw, services.AccessTokenPrefix) {
		return "", core.ResolveMetadata{}, false, nil
	}

	token, err := v.Tokens.ValidateAccessToken(c.Request.Context(), raw)
	if err != nil {
		return "", core.ResolveMetadata{}, false, fmt.Errorf("%w: %v", errMalformedBearer, err)
	}
	meta := core.ResolveMetadata{
		Provider:  token.ClientID,
		IPAddress: util.GetIPFromContext(c),
	}
	return token.TokenHash, meta, true, nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// APIKeyVerifier resolves long-lived API keys presented in X-API-Key.
// Keys are registered out of band; the identifier is the key's SHA-256
// hash, so a presented key that was never registered simply fails the
// lookup.
type APIKeyVerifier struct{}

func (APIKeyVerifier) Method() models.AuthMethod { return models.MethodAPIKey }
func (APIKeyVerifier) AllowProvisioning() bool   { return false }

func (APIKeyVerifier) Extract(c *gin.Context) (string, core.ResolveMetadata, bool, error) {
	key := c.GetHeader("X-API-Key")
	if key == "" {
		return "", core.ResolveMetadata{}, false, nil
	}
	return util.SHA256Hex(key), core.ResolveMetadata{IPAddress: util.GetIPFromContext(c)}, true, nil
}

// ---------------------------------------------------------------------------
// Protocol tokens (editor and agent integrations)
// ---------------------------------------------------------------------------

// ProtocolTokenVerifier resolves machine-to-machine protocol tokens
// presented in X-Protocol-Token. Same hashing scheme as API keys, kept
// as a distinct method so the two populations can be audited and revoked
// independently.
type ProtocolTokenVerifier struct{}

func (ProtocolTokenVerifier) Method() models.AuthMethod { return models.MethodProtocolToken }
func (ProtocolTokenVerifier) AllowProvisioning() bool   { return false }

func (ProtocolTokenVerifier) Extract(c *gin.Context) (string, core.ResolveMetadata, bool, error) {
	token := c.GetHeader("X-Protocol-Token")
	if token == "" {
		return "", core.ResolveMetadata{}, false, nil
	}
	return util.SHA256Hex(token), core.ResolveMetadata{IPAddress: util.GetIPFromContext(c)}, true, nil
}

// DefaultVerifiers returns the production chain in evaluation order.
// Order matters: cheap presence checks first, and the JWT verifier must
// run before the opaque-token verifier claims the Authorization header.
func DefaultVerifiers(tokens *services.TokenService, jwtSecret, jwtIssuer string) []core.CredentialVerifier {
	return []core.CredentialVerifier{
		SessionVerifier{},
		BearerJWTVerifier{Secret: jwtSecret, Issuer: jwtIssuer},
		OAuthTokenVerifier{Tokens: tokens},
		APIKeyVerifier{},
		ProtocolTokenVerifier{},
	}
}
