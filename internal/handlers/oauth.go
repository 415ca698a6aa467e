package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/recallgate/recallgate/internal/middleware"
	"github.com/recallgate/recallgate/internal/services"
)

// OAuthHandler serves the protocol endpoints: /oauth/authorize,
// /oauth/token, /oauth/revoke and /oauth/tokeninfo.
type OAuthHandler struct {
	authz  *services.AuthorizationService
	tokens *services.TokenService
}

func NewOAuthHandler(authz *services.AuthorizationService, tokens *services.TokenService) *OAuthHandler {
	return &OAuthHandler{authz: authz, tokens: tokens}
}

// Authorize handles GET /oauth/authorize. An unauthenticated request is
// redirected to the login endpoint with the full authorization URL as
// the continue target. First-party clients are auto-approved once the
// request validates.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	req := services.AuthorizeRequest{
		ClientID:            c.Query("client_id"),
		RedirectURI:         c.Query("redirect_uri"),
		ResponseType:        c.Query("response_type"),
		Scope:               c.Query("scope"),
		State:               c.Query("state"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
	}

	client, scope, err := h.authz.ValidateAuthorizationRequest(c.Request.Context(), req)
	if err != nil {
		h.authorizeError(c, req, err)
		return
	}

	identity, ok := middleware.GetIdentity(c)
	if !ok {
		next := url.QueryEscape(c.Request.URL.RequestURI())
		c.Redirect(http.StatusFound, "/session/login?next="+next)
		return
	}

	code, err := h.authz.CreateAuthorizationCode(c.Request.Context(), client, identity.AuthID, req, scope)
	if err != nil {
		redirectError(c, req.RedirectURI, req.State, "server_error", "could not issue code")
		return
	}

	redirect, _ := url.Parse(req.RedirectURI)
	query := redirect.Query()
	query.Set("code", code)
	if req.State != "" {
		query.Set("state", req.State)
	}
	redirect.RawQuery = query.Encode()
	c.Redirect(http.StatusFound, redirect.String())
}

// authorizeError reports validation failures. Client and redirect URI
// problems are shown directly and never redirected; protocol errors go
// back to the (validated) redirect URI per RFC 6749 §4.1.2.1.
func (h *OAuthHandler) authorizeError(c *gin.Context, req services.AuthorizeRequest, err error) {
	switch {
	case errors.Is(err, services.ErrClientNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client", "error_description": err.Error()})
	case errors.Is(err, services.ErrInvalidRedirectURI):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, services.ErrInvalidResponseType):
		redirectError(c, req.RedirectURI, req.State, "unsupported_response_type", err.Error())
	case errors.Is(err, services.ErrInvalidScope):
		redirectError(c, req.RedirectURI, req.State, "invalid_scope", err.Error())
	case errors.Is(err, services.ErrPKCERequired),
		errors.Is(err, services.ErrInvalidCodeChallenge),
		errors.Is(err, services.ErrUnsupportedChallengeMethod):
		redirectError(c, req.RedirectURI, req.State, "invalid_request", err.Error())
	default:
		// Anything unrecognized is a server fault. The redirect URI may
		// not have been validated, so never bounce the browser there and
		// never echo internal error text.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "authorization request could not be processed"})
	}
}

func redirectError(c *gin.Context, redirectURI, state, code, description string) {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "error_description": description})
		return
	}
	query := redirect.Query()
	query.Set("error", code)
	query.Set("error_description", description)
	if state != "" {
		query.Set("state", state)
	}
	redirect.RawQuery = query.Encode()
	c.Redirect(http.StatusFound, redirect.String())
}

// Token handles POST /oauth/token for both supported grants.
func (h *OAuthHandler) Token(c *gin.Context) {
	clientID, clientSecret := clientCredentials(c)

	switch c.PostForm("grant_type") {
	case "authorization_code":
		h.authorizationCodeGrant(c, clientID, clientSecret)
	case "refresh_token":
		h.refreshTokenGrant(c, clientID, clientSecret)
	case "":
		tokenError(c, http.StatusBadRequest, "invalid_request", "grant_type is required")
	default:
		tokenError(c, http.StatusBadRequest, "unsupported_grant_type", "supported grants: authorization_code, refresh_token")
	}
}

func (h *OAuthHandler) authorizationCodeGrant(c *gin.Context, clientID, clientSecret string) {
	req := services.ExchangeRequest{
		Code:         c.PostForm("code"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  c.PostForm("redirect_uri"),
		CodeVerifier: c.PostForm("code_verifier"),
	}
	if req.Code == "" {
		tokenError(c, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	code, client, err := h.authz.ExchangeCode(c.Request.Context(), req)
	if err != nil {
		exchangeError(c, err)
		return
	}

	pair, err := h.tokens.IssueTokenPair(c.Request.Context(), client, code.AuthID, code.Scopes)
	if err != nil {
		tokenError(c, http.StatusInternalServerError, "server_error", "could not issue tokens")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, pair)
}

func (h *OAuthHandler) refreshTokenGrant(c *gin.Context, clientID, clientSecret string) {
	refreshToken := c.PostForm("refresh_token")
	if refreshToken == "" {
		tokenError(c, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := h.tokens.Refresh(c.Request.Context(), refreshToken, clientID, clientSecret)
	if err != nil {
		refreshError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, pair)
}

func exchangeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrClientNotFound),
		errors.Is(err, services.ErrInvalidClientSecret):
		tokenError(c, http.StatusUnauthorized, "invalid_client", "client authentication failed")
	case errors.Is(err, services.ErrAuthCodeInvalid),
		errors.Is(err, services.ErrAuthCodeExpired),
		errors.Is(err, services.ErrAuthCodeAlreadyUsed),
		errors.Is(err, services.ErrClientMismatch),
		errors.Is(err, services.ErrRedirectMismatch),
		errors.Is(err, services.ErrInvalidCodeVerifier):
		tokenError(c, http.StatusBadRequest, "invalid_grant", err.Error())
	case errors.Is(err, services.ErrPKCERequired):
		tokenError(c, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		tokenError(c, http.StatusInternalServerError, "server_error", "token exchange failed")
	}
}

func refreshError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrClientNotFound),
		errors.Is(err, services.ErrInvalidClientSecret):
		tokenError(c, http.StatusUnauthorized, "invalid_client", "client authentication failed")
	case errors.Is(err, services.ErrRefreshTokenInvalid),
		errors.Is(err, services.ErrRefreshTokenExpired),
		errors.Is(err, services.ErrRefreshTokenReused):
		// reuse detection is deliberately indistinguishable from an
		// invalid token on the wire
		tokenError(c, http.StatusBadRequest, "invalid_grant", "refresh token is invalid")
	default:
		tokenError(c, http.StatusInternalServerError, "server_error", "token refresh failed")
	}
}

// Revoke handles POST /oauth/revoke (RFC 7009). Unknown tokens still
// return success; only failed client authentication is an error.
func (h *OAuthHandler) Revoke(c *gin.Context) {
	clientID, clientSecret := clientCredentials(c)
	token := c.PostForm("token")
	if token == "" {
		tokenError(c, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	err := h.tokens.Revoke(c.Request.Context(), token, clientID, clientSecret)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, services.ErrClientNotFound),
		errors.Is(err, services.ErrInvalidClientSecret):
		tokenError(c, http.StatusUnauthorized, "invalid_client", "client authentication failed")
	default:
		tokenError(c, http.StatusInternalServerError, "server_error", "revocation failed")
	}
}

// TokenInfo handles GET /oauth/tokeninfo: introspection without
// consuming the token. The token comes from the Authorization header or
// the access_token query parameter.
func (h *OAuthHandler) TokenInfo(c *gin.Context) {
	token := c.Query("access_token")
	if token == "" {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		tokenError(c, http.StatusBadRequest, "invalid_request", "no token presented")
		return
	}
	c.JSON(http.StatusOK, h.tokens.Introspect(c.Request.Context(), token))
}

// clientCredentials reads client authentication from HTTP Basic auth,
// falling back to form fields.
func clientCredentials(c *gin.Context) (string, string) {
	if id, secret, ok := c.Request.BasicAuth(); ok {
		return id, secret
	}
	return c.PostForm("client_id"), c.PostForm("client_secret")
}

func tokenError(c *gin.Context, status int, code, description string) {
	c.JSON(status, gin.H{"error": code, "error_description": description})
}
