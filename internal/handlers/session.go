package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/recallgate/recallgate/internal/core"
	"github.com/recallgate/recallgate/internal/middleware"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/services"
	"github.com/recallgate/recallgate/internal/util"
)

// SessionHandler serves JSON login, logout and registration. Each login
// mints a fresh session secret, stores it in the cookie session and
// binds its hash to the identity as a session credential, so sessions
// revoke through the same credential machinery as every other method.
type SessionHandler struct {
	identity      *services.IdentityService
	sessionMaxAge time.Duration
	defaultOrgID  string
}

func NewSessionHandler(identity *services.IdentityService, sessionMaxAge time.Duration, defaultOrgID string) *SessionHandler {
	return &SessionHandler{
		identity:      identity,
		sessionMaxAge: sessionMaxAge,
		defaultOrgID:  defaultOrgID,
	}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=12"`
}

// Login handles POST /session/login. On success the response carries the
// resolved identity and an optional next URL for a pending authorization
// request.
func (h *SessionHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	meta := core.ResolveMetadata{IPAddress: util.GetIPFromContext(c)}
	resolved, err := h.identity.VerifyPassword(c.Request.Context(), req.Email, req.Password, meta)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "error_description": "email or password incorrect"})
		return
	}

	if err := h.startSession(c, resolved); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "could not create session"})
		return
	}

	response := gin.H{
		"auth_id":         resolved.AuthID,
		"organization_id": resolved.OrganizationID,
		"email":           resolved.Email,
	}
	if next := safeNext(c.Query("next")); next != "" {
		response["next"] = next
	}
	c.JSON(http.StatusOK, response)
}

// Register handles POST /session/register and logs the new identity in.
func (h *SessionHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	meta := core.ResolveMetadata{IPAddress: util.GetIPFromContext(c)}
	resolved, err := h.identity.RegisterPassword(c.Request.Context(), req.Email, req.Password, h.defaultOrgID, meta)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "registration_failed", "error_description": "email may already be registered"})
		return
	}

	if err := h.startSession(c, resolved); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "could not create session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"auth_id": resolved.AuthID, "email": resolved.Email})
}

// Logout handles POST /session/logout: the session credential is
// deactivated and its cached resolution purged, then the cookie cleared.
func (h *SessionHandler) Logout(c *gin.Context) {
	session := sessions.Default(c)
	if sid, ok := session.Get(middleware.SessionKey).(string); ok && sid != "" {
		_ = h.identity.EndSession(c.Request.Context(), util.SHA256Hex(sid), util.GetIPFromContext(c))
	}
	session.Clear()
	session.Options(sessions.Options{MaxAge: -1, Path: "/"})
	_ = session.Save()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SessionHandler) startSession(c *gin.Context, resolved *core.ResolvedIdentity) error {
	sid, err := util.CryptoRandomToken("rgss_")
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(h.sessionMaxAge)
	credential := &models.AuthCredential{
		AuthID:     resolved.AuthID,
		Method:     models.MethodSession,
		Identifier: util.SHA256Hex(sid),
		ExpiresAt:  &expiresAt,
	}
	if err := h.identity.Link(c.Request.Context(), credential, false, util.GetIPFromContext(c)); err != nil {
		return err
	}

	session := sessions.Default(c)
	session.Set(middleware.SessionKey, sid)
	return session.Save()
}

// safeNext only allows relative continue URLs; anything absolute could
// bounce the user off-site after login.
func safeNext(next string) string {
	if next == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(next)
	if err != nil {
		return ""
	}
	if !strings.HasPrefix(decoded, "/") || strings.HasPrefix(decoded, "//") {
		return ""
	}
	return decoded
}
