package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recallgate/recallgate/internal/middleware"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/services"
	"github.com/recallgate/recallgate/internal/store"
	"github.com/recallgate/recallgate/internal/util"
)

// IdentityHandler serves the identity admin surface: whoami, credential
// linking and the provenance log.
type IdentityHandler struct {
	identity *services.IdentityService
	store    *store.Store
}

func NewIdentityHandler(identity *services.IdentityService, st *store.Store) *IdentityHandler {
	return &IdentityHandler{identity: identity, store: st}
}

type credentialView struct {
	ID        string     `json:"id"`
	Method    string     `json:"method"`
	Provider  string     `json:"provider,omitempty"`
	Platform  string     `json:"platform,omitempty"`
	IsPrimary bool       `json:"is_primary"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Whoami handles GET /identity/me.
func (h *IdentityHandler) Whoami(c *gin.Context) {
	resolved, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity, credentials, err := h.identity.Whoami(c.Request.Context(), resolved.AuthID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	views := make([]credentialView, 0, len(credentials))
	for _, cred := range credentials {
		views = append(views, credentialView{
			ID:        cred.ID,
			Method:    string(cred.Method),
			Provider:  cred.Provider,
			Platform:  cred.Platform,
			IsPrimary: cred.IsPrimary,
			IsActive:  cred.IsActive,
			ExpiresAt: cred.ExpiresAt,
			CreatedAt: cred.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"auth_id":         identity.AuthID,
		"status":          identity.Status,
		"primary_email":   identity.PrimaryEmail,
		"organization_id": identity.OrganizationID,
		"email_verified":  identity.EmailVerified,
		"resolved_via":    string(resolved.Method),
		"credentials":     views,
	})
}

type linkRequest struct {
	Method      string `json:"method" binding:"required"`
	Identifier  string `json:"identifier" binding:"required"`
	Provider    string `json:"provider"`
	Platform    string `json:"platform"`
	MakePrimary bool   `json:"make_primary"`
}

// LinkCredential handles POST /identity/credentials: attach another
// credential to the caller's identity. Secret-bearing methods submit the
// secret; the server stores only its hash.
func (h *IdentityHandler) LinkCredential(c *gin.Context) {
	resolved, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	method := models.AuthMethod(req.Method)
	identifier := req.Identifier
	switch method {
	case models.MethodAPIKey, models.MethodProtocolToken:
		// the submitted value is the secret itself
		identifier = util.SHA256Hex(req.Identifier)
	case models.MethodSession, models.MethodOAuthToken, models.MethodOAuthPKCE:
		// these are linked by their own flows, never by hand
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "method cannot be linked manually"})
		return
	}

	credential := &models.AuthCredential{
		AuthID:     resolved.AuthID,
		Method:     method,
		Identifier: identifier,
		Provider:   req.Provider,
		Platform:   req.Platform,
	}
	err := h.identity.Link(c.Request.Context(), credential, req.MakePrimary, util.GetIPFromContext(c))
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"credential_id": credential.ID, "method": req.Method})
	case errors.Is(err, store.ErrDuplicateCredential):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "error_description": "credential already bound to an identity"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}

type unlinkRequest struct {
	Method     string `json:"method" binding:"required"`
	Identifier string `json:"identifier" binding:"required"`
}

// UnlinkCredential handles DELETE /identity/credentials.
func (h *IdentityHandler) UnlinkCredential(c *gin.Context) {
	resolved, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req unlinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	method := models.AuthMethod(req.Method)
	identifier := req.Identifier
	if method == models.MethodAPIKey || method == models.MethodProtocolToken {
		identifier = util.SHA256Hex(req.Identifier)
	}

	err := h.identity.Unlink(c.Request.Context(), resolved.AuthID, method, identifier, util.GetIPFromContext(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, services.ErrLastCredential):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "error_description": "cannot remove the last active credential"})
	case errors.Is(err, services.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}

// Provenance handles GET /identity/provenance: the caller's own audit
// trail, newest first.
func (h *IdentityHandler) Provenance(c *gin.Context) {
	resolved, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := h.store.ListProvenance(c.Request.Context(), resolved.AuthID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}
