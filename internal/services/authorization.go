package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recallgate/recallgate/internal/config"
	"github.com/recallgate/recallgate/internal/core"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/store"
	"github.com/recallgate/recallgate/internal/util"
)

var (
	ErrClientNotFound             = errors.New("client not found or inactive")
	ErrInvalidRedirectURI         = errors.New("redirect_uri not registered for client")
	ErrInvalidResponseType        = errors.New("unsupported response_type")
	ErrInvalidScope               = errors.New("requested scope exceeds client allowance")
	ErrPKCERequired               = errors.New("code_challenge required for this client")
	ErrInvalidCodeChallenge       = errors.New("malformed code_challenge")
	ErrUnsupportedChallengeMethod = errors.New("only S256 code_challenge_method is supported")
	ErrAuthCodeInvalid            = errors.New("authorization code invalid")
	ErrAuthCodeExpired            = errors.New("authorization code expired")
	ErrAuthCodeAlreadyUsed        = errors.New("authorization code already used")
	ErrClientMismatch             = errors.New("code was issued to a different client")
	ErrRedirectMismatch           = errors.New("redirect_uri does not match the authorization request")
	ErrInvalidCodeVerifier        = errors.New("code_verifier does not match code_challenge")
	ErrInvalidClientSecret        = errors.New("client authentication failed")
)

// AuthorizeRequest carries the query parameters of GET /oauth/authorize.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ExchangeRequest carries the parameters of the authorization_code grant.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
}

// AuthorizationService implements the front half of the authorization
// code flow: request validation, code issuance and the single-use
// exchange with PKCE verification.
type AuthorizationService struct {
	store      *store.Store
	metrics    core.Recorder
	provenance *ProvenanceService
	codeTTL    time.Duration
}

func NewAuthorizationService(st *store.Store, recorder core.Recorder, provenance *ProvenanceService, cfg *config.Config) *AuthorizationService {
	return &AuthorizationService{
		store:      st,
		metrics:    recorder,
		provenance: provenance,
		codeTTL:    cfg.AuthCodeExpiration,
	}
}

// ValidateAuthorizationRequest checks an incoming authorization request
// before any user interaction. It returns the client and the effective
// scope string. Redirect URI and client errors must NOT redirect; the
// handler shows them directly.
func (s *AuthorizationService) ValidateAuthorizationRequest(ctx context.Context, req AuthorizeRequest) (*models.OAuthClient, string, error) {
	client, err := s.store.GetClientByID(ctx, req.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrClientNotFound
	}
	if err != nil {
		s.metrics.RecordDatabaseQueryError("get_client")
		return nil, "", fmt.Errorf("lookup client: %w", err)
	}

	// Validate redirect_uri before anything else; every later error is
	// reported via redirect and a forged URI would turn the server into
	// an open redirector.
	if !client.AllowsRedirectURI(req.RedirectURI) {
		return nil, "", ErrInvalidRedirectURI
	}

	if req.ResponseType != "code" {
		return client, "", ErrInvalidResponseType
	}

	if err := s.validatePKCEParams(client, req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return client, "", err
	}

	scope, err := resolveScope(client, req.Scope)
	if err != nil {
		return client, "", err
	}
	return client, scope, nil
}

func (s *AuthorizationService) validatePKCEParams(client *models.OAuthClient, challenge, method string) error {
	pkceMandatory := client.RequirePKCE || client.ClientType == models.ClientTypePublic
	if challenge == "" {
		if pkceMandatory {
			return ErrPKCERequired
		}
		return nil
	}
	if method != "" && method != "S256" {
		return ErrUnsupportedChallengeMethod
	}
	// base64url(SHA-256) is exactly 43 characters
	if len(challenge) != 43 {
		return ErrInvalidCodeChallenge
	}
	return nil
}

// resolveScope returns the granted scope: the request's scope when every
// entry is allowed for the client, the client's defaults when omitted.
func resolveScope(client *models.OAuthClient, requested string) (string, error) {
	if requested == "" {
		if client.DefaultScopes != "" {
			return client.DefaultScopes, nil
		}
		return client.Scopes, nil
	}
	allowed := make(map[string]bool)
	for _, s := range strings.Fields(client.Scopes) {
		allowed[s] = true
	}
	for _, s := range strings.Fields(requested) {
		if !allowed[s] {
			return "", ErrInvalidScope
		}
	}
	return requested, nil
}

// CreateAuthorizationCode mints a single-use code after the user granted
// consent. Returns the plaintext code; only its hash is persisted.
func (s *AuthorizationService) CreateAuthorizationCode(ctx context.Context, client *models.OAuthClient, authID string, req AuthorizeRequest, grantedScope string) (string, error) {
	plainCode, err := util.CryptoRandomToken("")
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = "S256"
	}

	code := &models.AuthorizationCode{
		UUID:                uuid.NewString(),
		CodeHash:            util.SHA256Hex(plainCode),
		CodePrefix:          plainCode[:8],
		ClientID:            client.ClientID,
		AuthID:              authID,
		RedirectURI:         req.RedirectURI,
		Scopes:              grantedScope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		ExpiresAt:           time.Now().Add(s.codeTTL),
	}
	if err := s.store.CreateAuthorizationCode(ctx, code); err != nil {
		s.metrics.RecordDatabaseQueryError("create_authorization_code")
		return "", fmt.Errorf("persist code: %w", err)
	}

	s.metrics.RecordCodeIssued(client.ClientID)
	s.provenance.Record(authID, models.EventCodeIssued, true,
		WithDetails(models.ProvenanceDetails{"client_id": client.ClientID, "scope": grantedScope, "code_uuid": code.UUID}))
	return plainCode, nil
}

// ExchangeCode consumes an authorization code and verifies every binding
// on it. Consumption happens FIRST and is atomic: whatever later check
// fails, the code is burned and can never be replayed.
func (s *AuthorizationService) ExchangeCode(ctx context.Context, req ExchangeRequest) (*models.AuthorizationCode, *models.OAuthClient, error) {
	client, err := s.store.GetClientByID(ctx, req.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.RecordCodeExchange(req.ClientID, "unknown_client")
		return nil, nil, ErrClientNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup client: %w", err)
	}

	if err := s.authenticateClient(client, req.ClientSecret, req.CodeVerifier); err != nil {
		s.metrics.RecordCodeExchange(client.ClientID, "auth_failed")
		return nil, nil, err
	}

	code, err := s.store.ConsumeAuthorizationCode(ctx, util.SHA256Hex(req.Code))
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.metrics.RecordCodeExchange(client.ClientID, "invalid_code")
		return nil, nil, ErrAuthCodeInvalid
	case errors.Is(err, store.ErrCodeExpired):
		s.metrics.RecordCodeExchange(client.ClientID, "expired")
		return nil, nil, ErrAuthCodeExpired
	case errors.Is(err, store.ErrCodeConsumed):
		s.metrics.RecordCodeExchange(client.ClientID, "replayed")
		return nil, nil, ErrAuthCodeAlreadyUsed
	case err != nil:
		s.metrics.RecordDatabaseQueryError("consume_authorization_code")
		return nil, nil, fmt.Errorf("consume code: %w", err)
	}

	if code.ClientID != client.ClientID {
		s.metrics.RecordCodeExchange(client.ClientID, "client_mismatch")
		return nil, nil, ErrClientMismatch
	}
	if code.RedirectURI != req.RedirectURI {
		s.metrics.RecordCodeExchange(client.ClientID, "redirect_mismatch")
		return nil, nil, ErrRedirectMismatch
	}
	if err := verifyPKCE(code, req.CodeVerifier); err != nil {
		s.metrics.RecordCodeExchange(client.ClientID, "pkce_failed")
		s.provenance.Record(code.AuthID, models.EventAuthFailure, false,
			WithDetails(models.ProvenanceDetails{"reason": "pkce_mismatch", "client_id": client.ClientID}))
		return nil, nil, err
	}

	s.metrics.RecordCodeExchange(client.ClientID, "success")
	s.provenance.Record(code.AuthID, models.EventCodeExchanged, true,
		WithDetails(models.ProvenanceDetails{"client_id": client.ClientID, "code_uuid": code.UUID}))
	return code, client, nil
}

// authenticateClient enforces the client's authentication mode on the
// token endpoint. Confidential clients present their secret; public
// clients must carry a PKCE verifier instead.
func (s *AuthorizationService) authenticateClient(client *models.OAuthClient, secret, verifier string) error {
	if client.ClientType == models.ClientTypeConfidential {
		if !client.ValidateClientSecret([]byte(secret)) {
			return ErrInvalidClientSecret
		}
		return nil
	}
	if verifier == "" {
		return ErrPKCERequired
	}
	return nil
}

// verifyPKCE checks the code_verifier against the challenge recorded at
// authorization time (RFC 7636 §4.6).
func verifyPKCE(code *models.AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		// No challenge was bound; a stray verifier is ignored.
		return nil
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return ErrInvalidCodeVerifier
	}
	if code.CodeChallengeMethod != "S256" {
		return ErrUnsupportedChallengeMethod
	}
	if !util.ConstantTimeEquals(util.PKCEChallengeS256(verifier), code.CodeChallenge) {
		return ErrInvalidCodeVerifier
	}
	return nil
}
