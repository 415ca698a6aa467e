package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recallgate/recallgate/internal/config"
	"github.com/recallgate/recallgate/internal/core"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/store"
	"github.com/recallgate/recallgate/internal/util"
)

// Token prefixes. They make leaked credentials greppable and let the
// middleware route an opaque string to the right verifier.
const (
	AccessTokenPrefix  = "rgat_"
	RefreshTokenPrefix = "rgrt_"
)

var (
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrRefreshTokenReused  = errors.New("refresh token reuse detected")
	ErrAccessTokenInvalid  = errors.New("access token invalid")
)

// TokenPair is the token endpoint response payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// TokenService issues, rotates and revokes opaque tokens. Every access
// token doubles as an oauth_token credential on the owning identity, so
// the resolver can map a presented token straight to an auth_id and
// revocation can cut resolution off through the same credential.
type TokenService struct {
	store      *store.Store
	metrics    core.Recorder
	provenance *ProvenanceService
	resolver   core.Resolver

	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenService(st *store.Store, recorder core.Recorder, provenance *ProvenanceService, resolver core.Resolver, cfg *config.Config) *TokenService {
	return &TokenService{
		store:      st,
		metrics:    recorder,
		provenance: provenance,
		resolver:   resolver,
		accessTTL:  cfg.AccessTokenExpiration,
		refreshTTL: cfg.RefreshTokenExpiration,
	}
}

func (s *TokenService) newToken(category, prefix, clientID, authID, scopes, parentID string, ttl time.Duration) (*models.Token, error) {
	plain, err := util.CryptoRandomToken(prefix)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return &models.Token{
		ID:            uuid.NewString(),
		TokenHash:     util.SHA256Hex(plain),
		TokenPrefix:   prefix,
		RawToken:      plain,
		Category:      category,
		ClientID:      clientID,
		AuthID:        authID,
		Scopes:        scopes,
		ExpiresAt:     time.Now().Add(ttl),
		ParentTokenID: parentID,
	}, nil
}

// buildPair mints a pair. The refresh token carries the rotation lineage
// in ParentTokenID; the access token is parented to its refresh token, so
// a chain walk from any refresh token reaches its paired access token and
// everything issued after it.
func (s *TokenService) buildPair(clientID, authID, scopes, parentID string) (*models.Token, *models.Token, error) {
	refresh, err := s.newToken(models.TokenCategoryRefresh, RefreshTokenPrefix, clientID, authID, scopes, parentID, s.refreshTTL)
	if err != nil {
		return nil, nil, err
	}
	access, err := s.newToken(models.TokenCategoryAccess, AccessTokenPrefix, clientID, authID, scopes, refresh.ID, s.accessTTL)
	if err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

// IssueTokenPair mints an access/refresh pair for a consumed
// authorization code.
func (s *TokenService) IssueTokenPair(ctx context.Context, client *models.OAuthClient, authID, scopes string) (*TokenPair, error) {
	access, refresh, err := s.buildPair(client.ClientID, authID, scopes, "")
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTokenPair(ctx, access, refresh); err != nil {
		s.metrics.RecordDatabaseQueryError("create_token_pair")
		return nil, fmt.Errorf("persist tokens: %w", err)
	}

	s.linkAccessCredential(ctx, access)

	s.metrics.RecordTokenIssued(client.ClientID, models.TokenCategoryAccess)
	s.metrics.RecordTokenIssued(client.ClientID, models.TokenCategoryRefresh)
	s.provenance.Record(authID, models.EventTokenIssued, true,
		WithDetails(models.ProvenanceDetails{"client_id": client.ClientID, "scope": scopes, "token_id": access.ID}))

	return s.pairResponse(access, refresh), nil
}

func (s *TokenService) pairResponse(access, refresh *models.Token) *TokenPair {
	return &TokenPair{
		AccessToken:  access.RawToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(access.ExpiresAt).Seconds()),
		RefreshToken: refresh.RawToken,
		Scope:        access.Scopes,
	}
}

// linkAccessCredential binds the new access token to its identity as an
// oauth_token credential, identified by the token hash. Resolution of the
// token then goes through the same converging path as every other method.
func (s *TokenService) linkAccessCredential(ctx context.Context, access *models.Token) {
	credential := &models.AuthCredential{
		ID:         uuid.NewString(),
		AuthID:     access.AuthID,
		Method:     models.MethodOAuthToken,
		Identifier: access.TokenHash,
		Provider:   access.ClientID,
		IsActive:   true,
		ExpiresAt:  &access.ExpiresAt,
	}
	if err := s.store.LinkCredential(ctx, credential, false); err != nil {
		// token hash collisions do not happen; anything here is a real fault
		s.metrics.RecordDatabaseQueryError("link_token_credential")
	}
}

// Refresh rotates a refresh token: the presented token is revoked and a
// new pair is issued, linked via ParentTokenID. Presenting an already
// rotated or revoked refresh token is treated as theft: the entire
// rotation chain is revoked and the caller gets nothing.
func (s *TokenService) Refresh(ctx context.Context, refreshPlain, clientID, clientSecret string) (*TokenPair, error) {
	client, err := s.store.GetClientByID(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup client: %w", err)
	}
	if client.ClientType == models.ClientTypeConfidential && !client.ValidateClientSecret([]byte(clientSecret)) {
		return nil, ErrInvalidClientSecret
	}

	token, err := s.store.GetTokenByHash(ctx, util.SHA256Hex(refreshPlain))
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.RecordTokenRefresh(clientID, "invalid")
		return nil, ErrRefreshTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if !token.IsRefreshToken() || token.ClientID != clientID {
		s.metrics.RecordTokenRefresh(clientID, "invalid")
		return nil, ErrRefreshTokenInvalid
	}

	switch token.State() {
	case models.TokenStateRevoked:
		return nil, s.handleReuse(ctx, token)
	case models.TokenStateExpired:
		s.metrics.RecordTokenRefresh(clientID, "expired")
		return nil, ErrRefreshTokenExpired
	}

	access, refresh, err := s.buildPair(clientID, token.AuthID, token.Scopes, token.ID)
	if err != nil {
		return nil, err
	}
	err = s.store.RotateRefreshToken(ctx, token.ID, access, refresh)
	if errors.Is(err, store.ErrTokenConsumed) {
		// Lost a race against another rotation of the same token, which
		// is exactly the reuse shape.
		return nil, s.handleReuse(ctx, token)
	}
	if err != nil {
		s.metrics.RecordDatabaseQueryError("rotate_refresh_token")
		return nil, fmt.Errorf("rotate token: %w", err)
	}

	s.linkAccessCredential(ctx, access)

	s.metrics.RecordTokenRefresh(clientID, "success")
	s.provenance.Record(token.AuthID, models.EventTokenRefreshed, true,
		WithDetails(models.ProvenanceDetails{"client_id": clientID, "rotated_from": token.ID, "token_id": access.ID}))

	return s.pairResponse(access, refresh), nil
}

// handleReuse revokes the whole rotation family of a reused refresh
// token and deactivates every linked access credential.
func (s *TokenService) handleReuse(ctx context.Context, token *models.Token) error {
	root := token.ID
	if token.ParentTokenID != "" {
		// revoke from the chain root the reused token knows about
		root = token.ParentTokenID
	}
	revokedHashes, err := s.store.RevokeTokenChain(ctx, root)
	if err != nil {
		s.metrics.RecordDatabaseQueryError("revoke_token_chain")
	}
	// the reused token itself is already revoked; its credential may not be
	s.deactivateTokenCredentials(ctx, append(revokedHashes, token.TokenHash))

	s.metrics.RecordReuseDetected(token.ClientID)
	s.metrics.RecordTokenRefresh(token.ClientID, "reuse_detected")
	s.provenance.Record(token.AuthID, models.EventRefreshReuseDetected, false,
		WithDetails(models.ProvenanceDetails{"client_id": token.ClientID, "token_id": token.ID, "revoked": len(revokedHashes)}))
	return ErrRefreshTokenReused
}

func (s *TokenService) deactivateTokenCredentials(ctx context.Context, tokenHashes []string) {
	for _, hash := range tokenHashes {
		err := s.store.DeactivateCredential(ctx, models.MethodOAuthToken, hash)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.metrics.RecordDatabaseQueryError("deactivate_token_credential")
		}
		_ = s.resolver.Purge(ctx, models.MethodOAuthToken, hash)
	}
}

// Revoke handles RFC 7009 revocation. Revoking an unknown or foreign
// token is a silent no-op: the endpoint never confirms whether a token
// existed. Revoking a refresh token takes its descendants with it.
func (s *TokenService) Revoke(ctx context.Context, tokenPlain, clientID, clientSecret string) error {
	client, err := s.store.GetClientByID(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrClientNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup client: %w", err)
	}
	if client.ClientType == models.ClientTypeConfidential && !client.ValidateClientSecret([]byte(clientSecret)) {
		return ErrInvalidClientSecret
	}

	token, err := s.store.GetTokenByHash(ctx, util.SHA256Hex(tokenPlain))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}
	if token.ClientID != clientID {
		return nil
	}
	if token.RevokedAt != nil {
		return nil
	}

	if token.IsRefreshToken() {
		revokedHashes, err := s.store.RevokeTokenChain(ctx, token.ID)
		if err != nil {
			s.metrics.RecordDatabaseQueryError("revoke_token_chain")
			return fmt.Errorf("revoke chain: %w", err)
		}
		s.deactivateTokenCredentials(ctx, revokedHashes)
	} else {
		if err := s.store.RevokeToken(ctx, token.ID); err != nil {
			s.metrics.RecordDatabaseQueryError("revoke_token")
			return fmt.Errorf("revoke token: %w", err)
		}
		s.deactivateTokenCredentials(ctx, []string{token.TokenHash})
	}

	s.metrics.RecordTokenRevoked(clientID)
	s.provenance.Record(token.AuthID, models.EventTokenRevoked, true,
		WithDetails(models.ProvenanceDetails{"client_id": clientID, "token_id": token.ID, "category": token.Category}))
	return nil
}

// ValidateAccessToken checks a presented access token and returns its
// row. Used by the oauth_token verifier and the introspection endpoint.
func (s *TokenService) ValidateAccessToken(ctx context.Context, tokenPlain string) (*models.Token, error) {
	token, err := s.store.GetTokenByHash(ctx, util.SHA256Hex(tokenPlain))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAccessTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if !token.IsAccessToken() || token.State() != models.TokenStateActive {
		return nil, ErrAccessTokenInvalid
	}
	s.store.TouchToken(ctx, token.ID)
	return token, nil
}

// Introspection is the RFC 7662 response shape.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

// Introspect reports a token's state without consuming it. Inactive
// tokens yield {"active": false} with no further detail.
func (s *TokenService) Introspect(ctx context.Context, tokenPlain string) *Introspection {
	token, err := s.store.GetTokenByHash(ctx, util.SHA256Hex(tokenPlain))
	if err != nil || token.State() != models.TokenStateActive {
		return &Introspection{Active: false}
	}
	return &Introspection{
		Active:    true,
		Scope:     token.Scopes,
		ClientID:  token.ClientID,
		Sub:       token.AuthID,
		TokenType: token.Category,
		Exp:       token.ExpiresAt.Unix(),
		Iat:       token.CreatedAt.Unix(),
	}
}
