package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/recallgate/recallgate/internal/core"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/store"
)

var (
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrIdentityInactive   = errors.New("identity is not active")
	ErrCredentialUnusable = errors.New("credential is revoked or expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLastCredential     = errors.New("cannot remove the last active credential")
)

// IdentityService converges every credential type onto a stable auth_id.
// Resolutions are served through a short-TTL cache; anything that changes
// a credential's validity purges the corresponding entry.
type IdentityService struct {
	store      *store.Store
	cache      core.Cache[core.ResolvedIdentity]
	metrics    core.Recorder
	provenance *ProvenanceService
	cacheTTL   time.Duration
}

func NewIdentityService(st *store.Store, cache core.Cache[core.ResolvedIdentity], recorder core.Recorder, provenance *ProvenanceService, cacheTTL time.Duration) *IdentityService {
	return &IdentityService{
		store:      st,
		cache:      cache,
		metrics:    recorder,
		provenance: provenance,
		cacheTTL:   cacheTTL,
	}
}

func cacheKey(method models.AuthMethod, identifier string) string {
	return "resolve:" + string(method) + ":" + identifier
}

// Resolve maps (method, identifier) to the owning identity. With
// createIfMissing set, an unknown identifier provisions a new identity
// and binds the credential atomically; a concurrent first use converges
// on whichever provision won the unique-index race.
func (s *IdentityService) Resolve(ctx context.Context, method models.AuthMethod, identifier string, createIfMissing bool, meta core.ResolveMetadata) (*core.ResolvedIdentity, error) {
	if cached, err := s.cache.Get(ctx, cacheKey(method, identifier)); err == nil {
		cached.FromCache = true
		s.metrics.RecordResolution(string(method), "success", true)
		return &cached, nil
	}

	resolved, err := s.resolveFromStore(ctx, method, identifier, createIfMissing, meta)
	if err != nil {
		s.metrics.RecordResolution(string(method), outcomeFor(err), false)
		return nil, err
	}

	// best effort; a failed cache write only costs the next lookup
	_ = s.cache.Set(ctx, cacheKey(method, identifier), *resolved, s.cacheTTL)
	s.metrics.RecordResolution(string(method), "success", false)
	return resolved, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		return "not_found"
	case errors.Is(err, ErrIdentityInactive):
		return "inactive"
	case errors.Is(err, ErrCredentialUnusable):
		return "credential_unusable"
	default:
		return "error"
	}
}

func (s *IdentityService) resolveFromStore(ctx context.Context, method models.AuthMethod, identifier string, createIfMissing bool, meta core.ResolveMetadata) (*core.ResolvedIdentity, error) {
	credential, err := s.store.GetCredential(ctx, method, identifier)
	if errors.Is(err, store.ErrNotFound) {
		if !createIfMissing {
			return nil, ErrIdentityNotFound
		}
		return s.provision(ctx, method, identifier, meta)
	}
	if err != nil {
		s.metrics.RecordDatabaseQueryError("get_credential")
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	return s.finishResolve(ctx, credential, meta)
}

func (s *IdentityService) finishResolve(ctx context.Context, credential *models.AuthCredential, meta core.ResolveMetadata) (*core.ResolvedIdentity, error) {
	if !credential.Usable() {
		s.provenance.Record(credential.AuthID, models.EventAuthFailure, false,
			WithCredential(credential.ID), WithIP(meta.IPAddress),
			WithDetails(models.ProvenanceDetails{"reason": "credential_unusable", "method": string(credential.Method)}))
		return nil, ErrCredentialUnusable
	}

	identity, err := s.store.GetIdentity(ctx, credential.AuthID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		s.metrics.RecordDatabaseQueryError("get_identity")
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if !identity.IsActive() {
		s.provenance.Record(identity.AuthID, models.EventAuthFailure, false,
			WithCredential(credential.ID), WithIP(meta.IPAddress),
			WithDetails(models.ProvenanceDetails{"reason": "identity_" + string(identity.Status)}))
		return nil, ErrIdentityInactive
	}

	s.store.TouchCredentialUsage(ctx, credential.ID, identity.AuthID)
	s.provenance.Record(identity.AuthID, models.EventAuthSuccess, true,
		WithCredential(credential.ID), WithIP(meta.IPAddress),
		WithDetails(models.ProvenanceDetails{"method": string(credential.Method)}))

	email := ""
	if identity.PrimaryEmail != nil {
		email = *identity.PrimaryEmail
	}
	return &core.ResolvedIdentity{
		AuthID:         identity.AuthID,
		OrganizationID: identity.OrganizationID,
		Email:          email,
		Method:         credential.Method,
		CredentialID:   credential.ID,
	}, nil
}

// provision creates a fresh identity for a first-seen credential. New
// identities start in pending_verification until an email is verified.
func (s *IdentityService) provision(ctx context.Context, method models.AuthMethod, identifier string, meta core.ResolveMetadata) (*core.ResolvedIdentity, error) {
	status := models.IdentityPendingVerification
	var email *string
	if meta.Email != "" {
		e := meta.Email
		email = &e
	}

	identity := &models.AuthIdentity{
		AuthID:       uuid.NewString(),
		Status:       status,
		PrimaryEmail: email,
	}
	credential := &models.AuthCredential{
		ID:         uuid.NewString(),
		AuthID:     identity.AuthID,
		Method:     method,
		Identifier: identifier,
		Provider:   meta.Provider,
		Platform:   meta.Platform,
		IsPrimary:  true,
		IsActive:   true,
	}
	provenance := &models.IdentityProvenance{
		ID:           uuid.NewString(),
		AuthID:       identity.AuthID,
		EventType:    models.EventIdentityCreated,
		CredentialID: credential.ID,
		IPAddress:    meta.IPAddress,
		Details:      models.ProvenanceDetails{"method": string(method), "provider": meta.Provider},
		Success:      true,
		CreatedAt:    time.Now(),
	}

	err := s.store.CreateIdentityWithCredential(ctx, identity, credential, provenance)
	switch {
	case err == nil:
		s.metrics.RecordIdentityCreated(string(method))
	case errors.Is(err, store.ErrDuplicateCredential):
		// Lost the first-use race; the winner's identity is authoritative.
		winner, lookupErr := s.store.GetCredential(ctx, method, identifier)
		if lookupErr != nil {
			return nil, fmt.Errorf("converge on concurrent provision: %w", lookupErr)
		}
		return s.finishResolve(ctx, winner, meta)
	case errors.Is(err, store.ErrDuplicateEmail):
		// Same person, new method: bind the credential to the identity
		// that already owns the email.
		return s.linkToEmailOwner(ctx, method, identifier, meta)
	default:
		s.metrics.RecordDatabaseQueryError("create_identity")
		return nil, fmt.Errorf("provision identity: %w", err)
	}

	return &core.ResolvedIdentity{
		AuthID:         identity.AuthID,
		OrganizationID: identity.OrganizationID,
		Email:          meta.Email,
		Method:         method,
		CredentialID:   credential.ID,
	}, nil
}

func (s *IdentityService) linkToEmailOwner(ctx context.Context, method models.AuthMethod, identifier string, meta core.ResolveMetadata) (*core.ResolvedIdentity, error) {
	owner, err := s.store.GetIdentityByEmail(ctx, meta.Email)
	if err != nil {
		return nil, fmt.Errorf("lookup email owner: %w", err)
	}
	credential := &models.AuthCredential{
		ID:         uuid.NewString(),
		AuthID:     owner.AuthID,
		Method:     method,
		Identifier: identifier,
		Provider:   meta.Provider,
		Platform:   meta.Platform,
		IsActive:   true,
	}
	if err := s.Link(ctx, credential, false, meta.IPAddress); err != nil {
		if errors.Is(err, store.ErrDuplicateCredential) {
			winner, lookupErr := s.store.GetCredential(ctx, method, identifier)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return s.finishResolve(ctx, winner, meta)
		}
		return nil, err
	}
	return s.finishResolve(ctx, credential, meta)
}

// Purge evicts a resolution from cache. Callers invoke it whenever the
// backing credential stops being valid; within one cache TTL at most, a
// revoked credential stops resolving everywhere.
func (s *IdentityService) Purge(ctx context.Context, method models.AuthMethod, identifier string) error {
	return s.cache.Delete(ctx, cacheKey(method, identifier))
}

// Link binds an additional credential to an existing identity.
func (s *IdentityService) Link(ctx context.Context, credential *models.AuthCredential, makePrimary bool, ip string) error {
	if credential.ID == "" {
		credential.ID = uuid.NewString()
	}
	credential.IsActive = true
	if err := s.store.LinkCredential(ctx, credential, makePrimary); err != nil {
		return err
	}
	s.provenance.Record(credential.AuthID, models.EventCredentialAdded, true,
		WithCredential(credential.ID), WithIP(ip),
		WithDetails(models.ProvenanceDetails{"method": string(credential.Method)}))
	if makePrimary {
		s.provenance.Record(credential.AuthID, models.EventPrimaryChanged, true,
			WithCredential(credential.ID), WithIP(ip))
	}
	return nil
}

// Unlink deactivates a credential and purges its cached resolution. The
// last active credential of an identity cannot be removed; that would
// strand the identity with no way to authenticate.
func (s *IdentityService) Unlink(ctx context.Context, authID string, method models.AuthMethod, identifier string, ip string) error {
	credential, err := s.store.GetCredential(ctx, method, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return ErrIdentityNotFound
	}
	if err != nil {
		return err
	}
	if credential.AuthID != authID {
		return ErrIdentityNotFound
	}

	active, err := s.store.CountActiveCredentials(ctx, authID)
	if err != nil {
		return err
	}
	if credential.IsActive && active <= 1 {
		return ErrLastCredential
	}

	if err := s.store.DeactivateCredential(ctx, method, identifier); err != nil {
		return err
	}
	_ = s.Purge(ctx, method, identifier)
	s.provenance.Record(authID, models.EventCredentialRemoved, true,
		WithCredential(credential.ID), WithIP(ip),
		WithDetails(models.ProvenanceDetails{"method": string(method)}))
	return nil
}

// EndSession deactivates a session credential and purges its cached
// resolution. Unlike Unlink it is exempt from the last-credential rule;
// logging out of the only session must always work.
func (s *IdentityService) EndSession(ctx context.Context, identifier, ip string) error {
	credential, err := s.store.GetCredential(ctx, models.MethodSession, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.DeactivateCredential(ctx, models.MethodSession, identifier); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	_ = s.Purge(ctx, models.MethodSession, identifier)
	s.provenance.Record(credential.AuthID, models.EventCredentialRemoved, true,
		WithCredential(credential.ID), WithIP(ip),
		WithDetails(models.ProvenanceDetails{"method": string(models.MethodSession), "reason": "logout"}))
	return nil
}

// VerifyPassword checks an email/password pair and resolves the identity.
// Wrong email and wrong password are indistinguishable to the caller.
func (s *IdentityService) VerifyPassword(ctx context.Context, email, password string, meta core.ResolveMetadata) (*core.ResolvedIdentity, error) {
	credential, err := s.store.GetCredential(ctx, models.MethodPassword, email)
	if errors.Is(err, store.ErrNotFound) {
		// Burn comparable time so absent accounts are not detectable.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(credential.CredentialHash), []byte(password)) != nil {
		s.provenance.Record(credential.AuthID, models.EventAuthFailure, false,
			WithCredential(credential.ID), WithIP(meta.IPAddress),
			WithDetails(models.ProvenanceDetails{"reason": "bad_password"}))
		return nil, ErrInvalidCredentials
	}
	resolved, err := s.finishResolve(ctx, credential, meta)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return resolved, nil
}

// RegisterPassword provisions a new identity with a password credential.
func (s *IdentityService) RegisterPassword(ctx context.Context, email, password, orgID string, meta core.ResolveMetadata) (*core.ResolvedIdentity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	identity := &models.AuthIdentity{
		AuthID:         uuid.NewString(),
		Status:         models.IdentityPendingVerification,
		PrimaryEmail:   &email,
		OrganizationID: orgID,
	}
	credential := &models.AuthCredential{
		ID:             uuid.NewString(),
		AuthID:         identity.AuthID,
		Method:         models.MethodPassword,
		Identifier:     email,
		CredentialHash: string(hash),
		IsPrimary:      true,
		IsActive:       true,
	}
	provenance := &models.IdentityProvenance{
		ID:           uuid.NewString(),
		AuthID:       identity.AuthID,
		EventType:    models.EventIdentityCreated,
		CredentialID: credential.ID,
		IPAddress:    meta.IPAddress,
		Details:      models.ProvenanceDetails{"method": string(models.MethodPassword)},
		Success:      true,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateIdentityWithCredential(ctx, identity, credential, provenance); err != nil {
		return nil, err
	}
	s.metrics.RecordIdentityCreated(string(models.MethodPassword))

	return &core.ResolvedIdentity{
		AuthID:         identity.AuthID,
		OrganizationID: orgID,
		Email:          email,
		Method:         models.MethodPassword,
		CredentialID:   credential.ID,
	}, nil
}

// Whoami returns the identity and its credentials for the admin surface.
func (s *IdentityService) Whoami(ctx context.Context, authID string) (*models.AuthIdentity, []models.AuthCredential, error) {
	identity, err := s.store.GetIdentity(ctx, authID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	credentials, err := s.store.ListCredentials(ctx, authID)
	if err != nil {
		return nil, nil, err
	}
	return identity, credentials, nil
}

var _ core.Resolver = (*IdentityService)(nil)
