package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/recallgate/recallgate/internal/cache"
	"github.com/recallgate/recallgate/internal/config"
	"github.com/recallgate/recallgate/internal/core"
	"github.com/recallgate/recallgate/internal/metrics"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/store"
)

type testEnv struct {
	store      *store.Store
	identity   *IdentityService
	authz      *AuthorizationService
	tokens     *TokenService
	provenance *ProvenanceService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		DatabaseDriver:         "sqlite",
		DatabaseDSN:            filepath.Join(t.TempDir(), "test.db"),
		DatabaseTimeout:        5 * time.Second,
		AuthCodeExpiration:     10 * time.Minute,
		AccessTokenExpiration:  time.Hour,
		RefreshTokenExpiration: 720 * time.Hour,
		ResolutionCacheTTL:     30 * time.Second,
	}
	st, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	recorder := metrics.NewNoop()
	resolutionCache := cache.NewMemoryCache[core.ResolvedIdentity](time.Minute)
	t.Cleanup(func() { resolutionCache.Close() })

	provenance := NewProvenanceService(st, recorder, 100, "")
	t.Cleanup(provenance.Close)

	identity := NewIdentityService(st, resolutionCache, recorder, provenance, cfg.ResolutionCacheTTL)
	authz := NewAuthorizationService(st, recorder, provenance, cfg)
	tokens := NewTokenService(st, recorder, provenance, identity, cfg)

	return &testEnv{
		store:      st,
		identity:   identity,
		authz:      authz,
		tokens:     tokens,
		provenance: provenance,
	}
}

// createPublicClient registers a public PKCE-required client.
func (e *testEnv) createPublicClient(t *testing.T) *models.OAuthClient {
	t.Helper()
	client := &models.OAuthClient{
		ClientID:        "test-public-" + uuid.NewString()[:8],
		ClientName:      "Test Public Client",
		ClientType:      models.ClientTypePublic,
		ApplicationType: models.ApplicationTypeNative,
		RequirePKCE:     true,
		RedirectURIs:    models.StringArray{"http://127.0.0.1:9999/callback"},
		Scopes:          "memory:read memory:write profile",
		DefaultScopes:   "memory:read",
		IsActive:        true,
	}
	require.NoError(t, e.store.CreateClient(context.Background(), client))
	return client
}

// createConfidentialClient registers a confidential client and returns
// its plaintext secret.
func (e *testEnv) createConfidentialClient(t *testing.T) (*models.OAuthClient, string) {
	t.Helper()
	client := &models.OAuthClient{
		ClientID:        "test-confidential-" + uuid.NewString()[:8],
		ClientName:      "Test Confidential Client",
		ClientType:      models.ClientTypeConfidential,
		ApplicationType: models.ApplicationTypeServer,
		RedirectURIs:    models.StringArray{"https://app.example.com/callback"},
		Scopes:          "memory:read memory:write profile",
		IsActive:        true,
	}
	secret, err := client.GenerateClientSecret()
	require.NoError(t, err)
	require.NoError(t, e.store.CreateClient(context.Background(), client))
	return client, secret
}

func (e *testEnv) createIdentity(t *testing.T) *models.AuthIdentity {
	t.Helper()
	email := uuid.NewString()[:8] + "@example.com"
	identity := &models.AuthIdentity{
		AuthID:         uuid.NewString(),
		Status:         models.IdentityActive,
		PrimaryEmail:   &email,
		OrganizationID: "org_test",
		EmailVerified:  true,
	}
	credential := &models.AuthCredential{
		ID:         uuid.NewString(),
		AuthID:     identity.AuthID,
		Method:     models.MethodPassword,
		Identifier: email,
		IsPrimary:  true,
		IsActive:   true,
	}
	require.NoError(t, e.store.CreateIdentityWithCredential(context.Background(), identity, credential, nil))
	return identity
}

// testVerifier is a fixed 43-character PKCE verifier; tests derive the
// challenge with util.PKCEChallengeS256.
const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
