package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallgate/recallgate/internal/core"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/util"
)

// ============================================================================
// Resolution
// ============================================================================

func TestResolveExistingCredential(t *testing.T) {
	env := newTestEnv(t)
	identity := env.createIdentity(t)
	ctx := context.Background()

	resolved, err := env.identity.Resolve(ctx, models.MethodPassword, *identity.PrimaryEmail, false, core.ResolveMetadata{})
	require.NoError(t, err)
	assert.Equal(t, identity.AuthID, resolved.AuthID)
	assert.Equal(t, "org_test", resolved.OrganizationID)
	assert.False(t, resolved.FromCache)

	// second resolution is served from cache
	cached, err := env.identity.Resolve(ctx, models.MethodPassword, *identity.PrimaryEmail, false, core.ResolveMetadata{})
	require.NoError(t, err)
	assert.Equal(t, identity.AuthID, cached.AuthID)
	assert.True(t, cached.FromCache)
}

func TestResolveUnknownWithoutProvisioning(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.identity.Resolve(context.Background(), models.MethodAPIKey, util.SHA256Hex("nope"), false, core.ResolveMetadata{})
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestResolveProvisionsNewIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	subject := "github|" + uuid.NewString()[:8]

	resolved, err := env.identity.Resolve(ctx, models.MethodBearerJWT, subject, true, core.ResolveMetadata{
		Provider: "github",
		Email:    "dev@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resolved.AuthID)
	assert.Equal(t, models.MethodBearerJWT, resolved.Method)

	// auto-provisioned identities start pending verification
	identity, err := env.store.GetIdentity(ctx, resolved.AuthID)
	require.NoError(t, err)
	assert.Equal(t, models.IdentityPendingVerification, identity.Status)

	// the same subject resolves to the same identity from now on
	again, err := env.identity.Resolve(ctx, models.MethodBearerJWT, subject, true, core.ResolveMetadata{})
	require.NoError(t, err)
	assert.Equal(t, resolved.AuthID, again.AuthID)
}

func TestResolveConvergesOnFirstUseRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	subject := "race|" + uuid.NewString()[:8]

	// simulate the losing side of the race: the credential appears
	// between the resolver's lookup and its insert
	winner := &models.AuthIdentity{AuthID: uuid.NewString(), Status: models.IdentityActive}
	require.NoError(t, env.store.CreateIdentityWithCredential(ctx, winner, &models.AuthCredential{
		ID: uuid.NewString(), AuthID: winner.AuthID,
		Method: models.MethodBearerJWT, Identifier: subject, IsActive: true,
	}, nil))

	resolved, err := env.identity.Resolve(ctx, models.MethodBearerJWT, subject, true, core.ResolveMetadata{})
	require.NoError(t, err)
	assert.Equal(t, winner.AuthID, resolved.AuthID)
}

func TestResolveInactiveIdentity(t *testing.T) {
	env := newTestEnv(t)
	identity := env.createIdentity(t)
	ctx := context.Background()

	require.NoError(t, env.store.UpdateIdentityStatus(ctx, identity.AuthID, models.IdentitySuspended))

	_, err := env.identity.Resolve(ctx, models.MethodPassword, *identity.PrimaryEmail, false, core.ResolveMetadata{})
	assert.ErrorIs(t, err, ErrIdentityInactive)
}

func TestPurgeStopsCachedResolution(t *testing.T) {
	env := newTestEnv(t)
	identity := env.createIdentity(t)
	ctx := context.Background()
	email := *identity.PrimaryEmail

	_, err := env.identity.Resolve(ctx, models.MethodPassword, email, false, core.ResolveMetadata{})
	require.NoError(t, err)

	// deactivate and purge; the cached entry must not outlive revocation
	require.NoError(t, env.store.DeactivateCredential(ctx, models.MethodPassword, email))
	require.NoError(t, env.identity.Purge(ctx, models.MethodPassword, email))

	_, err = env.identity.Resolve(ctx, models.MethodPassword, email, false, core.ResolveMetadata{})
	assert.ErrorIs(t, err, ErrCredentialUnusable)
}

// ============================================================================
// Link / unlink
// ============================================================================

func TestLinkAndUnlinkCredential(t *testing.T) {
	env := newTestEnv(t)
	identity := env.createIdentity(t)
	ctx := context.Background()

	apiKeyHash := util.SHA256Hex("rgak_" + uuid.NewString())
	require.NoError(t, env.identity.Link(ctx, &models.AuthCredential{
		AuthID:     identity.AuthID,
		Method:     models.MethodAPIKey,
		Identifier: apiKeyHash,
	}, false, "127.0.0.1"))

	resolved, err := env.identity.Resolve(ctx, models.MethodAPIKey, apiKeyHash, false, core.ResolveMetadata{})
	require.NoError(t, err)
	assert.Equal(t, identity.AuthID, resolved.AuthID)

	require.NoError(t, env.identity.Unlink(ctx, identity.AuthID, models.MethodAPIKey, apiKeyHash, "127.0.0.1"))

	_, err = env.identity.Resolve(ctx, models.MethodAPIKey, apiKeyHash, false, core.ResolveMetadata{})
	assert.ErrorIs(t, err, ErrCredentialUnusable)
}

func TestUnlinkLastCredentialRefused(t *testing.T) {
	env := newTestEnv(t)
	identity := env.createIdentity(t)

	err := env.identity.Unlink(context.Background(), identity.AuthID, models.MethodPassword, *identity.PrimaryEmail, "127.0.0.1")
	assert.ErrorIs(t, err, ErrLastCredential)
}

func TestUnlinkForeignCredentialRefused(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createIdentity(t)
	attacker := env.createIdentity(t)

	err := env.identity.Unlink(context.Background(), attacker.AuthID, models.MethodPassword, *owner.PrimaryEmail, "127.0.0.1")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

// ============================================================================
// Password registration and verification
// ============================================================================

func TestRegisterAndVerifyPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	email := uuid.NewString()[:8] + "@example.com"

	registered, err := env.identity.RegisterPassword(ctx, email, "correct horse battery staple", "org_x", core.ResolveMetadata{})
	require.NoError(t, err)

	resolved, err := env.identity.VerifyPassword(ctx, email, "correct horse battery staple", core.ResolveMetadata{})
	require.NoError(t, err)
	assert.Equal(t, registered.AuthID, resolved.AuthID)

	_, err = env.identity.VerifyPassword(ctx, email, "wrong", core.ResolveMetadata{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.identity.VerifyPassword(ctx, "nobody@example.com", "whatever", core.ResolveMetadata{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	email := uuid.NewString()[:8] + "@example.com"

	_, err := env.identity.RegisterPassword(ctx, email, "first", "org_x", core.ResolveMetadata{})
	require.NoError(t, err)

	_, err = env.identity.RegisterPassword(ctx, email, "second", "org_x", core.ResolveMetadata{})
	assert.Error(t, err)
}
