package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/util"
)

func issuePair(t *testing.T, env *testEnv) (*TokenPair, *models.OAuthClient, *models.AuthIdentity) {
	t.Helper()
	client := env.createPublicClient(t)
	identity := env.createIdentity(t)
	pair, err := env.tokens.IssueTokenPair(context.Background(), client, identity.AuthID, "memory:read")
	require.NoError(t, err)
	return pair, client, identity
}

// ============================================================================
// Issuance
// ============================================================================

func TestIssueTokenPair(t *testing.T) {
	env := newTestEnv(t)
	pair, _, identity := issuePair(t, env)

	assert.True(t, strings.HasPrefix(pair.AccessToken, AccessTokenPrefix))
	assert.True(t, strings.HasPrefix(pair.RefreshToken, RefreshTokenPrefix))
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.InDelta(t, 3600, pair.ExpiresIn, 5)

	// the access token is linked as a credential on the identity
	credential, err := env.store.GetCredential(context.Background(),
		models.MethodOAuthToken, util.SHA256Hex(pair.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, identity.AuthID, credential.AuthID)
	assert.True(t, credential.Usable())
}

func TestValidateAccessToken(t *testing.T) {
	env := newTestEnv(t)
	pair, _, identity := issuePair(t, env)
	ctx := context.Background()

	token, err := env.tokens.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, identity.AuthID, token.AuthID)

	// a refresh token is not an access token
	_, err = env.tokens.ValidateAccessToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrAccessTokenInvalid)

	_, err = env.tokens.ValidateAccessToken(ctx, "rgat_garbage")
	assert.ErrorIs(t, err, ErrAccessTokenInvalid)
}

// ============================================================================
// Refresh rotation and reuse detection
// ============================================================================

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	pair, client, _ := issuePair(t, env)
	ctx := context.Background()

	next, err := env.tokens.Refresh(ctx, pair.RefreshToken, client.ClientID, "")
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Equal(t, "memory:read", next.Scope)

	// the new pair works
	_, err = env.tokens.ValidateAccessToken(ctx, next.AccessToken)
	assert.NoError(t, err)
}

func TestRefreshReuseRevokesChain(t *testing.T) {
	env := newTestEnv(t)
	pair, client, _ := issuePair(t, env)
	ctx := context.Background()

	next, err := env.tokens.Refresh(ctx, pair.RefreshToken, client.ClientID, "")
	require.NoError(t, err)

	// replaying the rotated refresh token is theft
	_, err = env.tokens.Refresh(ctx, pair.RefreshToken, client.ClientID, "")
	assert.ErrorIs(t, err, ErrRefreshTokenReused)

	// the whole family is dead, including the legitimately issued pair
	_, err = env.tokens.ValidateAccessToken(ctx, next.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenInvalid)
	_, err = env.tokens.Refresh(ctx, next.RefreshToken, client.ClientID, "")
	assert.Error(t, err)
}

func TestRefreshWrongClient(t *testing.T) {
	env := newTestEnv(t)
	pair, _, _ := issuePair(t, env)
	other := env.createPublicClient(t)

	_, err := env.tokens.Refresh(context.Background(), pair.RefreshToken, other.ClientID, "")
	assert.ErrorIs(t, err, ErrRefreshTokenInvalid)
}

func TestRefreshWithAccessToken(t *testing.T) {
	env := newTestEnv(t)
	pair, client, _ := issuePair(t, env)

	_, err := env.tokens.Refresh(context.Background(), pair.AccessToken, client.ClientID, "")
	assert.ErrorIs(t, err, ErrRefreshTokenInvalid)
}

func TestRefreshConfidentialClientAuth(t *testing.T) {
	env := newTestEnv(t)
	client, secret := env.createConfidentialClient(t)
	identity := env.createIdentity(t)
	ctx := context.Background()

	pair, err := env.tokens.IssueTokenPair(ctx, client, identity.AuthID, "memory:read")
	require.NoError(t, err)

	_, err = env.tokens.Refresh(ctx, pair.RefreshToken, client.ClientID, "wrong")
	assert.ErrorIs(t, err, ErrInvalidClientSecret)

	_, err = env.tokens.Refresh(ctx, pair.RefreshToken, client.ClientID, secret)
	assert.NoError(t, err)
}

// ============================================================================
// Revocation
// ============================================================================

func TestRevokeAccessToken(t *testing.T) {
	env := newTestEnv(t)
	pair, client, _ := issuePair(t, env)
	ctx := context.Background()

	require.NoError(t, env.tokens.Revoke(ctx, pair.AccessToken, client.ClientID, ""))

	_, err := env.tokens.ValidateAccessToken(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenInvalid)

	// the linked credential no longer resolves
	credential, err := env.store.GetCredential(ctx, models.MethodOAuthToken, util.SHA256Hex(pair.AccessToken))
	require.NoError(t, err)
	assert.False(t, credential.Usable())

	// the refresh token survives an access-token revocation
	_, err = env.tokens.Refresh(ctx, pair.RefreshToken, client.ClientID, "")
	assert.NoError(t, err)
}

func TestRevokeRefreshTokenKillsPairedAccessToken(t *testing.T) {
	env := newTestEnv(t)
	pair, client, _ := issuePair(t, env)
	ctx := context.Background()

	require.NoError(t, env.tokens.Revoke(ctx, pair.RefreshToken, client.ClientID, ""))

	// the access token issued with it dies too, credential included
	_, err := env.tokens.ValidateAccessToken(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenInvalid)
	credential, err := env.store.GetCredential(ctx, models.MethodOAuthToken, util.SHA256Hex(pair.AccessToken))
	require.NoError(t, err)
	assert.False(t, credential.Usable())

	_, err = env.tokens.Refresh(ctx, pair.RefreshToken, client.ClientID, "")
	assert.Error(t, err)
}

func TestRevokeRefreshTokenKillsDescendants(t *testing.T) {
	env := newTestEnv(t)
	pair, client, _ := issuePair(t, env)
	ctx := context.Background()

	next, err := env.tokens.Refresh(ctx, pair.RefreshToken, client.ClientID, "")
	require.NoError(t, err)

	require.NoError(t, env.tokens.Revoke(ctx, next.RefreshToken, client.ClientID, ""))

	_, err = env.tokens.ValidateAccessToken(ctx, next.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenInvalid)
}

func TestRevokeUnknownTokenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	client := env.createPublicClient(t)

	assert.NoError(t, env.tokens.Revoke(context.Background(), "rgat_does-not-exist", client.ClientID, ""))
}

func TestRevokeForeignTokenIsNoop(t *testing.T) {
	env := newTestEnv(t)
	pair, _, _ := issuePair(t, env)
	other := env.createPublicClient(t)
	ctx := context.Background()

	require.NoError(t, env.tokens.Revoke(ctx, pair.AccessToken, other.ClientID, ""))

	// still valid; a foreign client cannot revoke it
	_, err := env.tokens.ValidateAccessToken(ctx, pair.AccessToken)
	assert.NoError(t, err)
}

// ============================================================================
// Introspection
// ============================================================================

func TestIntrospect(t *testing.T) {
	env := newTestEnv(t)
	pair, client, identity := issuePair(t, env)
	ctx := context.Background()

	info := env.tokens.Introspect(ctx, pair.AccessToken)
	assert.True(t, info.Active)
	assert.Equal(t, client.ClientID, info.ClientID)
	assert.Equal(t, identity.AuthID, info.Sub)
	assert.Equal(t, "memory:read", info.Scope)

	require.NoError(t, env.tokens.Revoke(ctx, pair.AccessToken, client.ClientID, ""))
	info = env.tokens.Introspect(ctx, pair.AccessToken)
	assert.False(t, info.Active)
	assert.Empty(t, info.Sub)

	info = env.tokens.Introspect(ctx, "rgat_unknown")
	assert.False(t, info.Active)
}
