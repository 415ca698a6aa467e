package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallgate/recallgate/internal/util"
)

// ============================================================================
// Authorization request validation
// ============================================================================

func TestValidateAuthorizationRequest(t *testing.T) {
	env := newTestEnv(t)
	client := env.createPublicClient(t)
	ctx := context.Background()

	got, scope, err := env.authz.ValidateAuthorizationRequest(ctx, AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         "http://127.0.0.1:9999/callback",
		ResponseType:        "code",
		Scope:               "memory:read profile",
		CodeChallenge:       util.PKCEChallengeS256(testVerifier),
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, "memory:read profile", scope)
}

func TestValidateAuthorizationRequestDefaultScope(t *testing.T) {
	env := newTestEnv(t)
	client := env.createPublicClient(t)

	_, scope, err := env.authz.ValidateAuthorizationRequest(context.Background(), AuthorizeRequest{
		ClientID:      client.ClientID,
		RedirectURI:   "http://127.0.0.1:9999/callback",
		ResponseType:  "code",
		CodeChallenge: util.PKCEChallengeS256(testVerifier),
	})
	require.NoError(t, err)
	assert.Equal(t, "memory:read", scope)
}

func TestValidateAuthorizationRequestErrors(t *testing.T) {
	env := newTestEnv(t)
	client := env.createPublicClient(t)
	ctx := context.Background()

	base := AuthorizeRequest{
		ClientID:      client.ClientID,
		RedirectURI:   "http://127.0.0.1:9999/callback",
		ResponseType:  "code",
		CodeChallenge: util.PKCEChallengeS256(testVerifier),
	}

	tests := []struct {
		name    string
		mutate  func(*AuthorizeRequest)
		wantErr error
	}{
		{"unknown client", func(r *AuthorizeRequest) { r.ClientID = "nope" }, ErrClientNotFound},
		{"unregistered redirect", func(r *AuthorizeRequest) { r.RedirectURI = "http://evil.example.com/cb" }, ErrInvalidRedirectURI},
		{"redirect with extra path", func(r *AuthorizeRequest) { r.RedirectURI = "http://127.0.0.1:9999/callback/extra" }, ErrInvalidRedirectURI},
		{"implicit flow", func(r *AuthorizeRequest) { r.ResponseType = "token" }, ErrInvalidResponseType},
		{"missing challenge", func(r *AuthorizeRequest) { r.CodeChallenge = "" }, ErrPKCERequired},
		{"plain method", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, ErrUnsupportedChallengeMethod},
		{"malformed challenge", func(r *AuthorizeRequest) { r.CodeChallenge = "short" }, ErrInvalidCodeChallenge},
		{"scope beyond allowance", func(r *AuthorizeRequest) { r.Scope = "memory:read admin:all" }, ErrInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, _, err := env.authz.ValidateAuthorizationRequest(ctx, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// ============================================================================
// Code issuance and exchange
// ============================================================================

func issueCode(t *testing.T, env *testEnv, clientID, authID string) string {
	t.Helper()
	ctx := context.Background()
	req := AuthorizeRequest{
		ClientID:      clientID,
		RedirectURI:   "http://127.0.0.1:9999/callback",
		ResponseType:  "code",
		State:         "xyz",
		CodeChallenge: util.PKCEChallengeS256(testVerifier),
	}
	client, scope, err := env.authz.ValidateAuthorizationRequest(ctx, req)
	require.NoError(t, err)
	code, err := env.authz.CreateAuthorizationCode(ctx, client, authID, req, scope)
	require.NoError(t, err)
	return code
}

func TestExchangeCode(t *testing.T) {
	env := newTestEnv(t)
	client := env.createPublicClient(t)
	identity := env.createIdentity(t)
	plainCode := issueCode(t, env, client.ClientID, identity.AuthID)

	code, _, err := env.authz.ExchangeCode(context.Background(), ExchangeRequest{
		Code:         plainCode,
		ClientID:     client.ClientID,
		RedirectURI:  "http://127.0.0.1:9999/callback",
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)
	assert.Equal(t, identity.AuthID, code.AuthID)
	assert.Equal(t, "memory:read", code.Scopes)
}

func TestExchangeCodeReplay(t *testing.T) {
	env := newTestEnv(t)
	client := env.createPublicClient(t)
	identity := env.createIdentity(t)
	plainCode := issueCode(t, env, client.ClientID, identity.AuthID)
	ctx := context.Background()

	req := ExchangeRequest{
		Code:         plainCode,
		ClientID:     client.ClientID,
		RedirectURI:  "http://127.0.0.1:9999/callback",
		CodeVerifier: testVerifier,
	}
	_, _, err := env.authz.ExchangeCode(ctx, req)
	require.NoError(t, err)

	_, _, err = env.authz.ExchangeCode(ctx, req)
	assert.ErrorIs(t, err, ErrAuthCodeAlreadyUsed)
}

func TestExchangeCodeWrongVerifierBurnsCode(t *testing.T) {
	env := newTestEnv(t)
	client := env.createPublicClient(t)
	identity := env.createIdentity(t)
	plainCode := issueCode(t, env, client.ClientID, identity.AuthID)
	ctx := context.Background()

	req := ExchangeRequest{
		Code:         plainCode,
		ClientID:     client.ClientID,
		RedirectURI:  "http://127.0.0.1:9999/callback",
		CodeVerifier: "wrong-verifier-wrong-verifier-wrong-verifier",
	}
	_, _, err := env.authz.ExchangeCode(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidCodeVerifier)

	// the failed attempt consumed the code; even the right verifier is
	// too late now
	req.CodeVerifier = testVerifier
	_, _, err = env.authz.ExchangeCode(ctx, req)
	assert.ErrorIs(t, err, ErrAuthCodeAlreadyUsed)
}

func TestExchangeCodeRedirectMismatch(t *testing.T) {
	env := newTestEnv(t)
	client := env.createPublicClient(t)
	identity := env.createIdentity(t)
	plainCode := issueCode(t, env, client.ClientID, identity.AuthID)

	_, _, err := env.authz.ExchangeCode(context.Background(), ExchangeRequest{
		Code:         plainCode,
		ClientID:     client.ClientID,
		RedirectURI:  "http://127.0.0.1:9999/other",
		CodeVerifier: testVerifier,
	})
	assert.ErrorIs(t, err, ErrRedirectMismatch)
}

func TestExchangeCodeClientMismatch(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.createPublicClient(t)
	thief := env.createPublicClient(t)
	identity := env.createIdentity(t)
	plainCode := issueCode(t, env, issuer.ClientID, identity.AuthID)

	_, _, err := env.authz.ExchangeCode(context.Background(), ExchangeRequest{
		Code:         plainCode,
		ClientID:     thief.ClientID,
		RedirectURI:  "http://127.0.0.1:9999/callback",
		CodeVerifier: testVerifier,
	})
	assert.ErrorIs(t, err, ErrClientMismatch)
}

func TestExchangeCodePublicClientWithoutVerifier(t *testing.T) {
	env := newTestEnv(t)
	client := env.createPublicClient(t)
	identity := env.createIdentity(t)
	plainCode := issueCode(t, env, client.ClientID, identity.AuthID)

	_, _, err := env.authz.ExchangeCode(context.Background(), ExchangeRequest{
		Code:        plainCode,
		ClientID:    client.ClientID,
		RedirectURI: "http://127.0.0.1:9999/callback",
	})
	assert.ErrorIs(t, err, ErrPKCERequired)
}

func TestExchangeCodeConfidentialClientSecret(t *testing.T) {
	env := newTestEnv(t)
	client, secret := env.createConfidentialClient(t)
	identity := env.createIdentity(t)
	ctx := context.Background()

	req := AuthorizeRequest{
		ClientID:     client.ClientID,
		RedirectURI:  "https://app.example.com/callback",
		ResponseType: "code",
	}
	validated, scope, err := env.authz.ValidateAuthorizationRequest(ctx, req)
	require.NoError(t, err)
	plainCode, err := env.authz.CreateAuthorizationCode(ctx, validated, identity.AuthID, req, scope)
	require.NoError(t, err)

	_, _, err = env.authz.ExchangeCode(ctx, ExchangeRequest{
		Code:         plainCode,
		ClientID:     client.ClientID,
		ClientSecret: "wrong",
		RedirectURI:  "https://app.example.com/callback",
	})
	assert.ErrorIs(t, err, ErrInvalidClientSecret)

	// client auth failure must not consume the code
	code, _, err := env.authz.ExchangeCode(ctx, ExchangeRequest{
		Code:         plainCode,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RedirectURI:  "https://app.example.com/callback",
	})
	require.NoError(t, err)
	assert.Equal(t, identity.AuthID, code.AuthID)
}
