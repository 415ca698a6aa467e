package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallgate/recallgate/internal/metrics"
	"github.com/recallgate/recallgate/internal/models"
)

func TestProvenanceFlushOnClose(t *testing.T) {
	env := newTestEnv(t)
	identity := env.createIdentity(t)

	p := NewProvenanceService(env.store, metrics.NewNoop(), 100, "")
	p.Record(identity.AuthID, models.EventAuthSuccess, true, WithIP("127.0.0.1"))
	p.Record(identity.AuthID, models.EventAuthFailure, false,
		WithDetails(models.ProvenanceDetails{"reason": "bad_password"}))
	p.Close()

	records, err := env.store.ListProvenance(context.Background(), identity.AuthID, 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestProvenanceMasksSecrets(t *testing.T) {
	env := newTestEnv(t)
	identity := env.createIdentity(t)

	p := NewProvenanceService(env.store, metrics.NewNoop(), 100, "")
	p.Record(identity.AuthID, models.EventAuthSuccess, true,
		WithDetails(models.ProvenanceDetails{
			"client_secret": "rgs_supersecret",
			"email":         "person@example.com",
			"client_id":     "cursor-extension",
		}))
	p.Close()

	records, err := env.store.ListProvenance(context.Background(), identity.AuthID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	details := records[0].Details
	assert.Equal(t, "[redacted]", details["client_secret"])
	assert.Equal(t, "p***@example.com", details["email"])
	assert.Equal(t, "cursor-extension", details["client_id"])
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@example.com", maskEmail("alice@example.com"))
	assert.Equal(t, "[redacted]", maskEmail("not-an-email"))
	assert.Equal(t, "[redacted]", maskEmail("@example.com"))
}
