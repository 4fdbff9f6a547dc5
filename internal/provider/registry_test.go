package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/models"
)

func TestRegistry(t *testing.T) {
	f := newFakeIdP(t)
	f.nextAccessToken = "access-9"
	google := newTestAdapter(t, f, models.ProviderGoogle)
	r := NewRegistry(google, nil)

	assert.Equal(t, []models.Provider{models.ProviderGoogle}, r.Providers())

	got, err := r.Get(models.ProviderGoogle)
	require.NoError(t, err)
	assert.Same(t, google, got)

	_, err = r.Get(models.ProviderMicrosoft)
	assert.True(t, tverrors.IsValidation(err))

	tokens, err := r.Refresh(context.Background(), models.ProviderGoogle, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-9", tokens.AccessToken)

	_, err = r.Refresh(context.Background(), models.ProviderMicrosoft, "refresh-1")
	assert.True(t, tverrors.IsReauthRequired(err))
}

func TestRegistryRevokeOp(t *testing.T) {
	f := newFakeIdP(t)
	r := NewRegistry(newTestAdapter(t, f, models.ProviderGoogle))

	op := r.RevokeOp(models.ProviderGoogle, "access-1")
	require.NoError(t, op.Run(context.Background()))
	assert.Equal(t, []string{"access-1"}, f.revokedTokens())

	missing := r.RevokeOp(models.ProviderMicrosoft, "access-2")
	assert.Equal(t, "revoke:microsoft", missing.Name)
	assert.True(t, tverrors.IsValidation(missing.Run(context.Background())))
}
