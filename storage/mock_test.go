package storage

import (
	"context"
	"testing"

	"authlink/core"
	"authlink/idp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRepository_ClonesFixtures(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()

	require.NoError(t, repo.LinkProvider(ctx, User1.ID, idp.ProviderLink{ProviderID: core.ProviderIDGoogle, Subject: "google_subject_1"}))

	assert.True(t, User1.Anonymous, "fixtures must not be mutated")
	assert.Empty(t, User1.Providers)

	fresh := NewMockRepository()
	user, err := fresh.FindByID(ctx, User1.ID)
	require.NoError(t, err)
	assert.True(t, user.Anonymous)
}

func TestMockRepository_MatchesSQLiteSemantics(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()

	err := repo.LinkProvider(ctx, User1.ID, idp.ProviderLink{ProviderID: core.ProviderIDApple, Subject: "apple_subject_2"})
	assert.ErrorIs(t, err, idp.ErrAlreadyExists)

	require.NoError(t, repo.DeleteUser(ctx, User2.ID))
	_, err = repo.FindByProviderID(ctx, core.ProviderIDApple, "apple_subject_2")
	assert.ErrorIs(t, err, idp.ErrNotFound)
	_, err = repo.FindRefreshTokenByID(ctx, Token2.TokenID)
	assert.ErrorIs(t, err, idp.ErrNotFound)

	count, err := repo.DeleteExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, repo.TokenCount())
	assert.Equal(t, 2, repo.UserCount())
}
