package core_test

import (
	"context"
	"errors"
	"testing"

	"authlink/core"
	"authlink/core/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCleanup = errors.New("cleanup failed")

// reauthFixture signs linkedA1 back in and records the order of destructive steps.
func reauthFixture(t *testing.T, reauthUser *core.NativeUser, isNewUser bool) (*fixture, *[]string) {
	t.Helper()

	f := newFixture(nil)
	f.gateway.SetSession(linkedA1)

	order := &[]string{}
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		return session(reauthUser, isNewUser), nil
	}
	f.gateway.RevokeTokenFunc = func(ctx context.Context, code string) error {
		*order = append(*order, "revoke")
		return nil
	}
	f.gateway.DeleteUserFunc = func(ctx context.Context, user *core.NativeUser) error {
		*order = append(*order, "delete:"+user.UID)
		return nil
	}
	return f, order
}

func TestDeleteWithReauthentication_AppleRevokesThenDeletes(t *testing.T) {
	f, order := reauthFixture(t, linkedA1, false)

	err := f.service.DeleteWithReauthentication(context.Background(), core.Apple(), true, func(ctx context.Context) error {
		*order = append(*order, "beforeDelete")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"beforeDelete", "revoke", "delete:A1"}, *order)
	assert.Equal(t, []string{providers.AppleCredential1.AuthorizationCode}, f.gateway.RevokedCodes())
	assert.Nil(t, f.service.Current())
}

func TestDeleteWithReauthentication_DifferentUser(t *testing.T) {
	f, order := reauthFixture(t, appleB2, false)
	called := false

	err := f.service.DeleteWithReauthentication(context.Background(), core.Apple(), true, func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, core.ErrChangedAuthenticatedUser)
	assert.False(t, called)
	assert.Empty(t, *order)
}

func TestDeleteWithReauthentication_NewAccount(t *testing.T) {
	f, order := reauthFixture(t, linkedA1, true)

	err := f.service.DeleteWithReauthentication(context.Background(), core.Apple(), true, nil)

	assert.ErrorIs(t, err, core.ErrChangedAuthenticatedUser)
	assert.Empty(t, *order)
}

func TestDeleteWithReauthentication_BeforeDeleteFails(t *testing.T) {
	f, order := reauthFixture(t, linkedA1, false)

	err := f.service.DeleteWithReauthentication(context.Background(), core.Apple(), true, func(ctx context.Context) error {
		return errCleanup
	})

	assert.ErrorIs(t, err, errCleanup)
	assert.Empty(t, *order)
	assert.Equal(t, 0, f.gateway.CallCount("RevokeToken"))
	assert.Equal(t, 0, f.gateway.CallCount("DeleteUser"))
	assert.Equal(t, "A1", f.service.Current().UID)
}

func TestDeleteWithReauthentication_NoSession(t *testing.T) {
	f := newFixture(nil)

	err := f.service.DeleteWithReauthentication(context.Background(), core.Apple(), true, nil)

	assert.ErrorIs(t, err, core.ErrUserNotFound)
	assert.Equal(t, 0, f.apple.Calls())
}

func TestDeleteWithReauthentication_WithoutRevoke(t *testing.T) {
	f, order := reauthFixture(t, linkedA1, false)

	err := f.service.DeleteWithReauthentication(context.Background(), core.Apple(), false, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"delete:A1"}, *order)
}

func TestDeleteWithReauthentication_GoogleHasNothingToRevoke(t *testing.T) {
	f, order := reauthFixture(t, linkedA1, false)

	err := f.service.DeleteWithReauthentication(context.Background(), core.Google(""), true, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"delete:A1"}, *order)
	assert.Equal(t, 1, f.google.Calls())
}

func TestDeleteWithReauthentication_Anonymous(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SetSession(anonymousA1)

	err := f.service.DeleteWithReauthentication(context.Background(), core.Anonymous(), true, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, f.gateway.CallCount("SignInAnonymously"))
	assert.Equal(t, 0, f.gateway.CallCount("RevokeToken"))
	assert.Equal(t, 1, f.gateway.CallCount("DeleteUser"))
}

func TestDeleteWithReauthentication_RevokeFails(t *testing.T) {
	f, order := reauthFixture(t, linkedA1, false)
	f.gateway.RevokeTokenFunc = func(ctx context.Context, code string) error {
		return providers.ErrRevokeFailed
	}

	err := f.service.DeleteWithReauthentication(context.Background(), core.Apple(), true, nil)

	assert.ErrorIs(t, err, providers.ErrRevokeFailed)
	assert.Empty(t, *order)
}

func TestDeleteWithReauthentication_SessionGoneBeforeDelete(t *testing.T) {
	f, order := reauthFixture(t, linkedA1, false)

	err := f.service.DeleteWithReauthentication(context.Background(), core.Apple(), false, func(ctx context.Context) error {
		f.gateway.SetSession(nil)
		return nil
	})

	assert.ErrorIs(t, err, core.ErrUserNotFound)
	assert.Empty(t, *order)
}

func TestDeleteWithReauthentication_ReauthFails(t *testing.T) {
	f, order := reauthFixture(t, linkedA1, false)
	f.apple.Fail(providers.ErrCanceled)

	err := f.service.DeleteWithReauthentication(context.Background(), core.Apple(), true, nil)

	assert.ErrorIs(t, err, providers.ErrCanceled)
	assert.Empty(t, *order)
}

func TestDeleteWithReauthentication_UnsupportedMethod(t *testing.T) {
	f, order := reauthFixture(t, linkedA1, false)

	err := f.service.DeleteWithReauthentication(context.Background(), core.SignInOption{Method: "github"}, true, nil)

	assert.ErrorIs(t, err, core.ErrUnsupportedProvider)
	assert.Empty(t, *order)
}
