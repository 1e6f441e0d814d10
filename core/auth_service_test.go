package core_test

import (
	"context"
	"errors"
	"testing"

	"authlink/core"
	"authlink/core/providers"
	"authlink/idp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	anonymousA1 = &core.NativeUser{UID: "A1", IsAnonymous: true}

	linkedA1 = &core.NativeUser{
		UID:         "A1",
		Email:       "a1@privaterelay.appleid.com",
		ProviderIDs: []string{core.ProviderIDApple},
	}

	appleB2 = &core.NativeUser{
		UID:         "B2",
		Email:       "b2@privaterelay.appleid.com",
		DisplayName: "Existing Name",
		ProviderIDs: []string{core.ProviderIDApple},
	}

	googleC3 = &core.NativeUser{
		UID:         "C3",
		Email:       "c3@gmail.test",
		DisplayName: "Grace Hopper",
		PhotoURL:    "https://mock.test/c3.jpg",
		ProviderIDs: []string{core.ProviderIDGoogle},
	}
)

type fixture struct {
	gateway *idp.MockGateway
	apple   *providers.MockAppleSource
	google  *providers.MockGoogleSource
	service *core.AuthService
}

func newFixture(config *core.Config) *fixture {
	f := &fixture{
		gateway: idp.NewMockGateway(),
		apple:   providers.NewMockAppleSource(providers.AppleCredential1),
		google:  providers.NewMockGoogleSource(providers.GoogleCredential1),
	}
	f.service = core.NewAuthService(f.gateway, f.apple, f.google, config)
	return f
}

func session(user *core.NativeUser, isNewUser bool) *core.SessionResult {
	return &core.SessionResult{
		User: user,
		Info: &core.AdditionalUserInfo{IsNewUser: isNewUser},
	}
}

func appleCredential() core.Credential {
	return core.Credential{
		ProviderID: core.ProviderIDApple,
		IDToken:    providers.AppleCredential1.IDToken,
		RawNonce:   providers.AppleCredential1.RawNonce,
	}
}

func TestSignIn_WithoutSessionNeverLinks(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		return session(appleB2, false), nil
	}

	outcome, err := f.service.SignIn(context.Background(), core.Apple())

	require.NoError(t, err)
	assert.Equal(t, "B2", outcome.User.UID)
	assert.False(t, outcome.IsNewUser)
	assert.Equal(t, 0, f.gateway.CallCount("Link"))
	assert.Equal(t, []core.Credential{appleCredential()}, f.gateway.Credentials())
}

func TestSignIn_AnonymousUpgradeKeepsUID(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SetSession(anonymousA1)
	f.gateway.LinkFunc = func(ctx context.Context, user *core.NativeUser, credential core.Credential) (*core.SessionResult, error) {
		assert.Equal(t, "A1", user.UID)
		// some providers report a link as a new sign-in
		return session(linkedA1, true), nil
	}

	outcome, err := f.service.SignIn(context.Background(), core.Apple())

	require.NoError(t, err)
	assert.Equal(t, "A1", outcome.User.UID)
	assert.False(t, outcome.IsNewUser)
	assert.False(t, outcome.User.IsAnonymous)
	assert.Equal(t, []core.ProviderKind{core.ProviderApple}, outcome.User.Providers)
	assert.Equal(t, 0, f.gateway.CallCount("SignIn"))
	assert.Equal(t, 0, f.gateway.CallCount("UpdateProfile"))
}

func TestSignIn_LinkConflictRecoversWithReplacement(t *testing.T) {
	for _, kind := range []core.ErrorKind{core.KindCredentialAlreadyInUse, core.KindProviderAlreadyLinked} {
		t.Run(kind.String(), func(t *testing.T) {
			f := newFixture(nil)
			f.gateway.SetSession(anonymousA1)

			replacement := core.Credential{ProviderID: core.ProviderIDApple, PendingToken: "replacement_token"}
			f.gateway.LinkFunc = func(ctx context.Context, user *core.NativeUser, credential core.Credential) (*core.SessionResult, error) {
				return nil, &core.ProviderError{Kind: kind, UpdatedCredential: &replacement}
			}
			f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
				if credential.PendingToken != "replacement_token" {
					return nil, &core.ProviderError{Kind: core.KindDuplicateCredential}
				}
				return session(appleB2, false), nil
			}

			outcome, err := f.service.SignIn(context.Background(), core.Apple())

			require.NoError(t, err)
			assert.Equal(t, "B2", outcome.User.UID)
			assert.False(t, outcome.IsNewUser)
			assert.Equal(t, []core.Credential{appleCredential(), replacement}, f.gateway.Credentials())
			assert.Equal(t, 0, f.gateway.CallCount("UpdateProfile"))
			assert.Equal(t, "B2", f.service.Current().UID)
		})
	}
}

func TestSignIn_LinkConflictWithoutReplacementFallsBack(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SetSession(anonymousA1)
	f.gateway.LinkFunc = func(ctx context.Context, user *core.NativeUser, credential core.Credential) (*core.SessionResult, error) {
		return nil, &core.ProviderError{Kind: core.KindCredentialAlreadyInUse}
	}
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		return session(appleB2, false), nil
	}

	outcome, err := f.service.SignIn(context.Background(), core.Apple())

	require.NoError(t, err)
	assert.Equal(t, "B2", outcome.User.UID)
	assert.Equal(t, []core.Credential{appleCredential(), appleCredential()}, f.gateway.Credentials())
}

func TestSignIn_OtherLinkFailureFallsBack(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SetSession(anonymousA1)
	f.gateway.LinkFunc = func(ctx context.Context, user *core.NativeUser, credential core.Credential) (*core.SessionResult, error) {
		return nil, &core.ProviderError{Kind: core.KindNetwork}
	}
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		return session(appleB2, true), nil
	}

	outcome, err := f.service.SignIn(context.Background(), core.Apple())

	require.NoError(t, err)
	assert.Equal(t, "B2", outcome.User.UID)
	assert.True(t, outcome.IsNewUser)
	assert.Equal(t, []string{"Link", "SignIn", "UpdateProfile"}, f.gateway.Calls())
}

func TestSignIn_PermanentSessionSignsInDirectly(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SetSession(googleC3)
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		return session(appleB2, false), nil
	}

	_, err := f.service.SignIn(context.Background(), core.Apple())

	require.NoError(t, err)
	assert.Equal(t, 0, f.gateway.CallCount("Link"))
}

func TestSignIn_NewUserProfileSync(t *testing.T) {
	tests := []struct {
		name            string
		user            *core.NativeUser
		hints           core.NameHints
		wantDisplayName *string
		wantPhotoURL    *string
	}{
		{
			name:            "provider display name wins",
			user:            &core.NativeUser{UID: "N1", DisplayName: "Provider Name", PhotoURL: "https://mock.test/p.jpg"},
			hints:           core.NameHints{FirstName: "First", LastName: "Last"},
			wantDisplayName: strPtr("Provider Name"),
			wantPhotoURL:    strPtr("https://mock.test/p.jpg"),
		},
		{
			name:            "first name when no display name",
			user:            &core.NativeUser{UID: "N1"},
			hints:           core.NameHints{FirstName: "First", LastName: "Last"},
			wantDisplayName: strPtr("First"),
		},
		{
			name:            "last name when no first name",
			user:            &core.NativeUser{UID: "N1"},
			hints:           core.NameHints{LastName: "Last"},
			wantDisplayName: strPtr("Last"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			f.apple.Set(&core.AppleCredential{IDToken: "token", RawNonce: "nonce", Names: tt.hints})
			f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
				return session(tt.user, true), nil
			}

			outcome, err := f.service.SignIn(context.Background(), core.Apple())

			require.NoError(t, err)
			assert.True(t, outcome.IsNewUser)
			assert.Equal(t, tt.hints.FirstName, outcome.User.FirstName)
			assert.Equal(t, tt.hints.LastName, outcome.User.LastName)

			changes := f.gateway.ProfileChanges()
			require.Len(t, changes, 1)
			assert.Equal(t, tt.wantDisplayName, changes[0].DisplayName)
			assert.Equal(t, tt.wantPhotoURL, changes[0].PhotoURL)
		})
	}
}

func TestSignIn_NewUserWithoutProfileDataSkipsUpdate(t *testing.T) {
	f := newFixture(nil)
	f.apple.Set(providers.AppleCredential2)
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		return session(&core.NativeUser{UID: "N1"}, true), nil
	}

	_, err := f.service.SignIn(context.Background(), core.Apple())

	require.NoError(t, err)
	assert.Equal(t, 0, f.gateway.CallCount("UpdateProfile"))
}

func TestSignIn_ReturningUserProfileSyncPolicy(t *testing.T) {
	signIn := func(policy core.ProfileSyncPolicy) *fixture {
		f := newFixture(&core.Config{ProfileSync: policy})
		f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
			return session(googleC3, false), nil
		}
		_, err := f.service.SignIn(context.Background(), core.Google(""))
		require.NoError(t, err)
		return f
	}

	assert.Equal(t, 0, signIn(core.ProfileSyncNewUsers).gateway.CallCount("UpdateProfile"))
	assert.Equal(t, 0, signIn("").gateway.CallCount("UpdateProfile"))
	assert.Equal(t, 1, signIn(core.ProfileSyncAlways).gateway.CallCount("UpdateProfile"))
}

func TestSignIn_ProfileUpdateFailure(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		return session(&core.NativeUser{UID: "N1"}, true), nil
	}
	f.gateway.UpdateProfileFunc = func(ctx context.Context, user *core.NativeUser, changes core.ProfileChanges) error {
		return &core.ProviderError{Kind: core.KindNetwork}
	}

	_, err := f.service.SignIn(context.Background(), core.Apple())

	assert.ErrorContains(t, err, "failed to update profile")
	assert.Equal(t, core.KindNetwork, core.ErrorKindOf(err))
}

func TestSignIn_Anonymous(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SignInAnonymouslyFunc = func(ctx context.Context) (*core.SessionResult, error) {
		return session(anonymousA1, true), nil
	}

	outcome, err := f.service.SignIn(context.Background(), core.Anonymous())

	require.NoError(t, err)
	assert.Equal(t, "A1", outcome.User.UID)
	assert.True(t, outcome.User.IsAnonymous)
	assert.True(t, outcome.IsNewUser)
	assert.Equal(t, 0, f.gateway.CallCount("UpdateProfile"))
}

func TestSignIn_GoogleClientID(t *testing.T) {
	f := newFixture(&core.Config{GoogleClientID: "default-client"})
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		assert.Equal(t, core.ProviderIDGoogle, credential.ProviderID)
		assert.Equal(t, providers.GoogleCredential1.AccessToken, credential.AccessToken)
		return session(googleC3, false), nil
	}

	_, err := f.service.SignIn(context.Background(), core.Google(""))
	require.NoError(t, err)
	_, err = f.service.SignIn(context.Background(), core.Google("explicit-client"))
	require.NoError(t, err)

	assert.Equal(t, []string{"default-client", "explicit-client"}, f.google.ClientIDs())
}

func TestSignIn_UnsupportedMethod(t *testing.T) {
	f := newFixture(nil)

	_, err := f.service.SignIn(context.Background(), core.SignInOption{Method: "facebook"})

	assert.ErrorIs(t, err, core.ErrUnsupportedProvider)
	assert.Empty(t, f.gateway.Calls())
}

func TestSignIn_SourceNotConfigured(t *testing.T) {
	service := core.NewAuthService(idp.NewMockGateway(), nil, nil, nil)

	_, err := service.SignIn(context.Background(), core.Apple())
	assert.ErrorIs(t, err, core.ErrSourceNotConfigured)

	_, err = service.SignIn(context.Background(), core.Google("client"))
	assert.ErrorIs(t, err, core.ErrSourceNotConfigured)
}

func TestSignIn_SourceFailure(t *testing.T) {
	f := newFixture(nil)
	f.apple.Fail(providers.ErrCanceled)

	_, err := f.service.SignIn(context.Background(), core.Apple())

	assert.ErrorIs(t, err, providers.ErrCanceled)
	assert.Empty(t, f.gateway.Calls())
}

func TestSignIn_GatewayFailure(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		return nil, &core.ProviderError{Kind: core.KindInvalidCredential}
	}

	_, err := f.service.SignIn(context.Background(), core.Apple())

	assert.Equal(t, core.KindInvalidCredential, core.ErrorKindOf(err))
}

func TestSignIn_NoResponse(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SignInFunc = func(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
		return nil, nil
	}

	_, err := f.service.SignIn(context.Background(), core.Apple())

	assert.ErrorIs(t, err, core.ErrNoResponse)
}

func TestSignOut(t *testing.T) {
	f := newFixture(nil)
	f.gateway.SetSession(googleC3)

	require.NoError(t, f.service.SignOut())

	assert.Nil(t, f.service.Current())
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(nil)

	err := f.service.DeleteAccount(context.Background())
	assert.ErrorIs(t, err, core.ErrUserNotFound)

	f.gateway.SetSession(googleC3)
	require.NoError(t, f.service.DeleteAccount(context.Background()))
	assert.Equal(t, 1, f.gateway.CallCount("DeleteUser"))
	assert.Nil(t, f.service.Current())
}

func TestErrorKindOf(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), &core.ProviderError{Kind: core.KindRateLimited})

	assert.Equal(t, core.KindRateLimited, core.ErrorKindOf(wrapped))
	assert.Equal(t, core.KindUnknown, core.ErrorKindOf(errors.New("plain")))
	assert.Equal(t, core.KindUnknown, core.ErrorKindOf(nil))
}

func TestRegisterMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	core.RegisterMetrics(registry)

	f := newFixture(nil)
	f.gateway.SignInAnonymouslyFunc = func(ctx context.Context) (*core.SessionResult, error) {
		return session(anonymousA1, true), nil
	}
	_, err := f.service.SignIn(context.Background(), core.Anonymous())
	require.NoError(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "authlink_signins_total")
}

func strPtr(s string) *string {
	return &s
}
