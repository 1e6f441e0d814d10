package providers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAppleClientID = "com.example.app"

func appleConfig(t *testing.T, server *MockOIDCServer) *AppleConfig {
	t.Helper()

	keyPEM, err := GenerateAppleKeyPEM()
	require.NoError(t, err)

	return &AppleConfig{
		ClientID:    testAppleClientID,
		TeamID:      "TEAM123456",
		KeyID:       "KEY1234567",
		PrivateKey:  keyPEM,
		RedirectURL: "http://127.0.0.1:8765/callback",
		Issuer:      server.URL(),
	}
}

func setupApple(t *testing.T, prompt func(*MockOIDCServer) AuthorizationPrompt) (*AppleSource, *MockOIDCServer) {
	t.Helper()

	server := NewMockOIDCServer()
	t.Cleanup(server.Close)

	if prompt == nil {
		prompt = (*MockOIDCServer).Prompt
	}

	source, err := NewAppleSource(context.Background(), appleConfig(t, server), prompt(server))
	require.NoError(t, err)
	return source, server
}

func TestAppleSource_SignInFirstConsent(t *testing.T) {
	source, server := setupApple(t, nil)
	server.SetUser(MockOIDCUser{
		Subject:      "apple_sub_1",
		Email:        "one@privaterelay.appleid.com",
		FirstConsent: `{"name":{"firstName":"Ada","lastName":"Lovelace"},"email":"one@privaterelay.appleid.com"}`,
	})

	credential, err := source.SignInApple(context.Background())

	require.NoError(t, err)
	assert.NotEmpty(t, credential.IDToken)
	assert.NotEmpty(t, credential.RawNonce)
	assert.True(t, strings.HasPrefix(credential.AuthorizationCode, "mock_code_"))
	assert.Equal(t, "Ada", credential.Names.FirstName)
	assert.Equal(t, "Lovelace", credential.Names.LastName)

	// the token carries the hashed nonce, the credential the raw one
	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(credential.IDToken, claims)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(credential.RawNonce), claims["nonce"])
	assert.Equal(t, "apple_sub_1", claims["sub"])

	// the code is kept for revocation, not exchanged
	assert.Equal(t, 0, server.Exchanges())
}

func TestAppleSource_SignInReturningUser(t *testing.T) {
	source, _ := setupApple(t, nil)

	credential, err := source.SignInApple(context.Background())

	require.NoError(t, err)
	assert.Empty(t, credential.Names.FirstName)
	assert.Empty(t, credential.Names.LastName)
}

func TestAppleSource_AuthorizationURL(t *testing.T) {
	var authURL string
	source, _ := setupApple(t, func(server *MockOIDCServer) AuthorizationPrompt {
		return PromptFunc(func(ctx context.Context, u string) (*Authorization, error) {
			authURL = u
			return server.Prompt().Authorize(ctx, u)
		})
	})

	_, err := source.SignInApple(context.Background())
	require.NoError(t, err)

	assert.Contains(t, authURL, "response_type=code+id_token")
	assert.Contains(t, authURL, "response_mode=form_post")
	assert.Contains(t, authURL, "scope=name+email")
	assert.Contains(t, authURL, "client_id="+testAppleClientID)
	assert.Contains(t, authURL, "nonce=")
}

func TestAppleSource_SignInFailures(t *testing.T) {
	tests := []struct {
		name    string
		prompt  func(*MockOIDCServer) AuthorizationPrompt
		wantErr error
	}{
		{
			name: "user closed the prompt",
			prompt: func(*MockOIDCServer) AuthorizationPrompt {
				return PromptFunc(func(ctx context.Context, u string) (*Authorization, error) {
					return nil, ErrCanceled
				})
			},
			wantErr: ErrCanceled,
		},
		{
			name: "no callback",
			prompt: func(*MockOIDCServer) AuthorizationPrompt {
				return PromptFunc(func(ctx context.Context, u string) (*Authorization, error) {
					return nil, nil
				})
			},
			wantErr: ErrCanceled,
		},
		{
			name: "state mismatch",
			prompt: func(server *MockOIDCServer) AuthorizationPrompt {
				return PromptFunc(func(ctx context.Context, u string) (*Authorization, error) {
					auth, err := server.Prompt().Authorize(ctx, u)
					if err != nil {
						return nil, err
					}
					auth.State = "forged"
					return auth, nil
				})
			},
			wantErr: ErrStateMismatch,
		},
		{
			name: "missing id_token",
			prompt: func(server *MockOIDCServer) AuthorizationPrompt {
				return PromptFunc(func(ctx context.Context, u string) (*Authorization, error) {
					auth, err := server.Prompt().Authorize(ctx, u)
					if err != nil {
						return nil, err
					}
					auth.IDToken = ""
					return auth, nil
				})
			},
			wantErr: ErrMissingIDToken,
		},
		{
			name: "replayed nonce",
			prompt: func(server *MockOIDCServer) AuthorizationPrompt {
				return PromptFunc(func(ctx context.Context, u string) (*Authorization, error) {
					auth, err := server.Prompt().Authorize(ctx, u)
					if err != nil {
						return nil, err
					}
					auth.IDToken, err = server.IssueIDToken(MockOIDCUser{Subject: "apple_sub_1"}, testAppleClientID, sha256Hex("old_nonce"))
					return auth, err
				})
			},
			wantErr: ErrNonceMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, _ := setupApple(t, tt.prompt)

			_, err := source.SignInApple(context.Background())

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAppleSource_SignInRejectsForeignAudience(t *testing.T) {
	source, _ := setupApple(t, func(server *MockOIDCServer) AuthorizationPrompt {
		return PromptFunc(func(ctx context.Context, u string) (*Authorization, error) {
			auth, err := server.Prompt().Authorize(ctx, u)
			if err != nil {
				return nil, err
			}
			auth.IDToken, err = server.IssueIDToken(MockOIDCUser{Subject: "apple_sub_1"}, "com.example.other", "")
			return auth, err
		})
	})

	_, err := source.SignInApple(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification failed")
}

func TestAppleSource_Revoke(t *testing.T) {
	source, server := setupApple(t, nil)
	ctx := context.Background()

	credential, err := source.SignInApple(ctx)
	require.NoError(t, err)

	require.NoError(t, source.Revoke(ctx, credential.AuthorizationCode))

	assert.Equal(t, 1, server.Exchanges())
	assert.Equal(t, []string{"mock_refresh_" + credential.AuthorizationCode}, server.RevokedTokens())

	// codes are single use
	assert.Error(t, source.Revoke(ctx, credential.AuthorizationCode))
	assert.Len(t, server.RevokedTokens(), 1)
}

func TestAppleSource_RevokeEndpointDown(t *testing.T) {
	source, _ := setupApple(t, nil)
	ctx := context.Background()

	credential, err := source.SignInApple(ctx)
	require.NoError(t, err)

	source.revokeURL = source.revokeURL + "/missing"
	err = source.Revoke(ctx, credential.AuthorizationCode)

	assert.ErrorIs(t, err, ErrRevokeFailed)
}

func TestAppleSource_ClientSecret(t *testing.T) {
	source, server := setupApple(t, nil)
	now := time.Now()

	secret, err := source.clientSecret(now)
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(secret, claims, func(token *jwt.Token) (interface{}, error) {
		return &source.signingKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)

	assert.Equal(t, "KEY1234567", token.Header["kid"])
	assert.Equal(t, "TEAM123456", claims.Issuer)
	assert.Equal(t, testAppleClientID, claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{server.URL()}, claims.Audience)
	assert.WithinDuration(t, now.Add(appleClientSecretMaxAge), claims.ExpiresAt.Time, time.Second)
}

func TestNewAppleSource_Config(t *testing.T) {
	server := NewMockOIDCServer()
	defer server.Close()
	ctx := context.Background()

	t.Run("missing fields", func(t *testing.T) {
		config := appleConfig(t, server)
		config.TeamID = ""
		_, err := NewAppleSource(ctx, config, server.Prompt())
		assert.Error(t, err)
	})

	t.Run("invalid key", func(t *testing.T) {
		config := appleConfig(t, server)
		config.PrivateKey = "not a key"
		_, err := NewAppleSource(ctx, config, server.Prompt())
		assert.Error(t, err)
	})

	t.Run("key from file", func(t *testing.T) {
		config := appleConfig(t, server)
		path := filepath.Join(t.TempDir(), "AuthKey.p8")
		require.NoError(t, os.WriteFile(path, []byte(config.PrivateKey), 0o600))
		config.PrivateKey = ""
		config.PrivateKeyPath = path

		source, err := NewAppleSource(ctx, config, server.Prompt())
		require.NoError(t, err)
		assert.Equal(t, server.URL()+"/auth/revoke", source.revokeURL)
	})
}
