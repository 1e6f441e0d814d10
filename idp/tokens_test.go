package idp

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenConfig() *Config {
	return (&Config{TokenSecret: "test-secret"}).withDefaults()
}

func TestGenerateIDToken(t *testing.T) {
	config := tokenConfig()
	user := &User{
		ID:    uuid.New(),
		Email: "user@mock.test",
		Providers: []ProviderLink{
			{ProviderID: "apple.com", Subject: "apple_sub_1"},
		},
	}

	token, err := GenerateIDToken(user, config)
	require.NoError(t, err)

	userID, err := ValidateIDToken(token, config)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(config.TokenSecret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "user@mock.test", claims.Email)
	assert.False(t, claims.Anonymous)
	assert.Equal(t, []string{"apple.com"}, claims.Providers)
	assert.Equal(t, "authlink", claims.Issuer)
}

func TestValidateIDToken_Failures(t *testing.T) {
	config := tokenConfig()
	user := &User{ID: uuid.New(), Anonymous: true}

	valid, err := GenerateIDToken(user, config)
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		other := tokenConfig()
		other.TokenSecret = "other-secret"
		_, err := ValidateIDToken(valid, other)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := tokenConfig()
		other.Issuer = "someone-else"
		_, err := ValidateIDToken(valid, other)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		claims := &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    config.Issuer,
				Subject:   user.ID.String(),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		}
		expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.TokenSecret))
		require.NoError(t, err)

		_, err = ValidateIDToken(expired, config)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("subject is not a uid", func(t *testing.T) {
		claims := &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    config.Issuer,
				Subject:   "not-a-uuid",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.TokenSecret))
		require.NoError(t, err)

		_, err = ValidateIDToken(token, config)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
