package idp

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the ID token claims issued for a session
type Claims struct {
	Email     string   `json:"email,omitempty"`
	Anonymous bool     `json:"anonymous"`
	Providers []string `json:"providers,omitempty"`
	jwt.RegisteredClaims
}

func GenerateIDToken(user *User, config *Config) (string, error) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(config.IDTokenDuration) * time.Second)

	providers := make([]string, 0, len(user.Providers))
	for _, link := range user.Providers {
		providers = append(providers, link.ProviderID)
	}

	claims := &Claims{
		Email:     user.Email,
		Anonymous: user.Anonymous,
		Providers: providers,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    config.Issuer,
			Subject:   user.ID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(config.TokenSecret))
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

// ValidateIDToken checks an ID token and returns the user it was issued for.
func ValidateIDToken(tokenString string, config *Config) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(config.TokenSecret), nil
	}, jwt.WithIssuer(config.Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrExpiredToken
		}
		return uuid.Nil, ErrInvalidToken
	}

	if !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return uuid.Nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}

	return userID, nil
}
