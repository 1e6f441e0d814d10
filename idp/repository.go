package idp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type Repository interface {
	// User operations

	FindByID(ctx context.Context, id uuid.UUID) (*User, error)

	FindByProviderID(ctx context.Context, providerID string, subject string) (*User, error)

	CreateUser(ctx context.Context, user *User) error

	// LinkProvider adds link to the user and clears its anonymous flag.
	// Fails with ErrAlreadyExists if the link belongs to any user.
	LinkProvider(ctx context.Context, userID uuid.UUID, link ProviderLink) error

	UpdateProfile(ctx context.Context, userID uuid.UUID, update ProfileUpdate) error

	TouchLastSignIn(ctx context.Context, userID uuid.UUID, at time.Time) error

	// DeleteUser removes the user with its provider links and refresh tokens.
	DeleteUser(ctx context.Context, userID uuid.UUID) error

	// RefreshToken operations

	CreateRefreshToken(ctx context.Context, token *RefreshToken) error

	FindRefreshTokenByID(ctx context.Context, tokenID string) (*RefreshToken, error)

	DeleteRefreshTokenByID(ctx context.Context, tokenID string) error

	DeleteAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error

	DeleteExpiredRefreshTokens(ctx context.Context) (int64, error)
}
