package idp

import (
	"time"

	"github.com/google/uuid"

	"authlink/core"
)

// User is an account known to the identity provider
type User struct {
	ID           uuid.UUID
	Email        string
	Anonymous    bool // true until a permanent provider is linked
	DisplayName  string
	PhotoURL     string
	PhoneNumber  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSignInAt time.Time
	Providers    []ProviderLink
}

// ProviderLink binds an external account (provider + subject) to a user
type ProviderLink struct {
	ProviderID string // e.g. "apple.com"
	Subject    string // provider-scoped user ID
	Email      string
}

// ProfileUpdate lists profile fields to write; nil fields are left untouched
type ProfileUpdate struct {
	DisplayName *string
	PhotoURL    *string
}

// RefreshToken represents a session token. Only a hash of the key is stored.
type RefreshToken struct {
	TokenID      string
	TokenKeyHash string
	UserID       uuid.UUID
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (u *User) hasProvider(providerID string) bool {
	for _, link := range u.Providers {
		if link.ProviderID == providerID {
			return true
		}
	}
	return false
}

func (u *User) native() *core.NativeUser {
	providerIDs := make([]string, 0, len(u.Providers))
	for _, link := range u.Providers {
		providerIDs = append(providerIDs, link.ProviderID)
	}

	return &core.NativeUser{
		UID:          u.ID.String(),
		Email:        u.Email,
		IsAnonymous:  u.Anonymous,
		ProviderIDs:  providerIDs,
		DisplayName:  u.DisplayName,
		PhoneNumber:  u.PhoneNumber,
		PhotoURL:     u.PhotoURL,
		CreatedAt:    u.CreatedAt,
		LastSignInAt: u.LastSignInAt,
	}
}
