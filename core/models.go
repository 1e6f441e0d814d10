package core

import (
	"time"
)

// ProviderKind represents a sign-in provider that can be linked to an identity
type ProviderKind string

const (
	ProviderGoogle     ProviderKind = "google"
	ProviderApple      ProviderKind = "apple"
	ProviderEmail      ProviderKind = "email"
	ProviderPhone      ProviderKind = "phone"
	ProviderFacebook   ProviderKind = "facebook"
	ProviderGameCenter ProviderKind = "gameCenter"
	ProviderGitHub     ProviderKind = "github"
)

// Provider IDs as reported by the identity provider gateway
const (
	ProviderIDGoogle     = "google.com"
	ProviderIDApple      = "apple.com"
	ProviderIDEmail      = "password"
	ProviderIDPhone      = "phone"
	ProviderIDFacebook   = "facebook.com"
	ProviderIDGameCenter = "gc.apple.com"
	ProviderIDGitHub     = "github.com"
)

var providerIDs = map[ProviderKind]string{
	ProviderGoogle:     ProviderIDGoogle,
	ProviderApple:      ProviderIDApple,
	ProviderEmail:      ProviderIDEmail,
	ProviderPhone:      ProviderIDPhone,
	ProviderFacebook:   ProviderIDFacebook,
	ProviderGameCenter: ProviderIDGameCenter,
	ProviderGitHub:     ProviderIDGitHub,
}

// ProviderID returns the gateway provider ID for the kind, or "" if unknown.
func (k ProviderKind) ProviderID() string {
	return providerIDs[k]
}

// ProviderKindFromID maps a gateway provider ID back to its kind.
func ProviderKindFromID(providerID string) (ProviderKind, bool) {
	for kind, id := range providerIDs {
		if id == providerID {
			return kind, true
		}
	}
	return "", false
}

// Identity represents the authenticated principal exposed to callers.
// It is rebuilt from the live gateway session on every query or event.
type Identity struct {
	UID          string         `json:"uid"`
	Email        string         `json:"email,omitempty"`
	IsAnonymous  bool           `json:"is_anonymous"`
	Providers    []ProviderKind `json:"providers"`
	DisplayName  string         `json:"display_name,omitempty"`
	FirstName    string         `json:"first_name,omitempty"` // only known from SSO hints
	LastName     string         `json:"last_name,omitempty"`  // only known from SSO hints
	PhoneNumber  string         `json:"phone_number,omitempty"`
	PhotoURL     string         `json:"photo_url,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastSignInAt time.Time      `json:"last_sign_in_at"`
}

// NameHints are names an SSO source may reveal on first consent only.
// They are never persisted by the gateway.
type NameHints struct {
	FirstName string
	LastName  string
}

// NewIdentity translates a gateway user into an Identity, applying name hints.
func NewIdentity(user *NativeUser, hints NameHints) *Identity {
	if user == nil {
		return nil
	}

	kinds := make([]ProviderKind, 0, len(user.ProviderIDs))
	for _, id := range user.ProviderIDs {
		if kind, ok := ProviderKindFromID(id); ok {
			kinds = append(kinds, kind)
		}
	}

	return &Identity{
		UID:          user.UID,
		Email:        user.Email,
		IsAnonymous:  user.IsAnonymous,
		Providers:    kinds,
		DisplayName:  user.DisplayName,
		FirstName:    hints.FirstName,
		LastName:     hints.LastName,
		PhoneNumber:  user.PhoneNumber,
		PhotoURL:     user.PhotoURL,
		CreatedAt:    user.CreatedAt,
		LastSignInAt: user.LastSignInAt,
	}
}

// SignInMethod is the tag of a SignInOption
type SignInMethod string

const (
	MethodAnonymous SignInMethod = "anonymous"
	MethodApple     SignInMethod = "apple"
	MethodGoogle    SignInMethod = "google"
)

// SignInOption selects how a sign-in attempt authenticates.
type SignInOption struct {
	Method         SignInMethod
	GoogleClientID string // google only; empty uses Config.GoogleClientID
}

func Anonymous() SignInOption {
	return SignInOption{Method: MethodAnonymous}
}

func Apple() SignInOption {
	return SignInOption{Method: MethodApple}
}

func Google(clientID string) SignInOption {
	return SignInOption{Method: MethodGoogle, GoogleClientID: clientID}
}

// SignInOutcome is the result of a successful sign-in
type SignInOutcome struct {
	User      *Identity `json:"user"`
	IsNewUser bool      `json:"is_new_user"`
}

// AppleCredential is the single-use token bundle produced by Sign in with Apple
type AppleCredential struct {
	IDToken           string
	RawNonce          string
	AuthorizationCode string // needed later for token revocation
	Names             NameHints
}

// GoogleCredential is the single-use token bundle produced by Google sign-in
type GoogleCredential struct {
	IDToken     string
	AccessToken string
	Names       NameHints
}
