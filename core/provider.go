package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NativeUser is the gateway's own user record for the current session
type NativeUser struct {
	UID          string
	Email        string
	IsAnonymous  bool
	ProviderIDs  []string
	DisplayName  string
	PhoneNumber  string
	PhotoURL     string
	CreatedAt    time.Time
	LastSignInAt time.Time
}

// AdditionalUserInfo carries provider metadata about a sign-in
type AdditionalUserInfo struct {
	ProviderID string
	IsNewUser  bool
}

// SessionResult is returned by gateway sign-in and link operations
type SessionResult struct {
	User *NativeUser
	Info *AdditionalUserInfo // nil when the provider reports nothing
}

// IsNewUser reports the provider's new-user flag, defaulting to true when unknown.
func (r *SessionResult) IsNewUser() bool {
	if r.Info == nil {
		return true
	}
	return r.Info.IsNewUser
}

// Credential is a provider credential built from an SSO token bundle.
// Replacement credentials issued by the gateway carry only ProviderID and PendingToken.
type Credential struct {
	ProviderID   string
	IDToken      string
	AccessToken  string
	RawNonce     string
	PendingToken string
}

// ProfileChanges lists the profile fields to write; nil fields are left untouched
type ProfileChanges struct {
	DisplayName *string
	PhotoURL    *string
}

// Empty reports whether no field is set.
func (c ProfileChanges) Empty() bool {
	return c.DisplayName == nil && c.PhotoURL == nil
}

// ListenerHandle identifies a registered session listener
type ListenerHandle uint64

// Gateway is the capability surface consumed from the identity provider.
// The gateway owns the current session; callers never cache it.
type Gateway interface {
	CurrentSession() *NativeUser

	// OnSessionChange registers fn to be called on every session change, in order.
	OnSessionChange(fn func(*NativeUser)) ListenerHandle

	RemoveSessionListener(handle ListenerHandle)

	SignInAnonymously(ctx context.Context) (*SessionResult, error)

	SignIn(ctx context.Context, credential Credential) (*SessionResult, error)

	Link(ctx context.Context, user *NativeUser, credential Credential) (*SessionResult, error)

	// RefreshToken returns a fresh ID token, hitting the backend when forceRefresh is set.
	RefreshToken(ctx context.Context, user *NativeUser, forceRefresh bool) (string, error)

	SignOut() error

	DeleteUser(ctx context.Context, user *NativeUser) error

	RevokeToken(ctx context.Context, authorizationCode string) error

	UpdateProfile(ctx context.Context, user *NativeUser, changes ProfileChanges) error
}

// AppleSource runs the Sign in with Apple flow
type AppleSource interface {
	SignInApple(ctx context.Context) (*AppleCredential, error)
}

// GoogleSource runs the Google sign-in flow for the given OAuth client ID
type GoogleSource interface {
	SignInGoogle(ctx context.Context, clientID string) (*GoogleCredential, error)
}

// ErrorKind classifies gateway failures
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindDuplicateCredential
	KindProviderAlreadyLinked
	KindCredentialAlreadyInUse
	KindInvalidCredential
	KindTokenExpired
	KindUserNotFound
	KindNetwork
	KindRateLimited
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                "unknown",
	KindDuplicateCredential:    "duplicate_credential",
	KindProviderAlreadyLinked:  "provider_already_linked",
	KindCredentialAlreadyInUse: "credential_already_in_use",
	KindInvalidCredential:      "invalid_credential",
	KindTokenExpired:           "token_expired",
	KindUserNotFound:           "user_not_found",
	KindNetwork:                "network",
	KindRateLimited:            "rate_limited",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ProviderError is the tagged failure returned by gateway adapters
type ProviderError struct {
	Kind    ErrorKind
	Message string

	// UpdatedCredential is a replacement credential for link conflicts.
	UpdatedCredential *Credential

	Err error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (%s): %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrorKindOf returns the kind of the first ProviderError in err's chain.
func ErrorKindOf(err error) ErrorKind {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind
	}
	return KindUnknown
}
