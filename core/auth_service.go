package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoResponse               = errors.New("bad response")
	ErrUserNotFound             = errors.New("current user not found")
	ErrUnsupportedProvider      = errors.New("unsupported authentication provider")
	ErrChangedAuthenticatedUser = errors.New("changed authenticated user to a different account")
	ErrSourceNotConfigured      = errors.New("sign-in source not configured")
	ErrClientNotAllowed         = errors.New("oauth client id not allowed")
)

var tracer = otel.Tracer("authlink/core")

type AuthService struct {
	gateway Gateway
	apple   AppleSource
	google  GoogleSource
	config  *Config

	// detached liveness checks started by Observe
	liveness sync.WaitGroup
}

// NewAuthService creates the auth facade. apple or google may be nil when that
// sign-in method is not offered.
func NewAuthService(gateway Gateway, apple AppleSource, google GoogleSource, config *Config) *AuthService {
	if config == nil {
		config = &Config{}
	}
	return &AuthService{
		gateway: gateway,
		apple:   apple,
		google:  google,
		config:  config,
	}
}

// reauthResult is a sign-in outcome plus the Apple authorization code, if any
type reauthResult struct {
	user              *Identity
	isNewUser         bool
	authorizationCode string
}

func (s *AuthService) SignIn(ctx context.Context, option SignInOption) (*SignInOutcome, error) {
	ctx, span := tracer.Start(ctx, "AuthService.SignIn",
		trace.WithAttributes(attribute.String("signin.method", string(option.Method))))
	defer span.End()

	var (
		outcome *SignInOutcome
		err     error
	)

	switch option.Method {
	case MethodApple:
		var result *reauthResult
		result, err = s.authenticateApple(ctx)
		if err == nil {
			outcome = &SignInOutcome{User: result.user, IsNewUser: result.isNewUser}
		}
	case MethodGoogle:
		outcome, err = s.authenticateGoogle(ctx, option.GoogleClientID)
	case MethodAnonymous:
		outcome, err = s.authenticateAnonymous(ctx)
	default:
		recordSignIn("unsupported", ErrUnsupportedProvider)
		span.SetStatus(codes.Error, ErrUnsupportedProvider.Error())
		return nil, ErrUnsupportedProvider
	}

	recordSignIn(option.Method, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("user.uid", outcome.User.UID),
		attribute.Bool("signin.new_user", outcome.IsNewUser),
	)
	return outcome, nil
}

func (s *AuthService) SignOut() error {
	return s.gateway.SignOut()
}

// DeleteAccount deletes the current user without reauthentication.
// Providers may reject it when the last sign-in is not recent; prefer DeleteWithReauthentication.
func (s *AuthService) DeleteAccount(ctx context.Context) error {
	user := s.gateway.CurrentSession()
	if user == nil {
		return ErrUserNotFound
	}

	err := s.gateway.DeleteUser(ctx, user)
	recordAccountDeletion(err)
	return err
}

func (s *AuthService) authenticateAnonymous(ctx context.Context) (*SignInOutcome, error) {
	result, err := s.gateway.SignInAnonymously(ctx)
	if err != nil {
		return nil, err
	}
	if result == nil || result.User == nil {
		return nil, ErrNoResponse
	}

	return &SignInOutcome{
		User:      NewIdentity(result.User, NameHints{}),
		IsNewUser: result.IsNewUser(),
	}, nil
}

func (s *AuthService) authenticateApple(ctx context.Context) (*reauthResult, error) {
	if s.apple == nil {
		return nil, fmt.Errorf("%w: apple", ErrSourceNotConfigured)
	}

	// 1. Run the Apple flow
	resp, err := s.apple.SignInApple(ctx)
	if err != nil {
		return nil, fmt.Errorf("apple sign-in failed: %w", err)
	}

	// 2. Convert SSO tokens to a provider credential
	credential := Credential{
		ProviderID: ProviderIDApple,
		IDToken:    resp.IDToken,
		RawNonce:   resp.RawNonce,
	}

	// 3. Resolve against the gateway
	outcome, err := s.connect(ctx, credential, resp.Names)
	if err != nil {
		return nil, err
	}

	return &reauthResult{
		user:              outcome.User,
		isNewUser:         outcome.IsNewUser,
		authorizationCode: resp.AuthorizationCode,
	}, nil
}

func (s *AuthService) authenticateGoogle(ctx context.Context, clientID string) (*SignInOutcome, error) {
	if s.google == nil {
		return nil, fmt.Errorf("%w: google", ErrSourceNotConfigured)
	}
	if clientID == "" {
		clientID = s.config.GoogleClientID
	}

	resp, err := s.google.SignInGoogle(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("google sign-in failed: %w", err)
	}

	credential := Credential{
		ProviderID:  ProviderIDGoogle,
		IDToken:     resp.IDToken,
		AccessToken: resp.AccessToken,
	}

	return s.connect(ctx, credential, resp.Names)
}

func (s *AuthService) connect(ctx context.Context, credential Credential, hints NameHints) (*SignInOutcome, error) {
	// 1. Sign in, upgrading the anonymous session when there is one
	result, linked, err := s.signInOrLink(ctx, credential)
	if err != nil {
		return nil, err
	}
	if result == nil || result.User == nil {
		return nil, ErrNoResponse
	}

	// 2. Translate, keeping the one-time name hints
	user := NewIdentity(result.User, hints)
	isNewUser := result.IsNewUser()
	if linked {
		// the anonymous uid is retained, so this is never a new account
		isNewUser = false
	}

	// 3. Write profile metadata back for new accounts
	if isNewUser || s.config.syncAlways() {
		if err := s.updateProfile(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to update profile: %w", err)
		}
	}

	return &SignInOutcome{User: user, IsNewUser: isNewUser}, nil
}

// signInOrLink links credential to the current anonymous user if possible and
// otherwise signs in with it. linked is true only for a successful link.
func (s *AuthService) signInOrLink(ctx context.Context, credential Credential) (*SessionResult, bool, error) {
	if current := s.gateway.CurrentSession(); current != nil && current.IsAnonymous {
		result, err := s.gateway.Link(ctx, current, credential)
		if err == nil {
			log.Printf("linked %s credential to anonymous user %s", credential.ProviderID, current.UID)
			return result, true, nil
		}

		// The credential already belongs to another account. The original raw
		// credential would be rejected as a duplicate, so use the replacement.
		var providerErr *ProviderError
		if errors.As(err, &providerErr) &&
			(providerErr.Kind == KindProviderAlreadyLinked || providerErr.Kind == KindCredentialAlreadyInUse) &&
			providerErr.UpdatedCredential != nil {
			log.Printf("link to anonymous user %s conflicted (%s), signing in with replacement credential",
				current.UID, providerErr.Kind)
			recordLinkRecovery(providerErr.Kind)

			result, err := s.gateway.SignIn(ctx, *providerErr.UpdatedCredential)
			return result, false, err
		}

		log.Printf("link to anonymous user %s failed, falling back to sign-in: %v", current.UID, err)
	}

	result, err := s.gateway.SignIn(ctx, credential)
	return result, false, err
}

func (s *AuthService) updateProfile(ctx context.Context, user *Identity) error {
	current := s.gateway.CurrentSession()
	if current == nil {
		log.Printf("no current session after sign-in, skipping profile update for %s", user.UID)
		return nil
	}

	var changes ProfileChanges

	if user.DisplayName != "" {
		displayName := user.DisplayName
		changes.DisplayName = &displayName
	} else if current.DisplayName == "" {
		// no display name anywhere, use the first or last name instead
		if user.FirstName != "" {
			firstName := user.FirstName
			changes.DisplayName = &firstName
		} else if user.LastName != "" {
			lastName := user.LastName
			changes.DisplayName = &lastName
		}
	}

	if user.PhotoURL != "" {
		photoURL := user.PhotoURL
		changes.PhotoURL = &photoURL
	}

	if changes.Empty() {
		return nil
	}

	return s.gateway.UpdateProfile(ctx, current, changes)
}
