package core

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeleteWithReauthentication deletes the current account after re-running the
// sign-in flow for option and checking it resolves to the same user.
//
// beforeDelete runs once the user is verified and before anything is revoked or
// deleted; it is the last point where the user's authorization is valid, so
// dependent records should be removed there. If it fails nothing is revoked.
//
// With revokeToken set, the Apple authorization code obtained during
// reauthentication is used to revoke the Apple token. Choosing Apple when the
// user has several providers linked is therefore preferred. Anonymous performs
// no reauthentication.
func (s *AuthService) DeleteWithReauthentication(ctx context.Context, option SignInOption, revokeToken bool, beforeDelete func(ctx context.Context) error) (err error) {
	ctx, span := tracer.Start(ctx, "AuthService.DeleteWithReauthentication",
		trace.WithAttributes(
			attribute.String("signin.method", string(option.Method)),
			attribute.Bool("revoke_token", revokeToken),
		))
	defer func() {
		recordAccountDeletion(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// 1. Require an active session
	original := s.Current()
	if original == nil {
		return ErrUserNotFound
	}

	// 2. Reauthenticate
	var reauth *reauthResult
	switch option.Method {
	case MethodApple:
		reauth, err = s.authenticateApple(ctx)
		if err != nil {
			return err
		}
	case MethodGoogle:
		outcome, err := s.authenticateGoogle(ctx, option.GoogleClientID)
		if err != nil {
			return err
		}
		reauth = &reauthResult{user: outcome.User, isNewUser: outcome.IsNewUser}
	case MethodAnonymous:
		// nothing to reauthenticate with
	default:
		return ErrUnsupportedProvider
	}

	// 3. The reauthenticated user must be the one we started with
	if reauth != nil {
		if reauth.isNewUser {
			log.Printf("reauthentication for %s created a new account, aborting delete", original.UID)
			return ErrChangedAuthenticatedUser
		}
		if reauth.user.UID != original.UID {
			log.Printf("reauthentication for %s resolved to %s, aborting delete", original.UID, reauth.user.UID)
			return ErrChangedAuthenticatedUser
		}
	}
	span.AddEvent("identity_verified")

	// 4. Caller cleanup while auth is still valid
	if beforeDelete != nil {
		if err := beforeDelete(ctx); err != nil {
			return fmt.Errorf("before delete: %w", err)
		}
	}

	// 5. Revoke the Apple token
	if revokeToken && reauth != nil && reauth.authorizationCode != "" {
		if err := s.gateway.RevokeToken(ctx, reauth.authorizationCode); err != nil {
			return err
		}
		span.AddEvent("token_revoked")
	}

	// 6. Delete. The session should still be there.
	user := s.gateway.CurrentSession()
	if user == nil {
		return ErrUserNotFound
	}

	if err := s.gateway.DeleteUser(ctx, user); err != nil {
		return err
	}

	log.Printf("deleted user %s after reauthentication", user.UID)
	return nil
}
