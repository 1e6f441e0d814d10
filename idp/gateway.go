package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"authlink/core"
)

var ErrRevocationUnavailable = errors.New("token revocation not configured")

// Revoker revokes an external SSO token given its authorization code
type Revoker interface {
	Revoke(ctx context.Context, authorizationCode string) error
}

type session struct {
	user           *core.NativeUser
	refreshToken   string
	idToken        string
}

// Gateway is a self-hosted identity provider holding a single local session,
// the way a client SDK does. It implements core.Gateway.
type Gateway struct {
	repo     Repository
	verifier CredentialVerifier
	crypto   *CryptoService
	revoker  Revoker
	config   *Config

	mu         sync.Mutex
	session    *session
	listeners  map[core.ListenerHandle]func(*core.NativeUser)
	nextHandle core.ListenerHandle
	consumed   map[string]time.Time // credential digest -> when it may be forgotten

	// listener notifications, delivered in order by dispatch
	dispatchMu sync.Mutex
	pending    []func()
	wake       chan struct{}
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
}

// NewGateway creates the gateway and starts its notification dispatcher.
// revoker may be nil, in which case RevokeToken fails.
func NewGateway(repo Repository, verifier CredentialVerifier, revoker Revoker, config *Config) (*Gateway, error) {
	config = config.withDefaults()

	crypto, err := NewCryptoService(config.EncryptionKey, config.HashCost)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		repo:      repo,
		verifier:  verifier,
		crypto:    crypto,
		revoker:   revoker,
		config:    config,
		listeners: make(map[core.ListenerHandle]func(*core.NativeUser)),
		consumed:  make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go g.dispatch()

	return g, nil
}

// Close stops notification delivery and returns once the listener running at
// that moment, if any, has returned. It must not be called from a listener.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	<-g.stopped
}

func (g *Gateway) CurrentSession() *core.NativeUser {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session == nil {
		return nil
	}
	return copyUser(g.session.user)
}

// OnSessionChange registers fn. Like client SDKs, fn is first called with the
// current session.
func (g *Gateway) OnSessionChange(fn func(*core.NativeUser)) core.ListenerHandle {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextHandle++
	handle := g.nextHandle
	g.listeners[handle] = fn

	var user *core.NativeUser
	if g.session != nil {
		user = copyUser(g.session.user)
	}
	g.enqueue(func() {
		g.mu.Lock()
		listener, ok := g.listeners[handle]
		g.mu.Unlock()
		if ok {
			listener(user)
		}
	})

	return handle
}

func (g *Gateway) RemoveSessionListener(handle core.ListenerHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.listeners, handle)
}

func (g *Gateway) SignInAnonymously(ctx context.Context) (*core.SessionResult, error) {
	now := time.Now()
	user := &User{
		ID:           uuid.New(),
		Anonymous:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastSignInAt: now,
	}

	if err := g.repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	native, err := g.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	return &core.SessionResult{
		User: native,
		Info: &core.AdditionalUserInfo{IsNewUser: true},
	}, nil
}

func (g *Gateway) SignIn(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
	// 1. Verify and consume the credential
	claims, err := g.resolveCredential(ctx, credential)
	if err != nil {
		return nil, err
	}

	// 2. Find or create the user behind it
	isNewUser := false
	user, err := g.repo.FindByProviderID(ctx, claims.ProviderID, claims.Subject)
	switch {
	case errors.Is(err, ErrNotFound):
		now := time.Now()
		user = &User{
			ID:           uuid.New(),
			Email:        claims.Email,
			DisplayName:  claims.Name,
			PhotoURL:     claims.Picture,
			CreatedAt:    now,
			UpdatedAt:    now,
			LastSignInAt: now,
			Providers: []ProviderLink{
				{
					ProviderID: claims.ProviderID,
					Subject:    claims.Subject,
					Email:      claims.Email,
				},
			},
		}
		if err := g.repo.CreateUser(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		isNewUser = true

	case err != nil:
		return nil, fmt.Errorf("failed to find user: %w", err)

	default:
		now := time.Now()
		if err := g.repo.TouchLastSignIn(ctx, user.ID, now); err != nil {
			return nil, fmt.Errorf("failed to update last sign-in: %w", err)
		}
		user.LastSignInAt = now
	}

	// 3. Replace the local session
	native, err := g.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	return &core.SessionResult{
		User: native,
		Info: &core.AdditionalUserInfo{
			ProviderID: claims.ProviderID,
			IsNewUser:  isNewUser,
		},
	}, nil
}

func (g *Gateway) Link(ctx context.Context, native *core.NativeUser, credential core.Credential) (*core.SessionResult, error) {
	// 1. The user being linked must still exist
	user, err := g.findNative(ctx, native)
	if err != nil {
		return nil, err
	}

	// 2. Verify and consume the credential
	claims, err := g.resolveCredential(ctx, credential)
	if err != nil {
		return nil, err
	}

	// 3. Detect conflicts. The credential is consumed by now, so hand back a
	// replacement the caller can sign in with instead.
	owner, err := g.repo.FindByProviderID(ctx, claims.ProviderID, claims.Subject)
	switch {
	case err == nil && owner.ID == user.ID:
		return nil, g.conflict(core.KindProviderAlreadyLinked, claims)
	case err == nil:
		return nil, g.conflict(core.KindCredentialAlreadyInUse, claims)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user.hasProvider(claims.ProviderID) {
		return nil, g.conflict(core.KindProviderAlreadyLinked, claims)
	}

	// 4. Link
	link := ProviderLink{
		ProviderID: claims.ProviderID,
		Subject:    claims.Subject,
		Email:      claims.Email,
	}
	if err := g.repo.LinkProvider(ctx, user.ID, link); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, g.conflict(core.KindCredentialAlreadyInUse, claims)
		}
		return nil, fmt.Errorf("failed to link provider: %w", err)
	}

	user, err = g.repo.FindByID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}

	// 5. Same uid, upgraded record
	linked := user.native()
	g.mu.Lock()
	if g.session != nil && g.session.user.UID == linked.UID {
		g.session.user = linked
		g.session.idToken = ""
		g.notify(linked)
	}
	g.mu.Unlock()

	return &core.SessionResult{
		User: copyUser(linked),
		Info: &core.AdditionalUserInfo{
			ProviderID: claims.ProviderID,
			IsNewUser:  false,
		},
	}, nil
}

// RefreshToken issues an ID token for user's session. With forceRefresh the
// session's refresh token and the user record are checked against the store.
func (g *Gateway) RefreshToken(ctx context.Context, native *core.NativeUser, forceRefresh bool) (string, error) {
	g.mu.Lock()
	sess := g.session
	var refreshToken, cached string
	if sess != nil && sess.user.UID == native.UID {
		refreshToken = sess.refreshToken
		cached = sess.idToken
	}
	g.mu.Unlock()

	if refreshToken == "" {
		return "", &core.ProviderError{Kind: core.KindTokenExpired, Message: "no session for user " + native.UID}
	}
	if !forceRefresh && cached != "" {
		if userID, err := ValidateIDToken(cached, g.config); err == nil && userID.String() == native.UID {
			return cached, nil
		}
	}

	// 1. The user must still exist server-side
	user, err := g.findNative(ctx, native)
	if err != nil {
		return "", err
	}

	// 2. Check the refresh token
	parts, err := ParseRefreshToken(refreshToken)
	if err != nil {
		return "", &core.ProviderError{Kind: core.KindTokenExpired, Err: err}
	}

	record, err := g.repo.FindRefreshTokenByID(ctx, parts.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", &core.ProviderError{Kind: core.KindTokenExpired, Message: "refresh token revoked"}
		}
		return "", &core.ProviderError{Kind: core.KindNetwork, Message: "failed to find refresh token", Err: err}
	}

	if time.Now().After(record.ExpiresAt) {
		_ = g.repo.DeleteRefreshTokenByID(ctx, parts.ID)
		return "", &core.ProviderError{Kind: core.KindTokenExpired, Err: ErrExpiredToken}
	}

	if record.UserID != user.ID || !g.crypto.VerifyTokenHash(parts.Key, record.TokenKeyHash) {
		return "", &core.ProviderError{Kind: core.KindTokenExpired, Err: ErrInvalidToken}
	}

	// 3. Issue a fresh ID token
	idToken, err := GenerateIDToken(user, g.config)
	if err != nil {
		return "", fmt.Errorf("failed to generate id token: %w", err)
	}

	g.mu.Lock()
	if g.session == sess {
		sess.idToken = idToken
	}
	g.mu.Unlock()

	return idToken, nil
}

func (g *Gateway) SignOut() error {
	g.mu.Lock()
	sess := g.session
	g.session = nil
	if sess != nil {
		g.notify(nil)
	}
	g.mu.Unlock()

	if sess == nil {
		return nil
	}

	g.dropRefreshToken(context.Background(), sess.refreshToken)
	return nil
}

func (g *Gateway) DeleteUser(ctx context.Context, native *core.NativeUser) error {
	userID, err := uuid.Parse(native.UID)
	if err != nil {
		return &core.ProviderError{Kind: core.KindUserNotFound, Err: err}
	}

	// stores without cascading deletes would otherwise keep the tokens
	if err := g.repo.DeleteAllUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete refresh tokens: %w", err)
	}

	if err := g.repo.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &core.ProviderError{Kind: core.KindUserNotFound, Message: "user " + native.UID + " not found"}
		}
		return fmt.Errorf("failed to delete user: %w", err)
	}

	g.mu.Lock()
	if g.session != nil && g.session.user.UID == native.UID {
		g.session = nil
		g.notify(nil)
	}
	g.mu.Unlock()

	return nil
}

func (g *Gateway) RevokeToken(ctx context.Context, authorizationCode string) error {
	if g.revoker == nil {
		return ErrRevocationUnavailable
	}
	if err := g.revoker.Revoke(ctx, authorizationCode); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (g *Gateway) UpdateProfile(ctx context.Context, native *core.NativeUser, changes core.ProfileChanges) error {
	userID, err := uuid.Parse(native.UID)
	if err != nil {
		return &core.ProviderError{Kind: core.KindUserNotFound, Err: err}
	}

	update := ProfileUpdate{
		DisplayName: changes.DisplayName,
		PhotoURL:    changes.PhotoURL,
	}
	if err := g.repo.UpdateProfile(ctx, userID, update); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &core.ProviderError{Kind: core.KindUserNotFound, Message: "user " + native.UID + " not found"}
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}

	user, err := g.repo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to reload user: %w", err)
	}

	// profile edits refresh the cached user without a session change event
	g.mu.Lock()
	if g.session != nil && g.session.user.UID == native.UID {
		g.session.user = user.native()
	}
	g.mu.Unlock()

	return nil
}

// PurgeExpiredTokens removes expired refresh tokens from the store.
func (g *Gateway) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return g.repo.DeleteExpiredRefreshTokens(ctx)
}

// Helper functions

func (g *Gateway) findNative(ctx context.Context, native *core.NativeUser) (*User, error) {
	userID, err := uuid.Parse(native.UID)
	if err != nil {
		return nil, &core.ProviderError{Kind: core.KindUserNotFound, Err: err}
	}

	user, err := g.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &core.ProviderError{Kind: core.KindUserNotFound, Message: "user " + native.UID + " not found"}
		}
		return nil, &core.ProviderError{Kind: core.KindNetwork, Message: "failed to find user", Err: err}
	}
	return user, nil
}

// startSession issues a refresh token for user and makes it the current session.
func (g *Gateway) startSession(ctx context.Context, user *User) (*core.NativeUser, error) {
	fullToken, tokenParts, err := GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	keyHash, err := g.crypto.HashToken(tokenParts.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token key: %w", err)
	}

	now := time.Now()
	refreshToken := &RefreshToken{
		TokenID:      tokenParts.ID,
		TokenKeyHash: keyHash,
		UserID:       user.ID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(g.config.RefreshTokenDuration) * time.Second),
	}

	if err := g.repo.CreateRefreshToken(ctx, refreshToken); err != nil {
		return nil, fmt.Errorf("failed to create refresh token: %w", err)
	}

	native := user.native()

	g.mu.Lock()
	previous := g.session
	g.session = &session{user: native, refreshToken: fullToken}
	g.notify(native)
	g.mu.Unlock()

	if previous != nil {
		g.dropRefreshToken(ctx, previous.refreshToken)
	}

	return copyUser(native), nil
}

func (g *Gateway) dropRefreshToken(ctx context.Context, token string) {
	parts, err := ParseRefreshToken(token)
	if err != nil {
		return
	}
	if err := g.repo.DeleteRefreshTokenByID(ctx, parts.ID); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("failed to delete refresh token: %v", err)
	}
}

// pendingCredential is the sealed payload of a replacement credential
type pendingCredential struct {
	ProviderID string `json:"provider_id"`
	Subject    string `json:"sub"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	Picture    string `json:"picture,omitempty"`
	ExpiresAt  int64  `json:"exp"`
}

func (g *Gateway) conflict(kind core.ErrorKind, claims *VerifiedClaims) error {
	providerErr := &core.ProviderError{
		Kind:    kind,
		Message: claims.ProviderID + " account is already linked",
	}

	pending, err := g.sealPending(claims)
	if err != nil {
		log.Printf("failed to issue replacement credential: %v", err)
		return providerErr
	}

	providerErr.UpdatedCredential = &core.Credential{
		ProviderID:   claims.ProviderID,
		PendingToken: pending,
	}
	return providerErr
}

func (g *Gateway) sealPending(claims *VerifiedClaims) (string, error) {
	payload, err := json.Marshal(pendingCredential{
		ProviderID: claims.ProviderID,
		Subject:    claims.Subject,
		Email:      claims.Email,
		Name:       claims.Name,
		Picture:    claims.Picture,
		ExpiresAt:  time.Now().Add(time.Duration(g.config.PendingTokenDuration) * time.Second).Unix(),
	})
	if err != nil {
		return "", err
	}
	return g.crypto.Seal(payload)
}

func (g *Gateway) openPending(token string) (*VerifiedClaims, error) {
	payload, err := g.crypto.Open(token)
	if err != nil {
		return nil, &core.ProviderError{Kind: core.KindInvalidCredential, Message: "invalid pending token", Err: err}
	}

	var pending pendingCredential
	if err := json.Unmarshal(payload, &pending); err != nil {
		return nil, &core.ProviderError{Kind: core.KindInvalidCredential, Message: "invalid pending token", Err: err}
	}
	if time.Now().Unix() > pending.ExpiresAt {
		return nil, &core.ProviderError{Kind: core.KindInvalidCredential, Message: "pending token expired"}
	}

	return &VerifiedClaims{
		ProviderID: pending.ProviderID,
		Subject:    pending.Subject,
		Email:      pending.Email,
		Name:       pending.Name,
		Picture:    pending.Picture,
	}, nil
}

// resolveCredential verifies credential and marks it used. Raw credentials and
// pending tokens are single use.
func (g *Gateway) resolveCredential(ctx context.Context, credential core.Credential) (*VerifiedClaims, error) {
	raw := credential.IDToken
	if credential.PendingToken != "" {
		raw = credential.PendingToken
	}
	if raw == "" {
		return nil, &core.ProviderError{Kind: core.KindInvalidCredential, Message: "empty credential"}
	}

	digest := Digest(raw)
	g.mu.Lock()
	_, used := g.consumed[digest]
	g.mu.Unlock()
	if used {
		return nil, &core.ProviderError{Kind: core.KindDuplicateCredential, Message: "credential already used"}
	}

	var (
		claims *VerifiedClaims
		err    error
	)
	if credential.PendingToken != "" {
		claims, err = g.openPending(credential.PendingToken)
	} else {
		claims, err = g.verifier.Verify(ctx, credential)
	}
	if err != nil {
		return nil, err
	}
	if claims.ProviderID != credential.ProviderID {
		return nil, &core.ProviderError{Kind: core.KindInvalidCredential, Message: "credential provider mismatch"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, used := g.consumed[digest]; used {
		return nil, &core.ProviderError{Kind: core.KindDuplicateCredential, Message: "credential already used"}
	}
	now := time.Now()
	for key, forgetAt := range g.consumed {
		if now.After(forgetAt) {
			delete(g.consumed, key)
		}
	}
	g.consumed[digest] = now.Add(time.Duration(g.config.RefreshTokenDuration) * time.Second)

	return claims, nil
}

// notify queues a session change for all listeners. Callers hold g.mu so
// changes are queued in the order they happen.
func (g *Gateway) notify(user *core.NativeUser) {
	snapshot := copyUser(user)
	g.enqueue(func() {
		g.mu.Lock()
		listeners := make([]func(*core.NativeUser), 0, len(g.listeners))
		for _, listener := range g.listeners {
			listeners = append(listeners, listener)
		}
		g.mu.Unlock()

		for _, listener := range listeners {
			listener(snapshot)
		}
	})
}

func (g *Gateway) enqueue(fn func()) {
	g.dispatchMu.Lock()
	g.pending = append(g.pending, fn)
	g.dispatchMu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Gateway) dispatch() {
	defer close(g.stopped)

	for {
		select {
		case <-g.wake:
		case <-g.done:
			return
		}

		for {
			g.dispatchMu.Lock()
			if len(g.pending) == 0 {
				g.dispatchMu.Unlock()
				break
			}
			fn := g.pending[0]
			g.pending[0] = nil
			g.pending = g.pending[1:]
			g.dispatchMu.Unlock()

			fn()

			select {
			case <-g.done:
				return
			default:
			}
		}
	}
}

func copyUser(user *core.NativeUser) *core.NativeUser {
	if user == nil {
		return nil
	}
	out := *user
	out.ProviderIDs = append([]string(nil), user.ProviderIDs...)
	return &out
}
