package idp

import (
	"context"
	"errors"
	"sync"

	"authlink/core"
)

var ErrNotScripted = errors.New("mock: call not scripted")

// MockGateway is a scriptable core.Gateway for tests. Session changes are
// delivered synchronously to listeners. Calls records method names in order.
type MockGateway struct {
	mu         sync.Mutex
	session    *core.NativeUser
	listeners  map[core.ListenerHandle]func(*core.NativeUser)
	nextHandle core.ListenerHandle

	SignInAnonymouslyFunc func(ctx context.Context) (*core.SessionResult, error)
	SignInFunc            func(ctx context.Context, credential core.Credential) (*core.SessionResult, error)
	LinkFunc              func(ctx context.Context, user *core.NativeUser, credential core.Credential) (*core.SessionResult, error)
	RefreshTokenFunc      func(ctx context.Context, user *core.NativeUser, forceRefresh bool) (string, error)
	DeleteUserFunc        func(ctx context.Context, user *core.NativeUser) error
	RevokeTokenFunc       func(ctx context.Context, authorizationCode string) error
	UpdateProfileFunc     func(ctx context.Context, user *core.NativeUser, changes core.ProfileChanges) error
	SignOutErr            error

	calls              []string
	credentials        []core.Credential
	profileChanges     []core.ProfileChanges
	revokedCodes       []string
	removeListenerHits int
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		listeners: make(map[core.ListenerHandle]func(*core.NativeUser)),
	}
}

// SetSession replaces the cached session without notifying listeners.
func (m *MockGateway) SetSession(user *core.NativeUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = user
}

// Emit replaces the session and notifies every listener.
func (m *MockGateway) Emit(user *core.NativeUser) {
	m.mu.Lock()
	m.session = user
	listeners := make([]func(*core.NativeUser), 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(user)
	}
}

func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockGateway) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, call := range m.calls {
		if call == name {
			count++
		}
	}
	return count
}

// Credentials returns every credential passed to SignIn or Link.
func (m *MockGateway) Credentials() []core.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Credential(nil), m.credentials...)
}

func (m *MockGateway) ProfileChanges() []core.ProfileChanges {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.ProfileChanges(nil), m.profileChanges...)
}

func (m *MockGateway) RevokedCodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.revokedCodes...)
}

func (m *MockGateway) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *MockGateway) RemoveListenerCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeListenerHits
}

func (m *MockGateway) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *MockGateway) CurrentSession() *core.NativeUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// OnSessionChange registers fn and does not replay the current session;
// tests drive emissions with Emit.
func (m *MockGateway) OnSessionChange(fn func(*core.NativeUser)) core.ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "OnSessionChange")
	m.nextHandle++
	m.listeners[m.nextHandle] = fn
	return m.nextHandle
}

func (m *MockGateway) RemoveSessionListener(handle core.ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "RemoveSessionListener")
	m.removeListenerHits++
	delete(m.listeners, handle)
}

func (m *MockGateway) SignInAnonymously(ctx context.Context) (*core.SessionResult, error) {
	m.record("SignInAnonymously")
	if m.SignInAnonymouslyFunc == nil {
		return nil, ErrNotScripted
	}
	return m.adopt(m.SignInAnonymouslyFunc(ctx))
}

func (m *MockGateway) SignIn(ctx context.Context, credential core.Credential) (*core.SessionResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "SignIn")
	m.credentials = append(m.credentials, credential)
	m.mu.Unlock()

	if m.SignInFunc == nil {
		return nil, ErrNotScripted
	}
	return m.adopt(m.SignInFunc(ctx, credential))
}

func (m *MockGateway) Link(ctx context.Context, user *core.NativeUser, credential core.Credential) (*core.SessionResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "Link")
	m.credentials = append(m.credentials, credential)
	m.mu.Unlock()

	if m.LinkFunc == nil {
		return nil, ErrNotScripted
	}
	return m.adopt(m.LinkFunc(ctx, user, credential))
}

func (m *MockGateway) RefreshToken(ctx context.Context, user *core.NativeUser, forceRefresh bool) (string, error) {
	m.record("RefreshToken")
	if m.RefreshTokenFunc == nil {
		return "mock_id_token", nil
	}
	return m.RefreshTokenFunc(ctx, user, forceRefresh)
}

// SignOut clears the session and emits nil, like a real provider.
func (m *MockGateway) SignOut() error {
	m.record("SignOut")
	if m.SignOutErr != nil {
		return m.SignOutErr
	}
	m.Emit(nil)
	return nil
}

func (m *MockGateway) DeleteUser(ctx context.Context, user *core.NativeUser) error {
	m.record("DeleteUser")
	if m.DeleteUserFunc != nil {
		if err := m.DeleteUserFunc(ctx, user); err != nil {
			return err
		}
	}
	m.Emit(nil)
	return nil
}

func (m *MockGateway) RevokeToken(ctx context.Context, authorizationCode string) error {
	m.mu.Lock()
	m.calls = append(m.calls, "RevokeToken")
	m.revokedCodes = append(m.revokedCodes, authorizationCode)
	m.mu.Unlock()

	if m.RevokeTokenFunc == nil {
		return nil
	}
	return m.RevokeTokenFunc(ctx, authorizationCode)
}

func (m *MockGateway) UpdateProfile(ctx context.Context, user *core.NativeUser, changes core.ProfileChanges) error {
	m.mu.Lock()
	m.calls = append(m.calls, "UpdateProfile")
	m.profileChanges = append(m.profileChanges, changes)
	m.mu.Unlock()

	if m.UpdateProfileFunc == nil {
		return nil
	}
	return m.UpdateProfileFunc(ctx, user, changes)
}

// adopt makes a successful result the current session.
func (m *MockGateway) adopt(result *core.SessionResult, err error) (*core.SessionResult, error) {
	if err != nil || result == nil || result.User == nil {
		return result, err
	}
	m.Emit(result.User)
	return result, nil
}

// StaticVerifier maps raw ID tokens to fixed claims.
type StaticVerifier struct {
	mu     sync.Mutex
	claims map[string]*VerifiedClaims
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{claims: make(map[string]*VerifiedClaims)}
}

func (v *StaticVerifier) Add(idToken string, claims *VerifiedClaims) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.claims[idToken] = claims
}

func (v *StaticVerifier) Verify(ctx context.Context, credential core.Credential) (*VerifiedClaims, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	claims, ok := v.claims[credential.IDToken]
	if !ok {
		return nil, &core.ProviderError{Kind: core.KindInvalidCredential, Message: "unknown id_token"}
	}
	out := *claims
	return &out, nil
}

// MockRevoker records revoked authorization codes.
type MockRevoker struct {
	mu    sync.Mutex
	Err   error
	codes []string
}

func (r *MockRevoker) Revoke(ctx context.Context, authorizationCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.codes = append(r.codes, authorizationCode)
	return r.Err
}

func (r *MockRevoker) Codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.codes...)
}
