package providers

import (
	"context"
	"sync"

	"authlink/core"
)

// Predefined Apple sign-in results
var (
	AppleCredential1 = &core.AppleCredential{
		IDToken:           "mock_apple_id_token_1",
		RawNonce:          "mock_apple_nonce_1",
		AuthorizationCode: "mock_apple_code_1",
		Names:             core.NameHints{FirstName: "Ada", LastName: "Lovelace"},
	}

	AppleCredential2 = &core.AppleCredential{
		IDToken:           "mock_apple_id_token_2",
		RawNonce:          "mock_apple_nonce_2",
		AuthorizationCode: "mock_apple_code_2",
	}
)

// Predefined Google sign-in results
var (
	GoogleCredential1 = &core.GoogleCredential{
		IDToken:     "mock_google_id_token_1",
		AccessToken: "mock_google_access_token_1",
		Names:       core.NameHints{FirstName: "Grace", LastName: "Hopper"},
	}

	GoogleCredential2 = &core.GoogleCredential{
		IDToken:     "mock_google_id_token_2",
		AccessToken: "mock_google_access_token_2",
	}
)

// MockAppleSource returns a fixed credential
type MockAppleSource struct {
	mu         sync.Mutex
	credential *core.AppleCredential
	err        error
	calls      int
}

func NewMockAppleSource(credential *core.AppleCredential) *MockAppleSource {
	return &MockAppleSource{credential: credential}
}

// Fail makes subsequent sign-ins return err.
func (m *MockAppleSource) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockAppleSource) Set(credential *core.AppleCredential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = credential
	m.err = nil
}

func (m *MockAppleSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAppleSource) SignInApple(ctx context.Context) (*core.AppleCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.credential == nil {
		return nil, ErrCanceled
	}
	out := *m.credential
	return &out, nil
}

// MockGoogleSource returns a fixed credential and remembers the client IDs it was asked for
type MockGoogleSource struct {
	mu         sync.Mutex
	credential *core.GoogleCredential
	err        error
	clientIDs  []string
}

func NewMockGoogleSource(credential *core.GoogleCredential) *MockGoogleSource {
	return &MockGoogleSource{credential: credential}
}

func (m *MockGoogleSource) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockGoogleSource) Set(credential *core.GoogleCredential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = credential
	m.err = nil
}

func (m *MockGoogleSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clientIDs)
}

func (m *MockGoogleSource) ClientIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.clientIDs...)
}

func (m *MockGoogleSource) SignInGoogle(ctx context.Context, clientID string) (*core.GoogleCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clientIDs = append(m.clientIDs, clientID)
	if m.err != nil {
		return nil, m.err
	}
	if m.credential == nil {
		return nil, ErrCanceled
	}
	out := *m.credential
	return &out, nil
}
