package storage

import (
	"context"
	"sync"
	"time"

	"authlink/core"
	"authlink/idp"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// User1 is an anonymous guest
	User1 = &idp.User{
		ID:           uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Anonymous:    true,
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		LastSignInAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Providers:    []idp.ProviderLink{},
	}

	// User2 signed in with Apple
	User2 = &idp.User{
		ID:           uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Email:        "user2@privaterelay.appleid.com",
		DisplayName:  "Ada",
		CreatedAt:    time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		LastSignInAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Providers: []idp.ProviderLink{
			{
				ProviderID: core.ProviderIDApple,
				Subject:    "apple_subject_2",
				Email:      "user2@privaterelay.appleid.com",
			},
		},
	}

	// User3 signed in with Google
	User3 = &idp.User{
		ID:           uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		Email:        "user3@gmail.test",
		DisplayName:  "Grace Hopper",
		PhotoURL:     "https://mock.test/avatar3.jpg",
		CreatedAt:    time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		LastSignInAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		Providers: []idp.ProviderLink{
			{
				ProviderID: core.ProviderIDGoogle,
				Subject:    "google_subject_3",
				Email:      "user3@gmail.test",
			},
		},
	}

	AllUsers = []*idp.User{User1, User2, User3}
)

const (
	Token1Key = "test_key_1"
	Token2Key = "test_key_2"
	Token3Key = "test_key_3"
)

var (
	tokenHash1, _ = bcrypt.GenerateFromPassword([]byte(Token1Key), bcrypt.MinCost)
	tokenHash2, _ = bcrypt.GenerateFromPassword([]byte(Token2Key), bcrypt.MinCost)
	tokenHash3, _ = bcrypt.GenerateFromPassword([]byte(Token3Key), bcrypt.MinCost)

	Token1 = &idp.RefreshToken{
		TokenID:      "token_id_1",
		TokenKeyHash: string(tokenHash1),
		UserID:       User1.ID,
		CreatedAt:    time.Now().Add(-24 * time.Hour),
		ExpiresAt:    time.Now().Add(30 * 24 * time.Hour),
	}

	Token2 = &idp.RefreshToken{
		TokenID:      "token_id_2",
		TokenKeyHash: string(tokenHash2),
		UserID:       User2.ID,
		CreatedAt:    time.Now().Add(-24 * time.Hour),
		ExpiresAt:    time.Now().Add(30 * 24 * time.Hour),
	}

	Token3 = &idp.RefreshToken{
		TokenID:      "token_id_3_expired",
		TokenKeyHash: string(tokenHash3),
		UserID:       User3.ID,
		CreatedAt:    time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:    time.Date(2023, 1, 31, 23, 59, 59, 0, time.UTC),
	}

	Token1Full = "ALRT_token_id_1." + Token1Key
	Token2Full = "ALRT_token_id_2." + Token2Key
	Token3Full = "ALRT_token_id_3_expired." + Token3Key

	AllTokens = []*idp.RefreshToken{Token1, Token2, Token3}
)

type providerKey struct {
	providerID string
	subject    string
}

// MockRepository is an in-memory idp.Repository seeded with the fixtures above.
type MockRepository struct {
	mu            sync.Mutex
	usersByID     map[uuid.UUID]*idp.User
	providerUsers map[providerKey]uuid.UUID
	refreshTokens map[string]*idp.RefreshToken

	// Track method calls for verification
	FindByIDCalls                   int
	FindByProviderIDCalls           int
	CreateUserCalls                 int
	LinkProviderCalls               int
	DeleteUserCalls                 int
	CreateRefreshTokenCalls         int
	DeleteAllUserRefreshTokensCalls int
}

func NewMockRepository() *MockRepository {
	repo := NewEmptyMockRepository()

	for _, user := range AllUsers {
		stored := cloneUser(user)
		repo.usersByID[stored.ID] = stored
		for _, link := range stored.Providers {
			repo.providerUsers[providerKey{link.ProviderID, link.Subject}] = stored.ID
		}
	}

	for _, token := range AllTokens {
		stored := *token
		repo.refreshTokens[stored.TokenID] = &stored
	}

	return repo
}

// NewEmptyMockRepository returns a repository without fixtures.
func NewEmptyMockRepository() *MockRepository {
	return &MockRepository{
		usersByID:     make(map[uuid.UUID]*idp.User),
		providerUsers: make(map[providerKey]uuid.UUID),
		refreshTokens: make(map[string]*idp.RefreshToken),
	}
}

func (m *MockRepository) FindByID(ctx context.Context, id uuid.UUID) (*idp.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FindByIDCalls++
	user, ok := m.usersByID[id]
	if !ok {
		return nil, idp.ErrNotFound
	}
	return cloneUser(user), nil
}

func (m *MockRepository) FindByProviderID(ctx context.Context, providerID string, subject string) (*idp.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FindByProviderIDCalls++
	userID, ok := m.providerUsers[providerKey{providerID, subject}]
	if !ok {
		return nil, idp.ErrNotFound
	}
	return cloneUser(m.usersByID[userID]), nil
}

func (m *MockRepository) CreateUser(ctx context.Context, user *idp.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateUserCalls++
	if _, exists := m.usersByID[user.ID]; exists {
		return idp.ErrAlreadyExists
	}
	for _, link := range user.Providers {
		if _, exists := m.providerUsers[providerKey{link.ProviderID, link.Subject}]; exists {
			return idp.ErrAlreadyExists
		}
	}

	stored := cloneUser(user)
	m.usersByID[stored.ID] = stored
	for _, link := range stored.Providers {
		m.providerUsers[providerKey{link.ProviderID, link.Subject}] = stored.ID
	}
	return nil
}

func (m *MockRepository) LinkProvider(ctx context.Context, userID uuid.UUID, link idp.ProviderLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LinkProviderCalls++
	user, ok := m.usersByID[userID]
	if !ok {
		return idp.ErrNotFound
	}

	key := providerKey{link.ProviderID, link.Subject}
	if _, exists := m.providerUsers[key]; exists {
		return idp.ErrAlreadyExists
	}
	for _, existing := range user.Providers {
		if existing.ProviderID == link.ProviderID {
			return idp.ErrAlreadyExists
		}
	}

	user.Providers = append(user.Providers, link)
	user.Anonymous = false
	if user.Email == "" {
		user.Email = link.Email
	}
	user.UpdatedAt = time.Now()
	m.providerUsers[key] = userID
	return nil
}

func (m *MockRepository) UpdateProfile(ctx context.Context, userID uuid.UUID, update idp.ProfileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.usersByID[userID]
	if !ok {
		return idp.ErrNotFound
	}
	if update.DisplayName != nil {
		user.DisplayName = *update.DisplayName
	}
	if update.PhotoURL != nil {
		user.PhotoURL = *update.PhotoURL
	}
	user.UpdatedAt = time.Now()
	return nil
}

func (m *MockRepository) TouchLastSignIn(ctx context.Context, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.usersByID[userID]
	if !ok {
		return idp.ErrNotFound
	}
	user.LastSignInAt = at
	return nil
}

func (m *MockRepository) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteUserCalls++
	user, ok := m.usersByID[userID]
	if !ok {
		return idp.ErrNotFound
	}

	for _, link := range user.Providers {
		delete(m.providerUsers, providerKey{link.ProviderID, link.Subject})
	}
	for tokenID, token := range m.refreshTokens {
		if token.UserID == userID {
			delete(m.refreshTokens, tokenID)
		}
	}
	delete(m.usersByID, userID)
	return nil
}

func (m *MockRepository) CreateRefreshToken(ctx context.Context, token *idp.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateRefreshTokenCalls++
	if _, exists := m.refreshTokens[token.TokenID]; exists {
		return idp.ErrAlreadyExists
	}
	stored := *token
	m.refreshTokens[stored.TokenID] = &stored
	return nil
}

func (m *MockRepository) FindRefreshTokenByID(ctx context.Context, tokenID string) (*idp.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refreshToken, ok := m.refreshTokens[tokenID]
	if !ok {
		return nil, idp.ErrNotFound
	}
	out := *refreshToken
	return &out, nil
}

func (m *MockRepository) DeleteRefreshTokenByID(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.refreshTokens, tokenID)
	return nil
}

func (m *MockRepository) DeleteAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteAllUserRefreshTokensCalls++
	for tokenID, token := range m.refreshTokens {
		if token.UserID == userID {
			delete(m.refreshTokens, tokenID)
		}
	}
	return nil
}

func (m *MockRepository) DeleteExpiredRefreshTokens(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var count int64
	for tokenID, token := range m.refreshTokens {
		if now.After(token.ExpiresAt) {
			delete(m.refreshTokens, tokenID)
			count++
		}
	}
	return count, nil
}

// UserCount reports how many users are stored.
func (m *MockRepository) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.usersByID)
}

func cloneUser(user *idp.User) *idp.User {
	out := *user
	out.Providers = append([]idp.ProviderLink{}, user.Providers...)
	return &out
}

// TokenCount reports how many refresh tokens are stored.
func (m *MockRepository) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refreshTokens)
}
