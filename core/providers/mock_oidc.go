package providers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const mockKeyID = "mock-key"

// MockOIDCUser is the account the mock provider signs in
type MockOIDCUser struct {
	Subject      string
	Email        string
	Name         string
	GivenName    string
	FamilyName   string
	Picture      string
	FirstConsent string // Apple style user JSON returned with the callback
}

type mockGrant struct {
	user      MockOIDCUser
	clientID  string
	nonce     string
	challenge string
}

// MockOIDCServer is an in-process OpenID provider with discovery, JWKS,
// token and revocation endpoints. Prompt stands in for the browser.
type MockOIDCServer struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mu        sync.Mutex
	user      MockOIDCUser
	grants    map[string]mockGrant
	revoked   []string
	exchanges int
	counter   int
}

func NewMockOIDCServer() *MockOIDCServer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("mock oidc: failed to generate key: %v", err))
	}

	m := &MockOIDCServer{
		key:    key,
		grants: make(map[string]mockGrant),
		user: MockOIDCUser{
			Subject: "mock_subject_1",
			Email:   "user1@mock.test",
			Name:    "Mock User One",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", m.handleDiscovery)
	mux.HandleFunc("/auth/keys", m.handleKeys)
	mux.HandleFunc("/auth/token", m.handleToken)
	mux.HandleFunc("/auth/revoke", m.handleRevoke)

	m.server = httptest.NewServer(mux)
	return m
}

func (m *MockOIDCServer) URL() string {
	return m.server.URL
}

func (m *MockOIDCServer) Close() {
	m.server.Close()
}

// SetUser changes who signs in on the next authorization.
func (m *MockOIDCServer) SetUser(user MockOIDCUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = user
}

func (m *MockOIDCServer) RevokedTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.revoked...)
}

func (m *MockOIDCServer) Exchanges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchanges
}

// Prompt approves every authorization request as the current user.
func (m *MockOIDCServer) Prompt() AuthorizationPrompt {
	return PromptFunc(func(ctx context.Context, authURL string) (*Authorization, error) {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return nil, err
		}
		query := parsed.Query()

		m.mu.Lock()
		m.counter++
		code := fmt.Sprintf("mock_code_%d", m.counter)
		grant := mockGrant{
			user:      m.user,
			clientID:  query.Get("client_id"),
			nonce:     query.Get("nonce"),
			challenge: query.Get("code_challenge"),
		}
		m.grants[code] = grant
		m.mu.Unlock()

		auth := &Authorization{
			Code:  code,
			State: query.Get("state"),
		}

		if strings.Contains(query.Get("response_type"), "id_token") {
			idToken, err := m.IssueIDToken(grant.user, grant.clientID, grant.nonce)
			if err != nil {
				return nil, err
			}
			auth.IDToken = idToken
			auth.User = grant.user.FirstConsent
		}

		return auth, nil
	})
}

// IssueIDToken signs an RS256 ID token for user.
func (m *MockOIDCServer) IssueIDToken(user MockOIDCUser, audience, nonce string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            m.server.URL,
		"sub":            user.Subject,
		"aud":            audience,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          user.Email,
		"email_verified": true,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	if user.GivenName != "" {
		claims["given_name"] = user.GivenName
	}
	if user.FamilyName != "" {
		claims["family_name"] = user.FamilyName
	}
	if user.Picture != "" {
		claims["picture"] = user.Picture
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = mockKeyID
	return token.SignedString(m.key)
}

func (m *MockOIDCServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := m.server.URL
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                base,
		"authorization_endpoint":                base + "/auth/authorize",
		"token_endpoint":                        base + "/auth/token",
		"jwks_uri":                              base + "/auth/keys",
		"revocation_endpoint":                   base + "/auth/revoke",
		"response_types_supported":              []string{"code", "code id_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (m *MockOIDCServer) handleKeys(w http.ResponseWriter, r *http.Request) {
	pub := m.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": []map[string]string{
			{
				"kty": "RSA",
				"kid": mockKeyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	})
}

func (m *MockOIDCServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	if r.Form.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	code := r.Form.Get("code")

	m.mu.Lock()
	grant, ok := m.grants[code]
	delete(m.grants, code)
	if ok {
		m.exchanges++
	}
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	if grant.challenge != "" {
		sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != grant.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	}

	idToken, err := m.IssueIDToken(grant.user, grant.clientID, grant.nonce)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  "mock_access_" + code,
		"refresh_token": "mock_refresh_" + code,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"id_token":      idToken,
	})
}

func (m *MockOIDCServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil || r.Form.Get("token") == "" || r.Form.Get("client_secret") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	m.mu.Lock()
	m.revoked = append(m.revoked, r.Form.Get("token"))
	m.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// GenerateAppleKeyPEM returns a fresh P-256 key in the PEM form Apple issues.
func GenerateAppleKeyPEM() (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
