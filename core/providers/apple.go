package providers

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"authlink/core"
)

const (
	appleIssuer             = "https://appleid.apple.com"
	appleClientSecretMaxAge = 5 * time.Minute
)

var ErrRevokeFailed = errors.New("apple token revocation failed")

type AppleConfig struct {
	ClientID       string `yaml:"client_id"` // services ID
	TeamID         string `yaml:"team_id"`
	KeyID          string `yaml:"key_id"`
	PrivateKey     string `yaml:"private_key"`      // PEM encoded .p8 contents
	PrivateKeyPath string `yaml:"private_key_path"` // used when PrivateKey is empty
	RedirectURL    string `yaml:"redirect_url"`
	Issuer         string `yaml:"issuer"` // defaults to Apple's
}

// AppleSource runs Sign in with Apple as a hybrid "code id_token" flow.
// The authorization code is left unexchanged so it can revoke the user's
// tokens later.
type AppleSource struct {
	config     *AppleConfig
	prompt     AuthorizationPrompt
	provider   *oidc.Provider
	issuer     string
	signingKey *ecdsa.PrivateKey
	revokeURL  string
	httpClient *http.Client
}

func NewAppleSource(ctx context.Context, config *AppleConfig, prompt AuthorizationPrompt) (*AppleSource, error) {
	if config.ClientID == "" || config.TeamID == "" || config.KeyID == "" || config.RedirectURL == "" {
		return nil, errors.New("apple config missing required fields")
	}

	keyPEM := config.PrivateKey
	if keyPEM == "" && config.PrivateKeyPath != "" {
		data, err := os.ReadFile(config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read apple private key: %w", err)
		}
		keyPEM = string(data)
	}

	signingKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse apple private key: %w", err)
	}

	issuer := config.Issuer
	if issuer == "" {
		issuer = appleIssuer
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to init apple oidc provider: %w", err)
	}

	var discovery struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&discovery); err != nil {
		return nil, fmt.Errorf("failed to read apple discovery document: %w", err)
	}
	if discovery.RevocationEndpoint == "" {
		discovery.RevocationEndpoint = strings.TrimSuffix(issuer, "/") + "/auth/revoke"
	}

	return &AppleSource{
		config:     config,
		prompt:     prompt,
		provider:   provider,
		issuer:     issuer,
		signingKey: signingKey,
		revokeURL:  discovery.RevocationEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type appleUser struct {
	Name struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	} `json:"name"`
	Email string `json:"email"`
}

func (a *AppleSource) SignInApple(ctx context.Context) (*core.AppleCredential, error) {
	// 1. Authorize with a hashed nonce
	state, err := randomString()
	if err != nil {
		return nil, err
	}
	rawNonce, err := randomString()
	if err != nil {
		return nil, err
	}
	hashedNonce := sha256Hex(rawNonce)

	authURL := a.oauthConfig("").AuthCodeURL(
		state,
		oauth2.SetAuthURLParam("response_type", "code id_token"),
		oauth2.SetAuthURLParam("response_mode", "form_post"),
		oidc.Nonce(hashedNonce),
	)

	auth, err := a.prompt.Authorize(ctx, authURL)
	if err != nil {
		return nil, err
	}
	if err := checkAuthorization(auth, state); err != nil {
		return nil, err
	}
	if auth.IDToken == "" {
		return nil, ErrMissingIDToken
	}

	// 2. Verify
	idToken, err := a.provider.Verifier(&oidc.Config{ClientID: a.config.ClientID}).Verify(ctx, auth.IDToken)
	if err != nil {
		return nil, fmt.Errorf("apple id_token verification failed: %w", err)
	}
	if idToken.Nonce != hashedNonce {
		return nil, ErrNonceMismatch
	}

	// 3. Names are only sent the first time the user consents
	var names core.NameHints
	if auth.User != "" {
		var user appleUser
		if err := json.Unmarshal([]byte(auth.User), &user); err == nil {
			names = core.NameHints{
				FirstName: user.Name.FirstName,
				LastName:  user.Name.LastName,
			}
		}
	}

	return &core.AppleCredential{
		IDToken:           auth.IDToken,
		RawNonce:          rawNonce,
		AuthorizationCode: auth.Code,
		Names:             names,
	}, nil
}

// Revoke exchanges authorizationCode for a refresh token and revokes it, which
// removes the app from the user's Apple ID.
func (a *AppleSource) Revoke(ctx context.Context, authorizationCode string) error {
	clientSecret, err := a.clientSecret(time.Now())
	if err != nil {
		return err
	}

	token, err := a.oauthConfig(clientSecret).Exchange(ctx, authorizationCode)
	if err != nil {
		return fmt.Errorf("apple token exchange failed: %w", err)
	}

	revokeToken, hint := token.RefreshToken, "refresh_token"
	if revokeToken == "" {
		revokeToken, hint = token.AccessToken, "access_token"
	}

	data := url.Values{}
	data.Set("client_id", a.config.ClientID)
	data.Set("client_secret", clientSecret)
	data.Set("token", revokeToken)
	data.Set("token_type_hint", hint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.revokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRevokeFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRevokeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d: %s", ErrRevokeFailed, resp.StatusCode, string(body))
	}

	return nil
}

func (a *AppleSource) oauthConfig(clientSecret string) *oauth2.Config {
	endpoint := a.provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &oauth2.Config{
		ClientID:     a.config.ClientID,
		ClientSecret: clientSecret,
		RedirectURL:  a.config.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       []string{"name", "email"},
	}
}

// clientSecret signs the short-lived ES256 JWT Apple accepts as a client secret.
func (a *AppleSource) clientSecret(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    a.config.TeamID,
		Subject:   a.config.ClientID,
		Audience:  jwt.ClaimStrings{a.issuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleClientSecretMaxAge)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = a.config.KeyID

	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign apple client secret: %w", err)
	}
	return signed, nil
}
