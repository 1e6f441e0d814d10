package providers

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"authlink/core"
)

const googleIssuer = "https://accounts.google.com"

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	Issuer       string `yaml:"issuer"` // defaults to Google's

	// Extra client IDs callers may sign in with, e.g. the iOS and web clients
	AllowedClientIDs []string `yaml:"allowed_client_ids"`
}

// ClientIDs lists the default client followed by the allowed ones.
func (c *GoogleConfig) ClientIDs() []string {
	ids := []string{c.ClientID}
	for _, id := range c.AllowedClientIDs {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// GoogleSource runs the OAuth2 authorization code flow with PKCE against Google
type GoogleSource struct {
	config   *GoogleConfig
	prompt   AuthorizationPrompt
	provider *oidc.Provider
}

func NewGoogleSource(ctx context.Context, config *GoogleConfig, prompt AuthorizationPrompt) (*GoogleSource, error) {
	if config.ClientID == "" || config.RedirectURL == "" {
		return nil, errors.New("google oauth config missing required fields")
	}

	issuer := config.Issuer
	if issuer == "" {
		issuer = googleIssuer
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to init google oidc provider: %w", err)
	}

	return &GoogleSource{
		config:   config,
		prompt:   prompt,
		provider: provider,
	}, nil
}

// SignInGoogle authorizes clientID, or the configured client when empty.
func (g *GoogleSource) SignInGoogle(ctx context.Context, clientID string) (*core.GoogleCredential, error) {
	if clientID == "" {
		clientID = g.config.ClientID
	}
	if !slices.Contains(g.config.ClientIDs(), clientID) {
		return nil, fmt.Errorf("google client %q: %w", clientID, core.ErrClientNotAllowed)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: g.config.ClientSecret,
		RedirectURL:  g.config.RedirectURL,
		Endpoint:     g.provider.Endpoint(),
		Scopes: []string{
			oidc.ScopeOpenID,
			"profile",
			"email",
		},
	}

	// 1. Authorize
	state, err := randomString()
	if err != nil {
		return nil, err
	}
	nonce, err := randomString()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	authURL := oauthCfg.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	)

	auth, err := g.prompt.Authorize(ctx, authURL)
	if err != nil {
		return nil, err
	}
	if err := checkAuthorization(auth, state); err != nil {
		return nil, err
	}

	// 2. Exchange the code
	token, err := oauthCfg.Exchange(ctx, auth.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("google token exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrMissingIDToken
	}

	// 3. Verify
	idToken, err := g.provider.Verifier(&oidc.Config{ClientID: clientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("google id_token verification failed: %w", err)
	}
	if idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	var claims struct {
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("google id_token claims parse failed: %w", err)
	}

	return &core.GoogleCredential{
		IDToken:     rawIDToken,
		AccessToken: token.AccessToken,
		Names: core.NameHints{
			FirstName: claims.GivenName,
			LastName:  claims.FamilyName,
		},
	}, nil
}
