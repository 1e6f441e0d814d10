package idp

import (
	"context"
	"fmt"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"

	"authlink/core"
)

const (
	GoogleIssuer = "https://accounts.google.com"
	AppleIssuer  = "https://appleid.apple.com"
)

// VerifiedClaims are the identity facts extracted from a verified credential
type VerifiedClaims struct {
	ProviderID    string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// CredentialVerifier checks a provider credential and returns its claims.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential core.Credential) (*VerifiedClaims, error)
}

// OIDCProviderConfig configures ID token verification for one provider
type OIDCProviderConfig struct {
	ProviderID string `yaml:"provider_id"` // "apple.com" or "google.com"
	Issuer     string `yaml:"issuer"`
	ClientIDs  []string `yaml:"client_ids"` // accepted audiences
}

type providerVerifier struct {
	verifier  *oidc.IDTokenVerifier
	clientIDs []string
}

// OIDCVerifier verifies ID tokens against each provider's published keys
type OIDCVerifier struct {
	verifiers map[string]providerVerifier
}

// NewOIDCVerifier discovers every configured issuer. Discovery needs network access.
func NewOIDCVerifier(ctx context.Context, configs ...OIDCProviderConfig) (*OIDCVerifier, error) {
	verifiers := make(map[string]providerVerifier, len(configs))
	for _, cfg := range configs {
		if len(cfg.ClientIDs) == 0 {
			return nil, fmt.Errorf("%s verifier has no client ids", cfg.ProviderID)
		}
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to init %s oidc provider: %w", cfg.ProviderID, err)
		}
		// audience is checked against the whole client list below
		verifiers[cfg.ProviderID] = providerVerifier{
			verifier:  provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
			clientIDs: cfg.ClientIDs,
		}
	}
	return &OIDCVerifier{verifiers: verifiers}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, credential core.Credential) (*VerifiedClaims, error) {
	pv, ok := v.verifiers[credential.ProviderID]
	if !ok {
		return nil, &core.ProviderError{
			Kind:    core.KindInvalidCredential,
			Message: "no verifier for provider " + credential.ProviderID,
		}
	}

	idToken, err := pv.verifier.Verify(ctx, credential.IDToken)
	if err != nil {
		return nil, &core.ProviderError{
			Kind:    core.KindInvalidCredential,
			Message: credential.ProviderID + " id_token verification failed",
			Err:     err,
		}
	}

	if !slices.ContainsFunc(idToken.Audience, func(aud string) bool {
		return slices.Contains(pv.clientIDs, aud)
	}) {
		return nil, &core.ProviderError{
			Kind:    core.KindInvalidCredential,
			Message: fmt.Sprintf("%s id_token audience %v not allowed", credential.ProviderID, idToken.Audience),
		}
	}

	// Apple puts the SHA-256 of the raw nonce in the token, and it is mandatory there
	if credential.ProviderID == core.ProviderIDApple && credential.RawNonce == "" {
		return nil, &core.ProviderError{
			Kind:    core.KindInvalidCredential,
			Message: "apple.com credential has no nonce",
		}
	}
	if credential.RawNonce != "" && idToken.Nonce != Digest(credential.RawNonce) {
		return nil, &core.ProviderError{
			Kind:    core.KindInvalidCredential,
			Message: credential.ProviderID + " id_token nonce mismatch",
		}
	}

	var claims struct {
		Email         string      `json:"email"`
		EmailVerified interface{} `json:"email_verified"` // Apple sends a string
		Name          string      `json:"name"`
		Picture       string      `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, &core.ProviderError{
			Kind:    core.KindInvalidCredential,
			Message: credential.ProviderID + " id_token claims parse failed",
			Err:     err,
		}
	}

	return &VerifiedClaims{
		ProviderID:    credential.ProviderID,
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified == true || claims.EmailVerified == "true",
		Name:          claims.Name,
		Picture:       claims.Picture,
	}, nil
}
