package providers

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrCanceled       = errors.New("sign-in canceled")
	ErrStateMismatch  = errors.New("authorization state mismatch")
	ErrMissingCode    = errors.New("authorization code missing")
	ErrMissingIDToken = errors.New("provider did not return id_token")
	ErrNonceMismatch  = errors.New("id_token nonce mismatch")
)

// Authorization is what the provider hands back to the redirect URI
type Authorization struct {
	Code    string
	State   string
	IDToken string // hybrid flows only
	User    string // Apple sends a JSON user object on first consent
}

// AuthorizationPrompt shows authURL to the user and returns the provider's callback.
type AuthorizationPrompt interface {
	Authorize(ctx context.Context, authURL string) (*Authorization, error)
}

// PromptFunc adapts a function to AuthorizationPrompt
type PromptFunc func(ctx context.Context, authURL string) (*Authorization, error)

func (f PromptFunc) Authorize(ctx context.Context, authURL string) (*Authorization, error) {
	return f(ctx, authURL)
}

// LoopbackPrompt receives the callback on a local listener. The redirect URI
// configured at the provider must point at Addr.
type LoopbackPrompt struct {
	Addr string             // e.g. "127.0.0.1:8765"
	Open func(string) error // opens the browser; nil logs the URL
}

func (p *LoopbackPrompt) Authorize(ctx context.Context, authURL string) (*Authorization, error) {
	parsed, err := url.Parse(authURL)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization url: %w", err)
	}
	wantState := parsed.Query().Get("state")

	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", p.Addr, err)
	}

	result := make(chan *Authorization, 1)
	failed := make(chan error, 1)

	server := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// GET for query responses, POST for form_post
			if err := r.ParseForm(); err != nil {
				http.Error(w, "Invalid callback", http.StatusBadRequest)
				return
			}

			if reason := r.Form.Get("error"); reason != "" {
				http.Error(w, "Sign-in canceled", http.StatusOK)
				select {
				case failed <- fmt.Errorf("%w: %s", ErrCanceled, reason):
				default:
				}
				return
			}

			auth := &Authorization{
				Code:    r.Form.Get("code"),
				State:   r.Form.Get("state"),
				IDToken: r.Form.Get("id_token"),
				User:    r.Form.Get("user"),
			}
			if auth.State != wantState {
				http.Error(w, "Invalid state", http.StatusBadRequest)
				return
			}

			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("Signed in. You can close this window."))
			select {
			case result <- auth:
			default:
			}
		}),
	}

	go server.Serve(listener)
	defer server.Close()

	if p.Open != nil {
		if err := p.Open(authURL); err != nil {
			return nil, fmt.Errorf("failed to open browser: %w", err)
		}
	} else {
		log.Printf("open this URL to sign in: %s", authURL)
	}

	select {
	case auth := <-result:
		return auth, nil
	case err := <-failed:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Helper functions

func randomString() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func checkAuthorization(auth *Authorization, state string) error {
	if auth == nil {
		return ErrCanceled
	}
	if auth.State != state {
		return ErrStateMismatch
	}
	if auth.Code == "" {
		return ErrMissingCode
	}
	return nil
}
