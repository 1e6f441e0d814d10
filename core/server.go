package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
)

// BeforeDeleteHook runs after reauthentication and before the account is deleted.
type BeforeDeleteHook func(ctx context.Context, user *Identity) error

type Server struct {
	authService  *AuthService
	beforeDelete BeforeDeleteHook
}

func NewServer(authService *AuthService, beforeDelete BeforeDeleteHook) *Server {
	return &Server{
		authService:  authService,
		beforeDelete: beforeDelete,
	}
}

type signInRequest struct {
	Provider string `json:"provider"`
	ClientID string `json:"client_id"`
}

func (r signInRequest) option() (SignInOption, bool) {
	switch SignInMethod(r.Provider) {
	case MethodAnonymous:
		return Anonymous(), true
	case MethodApple:
		return Apple(), true
	case MethodGoogle:
		return Google(r.ClientID), true
	}
	return SignInOption{}, false
}

func (s *Server) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	option, ok := req.option()
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
		return
	}

	outcome, err := s.authService.SignIn(r.Context(), option)
	if err != nil {
		if errors.Is(err, ErrUnsupportedProvider) || errors.Is(err, ErrSourceNotConfigured) {
			respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
			return
		}
		if errors.Is(err, ErrClientNotAllowed) {
			respondError(w, http.StatusBadRequest, "invalid_client", "Client ID is not allowed")
			return
		}
		log.Printf("sign-in with %s failed: %v", req.Provider, err)
		respondError(w, http.StatusUnauthorized, "signin_failed", "Authentication failed")
		return
	}

	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.authService.SignOut(); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to sign out")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "signed_out",
	})
}

func (s *Server) HandleUser(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	user := s.authService.Current()
	if user == nil {
		respondError(w, http.StatusNotFound, "user_not_found", "No user is signed in")
		return
	}

	respondJSON(w, http.StatusOK, user)
}

func (s *Server) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.authService.DeleteAccount(r.Context()); err != nil {
		respondDeleteError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
	})
}

func (s *Server) HandleDeleteWithReauthentication(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		signInRequest
		RevokeToken bool `json:"revoke_token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	option, ok := req.option()
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
		return
	}

	// captured before reauthentication so the hook sees the user being deleted
	user := s.authService.Current()
	beforeDelete := func(ctx context.Context) error {
		if s.beforeDelete == nil {
			return nil
		}
		return s.beforeDelete(ctx, user)
	}

	if err := s.authService.DeleteWithReauthentication(r.Context(), option, req.RevokeToken, beforeDelete); err != nil {
		respondDeleteError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
	})
}

// HandleEvents streams identity changes as server-sent events until the client goes away.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "internal_error", "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for user := range s.authService.Observe(r.Context()) {
		data, err := json.Marshal(user)
		if err != nil {
			log.Printf("failed to encode identity event: %v", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: identity\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Helper functions

func respondDeleteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		respondError(w, http.StatusNotFound, "user_not_found", "No user is signed in")
	case errors.Is(err, ErrChangedAuthenticatedUser):
		respondError(w, http.StatusConflict, "changed_authenticated_user", "Reauthenticated as a different account")
	case errors.Is(err, ErrUnsupportedProvider), errors.Is(err, ErrSourceNotConfigured):
		respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
	default:
		log.Printf("account deletion failed: %v", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to delete account")
	}
}

func validateMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
