package integration_test

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"authlink/core"

	_ "modernc.org/sqlite"
)

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var client = &http.Client{Timeout: 5 * time.Second}

func postJSON(url string, body interface{}) (*http.Response, error) {
	jsonBody, _ := json.Marshal(body)
	return client.Post(url, "application/json", bytes.NewReader(jsonBody))
}

func signIn(baseURL, provider string) (*http.Response, error) {
	return postJSON(baseURL+"/signin", map[string]string{
		"provider": provider,
	})
}

func signInWithGoogleClient(baseURL, clientID string) (*http.Response, error) {
	return postJSON(baseURL+"/signin", map[string]string{
		"provider":  "google",
		"client_id": clientID,
	})
}

func signOut(baseURL string) (*http.Response, error) {
	return client.Post(baseURL+"/signout", "application/json", nil)
}

func getUser(baseURL string) (*http.Response, error) {
	return client.Get(baseURL + "/user")
}

func deleteAccount(baseURL string) (*http.Response, error) {
	return client.Post(baseURL+"/delete", "application/json", nil)
}

func deleteWithReauthentication(baseURL, provider string, revokeToken bool) (*http.Response, error) {
	return postJSON(baseURL+"/delete-reauth", map[string]interface{}{
		"provider":     provider,
		"revoke_token": revokeToken,
	})
}

func parseSignInResponse(resp *http.Response) (*core.SignInOutcome, error) {
	defer resp.Body.Close()

	var result core.SignInOutcome
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseIdentityResponse(resp *http.Response) (*core.Identity, error) {
	defer resp.Body.Close()

	var result core.Identity
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseStatusResponse(resp *http.Response) (*StatusResponse, error) {
	defer resp.Body.Close()

	var result StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseErrorResponse(resp *http.Response) (*ErrorResponse, error) {
	defer resp.Body.Close()

	var result ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// readEvent returns the next identity event from an SSE stream; nil means signed out.
func readEvent(reader *bufio.Reader) (*core.Identity, error) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var identity *core.Identity
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &identity); err != nil {
			return nil, fmt.Errorf("invalid event %q: %w", data, err)
		}
		return identity, nil
	}
}

func openDB(dbPath string) (*sql.DB, error) {
	return sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
}

func countRows(dbPath, table string) (int, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
	return count, err
}

func countSessions(dbPath string) (int, error) {
	return countRows(dbPath, "refresh_tokens")
}

func countUsers(dbPath string) (int, error) {
	return countRows(dbPath, "users")
}

func getUserProviders(dbPath, userID string) ([]string, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT provider_id FROM user_providers WHERE user_id = ? ORDER BY provider_id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []string
	for rows.Next() {
		var provider string
		if err := rows.Scan(&provider); err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}

	return providers, rows.Err()
}

// deleteUserRow removes a user behind the running gateway's back, the way an
// admin console would.
func deleteUserRow(dbPath, userID string) error {
	db, err := openDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec("DELETE FROM users WHERE id = ?", userID)
	return err
}
