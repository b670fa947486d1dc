// Package auth signs in against the Blok backend and owns the
// process-wide session: the token bundle from the last successful
// sign-in plus the API client bound to it.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joinblok/blok-mcp/internal/api"
)

const signinPath = "/api/v1/auth/signin"

// AuthError reports a failed sign-in. Status carries the backend's
// HTTP status; Err carries transport-level causes, in which case
// Status is zero.
type AuthError struct {
	Status int
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("network error during authentication: %v", e.Err)
	case e.Status == http.StatusUnauthorized:
		return "invalid email or password"
	case e.Status == http.StatusNotFound:
		return "user not found"
	case e.Detail != "":
		return "authentication failed: " + e.Detail
	default:
		return "authentication failed"
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// TokenBundle is the identity and token set issued at sign-in.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Email        string `json:"email"`
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id"`
}

// Authenticator exchanges email/password credentials for a token
// bundle. It uses its own unauthenticated HTTP client; everything
// after sign-in goes through api.Client.
type Authenticator struct {
	baseURL string
	http    *http.Client
}

// NewAuthenticator builds an authenticator for the given backend.
func NewAuthenticator(baseURL string, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = api.DefaultTimeout
	}
	return &Authenticator{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Authenticate signs in with the given credentials. The backend does
// not always echo the email back, so a missing one is filled in from
// the input.
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (TokenBundle, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return TokenBundle{}, &AuthError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+signinPath, bytes.NewReader(body))
	if err != nil {
		return TokenBundle{}, &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := a.http.Do(req)
	if err != nil {
		return TokenBundle{}, &AuthError{Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return TokenBundle{}, &AuthError{Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return TokenBundle{}, &AuthError{Status: res.StatusCode, Detail: api.ErrorDetail(data)}
	}

	var bundle TokenBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return TokenBundle{}, &AuthError{Status: res.StatusCode, Detail: "malformed signin response"}
	}
	if bundle.AccessToken == "" {
		return TokenBundle{}, &AuthError{Status: res.StatusCode, Detail: "no access token in response"}
	}
	if bundle.Email == "" {
		bundle.Email = email
	}
	return bundle, nil
}
