package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joinblok/blok-mcp/internal/api"
)

// ErrNotAuthenticated is returned when a tool needs a session and none
// has been established.
var ErrNotAuthenticated = errors.New("not authenticated")

// releaseClient is swapped in tests to observe client turnover.
var releaseClient = func(c *api.Client) {
	if c != nil {
		c.Close()
	}
}

// SessionManager owns the single process-wide session. Mutators hold
// the write lock across the whole swap, so concurrent tool calls never
// observe a half-replaced session; they either get the old client or
// the new one.
type SessionManager struct {
	baseURL string
	timeout time.Duration
	auth    *Authenticator

	mu      sync.RWMutex
	session *TokenBundle
	client  *api.Client
}

// ManagerOption configures a SessionManager.
type ManagerOption func(*SessionManager)

// WithRequestTimeout sets the timeout used for sign-in and for every
// client built by the manager.
func WithRequestTimeout(d time.Duration) ManagerOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager builds a session manager for the given backend. It starts
// unauthenticated.
func NewManager(baseURL string, opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		baseURL: baseURL,
		timeout: api.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.auth = NewAuthenticator(baseURL, m.timeout)
	return m
}

// Authenticate signs in and installs the resulting session, replacing
// any previous one. The old session is dropped before the attempt: a
// caller re-authenticating has declared it dead, and keeping it alive
// after a failed attempt would let later calls silently act as the
// previous identity.
func (m *SessionManager) Authenticate(ctx context.Context, email, password string) (TokenBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearLocked()

	bundle, err := m.auth.Authenticate(ctx, email, password)
	if err != nil {
		return TokenBundle{}, err
	}
	m.installLocked(bundle)
	return bundle, nil
}

// SetToken installs a session from a pre-issued access token, filling
// missing identity fields from the token's claims when it is a JWT.
func (m *SessionManager) SetToken(token, email, userID, tenantID string) {
	claimEmail, claimUser, claimTenant := tokenClaims(token)
	if email == "" {
		email = claimEmail
	}
	if userID == "" {
		userID = claimUser
	}
	if tenantID == "" {
		tenantID = claimTenant
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
	m.installLocked(TokenBundle{
		AccessToken: token,
		Email:       email,
		UserID:      userID,
		TenantID:    tenantID,
	})
}

// Client returns the API client bound to the active session.
func (m *SessionManager) Client() (*api.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, ErrNotAuthenticated
	}
	return m.client, nil
}

// Session returns a copy of the active session's identity.
func (m *SessionManager) Session() (TokenBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return TokenBundle{}, ErrNotAuthenticated
	}
	return *m.session, nil
}

// IsAuthenticated reports whether a session is active.
func (m *SessionManager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session != nil
}

// Clear drops the session and releases its client.
func (m *SessionManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

func (m *SessionManager) clearLocked() {
	releaseClient(m.client)
	m.client = nil
	m.session = nil
}

func (m *SessionManager) installLocked(bundle TokenBundle) {
	m.session = &bundle
	m.client = api.NewClient(m.baseURL, bundle.AccessToken, api.WithTimeout(m.timeout))
}
