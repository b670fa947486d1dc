package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	mcppkg "github.com/mark3labs/mcp-go/mcp"

	"github.com/joinblok/blok-mcp/internal/auth"
	"github.com/joinblok/blok-mcp/internal/config"
	"github.com/joinblok/blok-mcp/internal/tunnel"
)

// backend fakes the Blok API. Tests register routes on mux; every
// request is counted per path so tests can assert which endpoints were
// hit and, just as important, which were not.
type backend struct {
	mux *http.ServeMux
	srv *httptest.Server

	mu   sync.Mutex
	hits map[string]int

	signinStatus int
	signinBody   any
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		mux:          http.NewServeMux(),
		hits:         map[string]int{},
		signinStatus: http.StatusOK,
		signinBody: map[string]any{
			"access_token": "tok-test",
			"email":        "dev@example.com",
			"user_id":      "user-1",
			"tenant_id":    "tenant-1",
		},
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.hits[r.URL.Path]++
		b.mu.Unlock()

		if r.URL.Path == "/api/v1/auth/signin" {
			writeJSON(w, b.signinStatus, b.signinBody)
			return
		}
		b.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) handle(path string, h http.HandlerFunc) {
	b.mux.HandleFunc(path, h)
}

func (b *backend) handleJSON(path string, payload any) {
	b.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, payload)
	})
}

func (b *backend) hitCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

func (b *backend) totalHits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.hits {
		n += c
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// newTestServer wires a Server to the fake backend with an inert
// tunnel manager and no configured credentials.
func newTestServer(t *testing.T, b *backend) *Server {
	t.Helper()
	cfg := &config.Config{APIURL: b.srv.URL, WebURL: "https://app.joinblok.co"}
	return New(cfg, auth.NewManager(b.srv.URL), tunnel.NewManager(""))
}

// authed installs a session directly so tests of authenticated tools
// do not go through the signin flow.
func authed(t *testing.T, s *Server) {
	t.Helper()
	s.sessions.SetToken("tok-test", "dev@example.com", "user-1", "tenant-1")
}

func callReq(args map[string]any) mcppkg.CallToolRequest {
	return mcppkg.CallToolRequest{Params: mcppkg.CallToolParams{Arguments: args}}
}

func callResultText(t *testing.T, res *mcppkg.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("expected non-empty tool result")
	}
	text, ok := mcppkg.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("expected text content")
	}
	return text.Text
}

func TestNewBuildsServer(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, b)
	if s == nil || s.MCP() == nil {
		t.Fatalf("expected a wired MCP server")
	}
}

// ─── whoami ──────────────────────────────────────────────────────────────────

func TestWhoamiRequiresCredentials(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, b)
	h := handleWhoami(s)

	res, err := h(context.Background(), callReq(map[string]any{"email": "dev@example.com"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error without password")
	}
	if text := callResultText(t, res); text != "Both email and password are required" {
		t.Fatalf("unexpected message: %q", text)
	}
	if b.totalHits() != 0 {
		t.Fatalf("expected no backend calls, got %d", b.totalHits())
	}
}

func TestWhoamiAuthenticates(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, b)
	h := handleWhoami(s)

	res, err := h(context.Background(), callReq(map[string]any{
		"email":    "dev@example.com",
		"password": "hunter2",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", callResultText(t, res))
	}

	text := callResultText(t, res)
	for _, want := range []string{
		"Authentication successful!",
		"Email: dev@example.com",
		"User ID: user-1",
		"Tenant ID: tenant-1",
		"Session active.",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output, got %q", want, text)
		}
	}
	if b.hitCount("/api/v1/auth/signin") != 1 {
		t.Fatalf("expected 1 signin, got %d", b.hitCount("/api/v1/auth/signin"))
	}
}

func TestWhoamiBadCredentials(t *testing.T) {
	b := newBackend(t)
	b.signinStatus = http.StatusUnauthorized
	b.signinBody = map[string]any{"detail": "nope"}
	s := newTestServer(t, b)
	h := handleWhoami(s)

	res, err := h(context.Background(), callReq(map[string]any{
		"email":    "dev@example.com",
		"password": "wrong",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error")
	}
	if text := callResultText(t, res); text != "Authentication failed: invalid email or password" {
		t.Fatalf("unexpected message: %q", text)
	}
}

func TestWhoamiAlwaysSignsInFresh(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, b)
	h := handleWhoami(s)

	args := map[string]any{"email": "dev@example.com", "password": "hunter2"}
	for i := 0; i < 2; i++ {
		res, err := h(context.Background(), callReq(args))
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if res.IsError {
			t.Fatalf("unexpected tool error: %s", callResultText(t, res))
		}
	}
	if got := b.hitCount("/api/v1/auth/signin"); got != 2 {
		t.Fatalf("expected 2 signins, got %d", got)
	}
}

// ─── Session Plumbing ────────────────────────────────────────────────────────

func TestToolsRequireAuthentication(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, b)
	h := handleListPersonas(s)

	res, err := h(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error without a session")
	}
	if text := callResultText(t, res); text != notAuthenticatedMsg {
		t.Fatalf("unexpected message: %q", text)
	}
	if b.totalHits() != 0 {
		t.Fatalf("expected no backend calls, got %d", b.totalHits())
	}
}

func TestCallCredentialsEstablishSession(t *testing.T) {
	b := newBackend(t)
	b.handleJSON("/api/v1/personas", map[string]any{
		"personas": []map[string]any{{"id": "p1", "name": "Alice"}},
	})
	s := newTestServer(t, b)
	h := handleListPersonas(s)

	res, err := h(context.Background(), callReq(map[string]any{
		"email":    "dev@example.com",
		"password": "hunter2",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", callResultText(t, res))
	}

	// The session persists: a second call without credentials works and
	// no new signin happens.
	res, err = h(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error on reuse: %s", callResultText(t, res))
	}
	if got := b.hitCount("/api/v1/auth/signin"); got != 1 {
		t.Fatalf("expected 1 signin, got %d", got)
	}
}

func TestConfigCredentialsAutoAuthenticate(t *testing.T) {
	b := newBackend(t)
	b.handleJSON("/api/v1/personas", map[string]any{
		"personas": []map[string]any{{"id": "p1", "name": "Alice"}},
	})
	cfg := &config.Config{
		APIURL:   b.srv.URL,
		WebURL:   "https://app.joinblok.co",
		Email:    "auto@example.com",
		Password: "hunter2",
	}
	s := New(cfg, auth.NewManager(b.srv.URL), tunnel.NewManager(""))
	h := handleListPersonas(s)

	res, err := h(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", callResultText(t, res))
	}
	if got := b.hitCount("/api/v1/auth/signin"); got != 1 {
		t.Fatalf("expected 1 signin, got %d", got)
	}
}

func TestCallCredentialsAuthFailureSurfaces(t *testing.T) {
	b := newBackend(t)
	b.signinStatus = http.StatusUnauthorized
	s := newTestServer(t, b)
	h := handleListPersonas(s)

	res, err := h(context.Background(), callReq(map[string]any{
		"email":    "dev@example.com",
		"password": "wrong",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error")
	}
	if text := callResultText(t, res); text != "Authentication failed: invalid email or password" {
		t.Fatalf("unexpected message: %q", text)
	}
}

// ─── list_personas ───────────────────────────────────────────────────────────

func TestListPersonasFormats(t *testing.T) {
	b := newBackend(t)
	b.handleJSON("/api/v1/personas", map[string]any{
		"personas": []map[string]any{
			{"id": "p1", "name": "Alice", "description": "Power user"},
			{"id": "p2"},
		},
	})
	s := newTestServer(t, b)
	authed(t, s)
	h := handleListPersonas(s)

	res, err := h(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", callResultText(t, res))
	}

	text := callResultText(t, res)
	if !strings.HasPrefix(text, "Available Personas:\n"+strings.Repeat("=", 50)) {
		t.Fatalf("unexpected header: %q", text)
	}
	for _, want := range []string{
		"* Alice\n  ID: p1\n  Description: Power user",
		"* Unnamed\n  ID: p2\n  Description: No description",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output, got %q", want, text)
		}
	}
	if !strings.HasSuffix(text, "Total: 2 persona(s)") {
		t.Fatalf("unexpected footer: %q", text)
	}
}

func TestListPersonasEmpty(t *testing.T) {
	b := newBackend(t)
	b.handleJSON("/api/v1/personas", map[string]any{"personas": []any{}})
	s := newTestServer(t, b)
	authed(t, s)
	h := handleListPersonas(s)

	res, err := h(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", callResultText(t, res))
	}
	if text := callResultText(t, res); text != "No personas found for your tenant." {
		t.Fatalf("unexpected message: %q", text)
	}
}

func TestListPersonasBackendError(t *testing.T) {
	b := newBackend(t)
	b.handle("/api/v1/personas", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "boom"})
	})
	s := newTestServer(t, b)
	authed(t, s)
	h := handleListPersonas(s)

	res, err := h(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error")
	}
	if text := callResultText(t, res); text != "Failed to fetch personas: API request failed (500): boom" {
		t.Fatalf("unexpected message: %q", text)
	}
}

// ─── list_experiment_types ───────────────────────────────────────────────────

func TestListExperimentTypesFormats(t *testing.T) {
	long := strings.Repeat("x", 120)
	b := newBackend(t)
	b.handleJSON("/api/v1/experiments/types", []map[string]any{
		{"id": "t1", "name": "Onboarding", "description": "First-run flows", "instructions": long},
		{"id": "t2", "name": "Churn", "instructions": "short"},
		{"id": "t3"},
	})
	s := newTestServer(t, b)
	authed(t, s)
	h := handleListExperimentTypes(s)

	res, err := h(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", callResultText(t, res))
	}

	text := callResultText(t, res)
	if !strings.HasPrefix(text, "Available Experiment Types:\n") {
		t.Fatalf("unexpected header: %q", text)
	}
	// Long instructions are cut at 100; short ones still get the
	// ellipsis suffix.
	if !strings.Contains(text, "Instructions: "+long[:100]+"...") {
		t.Fatalf("expected truncated instructions, got %q", text)
	}
	if !strings.Contains(text, "Instructions: short...") {
		t.Fatalf("expected short instructions with ellipsis, got %q", text)
	}
	if !strings.Contains(text, "* Unnamed\n  ID: t3\n  Description: No description") {
		t.Fatalf("expected defaults for bare type, got %q", text)
	}
	if strings.Contains(text, "ID: t3\n  Description: No description\n  Instructions:") {
		t.Fatalf("did not expect instructions line for t3, got %q", text)
	}
	if !strings.HasSuffix(text, "Total: 3 type(s)") {
		t.Fatalf("unexpected footer: %q", text)
	}
}

func TestListExperimentTypesEmpty(t *testing.T) {
	b := newBackend(t)
	b.handleJSON("/api/v1/experiments/types", []any{})
	s := newTestServer(t, b)
	authed(t, s)
	h := handleListExperimentTypes(s)

	res, err := h(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if text := callResultText(t, res); text != "No experiment types found." {
		t.Fatalf("unexpected message: %q", text)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func TestIntArg(t *testing.T) {
	req := callReq(map[string]any{"limit": float64(42), "name": "x"})
	if got := intArg(req, "limit", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := intArg(req, "missing", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
	if got := intArg(req, "name", 7); got != 7 {
		t.Fatalf("expected default for non-number, got %d", got)
	}
}

func TestStrArgTrims(t *testing.T) {
	req := callReq(map[string]any{"title": "  padded  ", "n": float64(1)})
	if got := strArg(req, "title"); got != "padded" {
		t.Fatalf("expected trimmed string, got %q", got)
	}
	if got := strArg(req, "n"); got != "" {
		t.Fatalf("expected empty for non-string, got %q", got)
	}
}

func TestStringSliceArg(t *testing.T) {
	req := callReq(map[string]any{"ids": []any{"a", float64(2), "b"}})
	got := stringSliceArg(req, "ids")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
	if got := stringSliceArg(req, "missing"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("expected unchanged string, got %q", got)
	}
	if got := truncate("abcdefghij", 4); got != "abcd..." {
		t.Fatalf("expected truncated string, got %q", got)
	}
}
