// Package httpserver serves the MCP server over HTTP for remote
// deployments.
//
// It mounts the SSE transport (/sse plus /message), the streamable
// HTTP transport (/mcp), a health endpoint, and OAuth discovery stubs
// for hosts that probe for authorization metadata before connecting.
// Real authentication happens inside the tools; the stubs only
// satisfy the probe.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/joinblok/blok-mcp/internal/auth"
)

type Server struct {
	sessions *auth.SessionManager
	addr     string
	mux      *http.ServeMux
	httpSrv  *http.Server
	log      zerolog.Logger

	listen func(network, address string) (net.Listener, error)
}

// New wires the MCP server's HTTP transports and the surrounding
// plumbing onto one mux.
func New(mcp *mcpserver.MCPServer, sessions *auth.SessionManager, addr string) *Server {
	s := &Server{
		sessions: sessions,
		addr:     addr,
		mux:      http.NewServeMux(),
		listen:   net.Listen,
		log:      log.With().Str("component", "http").Logger(),
	}
	s.routes(mcp)
	s.httpSrv = &http.Server{
		Handler:           s.withSessionToken(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(mcp *mcpserver.MCPServer) {
	sse := mcpserver.NewSSEServer(mcp)
	s.mux.Handle("/sse", sse)
	s.mux.Handle("/message", sse)

	s.mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(mcp, mcpserver.WithEndpointPath("/mcp")))

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	s.mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listenFn := s.listen
	if listenFn == nil {
		listenFn = net.Listen
	}

	ln, err := listenFn("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("blok-mcp server: listen %s: %w", s.addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// withSessionToken installs a session from the X-Session-Token header
// when no session is active yet. Hosted deployments use this to hand
// the server a pre-issued Blok token instead of credentials.
func (s *Server) withSessionToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := r.Header.Get("X-Session-Token"); tok != "" && !s.sessions.IsAuthenticated() {
			s.log.Info().Msg("installing session from X-Session-Token header")
			s.sessions.SetToken(tok, "", "", "")
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "blok-mcp",
	})
}

func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := requestBaseURL(r)
	jsonResponse(w, http.StatusOK, map[string]any{
		"issuer":                           base,
		"authorization_endpoint":           base + "/authorize",
		"token_endpoint":                   base + "/token",
		"registration_endpoint":            base + "/register",
		"response_types_supported":         []string{"code"},
		"grant_types_supported":            []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported": []string{"S256"},
	})
}

func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := requestBaseURL(r)
	jsonResponse(w, http.StatusOK, map[string]any{
		"resource":              base,
		"authorization_servers": []string{base},
	})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// requestBaseURL reconstructs the externally visible base URL. Behind
// a proxy the scheme comes from X-Forwarded-Proto.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
