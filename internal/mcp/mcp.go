// Package mcp implements the Model Context Protocol server for Blok.
//
// This exposes Blok's experiment platform as MCP tools so ANY agent
// (OpenCode, Claude Code, Cursor, Windsurf, etc.) can authenticate,
// launch UX experiments, and read results just by adding it as an MCP
// server.
//
// Tool failures never surface as protocol errors. Handlers convert
// every validation, authentication, and backend problem into an error
// content block, so the agent keeps the turn and can retry or ask the
// user for credentials.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/joinblok/blok-mcp/internal/api"
	"github.com/joinblok/blok-mcp/internal/auth"
	"github.com/joinblok/blok-mcp/internal/config"
	"github.com/joinblok/blok-mcp/internal/tunnel"
)

const (
	// Name is advertised during the MCP handshake.
	Name = "blok-experiments"
	// Version is advertised during the MCP handshake.
	Version = "0.1.0"
)

// notAuthenticatedMsg tells the agent how to recover: supply
// credentials with the call or establish a session via whoami.
const notAuthenticatedMsg = "Not authenticated. Please provide email and password, or call whoami first."

// Server binds the tool handlers to their dependencies.
type Server struct {
	mcp      *server.MCPServer
	sessions *auth.SessionManager
	tunnels  *tunnel.Manager
	webURL   string

	autoEmail    string
	autoPassword string

	log zerolog.Logger
}

// New assembles the MCP server with every Blok tool registered.
func New(cfg *config.Config, sessions *auth.SessionManager, tunnels *tunnel.Manager) *Server {
	s := &Server{
		sessions:     sessions,
		tunnels:      tunnels,
		webURL:       cfg.WebURL,
		autoEmail:    cfg.Email,
		autoPassword: cfg.Password,
		log:          log.With().Str("component", "mcp").Logger(),
	}
	s.mcp = server.NewMCPServer(
		Name,
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	registerTools(s.mcp, s)
	return s
}

// MCP exposes the underlying server for transport wiring.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

func registerTools(srv *server.MCPServer, s *Server) {
	// ─── whoami ──────────────────────────────────────────────────────
	srv.AddTool(
		mcp.NewTool("whoami",
			mcp.WithDescription("Authenticate with Blok and return user information. This tool establishes a session that persists across subsequent tool calls."),
			mcp.WithString("email",
				mcp.Required(),
				mcp.Description("User email address for authentication"),
			),
			mcp.WithString("password",
				mcp.Required(),
				mcp.Description("User password for authentication"),
			),
		),
		handleWhoami(s),
	)

	// ─── list_personas ───────────────────────────────────────────────
	srv.AddTool(
		mcp.NewTool("list_personas",
			mcp.WithDescription("List all available user personas for experiments. Personas represent different user types with unique traits and behaviors. Use this to discover persona IDs before creating experiments."),
			mcp.WithString("email",
				mcp.Description("User email (only if not already authenticated)"),
			),
			mcp.WithString("password",
				mcp.Description("User password (only if not already authenticated)"),
			),
		),
		handleListPersonas(s),
	)

	// ─── list_experiment_types ───────────────────────────────────────
	srv.AddTool(
		mcp.NewTool("list_experiment_types",
			mcp.WithDescription("List all available experiment type templates. Each type provides context for different testing scenarios like Onboarding, Task Completion, Churn Analysis, etc. Use this to discover experiment type IDs."),
			mcp.WithString("email",
				mcp.Description("User email (only if not already authenticated)"),
			),
			mcp.WithString("password",
				mcp.Description("User password (only if not already authenticated)"),
			),
		),
		handleListExperimentTypes(s),
	)

	// ─── start_experiment ────────────────────────────────────────────
	srv.AddTool(
		mcp.NewTool("start_experiment",
			mcp.WithDescription("Create and run a new Blok experiment with AI agents testing your interface. The experiment will run multiple persona simulations to test your hypothesis. Returns experiment ID and estimated runtime."),
			mcp.WithString("hypothesis",
				mcp.Required(),
				mcp.Description("Test objective - what you want to understand about user interactions (e.g., 'Determine whether users can complete signup without getting stuck')"),
			),
			mcp.WithString("goal",
				mcp.Required(),
				mcp.Description("User goal - what outcome should agents work toward (e.g., 'Sign up for an account')"),
			),
			mcp.WithString("url",
				mcp.Required(),
				mcp.Description("Interface URL to test (e.g., 'https://example.com' or 'example.com')"),
			),
			mcp.WithArray("persona_ids",
				mcp.Required(),
				mcp.Description("Array of persona UUIDs to run simulations with. Use list_personas to discover IDs."),
				mcp.WithStringItems(),
			),
			mcp.WithString("title",
				mcp.Description("Experiment title (optional - will be auto-generated if not provided)"),
			),
			mcp.WithString("experiment_type_id",
				mcp.Description("Experiment type UUID (optional - will be auto-suggested if not provided). Use list_experiment_types to discover IDs."),
			),
			mcp.WithString("frame_type",
				mcp.Enum("Desktop", "Mobile"),
				mcp.Description("Device type for simulation (default: Desktop)"),
			),
			mcp.WithString("credential_username",
				mcp.Description("Username for protected content (optional)"),
			),
			mcp.WithString("credential_password",
				mcp.Description("Password for protected content (optional)"),
			),
			mcp.WithString("email",
				mcp.Description("User email (only if not already authenticated)"),
			),
			mcp.WithString("password",
				mcp.Description("User password (only if not already authenticated)"),
			),
		),
		handleStartExperiment(s),
	)

	// ─── create_experiment_from_description ──────────────────────────
	srv.AddTool(
		mcp.NewTool("create_experiment_from_description",
			mcp.WithDescription("Create and run a Blok experiment from natural language. Automatically generates hypothesis, goal, and title from test description. Example: test_description='successfully complete checkout', url='shopify.com', persona_ids=[...]"),
			mcp.WithString("test_description",
				mcp.Required(),
				mcp.Description("What to test in natural language (e.g., 'successfully complete checkout', 'find pricing page')"),
			),
			mcp.WithString("url",
				mcp.Required(),
				mcp.Description("Website URL to test"),
			),
			mcp.WithArray("persona_ids",
				mcp.Required(),
				mcp.Description("Persona UUIDs to test with (use list_personas to find IDs)"),
				mcp.WithStringItems(),
			),
			mcp.WithString("frame_type",
				mcp.Enum("Desktop", "Mobile"),
				mcp.Description("Device type (default: Desktop)"),
			),
			mcp.WithString("credentials",
				mcp.Description("Login credentials if needed (format: username:password)"),
			),
			mcp.WithString("email",
				mcp.Description("User email (only if not already authenticated)"),
			),
			mcp.WithString("password",
				mcp.Description("User password (only if not already authenticated)"),
			),
		),
		handleCreateFromDescription(s),
	)

	// ─── list_experiments ────────────────────────────────────────────
	srv.AddTool(
		mcp.NewTool("list_experiments",
			mcp.WithDescription("List all past experiments for the authenticated user. Optionally filter by name to find specific experiments. Returns experiment IDs, names, status, and creation dates. Use this to find experiment IDs before calling get_experiment_results."),
			mcp.WithString("name_filter",
				mcp.Description("Optional filter to search experiments by name (case-insensitive partial match)"),
			),
			mcp.WithString("status_filter",
				mcp.Enum("Draft", "Running", "Completed", "Failed"),
				mcp.Description("Optional filter by experiment status"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of experiments to return (default: 20, max: 100)"),
			),
			mcp.WithString("email",
				mcp.Description("User email (only if not already authenticated)"),
			),
			mcp.WithString("password",
				mcp.Description("User password (only if not already authenticated)"),
			),
		),
		handleListExperiments(s),
	)

	// ─── get_experiment_results ──────────────────────────────────────
	srv.AddTool(
		mcp.NewTool("get_experiment_results",
			mcp.WithDescription("Get the results of a running or completed experiment. Returns the results of the experiment in a human-readable format."),
			mcp.WithString("experiment_id",
				mcp.Required(),
				mcp.Description("The experiment UUID to get results for"),
			),
			mcp.WithString("email",
				mcp.Description("User email (only if not already authenticated)"),
			),
			mcp.WithString("password",
				mcp.Description("User password (only if not already authenticated)"),
			),
		),
		handleExperimentResults(s),
	)

	// ─── start_ngrok ─────────────────────────────────────────────────
	srv.AddTool(
		mcp.NewTool("start_ngrok",
			mcp.WithDescription("Start an ngrok tunnel to expose a localhost port publicly. Returns a public HTTPS URL that can be used in experiments. The tunnel persists until explicitly stopped with stop_ngrok."),
			mcp.WithNumber("port",
				mcp.Required(),
				mcp.Description("Local port number to expose (e.g., 3000, 8000)"),
			),
			mcp.WithString("protocol",
				mcp.Enum("http", "tcp"),
				mcp.Description("Protocol to use (default: http)"),
			),
		),
		handleStartNgrok(s),
	)

	// ─── get_ngrok_status ────────────────────────────────────────────
	srv.AddTool(
		mcp.NewTool("get_ngrok_status",
			mcp.WithDescription("Check the status of active ngrok tunnels. Returns information about running tunnels including public URLs and ports."),
		),
		handleNgrokStatus(s),
	)

	// ─── stop_ngrok ──────────────────────────────────────────────────
	srv.AddTool(
		mcp.NewTool("stop_ngrok",
			mcp.WithDescription("Stop an active ngrok tunnel for a specific port. If no port is specified, stops all active tunnels."),
			mcp.WithNumber("port",
				mcp.Description("Port number of the tunnel to stop (optional - if not provided, stops all tunnels)"),
			),
		),
		handleStopNgrok(s),
	)
}

// ─── Session Plumbing ────────────────────────────────────────────────────────

// ensureAuthenticated makes sure a session exists before a tool runs.
// An already-active session wins, then credentials passed with the
// call, then credentials from configuration.
func (s *Server) ensureAuthenticated(ctx context.Context, req mcp.CallToolRequest) error {
	if s.sessions.IsAuthenticated() {
		return nil
	}

	email, _ := req.GetArguments()["email"].(string)
	password, _ := req.GetArguments()["password"].(string)
	if email == "" || password == "" {
		email, password = s.autoEmail, s.autoPassword
	}
	if email == "" || password == "" {
		return auth.ErrNotAuthenticated
	}

	s.log.Info().Str("email", email).Msg("authenticating for tool call")
	_, err := s.sessions.Authenticate(ctx, email, password)
	return err
}

// requireSession resolves the API client for a tool call, converting
// authentication problems into error results.
func (s *Server) requireSession(ctx context.Context, req mcp.CallToolRequest) (*api.Client, *mcp.CallToolResult) {
	if err := s.ensureAuthenticated(ctx, req); err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) {
			return nil, mcp.NewToolResultError(notAuthenticatedMsg)
		}
		s.log.Warn().Err(err).Msg("tool call authentication failed")
		return nil, mcp.NewToolResultError("Authentication failed: " + err.Error())
	}

	client, err := s.sessions.Client()
	if err != nil {
		return nil, mcp.NewToolResultError(notAuthenticatedMsg)
	}
	return client, nil
}

func (s *Server) experimentLink(id string) string {
	return fmt.Sprintf("%s/experiments/%s", s.webURL, id)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// strArg reads a string argument with surrounding whitespace removed.
func strArg(req mcp.CallToolRequest, key string) string {
	v, _ := req.GetArguments()[key].(string)
	return strings.TrimSpace(v)
}

// stringSliceArg reads an array-of-strings argument, dropping any
// non-string elements.
func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
