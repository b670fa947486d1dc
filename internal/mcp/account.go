package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joinblok/blok-mcp/internal/api"
	"github.com/joinblok/blok-mcp/internal/auth"
)

// handleWhoami authenticates with explicit credentials and reports the
// resulting identity. Unlike the other tools it always signs in fresh,
// replacing whatever session was active.
func handleWhoami(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		email, _ := req.GetArguments()["email"].(string)
		password, _ := req.GetArguments()["password"].(string)

		if email == "" || password == "" {
			return mcp.NewToolResultError("Both email and password are required"), nil
		}

		s.log.Info().Str("email", email).Msg("authenticating user")
		sess, err := s.sessions.Authenticate(ctx, email, password)
		if err != nil {
			var authErr *auth.AuthError
			if errors.As(err, &authErr) {
				s.log.Error().Err(err).Str("email", email).Msg("authentication failed")
				return mcp.NewToolResultError("Authentication failed: " + authErr.Error()), nil
			}
			s.log.Error().Err(err).Msg("unexpected error during authentication")
			return mcp.NewToolResultError("Unexpected error: " + err.Error()), nil
		}

		var b strings.Builder
		b.WriteString("Authentication successful!\n\n")
		fmt.Fprintf(&b, "Email: %s\n", sess.Email)
		fmt.Fprintf(&b, "User ID: %s\n", sess.UserID)
		fmt.Fprintf(&b, "Tenant ID: %s\n\n", sess.TenantID)
		b.WriteString("Session active. Future tool calls will use this session automatically.")

		return mcp.NewToolResultText(b.String()), nil
	}
}

func handleListPersonas(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		client, errRes := s.requireSession(ctx, req)
		if errRes != nil {
			return errRes, nil
		}

		s.log.Info().Msg("fetching personas")
		var personas api.PersonaList
		if err := client.Get(ctx, "/personas", url.Values{"limit": {"100"}}, &personas); err != nil {
			s.log.Error().Err(err).Msg("fetching personas failed")
			return mcp.NewToolResultError("Failed to fetch personas: " + err.Error()), nil
		}

		if len(personas) == 0 {
			return mcp.NewToolResultText("No personas found for your tenant."), nil
		}

		var b strings.Builder
		b.WriteString("Available Personas:\n")
		b.WriteString(strings.Repeat("=", 50) + "\n\n")

		for _, p := range personas {
			name := p.Name
			if name == "" {
				name = "Unnamed"
			}
			description := p.Description
			if description == "" {
				description = "No description"
			}

			fmt.Fprintf(&b, "* %s\n", name)
			fmt.Fprintf(&b, "  ID: %s\n", p.ID)
			fmt.Fprintf(&b, "  Description: %s\n\n", description)
		}

		fmt.Fprintf(&b, "Total: %d persona(s)", len(personas))

		return mcp.NewToolResultText(b.String()), nil
	}
}

func handleListExperimentTypes(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		client, errRes := s.requireSession(ctx, req)
		if errRes != nil {
			return errRes, nil
		}

		s.log.Info().Msg("fetching experiment types")
		var types api.ExperimentTypeList
		if err := client.Get(ctx, "/experiments/types", nil, &types); err != nil {
			s.log.Error().Err(err).Msg("fetching experiment types failed")
			return mcp.NewToolResultError("Failed to fetch experiment types: " + err.Error()), nil
		}

		if len(types) == 0 {
			return mcp.NewToolResultText("No experiment types found."), nil
		}

		var b strings.Builder
		b.WriteString("Available Experiment Types:\n")
		b.WriteString(strings.Repeat("=", 50) + "\n\n")

		for _, t := range types {
			name := t.Name
			if name == "" {
				name = "Unnamed"
			}
			description := t.Description
			if description == "" {
				description = "No description"
			}

			fmt.Fprintf(&b, "* %s\n", name)
			fmt.Fprintf(&b, "  ID: %s\n", t.ID)
			fmt.Fprintf(&b, "  Description: %s\n", description)
			if t.Instructions != "" {
				head := t.Instructions
				if len(head) > 100 {
					head = head[:100]
				}
				fmt.Fprintf(&b, "  Instructions: %s...\n", head)
			}
			b.WriteString("\n")
		}

		fmt.Fprintf(&b, "Total: %d type(s)", len(types))

		return mcp.NewToolResultText(b.String()), nil
	}
}
