package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joinblok/blok-mcp/internal/tunnel"
)

func handleStartNgrok(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		port := intArg(req, "port", 0)
		if port == 0 {
			return mcp.NewToolResultError("port is required"), nil
		}
		if port < 1 || port > 65535 {
			return mcp.NewToolResultError("port must be between 1 and 65535"), nil
		}
		protocol, _ := req.GetArguments()["protocol"].(string)

		s.log.Info().Int("port", port).Str("protocol", protocol).Msg("starting ngrok tunnel")
		tun, existed, err := s.tunnels.Open(ctx, port, protocol)
		if err != nil {
			s.log.Error().Err(err).Int("port", port).Msg("starting ngrok tunnel failed")
			var b strings.Builder
			fmt.Fprintf(&b, "Failed to start ngrok: %v\n\n", err)
			b.WriteString("Make sure:\n")
			b.WriteString("1. Your ngrok authtoken is set (NGROK_AUTHTOKEN or BLOK_MCP_NGROK_AUTHTOKEN)\n")
			b.WriteString("2. You have an ngrok account (sign up at ngrok.com)\n")
			b.WriteString("3. Your port is not already in use")
			return mcp.NewToolResultError(b.String()), nil
		}

		if existed {
			var b strings.Builder
			fmt.Fprintf(&b, "Tunnel already exists for port %d\n\n", port)
			fmt.Fprintf(&b, "Public URL: %s\n\n", tun.PublicURL)
			b.WriteString("Use stop_ngrok to close it first if you want to restart.")
			return mcp.NewToolResultText(b.String()), nil
		}

		s.log.Info().Int("port", port).Str("url", tun.PublicURL).Msg("ngrok tunnel active")

		var b strings.Builder
		b.WriteString("ngrok tunnel started successfully!\n\n")
		fmt.Fprintf(&b, "Port: %d\n", tun.Port)
		fmt.Fprintf(&b, "Protocol: %s\n", tun.Protocol)
		fmt.Fprintf(&b, "Public URL: %s\n\n", tun.PublicURL)
		b.WriteString("Use this URL in your experiments. The tunnel will remain active until you call stop_ngrok.\n\n")
		b.WriteString("Example usage:\n")
		fmt.Fprintf(&b, "start_experiment(url=%q, ...)", tun.PublicURL)

		return mcp.NewToolResultText(b.String()), nil
	}
}

func handleNgrokStatus(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		active := s.tunnels.Active()
		if len(active) == 0 {
			return mcp.NewToolResultText("No active ngrok tunnels.\n\nUse start_ngrok to create one."), nil
		}

		var b strings.Builder
		b.WriteString("Active ngrok tunnels:\n")
		b.WriteString(strings.Repeat("=", 50) + "\n\n")

		for _, tun := range active {
			fmt.Fprintf(&b, "Port: %d\n", tun.Port)
			fmt.Fprintf(&b, "Public URL: %s\n", tun.PublicURL)
			fmt.Fprintf(&b, "Protocol: %s\n", tun.Protocol)
			b.WriteString("Status: Active\n\n")
		}

		fmt.Fprintf(&b, "Total: %d tunnel(s)", len(active))

		return mcp.NewToolResultText(b.String()), nil
	}
}

func handleStopNgrok(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, given := req.GetArguments()["port"]; given {
			port := intArg(req, "port", 0)

			err := s.tunnels.Close(port)
			if errors.Is(err, tunnel.ErrNotFound) {
				return mcp.NewToolResultText(fmt.Sprintf("No active tunnel found for port %d\n\nUse get_ngrok_status to see active tunnels.", port)), nil
			}
			if err != nil {
				s.log.Error().Err(err).Int("port", port).Msg("stopping ngrok tunnel failed")
				return mcp.NewToolResultError("Failed to stop ngrok: " + err.Error()), nil
			}

			s.log.Info().Int("port", port).Msg("ngrok tunnel stopped")
			return mcp.NewToolResultText(fmt.Sprintf("ngrok tunnel stopped for port %d", port)), nil
		}

		count, err := s.tunnels.CloseAll()
		if err != nil {
			s.log.Error().Err(err).Msg("stopping ngrok tunnels failed")
			return mcp.NewToolResultError("Failed to stop ngrok: " + err.Error()), nil
		}
		if count == 0 {
			return mcp.NewToolResultText("No active tunnels to stop."), nil
		}

		s.log.Info().Int("count", count).Msg("all ngrok tunnels stopped")
		return mcp.NewToolResultText(fmt.Sprintf("Stopped all ngrok tunnels (%d tunnel(s))", count)), nil
	}
}
