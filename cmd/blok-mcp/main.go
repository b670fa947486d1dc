// Command blok-mcp is an MCP server that lets AI agents run user
// experiments on the Blok platform. Without arguments it speaks MCP
// over stdio, which is how agent hosts launch it; "serve" starts the
// network transport instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joinblok/blok-mcp/internal/auth"
	"github.com/joinblok/blok-mcp/internal/config"
	"github.com/joinblok/blok-mcp/internal/httpserver"
	"github.com/joinblok/blok-mcp/internal/mcp"
	"github.com/joinblok/blok-mcp/internal/setup"
	"github.com/joinblok/blok-mcp/internal/tunnel"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "0.1.0"

// Seams for tests.
var (
	exitFunc   = os.Exit
	serveStdio = func(s *mcpserver.MCPServer, opts ...mcpserver.StdioOption) error {
		return mcpserver.ServeStdio(s, opts...)
	}
	newHTTPServer = httpserver.New
	startHTTP     = func(s *httpserver.Server) error { return s.Start() }
	shutdownHTTP  = func(s *httpserver.Server, ctx context.Context) error { return s.Shutdown(ctx) }

	scanInputLine       = fmt.Scanln
	setupInstall        = setup.Install
	setupSupportedHosts = setup.SupportedHosts
)

func main() {
	args := os.Args[1:]

	if len(args) > 0 {
		switch args[0] {
		case "version", "-v", "--version":
			fmt.Printf("blok-mcp %s\n", version)
			return
		case "help", "-h", "--help":
			printUsage()
			return
		case "setup":
			cmdSetup()
			return
		}
	}

	mode := "stdio"
	if len(args) > 0 {
		mode = args[0]
	}
	switch mode {
	case "stdio", "serve", "sse", "http":
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", mode)
		printUsage()
		exitFunc(1)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
		return
	}
	initLogging(cfg)

	sessions := auth.NewManager(cfg.APIURL, auth.WithRequestTimeout(cfg.RequestTimeout))
	if cfg.AccessToken != "" {
		sessions.SetToken(cfg.AccessToken, cfg.Email, "", "")
		log.Info().Msg("session installed from BLOK_MCP_ACCESS_TOKEN")
	}
	tunnels := tunnel.NewManager(cfg.NgrokAuthtoken)
	srv := mcp.New(cfg, sessions, tunnels)

	switch mode {
	case "stdio":
		cmdStdio(srv, tunnels)
	case "serve", "sse", "http":
		cmdServe(cfg, srv, sessions, tunnels, args[1:])
	}
}

// ─── Commands ────────────────────────────────────────────────────────────────

func cmdStdio(srv *mcp.Server, tunnels *tunnel.Manager) {
	log.Info().Str("version", version).Msg("starting MCP server on stdio")

	err := serveStdio(srv.MCP())
	closeTunnels(tunnels)
	// Interrupt cancels the stdio context; that is a normal shutdown.
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func cmdServe(cfg *config.Config, srv *mcp.Server, sessions *auth.SessionManager, tunnels *tunnel.Manager, args []string) {
	addr := cfg.ListenAddr
	if len(args) > 0 && args[0] != "" && !strings.HasPrefix(args[0], "-") {
		addr = args[0]
	}

	hs := newHTTPServer(srv.MCP(), sessions, addr)

	errCh := make(chan error, 1)
	go func() { errCh <- startHTTP(hs) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		if err != nil {
			closeTunnels(tunnels)
			fatal(err)
			return
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownHTTP(hs, ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
		<-errCh
	}

	closeTunnels(tunnels)
}

func cmdSetup() {
	args := os.Args[2:]

	var hostName string
	printOnly := false
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--print":
			printOnly = true
		case args[i] == "--agent" || args[i] == "--host":
			if i+1 < len(args) {
				i++
				hostName = args[i]
			}
		case !strings.HasPrefix(args[i], "-") && hostName == "":
			hostName = args[i]
		}
	}

	if printOnly {
		snippet, err := setup.Snippet(setup.Options{})
		if err != nil {
			fatal(err)
			return
		}
		fmt.Println(snippet)
		return
	}

	if hostName == "" {
		hosts := setupSupportedHosts()
		fmt.Println("Which host do you want to configure?")
		for i, h := range hosts {
			fmt.Printf("  %d. %s - %s\n", i+1, h.Name, h.Description)
		}
		fmt.Print("> ")

		var choice string
		_, _ = scanInputLine(&choice)
		idx, err := strconv.Atoi(strings.TrimSpace(choice))
		if err != nil || idx < 1 || idx > len(hosts) {
			fmt.Fprintln(os.Stderr, "Invalid choice")
			exitFunc(1)
			return
		}
		hostName = hosts[idx-1].Name
	}

	res, err := setupInstall(hostName, setup.Options{})
	if err != nil {
		fatal(err)
		return
	}

	if res.Created {
		fmt.Printf("Created %s with the blok server entry\n", res.ConfigPath)
	} else {
		fmt.Printf("Updated %s with the blok server entry\n", res.ConfigPath)
	}
	fmt.Printf("\nRestart %s to pick up the new server.\n", res.Host)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func initLogging(cfg *config.Config) {
	// stdout carries the MCP protocol, so all logging goes to stderr.
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func closeTunnels(tunnels *tunnel.Manager) {
	n, err := tunnels.CloseAll()
	if err != nil {
		log.Warn().Err(err).Msg("closing tunnels")
	}
	if n > 0 {
		log.Info().Int("tunnels", n).Msg("closed tunnels")
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "blok-mcp: %v\n", err)
	exitFunc(1)
}

func printUsage() {
	fmt.Printf(`blok-mcp v%s - MCP server for the Blok experiment platform

Usage:
  blok-mcp [command]

Commands:
  (none)         start the MCP server on stdio (what agent hosts run)
  serve [addr]   start the network transport: SSE, streamable HTTP, health
  setup [host]   register the server with an MCP host; --print for the snippet
  version        print the version
  help           show this help

Environment:
  BLOK_MCP_API_URL          backend API base URL (default %s)
  BLOK_MCP_EMAIL            email for automatic authentication
  BLOK_MCP_PASSWORD         password for automatic authentication
  BLOK_MCP_ACCESS_TOKEN     pre-issued access token
  BLOK_MCP_NGROK_AUTHTOKEN  ngrok authtoken for start_ngrok (or NGROK_AUTHTOKEN)
  BLOK_MCP_LISTEN_ADDR      bind address for serve (default 0.0.0.0:8000)
  BLOK_MCP_DEBUG            enable debug logging
  BLOK_MCP_CONFIG           optional YAML config file
`, version, config.DefaultAPIURL)
}
