// Package setup registers the blok-mcp server with MCP hosts.
//
// Every supported host reads a JSON config with an mcpServers object.
// Install merges a "blok" entry into that object, leaving everything
// else in the file alone.
//
// - claude-code: project-scoped .mcp.json in the current directory
// - claude-desktop: the desktop app's global configuration file
// - cursor: ~/.cursor/mcp.json
package setup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// serverName is the key hosts will list the server under.
const serverName = "blok"

// Host is an MCP host the server can be registered with.
type Host struct {
	Name        string
	Description string
	ConfigPath  string // resolved at runtime
}

// Result holds the outcome of a registration.
type Result struct {
	Host       string
	ConfigPath string
	Created    bool // the config file did not exist before
}

// Options controls the generated server entry.
type Options struct {
	Command string            // server binary; defaults to the current executable
	Env     map[string]string // environment passed to the server, e.g. BLOK_MCP_EMAIL
}

// SupportedHosts returns the hosts Install knows how to configure.
func SupportedHosts() []Host {
	return []Host{
		{
			Name:        "claude-code",
			Description: "Claude Code — project-scoped .mcp.json in the current directory",
			ConfigPath:  claudeCodeConfigPath(),
		},
		{
			Name:        "claude-desktop",
			Description: "Claude Desktop — global desktop app configuration",
			ConfigPath:  claudeDesktopConfigPath(),
		},
		{
			Name:        "cursor",
			Description: "Cursor — global MCP configuration",
			ConfigPath:  cursorConfigPath(),
		},
	}
}

// Install merges the server entry into the given host's config file.
func Install(hostName string, opts Options) (*Result, error) {
	switch hostName {
	case "claude-code":
		return merge(hostName, claudeCodeConfigPath(), opts)
	case "claude-desktop":
		return merge(hostName, claudeDesktopConfigPath(), opts)
	case "cursor":
		return merge(hostName, cursorConfigPath(), opts)
	default:
		return nil, fmt.Errorf("unknown host: %q (supported: claude-code, claude-desktop, cursor)", hostName)
	}
}

// Snippet renders the mcpServers block for pasting into a host config
// by hand.
func Snippet(opts Options) (string, error) {
	entry, err := serverEntry(opts)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(map[string]any{
		"mcpServers": map[string]any{serverName: entry},
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ─── Config merging ──────────────────────────────────────────────────────────

func merge(host, path string, opts Options) (*Result, error) {
	entry, err := serverEntry(opts)
	if err != nil {
		return nil, err
	}

	cfg := map[string]any{}
	created := false
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		created = true
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%s is not valid JSON: %w", path, err)
			}
		}
	}

	servers, ok := cfg["mcpServers"].(map[string]any)
	if !ok {
		servers = map[string]any{}
	}
	servers[serverName] = entry
	cfg["mcpServers"] = servers

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	out = append(out, '\n')

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create config dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return &Result{Host: host, ConfigPath: path, Created: created}, nil
}

func serverEntry(opts Options) (map[string]any, error) {
	command := opts.Command
	if command == "" {
		bin, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve server binary: %w", err)
		}
		command = bin
	}

	entry := map[string]any{
		"command": command,
		"args":    []string{},
	}
	if len(opts.Env) > 0 {
		entry["env"] = opts.Env
	}
	return entry, nil
}

// ─── Platform paths ──────────────────────────────────────────────────────────

func claudeCodeConfigPath() string {
	return ".mcp.json"
}

func claudeDesktopConfigPath() string {
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Claude", "claude_desktop_config.json")
		}
		return filepath.Join(home, "AppData", "Roaming", "Claude", "claude_desktop_config.json")
	default:
		return filepath.Join(home, ".config", "Claude", "claude_desktop_config.json")
	}
}

func cursorConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cursor", "mcp.json")
}
