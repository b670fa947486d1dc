// Package config loads runtime settings for the Blok MCP server.
//
// Settings come from an optional YAML file (BLOK_MCP_CONFIG) with
// ${VAR} expansion, overridden by BLOK_MCP_* environment variables.
// Everything is read once at process start.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "BLOK_MCP_"

// DefaultAPIURL is the production Blok backend.
const DefaultAPIURL = "https://app.joinblok.co"

// DefaultRequestTimeout bounds every outbound backend call.
const DefaultRequestTimeout = 30 * time.Second

// Config holds everything the server reads from its environment.
type Config struct {
	// APIURL is the Blok backend base URL, without the api/v1 suffix.
	APIURL string `yaml:"api_url"`
	// WebURL is the dashboard base URL used in result links. Derived
	// from APIURL when empty.
	WebURL string `yaml:"web_url"`
	Debug  bool   `yaml:"debug"`

	// AccessToken pre-authenticates the session at startup without a
	// signin call. Email/Password enable automatic signin on the first
	// tool call that needs a session.
	AccessToken string `yaml:"access_token"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`

	NgrokAuthtoken string `yaml:"ngrok_authtoken"`

	// ListenAddr is the bind address for the sse/http transports.
	ListenAddr string `yaml:"listen_addr"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Load builds the effective configuration: defaults, then the YAML
// file named by BLOK_MCP_CONFIG (if any), then environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:         DefaultAPIURL,
		ListenAddr:     "0.0.0.0:8000",
		RequestTimeout: DefaultRequestTimeout,
	}

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.APIURL = getString("API_URL", c.APIURL)
	c.WebURL = getString("WEB_URL", c.WebURL)
	c.Debug = getBool("DEBUG", c.Debug)
	c.AccessToken = getString("ACCESS_TOKEN", c.AccessToken)
	c.Email = getString("EMAIL", c.Email)
	c.Password = getString("PASSWORD", c.Password)
	c.RequestTimeout = getDuration("REQUEST_TIMEOUT", c.RequestTimeout)

	c.NgrokAuthtoken = getString("NGROK_AUTHTOKEN", c.NgrokAuthtoken)
	if c.NgrokAuthtoken == "" {
		c.NgrokAuthtoken = os.Getenv("NGROK_AUTHTOKEN")
	}

	if addr := os.Getenv(envPrefix + "LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	} else if host, port := os.Getenv("HOST"), os.Getenv("PORT"); host != "" || port != "" {
		// Older deployments configure the HTTP transport this way.
		if host == "" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8000"
		}
		c.ListenAddr = net.JoinHostPort(host, port)
	}
}

func (c *Config) finalize() error {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("api url must start with http:// or https://, got %q", c.APIURL)
	}
	if c.WebURL == "" {
		c.WebURL = deriveWebURL(c.APIURL)
	}
	c.WebURL = strings.TrimRight(c.WebURL, "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return nil
}

// deriveWebURL maps a backend URL to the dashboard that fronts it. The
// only special case is local development, where the API runs on :8000
// and the dashboard on :3000.
func deriveWebURL(apiURL string) string {
	web := strings.TrimSuffix(apiURL, "/api/v1")
	if strings.Contains(web, "localhost:8000") {
		return "http://localhost:3000"
	}
	return web
}

// ─── Env helpers ─────────────────────────────────────────────────────────────

func getString(key, defaultValue string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars substitutes ${VAR} references in the config file so
// secrets can stay out of it.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
