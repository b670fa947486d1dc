// Package api provides the authenticated HTTP client for the Blok
// backend and the payload types the MCP tools exchange with it.
//
// Backend responses are not perfectly uniform: collections sometimes
// arrive bare and sometimes wrapped in an envelope object, and a few
// fields go by more than one name. All of that normalization happens
// here, at the decode boundary, so the tool handlers see one shape.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// versionPrefix is prepended to every request path that lacks it.
const versionPrefix = "api/v1"

// DefaultTimeout bounds each request unless overridden.
const DefaultTimeout = 30 * time.Second

// APIError reports a failed backend call. Status is the HTTP status
// for responses the backend produced; Err carries the underlying cause
// for transport-level failures (timeout, refused, DNS), in which case
// Status is zero.
type APIError struct {
	Status int
	Detail string
	Err    error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error: %v", e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("API request failed (%d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("API request failed (%d)", e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// ErrorDetail extracts the backend's "detail" field from an error
// body. Unparseable bodies yield an empty string; the status-code
// message still surfaces without enrichment.
func ErrorDetail(body []byte) string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Detail == nil {
		return ""
	}
	if s, ok := payload.Detail.(string); ok {
		return s
	}
	return fmt.Sprint(payload.Detail)
}

// Client issues bearer-authenticated requests against the Blok API.
// It owns its transport; Close releases the connection pool. A Client
// is bound to one token for its whole life — re-authentication means a
// new Client.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	transport *http.Transport
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// NewClient builds a client for the given backend with the given
// bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		transport: transport,
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: transport,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer token this client is bound to.
func (c *Client) Token() string { return c.token }

// BaseURL returns the backend base URL, without the version prefix.
func (c *Client) BaseURL() string { return c.baseURL }

// Get issues a GET request and decodes the JSON response into out
// (skipped when out is nil).
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST request with a JSON body (omitted when body is
// nil) and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Close releases idle connections. Callers must not issue requests
// after Close.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// buildURL normalizes a path onto the versioned API base:
// "personas", "/personas", and "api/v1/personas" all resolve to
// <base>/api/v1/personas.
func (c *Client) buildURL(path string) string {
	path = strings.TrimPrefix(path, "/")
	if !strings.HasPrefix(path, versionPrefix+"/") {
		path = versionPrefix + "/" + path
	}
	return c.baseURL + "/" + path
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.buildURL(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &APIError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	res, err := c.http.Do(req)
	if err != nil {
		return &APIError{Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return &APIError{Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &APIError{Status: res.StatusCode, Detail: ErrorDetail(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
