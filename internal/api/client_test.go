package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildURL(t *testing.T) {
	c := NewClient("https://app.example.com", "tok")

	cases := []struct {
		path string
		want string
	}{
		{"personas", "https://app.example.com/api/v1/personas"},
		{"/personas", "https://app.example.com/api/v1/personas"},
		{"api/v1/personas", "https://app.example.com/api/v1/personas"},
		{"/api/v1/experiments/types", "https://app.example.com/api/v1/experiments/types"},
		{"api/v2/personas", "https://app.example.com/api/v1/api/v2/personas"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.buildURL(tc.path), "path %q", tc.path)
	}
}

func TestBuildURLTrimsTrailingSlash(t *testing.T) {
	c := NewClient("https://app.example.com/", "tok")
	require.Equal(t, "https://app.example.com/api/v1/personas", c.buildURL("personas"))
}

func TestGetSendsAuthHeaders(t *testing.T) {
	var got *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Write([]byte(`{"personas": []}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "tok-123")
	defer c.Close()

	var out PersonaList
	err := c.Get(context.Background(), "/personas", url.Values{"limit": {"100"}}, &out)
	require.NoError(t, err)

	require.Equal(t, "/api/v1/personas", got.URL.Path)
	require.Equal(t, "100", got.URL.Query().Get("limit"))
	require.Equal(t, "Bearer tok-123", got.Header.Get("Authorization"))
	require.Equal(t, "application/json", got.Header.Get("Content-Type"))
	require.NotEmpty(t, got.Header.Get("X-Request-ID"))
}

func TestPostEncodesBody(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"status": "success"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "tok")
	defer c.Close()

	var out RunResult
	err := c.Post(context.Background(), "/experiments/abc/run", map[string]any{"force": true}, &out)
	require.NoError(t, err)
	require.Equal(t, true, body["force"])
	require.True(t, out.Started())
}

func TestErrorCarriesDetail(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail": "personas missing"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "tok")
	defer c.Close()

	err := c.Get(context.Background(), "/personas", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.Equal(t, "API request failed (422): personas missing", apiErr.Error())
}

func TestErrorWithoutDetail(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream fell over"))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "tok")
	defer c.Close()

	err := c.Get(context.Background(), "/experiments", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "API request failed (502)", apiErr.Error())
}

func TestErrorDetailNonString(t *testing.T) {
	detail := ErrorDetail([]byte(`{"detail": {"loc": ["body"], "msg": "required"}}`))
	require.Contains(t, detail, "required")

	require.Empty(t, ErrorDetail([]byte(`not json`)))
	require.Empty(t, ErrorDetail([]byte(`{"message": "no detail key"}`)))
}

func TestNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	c := NewClient(ts.URL, "tok")
	defer c.Close()

	err := c.Get(context.Background(), "/personas", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Zero(t, apiErr.Status)
	require.NotNil(t, apiErr.Err)
	require.Contains(t, apiErr.Error(), "network error:")
	require.ErrorIs(t, err, apiErr.Err)
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		ts.Close()
	}()

	c := NewClient(ts.URL, "tok", WithTimeout(50*time.Millisecond))
	defer c.Close()

	err := c.Get(context.Background(), "/personas", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.NotNil(t, apiErr.Err)
}

func TestEmptyBodyWithOut(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "tok")
	defer c.Close()

	var out ExperimentResults
	require.NoError(t, c.Get(context.Background(), "/experiments/x/results", nil, &out))
	require.True(t, out.Empty())
}

func TestDecodeFailureIsNotAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "tok")
	defer c.Close()

	var out RunResult
	err := c.Get(context.Background(), "/experiments/x/run", nil, &out)
	require.Error(t, err)
	var apiErr *APIError
	require.False(t, errors.As(err, &apiErr))
}
