package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
	"github.com/emojumpRepo/worldseek-studio/internal/config"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
)

func TestClientDoPassesJSONThrough(t *testing.T) {
	var gotBody map[string]any
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"outputs":[{"x":1}],"session_id":"s1"}`)
	}))
	defer srv.Close()

	c := NewClient(config.AuthBearer, false, false)
	out, err := c.Do(context.Background(),
		Target{BaseURL: srv.URL + "/", Path: "/api/v1/run/flow-1", AuthToken: "tok"},
		types.NewFlowRequest("hello"), time.Second)
	require.NoError(t, err)

	assert.JSONEq(t, `{"outputs":[{"x":1}],"session_id":"s1"}`, string(out))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/v1/run/flow-1", gotPath)
	assert.Equal(t, "hello", gotBody["input_value"])
	assert.Equal(t, "chat", gotBody["input_type"])
	assert.Equal(t, "chat", gotBody["output_type"])
}

func TestClientAuthSchemes(t *testing.T) {
	tests := []struct {
		name       string
		scheme     config.AuthScheme
		token      string
		wantHeader string
		wantValue  string
	}{
		{"bearer", config.AuthBearer, "abc", "Authorization", "Bearer abc"},
		{"bearer prefixed", config.AuthBearer, "Bearer abc", "Authorization", "Bearer abc"},
		{"api key", config.AuthAPIKey, "abc", "x-api-key", "abc"},
		{"empty token", config.AuthBearer, "", "Authorization", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got http.Header
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Clone()
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, `{}`)
			}))
			defer srv.Close()

			c := NewClient(tt.scheme, false, false)
			_, err := c.Do(context.Background(), Target{Path: srv.URL, AuthToken: tt.token}, types.NewFlowRequest("x"), time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, got.Get(tt.wantHeader))
			if tt.scheme == config.AuthAPIKey {
				assert.Empty(t, got.Get("Authorization"))
			}
		})
	}
}

func TestClientDoFailures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantCode    apperr.Code
	}{
		{"upstream status", http.StatusNotFound, "application/json", `{"detail":"flow missing"}`, apperr.CodeUpstreamStatus},
		{"html page", http.StatusOK, "text/html; charset=utf-8", "<html>cdn error</html>", apperr.CodeUnexpectedContentType},
		{"malformed json", http.StatusOK, "application/json", `{"outputs":`, apperr.CodeMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(config.AuthBearer, false, false)
			_, err := c.Do(context.Background(), Target{Path: srv.URL}, types.NewFlowRequest("x"), time.Second)
			require.Error(t, err)

			var e *apperr.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.wantCode, e.Code)
			assert.LessOrEqual(t, len(e.Excerpt), apperr.MaxExcerpt+3)
		})
	}
}

func TestClientDoBoundsErrorExcerpt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, strings.Repeat("x", 5000))
	}))
	defer srv.Close()

	c := NewClient(config.AuthBearer, false, false)
	_, err := c.Do(context.Background(), Target{Path: srv.URL}, types.NewFlowRequest("x"), time.Second)

	var e *apperr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.Equal(t, apperr.MaxExcerpt+3, len(e.Excerpt))
}

func TestClientDoTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(config.AuthBearer, false, false)
	_, err := c.Do(context.Background(), Target{Path: srv.URL}, types.NewFlowRequest("x"), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTimeout), "got %v", err)
	assert.True(t, apperr.Retryable(err))
}

func TestClientOpenAppendsStreamQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		io.WriteString(w, "data: {}\n")
	}))
	defer srv.Close()

	c := NewClient(config.AuthBearer, false, false)
	resp, err := c.Open(context.Background(), Target{Path: srv.URL + "/run?tweaks=1"}, types.NewFlowRequest("x"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "tweaks=1&stream=true", gotQuery)
}

func TestClientOpenReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "nope")
	}))
	defer srv.Close()

	c := NewClient(config.AuthBearer, false, false)
	resp, err := c.Open(context.Background(), Target{Path: srv.URL}, types.NewFlowRequest("x"))
	assert.Nil(t, resp)

	var e *apperr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, http.StatusForbidden, e.Status)
	assert.Equal(t, apperr.StatusMessage(http.StatusForbidden), e.Message)
}

func TestRedactAuth(t *testing.T) {
	dump := []byte("POST /x HTTP/1.1\r\nAuthorization: Bearer secret\r\nX-Api-Key: k\r\nAccept: */*\r\n\r\n")
	got := string(redactAuth(dump))
	assert.NotContains(t, got, "secret")
	assert.Contains(t, got, "Authorization: [redacted]")
	assert.Contains(t, got, "X-Api-Key: [redacted]")
	assert.Contains(t, got, "Accept: */*")
}
