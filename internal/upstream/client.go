package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
	"github.com/emojumpRepo/worldseek-studio/internal/config"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
)

const (
	// maxResponseBytes caps a buffered upstream body.
	maxResponseBytes = 32 << 20
	// maxErrorBodyBytes caps how much of a failed response is read.
	maxErrorBodyBytes = 64 << 10

	userAgent = "WorldSeek-Studio/1.0"
)

// httpClient is shared for connection reuse. It carries no Timeout: every
// call is bounded by its context instead, which also covers streamed bodies.
var httpClient = &http.Client{}

// Client issues authenticated calls to the workflow backend. It is stateless
// apart from its configuration and safe for concurrent use.
type Client struct {
	HTTPClient *http.Client
	Scheme     config.AuthScheme
	Verbose    bool
	Debug      bool

	dumpMu sync.Mutex
}

// NewClient creates a new upstream client.
func NewClient(scheme config.AuthScheme, verbose, debug bool) *Client {
	return &Client{Scheme: scheme, Verbose: verbose, Debug: debug}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return httpClient
}

// Do performs one buffered POST and returns the upstream JSON body unmodified.
// A positive timeout bounds the whole call.
func (c *Client) Do(ctx context.Context, target Target, payload types.FlowRequest, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := target.URL()
	req, err := c.newRequest(ctx, url, target.AuthToken, payload, "application/json")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()
	c.dumpUpstreamResponse(resp, false)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	slog.Info("upstream.response",
		"url", url,
		"status", resp.StatusCode,
		"bytes", len(body),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode >= 400 {
		return nil, apperr.Upstream(resp.StatusCode, body)
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "html") && !strings.Contains(contentType, "json") {
		return nil, &apperr.Error{
			Code:    apperr.CodeUnexpectedContentType,
			Message: "workflow backend returned an HTML page instead of JSON",
			Excerpt: apperr.Excerpt(body, apperr.MaxExcerpt),
		}
	}
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, &apperr.Error{
			Code:    apperr.CodeMalformedResponse,
			Message: "workflow backend returned a malformed response",
			Excerpt: apperr.Excerpt(body, apperr.MaxExcerpt),
		}
	}
	return json.RawMessage(trimmed), nil
}

// Open starts a streamed POST with stream=true and returns the live response.
// The caller owns the body. Non-success statuses are consumed and returned as
// errors so a stream is only ever handed out for a healthy response.
func (c *Client) Open(ctx context.Context, target Target, payload types.FlowRequest) (*http.Response, error) {
	url := WithStreamQuery(target.URL())
	req, err := c.newRequest(ctx, url, target.AuthToken, payload, "text/event-stream, application/json")
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	c.dumpUpstreamResponse(resp, true)
	if c.Verbose {
		slog.Info("upstream.stream.open", "url", url, "status", resp.StatusCode)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, apperr.Upstream(resp.StatusCode, body)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, url, token string, payload types.FlowRequest, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConfigMissing, "invalid workflow URL", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	c.authorize(req, token)

	if c.Verbose {
		slog.Info("upstream.request",
			"url", url,
			"scheme", string(c.Scheme),
			"authorized", token != "",
			"body_bytes", len(body),
		)
	}
	c.dumpUpstreamRequest(req, body)
	return req, nil
}

// authorize applies the configured auth scheme. A token that already carries
// a "Bearer " prefix is passed through without doubling it.
func (c *Client) authorize(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	if c.Scheme == config.AuthAPIKey {
		req.Header.Set("x-api-key", token)
		return
	}
	tok := &oauth2.Token{
		AccessToken: strings.TrimSpace(strings.TrimPrefix(token, "Bearer ")),
		TokenType:   "Bearer",
	}
	tok.SetAuthHeader(req)
}

func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperr.Wrap(apperr.CodeTimeout, "workflow backend request timed out", err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return apperr.Wrap(apperr.CodeCanceled, "request canceled", err)
	default:
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return apperr.Wrap(apperr.CodeTimeout, "workflow backend request timed out", err)
		}
		return apperr.Wrap(apperr.CodeNetwork, "could not reach the workflow backend", err)
	}
}
