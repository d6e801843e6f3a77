// Package knowledge talks to the FastGPT knowledge base service: it lists
// datasets and names the search endpoint workflows call back into.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
	"github.com/emojumpRepo/worldseek-studio/internal/config"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
)

const (
	listPath         = "/api/core/dataset/list"
	maxListBytes     = 8 << 20
	defaultTimeout   = 30 * time.Second
	notConfiguredMsg = "knowledge base service is not configured"
)

// Client lists datasets with a static bearer key.
type Client struct {
	BaseURL    string
	SearchPath string
	Timeout    time.Duration

	http *http.Client
}

// NewClient creates a client. An empty key or base URL yields a client whose
// calls fail with a configuration error.
func NewClient(integration config.Integration, searchPath string) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(integration.BaseURL), "/"),
		SearchPath: searchPath,
		Timeout:    defaultTimeout,
	}
	if key := strings.TrimSpace(integration.APIKey); key != "" {
		c.http = &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{
					AccessToken: strings.TrimPrefix(key, "Bearer "),
					TokenType:   "Bearer",
				}),
				Base: http.DefaultTransport,
			},
		}
	}
	return c
}

// Configured reports whether both the key and the base URL are set.
func (c *Client) Configured() bool {
	return c != nil && c.http != nil && c.BaseURL != ""
}

// SearchURL is the dataset search endpoint, or "" when unconfigured.
func (c *Client) SearchURL() string {
	if c == nil || c.BaseURL == "" {
		return ""
	}
	path := c.SearchPath
	if path == "" {
		path = config.DefaultSearchPath
	}
	return c.BaseURL + "/" + strings.TrimLeft(path, "/")
}

// ListDatasets returns the root-level datasets. The service answers either
// {"data":[...]} or a bare array; both are accepted.
func (c *Client) ListDatasets(ctx context.Context) ([]types.Dataset, error) {
	if !c.Configured() {
		return nil, apperr.Config(notConfiguredMsg, true)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	url := c.BaseURL + listPath + "?parentId="
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConfigMissing, "invalid knowledge base URL", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.CodeTimeout, "knowledge base service timed out", err)
		}
		return nil, apperr.Wrap(apperr.CodeNetwork, "could not reach the knowledge base service", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNetwork, "could not read the knowledge base response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		slog.Error("knowledge.list.unauthorized", "url", url)
		return nil, apperr.Config("knowledge base API key was rejected", true)
	case resp.StatusCode >= 400:
		slog.Error("knowledge.list.failed", "url", url, "status", resp.StatusCode, "body", apperr.Excerpt(body, apperr.MaxExcerpt))
		return nil, &apperr.Error{
			Code:    apperr.CodeUpstreamStatus,
			Message: fmt.Sprintf("knowledge base request failed: %d", resp.StatusCode),
			Status:  resp.StatusCode,
			Excerpt: apperr.Excerpt(body, apperr.MaxExcerpt),
		}
	}
	if !gjson.ValidBytes(body) {
		return nil, &apperr.Error{
			Code:    apperr.CodeMalformedResponse,
			Message: "knowledge base service returned a malformed response",
			Excerpt: apperr.Excerpt(body, apperr.MaxExcerpt),
		}
	}

	datasets := parseDatasets(gjson.ParseBytes(body))
	slog.Info("knowledge.list", "count", len(datasets))
	return datasets, nil
}

func parseDatasets(doc gjson.Result) []types.Dataset {
	list := doc
	if doc.IsObject() {
		list = doc.Get("data")
	}
	out := []types.Dataset{}
	if !list.IsArray() {
		return out
	}
	list.ForEach(func(_, d gjson.Result) bool {
		ds := types.Dataset{
			ID:          d.Get("_id").String(),
			Name:        d.Get("name").String(),
			Description: d.Get("intro").String(),
			Avatar:      d.Get("avatar").String(),
			VectorModel: map[string]any{},
			Tags:        []any{},
			CreateTime:  d.Get("createTime").String(),
			UpdateTime:  d.Get("updateTime").String(),
			Type:        d.Get("type").String(),
			Status:      d.Get("status").String(),
		}
		if vm, ok := d.Get("vectorModel").Value().(map[string]any); ok {
			ds.VectorModel = vm
		}
		if tags, ok := d.Get("tags").Value().([]any); ok {
			ds.Tags = tags
		}
		out = append(out, ds)
		return true
	})
	return out
}
