package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
	"github.com/emojumpRepo/worldseek-studio/internal/config"
	"github.com/emojumpRepo/worldseek-studio/internal/store"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
	"github.com/emojumpRepo/worldseek-studio/internal/upstream"
)

type fakeResolver struct {
	workflows map[string]store.Workflow
	agents    map[string]store.Agent
	lookups   int
}

func (f *fakeResolver) ResolveWorkflow(_ context.Context, id string) (store.Workflow, error) {
	f.lookups++
	w, ok := f.workflows[id]
	if !ok {
		return store.Workflow{}, apperr.NotFound("workflow", id)
	}
	return w, nil
}

func (f *fakeResolver) ResolveAgent(_ context.Context, id string) (store.Agent, error) {
	f.lookups++
	a, ok := f.agents[id]
	if !ok {
		return store.Agent{}, apperr.NotFound("agent", id)
	}
	return a, nil
}

type recordedCall struct {
	path  string
	query string
	auth  string
	body  types.FlowRequest
}

type backend struct {
	*httptest.Server
	hits  atomic.Int32
	calls chan recordedCall
}

func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *backend {
	t.Helper()
	b := &backend{calls: make(chan recordedCall, 16)}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		var body types.FlowRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.calls <- recordedCall{path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization"), body: body}
		handler(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func testPipeline(t *testing.T, baseURL string, resolver Resolver) *Pipeline {
	t.Helper()
	cfg := &config.ServerConfig{
		Langflow:       config.Integration{APIKey: "global-key", BaseURL: baseURL},
		AuthScheme:     config.AuthBearer,
		TimeoutSeconds: 5,
		MaxRetries:     2,
		BackoffFactor:  2,
	}
	p := New(cfg, resolver, upstream.NewClient(cfg.AuthScheme, false, false), "http://kb/api/core/dataset/searchTest")
	p.Retrier.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func run(p *Pipeline, req types.RunRequest) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.Execute(&RequestContext{Context: context.Background()}, rec, req)
	return rec
}

func userMessages(text string) []types.Message {
	return []types.Message{{Role: "user", Content: text}}
}

func errorDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Detail
}

func TestExecuteBufferedPassesUpstreamJSONThrough(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"session_id":"s","outputs":[{"outputs":[]}]}`)
	})
	resolver := &fakeResolver{workflows: map[string]store.Workflow{
		"wf": {ID: "wf", Params: map[string]any{"api_path": "/api/v1/run/flow-1"}, AppToken: "app-token"},
	}}

	rec := run(testPipeline(t, be.URL, resolver), types.RunRequest{WorkflowID: "wf", Messages: userMessages("hello")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"session_id":"s","outputs":[{"outputs":[]}]}`, rec.Body.String())

	call := <-be.calls
	assert.Equal(t, "/api/v1/run/flow-1", call.path)
	assert.Empty(t, call.query)
	assert.Equal(t, "Bearer app-token", call.auth)
	assert.Equal(t, types.NewFlowRequest("hello"), call.body)
}

func TestExecuteRejectsMissingUserMessageBeforeAnyCall(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	resolver := &fakeResolver{}

	rec := run(testPipeline(t, be.URL, resolver), types.RunRequest{
		WorkflowID: "wf",
		Messages:   []types.Message{{Role: "assistant", Content: "hi"}, {Role: "user", Content: "   "}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no user message to send", errorDetail(t, rec))
	assert.Zero(t, resolver.lookups)
	assert.Zero(t, be.hits.Load())
}

func TestExecuteRetriesUpstreamNotFound(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"detail":"Flow not found"}`)
	})
	resolver := &fakeResolver{workflows: map[string]store.Workflow{"wf": {ID: "wf", APIPath: "/api/v1/run/x"}}}

	rec := run(testPipeline(t, be.URL, resolver), types.RunRequest{WorkflowID: "wf", Messages: userMessages("hi")})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, errorDetail(t, rec), "not found")
	assert.Equal(t, int32(3), be.hits.Load())

	call := <-be.calls
	assert.Equal(t, "Bearer global-key", call.auth, "falls back to the configured key")
}

func TestExecuteBufferedTimeoutBoundsAllAttempts(t *testing.T) {
	hold := make(chan struct{})
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-hold:
		}
	})
	defer close(hold)
	resolver := &fakeResolver{workflows: map[string]store.Workflow{"wf": {ID: "wf", APIPath: "/api/v1/run/x"}}}

	p := testPipeline(t, be.URL, resolver)
	p.Config.TimeoutSeconds = 1

	start := time.Now()
	rec := run(p, types.RunRequest{WorkflowID: "wf", Messages: userMessages("hi")})
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, errorDetail(t, rec), "timed out")
	assert.Less(t, elapsed, 2*time.Second, "three attempts must share one deadline")
}

func TestExecuteStreams(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"event":"token","data":{"chunk":"Hi","id":"a","timestamp":"t"}}`+"\n\n")
		io.WriteString(w, `{"event":"end","data":{"result":{"message":"Hi there","session_id":"s1"}}}`+"\n")
	})
	resolver := &fakeResolver{workflows: map[string]store.Workflow{"wf": {ID: "wf", APIPath: "run/x"}}}

	rec := run(testPipeline(t, be.URL, resolver), types.RunRequest{WorkflowID: "wf", Messages: userMessages("hi"), Stream: true})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		`data: {"event":"token","data":{"chunk":"Hi","id":"a","timestamp":"t"}}`+"\n\n"+
			`data: {"id":"langflow-complete","complete":true,"content":"Hi there","session_id":"s1"}`+"\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())

	call := <-be.calls
	assert.Equal(t, "/run/x", call.path)
	assert.Equal(t, "stream=true", call.query)
}

func TestExecuteStreamConnectFailureIsInBand(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	resolver := &fakeResolver{workflows: map[string]store.Workflow{"wf": {ID: "wf", APIPath: "/run"}}}

	rec := run(testPipeline(t, be.URL, resolver), types.RunRequest{WorkflowID: "wf", Messages: userMessages("hi"), Stream: true})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t,
		`data: {"error":{"detail":"workflow backend unavailable"}}`+"\n\n"+"data: [DONE]\n\n",
		rec.Body.String())
	assert.Equal(t, int32(1), be.hits.Load(), "streams are never retried")
}

func TestExecuteKnowledgeAugmentation(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})
	resolver := &fakeResolver{
		workflows: map[string]store.Workflow{"wf": {ID: "wf", APIPath: "/run", Params: map[string]any{
			"knowledge": map[string]any{"items": []any{"ds-wf"}},
		}}},
		agents: map[string]store.Agent{"ag": {ID: "ag", BaseAppID: "wf", Params: map[string]any{
			"knowledge": map[string]any{"items": []any{"ds-agent"}, "settings": map[string]any{"limit": 4.0}},
		}}},
	}

	rec := run(testPipeline(t, be.URL, resolver), types.RunRequest{AgentID: "ag", Messages: userMessages("find x")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	call := <-be.calls
	input, ok := call.body.InputValue.(string)
	require.True(t, ok, "input_value is a string, got %T", call.body.InputValue)
	assert.JSONEq(t, `{
		"userInput": "find x",
		"kbParams": {"datasetId": "ds-agent", "text": "find x", "searchMode": "embedding", "limit": 4,
			"similarity": 0.5, "usingReRank": true, "datasetSearchUsingExtensionQuery": false},
		"urlValue": "http://kb/api/core/dataset/searchTest"
	}`, input)
}

func TestPrepareFailures(t *testing.T) {
	resolver := &fakeResolver{
		workflows: map[string]store.Workflow{
			"no-path":   {ID: "no-path"},
			"relative":  {ID: "relative", APIPath: "/run"},
			"knowledge": {ID: "knowledge", APIPath: "http://abs/run", Params: map[string]any{"knowledge": map[string]any{"items": []any{"d"}}}},
		},
		agents: map[string]store.Agent{
			"private": {ID: "private", UserID: "owner", BaseAppID: "relative", AccessControl: map[string]any{}},
			"orphan":  {ID: "orphan"},
		},
	}
	tests := []struct {
		name       string
		mutate     func(p *Pipeline)
		req        types.RunRequest
		user       string
		wantStatus int
	}{
		{"unknown workflow", nil, types.RunRequest{WorkflowID: "nope"}, "", http.StatusNotFound},
		{"unknown agent", nil, types.RunRequest{AgentID: "nope"}, "", http.StatusNotFound},
		{"no workflow id", nil, types.RunRequest{AgentID: "orphan"}, "", http.StatusBadRequest},
		{"agent denied", nil, types.RunRequest{AgentID: "private"}, "stranger", http.StatusForbidden},
		{"no api path", nil, types.RunRequest{WorkflowID: "no-path"}, "", http.StatusBadRequest},
		{"no base url", func(p *Pipeline) { p.Config.Langflow.BaseURL = "" }, types.RunRequest{WorkflowID: "relative"}, "", http.StatusBadRequest},
		{"no api key", func(p *Pipeline) { p.Config.Langflow.APIKey = "" }, types.RunRequest{WorkflowID: "relative"}, "", http.StatusUnauthorized},
		{"knowledge unconfigured", func(p *Pipeline) { p.SearchURL = "" }, types.RunRequest{WorkflowID: "knowledge"}, "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPipeline(t, "http://backend", resolver)
			if tt.mutate != nil {
				tt.mutate(p)
			}
			tt.req.Messages = userMessages("hi")
			_, err := p.Prepare(context.Background(), tt.req, tt.user)
			require.Error(t, err)
			assert.Equal(t, tt.wantStatus, apperr.HTTPStatus(err), err.Error())
		})
	}
}

func TestPrepareOwnerMayRunPrivateAgent(t *testing.T) {
	resolver := &fakeResolver{
		workflows: map[string]store.Workflow{"wf": {ID: "wf", APIPath: "/run"}},
		agents:    map[string]store.Agent{"ag": {ID: "ag", UserID: "owner", BaseAppID: "wf", AccessControl: map[string]any{}}},
	}
	call, err := testPipeline(t, "http://backend/", resolver).Prepare(context.Background(),
		types.RunRequest{AgentID: "ag", Messages: userMessages("hi")}, "owner")
	require.NoError(t, err)
	assert.Equal(t, "wf", call.WorkflowID)
	assert.Equal(t, "http://backend/run", call.Target.URL())
	assert.False(t, call.Augmented)
}

func TestPrepareWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.DialectSQLite, "file::memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpsertWorkflow(ctx, store.Workflow{ID: "wf", APIPath: "https://flows.example/api/v1/run/abc", AppToken: "Bearer stored"}))
	call, err := testPipeline(t, "", s).Prepare(ctx, types.RunRequest{WorkflowID: "wf", Messages: userMessages("hi")}, "")
	require.NoError(t, err)
	assert.Equal(t, "https://flows.example/api/v1/run/abc", call.Target.URL())
	assert.True(t, strings.HasPrefix(call.Target.AuthToken, "Bearer "))
}
