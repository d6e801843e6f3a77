package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
	"github.com/emojumpRepo/worldseek-studio/internal/codec"
	"github.com/emojumpRepo/worldseek-studio/internal/config"
	"github.com/emojumpRepo/worldseek-studio/internal/params"
	"github.com/emojumpRepo/worldseek-studio/internal/sse"
	"github.com/emojumpRepo/worldseek-studio/internal/store"
	"github.com/emojumpRepo/worldseek-studio/internal/stream"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
	"github.com/emojumpRepo/worldseek-studio/internal/upstream"
)

// Resolver looks up stored workflows and agents. *store.Store implements it.
type Resolver interface {
	ResolveWorkflow(ctx context.Context, id string) (store.Workflow, error)
	ResolveAgent(ctx context.Context, id string) (store.Agent, error)
}

// Pipeline orchestrates one workflow run through the
// validate → resolve → merge → proxy flow.
type Pipeline struct {
	Config   *config.ServerConfig
	Store    Resolver
	Upstream *upstream.Client
	Retrier  *upstream.Retrier
	Relay    *stream.Relay
	// SearchURL is the knowledge search endpoint handed to workflows, "" when
	// the knowledge service is not configured.
	SearchURL string
}

// New wires a Pipeline from configuration.
func New(cfg *config.ServerConfig, resolver Resolver, client *upstream.Client, searchURL string) *Pipeline {
	return &Pipeline{
		Config:   cfg,
		Store:    resolver,
		Upstream: client,
		Retrier: upstream.NewRetrier(upstream.RetryPolicy{
			MaxRetries:    cfg.MaxRetries,
			BackoffFactor: cfg.BackoffFactor,
		}),
		Relay:     stream.NewRelay(client, cfg.Timeout()),
		SearchURL: searchURL,
	}
}

// RequestContext carries per-request metadata that isn't part of the run body.
type RequestContext struct {
	Context context.Context
	// UserID identifies the caller for agent access checks; empty when the
	// gateway did not supply one.
	UserID string
}

// Call is a fully resolved upstream invocation.
type Call struct {
	WorkflowID string
	AgentID    string
	Target     upstream.Target
	Payload    types.FlowRequest
	Augmented  bool
}

// Prepare validates req and resolves everything needed to call the backend.
// No network call is made; a request without a usable user message fails
// before any lookup.
func (p *Pipeline) Prepare(ctx context.Context, req types.RunRequest, userID string) (*Call, error) {
	message, err := params.LatestUserMessage(req.Messages)
	if err != nil {
		return nil, err
	}
	apiCfg := p.Config.APIKeyConfig()

	workflowID := strings.TrimSpace(req.WorkflowID)
	agentID := strings.TrimSpace(req.AgentID)

	var agentParams map[string]any
	if agentID != "" {
		agent, err := p.Store.ResolveAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if !agent.CanRead(userID) {
			return nil, apperr.New(apperr.CodeForbidden, "access to the agent was denied")
		}
		if workflowID == "" {
			workflowID = agent.BaseAppID
		}
		agentParams = agent.Params
	}
	if workflowID == "" {
		return nil, apperr.New(apperr.CodeValidation, "workflow_id is required")
	}

	wf, err := p.Store.ResolveWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	apiPath := wf.ResolvedAPIPath()
	if apiPath == "" {
		return nil, apperr.Config("workflow has no api path configured", false)
	}
	if !upstream.IsAbsoluteURL(apiPath) && apiCfg.BaseURL == "" {
		return nil, apperr.Config("workflow backend base URL is not configured", false)
	}
	token := strings.TrimSpace(wf.AppToken)
	if token == "" {
		token = apiCfg.Token
	}
	if token == "" {
		return nil, apperr.Config("workflow backend API key is not configured", true)
	}

	merged := params.Merge(wf.Params, agentParams)
	input := params.BuildInput(merged, message, p.SearchURL)
	if input.Augmented() && p.SearchURL == "" {
		return nil, apperr.Config("knowledge base service is not configured", false)
	}

	return &Call{
		WorkflowID: workflowID,
		AgentID:    agentID,
		Target: upstream.Target{
			BaseURL:   apiCfg.BaseURL,
			Path:      apiPath,
			AuthToken: token,
		},
		Payload:   types.NewFlowRequest(input.Value()),
		Augmented: input.Augmented(),
	}, nil
}

// Execute runs req and writes the result to w: the upstream JSON unmodified
// for buffered calls, an SSE stream otherwise. Errors before the stream
// starts are ordinary JSON error responses.
func (p *Pipeline) Execute(rc *RequestContext, w http.ResponseWriter, req types.RunRequest) {
	start := time.Now()
	call, err := p.Prepare(rc.Context, req, rc.UserID)
	if err != nil {
		codec.WriteAppError(w, err)
		return
	}

	slog.Info("workflow.run",
		"workflow_id", call.WorkflowID,
		"agent_id", call.AgentID,
		"stream", req.Stream,
		"knowledge", call.Augmented,
		"url", call.Target.URL(),
	)

	if req.Stream {
		sse.WriteHeaders(w)
		stats := p.Relay.Run(rc.Context, sse.NewWriter(w), call.Target, call.Payload)
		slog.Info("workflow.run.done",
			"workflow_id", call.WorkflowID,
			"state", stats.Final.String(),
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return
	}

	// The configured timeout bounds the whole buffered call, retries and
	// backoff included, so the error response is written before the server's
	// write deadline.
	callCtx, cancel := context.WithTimeout(rc.Context, p.Config.Timeout())
	defer cancel()
	body, err := p.Upstream.DoWithRetry(callCtx, p.Retrier, call.Target, call.Payload, p.Config.Timeout())
	if err != nil {
		codec.WriteAppError(w, err)
		return
	}
	slog.Info("workflow.run.done",
		"workflow_id", call.WorkflowID,
		"bytes", len(body),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	codec.WriteRawJSON(w, http.StatusOK, body)
}
