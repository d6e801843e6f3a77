package proxy

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/emojumpRepo/worldseek-studio/internal/codec"
	"github.com/emojumpRepo/worldseek-studio/internal/config"
	"github.com/emojumpRepo/worldseek-studio/internal/pipeline"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
)

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	if !parseJSONRequest(w, r, &req) {
		return
	}
	rc := &pipeline.RequestContext{
		Context: r.Context(),
		UserID:  strings.TrimSpace(r.Header.Get(userIDHeader)),
	}
	s.pipeline.Execute(rc, w, req)
}

func (s *Server) handleListKnowledgeBases(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.knowledge.ListDatasets(r.Context())
	if err != nil {
		codec.WriteAppError(w, err)
		return
	}
	slog.Debug("knowledge.list", "count", len(datasets))
	codec.WriteJSON(w, http.StatusOK, datasets)
}

func (s *Server) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	codec.WriteJSON(w, http.StatusOK, APIKeysView(s.Config))
}

// APIKeysView returns the configured credentials with secrets masked.
func APIKeysView(cfg *config.ServerConfig) types.APIKeysView {
	return types.APIKeysView{
		LangflowAPIKeyMasked: config.Mask(cfg.Langflow.APIKey),
		LangflowBaseURL:      cfg.Langflow.BaseURL,
		LangflowAuthScheme:   string(cfg.AuthScheme),
		FastGPTAPIKeyMasked:  config.Mask(cfg.FastGPT.APIKey),
		FastGPTBaseURL:       cfg.FastGPT.BaseURL,
	}
}
