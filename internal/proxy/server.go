package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/emojumpRepo/worldseek-studio/internal/codec"
	"github.com/emojumpRepo/worldseek-studio/internal/config"
	"github.com/emojumpRepo/worldseek-studio/internal/knowledge"
	"github.com/emojumpRepo/worldseek-studio/internal/pipeline"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
	"github.com/emojumpRepo/worldseek-studio/internal/upstream"
)

// datasetLister abstracts the knowledge base client so handlers can be tested
// without the real service.
type datasetLister interface {
	ListDatasets(ctx context.Context) ([]types.Dataset, error)
}

// Server is the workflow proxy HTTP server.
type Server struct {
	Config      *config.ServerConfig
	httpServer  *http.Server
	pipeline    *pipeline.Pipeline
	knowledge   datasetLister
	debugDumpMu sync.Mutex
}

const (
	serverAccessTokenError = "Invalid or missing server access token"

	// userIDHeader names the caller, as asserted by the fronting gateway.
	userIDHeader = "X-User-ID"
)

// New creates a proxy server with all routes registered. resolver supplies
// stored workflows and agents.
func New(cfg *config.ServerConfig, resolver pipeline.Resolver) *Server {
	uc := upstream.NewClient(cfg.AuthScheme, cfg.Verbose, cfg.Debug)
	kb := knowledge.NewClient(cfg.FastGPT, cfg.SearchPath)

	s := &Server{
		Config:    cfg,
		pipeline:  pipeline.New(cfg, resolver, uc, kb.SearchURL()),
		knowledge: kb,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		// ReadTimeout covers only reading the request body.
		ReadTimeout: 30 * time.Second,
		// The configured timeout bounds every streamed or buffered call, so the
		// relay or pipeline, not the server, ends an overlong request.
		WriteTimeout: cfg.Timeout() + 60*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/workflows/run", s.handleRunWorkflow)
	mux.HandleFunc("GET /api/v1/knowledge_bases", s.handleListKnowledgeBases)
	mux.HandleFunc("GET /api/v1/configs/api-keys", s.handleAPIKeys)

	mux.HandleFunc("OPTIONS /", s.handleOptions)

	return s.corsMiddleware(s.authMiddleware(s.verboseMiddleware(s.debugMiddleware(mux))))
}

// ListenAndServe starts the proxy server.
func (s *Server) ListenAndServe() error {
	slog.Info("server.listen", "addr", s.httpServer.Addr, "knowledge", s.pipeline.SearchURL)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/health" {
		codec.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	codec.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware allows requests from any origin so the studio front end can
// be served from a different host.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqHeaders := r.Header.Get("Access-Control-Request-Headers")
		if reqHeaders == "" {
			reqHeaders = "Authorization, Content-Type, Accept, " + userIDHeader
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expectedToken := ""
		if s.Config != nil {
			expectedToken = strings.TrimSpace(s.Config.AccessToken)
		}
		if expectedToken == "" || r.Method == http.MethodOptions || !requiresAccessToken(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := parseBearerAuthToken(header)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			codec.WriteError(w, http.StatusUnauthorized, serverAccessTokenError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerAuthToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

func requiresAccessToken(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

func (s *Server) verboseMiddleware(next http.Handler) http.Handler {
	if s.Config == nil || !s.Config.Verbose {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) debugMiddleware(next http.Handler) http.Handler {
	if s.Config == nil || !s.Config.Debug {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dump, err := httputil.DumpRequest(r, true)
		if err != nil {
			slog.Error("request.dump.failed", "method", r.Method, "path", r.URL.Path, "error", err)
		} else {
			slog.Info("request.dump", "method", r.Method, "path", r.URL.Path)
			s.writeDebugDumpBlock("INBOUND REQUEST", redactInbound(dump))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeDebugDumpBlock(title string, data []byte) {
	s.debugDumpMu.Lock()
	defer s.debugDumpMu.Unlock()

	header := "===== " + strings.TrimSpace(title) + " BEGIN =====\n"
	footer := "===== " + strings.TrimSpace(title) + " END =====\n"

	if _, err := debugOutput.Write([]byte(header)); err != nil {
		slog.Error("debug.dump.write.failed", "title", title, "error", err)
		return
	}
	if len(data) > 0 {
		if _, err := debugOutput.Write(data); err != nil {
			slog.Error("debug.dump.write.failed", "title", title, "error", err)
			return
		}
		if data[len(data)-1] != '\n' {
			debugOutput.Write([]byte("\n"))
		}
	}
	if _, err := debugOutput.Write([]byte(footer)); err != nil {
		slog.Error("debug.dump.write.failed", "title", title, "error", err)
	}
}

var debugOutput io.Writer = os.Stderr
