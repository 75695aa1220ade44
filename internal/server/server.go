package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/ratelimit"
)

// Server is the ownAI HTTP server.
type Server struct {
	httpServer *http.Server
	cancelBase context.CancelFunc
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Ingester, Index, Limiter, Broker, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB      Store
	JWTMgr  *auth.JWTManager
	Cache   PipelineCache
	Replier Replier
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Ingester  Ingester
	Index     HealthChecker
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// Embedded OpenAPI YAML, served at /openapi.yaml.
	OpenAPISpec []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	Backend             string
	Embeddings          string
	MaxRequestBodyBytes int64

	// Middlewares wrap the whole handler, outermost first.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Cache:               cfg.Cache,
		Replier:             cfg.Replier,
		Ingester:            cfg.Ingester,
		Index:               cfg.Index,
		Broker:              cfg.Broker,
		Limiter:             cfg.Limiter,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		Backend:             cfg.Backend,
		Embeddings:          cfg.Embeddings,
		OpenAPISpec:         cfg.OpenAPISpec,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	// Login attempts share the chat limiter, keyed by client IP.
	authRL := ratelimit.Middleware(h.limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth (no token required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Chat. Anonymous connections are limited to public pipelines.
	mux.HandleFunc("GET /v1/chat", h.HandleChat)

	// Pipelines.
	mux.HandleFunc("GET /v1/pipelines", h.HandleListPipelines)
	mux.HandleFunc("POST /v1/pipelines", h.HandleCreatePipeline)
	mux.HandleFunc("POST /v1/pipelines/import", h.HandleImportAifile)
	mux.HandleFunc("GET /v1/pipelines/{id}", h.HandleGetPipeline)
	mux.HandleFunc("PUT /v1/pipelines/{id}", h.HandleUpdatePipeline)
	mux.HandleFunc("DELETE /v1/pipelines/{id}", h.HandleDeletePipeline)
	mux.HandleFunc("GET /v1/pipelines/{id}/aifile", h.HandleExportAifile)

	// Compiled pipeline cache.
	mux.HandleFunc("GET /v1/cache", h.HandleCacheStatus)
	mux.HandleFunc("POST /v1/cache/invalidate", h.HandleInvalidateAll)
	mux.HandleFunc("POST /v1/cache/invalidate/{id}", h.HandleInvalidatePipeline)

	// Knowledge collections and their passages.
	mux.HandleFunc("GET /v1/knowledge", h.HandleListKnowledge)
	mux.HandleFunc("POST /v1/knowledge", h.HandleCreateKnowledge)
	mux.HandleFunc("GET /v1/knowledge/{id}", h.HandleGetKnowledge)
	mux.HandleFunc("PUT /v1/knowledge/{id}", h.HandleUpdateKnowledge)
	mux.HandleFunc("DELETE /v1/knowledge/{id}", h.HandleDeleteKnowledge)
	mux.HandleFunc("GET /v1/knowledge/{id}/documents", h.HandleListDocuments)
	mux.HandleFunc("POST /v1/knowledge/{id}/documents", h.HandleAddDocument)
	mux.HandleFunc("DELETE /v1/knowledge/{id}/documents/{passage_id}", h.HandleDeleteDocument)

	// User settings.
	mux.HandleFunc("GET /v1/settings/external-providers", h.HandleGetExternalProviders)
	mux.HandleFunc("PUT /v1/settings/external-providers", h.HandleUpdateExternalProviders)
	mux.HandleFunc("PUT /v1/settings/password", h.HandleChangePassword)

	// Pipeline change stream (long-lived, no rate limit).
	mux.HandleFunc("GET /v1/events", h.HandleSubscribe)

	// MCP StreamableHTTP transport (token required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Server{
		cancelBase: cancelBase,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Chat sockets are not
// tracked by net/http once hijacked; they are closed by cancelling the base
// context after in-flight requests have drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	err := s.httpServer.Shutdown(ctx)
	s.cancelBase()
	return err
}
