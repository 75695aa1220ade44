// Package ownai is the public API for embedding the ownAI server.
//
// Programs that want to run ownAI inside their own binary construct and run
// an App:
//
//	app, err := ownai.New(ctx,
//	    ownai.WithVersion(version),
//	    ownai.WithLogger(logger),
//	    ownai.WithMiddleware(myAuditMiddleware),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the
// root package. Public extension types live in interfaces.go and are adapted
// to their internal counterparts here.
package ownai

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ownai/ownai/api"
	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/chain"
	"github.com/ownai/ownai/internal/chaincache"
	"github.com/ownai/ownai/internal/config"
	"github.com/ownai/ownai/internal/dispatch"
	"github.com/ownai/ownai/internal/mcp"
	"github.com/ownai/ownai/internal/ratelimit"
	"github.com/ownai/ownai/internal/reply"
	"github.com/ownai/ownai/internal/search"
	"github.com/ownai/ownai/internal/server"
	"github.com/ownai/ownai/internal/service/embedding"
	"github.com/ownai/ownai/internal/service/knowledge"
	"github.com/ownai/ownai/internal/storage"
	"github.com/ownai/ownai/internal/telemetry"
	"github.com/ownai/ownai/migrations"
)

// App is the ownAI server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	outbox       *search.OutboxWorker // nil when Qdrant is not configured
	qdrantIndex  *search.QdrantIndex  // nil when Qdrant is not configured
	broker       *server.Broker       // nil when no notify connection
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the ownAI server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("ownai starting", "version", version, "port", cfg.Port, "backend", cfg.ExecutionBackend)

	a := &App{cfg: cfg, logger: logger, version: version}
	if err := a.init(ctx, o); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// init wires every subsystem. On error the caller releases whatever was
// already opened via close.
func (a *App) init(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     a.version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	db, err := OpenDB(ctx, cfg, logger, o.extraMigrations...)
	if err != nil {
		return err
	}
	a.db = db

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Embedding provider: an external override takes priority over config.
	embedder, embedderName := o.embeddingProvider, o.embeddingName
	if embedder == nil {
		embedder, err = NewEmbeddingProvider(cfg, logger)
		if err != nil {
			return err
		}
		embedderName = cfg.EmbeddingProvider
	}

	// Qdrant index and outbox worker (optional; disabled if QDRANT_URL is empty).
	var index search.Index
	var healthIndex server.HealthChecker
	if cfg.QdrantURL != "" {
		q, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		a.qdrantIndex = q
		if err := q.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index, healthIndex = q, q
		a.outbox = search.NewOutboxWorker(db.Pool(), q, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL), retrieval uses pgvector")
	}
	retriever := search.NewRetriever(embedder, index, db, logger)
	ingester := knowledge.NewIngester(db, embedder, embedderName, logger)

	// Pipeline execution: compiled-pipeline cache, backend and dispatcher.
	compiler := chain.NewCompiler(&http.Client{Timeout: cfg.GenerationTimeout})
	cache := chaincache.New(db, compiler, logger, chaincache.WithDefaultRate(cfg.DefaultRate))
	backend, err := NewBackend(cfg, logger)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(backend, cache, logger, dispatch.WithTick(cfg.ProgressTick))
	replier := reply.New(cache, dispatcher, retriever, logger)

	mcpSrv := mcp.New(db, replier, logger, a.version)

	// Cross-instance invalidation and the SSE event stream need LISTEN.
	if db.HasNotify() {
		a.broker = server.NewBroker(db, cache, logger)
	} else {
		logger.Info("pipeline change broker: disabled (no NOTIFY_URL)")
	}

	a.limiter = ratelimit.New(cfg.RateLimitEnabled, cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.RateLimitEnabled {
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	a.srv = server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Cache:               cache,
		Replier:             replier,
		Logger:              logger,
		Ingester:            ingester,
		Index:               healthIndex,
		Limiter:             a.limiter,
		Broker:              a.broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		Backend:             backend.Name(),
		Embeddings:          embedderName,
		OpenAPISpec:         api.OpenAPISpec,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Middlewares:         middlewares,
	})
	return nil
}

// Handler returns the root HTTP handler, for tests and embedding behind
// another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the background workers and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown has
// already been called.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, closes
// open chat sockets, syncs the remaining outbox entries to Qdrant, and
// releases the database pool and telemetry exporters.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("ownai shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	a.close()
	a.logger.Info("ownai stopped")
	return err
}

// close releases everything init opened. Safe on a partially built App.
func (a *App) close() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// OpenDB connects to Postgres and applies the embedded migrations followed
// by any extra migration filesystems.
func OpenDB(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...fs.FS) (*storage.DB, error) {
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, fsys := range extra {
		if err := db.RunMigrations(ctx, fsys); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}
	return db, nil
}

// NewEmbeddingProvider returns the provider selected by
// OWNAI_EMBEDDING_PROVIDER.
func NewEmbeddingProvider(cfg config.Config, logger *slog.Logger) (embedding.Provider, error) {
	p, err := embedding.New(embedding.Config{
		Provider:    cfg.EmbeddingProvider,
		Dimensions:  cfg.EmbeddingDimensions,
		OllamaURL:   cfg.OllamaURL,
		OllamaModel: cfg.OllamaModel,
		OpenAIKey:   cfg.OpenAIAPIKey,
		OpenAIBase:  cfg.OpenAIAPIBase,
		OpenAIModel: cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.EmbeddingProvider, embedding.ProviderNoop) || cfg.EmbeddingProvider == "" {
		logger.Warn("embedding provider: noop (retrieval returns arbitrary passages)")
	} else {
		logger.Info("embedding provider", "name", cfg.EmbeddingProvider, "dimensions", cfg.EmbeddingDimensions)
	}
	return p, nil
}

// NewBackend returns the execution backend selected by
// OWNAI_EXECUTION_BACKEND.
func NewBackend(cfg config.Config, logger *slog.Logger) (dispatch.Backend, error) {
	switch cfg.ExecutionBackend {
	case config.BackendProcess:
		b, err := dispatch.NewProcessBackend(logger)
		if err != nil {
			return nil, fmt.Errorf("execution backend: %w", err)
		}
		return b, nil
	default:
		return dispatch.NewGoroutineBackend(0), nil
	}
}

// embeddingAdapter wraps a public EmbeddingProvider as an internal one.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a embeddingAdapter) Dimensions() int { return a.p.Dimensions() }
