package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/ratelimit"
	"github.com/ownai/ownai/internal/reply"
	"github.com/ownai/ownai/internal/storage"
)

// Store is the persistence the handlers need. *storage.DB implements it.
type Store interface {
	Ping(ctx context.Context) error

	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	GetUser(ctx context.Context, id int64) (model.User, error)
	SetPassword(ctx context.Context, id int64, passhash string) error
	GetSettings(ctx context.Context, userID int64, domain string) (map[string]string, error)
	ReplaceSettings(ctx context.Context, userID int64, domain string, values map[string]string, allowed []string) error

	GetPipeline(ctx context.Context, id int64) (model.Pipeline, error)
	ListPipelines(ctx context.Context) ([]model.Pipeline, error)
	CreatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error)
	UpdatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error)
	DeletePipeline(ctx context.Context, id int64) error
	UpsertPipelineByName(ctx context.Context, p model.Pipeline) (model.Pipeline, bool, error)
	NotifyPipelineChanged(ctx context.Context, id *int64) error

	CreateKnowledge(ctx context.Context, k model.Knowledge) (model.Knowledge, error)
	GetKnowledge(ctx context.Context, id int64) (model.Knowledge, error)
	ListKnowledge(ctx context.Context) ([]model.Knowledge, error)
	UpdateKnowledge(ctx context.Context, k model.Knowledge) (model.Knowledge, error)
	DeleteKnowledge(ctx context.Context, id int64) error
	ListPassages(ctx context.Context, knowledgeID int64, limit, offset int) ([]model.Passage, error)
	DeletePassage(ctx context.Context, knowledgeID, passageID int64) error
}

// PipelineCache is the compiled pipeline cache as seen by the API.
type PipelineCache interface {
	Invalidate(id *int64) bool
	Current() (int64, bool)
	Rate() float64
}

// Replier answers chat messages.
type Replier interface {
	Reply(ctx context.Context, req reply.Request, onToken func(string), onProgress func(int)) (string, error)
}

// Ingester splits, embeds and stores document text.
type Ingester interface {
	Ingest(ctx context.Context, knowledgeID int64, source, text string) (int64, error)
}

// HealthChecker reports whether an optional backend is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Store
	jwtMgr              *auth.JWTManager
	cache               PipelineCache
	replier             Replier
	ingester            Ingester
	index               HealthChecker
	broker              *Broker
	limiter             ratelimit.Limiter
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	backend             string
	embeddings          string
	openapiSpec         []byte
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Ingester, Index, Broker, Limiter, OpenAPISpec.
type HandlersDeps struct {
	DB                  Store
	JWTMgr              *auth.JWTManager
	Cache               PipelineCache
	Replier             Replier
	Ingester            Ingester
	Index               HealthChecker
	Broker              *Broker
	Limiter             ratelimit.Limiter
	Logger              *slog.Logger
	Version             string
	Backend             string
	Embeddings          string // provider name recorded on new knowledge collections
	OpenAPISpec         []byte
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	limiter := d.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		cache:               d.Cache,
		replier:             d.Replier,
		ingester:            d.Ingester,
		index:               d.Index,
		broker:              d.Broker,
		limiter:             limiter,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		backend:             d.Backend,
		embeddings:          d.Embeddings,
		openapiSpec:         d.OpenAPISpec,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("auth: lookup user", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
			return
		}
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if ok, err := auth.VerifyPassword(req.Password, user.PassHash); err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.logger.Error("auth: issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Backend:  h.backend,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	if h.broker != nil {
		resp.Broker = "running"
	}
	if h.cache != nil {
		if id, ok := h.cache.Current(); ok {
			resp.CachedPipeline = &id
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// pathID parses the named path value as a positive id, writing a 400 on
// failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryLimit returns the limit query parameter clamped to [1, 1000].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), 1000)
}

func queryOffset(r *http.Request) int {
	return max(queryInt(r, "offset", 0), 0)
}

// writeStoreError maps storage sentinels to API errors.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, what+" not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, what+" already exists")
	default:
		h.logger.Error("storage error", "error", err, "resource", what, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
