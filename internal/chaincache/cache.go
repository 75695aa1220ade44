// Package chaincache holds the most recently compiled pipeline and the
// progress rate measured against it.
//
// The cache is a single slot, not a map: building a pipeline for a new id
// evicts the previous one. One mutex guards the slot and the progress
// estimator. It is held across lookup, fetch, compile and store, but never
// across an invocation of the compiled pipeline.
package chaincache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ownai/ownai/internal/chain"
	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/overlay"
	"github.com/ownai/ownai/internal/progress"
	"github.com/ownai/ownai/internal/telemetry"
)

// Store is the subset of the pipeline store the cache reads from.
type Store interface {
	GetPipeline(ctx context.Context, id int64) (model.Pipeline, error)
}

// Entry is a compiled pipeline. Entries are immutable once published.
type Entry struct {
	ID         int64
	Executable chain.Executable
	Definition json.RawMessage
	InputSlots chain.SlotSet
	IsPublic   bool
	BuiltAt    time.Time
}

// Cache is a single-entry cache of compiled pipelines.
type Cache struct {
	store    Store
	compiler chain.Compiler
	logger   *slog.Logger

	mu        sync.Mutex
	entry     *Entry
	estimator *progress.Estimator

	builds        metric.Int64Counter
	hits          metric.Int64Counter
	invalidations metric.Int64Counter
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultRate sets the progress rate used before any generation has been
// measured and after every rebuild.
func WithDefaultRate(wordsPerSecond float64) Option {
	return func(c *Cache) {
		c.estimator = progress.NewEstimator(wordsPerSecond)
	}
}

// New creates a cache reading definitions from store and compiling them with
// compiler.
func New(store Store, compiler chain.Compiler, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		compiler:  compiler,
		logger:    logger,
		estimator: progress.NewEstimator(progress.DefaultRate),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registerMetrics()
	return c
}

func (c *Cache) registerMetrics() {
	meter := telemetry.Meter("ownai/chaincache")

	c.builds, _ = meter.Int64Counter("ownai.chaincache.builds",
		metric.WithDescription("Pipelines compiled, by result"))
	c.hits, _ = meter.Int64Counter("ownai.chaincache.hits",
		metric.WithDescription("Cache lookups served without compiling"))
	c.invalidations, _ = meter.Int64Counter("ownai.chaincache.invalidations",
		metric.WithDescription("Cache entries cleared by invalidation"))

	_, _ = meter.Float64ObservableGauge("ownai.progress.rate",
		metric.WithDescription("Current words-per-second progress estimate"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(c.Rate())
			return nil
		}),
	)
}

// Get returns the compiled pipeline for id, building it when the slot holds
// a different id or nothing. The build runs inside an environment overlay of
// values so credentials are visible to the compiler only for its duration.
//
// Concurrent callers for the same missing id block on the lock; the first
// builds and the rest receive the same *Entry. On failure the slot is left
// unchanged and the error is returned.
func (c *Cache) Get(ctx context.Context, id int64, values map[string]string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry != nil && c.entry.ID == id {
		c.hits.Add(ctx, 1)
		return c.entry, nil
	}

	start := time.Now()
	entry, err := c.build(ctx, id, values)
	if err != nil {
		c.builds.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return nil, err
	}
	c.builds.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))

	if c.entry != nil {
		c.logger.Debug("chaincache: evicting pipeline", "pipeline_id", c.entry.ID, "replaced_by", id)
	}
	c.entry = entry
	c.estimator.Reset()
	c.logger.Info("chaincache: pipeline built",
		"pipeline_id", id,
		"slots", entry.InputSlots,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return entry, nil
}

func (c *Cache) build(ctx context.Context, id int64, values map[string]string) (*Entry, error) {
	p, err := c.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("chaincache: get pipeline %d: %w", id, err)
	}
	slots, err := chain.SlotsFromKeys(p.InputKeys)
	if err != nil {
		return nil, fmt.Errorf("chaincache: pipeline %d: %w", id, err)
	}

	exec, err := overlay.With(values, func() (chain.Executable, error) {
		return c.compiler.Compile(p.Chain)
	})
	if err != nil {
		return nil, fmt.Errorf("chaincache: compile pipeline %d: %w", id, err)
	}

	return &Entry{
		ID:         id,
		Executable: exec,
		Definition: p.Chain,
		InputSlots: slots,
		IsPublic:   p.IsPublic,
		BuiltAt:    time.Now(),
	}, nil
}

// Invalidate clears the slot when id is nil or matches the cached id, and
// resets the progress rate. Any other id is a no-op. It reports whether an
// entry was cleared.
func (c *Cache) Invalidate(id *int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry == nil {
		if id == nil {
			c.estimator.Reset()
		}
		return false
	}
	if id != nil && *id != c.entry.ID {
		return false
	}

	c.logger.Info("chaincache: pipeline invalidated", "pipeline_id", c.entry.ID)
	c.entry = nil
	c.estimator.Reset()
	c.invalidations.Add(context.Background(), 1)
	return true
}

// InvalidateAll clears the slot unconditionally.
func (c *Cache) InvalidateAll() bool {
	return c.Invalidate(nil)
}

// Current returns the id of the cached pipeline, if any.
func (c *Cache) Current() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return 0, false
	}
	return c.entry.ID, true
}

// EstimateSeconds converts a prompt word count into an expected generation
// time using the current rate.
func (c *Cache) EstimateSeconds(words int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimator.EstimateSeconds(words)
}

// UpdateRate records a measured generation: words of prompt processed in
// secondsElapsed until the first token.
func (c *Cache) UpdateRate(words, secondsElapsed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimator.UpdateRate(words, secondsElapsed)
}

// Rate returns the current words-per-second estimate.
func (c *Cache) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimator.Rate()
}
