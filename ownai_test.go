package ownai

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ownai/ownai/internal/config"
	"github.com/ownai/ownai/internal/dispatch"
	"github.com/ownai/ownai/internal/service/embedding"
)

type fixedEmbedder struct {
	err error
}

func (f fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, f.err
}

func (f fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (fixedEmbedder) Dimensions() int { return 2 }

func TestEmbeddingAdapter(t *testing.T) {
	var p embedding.Provider = embeddingAdapter{p: fixedEmbedder{}}
	assert.Equal(t, 2, p.Dimensions())

	v, err := p.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, v.Slice())

	vs, err := p.EmbedBatch(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, []float32{2, 1}, vs[1].Slice())

	failing := embeddingAdapter{p: fixedEmbedder{err: errors.New("offline")}}
	_, err = failing.Embed(context.Background(), "x")
	assert.EqualError(t, err, "offline")
	_, err = failing.EmbedBatch(context.Background(), []string{"x"})
	assert.EqualError(t, err, "offline")
}

func TestOptions(t *testing.T) {
	mw := func(next http.Handler) http.Handler { return next }
	extra := fstest.MapFS{"900_extra.sql": {Data: []byte("SELECT 1;")}}

	o := resolvedOptions{}
	for _, fn := range []Option{
		WithPort(9999),
		WithDatabaseURL("postgres://x"),
		WithNotifyURL("postgres://y"),
		WithVersion("1.2.3"),
		WithEmbeddingProvider("custom", fixedEmbedder{}),
		WithMiddleware(mw),
		WithMiddleware(mw),
		WithExtraMigrations(extra),
	} {
		fn(&o)
	}

	assert.Equal(t, 9999, o.port)
	assert.Equal(t, "postgres://x", o.databaseURL)
	assert.Equal(t, "postgres://y", o.notifyURL)
	assert.Equal(t, "1.2.3", o.version)
	assert.Equal(t, "custom", o.embeddingName)
	require.NotNil(t, o.embeddingProvider)
	assert.Equal(t, 2, o.embeddingProvider.Dimensions())
	assert.Len(t, o.middlewares, 2)
	assert.Len(t, o.extraMigrations, 1)
}

func TestNewBackend(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	b, err := NewBackend(config.Config{ExecutionBackend: config.BackendGoroutine}, logger)
	require.NoError(t, err)
	assert.Equal(t, dispatch.BackendGoroutine, b.Name())

	b, err = NewBackend(config.Config{ExecutionBackend: config.BackendProcess}, logger)
	require.NoError(t, err)
	assert.Equal(t, dispatch.BackendProcess, b.Name())
}

func TestNewEmbeddingProvider(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	p, err := NewEmbeddingProvider(config.Config{EmbeddingProvider: "noop", EmbeddingDimensions: 8}, logger)
	require.NoError(t, err)
	assert.Equal(t, 8, p.Dimensions())

	_, err = NewEmbeddingProvider(config.Config{EmbeddingProvider: "openai", EmbeddingDimensions: 8}, logger)
	assert.Error(t, err, "openai requires an API key")

	_, err = NewEmbeddingProvider(config.Config{EmbeddingProvider: "carrier-pigeon", EmbeddingDimensions: 8}, logger)
	assert.Error(t, err)
}

func TestMiddlewareType(t *testing.T) {
	called := false
	var mw Middleware = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}
	h := mw(http.NotFoundHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}
