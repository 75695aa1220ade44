package search

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{
			name:   "https cloud URL with REST port",
			rawURL: "https://xyz.cloud.qdrant.io:6333",
			host:   "xyz.cloud.qdrant.io",
			port:   6334, // REST 6333 maps to gRPC 6334
			tls:    true,
		},
		{
			name:   "https cloud URL with gRPC port",
			rawURL: "https://xyz.cloud.qdrant.io:6334",
			host:   "xyz.cloud.qdrant.io",
			port:   6334,
			tls:    true,
		},
		{
			name:   "http local URL",
			rawURL: "http://localhost:6333",
			host:   "localhost",
			port:   6334,
			tls:    false,
		},
		{
			name:   "http no port defaults to 6334",
			rawURL: "http://qdrant.internal",
			host:   "qdrant.internal",
			port:   6334,
			tls:    false,
		},
		{
			name:   "custom port preserved",
			rawURL: "https://qdrant.example.com:9334",
			host:   "qdrant.example.com",
			port:   9334,
			tls:    true,
		},
		{
			name:    "empty URL",
			rawURL:  "",
			wantErr: true,
		},
		{
			name:    "no scheme no host",
			rawURL:  "not-a-url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestParseQdrantURL_InvalidPort(t *testing.T) {
	// url.Parse may reject the whole URL or hand back a bad port.
	_, _, _, err := parseQdrantURL("http://localhost:notaport")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search: invalid")
}

// newTestQdrantIndex creates a QdrantIndex pointed at a port with no server.
// gRPC connects lazily, so construction succeeds and RPCs fail.
func newTestQdrantIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16334",
		Collection: "test_passages",
		Dims:       4,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err, "NewQdrantIndex should succeed (gRPC is lazy-connect)")
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestNewQdrantIndex(t *testing.T) {
	idx := newTestQdrantIndex(t)
	assert.Equal(t, "test_passages", idx.collection)
	assert.Equal(t, uint64(4), idx.dims)

	_, err := NewQdrantIndex(QdrantConfig{Collection: "x"}, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestQdrantHealthErr_StoreAndLoad(t *testing.T) {
	idx := newTestQdrantIndex(t)
	assert.Nil(t, idx.loadHealthErr())

	idx.storeHealthErr(fmt.Errorf("connection refused"))
	require.EqualError(t, idx.loadHealthErr(), "connection refused")

	idx.storeHealthErr(nil)
	assert.Nil(t, idx.loadHealthErr())
}

func TestQdrantHealthy_CachedResult(t *testing.T) {
	idx := newTestQdrantIndex(t)

	idx.storeHealthErr(nil)
	idx.healthAt.Store(time.Now().UnixNano())
	assert.NoError(t, idx.Healthy(context.Background()), "fresh cached result must not hit the server")

	idx.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: previous failure"))
	idx.healthAt.Store(time.Now().UnixNano())
	err := idx.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous failure")
}

func TestQdrantHealthy_ExpiredCacheConcurrent(t *testing.T) {
	idx := newTestQdrantIndex(t)
	idx.healthAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 10)
	for range 10 {
		go func() { errs <- idx.Healthy(ctx) }()
	}
	for range 10 {
		err := <-errs
		require.Error(t, err)
		assert.Contains(t, err.Error(), "qdrant unhealthy")
	}
}

func TestQdrantEmptyWritesAreNoops(t *testing.T) {
	idx := newTestQdrantIndex(t)
	ctx := context.Background()
	assert.NoError(t, idx.Upsert(ctx, nil))
	assert.NoError(t, idx.DeleteByIDs(ctx, nil))
}

func TestQdrantFailsWithoutServer(t *testing.T) {
	idx := newTestQdrantIndex(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	passages, err := idx.Query(ctx, 1, []float32{1, 0, 0, 0}, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant query")
	assert.Nil(t, passages)

	err = idx.Upsert(ctx, []Point{{ID: 1, KnowledgeID: 1, Content: "c", Embedding: []float32{1, 0, 0, 0}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant upsert 1 points")

	err = idx.DeleteByKnowledge(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant delete knowledge 1")

	assert.Error(t, idx.EnsureCollection(ctx))
}
