package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golang-jwt/jwt/v5"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/ctxutil"
	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/reply"
	"github.com/ownai/ownai/internal/storage"
)

type fakeStore struct {
	pipelines   []model.Pipeline
	knowledge   []model.Knowledge
	settings    map[int64]map[string]string
	err         error
	settingsErr error
}

func (f *fakeStore) GetSettings(_ context.Context, userID int64, domain string) (map[string]string, error) {
	if f.settingsErr != nil {
		return nil, f.settingsErr
	}
	if domain != model.SettingsExternalProviders {
		return nil, fmt.Errorf("unexpected settings domain %q", domain)
	}
	return f.settings[userID], nil
}

func (f *fakeStore) GetPipeline(_ context.Context, id int64) (model.Pipeline, error) {
	for _, p := range f.pipelines {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Pipeline{}, storage.ErrNotFound
}

func (f *fakeStore) ListPipelines(context.Context) ([]model.Pipeline, error) {
	return f.pipelines, f.err
}

func (f *fakeStore) ListKnowledge(context.Context) ([]model.Knowledge, error) {
	return f.knowledge, f.err
}

type fakeReplier struct {
	mu       sync.Mutex
	requests []reply.Request
	answer   string
	err      error
}

func (f *fakeReplier) Reply(_ context.Context, req reply.Request, onToken func(string), onProgress func(int)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	// Callbacks must be safe to call even though nothing streams.
	onProgress(50)
	onToken(f.answer)
	return f.answer, f.err
}

func newTestServer() (*Server, *fakeStore, *fakeReplier) {
	store := &fakeStore{
		pipelines: []model.Pipeline{
			{
				ID:          1,
				Name:        "Helper",
				InputKeys:   []string{"input_text"},
				InputLabels: map[string]string{"input_text": "Question"},
				Chain:       json.RawMessage(`{"_type":"llm_chain"}`),
				Greeting:    "Hi, I help.",
				IsPublic:    true,
			},
			{ID: 2, Name: "Private", InputKeys: []string{"input_text", "context"}},
		},
		knowledge: []model.Knowledge{{ID: 7, Name: "Docs", Embeddings: "noop", ChunkSize: 1000}},
	}
	replier := &fakeReplier{answer: "Hello world"}
	return New(store, replier, slog.New(slog.DiscardHandler), "test"), store, replier
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestNewRegistersTools(t *testing.T) {
	s, _, _ := newTestServer()
	require.NotNil(t, s.MCPServer())

	tools := s.MCPServer().ListTools()
	for _, name := range []string{"ownai_reply", "ownai_list_pipelines", "ownai_list_knowledge"} {
		assert.Contains(t, tools, name)
	}
}

func TestHandleReply(t *testing.T) {
	s, _, replier := newTestServer()

	result, err := s.handleReply(context.Background(), toolRequest("ownai_reply", map[string]any{
		"pipeline_id":  float64(1),
		"text":         "  What is ownAI?  ",
		"knowledge_id": float64(7),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "Hello world", parseToolText(t, result))

	require.Len(t, replier.requests, 1)
	req := replier.requests[0]
	assert.Equal(t, int64(1), req.PipelineID)
	assert.Equal(t, "What is ownAI?", req.Text)
	require.NotNil(t, req.KnowledgeID)
	assert.Equal(t, int64(7), *req.KnowledgeID)
	assert.Nil(t, req.Memory)
	assert.Nil(t, req.Overlay)
}

func TestHandleReplyAppliesCallerOverlay(t *testing.T) {
	s, store, replier := newTestServer()
	store.settings = map[int64]map[string]string{9: {"OPENAI_API_KEY": "sk-user"}}

	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "9"}, Username: "ada"}
	ctx := ctxutil.WithClaims(context.Background(), claims)

	result, err := s.handleReply(ctx, toolRequest("ownai_reply", map[string]any{
		"pipeline_id": float64(1),
		"text":        "Hi",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, replier.requests, 1)
	assert.Equal(t, map[string]string{"OPENAI_API_KEY": "sk-user"}, replier.requests[0].Overlay)

	store.settingsErr = errors.New("db down")
	result, err = s.handleReply(ctx, toolRequest("ownai_reply", map[string]any{
		"pipeline_id": float64(1),
		"text":        "Hi",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Len(t, replier.requests, 1, "no reply without the caller's settings")
}

func TestHandleReplyWithoutKnowledge(t *testing.T) {
	s, _, replier := newTestServer()

	result, err := s.handleReply(context.Background(), toolRequest("ownai_reply", map[string]any{
		"pipeline_id": float64(2),
		"text":        "Hi",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, replier.requests, 1)
	assert.Nil(t, replier.requests[0].KnowledgeID)
}

func TestHandleReplyValidation(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing pipeline", map[string]any{"text": "Hi"}},
		{"zero pipeline", map[string]any{"pipeline_id": float64(0), "text": "Hi"}},
		{"missing text", map[string]any{"pipeline_id": float64(1)}},
		{"blank text", map[string]any{"pipeline_id": float64(1), "text": "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, replier := newTestServer()
			result, err := s.handleReply(context.Background(), toolRequest("ownai_reply", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), "required")
			assert.Empty(t, replier.requests)
		})
	}
}

func TestHandleReplyFailure(t *testing.T) {
	s, _, replier := newTestServer()
	replier.err = errors.New("model exploded")

	result, err := s.handleReply(context.Background(), toolRequest("ownai_reply", map[string]any{
		"pipeline_id": float64(1),
		"text":        "Hi",
	}))
	require.NoError(t, err, "tool failures are reported in the result, not as protocol errors")
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "model exploded")
}

func TestHandleListPipelines(t *testing.T) {
	s, _, _ := newTestServer()

	result, err := s.handleListPipelines(context.Background(), toolRequest("ownai_list_pipelines", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Pipelines []map[string]any `json:"pipelines"`
		Total     int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &body))
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Pipelines, 2)
	assert.Equal(t, "Helper", body.Pipelines[0]["name"])
	assert.Equal(t, "Hi, I help.", body.Pipelines[0]["greeting"])
	assert.NotContains(t, body.Pipelines[0], "chain", "chain definitions are only served as aifile resources")
}

func TestHandleListPipelinesStoreError(t *testing.T) {
	s, store, _ := newTestServer()
	store.err = fmt.Errorf("connection refused")

	result, err := s.handleListPipelines(context.Background(), toolRequest("ownai_list_pipelines", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "connection refused")
}

func TestHandleListKnowledge(t *testing.T) {
	s, _, _ := newTestServer()

	result, err := s.handleListKnowledge(context.Background(), toolRequest("ownai_list_knowledge", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Knowledge []model.Knowledge `json:"knowledge"`
		Total     int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "Docs", body.Knowledge[0].Name)
}
