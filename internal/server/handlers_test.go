package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/service/knowledge"
)

func TestAuthToken(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(t, "ada", "correct horse battery")

	rec := env.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{Username: "ada", Password: "correct horse battery"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp model.AuthTokenResponse
	decodeData(t, rec, &resp)
	claims, err := env.jwtMgr.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "ada", claims.Username)

	rec = env.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{Username: "ada", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{Username: "nobody", Password: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	id := int64(7)
	env.cache.current = &id

	rec := env.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.HealthResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "goroutine", resp.Backend)
	require.NotNil(t, resp.CachedPipeline)
	assert.Equal(t, int64(7), *resp.CachedPipeline)

	env.store.pingErr = errors.New("down")
	rec = env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOpenAPISpecIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "openapi: 3.1.0\n", rec.Body.String())
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/v1/pipelines", "/v1/knowledge", "/v1/cache", "/v1/settings/external-providers"} {
		rec := env.do(t, "GET", path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := env.do(t, "GET", "/v1/pipelines", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestPipelineCRUD(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))

	req := model.PipelineRequest{
		Name:      "Helper",
		InputKeys: []string{"input_text"},
		Chain:     []byte(testChain),
		IsPublic:  true,
	}
	rec := env.do(t, "POST", "/v1/pipelines", tok, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created model.Pipeline
	decodeData(t, rec, &created)
	assert.Equal(t, "Helper", created.Name)
	assert.True(t, created.IsPublic)

	rec = env.do(t, "GET", fmt.Sprintf("/v1/pipelines/%d", created.ID), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/v1/pipelines", tok, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req.Greeting = "Hi!"
	rec = env.do(t, "PUT", fmt.Sprintf("/v1/pipelines/%d", created.ID), tok, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated model.Pipeline
	decodeData(t, rec, &updated)
	assert.Equal(t, "Hi!", updated.Greeting)

	rec = env.do(t, "DELETE", fmt.Sprintf("/v1/pipelines/%d", created.ID), tok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, "GET", fmt.Sprintf("/v1/pipelines/%d", created.ID), tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Update and delete each drop the cached build.
	calls := env.cache.calls()
	require.Len(t, calls, 2)
	for _, id := range calls {
		require.NotNil(t, id)
		assert.Equal(t, created.ID, *id)
	}
}

func TestCreatePipelineValidation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))

	tests := []struct {
		name string
		req  model.PipelineRequest
		want string
	}{
		{"missing name", model.PipelineRequest{InputKeys: []string{}, Chain: []byte(testChain)}, "name"},
		{"missing chain", model.PipelineRequest{Name: "x", InputKeys: []string{}}, "chain"},
		{"unknown chain type", model.PipelineRequest{Name: "x", InputKeys: []string{}, Chain: []byte(`{"_type":"nope"}`)}, "chain"},
		{"unknown input key", model.PipelineRequest{Name: "x", InputKeys: []string{"input_money"}, Chain: []byte(testChain)}, "unknown input key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/v1/pipelines", tok, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}

	rec := env.do(t, "POST", "/v1/pipelines", tok, `{"name":"x","surprise":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/v1/pipelines/abc", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportAndExportAifile(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))

	aifile := `{"name":"Imported","aifileversion":1,"chain":` + testChain + `,"greeting":"Hello"}`
	rec := env.do(t, "POST", "/v1/pipelines/import", tok, aifile)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p model.Pipeline
	decodeData(t, rec, &p)
	assert.Equal(t, []string{"input_text"}, p.InputKeys)
	assert.Equal(t, "Hello", p.Greeting)

	// Importing the same name replaces the pipeline.
	rec = env.do(t, "POST", "/v1/pipelines/import", tok, aifile)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", fmt.Sprintf("/v1/pipelines/%d/aifile", p.ID), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "Imported.aifile")
	var exported struct {
		Name          string `json:"name"`
		AifileVersion int    `json:"aifileversion"`
	}
	decodeData(t, rec, &exported)
	assert.Equal(t, "Imported", exported.Name)
	assert.Equal(t, 1, exported.AifileVersion)

	rec = env.do(t, "POST", "/v1/pipelines/import", tok, `{"name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing field")
}

func TestCacheEndpoints(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))
	id := int64(3)
	env.cache.current = &id

	rec := env.do(t, "GET", "/v1/cache", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status model.CacheStatus
	decodeData(t, rec, &status)
	require.NotNil(t, status.PipelineID)
	assert.Equal(t, int64(3), *status.PipelineID)

	rec = env.do(t, "POST", "/v1/cache/invalidate/4", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &status)
	assert.False(t, status.Invalidated)

	rec = env.do(t, "POST", "/v1/cache/invalidate", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &status)
	assert.True(t, status.Invalidated)
	assert.Nil(t, status.PipelineID)

	// Both invalidations were announced to other instances.
	require.Len(t, env.store.notified, 2)
	assert.Equal(t, int64(4), *env.store.notified[0])
	assert.Nil(t, env.store.notified[1])
}

func TestKnowledgeCRUD(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))

	rec := env.do(t, "POST", "/v1/knowledge", tok, model.KnowledgeRequest{Name: "Docs", ChunkSize: 400})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var k model.Knowledge
	decodeData(t, rec, &k)
	assert.Equal(t, "noop", k.Embeddings)

	rec = env.do(t, "PUT", fmt.Sprintf("/v1/knowledge/%d", k.ID), tok,
		model.KnowledgeRequest{Name: "Docs v2", Embeddings: "openai", ChunkSize: 800, IsPublic: true})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &k)
	assert.Equal(t, "Docs v2", k.Name)
	assert.Equal(t, "noop", k.Embeddings, "provider is fixed at creation")
	assert.True(t, k.IsPublic)

	rec = env.do(t, "POST", "/v1/knowledge", tok, model.KnowledgeRequest{Name: "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/v1/knowledge", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = env.do(t, "DELETE", fmt.Sprintf("/v1/knowledge/%d", k.ID), tok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, "DELETE", fmt.Sprintf("/v1/knowledge/%d", k.ID), tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocuments(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))
	k := env.store.addKnowledge("Docs", false)
	env.store.passages[100] = model.Passage{ID: 100, KnowledgeID: k.ID, Content: "one"}
	env.store.passages[101] = model.Passage{ID: 101, KnowledgeID: k.ID, Content: "two"}

	rec := env.do(t, "POST", fmt.Sprintf("/v1/knowledge/%d/documents", k.ID), tok,
		model.DocumentRequest{Source: "notes.txt", Text: "some text"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc model.DocumentResponse
	decodeData(t, rec, &doc)
	assert.Equal(t, int64(3), doc.Passages)

	rec = env.do(t, "POST", fmt.Sprintf("/v1/knowledge/%d/documents", k.ID), tok, model.DocumentRequest{Text: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.ingester.err = fmt.Errorf("%w: collection uses \"openai\"", knowledge.ErrProviderMismatch)
	rec = env.do(t, "POST", fmt.Sprintf("/v1/knowledge/%d/documents", k.ID), tok, model.DocumentRequest{Text: "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, "GET", fmt.Sprintf("/v1/knowledge/%d/documents?limit=1&offset=1", k.ID), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var passages []model.Passage
	decodeData(t, rec, &passages)
	require.Len(t, passages, 1)
	assert.Equal(t, "two", passages[0].Content)

	rec = env.do(t, "DELETE", fmt.Sprintf("/v1/knowledge/%d/documents/100", k.ID), tok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, "DELETE", fmt.Sprintf("/v1/knowledge/%d/documents/100", k.ID), tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExternalProviderSettings(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))

	rec := env.do(t, "PUT", "/v1/settings/external-providers", tok, map[string]string{"OPENAI_API_KEY": "sk-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got map[string]string
	decodeData(t, rec, &got)
	assert.Equal(t, "sk-1", got["OPENAI_API_KEY"])
	assert.Contains(t, got, "COHERE_API_KEY")
	assert.Len(t, got, len(model.ExternalProviderEnvVars))

	// Credentials feed pipeline builds, so the cache is dropped.
	calls := env.cache.calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0])

	rec = env.do(t, "PUT", "/v1/settings/external-providers", tok, map[string]string{"PATH": "/tmp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown setting")
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	u := env.store.addUser(t, "ada", "correct horse battery")
	tok := env.token(t, u)

	rec := env.do(t, "PUT", "/v1/settings/password", tok,
		model.ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "a much longer one"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, "PUT", "/v1/settings/password", tok,
		model.ChangePasswordRequest{CurrentPassword: "correct horse battery", NewPassword: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "PUT", "/v1/settings/password", tok,
		model.ChangePasswordRequest{CurrentPassword: "correct horse battery", NewPassword: "a much longer one"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	ok, err := auth.VerifyPassword("a much longer one", env.store.users[u.ID].PassHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequestBodyLimit(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))

	big := `{"name":"` + strings.Repeat("x", 2<<20) + `"}`
	rec := env.do(t, "POST", "/v1/pipelines", tok, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeErrorCode(t, rec))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	env := &testEnv{handler: h}
	rec := env.do(t, "GET", "/x", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, model.ErrCodeInternalError, decodeErrorCode(t, rec))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		target  string
		header  string
		want    string
		wantErr bool
	}{
		{"header", "GET", "/v1/chat", "Bearer abc", "abc", false},
		{"lowercase scheme", "POST", "/v1/pipelines", "bearer abc", "abc", false},
		{"basic scheme", "GET", "/v1/chat", "Basic abc", "", true},
		{"query on get", "GET", "/v1/chat?access_token=q", "", "q", false},
		{"query ignored on post", "POST", "/v1/pipelines?access_token=q", "", "", false},
		{"none", "GET", "/v1/chat", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, "http://example.test"+tt.target, nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := bearerToken(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
