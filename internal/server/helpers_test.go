package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/ratelimit"
	"github.com/ownai/ownai/internal/reply"
	"github.com/ownai/ownai/internal/storage"
)

const testChain = `{"_type":"llm_chain","prompt":{"template":"Q: {input_text}","input_variables":["input_text"]},"llm":{"_type":"fake","responses":["hi"]}}`

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	users     map[int64]model.User
	pipelines map[int64]model.Pipeline
	knowledge map[int64]model.Knowledge
	passages  map[int64]model.Passage
	settings  map[string]string
	notified  []*int64
	pingErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[int64]model.User{},
		pipelines: map[int64]model.Pipeline{},
		knowledge: map[int64]model.Knowledge{},
		passages:  map[int64]model.Passage{},
		settings:  map[string]string{},
	}
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) addUser(t *testing.T, username, password string) model.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	u := model.User{ID: s.id(), Username: username, PassHash: hash}
	s.users[u.ID] = u
	return u
}

func (s *fakeStore) addPipeline(name string, public bool) model.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := model.Pipeline{
		ID:        s.id(),
		Name:      name,
		InputKeys: []string{"input_text"},
		Chain:     json.RawMessage(testChain),
		IsPublic:  public,
	}
	s.pipelines[p.ID] = p
	return p
}

func (s *fakeStore) addKnowledge(name string, public bool) model.Knowledge {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := model.Knowledge{ID: s.id(), Name: name, Embeddings: "noop", ChunkSize: 500, IsPublic: public}
	s.knowledge[k.ID] = k
	return k
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) GetUserByUsername(_ context.Context, username string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return model.User{}, storage.ErrNotFound
}

func (s *fakeStore) GetUser(_ context.Context, id int64) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) SetPassword(_ context.Context, id int64, passhash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.PassHash = passhash
	s.users[id] = u
	return nil
}

func settingKey(userID int64, domain, name string) string {
	return fmt.Sprintf("%d/%s/%s", userID, domain, name)
}

func (s *fakeStore) GetSettings(_ context.Context, userID int64, domain string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for _, name := range model.ExternalProviderEnvVars {
		if v, ok := s.settings[settingKey(userID, domain, name)]; ok {
			out[name] = v
		}
	}
	return out, nil
}

func (s *fakeStore) ReplaceSettings(_ context.Context, userID int64, domain string, values map[string]string, allowed []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range allowed {
		if v := values[name]; v != "" {
			s.settings[settingKey(userID, domain, name)] = v
		} else {
			delete(s.settings, settingKey(userID, domain, name))
		}
	}
	return nil
}

func (s *fakeStore) GetPipeline(_ context.Context, id int64) (model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return model.Pipeline{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) ListPipelines(context.Context) ([]model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) CreatePipeline(_ context.Context, p model.Pipeline) (model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pipelines {
		if existing.Name == p.Name {
			return model.Pipeline{}, storage.ErrConflict
		}
	}
	p.ID = s.id()
	p.CreatedAt = time.Now()
	s.pipelines[p.ID] = p
	return p, nil
}

func (s *fakeStore) UpdatePipeline(_ context.Context, p model.Pipeline) (model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; !ok {
		return model.Pipeline{}, storage.ErrNotFound
	}
	s.pipelines[p.ID] = p
	s.notified = append(s.notified, &p.ID)
	return p, nil
}

func (s *fakeStore) DeletePipeline(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.pipelines, id)
	s.notified = append(s.notified, &id)
	return nil
}

func (s *fakeStore) UpsertPipelineByName(_ context.Context, p model.Pipeline) (model.Pipeline, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.pipelines {
		if existing.Name == p.Name {
			p.ID = id
			p.IsPublic = existing.IsPublic
			s.pipelines[id] = p
			return p, false, nil
		}
	}
	p.ID = s.id()
	s.pipelines[p.ID] = p
	return p, true, nil
}

func (s *fakeStore) NotifyPipelineChanged(_ context.Context, id *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, id)
	return nil
}

func (s *fakeStore) CreateKnowledge(_ context.Context, k model.Knowledge) (model.Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.ID = s.id()
	s.knowledge[k.ID] = k
	return k, nil
}

func (s *fakeStore) GetKnowledge(_ context.Context, id int64) (model.Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.knowledge[id]
	if !ok {
		return model.Knowledge{}, storage.ErrNotFound
	}
	return k, nil
}

func (s *fakeStore) ListKnowledge(context.Context) ([]model.Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Knowledge, 0, len(s.knowledge))
	for _, k := range s.knowledge {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) UpdateKnowledge(_ context.Context, k model.Knowledge) (model.Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.knowledge[k.ID]
	if !ok {
		return model.Knowledge{}, storage.ErrNotFound
	}
	existing.Name = k.Name
	existing.ChunkSize = k.ChunkSize
	existing.IsPublic = k.IsPublic
	s.knowledge[k.ID] = existing
	return existing, nil
}

func (s *fakeStore) DeleteKnowledge(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.knowledge[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.knowledge, id)
	return nil
}

func (s *fakeStore) ListPassages(_ context.Context, knowledgeID int64, limit, offset int) ([]model.Passage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.Passage
	for _, p := range s.passages {
		if p.KnowledgeID == knowledgeID {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return []model.Passage{}, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}

func (s *fakeStore) DeletePassage(_ context.Context, knowledgeID, passageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passages[passageID]
	if !ok || p.KnowledgeID != knowledgeID {
		return storage.ErrNotFound
	}
	delete(s.passages, passageID)
	return nil
}

// fakeCache records invalidations.
type fakeCache struct {
	mu          sync.Mutex
	current     *int64
	invalidated []*int64
}

func (c *fakeCache) Invalidate(id *int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, id)
	if c.current == nil || (id != nil && *id != *c.current) {
		return false
	}
	c.current = nil
	return true
}

func (c *fakeCache) Current() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0, false
	}
	return *c.current, true
}

func (c *fakeCache) Rate() float64 { return 0.1 }

func (c *fakeCache) calls() []*int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*int64(nil), c.invalidated...)
}

// fakeReplier streams the words of its answer as tokens.
type fakeReplier struct {
	mu       sync.Mutex
	tokens   []string
	err      error
	progress []int
	requests []reply.Request
}

func (r *fakeReplier) Reply(_ context.Context, req reply.Request, onToken func(string), onProgress func(int)) (string, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	for _, p := range r.progress {
		onProgress(p)
	}
	if r.err != nil {
		return "", r.err
	}
	var out string
	for _, tok := range r.tokens {
		onToken(tok)
		out += tok
	}
	return out, nil
}

func (r *fakeReplier) lastRequest() reply.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

type fakeIngester struct {
	passages int64
	err      error
}

func (f *fakeIngester) Ingest(context.Context, int64, string, string) (int64, error) {
	return f.passages, f.err
}

type testEnv struct {
	store    *fakeStore
	cache    *fakeCache
	replier  *fakeReplier
	ingester *fakeIngester
	jwtMgr   *auth.JWTManager
	handler  http.Handler
	limiter  ratelimit.Limiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithLimiter(t, ratelimit.NoopLimiter{})
}

func newTestEnvWithLimiter(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour, testLogger())
	require.NoError(t, err)

	env := &testEnv{
		store:    newFakeStore(),
		cache:    &fakeCache{},
		replier:  &fakeReplier{tokens: []string{"Hello", " world"}},
		ingester: &fakeIngester{passages: 3},
		jwtMgr:   jwtMgr,
		limiter:  limiter,
	}
	srv := New(ServerConfig{
		DB:          env.store,
		JWTMgr:      jwtMgr,
		Cache:       env.cache,
		Replier:     env.replier,
		Ingester:    env.ingester,
		Limiter:     limiter,
		Logger:      testLogger(),
		Version:     "test",
		Backend:     "goroutine",
		Embeddings:  "noop",
		OpenAPISpec: []byte("openapi: 3.1.0\n"),
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) token(t *testing.T, u model.User) string {
	t.Helper()
	tok, _, err := e.jwtMgr.IssueToken(u)
	require.NoError(t, err)
	return tok
}

// do sends a request through the full middleware chain.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// decodeData unwraps the response envelope into target.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, target))
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr.Error.Code
}
