package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ownai/ownai/internal/memory"
	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/ratelimit"
)

// chatFrame is the union of the frames the server sends.
type chatFrame struct {
	Type      string     `json:"type"`
	MessageID int64      `json:"messageId"`
	ID        int64      `json:"id"`
	Text      string     `json:"text"`
	Percent   int        `json:"percent"`
	Status    string     `json:"status"`
	Date      string     `json:"date"`
	Author    chatAuthor `json:"author"`
}

func dialChat(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat"
	if token != "" {
		url += "?access_token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntilMessage collects frames until the final message frame for id.
func readUntilMessage(t *testing.T, conn *websocket.Conn) []chatFrame {
	t.Helper()
	var frames []chatFrame
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var f chatFrame
		require.NoError(t, conn.ReadJSON(&f))
		frames = append(frames, f)
		if f.Type == frameMessage {
			return frames
		}
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, req map[string]any) {
	t.Helper()
	req["type"] = "message"
	require.NoError(t, conn.WriteJSON(req))
}

func TestChatStreamsReply(t *testing.T) {
	env := newTestEnv(t)
	env.replier.progress = []int{10, 50}
	u := env.store.addUser(t, "ada", "correct horse battery")
	p := env.store.addPipeline("Helper", false)
	require.NoError(t, env.store.ReplaceSettings(t.Context(), u.ID, model.SettingsExternalProviders,
		map[string]string{"OPENAI_API_KEY": "sk-user"}, model.ExternalProviderEnvVars))

	conn := dialChat(t, env, env.token(t, u))
	sendMessage(t, conn, map[string]any{
		"responseId": 42,
		"aiId":       p.ID,
		"message":    map[string]any{"text": "Hi"},
		"history": []map[string]any{
			{"author": map[string]any{"species": "human"}, "text": "Earlier"},
			{"author": map[string]any{"species": "ai"}, "text": "Answer"},
		},
	})

	frames := readUntilMessage(t, conn)
	require.Len(t, frames, 5)
	assert.Equal(t, chatFrame{Type: frameProgress, MessageID: 42, Percent: 10}, frames[0])
	assert.Equal(t, chatFrame{Type: frameProgress, MessageID: 42, Percent: 50}, frames[1])
	assert.Equal(t, chatFrame{Type: frameToken, MessageID: 42, Text: "Hello"}, frames[2])
	assert.Equal(t, chatFrame{Type: frameToken, MessageID: 42, Text: " world"}, frames[3])

	final := frames[4]
	assert.Equal(t, int64(42), final.ID)
	assert.Equal(t, "Hello world", final.Text)
	assert.Equal(t, statusDone, final.Status)
	assert.Equal(t, "ai", final.Author.Species)
	_, err := time.Parse(time.RFC3339, final.Date)
	assert.NoError(t, err)

	req := env.replier.lastRequest()
	assert.Equal(t, p.ID, req.PipelineID)
	assert.Equal(t, "Hi", req.Text)
	assert.Nil(t, req.KnowledgeID)
	assert.Equal(t, "sk-user", req.Overlay["OPENAI_API_KEY"])
	require.True(t, req.Memory.HasHistory())
	assert.Equal(t, memory.AuthorAI, req.Memory.Turns[1].Author)
}

func TestChatReportsErrorsAndStaysOpen(t *testing.T) {
	env := newTestEnv(t)
	env.replier.err = errors.New("model exploded")
	u := env.store.addUser(t, "ada", "correct horse battery")
	p := env.store.addPipeline("Helper", false)

	conn := dialChat(t, env, env.token(t, u))
	sendMessage(t, conn, map[string]any{"responseId": 1, "aiId": p.ID, "message": map[string]any{"text": "Hi"}})
	frames := readUntilMessage(t, conn)
	final := frames[len(frames)-1]
	assert.Equal(t, statusError, final.Status)
	assert.Contains(t, final.Text, "model exploded")

	env.replier.mu.Lock()
	env.replier.err = nil
	env.replier.mu.Unlock()
	sendMessage(t, conn, map[string]any{"responseId": 2, "aiId": p.ID, "message": map[string]any{"text": "Again"}})
	frames = readUntilMessage(t, conn)
	assert.Equal(t, statusDone, frames[len(frames)-1].Status)
}

func TestChatAnonymousAccess(t *testing.T) {
	env := newTestEnv(t)
	public := env.store.addPipeline("Public", true)
	private := env.store.addPipeline("Private", false)
	publicDocs := env.store.addKnowledge("Open", true)
	privateDocs := env.store.addKnowledge("Closed", false)

	conn := dialChat(t, env, "")

	tests := []struct {
		name        string
		pipelineID  int64
		knowledgeID *int64
		wantStatus  string
	}{
		{"public pipeline", public.ID, nil, statusDone},
		{"public pipeline and knowledge", public.ID, &publicDocs.ID, statusDone},
		{"private pipeline", private.ID, nil, statusError},
		{"private knowledge", public.ID, &privateDocs.ID, statusError},
		{"missing pipeline", 999, nil, statusError},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := map[string]any{"responseId": i, "aiId": tt.pipelineID, "message": map[string]any{"text": "Hi"}}
			if tt.knowledgeID != nil {
				msg["knowledgeId"] = *tt.knowledgeID
			}
			sendMessage(t, conn, msg)
			frames := readUntilMessage(t, conn)
			final := frames[len(frames)-1]
			assert.Equal(t, tt.wantStatus, final.Status, final.Text)
			if tt.wantStatus == statusError {
				assert.Contains(t, final.Text, "not found")
			}
		})
	}

	// Anonymous replies never carry provider credentials.
	assert.Nil(t, env.replier.lastRequest().Overlay)
}

func TestChatRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnvWithLimiter(t, limiter)
	u := env.store.addUser(t, "ada", "correct horse battery")
	p := env.store.addPipeline("Helper", false)

	conn := dialChat(t, env, env.token(t, u))
	sendMessage(t, conn, map[string]any{"responseId": 1, "aiId": p.ID, "message": map[string]any{"text": "one"}})
	frames := readUntilMessage(t, conn)
	assert.Equal(t, statusDone, frames[len(frames)-1].Status)

	sendMessage(t, conn, map[string]any{"responseId": 2, "aiId": p.ID, "message": map[string]any{"text": "two"}})
	frames = readUntilMessage(t, conn)
	final := frames[len(frames)-1]
	assert.Equal(t, statusError, final.Status)
	assert.Contains(t, final.Text, "too many messages")
}

func TestChatRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat?access_token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationFromHistory(t *testing.T) {
	assert.Nil(t, conversation(nil))

	c := conversation([]chatHistoryEntry{
		{Author: chatAuthor{Species: "human"}, Text: "Hi"},
		{Author: chatAuthor{Species: "AI"}, Text: "Hello"},
	})
	assert.Equal(t, "Human: Hi\nAI: Hello", c.Format())
}
