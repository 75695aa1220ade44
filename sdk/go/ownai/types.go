package ownai

import (
	"encoding/json"
	"time"
)

// Pipeline is a stored AI pipeline.
type Pipeline struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	InputKeys   []string          `json:"input_keys"`
	InputLabels map[string]string `json:"input_labels,omitempty"`
	Chain       json.RawMessage   `json:"chain"`
	Greeting    string            `json:"greeting,omitempty"`
	IsPublic    bool              `json:"is_public"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PipelineRequest creates or replaces a pipeline.
type PipelineRequest struct {
	Name        string            `json:"name"`
	InputKeys   []string          `json:"input_keys"`
	InputLabels map[string]string `json:"input_labels,omitempty"`
	Chain       json.RawMessage   `json:"chain"`
	Greeting    string            `json:"greeting,omitempty"`
	IsPublic    bool              `json:"is_public"`
}

// Aifile is the portable pipeline file format.
type Aifile struct {
	Name          string            `json:"name"`
	AifileVersion int               `json:"aifileversion"`
	Chain         json.RawMessage   `json:"chain"`
	Greeting      string            `json:"greeting,omitempty"`
	InputLabels   map[string]string `json:"input_labels,omitempty"`
}

// Knowledge is a collection of embedded passages.
type Knowledge struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Embeddings string    `json:"embeddings"`
	ChunkSize  int       `json:"chunk_size"`
	IsPublic   bool      `json:"is_public"`
	CreatedAt  time.Time `json:"created_at"`
}

// KnowledgeRequest creates or updates a collection. An empty Embeddings
// selects the server's provider; it cannot be changed after creation.
type KnowledgeRequest struct {
	Name       string `json:"name"`
	Embeddings string `json:"embeddings,omitempty"`
	ChunkSize  int    `json:"chunk_size"`
	IsPublic   bool   `json:"is_public"`
}

// Passage is one stored chunk of a document.
type Passage struct {
	ID          int64  `json:"id"`
	KnowledgeID int64  `json:"knowledge_id"`
	Content     string `json:"content"`
	Source      string `json:"source,omitempty"`
}

// DocumentRequest adds a document to a collection.
type DocumentRequest struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// DocumentResponse reports how many passages a document produced.
type DocumentResponse struct {
	KnowledgeID int64 `json:"knowledge_id"`
	Passages    int64 `json:"passages"`
}

// CacheStatus describes the server's compiled pipeline cache.
type CacheStatus struct {
	PipelineID  *int64  `json:"pipeline_id"`
	Rate        float64 `json:"rate"`
	Invalidated bool    `json:"invalidated"`
}

// ExternalProviders holds the user's API keys for hosted model providers.
type ExternalProviders map[string]string

// HealthResponse is the server health report.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Postgres       string `json:"postgres"`
	Qdrant         string `json:"qdrant,omitempty"`
	Broker         string `json:"broker,omitempty"`
	Backend        string `json:"execution_backend"`
	CachedPipeline *int64 `json:"cached_pipeline,omitempty"`
	Uptime         int64  `json:"uptime_seconds"`
}

// Author species in chat history.
const (
	SpeciesHuman = "human"
	SpeciesAI    = "ai"
)

// HistoryEntry is one earlier turn of a conversation.
type HistoryEntry struct {
	Species string
	Text    string
}

// ChatRequest asks a pipeline for one reply.
type ChatRequest struct {
	PipelineID  int64
	KnowledgeID *int64
	Text        string
	History     []HistoryEntry
}

// ChatCallbacks receive streamed reply events. Both are optional.
type ChatCallbacks struct {
	OnToken    func(text string)
	OnProgress func(percent int)
}

// Wire shapes of the chat socket.
type (
	chatAuthor struct {
		Species string `json:"species"`
	}

	chatHistoryEntry struct {
		Author chatAuthor `json:"author"`
		Text   string     `json:"text"`
	}

	chatMessage struct {
		Text string `json:"text"`
	}

	chatFrameOut struct {
		Type        string             `json:"type"`
		ResponseID  int64              `json:"responseId"`
		AIID        int64              `json:"aiId"`
		KnowledgeID *int64             `json:"knowledgeId,omitempty"`
		Message     chatMessage        `json:"message"`
		History     []chatHistoryEntry `json:"history,omitempty"`
	}

	// chatFrameIn is the union of the token, progress and message frames.
	chatFrameIn struct {
		Type      string `json:"type"`
		MessageID int64  `json:"messageId"`
		ID        int64  `json:"id"`
		Text      string `json:"text"`
		Percent   int    `json:"percent"`
		Status    string `json:"status"`
	}
)

// responseID returns the reply id a frame refers to.
func (f chatFrameIn) responseID() int64 {
	if f.Type == "message" {
		return f.ID
	}
	return f.MessageID
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
