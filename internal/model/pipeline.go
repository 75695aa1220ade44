package model

import (
	"encoding/json"
	"time"
)

// Pipeline is a stored pipeline definition ("AI" in the user interface).
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

// Knowledge is a named collection of embedded passages used for retrieval.
type Knowledge struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Embeddings string    `json:"embeddings"`
	ChunkSize  int       `json:"chunk_size"`
	IsPublic   bool      `json:"is_public"`
	CreatedAt  time.Time `json:"created_at"`
}

// Passage is one retrievable chunk of a knowledge collection.
type Passage struct {
	ID          int64   `json:"id"`
	KnowledgeID int64   `json:"knowledge_id"`
	Content     string  `json:"content"`
	Source      string  `json:"source,omitempty"`
	Score       float32 `json:"score,omitempty"`
}
