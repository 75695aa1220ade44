package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Field length limits for pipeline requests.
const (
	MaxPipelineNameLen = 200
	MaxGreetingLen     = 4 * 1024
	MaxChainLen        = 256 * 1024
	MinPasswordLen     = 10
	MaxKnowledgeName   = 200
	MaxChunkSize       = 100_000
	DefaultChunkSize   = 1000
	MaxDocumentBytes   = 10 << 20
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PipelineRequest is the request body for POST /v1/pipelines and
// PUT /v1/pipelines/{id}.
type PipelineRequest struct {
	Name        string            `json:"name"`
	InputKeys   []string          `json:"input_keys"`
	InputLabels map[string]string `json:"input_labels,omitempty"`
	Chain       json.RawMessage   `json:"chain"`
	Greeting    string            `json:"greeting,omitempty"`
	IsPublic    bool              `json:"is_public"`
}

// ValidatePipelineRequest checks the shape of a pipeline request. The chain
// itself is validated by the compiler package.
func ValidatePipelineRequest(r PipelineRequest) error {
	if r.Name == "" {
		return fmt.Errorf("the property \"name\" is required")
	}
	if len(r.Name) > MaxPipelineNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxPipelineNameLen)
	}
	if r.InputKeys == nil {
		return fmt.Errorf("the property \"input_keys\" is required")
	}
	chain := bytes.TrimSpace(r.Chain)
	if len(chain) == 0 || bytes.Equal(chain, []byte("null")) {
		return fmt.Errorf("the property \"chain\" is required")
	}
	if chain[0] != '{' {
		return fmt.Errorf("the property \"chain\" has to be a chain object")
	}
	if len(chain) > MaxChainLen {
		return fmt.Errorf("chain exceeds maximum length of %d bytes", MaxChainLen)
	}
	if len(r.Greeting) > MaxGreetingLen {
		return fmt.Errorf("greeting exceeds maximum length of %d bytes", MaxGreetingLen)
	}
	return nil
}

// KnowledgeRequest is the request body for POST /v1/knowledge and
// PUT /v1/knowledge/{id}. Embeddings is ignored on update.
type KnowledgeRequest struct {
	Name       string `json:"name"`
	Embeddings string `json:"embeddings"`
	ChunkSize  int    `json:"chunk_size"`
	IsPublic   bool   `json:"is_public"`
}

// ValidateKnowledgeRequest checks the shape of a knowledge request.
func ValidateKnowledgeRequest(r KnowledgeRequest) error {
	if r.Name == "" {
		return fmt.Errorf("the property \"name\" is required")
	}
	if len(r.Name) > MaxKnowledgeName {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxKnowledgeName)
	}
	if r.ChunkSize <= 0 || r.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk_size must be between 1 and %d", MaxChunkSize)
	}
	return nil
}

// DocumentRequest is the request body for POST /v1/knowledge/{id}/documents.
// The text is split into passages and embedded.
type DocumentRequest struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// DocumentResponse reports how many passages a document produced.
type DocumentResponse struct {
	KnowledgeID int64 `json:"knowledge_id"`
	Passages    int64 `json:"passages"`
}

// CacheStatus is the response of the cache endpoints.
type CacheStatus struct {
	PipelineID  *int64  `json:"pipeline_id"`
	Rate        float64 `json:"rate"`
	Invalidated bool    `json:"invalidated"`
}

// ChangePasswordRequest is the request body for PUT /v1/settings/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ValidateNewPassword enforces the password policy.
func ValidateNewPassword(pw string) error {
	if len(pw) < MinPasswordLen {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLen)
	}
	return nil
}

// HealthResponse is the response for GET /health.
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
