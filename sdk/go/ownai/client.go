package ownai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for an ownAI client.
type Config struct {
	// BaseURL is the server address, e.g. "http://localhost:8080".
	BaseURL string
	// Username and Password log the client in. Leave both empty for
	// anonymous access, which reaches public pipelines and collections only.
	Username string
	Password string
	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to one ownAI server. It is safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ownai: BaseURL is required")
	}
	if (cfg.Username == "") != (cfg.Password == "") {
		return nil, fmt.Errorf("ownai: Username and Password must be set together")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{baseURL: baseURL, client: httpClient}
	if cfg.Username != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.Username, cfg.Password, httpClient)
	}
	return c, nil
}

// Health reports the server status. It does not authenticate. A degraded
// server answers 503, returned as an *Error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.send(ctx, http.MethodGet, "/health", nil, "", false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPipelines returns the pipelines visible to the caller.
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var out []Pipeline
	if err := c.get(ctx, "/v1/pipelines", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPipeline returns one pipeline.
func (c *Client) GetPipeline(ctx context.Context, id int64) (*Pipeline, error) {
	var out Pipeline
	if err := c.get(ctx, pipelinePath(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePipeline stores a new pipeline.
func (c *Client) CreatePipeline(ctx context.Context, req PipelineRequest) (*Pipeline, error) {
	var out Pipeline
	if err := c.post(ctx, "/v1/pipelines", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePipeline replaces a pipeline. The server drops it from its cache.
func (c *Client) UpdatePipeline(ctx context.Context, id int64, req PipelineRequest) (*Pipeline, error) {
	var out Pipeline
	if err := c.put(ctx, pipelinePath(id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePipeline removes a pipeline.
func (c *Client) DeletePipeline(ctx context.Context, id int64) error {
	return c.doDelete(ctx, pipelinePath(id))
}

// ImportAifile uploads an aifile. A pipeline with the same name is replaced.
// Set isYAML for YAML aifiles.
func (c *Client) ImportAifile(ctx context.Context, data []byte, isYAML bool) (*Pipeline, error) {
	contentType := "application/json"
	if isYAML {
		contentType = "application/yaml"
	}
	var out Pipeline
	if err := c.send(ctx, http.MethodPost, "/v1/pipelines/import", data, contentType, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportAifile downloads a pipeline as an aifile.
func (c *Client) ExportAifile(ctx context.Context, id int64) (*Aifile, error) {
	var out Aifile
	if err := c.get(ctx, pipelinePath(id)+"/aifile", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CacheStatus reports which pipeline the server has compiled.
func (c *Client) CacheStatus(ctx context.Context) (*CacheStatus, error) {
	var out CacheStatus
	if err := c.get(ctx, "/v1/cache", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InvalidateCache drops the compiled pipeline. With a non-nil id it is only
// dropped when it is that pipeline.
func (c *Client) InvalidateCache(ctx context.Context, id *int64) (*CacheStatus, error) {
	path := "/v1/cache/invalidate"
	if id != nil {
		path += "/" + strconv.FormatInt(*id, 10)
	}
	var out CacheStatus
	if err := c.post(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListKnowledge returns the collections visible to the caller.
func (c *Client) ListKnowledge(ctx context.Context) ([]Knowledge, error) {
	var out []Knowledge
	if err := c.get(ctx, "/v1/knowledge", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetKnowledge returns one collection.
func (c *Client) GetKnowledge(ctx context.Context, id int64) (*Knowledge, error) {
	var out Knowledge
	if err := c.get(ctx, knowledgePath(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateKnowledge creates a collection.
func (c *Client) CreateKnowledge(ctx context.Context, req KnowledgeRequest) (*Knowledge, error) {
	var out Knowledge
	if err := c.post(ctx, "/v1/knowledge", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateKnowledge renames a collection or changes its chunk size or
// visibility. Existing passages are not re-split.
func (c *Client) UpdateKnowledge(ctx context.Context, id int64, req KnowledgeRequest) (*Knowledge, error) {
	var out Knowledge
	if err := c.put(ctx, knowledgePath(id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteKnowledge removes a collection and its passages.
func (c *Client) DeleteKnowledge(ctx context.Context, id int64) error {
	return c.doDelete(ctx, knowledgePath(id))
}

// ListDocuments returns the passages stored in a collection.
func (c *Client) ListDocuments(ctx context.Context, knowledgeID int64) ([]Passage, error) {
	var out []Passage
	if err := c.get(ctx, knowledgePath(knowledgeID)+"/documents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddDocument splits, embeds and stores a text in a collection.
func (c *Client) AddDocument(ctx context.Context, knowledgeID int64, req DocumentRequest) (*DocumentResponse, error) {
	var out DocumentResponse
	if err := c.post(ctx, knowledgePath(knowledgeID)+"/documents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDocument removes one passage.
func (c *Client) DeleteDocument(ctx context.Context, knowledgeID, passageID int64) error {
	return c.doDelete(ctx, knowledgePath(knowledgeID)+"/documents/"+strconv.FormatInt(passageID, 10))
}

// ExternalProviders returns the caller's provider keys; unset keys are "".
func (c *Client) ExternalProviders(ctx context.Context) (ExternalProviders, error) {
	var out ExternalProviders
	if err := c.get(ctx, "/v1/settings/external-providers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetExternalProviders replaces the caller's provider keys. Blank values
// clear a key.
func (c *Client) SetExternalProviders(ctx context.Context, values ExternalProviders) (ExternalProviders, error) {
	var out ExternalProviders
	if err := c.put(ctx, "/v1/settings/external-providers", values, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangePassword changes the caller's password. The client keeps using the
// new password for later logins.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	body := map[string]string{"current_password": current, "new_password": next}
	if err := c.put(ctx, "/v1/settings/password", body, nil); err != nil {
		return err
	}
	if c.tokenMgr != nil {
		c.tokenMgr.mu.Lock()
		c.tokenMgr.password = next
		c.tokenMgr.mu.Unlock()
	}
	return nil
}

func pipelinePath(id int64) string {
	return "/v1/pipelines/" + strconv.FormatInt(id, 10)
}

func knowledgePath(id int64) string {
	return "/v1/knowledge/" + strconv.FormatInt(id, 10)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.send(ctx, http.MethodGet, path, nil, "", true, dest)
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.sendJSON(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	return c.sendJSON(ctx, http.MethodPut, path, body, dest)
}

func (c *Client) doDelete(ctx context.Context, path string) error {
	return c.send(ctx, http.MethodDelete, path, nil, "", true, nil)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body any, dest any) error {
	if body == nil {
		return c.send(ctx, method, path, nil, "", true, dest)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ownai: marshal request body: %w", err)
	}
	return c.send(ctx, method, path, encoded, "application/json", true, dest)
}

// send performs one request. When auth is set and the client has
// credentials, a bearer token is attached; a 401 drops the cached token and
// retries once with a fresh login.
func (c *Client) send(ctx context.Context, method, path string, body []byte, contentType string, auth bool, dest any) error {
	err := c.sendOnce(ctx, method, path, body, contentType, auth, dest)
	if auth && c.tokenMgr != nil && IsUnauthorized(err) {
		c.tokenMgr.reset()
		err = c.sendOnce(ctx, method, path, body, contentType, auth, dest)
	}
	return err
}

func (c *Client) sendOnce(ctx context.Context, method, path string, body []byte, contentType string, auth bool, dest any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("ownai: create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth {
		if err := c.authorize(ctx, req.Header); err != nil {
			return err
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ownai: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

// authorize sets the Authorization header when the client has credentials.
func (c *Client) authorize(ctx context.Context, h http.Header) error {
	if c.tokenMgr == nil {
		return nil
	}
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ownai: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("ownai: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		// Not every body is wrapped.
		return json.Unmarshal(bodyBytes, dest)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("ownai: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}

	return apiErr
}
