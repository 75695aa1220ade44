package chain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
)

// Model generates a completion for a prompt, calling onToken for every
// fragment as it arrives. The returned text is the full completion.
type Model interface {
	Generate(ctx context.Context, prompt string, onToken func(string)) (string, error)
}

// Environment variables read at compile time. They are set per caller by
// the secret overlay around compilation.
const (
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvOpenAIBase   = "OPENAI_API_BASE"
	EnvTGIToken     = "TEXT_GENERATION_INFERENCE_TOKEN"
	EnvOllamaURL    = "OLLAMA_URL"
)

// maxErrorBody bounds how much of a failed response body is quoted in errors.
const maxErrorBody = 1024

// newModel builds the model for spec. Credentials are read from the process
// environment here and captured in the returned model.
func newModel(spec ModelSpec, client *http.Client) (Model, error) {
	switch spec.Type {
	case ModelFake:
		if len(spec.Responses) == 0 {
			return nil, configErrorf("fake llm requires responses")
		}
		return &fakeModel{responses: spec.Responses}, nil

	case ModelOllama:
		if spec.Model == "" {
			return nil, configErrorf("ollama llm requires a model")
		}
		base := spec.BaseURL
		if base == "" {
			base = os.Getenv(EnvOllamaURL)
		}
		if base == "" {
			base = "http://localhost:11434"
		}
		return &ollamaModel{baseURL: strings.TrimRight(base, "/"), spec: spec, client: client}, nil

	case ModelOpenAI:
		apiKey := os.Getenv(EnvOpenAIAPIKey)
		if apiKey == "" {
			return nil, configErrorf("openai llm requires %s", EnvOpenAIAPIKey)
		}
		base := spec.BaseURL
		if base == "" {
			base = os.Getenv(EnvOpenAIBase)
		}
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		model := spec.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		spec.Model = model
		return &openAIModel{baseURL: strings.TrimRight(base, "/"), apiKey: apiKey, spec: spec, client: client}, nil

	case ModelHFTextGen:
		if spec.BaseURL == "" {
			return nil, configErrorf("huggingface_textgen llm requires base_url")
		}
		return &tgiModel{
			baseURL: strings.TrimRight(spec.BaseURL, "/"),
			token:   os.Getenv(EnvTGIToken),
			spec:    spec,
			client:  client,
		}, nil
	}
	return nil, configErrorf("unsupported model type %q", spec.Type)
}

// fakeModel replays scripted responses in order, cycling when exhausted.
// Each response is streamed word by word.
type fakeModel struct {
	responses []string
	next      atomic.Int64
}

func (m *fakeModel) Generate(ctx context.Context, _ string, onToken func(string)) (string, error) {
	i := m.next.Add(1) - 1
	resp := m.responses[int(i)%len(m.responses)]
	for _, tok := range strings.SplitAfter(resp, " ") {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if tok != "" {
			onToken(tok)
		}
	}
	return resp, nil
}

// ollamaModel streams from Ollama's /api/generate endpoint (NDJSON).
type ollamaModel struct {
	baseURL string
	spec    ModelSpec
	client  *http.Client
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func (m *ollamaModel) Generate(ctx context.Context, prompt string, onToken func(string)) (string, error) {
	opts := map[string]any{}
	if m.spec.Temperature != nil {
		opts["temperature"] = *m.spec.Temperature
	}
	if m.spec.MaxNewTokens > 0 {
		opts["num_predict"] = m.spec.MaxNewTokens
	}
	if len(m.spec.Stop) > 0 {
		opts["stop"] = m.spec.Stop
	}
	body, err := json.Marshal(ollamaGenerateRequest{Model: m.spec.Model, Prompt: prompt, Stream: true, Options: opts})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	resp, err := postJSON(ctx, m.client, m.baseURL+"/api/generate", body, nil)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaGenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("ollama: decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Response != "" {
			out.WriteString(chunk.Response)
			onToken(chunk.Response)
		}
		if chunk.Done {
			return out.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("ollama: read stream: %w", err)
	}
	return "", fmt.Errorf("ollama: stream ended before done")
}

// openAIModel streams chat completions (server-sent events).
type openAIModel struct {
	baseURL string
	apiKey  string
	spec    ModelSpec
	client  *http.Client
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Stream      bool                `json:"stream"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
}

type openAIChatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (m *openAIModel) Generate(ctx context.Context, prompt string, onToken func(string)) (string, error) {
	body, err := json.Marshal(openAIChatRequest{
		Model:       m.spec.Model,
		Messages:    []openAIChatMessage{{Role: "user", Content: prompt}},
		Stream:      true,
		Temperature: m.spec.Temperature,
		MaxTokens:   m.spec.MaxNewTokens,
		Stop:        m.spec.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	resp, err := postJSON(ctx, m.client, m.baseURL+"/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + m.apiKey,
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out strings.Builder
	err = readSSE(resp.Body, func(data []byte) (bool, error) {
		if string(data) == "[DONE]" {
			return true, nil
		}
		var chunk openAIChatChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return false, fmt.Errorf("decode chunk: %w", err)
		}
		if chunk.Error != nil {
			return false, fmt.Errorf("%s: %s", chunk.Error.Type, chunk.Error.Message)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				out.WriteString(c.Delta.Content)
				onToken(c.Delta.Content)
			}
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	return out.String(), nil
}

// tgiModel streams from a Hugging Face text-generation-inference server.
type tgiModel struct {
	baseURL string
	token   string
	spec    ModelSpec
	client  *http.Client
}

type tgiRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters tgiParameters `json:"parameters"`
}

type tgiParameters struct {
	MaxNewTokens int      `json:"max_new_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Stop         []string `json:"stop,omitempty"`
}

type tgiChunk struct {
	Token struct {
		Text    string `json:"text"`
		Special bool   `json:"special"`
	} `json:"token"`
	GeneratedText *string `json:"generated_text"`
	Error         string  `json:"error"`
}

func (m *tgiModel) Generate(ctx context.Context, prompt string, onToken func(string)) (string, error) {
	maxNew := m.spec.MaxNewTokens
	if maxNew <= 0 {
		maxNew = 256
	}
	body, err := json.Marshal(tgiRequest{
		Inputs:     prompt,
		Parameters: tgiParameters{MaxNewTokens: maxNew, Temperature: m.spec.Temperature, Stop: m.spec.Stop},
	})
	if err != nil {
		return "", fmt.Errorf("tgi: marshal request: %w", err)
	}

	headers := map[string]string{}
	if m.token != "" {
		headers["Authorization"] = "Bearer " + m.token
	}
	resp, err := postJSON(ctx, m.client, m.baseURL+"/generate_stream", body, headers)
	if err != nil {
		return "", fmt.Errorf("tgi: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out strings.Builder
	var final *string
	err = readSSE(resp.Body, func(data []byte) (bool, error) {
		var chunk tgiChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return false, fmt.Errorf("decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return false, fmt.Errorf("%s", chunk.Error)
		}
		if !chunk.Token.Special && chunk.Token.Text != "" {
			out.WriteString(chunk.Token.Text)
			onToken(chunk.Token.Text)
		}
		if chunk.GeneratedText != nil {
			final = chunk.GeneratedText
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("tgi: %w", err)
	}
	if final != nil {
		return *final, nil
	}
	return out.String(), nil
}

// postJSON sends a JSON POST and returns the response when the status is 200.
// On any other status the body is closed and quoted in the error.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// readSSE calls fn with the payload of every "data:" line until fn reports
// done or the stream ends.
func readSSE(r io.Reader, fn func(data []byte) (done bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		done, err := fn(bytes.TrimSpace(data))
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
