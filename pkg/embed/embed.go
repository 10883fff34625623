// Package embed generates concept embeddings through external providers.
//
// Two wire formats are supported: OpenAI-compatible (`{"model","input"}` to
// `{"data":[{"embedding","index"}]}`) and Ollama (`{"model","prompt"}` to
// `{"embedding"}`). Providers are best-effort collaborators: the learning
// pipeline proceeds with a nil vector when they fail, so callers should wrap
// a client in Resilient rather than retrying themselves.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder turns text into a fixed-dimension vector.
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

// ProviderError reports a failed provider call. Status is the HTTP status
// code, or zero when the request never got a response.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("embed: %s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("embed: %s returned %d: %s", e.Provider, e.Status, e.Message)
}

// retryable reports whether another attempt could plausibly succeed:
// transport failures, throttling, and server-side errors. A 4xx means the
// request itself is wrong and will keep being wrong.
func (e *ProviderError) retryable() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider   string        `yaml:"provider"`   // "openai", "ollama", "mock", or "" for disabled
	APIURL     string        `yaml:"api_url"`    // base URL, e.g. http://localhost:11434
	APIPath    string        `yaml:"api_path"`   // endpoint path, e.g. /api/embeddings
	APIKey     string        `yaml:"api_key"`    // bearer token, OpenAI-compatible only
	Model      string        `yaml:"model"`      // provider model name
	Dimensions int           `yaml:"dimensions"` // expected vector width, validated when > 0
	Timeout    time.Duration `yaml:"timeout"`    // per-request timeout
}

// DefaultOllamaConfig targets a local Ollama with mxbai-embed-large.
func DefaultOllamaConfig() Config {
	return Config{
		Provider:   "ollama",
		APIURL:     "http://localhost:11434",
		APIPath:    "/api/embeddings",
		Model:      "mxbai-embed-large",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
	}
}

// DefaultOpenAIConfig targets OpenAI's text-embedding-3-small.
func DefaultOpenAIConfig(apiKey string) Config {
	return Config{
		Provider:   "openai",
		APIURL:     "https://api.openai.com",
		APIPath:    "/v1/embeddings",
		APIKey:     apiKey,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// New builds an embedder from config. An empty provider returns nil with no
// error: embedding is simply disabled.
func New(config Config) (Embedder, error) {
	switch config.Provider {
	case "":
		return nil, nil
	case "ollama":
		return NewOllama(config), nil
	case "openai":
		if config.APIKey == "" {
			return nil, fmt.Errorf("embed: provider %q requires an api key", config.Provider)
		}
		return NewOpenAI(config), nil
	case "mock":
		return NewMock(config.Dimensions), nil
	default:
		return nil, fmt.Errorf("embed: unknown provider %q", config.Provider)
	}
}

// checkDimensions enforces the configured width so a misconfigured provider
// cannot feed wrong-size vectors into the index.
func checkDimensions(provider string, want int, vec []float32) error {
	if len(vec) == 0 {
		return &ProviderError{Provider: provider, Message: "empty embedding in response"}
	}
	if want > 0 && len(vec) != want {
		return &ProviderError{
			Provider: provider,
			Message:  fmt.Sprintf("embedding has %d dimensions, expected %d", len(vec), want),
		}
	}
	return nil
}

// Ollama calls a local or remote Ollama server. One request per text;
// Ollama's embeddings endpoint has no batch form.
type Ollama struct {
	config Config
	client *http.Client
}

func NewOllama(config Config) *Ollama {
	if config.APIPath == "" {
		config.APIPath = "/api/embeddings"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Ollama{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: o.config.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embed: encode request: %w", err)
	}

	resp, err := postJSON(ctx, o.client, o.config.APIURL+o.config.APIPath, "", body)
	if err != nil {
		return nil, &ProviderError{Provider: "ollama", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: "ollama", Status: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}

	var decoded ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &ProviderError{Provider: "ollama", Message: "undecodable response: " + err.Error()}
	}
	if err := checkDimensions("ollama", o.config.Dimensions, decoded.Embedding); err != nil {
		return nil, err
	}
	return decoded.Embedding, nil
}

func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := o.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed: text %d of %d: %w", i+1, len(texts), err)
		}
		out[i] = vec
	}
	return out, nil
}

func (o *Ollama) Dimensions() int { return o.config.Dimensions }

func (o *Ollama) Model() string { return o.config.Model }

// OpenAI calls any OpenAI-compatible embeddings endpoint. Batches go out as
// one request; the response is reassembled by index since providers may
// reorder the data array.
type OpenAI struct {
	config Config
	client *http.Client
}

func NewOpenAI(config Config) *OpenAI {
	if config.APIPath == "" {
		config.APIPath = "/v1/embeddings"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &OpenAI{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type openaiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openaiRequest{Model: o.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embed: encode request: %w", err)
	}

	resp, err := postJSON(ctx, o.client, o.config.APIURL+o.config.APIPath, o.config.APIKey, body)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}

	var decoded openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "undecodable response: " + err.Error()}
	}
	if len(decoded.Data) != len(texts) {
		return nil, &ProviderError{
			Provider: "openai",
			Message:  fmt.Sprintf("%d embeddings for %d inputs", len(decoded.Data), len(texts)),
		}
	}

	out := make([][]float32, len(texts))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, &ProviderError{Provider: "openai", Message: fmt.Sprintf("embedding index %d out of range", item.Index)}
		}
		out[item.Index] = item.Embedding
	}
	for _, vec := range out {
		if err := checkDimensions("openai", o.config.Dimensions, vec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (o *OpenAI) Dimensions() int { return o.config.Dimensions }

func (o *OpenAI) Model() string { return o.config.Model }

func postJSON(ctx context.Context, client *http.Client, url, bearer string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return client.Do(req)
}

// readErrorBody captures a bounded slice of an error response for the
// message; provider error pages can be arbitrarily large.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	return string(data)
}
