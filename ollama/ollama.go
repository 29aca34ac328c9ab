// Package ollama provides a notification-text client for self-hosted Ollama servers.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xostack/xonotify/llm"
)

const (
	defaultOllamaModel = "llama3.2"
	providerName       = "ollama"
	generateAPIPath    = "/api/generate"
	DefaultBaseURL     = "http://localhost:11434"
	defaultTopP        = 0.9
)

// Client implements the llm.Client interface for Ollama.
type Client struct {
	httpClient *http.Client
	baseURL    string // e.g., "http://localhost:11434"
	modelName  string
	log        *zap.Logger
}

// generateOptions are the sampling options of /api/generate.
type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	TopP        float64 `json:"top_p"`
}

// generateRequest is the request body of /api/generate.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

// generateResponse is the non-streaming reply of /api/generate.
type generateResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Response  string    `json:"response"`
	Done      bool      `json:"done"`
	Error     string    `json:"error,omitempty"`
}

// NewClient creates a new Ollama client.
// baseURL is the address of the Ollama server; empty selects
// http://localhost:11434. timeout <= 0 selects the 60s default.
func NewClient(baseURL, modelOverride string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL '%s': %w", baseURL, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("Ollama base URL scheme must be http or https, got '%s'", parsedURL.Scheme)
	}
	cleanedBaseURL := strings.TrimSuffix(parsedURL.String(), "/")

	modelToUse := defaultOllamaModel
	if modelOverride != "" {
		modelToUse = modelOverride
	}
	logger.Debug("ollama client configured", zap.String("model", modelToUse), zap.String("base_url", cleanedBaseURL))

	return &Client{
		httpClient: llm.NewHTTPClient(timeout, llm.SlowTimeout),
		baseURL:    cleanedBaseURL,
		modelName:  modelToUse,
		log:        logger,
	}, nil
}

// Generate sends the prompt to the Ollama model and returns the text response.
// Ollama reports no token usage, so TokenCount is always nil.
func (c *Client) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Completion, error) {
	if c.httpClient == nil {
		return llm.Completion{}, llm.NewError(llm.KindUninitialized, providerName, nil, "client not initialized")
	}

	payload := generateRequest{
		Model:  c.modelName,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
			TopP:        defaultTopP,
		},
	}

	resp, err := llm.PostJSON(ctx, c.httpClient, providerName, c.baseURL+generateAPIPath, nil, payload)
	if err != nil {
		return llm.Completion{}, err
	}

	if !resp.OK() {
		var errResp generateResponse
		if json.Unmarshal(resp.Body, &errResp) == nil && errResp.Error != "" {
			return llm.Completion{}, llm.StatusError(providerName, resp, errResp.Error)
		}
		return llm.Completion{}, llm.StatusError(providerName, resp, "")
	}
	if resp.Empty() {
		return llm.Completion{}, llm.NewError(llm.KindParse, providerName, nil, "empty response body")
	}

	var ollamaResp generateResponse
	if err := json.Unmarshal(resp.Body, &ollamaResp); err != nil {
		return llm.Completion{}, llm.NewError(llm.KindParse, providerName, err,
			"failed to unmarshal response JSON: %s", llm.Snippet(resp.Body, 200))
	}
	if ollamaResp.Error != "" {
		return llm.Completion{}, llm.NewError(llm.KindAPI, providerName, nil, "server returned an error: %s", ollamaResp.Error)
	}

	text := strings.TrimSpace(ollamaResp.Response)
	if text == "" {
		return llm.Completion{}, llm.NewError(llm.KindEmptyContent, providerName, nil,
			"response contained no text (done=%t)", ollamaResp.Done)
	}
	return llm.Completion{Text: text}, nil
}

// ProviderName returns the name of this provider.
func (c *Client) ProviderName() string {
	return providerName
}

// Close is a no-op for the default transport.
func (c *Client) Close() error {
	return nil
}
