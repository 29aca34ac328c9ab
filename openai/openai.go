// Package openai provides a notification-text client for OpenAI-compatible
// chat completion APIs (OpenAI itself, Groq, and other servers that speak the
// same wire format).
package openai

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
	defaultModel   = "gpt-4o-mini"
	providerName   = "openai"
	DefaultBaseURL = "https://api.openai.com"
	chatPath       = "/v1/chat/completions"
	defaultTopP    = 0.9
)

// Client implements the llm.Client interface for OpenAI-style backends.
type Client struct {
	httpClient *http.Client
	apiKey     string
	modelName  string
	endpoint   string
	log        *zap.Logger
}

// ChatMessage represents a single message in the chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the request body of /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	N           int           `json:"n"`
	Stream      bool          `json:"stream"`
}

// ChatCompletionChoice is a single choice in the response.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage tracks token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorBody is the error object of the OpenAI error envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// ChatCompletionResponse is the response body of /v1/chat/completions.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`
	Error   *ErrorBody             `json:"error,omitempty"`
}

// NewRequest builds the chat completion body for a single user prompt.
func NewRequest(model, prompt string, opts llm.Options) ChatCompletionRequest {
	return ChatCompletionRequest{
		Model:       model,
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        defaultTopP,
		N:           1,
		Stream:      false,
	}
}

// ParseResponse extracts the generated text and token usage from a 2xx body.
func ParseResponse(provider string, body []byte) (llm.Completion, error) {
	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return llm.Completion{}, llm.NewError(llm.KindParse, provider, err,
			"failed to unmarshal response JSON: %s", llm.Snippet(body, 200))
	}
	if resp.Error != nil && resp.Error.Message != "" {
		return llm.Completion{}, llm.NewError(llm.KindAPI, provider, nil, "api error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return llm.Completion{}, llm.NewError(llm.KindEmptyContent, provider, nil, "response contained no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return llm.Completion{}, llm.NewError(llm.KindEmptyContent, provider, nil,
			"response contained empty message content (finish reason %q)", resp.Choices[0].FinishReason)
	}

	comp := llm.Completion{Text: text}
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		comp.TokenCount = llm.IntPtr(resp.Usage.TotalTokens)
	}
	return comp, nil
}

// ErrorDetail pulls the message out of an OpenAI-style error envelope, or
// returns "" when the body is not one.
func ErrorDetail(body []byte) string {
	var resp ChatCompletionResponse
	if json.Unmarshal(body, &resp) == nil && resp.Error != nil {
		if resp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", resp.Error.Message, resp.Error.Type)
		}
		return resp.Error.Message
	}
	return ""
}

// NewClient creates a new OpenAI-compatible client. baseURL may be empty for
// the public OpenAI endpoint; timeout <= 0 selects the 30s default.
func NewClient(apiKey, modelOverride, baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, llm.NewError(llm.KindInvalidCredential, providerName, nil, "API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid OpenAI base URL '%s'", baseURL)
	}

	modelToUse := defaultModel
	if modelOverride != "" {
		modelToUse = modelOverride
	}
	logger.Debug("openai client configured", zap.String("model", modelToUse), zap.String("base_url", baseURL))

	return &Client{
		httpClient: llm.NewHTTPClient(timeout, llm.DefaultTimeout),
		apiKey:     apiKey,
		modelName:  modelToUse,
		endpoint:   strings.TrimSuffix(baseURL, "/") + chatPath,
		log:        logger,
	}, nil
}

// Generate sends the prompt as a single user message and returns the reply.
func (c *Client) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Completion, error) {
	if c.httpClient == nil {
		return llm.Completion{}, llm.NewError(llm.KindUninitialized, providerName, nil, "client not initialized")
	}

	resp, err := llm.PostJSON(ctx, c.httpClient, providerName, c.endpoint,
		map[string]string{"Authorization": "Bearer " + c.apiKey},
		NewRequest(c.modelName, prompt, opts))
	if err != nil {
		return llm.Completion{}, err
	}

	if !resp.OK() {
		c.log.Warn("openai request failed", zap.Int("status", resp.Status))
		return llm.Completion{}, llm.StatusError(providerName, resp, ErrorDetail(resp.Body))
	}
	if resp.Empty() {
		return llm.Completion{}, llm.NewError(llm.KindParse, providerName, nil, "empty response body")
	}
	return ParseResponse(providerName, resp.Body)
}

// ProviderName returns the name of this provider.
func (c *Client) ProviderName() string {
	return providerName
}

// Close is a no-op; the default transport needs no cleanup.
func (c *Client) Close() error {
	return nil
}
