// Package gemini provides a notification-text client for Google's Gemini models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/xostack/xonotify/llm"
)

const (
	defaultGeminiModel = "gemini-1.5-flash"
	providerName       = "gemini"
	defaultTopP        = 0.95
	defaultTopK        = 40
)

// Client implements the llm.Client interface for Gemini.
type Client struct {
	genaiClient *genai.Client
	modelName   string
	timeout     time.Duration
	log         *zap.Logger
}

// NewClient creates a new Gemini client.
// The SDK authenticates with the x-goog-api-key header. endpoint overrides
// the API host (empty for the public endpoint); timeout <= 0 selects the 30s
// default and bounds every Generate call.
func NewClient(ctx context.Context, apiKey, modelOverride, endpoint string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, llm.NewError(llm.KindInvalidCredential, providerName, nil, "API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	genaiClient, err := genai.NewClient(ctx, opts...)
	if err != nil {
		logger.Error("failed to initialize genai client", zap.Error(err))
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	modelToUse := defaultGeminiModel
	if modelOverride != "" {
		modelToUse = modelOverride
	}
	if timeout <= 0 {
		timeout = llm.DefaultTimeout
	}
	logger.Debug("gemini client configured", zap.String("model", modelToUse), zap.Duration("timeout", timeout))

	return &Client{
		genaiClient: genaiClient,
		modelName:   modelToUse,
		timeout:     timeout,
		log:         logger,
	}, nil
}

// Generate sends the prompt to the Gemini model and returns the text response.
func (c *Client) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Completion, error) {
	if c.genaiClient == nil {
		return llm.Completion{}, llm.NewError(llm.KindUninitialized, providerName, nil, "client not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := c.genaiClient.GenerativeModel(c.modelName)
	model.SetTemperature(float32(opts.Temperature))
	model.SetTopP(defaultTopP)
	model.SetTopK(defaultTopK)
	if opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(opts.MaxTokens))
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return llm.Completion{}, classifyError(ctx, err)
	}
	return extractCompletion(resp, c.log)
}

// classifyError maps SDK failures onto the llm error kinds.
func classifyError(ctx context.Context, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		if msg == "" {
			msg = strings.TrimSpace(gerr.Body)
		}
		e := llm.NewError(llm.KindAPI, providerName, err, "api error (status %d): %s", gerr.Code, msg)
		e.Status = gerr.Code
		return e
	}
	if ctx.Err() != nil {
		return llm.NewError(llm.KindNetwork, providerName, ctx.Err(), "request timed out or was canceled")
	}
	return llm.NewError(llm.KindNetwork, providerName, err, "failed to generate content")
}

// extractCompletion concatenates the text parts of the first candidate.
func extractCompletion(resp *genai.GenerateContentResponse, log *zap.Logger) (llm.Completion, error) {
	if resp == nil {
		return llm.Completion{}, llm.NewError(llm.KindParse, providerName, nil, "response was nil")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return llm.Completion{}, llm.NewError(llm.KindEmptyContent, providerName, nil,
			"prompt blocked: %s", resp.PromptFeedback.BlockReason.String())
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
			return llm.Completion{}, llm.NewError(llm.KindEmptyContent, providerName, nil,
				"content generation blocked due to safety settings")
		}
		return llm.Completion{}, llm.NewError(llm.KindEmptyContent, providerName, nil, "response was empty")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		} else if log != nil {
			log.Debug("ignoring non-text part", zap.String("type", fmt.Sprintf("%T", part)))
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return llm.Completion{}, llm.NewError(llm.KindEmptyContent, providerName, nil, "response contained no usable text content")
	}

	comp := llm.Completion{Text: text}
	if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
		comp.TokenCount = llm.IntPtr(int(resp.UsageMetadata.TotalTokenCount))
	}
	return comp, nil
}

// ProviderName returns the name of this provider.
func (c *Client) ProviderName() string {
	return providerName
}

// Close cleans up the genaiClient.
func (c *Client) Close() error {
	if c.genaiClient != nil {
		return c.genaiClient.Close()
	}
	return nil
}
