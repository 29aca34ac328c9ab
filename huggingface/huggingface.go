// Package huggingface provides a notification-text client for the Hugging Face
// inference router, which speaks the OpenAI chat completion format.
//
// The router fails in ways the other backends do not: cold models answer 503,
// gated models 403, retired models 410, and the edge often returns HTML error
// pages instead of JSON. Those cases are turned into actionable messages.
package huggingface

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
	"github.com/xostack/xonotify/openai"
)

const (
	defaultModel     = "meta-llama/Llama-3.1-8B-Instruct"
	providerName     = "huggingface"
	DefaultRouterURL = "https://router.huggingface.co"
	chatPath         = "/v1/chat/completions"
)

// Client implements the llm.Client interface for the Hugging Face router.
type Client struct {
	httpClient *http.Client
	token      string
	modelName  string
	endpoint   string
	log        *zap.Logger
}

// NewClient creates a new Hugging Face client. routerURL may be empty for the
// public router; timeout <= 0 selects the 60s default.
func NewClient(token, modelOverride, routerURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, llm.NewError(llm.KindInvalidCredential, providerName, nil, "access token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if routerURL == "" {
		routerURL = DefaultRouterURL
	}
	parsed, err := url.Parse(routerURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid Hugging Face router URL '%s'", routerURL)
	}

	modelToUse := defaultModel
	if modelOverride != "" {
		modelToUse = modelOverride
	}
	logger.Debug("huggingface client configured", zap.String("model", modelToUse), zap.String("router", routerURL))

	return &Client{
		httpClient: llm.NewHTTPClient(timeout, llm.SlowTimeout),
		token:      token,
		modelName:  modelToUse,
		endpoint:   strings.TrimSuffix(routerURL, "/") + chatPath,
		log:        logger,
	}, nil
}

// Generate sends the prompt to the router and returns the reply.
func (c *Client) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Completion, error) {
	if c.httpClient == nil {
		return llm.Completion{}, llm.NewError(llm.KindUninitialized, providerName, nil, "client not initialized")
	}

	resp, err := llm.PostJSON(ctx, c.httpClient, providerName, c.endpoint,
		map[string]string{"Authorization": "Bearer " + c.token},
		openai.NewRequest(c.modelName, prompt, opts))
	if err != nil {
		return llm.Completion{}, err
	}

	if !resp.OK() {
		c.log.Warn("huggingface request failed",
			zap.Int("status", resp.Status), zap.Bool("html", resp.IsHTML()), zap.String("model", c.modelName))
		return llm.Completion{}, c.statusError(resp)
	}
	if resp.Empty() {
		return llm.Completion{}, llm.NewError(llm.KindParse, providerName, nil, "empty response body")
	}
	if resp.IsHTML() {
		return llm.Completion{}, llm.NewError(llm.KindParse, providerName, nil,
			"router returned an HTML page instead of JSON: %s", llm.Snippet(resp.Body, 120))
	}
	return openai.ParseResponse(providerName, resp.Body)
}

// statusError turns a non-2xx reply into guidance for the caller.
func (c *Client) statusError(resp *llm.Response) *llm.Error {
	var msg string
	switch resp.Status {
	case http.StatusUnauthorized:
		msg = "invalid Hugging Face token (HTTP 401); create a token with inference permission at https://huggingface.co/settings/tokens"
	case http.StatusForbidden:
		msg = fmt.Sprintf("access to model %s denied (HTTP 403); the token lacks inference permission or the model is gated and its license has not been accepted", c.modelName)
	case http.StatusNotFound:
		msg = fmt.Sprintf("model %s not found on the Hugging Face router (HTTP 404); check the model id or pick a model served by an inference provider", c.modelName)
	case http.StatusGone:
		msg = fmt.Sprintf("model %s is no longer served (HTTP 410); choose a different model", c.modelName)
	case http.StatusServiceUnavailable:
		msg = fmt.Sprintf("model is loading on Hugging Face (HTTP 503); retry in a few seconds (model %s)", c.modelName)
	default:
		if resp.IsHTML() {
			msg = fmt.Sprintf("router returned an HTML error page (HTTP %d)", resp.Status)
		} else if detail := errorDetail(resp.Body); detail != "" {
			return llm.StatusError(providerName, resp, detail)
		} else {
			return llm.StatusError(providerName, resp, "")
		}
	}
	return &llm.Error{Kind: llm.KindAPI, Provider: providerName, Status: resp.Status, Message: msg}
}

// errorDetail reads the router's error envelope, where "error" is either a
// plain string or an OpenAI-style object.
func errorDetail(body []byte) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil || len(env.Error) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(env.Error, &s) == nil {
		return s
	}
	return openai.ErrorDetail(body)
}

// ProviderName returns the name of this provider.
func (c *Client) ProviderName() string {
	return providerName
}

// Close is a no-op.
func (c *Client) Close() error {
	return nil
}
