package xonotify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xostack/xonotify/gemini"
	"github.com/xostack/xonotify/huggingface"
	"github.com/xostack/xonotify/llm"
	"github.com/xostack/xonotify/ollama"
	"github.com/xostack/xonotify/openai"
)

// Provider names accepted by NewClient.
const (
	ProviderOpenAI      = "openai"
	ProviderGemini      = "gemini"
	ProviderHuggingFace = "huggingface"
	ProviderOllama      = "ollama"
)

// Providers lists every supported provider.
var Providers = []string{ProviderOpenAI, ProviderGemini, ProviderHuggingFace, ProviderOllama}

// DefaultMaxTokens is used when Settings.MaxTokens is not positive.
const DefaultMaxTokens = 150

// Settings selects and configures one provider.
type Settings struct {
	Provider   string
	Credential string // API key or access token; unused by Ollama

	// DefaultContext is rendered when a request carries no context of its own.
	DefaultContext map[string]string

	Model         string        // empty selects the provider default
	Timeout       time.Duration // zero selects the provider default
	ServerAddress string        // base URL override; required in practice for Ollama

	MaxTokens int     // zero selects DefaultMaxTokens
	MaxQPS    float64 // outbound call rate; zero disables throttling
}

// NewClient is a factory that returns the client for s.Provider.
//
// Callers pick a provider by name and never touch the provider packages
// directly. The provider name is trimmed and matched case-insensitively.
//
// Parameters:
//   - s: provider name, credential and per-provider overrides
//   - logger: parent logger; nil disables logging. The client logs with a
//     "provider" field attached.
//
// Returns:
//   - llm.Client: the provider client, ready for Generate
//   - error: an unknown provider, or the provider constructor's error
//
// Supported providers:
//   - "openai": OpenAI chat completions (requires Credential)
//   - "gemini": Google Gemini (requires Credential)
//   - "huggingface": Hugging Face Inference API (requires Credential)
//   - "ollama": Ollama (ServerAddress selects the host, no credential)
//
// Model, Timeout and ServerAddress fall back to each provider's default when
// left empty. A blank credential for a provider that requires one fails with
// an llm.KindInvalidCredential error before any network I/O. DefaultContext,
// MaxTokens and MaxQPS are ignored here; Generator.Init applies them.
//
// Example:
//
//	client, err := NewClient(Settings{
//		Provider:   ProviderGemini,
//		Credential: os.Getenv("GEMINI_API_KEY"),
//		Timeout:    30 * time.Second,
//	}, logger)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
// Making it a variable to allow for easy mocking in tests.
var NewClient = func(s Settings, logger *zap.Logger) (llm.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := strings.ToLower(strings.TrimSpace(s.Provider))
	if provider == "" {
		return nil, fmt.Errorf("no LLM provider specified")
	}
	log := logger.With(zap.String("provider", provider))

	switch provider {
	case ProviderOpenAI:
		return bound(openai.NewClient(s.Credential, s.Model, s.ServerAddress, s.Timeout, log))
	case ProviderGemini:
		return bound(gemini.NewClient(context.Background(), s.Credential, s.Model, s.ServerAddress, s.Timeout, log))
	case ProviderHuggingFace:
		return bound(huggingface.NewClient(s.Credential, s.Model, s.ServerAddress, s.Timeout, log))
	case ProviderOllama:
		return bound(ollama.NewClient(s.ServerAddress, s.Model, s.Timeout, log))
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", s.Provider)
	}
}

// bound keeps a failed constructor from yielding a non-nil interface that
// wraps a nil pointer.
func bound[C llm.Client](c C, err error) (llm.Client, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}
