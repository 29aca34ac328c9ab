// Package llm defines the contract every notification-text provider implements.
//
// A provider turns one rendered prompt into one Completion. The four backends
// (openai, gemini, huggingface, ollama) differ only in endpoint, headers and
// wire shapes; callers only ever see Client, Options, Completion and *Error.
package llm

import (
	"context"
	"math"
)

const (
	// BaseTemperature is the sampling temperature of a single generation and
	// the starting point of a variant sweep.
	BaseTemperature = 0.7

	// TemperatureStep is added per variant during a sweep.
	TemperatureStep = 0.1
)

// Options are the per-call sampling parameters.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Completion is the text a provider produced for one prompt.
// TokenCount is nil when the backend does not report usage.
type Completion struct {
	Text       string
	TokenCount *int
}

// Client is the interface that all provider clients implement.
//
// It hides the request and response shapes of each backend behind one call,
// so the generator, the dispatcher and the HTTP API never branch on the
// provider.
//
// A Client is bound to exactly one backend and one credential for its whole
// lifetime. Implementations must be safe for concurrent use and must not
// retry internally.
type Client interface {
	// Generate sends prompt to the backend and returns the generated text.
	//
	// The context bounds the whole call. Implementations return as soon as it
	// is cancelled and report that as a KindNetwork error.
	//
	// opts.MaxTokens caps the completion length and opts.Temperature sets the
	// sampling temperature; backends without a matching knob ignore it.
	//
	// TokenCount is set only when the backend reports usage. Every failure is
	// returned as an *Error; its Kind separates credential, network, API and
	// parse problems, and a blank reply is KindEmptyContent.
	Generate(ctx context.Context, prompt string, opts Options) (Completion, error)

	// ProviderName returns the stable lowercase provider identifier
	// ("openai", "gemini", "huggingface" or "ollama").
	//
	// It matches the provider's configuration key and is used as the
	// "provider" label on logs and metrics.
	ProviderName() string

	// Close releases any resources held by the client. Calling Generate
	// after Close is not supported.
	Close() error
}

// Result is one slot of a variant sweep.
type Result struct {
	Completion  Completion
	Temperature float64
	Err         error
}

// Variants calls c.Generate count times with a linearly increasing
// temperature (0.8, 0.9, 1.0, ... for the default base). Calls are sequential
// and a failure does not stop the sweep.
func Variants(ctx context.Context, c Client, prompt string, count, maxTokens int) []Result {
	if count <= 0 {
		return nil
	}
	results := make([]Result, 0, count)
	for i := 0; i < count; i++ {
		temp := VariantTemperature(i)
		comp, err := c.Generate(ctx, prompt, Options{MaxTokens: maxTokens, Temperature: temp})
		results = append(results, Result{Completion: comp, Temperature: temp, Err: err})
	}
	return results
}

// VariantTemperature returns the temperature used for the i-th variant,
// rounded to one decimal so the sweep is exact.
func VariantTemperature(i int) float64 {
	t := BaseTemperature + TemperatureStep*float64(i+1)
	return math.Round(t*10) / 10
}

// IntPtr is a small helper for optional token counts.
func IntPtr(n int) *int { return &n }
