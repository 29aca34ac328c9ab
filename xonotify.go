// Package xonotify writes push-notification text with a large language model.
//
// A Generator binds one provider client (OpenAI, Gemini, Hugging Face or
// Ollama) and a default context map, renders the notification prompt for each
// request and returns an Outcome. It never panics on a provider failure; the
// failure is carried in Outcome.Err as an *llm.Error.
//
// Example usage:
//
//	var g xonotify.Generator
//	if err := g.Init(xonotify.Settings{
//		Provider:   xonotify.ProviderOpenAI,
//		Credential: os.Getenv("OPENAI_API_KEY"),
//	}); err != nil {
//		log.Fatal(err)
//	}
//	defer g.Close()
//
//	out := g.GenerateOne(ctx, prompt.Request{AppID: "com.example", Tone: prompt.Friendly})
//	if !out.OK() {
//		log.Fatal(out.Err)
//	}
//	fmt.Println(out.Text)
//
// Rate limiting and caching are left to the caller; see the schedule, cache
// and dispatch packages.
package xonotify

import (
	"time"
)

// Outcome is the result of one generation attempt.
type Outcome struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Text       string    `json:"text,omitempty"`
	TokenCount *int      `json:"token_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// Err is non-nil on failure and Text is then empty.
	Err error `json:"-"`
}

// OK reports whether the outcome carries text.
func (o Outcome) OK() bool { return o.Err == nil }
