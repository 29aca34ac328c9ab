package xonotify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/xostack/xonotify/llm"
	"github.com/xostack/xonotify/metrics"
	"github.com/xostack/xonotify/prompt"
)

// chatStub is an OpenAI-shaped backend that records every request body.
type chatStub struct {
	mu       sync.Mutex
	requests []map[string]any
	reply    string
}

func (s *chatStub) handler(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.requests = append(s.requests, body)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(s.reply))
}

func (s *chatStub) prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, req := range s.requests {
		msgs, _ := req["messages"].([]any)
		if len(msgs) == 0 {
			continue
		}
		msg, _ := msgs[0].(map[string]any)
		content, _ := msg["content"].(string)
		out = append(out, content)
	}
	return out
}

func newStubServer(t *testing.T, reply string) (*chatStub, *httptest.Server) {
	t.Helper()
	stub := &chatStub{reply: reply}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(server.Close)
	return stub, server
}

const hiReply = `{"choices":[{"message":{"content":"Hi!"}}]}`

func TestGenerator_ZeroValueUninitialized(t *testing.T) {
	var g Generator

	out := g.GenerateOne(context.Background(), prompt.Request{AppID: "com.app", Tone: prompt.Friendly})
	if out.OK() {
		t.Fatal("Expected failure before Init")
	}
	if !errors.Is(out.Err, llm.ErrUninitialized) {
		t.Errorf("Expected ErrUninitialized, got: %v", out.Err)
	}

	outs := g.GenerateVariants(context.Background(), prompt.Request{}, 3)
	if len(outs) != 1 || !errors.Is(outs[0].Err, llm.ErrUninitialized) {
		t.Errorf("Expected one uninitialized outcome, got %+v", outs)
	}

	if err := g.UpdateDefaultContext(map[string]string{"a": "b"}); !errors.Is(err, llm.ErrUninitialized) {
		t.Errorf("Expected ErrUninitialized from UpdateDefaultContext, got: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("Expected Close on zero value to succeed, got: %v", err)
	}
}

func TestGenerator_GenerateOneOpenAI(t *testing.T) {
	_, server := newStubServer(t, hiReply)

	var g Generator
	if err := g.Init(Settings{Provider: ProviderOpenAI, Credential: "validkey", ServerAddress: server.URL}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	out := g.GenerateOne(context.Background(), prompt.Request{AppID: "com.app", Tone: prompt.Friendly})
	if !out.OK() {
		t.Fatalf("Expected success, got: %v", out.Err)
	}
	if out.Text != "Hi!" {
		t.Errorf("Expected 'Hi!', got '%s'", out.Text)
	}
	if out.Provider != ProviderOpenAI {
		t.Errorf("Expected provider 'openai', got '%s'", out.Provider)
	}
	if out.ID == "" || out.CreatedAt.IsZero() {
		t.Errorf("Expected ID and CreatedAt to be set, got %+v", out)
	}
	if out.TokenCount != nil {
		t.Errorf("Expected nil token count without usage, got %d", *out.TokenCount)
	}
}

func TestGenerator_HuggingFaceModelLoading(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("<html><body>503 Service Unavailable</body></html>"))
	}))
	defer server.Close()

	var g Generator
	if err := g.Init(Settings{Provider: ProviderHuggingFace, Credential: "validkey", ServerAddress: server.URL}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	out := g.GenerateOne(context.Background(), prompt.Request{AppID: "com.app", Tone: prompt.Friendly})
	if out.OK() {
		t.Fatal("Expected failure on 503")
	}
	if !strings.Contains(out.Err.Error(), "model is loading") {
		t.Errorf("Expected 'model is loading' message, got: %v", out.Err)
	}
	if !errors.Is(out.Err, llm.ErrAPI) {
		t.Errorf("Expected ErrAPI, got: %v", out.Err)
	}
}

func TestGenerator_InitBlankCredential(t *testing.T) {
	var g Generator
	err := g.Init(Settings{Provider: ProviderOpenAI, Credential: ""})
	if !errors.Is(err, llm.ErrInvalidCredential) {
		t.Fatalf("Expected ErrInvalidCredential, got: %v", err)
	}
	if g.Provider() != "" {
		t.Errorf("Expected generator to stay uninitialized, got provider '%s'", g.Provider())
	}
}

func TestGenerator_InitFailureKeepsPreviousBinding(t *testing.T) {
	_, server := newStubServer(t, hiReply)

	var g Generator
	if err := g.Init(Settings{Provider: ProviderOpenAI, Credential: "k", ServerAddress: server.URL}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	if err := g.Init(Settings{Provider: ProviderHuggingFace}); err == nil {
		t.Fatal("Expected blank credential to fail")
	}
	if g.Provider() != ProviderOpenAI {
		t.Errorf("Expected previous binding kept, got '%s'", g.Provider())
	}
}

func TestGenerator_ContextSelection(t *testing.T) {
	stub, server := newStubServer(t, hiReply)

	var g Generator
	err := g.Init(Settings{
		Provider:       ProviderOpenAI,
		Credential:     "k",
		ServerAddress:  server.URL,
		DefaultContext: map[string]string{"plan": "free"},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	ctx := context.Background()
	g.GenerateOne(ctx, prompt.Request{AppID: "com.app", Tone: prompt.Casual})
	g.GenerateOne(ctx, prompt.Request{AppID: "com.app", Tone: prompt.Casual, Context: map[string]string{"plan": "pro"}})

	if err := g.UpdateDefaultContext(map[string]string{"streak": "7"}); err != nil {
		t.Fatalf("UpdateDefaultContext: %v", err)
	}
	g.GenerateOne(ctx, prompt.Request{AppID: "com.app", Tone: prompt.Casual})

	prompts := stub.prompts()
	if len(prompts) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "plan: free") {
		t.Errorf("Expected default context in first prompt, got:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[1], "plan: pro") || strings.Contains(prompts[1], "plan: free") {
		t.Errorf("Expected request context to replace defaults, got:\n%s", prompts[1])
	}
	if !strings.Contains(prompts[2], "streak: 7") || strings.Contains(prompts[2], "plan:") {
		t.Errorf("Expected replaced (not merged) default context, got:\n%s", prompts[2])
	}
}

func TestGenerator_DefaultContextIsCopied(t *testing.T) {
	_, server := newStubServer(t, hiReply)

	defaults := map[string]string{"plan": "free"}
	var g Generator
	if err := g.Init(Settings{Provider: ProviderOpenAI, Credential: "k", ServerAddress: server.URL, DefaultContext: defaults}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	defaults["plan"] = "mutated"
	if got := g.DefaultContext()["plan"]; got != "free" {
		t.Errorf("Expected defaults to be copied at Init, got '%s'", got)
	}
}

func TestGenerator_VariantsTemperatureSweep(t *testing.T) {
	stub, server := newStubServer(t, `{"choices":[{"message":{"content":"v"}}],"usage":{"total_tokens":9}}`)

	var g Generator
	if err := g.Init(Settings{Provider: ProviderOpenAI, Credential: "k", ServerAddress: server.URL, MaxTokens: 40}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	outs := g.GenerateVariants(context.Background(), prompt.Request{AppID: "com.app", Tone: prompt.Playful}, 3)
	if len(outs) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(outs))
	}
	for i, out := range outs {
		if !out.OK() || out.Text != "v" || out.TokenCount == nil || *out.TokenCount != 9 {
			t.Errorf("Outcome %d: unexpected %+v (err=%v)", i, out, out.Err)
		}
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.requests) != 3 {
		t.Fatalf("Expected exactly 3 provider calls, got %d", len(stub.requests))
	}
	want := []float64{0.8, 0.9, 1.0}
	for i, req := range stub.requests {
		if temp, _ := req["temperature"].(float64); temp != want[i] {
			t.Errorf("Call %d: expected temperature %v, got %v", i, want[i], req["temperature"])
		}
		if mt, _ := req["max_tokens"].(float64); mt != 40 {
			t.Errorf("Call %d: expected max_tokens 40, got %v", i, req["max_tokens"])
		}
	}
}

func TestGenerator_GenerateOneDefaults(t *testing.T) {
	stub, server := newStubServer(t, hiReply)

	var g Generator
	if err := g.Init(Settings{Provider: ProviderOpenAI, Credential: "k", ServerAddress: server.URL}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	g.GenerateOne(context.Background(), prompt.Request{AppID: "com.app"})

	stub.mu.Lock()
	defer stub.mu.Unlock()
	req := stub.requests[0]
	if temp, _ := req["temperature"].(float64); temp != llm.BaseTemperature {
		t.Errorf("Expected temperature %v, got %v", llm.BaseTemperature, req["temperature"])
	}
	if mt, _ := req["max_tokens"].(float64); mt != DefaultMaxTokens {
		t.Errorf("Expected max_tokens %d, got %v", DefaultMaxTokens, req["max_tokens"])
	}
}

func TestGenerator_GenerateAsync(t *testing.T) {
	_, server := newStubServer(t, hiReply)

	var g Generator
	if err := g.Init(Settings{Provider: ProviderOpenAI, Credential: "k", ServerAddress: server.URL}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	done := make(chan Outcome, 1)
	g.GenerateAsync(context.Background(), prompt.Request{AppID: "com.app"}, func(o Outcome) { done <- o })

	select {
	case out := <-done:
		if out.Text != "Hi!" {
			t.Errorf("Expected 'Hi!', got %+v (err=%v)", out, out.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for async outcome")
	}
}

func TestGenerator_RateLimitedAndMeasured(t *testing.T) {
	_, server := newStubServer(t, hiReply)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	g := NewGenerator(WithMetrics(m), WithLogger(zap.NewNop()))
	if err := g.Init(Settings{Provider: ProviderOpenAI, Credential: "k", ServerAddress: server.URL, MaxQPS: 1000}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	for i := 0; i < 3; i++ {
		if out := g.GenerateOne(context.Background(), prompt.Request{AppID: "com.app"}); !out.OK() {
			t.Fatalf("GenerateOne: %v", out.Err)
		}
	}

	n, err := testutil.GatherAndCount(reg, "xonotify_generations_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected one generation series, got %d", n)
	}
}

func TestGenerator_RateLimiterRespectsContext(t *testing.T) {
	_, server := newStubServer(t, hiReply)

	var g Generator
	if err := g.Init(Settings{Provider: ProviderOpenAI, Credential: "k", ServerAddress: server.URL, MaxQPS: 0.001}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()

	// The first call consumes the single token.
	if out := g.GenerateOne(context.Background(), prompt.Request{AppID: "com.app"}); !out.OK() {
		t.Fatalf("GenerateOne: %v", out.Err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := g.GenerateOne(ctx, prompt.Request{AppID: "com.app"})
	if !errors.Is(out.Err, llm.ErrNetwork) {
		t.Errorf("Expected throttled call to fail with ErrNetwork, got: %v", out.Err)
	}
}

type panicClient struct{}

func (panicClient) Generate(context.Context, string, llm.Options) (llm.Completion, error) {
	panic("boom")
}
func (panicClient) ProviderName() string { return "panicky" }
func (panicClient) Close() error         { return nil }

func TestGenerator_PanicBecomesOutcome(t *testing.T) {
	orig := NewClient
	NewClient = func(Settings, *zap.Logger) (llm.Client, error) { return panicClient{}, nil }
	defer func() { NewClient = orig }()

	var g Generator
	if err := g.Init(Settings{Provider: "panicky"}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	out := g.GenerateOne(context.Background(), prompt.Request{})
	if out.OK() || !strings.Contains(out.Err.Error(), "panicked") {
		t.Errorf("Expected panic converted to an error outcome, got: %v", out.Err)
	}
	outs := g.GenerateVariants(context.Background(), prompt.Request{}, 2)
	if len(outs) != 1 || outs[0].OK() {
		t.Errorf("Expected single failed outcome from panicking sweep, got %+v", outs)
	}
}

func TestGenerator_CloseReturnsToUninitialized(t *testing.T) {
	_, server := newStubServer(t, hiReply)

	var g Generator
	if err := g.Init(Settings{Provider: ProviderOpenAI, Credential: "k", ServerAddress: server.URL}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	out := g.GenerateOne(context.Background(), prompt.Request{})
	if !errors.Is(out.Err, llm.ErrUninitialized) {
		t.Errorf("Expected ErrUninitialized after Close, got: %v", out.Err)
	}
}

// blockingClient holds each Generate call until release is closed and fails
// calls that run after Close.
type blockingClient struct {
	name    string
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	closed bool
}

func newBlockingClient(name string) *blockingClient {
	return &blockingClient{name: name, started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (c *blockingClient) Generate(ctx context.Context, _ string, _ llm.Options) (llm.Completion, error) {
	c.started <- struct{}{}
	<-c.release
	if c.isClosed() {
		return llm.Completion{}, llm.NewError(llm.KindNetwork, c.name, nil, "client used after Close")
	}
	return llm.Completion{Text: "from " + c.name}, nil
}

func (c *blockingClient) ProviderName() string { return c.name }

func (c *blockingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *blockingClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestGenerator_ReplacedClientOutlivesCallsInFlight(t *testing.T) {
	first, second := newBlockingClient("first"), newBlockingClient("second")
	clients := map[string]*blockingClient{"first": first, "second": second}

	orig := NewClient
	NewClient = func(s Settings, _ *zap.Logger) (llm.Client, error) { return clients[s.Provider], nil }
	defer func() { NewClient = orig }()

	var g Generator
	if err := g.Init(Settings{Provider: "first"}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	done := make(chan Outcome, 1)
	go func() { done <- g.GenerateOne(context.Background(), prompt.Request{}) }()
	<-first.started

	if err := g.Init(Settings{Provider: "second"}); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if first.isClosed() {
		t.Fatal("Expected the replaced client to stay open while a call is in flight")
	}
	if g.Provider() != "second" {
		t.Errorf("Expected new calls to use the second client, got %q", g.Provider())
	}

	close(first.release)
	out := <-done
	if !out.OK() || out.Text != "from first" {
		t.Fatalf("Expected the in-flight call to complete on its own client, got text=%q err=%v", out.Text, out.Err)
	}
	if !first.isClosed() {
		t.Error("Expected the replaced client to be closed after its last call returned")
	}

	go func() { done <- g.GenerateOne(context.Background(), prompt.Request{}) }()
	<-second.started
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if second.isClosed() {
		t.Fatal("Expected Close to wait for the call in flight")
	}
	close(second.release)
	if out := <-done; !out.OK() {
		t.Fatalf("Expected the in-flight call to survive Close, got: %v", out.Err)
	}
	if !second.isClosed() {
		t.Error("Expected the client to be closed after the call returned")
	}
}
