package xonotify

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xostack/xonotify/llm"
	"github.com/xostack/xonotify/metrics"
	"github.com/xostack/xonotify/prompt"
)

// Generator composes prompt rendering with a bound provider client.
//
// The zero value is valid and uninitialized: every generation returns an
// llm.KindUninitialized outcome until Init succeeds. A Generator is safe for
// concurrent use. Init and UpdateDefaultContext replace the bound state
// wholesale; calls already in flight keep the state they started with, and a
// replaced client is closed only after the last of those calls returns.
type Generator struct {
	state   atomic.Pointer[binding]
	log     *zap.Logger
	metrics *metrics.Metrics
}

type binding struct {
	client    llm.Client
	lease     *lease
	defaults  map[string]string
	maxTokens int
}

// lease counts the calls using one client. Bindings that differ only in
// their default context share a lease.
type lease struct {
	client llm.Client
	log    *zap.Logger

	mu      sync.Mutex
	active  int
	retired bool
	once    sync.Once
	err     error
}

// acquire registers a call. It fails once the lease is retired.
func (l *lease) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	l.active++
	return true
}

func (l *lease) release() {
	l.mu.Lock()
	l.active--
	idle := l.retired && l.active == 0
	l.mu.Unlock()
	if idle {
		if err := l.close(); err != nil {
			l.log.Warn("closing retired provider client", zap.Error(err))
		}
	}
}

// retire stops new calls and closes the client once none are running. The
// error is only reported when the close happens immediately.
func (l *lease) retire() error {
	l.mu.Lock()
	l.retired = true
	idle := l.active == 0
	l.mu.Unlock()
	if idle {
		return l.close()
	}
	return nil
}

func (l *lease) close() error {
	l.once.Do(func() { l.err = l.client.Close() })
	return l.err
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithLogger sets the logger handed to provider clients.
func WithLogger(log *zap.Logger) GeneratorOption {
	return func(g *Generator) { g.log = log }
}

// WithMetrics records every provider call on m.
func WithMetrics(m *metrics.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator returns an uninitialized Generator.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) logger() *zap.Logger {
	if g.log == nil {
		return zap.NewNop()
	}
	return g.log
}

// Init binds a fresh provider client built from s, replacing and closing any
// previous one. On error the previous binding is kept.
func (g *Generator) Init(s Settings) error {
	client, err := NewClient(s, g.logger())
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if s.MaxQPS > 0 {
		burst := int(s.MaxQPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.MaxQPS), burst)
	}

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	wrapped := &instrumented{
		Client:  client,
		limiter: limiter,
		metrics: g.metrics,
	}
	next := &binding{
		client:    wrapped,
		lease:     &lease{client: wrapped, log: g.logger()},
		defaults:  maps.Clone(s.DefaultContext),
		maxTokens: maxTokens,
	}
	if prev := g.state.Swap(next); prev != nil {
		if err := prev.lease.retire(); err != nil {
			g.logger().Warn("closing previous provider client", zap.Error(err))
		}
	}
	g.logger().Info("generator initialized",
		zap.String("provider", client.ProviderName()),
		zap.Int("max_tokens", maxTokens),
		zap.Float64("max_qps", s.MaxQPS),
	)
	return nil
}

// Provider returns the bound provider name, or "" before Init.
func (g *Generator) Provider() string {
	if b := g.state.Load(); b != nil {
		return b.client.ProviderName()
	}
	return ""
}

// DefaultContext returns a copy of the bound default context.
func (g *Generator) DefaultContext() map[string]string {
	if b := g.state.Load(); b != nil {
		return maps.Clone(b.defaults)
	}
	return nil
}

// UpdateDefaultContext replaces the default context wholesale.
func (g *Generator) UpdateDefaultContext(ctx map[string]string) error {
	for {
		cur := g.state.Load()
		if cur == nil {
			return uninitialized()
		}
		next := *cur
		next.defaults = maps.Clone(ctx)
		if g.state.CompareAndSwap(cur, &next) {
			return nil
		}
	}
}

// acquire returns the current binding with a call registered on its lease,
// or nil before Init. The caller must release the lease.
func (g *Generator) acquire() *binding {
	for {
		b := g.state.Load()
		if b == nil {
			return nil
		}
		if b.lease.acquire() {
			return b
		}
	}
}

// Prompt renders req against the bound default context.
func (g *Generator) Prompt(req prompt.Request) string {
	b := g.state.Load()
	if req.Context == nil && b != nil {
		req.Context = b.defaults
	}
	return prompt.Render(req)
}

// GenerateOne renders req and asks the bound provider for one notification.
// req.Context is used when non-nil, otherwise the default context.
func (g *Generator) GenerateOne(ctx context.Context, req prompt.Request) (out Outcome) {
	b := g.acquire()
	if b == nil {
		return failed("", uninitialized())
	}
	defer b.lease.release()
	provider := b.client.ProviderName()
	defer recoverOutcome(provider, &out)

	if req.Context == nil {
		req.Context = b.defaults
	}
	comp, err := b.client.Generate(ctx, prompt.Render(req), llm.Options{
		MaxTokens:   b.maxTokens,
		Temperature: llm.BaseTemperature,
	})
	if err != nil {
		return failed(provider, err)
	}
	return succeeded(provider, comp)
}

// GenerateVariants asks for count notifications at increasing temperatures.
// Before Init it returns a single uninitialized outcome.
func (g *Generator) GenerateVariants(ctx context.Context, req prompt.Request, count int) (outs []Outcome) {
	if count <= 0 {
		if g.state.Load() == nil {
			return []Outcome{failed("", uninitialized())}
		}
		return nil
	}
	b := g.acquire()
	if b == nil {
		return []Outcome{failed("", uninitialized())}
	}
	defer b.lease.release()
	provider := b.client.ProviderName()
	defer func() {
		if r := recover(); r != nil {
			outs = []Outcome{failed(provider, panicError(provider, r))}
		}
	}()

	if req.Context == nil {
		req.Context = b.defaults
	}
	results := llm.Variants(ctx, b.client, prompt.Render(req), count, b.maxTokens)
	outs = make([]Outcome, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			outs = append(outs, failed(provider, r.Err))
			continue
		}
		outs = append(outs, succeeded(provider, r.Completion))
	}
	return outs
}

// GenerateAsync runs GenerateOne on its own goroutine and passes the outcome
// to done.
func (g *Generator) GenerateAsync(ctx context.Context, req prompt.Request, done func(Outcome)) {
	go func() {
		done(g.GenerateOne(ctx, req))
	}()
}

// Close unbinds the provider client and closes it once calls in flight have
// returned. The Generator returns to the uninitialized state and may be
// re-initialized.
func (g *Generator) Close() error {
	if prev := g.state.Swap(nil); prev != nil {
		return prev.lease.retire()
	}
	return nil
}

func uninitialized() error {
	return llm.NewError(llm.KindUninitialized, "", nil, "generator used before Init")
}

func failed(provider string, err error) Outcome {
	return Outcome{
		ID:        uuid.NewString(),
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
		Err:       err,
	}
}

func succeeded(provider string, c llm.Completion) Outcome {
	return Outcome{
		ID:         uuid.NewString(),
		Provider:   provider,
		Text:       c.Text,
		TokenCount: c.TokenCount,
		CreatedAt:  time.Now().UTC(),
	}
}

func panicError(provider string, r any) error {
	return llm.NewError(llm.KindUnknown, provider, fmt.Errorf("%v", r), "provider client panicked")
}

func recoverOutcome(provider string, out *Outcome) {
	if r := recover(); r != nil {
		*out = failed(provider, panicError(provider, r))
	}
}

// instrumented throttles and measures calls to the wrapped client.
type instrumented struct {
	llm.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

func (c *instrumented) Generate(ctx context.Context, p string, opts llm.Options) (llm.Completion, error) {
	provider := c.ProviderName()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return llm.Completion{}, llm.NewError(llm.KindNetwork, provider, err, "request not sent: rate limiter wait aborted")
		}
	}
	start := time.Now()
	comp, err := c.Client.Generate(ctx, p, opts)
	c.metrics.ObserveGeneration(provider, time.Since(start), err)
	return comp, err
}
