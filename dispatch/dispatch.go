// Package dispatch composes the rate limiter, the response cache, the
// generator and a notification sink into one send decision per user.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xostack/xonotify"
	"github.com/xostack/xonotify/cache"
	"github.com/xostack/xonotify/metrics"
	"github.com/xostack/xonotify/notify"
	"github.com/xostack/xonotify/prompt"
	"github.com/xostack/xonotify/schedule"
)

// Reasons reported in Result.Reason and as the dispatch metric outcome.
const (
	ReasonSent             = "sent"
	ReasonThrottled        = "throttled"
	ReasonGenerationFailed = "generation_failed"
	ReasonDeliveryFailed   = "delivery_failed"
	ReasonStorageFailed    = "storage_failed"
)

// Generator produces notification text. *xonotify.Generator implements it.
type Generator interface {
	GenerateOne(ctx context.Context, req prompt.Request) xonotify.Outcome
}

// Result describes what one Dispatch call did.
type Result struct {
	Sent           bool   `json:"sent"`
	Reason         string `json:"reason"`
	Text           string `json:"text,omitempty"`
	FromCache      bool   `json:"from_cache"`
	NotificationID string `json:"notification_id,omitempty"`
}

// Job is one user and request dispatched on every Run tick.
type Job struct {
	UserID  string         `json:"user_id"`
	Request prompt.Request `json:"request"`
}

// Dispatcher runs the send pipeline.
type Dispatcher struct {
	gen     Generator
	cache   *cache.Cache
	limiter *schedule.Limiter
	sink    notify.Sink
	metrics *metrics.Metrics
	log     *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSink sets the delivery sink. The default logs notifications.
func WithSink(s notify.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithMetrics records dispatch and cache outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// New returns a Dispatcher.
func New(gen Generator, c *cache.Cache, l *schedule.Limiter, opts ...Option) *Dispatcher {
	d := &Dispatcher{gen: gen, cache: c, limiter: l, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.sink == nil {
		d.sink = notify.NewLogSink(d.log)
	}
	return d
}

// Dispatch decides whether userID may be notified under req.Frequency and, if
// so, delivers cached or freshly generated text and records the send.
//
// An empty Frequency is treated as daily. A throttled user is not an error.
// Generation and delivery failures are returned and never recorded as sends.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, req prompt.Request) (Result, error) {
	if req.Frequency == "" {
		req.Frequency = schedule.Daily
	}
	log := d.log.With(zap.String("user_id", userID), zap.String("app_id", req.AppID))

	ok, err := d.limiter.MayNotify(ctx, userID, req.Frequency)
	if err != nil {
		return d.finish(Result{Reason: ReasonStorageFailed}), err
	}
	if !ok {
		log.Debug("notification throttled", zap.String("frequency", string(req.Frequency)))
		return d.finish(Result{Reason: ReasonThrottled}), nil
	}

	key := cache.Key(userID, req.AppID, string(req.Tone))
	text, hit, err := d.cache.Get(ctx, key)
	if err != nil {
		log.Warn("cache lookup failed, generating", zap.Error(err))
	}
	d.metrics.ObserveCache(hit)

	provider := ""
	if !hit {
		out := d.gen.GenerateOne(ctx, req)
		if !out.OK() {
			log.Warn("generation failed", zap.Error(out.Err))
			return d.finish(Result{Reason: ReasonGenerationFailed}), out.Err
		}
		text, provider = out.Text, out.Provider
		if err := d.cache.Put(ctx, key, text, out.TokenCount); err != nil {
			log.Warn("cache write failed", zap.Error(err))
		}
	}

	n := notify.New(userID, req.AppID, text, provider, hit)
	if err := d.sink.Deliver(ctx, n); err != nil {
		log.Error("delivery failed", zap.String("notification_id", n.ID), zap.Error(err))
		return d.finish(Result{Reason: ReasonDeliveryFailed, Text: text, FromCache: hit}), err
	}
	if err := d.limiter.RecordNotified(ctx, userID); err != nil {
		return d.finish(Result{Reason: ReasonStorageFailed, Text: text, FromCache: hit, NotificationID: n.ID}), err
	}

	log.Info("notification sent", zap.String("notification_id", n.ID), zap.Bool("from_cache", hit))
	return d.finish(Result{
		Sent:           true,
		Reason:         ReasonSent,
		Text:           text,
		FromCache:      hit,
		NotificationID: n.ID,
	}), nil
}

func (d *Dispatcher) finish(r Result) Result {
	d.metrics.ObserveDispatch(r.Reason)
	return r
}

// RunOnce dispatches every job in order and returns one Result per job.
// Failures are logged and reflected in the Result.
func (d *Dispatcher) RunOnce(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		res, err := d.Dispatch(ctx, job.UserID, job.Request)
		if err != nil {
			d.log.Error("dispatch failed",
				zap.String("user_id", job.UserID),
				zap.String("reason", res.Reason),
				zap.Error(err),
			)
		}
		results = append(results, res)
	}
	return results
}

// Run dispatches every job immediately and then on each tick of interval
// until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, jobs []Job) error {
	if interval <= 0 {
		return fmt.Errorf("dispatch interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log.Info("dispatch loop started", zap.Duration("interval", interval), zap.Int("jobs", len(jobs)))
	for {
		d.RunOnce(ctx, jobs)
		select {
		case <-ctx.Done():
			d.log.Info("dispatch loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Close closes the sink.
func (d *Dispatcher) Close() error {
	return d.sink.Close()
}
