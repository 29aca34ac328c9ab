// Package schedule decides whether a user may receive another notification.
//
// Each user has one persisted record holding the last send time and a
// cumulative send count. A Frequency policy compares the elapsed time against
// a threshold. The count only grows until Reset or ResetAll.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xostack/xonotify/store"
)

// Frequency is a send-rate policy.
type Frequency string

const (
	Daily    Frequency = "daily"
	Weekly   Frequency = "weekly"
	Adaptive Frequency = "adaptive"
	Custom   Frequency = "custom" // always permitted; the caller decides
)

// Frequencies lists every policy in declaration order.
var Frequencies = []Frequency{Daily, Weekly, Adaptive, Custom}

// ParseFrequency accepts a policy name in any case.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Frequencies {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

const (
	// Unbounded is returned by HoursSinceLast for users never notified.
	Unbounded int64 = math.MaxInt64

	// AdaptiveEngagedCount is the send count above which the adaptive
	// policy backs off to AdaptiveSlowInterval.
	AdaptiveEngagedCount = 5

	DailyInterval        = 24 * time.Hour
	WeeklyInterval       = 7 * 24 * time.Hour
	AdaptiveSlowInterval = 48 * time.Hour
)

// Record is the persisted send history of one user.
type Record struct {
	LastSent time.Time `json:"last_sent"`
	Count    int64     `json:"count"`
}

// Limiter evaluates frequency policies over a store.Store.
type Limiter struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// New returns a Limiter over s.
func New(s store.Store, opts ...Option) *Limiter {
	l := &Limiter{store: s, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func recordKey(userID string) string { return "user:" + userID }

// Record returns the stored history of userID and whether one exists.
func (l *Limiter) Record(ctx context.Context, userID string) (Record, bool, error) {
	raw, ok, err := l.store.Get(ctx, recordKey(userID))
	if err != nil || !ok {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Unreadable records count as never sent.
		l.log.Warn("discarding unreadable schedule record", zap.String("user", userID), zap.Error(err))
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Interval returns the minimum gap the policy requires given a send count.
// Custom returns 0.
func Interval(f Frequency, count int64) time.Duration {
	switch f {
	case Daily:
		return DailyInterval
	case Weekly:
		return WeeklyInterval
	case Adaptive:
		if count <= AdaptiveEngagedCount {
			return DailyInterval
		}
		return AdaptiveSlowInterval
	default:
		return 0
	}
}

// MayNotify reports whether userID may be notified now under policy f.
func (l *Limiter) MayNotify(ctx context.Context, userID string, f Frequency) (bool, error) {
	if f == Custom {
		return true, nil
	}
	rec, ok, err := l.Record(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	elapsed := l.now().Sub(rec.LastSent)
	return elapsed >= Interval(f, rec.Count), nil
}

// RecordNotified stamps a send for userID at the current time.
func (l *Limiter) RecordNotified(ctx context.Context, userID string) error {
	rec, _, err := l.Record(ctx, userID)
	if err != nil {
		return err
	}
	rec.LastSent = l.now().UTC()
	rec.Count++

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode schedule record: %w", err)
	}
	if err := l.store.Put(ctx, recordKey(userID), raw); err != nil {
		return err
	}
	l.log.Debug("recorded notification", zap.String("user", userID), zap.Int64("count", rec.Count))
	return nil
}

// HoursSinceLast returns whole hours since the last send, or Unbounded.
func (l *Limiter) HoursSinceLast(ctx context.Context, userID string) (int64, error) {
	rec, ok, err := l.Record(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return Unbounded, nil
	}
	return int64(l.now().Sub(rec.LastSent) / time.Hour), nil
}

// Reset clears the history of userID.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	return l.store.Delete(ctx, recordKey(userID))
}

// ResetAll clears every user's history.
func (l *Limiter) ResetAll(ctx context.Context) error {
	return l.store.DeleteAll(ctx)
}
