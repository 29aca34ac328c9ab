// Package cache memoizes generated notification text for a fixed time-to-live.
//
// Entries are evicted lazily: a read of an expired entry deletes it, and
// PurgeExpired sweeps the whole store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/xostack/xonotify/store"
)

const (
	// TTL is the lifetime of every entry.
	TTL = 24 * time.Hour

	// CostPerThousandTokens is the USD figure used by Stats.
	CostPerThousandTokens = 0.002
)

// Entry is the persisted form of one cached response.
type Entry struct {
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	TokenCount *int      `json:"token_count,omitempty"`
}

// Stats summarizes the store at the time of the call.
type Stats struct {
	Valid              int     `json:"valid"`
	Expired            int     `json:"expired"`
	TotalTokensSaved   int64   `json:"total_tokens_saved"`
	EstimatedCostSaved float64 `json:"estimated_cost_saved"`
}

// Cache is a TTL cache over a store.Store.
type Cache struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns a Cache over s.
func New(s store.Store, opts ...Option) *Cache {
	c := &Cache{store: s, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives a cache key from the user, app and tone. Distinct inputs may
// collide; no collision detection is done.
func Key(userID, appID, tone string) string {
	h := fnv.New64a()
	h.Write([]byte(userID + "|" + appID + "|" + tone))
	return fmt.Sprintf("%016x", h.Sum64())
}

func (c *Cache) expired(e Entry) bool {
	return c.now().Sub(e.CreatedAt) >= TTL
}

// Put stores text under key, replacing any existing entry.
func (c *Cache) Put(ctx context.Context, key, text string, tokenCount *int) error {
	raw, err := json.Marshal(Entry{Text: text, CreatedAt: c.now().UTC(), TokenCount: tokenCount})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.store.Put(ctx, key, raw)
}

// Get returns the cached text for key while it is fresh. Expired or
// unreadable entries are deleted and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.Warn("evicting unreadable cache entry", zap.String("key", key), zap.Error(err))
		return "", false, c.store.Delete(ctx, key)
	}
	if c.expired(e) {
		c.log.Debug("evicting expired cache entry", zap.String("key", key), zap.Time("created_at", e.CreatedAt))
		return "", false, c.store.Delete(ctx, key)
	}
	return e.Text, true, nil
}

// Has reports whether Get would hit.
func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

// PurgeExpired removes expired and unreadable entries and returns how many
// were removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	var stale []string
	err := c.store.Scan(ctx, func(key string, raw []byte) bool {
		var e Entry
		if json.Unmarshal(raw, &e) != nil || c.expired(e) {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range stale {
		if err := c.store.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		c.log.Info("purged expired cache entries", zap.Int("removed", removed))
	}
	return removed, nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.DeleteAll(ctx)
}

// Stats scans the store. Unreadable entries count as expired.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.store.Scan(ctx, func(_ string, raw []byte) bool {
		var e Entry
		if json.Unmarshal(raw, &e) != nil || c.expired(e) {
			st.Expired++
			return true
		}
		st.Valid++
		if e.TokenCount != nil {
			st.TotalTokensSaved += int64(*e.TokenCount)
		}
		return true
	})
	if err != nil {
		return Stats{}, err
	}
	st.EstimatedCostSaved = float64(st.TotalTokensSaved) / 1000 * CostPerThousandTokens
	return st, nil
}
