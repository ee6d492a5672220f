package dedup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"plant-doctor/internal/domain"
)

// DefaultMinConfidence is the confidence below which results are not cached.
const DefaultMinConfidence = 50

// Backend stores opaque envelopes by key. A value written by Set must become
// visible to Get as a whole or not at all.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type envelope struct {
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
	ComputedAt  time.Time       `json:"computedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

// Cache maps fingerprints to encoded diagnosis results.
type Cache struct {
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
}

type CacheOption func(*Cache)

func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCache(backend Backend, opts ...CacheOption) (*Cache, error) {
	if backend == nil {
		return nil, errors.New("dedup: backend must not be nil")
	}
	c := &Cache{backend: backend, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lookup returns the cached result for fp. Entries past their expiry are
// reported absent even if the backend still holds them.
func (c *Cache) Lookup(ctx context.Context, fp Fingerprint) ([]byte, bool, error) {
	raw, found, err := c.backend.Get(ctx, fp.String())
	if err != nil {
		return nil, false, fmt.Errorf("dedup: Lookup: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// A corrupt entry is a miss; the next Store overwrites it.
		c.logger.Warn("discarding undecodable cache entry", "fingerprint", fp.String(), "error", err)
		return nil, false, nil
	}
	if env.Fingerprint != fp.String() || !c.now().Before(env.ExpiresAt) {
		return nil, false, nil
	}
	return []byte(env.Result), true, nil
}

// Store writes result under fp for ttl. result must be valid JSON.
func (c *Cache) Store(ctx context.Context, fp Fingerprint, result []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("dedup: Store: ttl must be positive")
	}
	if !json.Valid(result) {
		return errors.New("dedup: Store: result is not valid JSON")
	}
	now := c.now()
	data, err := json.Marshal(envelope{
		Fingerprint: fp.String(),
		Result:      json.RawMessage(result),
		ComputedAt:  now.UTC(),
		ExpiresAt:   now.Add(ttl).UTC(),
	})
	if err != nil {
		return fmt.Errorf("dedup: Store encode: %w", err)
	}
	if err := c.backend.Set(ctx, fp.String(), data, ttl); err != nil {
		return fmt.Errorf("dedup: Store: %w", err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, fp Fingerprint) error {
	if err := c.backend.Delete(ctx, fp.String()); err != nil {
		return fmt.Errorf("dedup: Invalidate: %w", err)
	}
	return nil
}

func lastKey(userID string) string {
	return "last:" + userID
}

// Remember points userID at fp for ttl so the user can ask for the same
// diagnosis again after the cycle has ended.
func (c *Cache) Remember(ctx context.Context, userID string, fp Fingerprint, ttl time.Duration) error {
	if userID == "" {
		return errors.New("dedup: Remember: user id must not be empty")
	}
	if ttl <= 0 {
		return errors.New("dedup: Remember: ttl must be positive")
	}
	if err := c.backend.Set(ctx, lastKey(userID), []byte(fp.String()), ttl); err != nil {
		return fmt.Errorf("dedup: Remember: %w", err)
	}
	return nil
}

// Recall returns the fingerprint last remembered for userID. The entry it
// points at may have expired since; Lookup decides that.
func (c *Cache) Recall(ctx context.Context, userID string) (Fingerprint, bool, error) {
	raw, found, err := c.backend.Get(ctx, lastKey(userID))
	if err != nil {
		return Fingerprint{}, false, fmt.Errorf("dedup: Recall: %w", err)
	}
	if !found {
		return Fingerprint{}, false, nil
	}
	var fp Fingerprint
	b, err := hex.DecodeString(string(raw))
	if err != nil || len(b) != len(fp) {
		c.logger.Warn("discarding malformed diagnosis pointer", "user_id", userID)
		return Fingerprint{}, false, nil
	}
	copy(fp[:], b)
	return fp, true, nil
}

// Policy decides which results are worth sharing across users.
type Policy struct {
	MinConfidence int
}

// ShouldCache is true for results at or above MinConfidence without an error marker.
func (p Policy) ShouldCache(r domain.DiagnosisResult) bool {
	return r.Error == "" && r.ConfidenceLevel >= p.MinConfidence
}
