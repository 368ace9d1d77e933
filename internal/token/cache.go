// Package token caches short-lived upstream credentials. One Cache exists per
// external system (insurance registry, HIS).
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrEmptyToken = errors.New("token endpoint returned an empty access token")

type Token struct {
	AccessToken string
	IDToken     string
	ExpiresAt   time.Time
}

func (t Token) validAt(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Fetcher obtains a fresh token. ExpiresAt must be the expiry declared by the
// issuing server; the cache applies its own safety margin.
type Fetcher func(ctx context.Context) (Token, error)

type Cache struct {
	name   string
	fetch  Fetcher
	margin time.Duration
	log    *zap.Logger

	mu      sync.RWMutex
	current Token

	// refreshing is a plain flag rather than a queue; a duplicate refresh
	// is harmless.
	refreshing   atomic.Bool
	pollInterval time.Duration
	maxWait      time.Duration

	now func() time.Time
}

func NewCache(name string, fetch Fetcher, margin time.Duration, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		name:         name,
		fetch:        fetch,
		margin:       margin,
		log:          log,
		pollInterval: 50 * time.Millisecond,
		maxWait:      3 * time.Second,
		now:          time.Now,
	}
}

// Get returns the cached token, refreshing it when absent or expired.
func (c *Cache) Get(ctx context.Context) (Token, error) {
	if t, ok := c.cached(); ok {
		return t, nil
	}

	if c.refreshing.CompareAndSwap(false, true) {
		defer c.refreshing.Store(false)
		return c.refresh(ctx)
	}

	waited := time.Duration(0)
	for c.refreshing.Load() && waited < c.maxWait {
		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case <-time.After(c.pollInterval):
			waited += c.pollInterval
		}
	}

	if t, ok := c.cached(); ok {
		return t, nil
	}

	c.log.Debug("token.Cache.Get refreshing after waiting on concurrent refresh",
		zap.String("upstream", c.name),
		zap.Duration("waited", waited),
	)
	return c.refresh(ctx)
}

func (c *Cache) Put(t Token) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = Token{}
	c.mu.Unlock()
}

func (c *Cache) cached() (Token, bool) {
	c.mu.RLock()
	t := c.current
	c.mu.RUnlock()
	return t, t.validAt(c.now())
}

func (c *Cache) refresh(ctx context.Context) (Token, error) {
	t, err := c.fetch(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("refresh %s token: %w", c.name, err)
	}
	if t.AccessToken == "" {
		return Token{}, fmt.Errorf("refresh %s token: %w", c.name, ErrEmptyToken)
	}

	now := c.now()
	if withMargin := t.ExpiresAt.Add(-c.margin); withMargin.After(now) {
		t.ExpiresAt = withMargin
	}

	c.Put(t)
	c.log.Info("token refreshed",
		zap.String("upstream", c.name),
		zap.Time("expires_at", t.ExpiresAt),
	)
	return t, nil
}

// ParseExpiry turns the expiry field of a token response into an absolute
// time. Upstreams send either a lifetime in seconds (number or numeric string)
// or a timestamp.
func ParseExpiry(raw []byte, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}, errors.New("missing expiry")
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return now.Add(time.Duration(secs * float64(time.Second))), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "02/01/2006 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised expiry %q", s)
}
