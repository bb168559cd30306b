package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cooldown enforces a minimum interval between actions from the same key,
// typically a source address. It is an independent gate from the
// per-connection sliding-window budgets.
type Cooldown struct {
	mu    sync.Mutex
	clock clockwork.Clock
	last  map[string]time.Time
}

// NewCooldown creates a cooldown tracker on the given clock.
func NewCooldown(clock clockwork.Clock) *Cooldown {
	return &Cooldown{
		clock: clock,
		last:  make(map[string]time.Time),
	}
}

// Allow records and allows the action iff at least minInterval has elapsed
// since the key's previous allowed action. Empty keys are always allowed and
// never tracked.
func (c *Cooldown) Allow(key string, minInterval time.Duration) bool {
	if key == "" {
		return true
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.last[key]; ok && now.Sub(prev) < minInterval {
		return false
	}
	c.last[key] = now
	return true
}

// Tracked returns the number of keys currently held.
func (c *Cooldown) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

// RunJanitor periodically prunes stale keys until the context is cancelled.
func (c *Cooldown) RunJanitor(ctx context.Context, interval, grace time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Prune(grace)
		}
	}
}

// Prune drops keys whose last action is older than the grace window.
func (c *Cooldown) Prune(grace time.Duration) int {
	cutoff := c.clock.Now().Add(-grace)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, t := range c.last {
		if t.Before(cutoff) {
			delete(c.last, key)
			removed++
		}
	}
	return removed
}
