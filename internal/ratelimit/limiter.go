// Package ratelimit bounds how often an actor may trigger an action, using
// sliding-window counters keyed by (actor, action).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Limiter tracks recent action timestamps per actor and enforces
// (count, window) budgets. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ledgers map[string]map[string][]time.Time
}

// NewLimiter creates a limiter on the given clock.
func NewLimiter(clock clockwork.Clock) *Limiter {
	return &Limiter{
		clock:   clock,
		ledgers: make(map[string]map[string][]time.Time),
	}
}

// Allow prunes entries older than window for (actorKey, action), then
// records and allows the action iff fewer than max remain. A denied action
// is not recorded.
func (l *Limiter) Allow(actorKey, action string, max int, window time.Duration) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	actions := l.ledgers[actorKey]
	if actions == nil {
		actions = make(map[string][]time.Time)
		l.ledgers[actorKey] = actions
	}

	recent := actions[action][:0]
	for _, t := range actions[action] {
		if now.Sub(t) < window {
			recent = append(recent, t)
		}
	}

	if len(recent) >= max {
		actions[action] = recent
		return false
	}
	actions[action] = append(recent, now)
	return true
}

// Actors returns the number of tracked actor keys.
func (l *Limiter) Actors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ledgers)
}

// RunJanitor periodically discards ledgers for actors with no activity
// inside the grace window, to bound memory.
func (l *Limiter) RunJanitor(ctx context.Context, interval, grace time.Duration) {
	log.Info().Dur("interval", interval).Msg("rate limit janitor started")

	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("rate limit janitor shutting down")
			return
		case <-ticker.Chan():
			l.prune(grace)
		}
	}
}

func (l *Limiter) prune(grace time.Duration) {
	cutoff := l.clock.Now().Add(-grace)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for actor, actions := range l.ledgers {
		idle := true
		for _, timestamps := range actions {
			for _, t := range timestamps {
				if t.After(cutoff) {
					idle = false
					break
				}
			}
			if !idle {
				break
			}
		}
		if idle {
			delete(l.ledgers, actor)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("count", removed).Msg("pruned idle rate limit ledgers")
	}
}
