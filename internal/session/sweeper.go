package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically evicts idle and aged sessions. Evictions are
// independent of lifecycle transitions and carry no client notification.
type Sweeper struct {
	store           *Store
	clock           clockwork.Clock
	interval        time.Duration
	idleTimeout     time.Duration
	absoluteTimeout time.Duration

	// OnEvict, when set, observes the eviction count of each sweep.
	OnEvict func(evicted int)
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store *Store, clock clockwork.Clock, interval, idleTimeout, absoluteTimeout time.Duration) *Sweeper {
	return &Sweeper{
		store:           store,
		clock:           clock,
		interval:        interval,
		idleTimeout:     idleTimeout,
		absoluteTimeout: absoluteTimeout,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", sw.interval).Msg("session sweeper started")

	ticker := sw.clock.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session sweeper shutting down")
			return
		case <-ticker.Chan():
			evicted := sw.store.Sweep(sw.idleTimeout, sw.absoluteTimeout)
			if sw.OnEvict != nil {
				sw.OnEvict(evicted)
			}
		}
	}
}
