package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperRunEvictsIdleSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock, 10, 3)

	id, err := store.Create()
	require.NoError(t, err)

	var evicted atomic.Int64
	sw := NewSweeper(store, clock, 5*time.Minute, 2*time.Hour, 24*time.Hour)
	sw.OnEvict = func(n int) { evicted.Add(int64(n)) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	// Let the ticker register before moving time.
	clock.BlockUntil(1)
	clock.Advance(2*time.Hour + 5*time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for store.Exists(id) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	assert.False(t, store.Exists(id))
	assert.Equal(t, int64(1), evicted.Load())
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock, 10, 3)
	sw := NewSweeper(store, clock, 5*time.Minute, 2*time.Hour, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(1)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
