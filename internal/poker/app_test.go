package poker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beardcraft/pokering/internal/ratelimit"
	"github.com/beardcraft/pokering/internal/session"
)

// recordedEvent is one outbound message captured by the fake broadcaster.
type recordedEvent struct {
	Room   string
	ConnID string
	Event  string
	Data   any
}

// fakeBroadcaster records everything the lifecycle manager emits. Safe for
// use from the countdown goroutine.
type fakeBroadcaster struct {
	mu     sync.Mutex
	rooms  map[string]string // connID -> room
	events []recordedEvent
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{rooms: make(map[string]string)}
}

func (f *fakeBroadcaster) JoinRoom(connID, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[connID] = room
}

func (f *fakeBroadcaster) BroadcastToRoom(room, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Room: room, Event: event, Data: data})
}

func (f *fakeBroadcaster) SendToConnection(connID, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{ConnID: connID, Event: event, Data: data})
}

func (f *fakeBroadcaster) roomOf(connID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[connID]
}

func (f *fakeBroadcaster) named(event string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeBroadcaster) last(event string) (recordedEvent, bool) {
	all := f.named(event)
	if len(all) == 0 {
		return recordedEvent{}, false
	}
	return all[len(all)-1], true
}

// waitForEvent polls until at least n events with the given name arrived.
// The countdown runs on its own goroutine, so reveal-path assertions need
// a real-time wait even with a fake clock.
func waitForEvent(t *testing.T, f *fakeBroadcaster, event string, n int) []recordedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if all := f.named(event); len(all) >= n {
			return all
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events", n, event)
	return nil
}

func newTestApp(t *testing.T) (*App, *session.Store, *fakeBroadcaster, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := session.NewStore(clock, 10, 3)
	broadcaster := newFakeBroadcaster()
	app := NewApp(store, ratelimit.NewLimiter(clock), ratelimit.NewCooldown(clock), broadcaster, clock)
	return app, store, broadcaster, clock
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func joinPayload(t *testing.T, sessionID, clientID, username string, extra map[string]any) json.RawMessage {
	m := map[string]any{
		"sessionId": sessionID,
		"clientId":  clientID,
		"username":  username,
	}
	for k, v := range extra {
		m[k] = v
	}
	return payload(t, m)
}

// mustJoin admits a member and fails the test on any joinFailed reply.
func mustJoin(t *testing.T, app *App, b *fakeBroadcaster, sessionID, connID, clientID, username string, extra map[string]any) {
	t.Helper()
	before := len(b.named(EventJoinFailed))
	app.HandleJoin(ConnInfo{ID: connID, RemoteIP: "10.0.0." + connID}, joinPayload(t, sessionID, clientID, username, extra))
	require.Len(t, b.named(EventJoinFailed), before, "join of %s unexpectedly failed", username)
}

func votePayload(t *testing.T, sessionID string, value any) json.RawMessage {
	return payload(t, map[string]any{"sessionId": sessionID, "value": value})
}

func TestJoinSuccessBroadcastsMembership(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)

	mustJoin(t, app, b, id, "1", "host-client", "Alice", nil)

	assert.Equal(t, id, b.roomOf("1"))

	update, ok := b.last(EventUsersUpdate)
	require.True(t, ok)
	assert.Equal(t, id, update.Room)
	members := update.Data.(map[string]session.Member)
	require.Contains(t, members, "1")
	assert.Equal(t, "Alice", members["1"].Username)
	assert.True(t, members["1"].IsHost, "first joiner becomes host")

	// Host did not declare a voting preference: prompt it, privately.
	ask, ok := b.last(EventAskHostToJoinVoting)
	require.True(t, ok)
	assert.Equal(t, "1", ask.ConnID)
}

func TestJoinHostWithDeclaredPreferenceNotPrompted(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)

	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{"wantsToVote": true})
	assert.Empty(t, b.named(EventAskHostToJoinVoting))
}

func TestJoinValidationReasons(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)

	cases := []struct {
		name   string
		data   json.RawMessage
		reason string
	}{
		{"malformed payload", json.RawMessage(`"not an object"`), "Invalid request format"},
		{"bad session id", joinPayload(t, "short", "client-aaa", "Alice", nil), "Invalid session ID"},
		{"bad client id", joinPayload(t, id, "no", "Alice", nil), "Invalid client ID"},
		{"unknown session", joinPayload(t, strings.Repeat("x", 16), "client-aaa", "Alice", nil), "Session not found"},
		{"bad username", joinPayload(t, id, "client-aaa", "Alice55", nil), "Invalid username (letters only, max 20)."},
		{"empty username", joinPayload(t, id, "client-bbb", "", nil), "Invalid username (letters only, max 20)."},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			connID := fmt.Sprintf("val-%d", i)
			app.HandleJoin(ConnInfo{ID: connID, RemoteIP: fmt.Sprintf("10.1.0.%d", i)}, tc.data)

			failed, ok := b.last(EventJoinFailed)
			require.True(t, ok)
			assert.Equal(t, connID, failed.ConnID, "reason goes to the actor only")
			assert.Equal(t, tc.reason, failed.Data.(JoinFailedPayload).Reason)
		})
	}

	// None of the rejected joins mutated the session.
	require.NoError(t, store.Mutate(id, func(s *session.Session) error {
		assert.Empty(t, s.Members)
		assert.Empty(t, s.HostClientID)
		return nil
	}))
}

func TestJoinDuplicateClientRejected(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)

	mustJoin(t, app, b, id, "1", "client-aaa", "Alice", nil)
	app.HandleJoin(ConnInfo{ID: "2", RemoteIP: "10.0.0.2"}, joinPayload(t, id, "client-aaa", "Bob", nil))

	failed, ok := b.last(EventJoinFailed)
	require.True(t, ok)
	assert.Equal(t, "2", failed.ConnID)
	assert.Equal(t, "Client already connected", failed.Data.(JoinFailedPayload).Reason)
}

func TestJoinSessionFull(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		mustJoin(t, app, b, id, fmt.Sprintf("%d", i), fmt.Sprintf("client-%d00", i), "Alice", nil)
	}
	app.HandleJoin(ConnInfo{ID: "4", RemoteIP: "10.0.0.4"}, joinPayload(t, id, "client-400", "Dave", nil))

	failed, ok := b.last(EventJoinFailed)
	require.True(t, ok)
	assert.Equal(t, "Session is full", failed.Data.(JoinFailedPayload).Reason)
}

func TestJoinRateLimitPerConnection(t *testing.T) {
	app, _, b, _ := newTestApp(t)

	// Even invalid joins consume the budget; the 6th attempt is throttled.
	for i := 0; i < 5; i++ {
		app.HandleJoin(ConnInfo{ID: "1", RemoteIP: "10.0.0.1"}, json.RawMessage(`{}`))
	}
	app.HandleJoin(ConnInfo{ID: "1", RemoteIP: "10.0.0.1"}, json.RawMessage(`{}`))

	failed, ok := b.last(EventJoinFailed)
	require.True(t, ok)
	assert.Equal(t, "Too many join attempts", failed.Data.(JoinFailedPayload).Reason)
}

func TestJoinCooldownPerAddress(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)

	app.HandleJoin(ConnInfo{ID: "1", RemoteIP: "10.9.9.9"}, joinPayload(t, id, "client-aaa", "Alice", nil))
	app.HandleJoin(ConnInfo{ID: "2", RemoteIP: "10.9.9.9"}, joinPayload(t, id, "client-bbb", "Bob", nil))

	failed, ok := b.last(EventJoinFailed)
	require.True(t, ok)
	assert.Equal(t, "2", failed.ConnID)
	assert.Equal(t, "Too many join attempts. Please wait.", failed.Data.(JoinFailedPayload).Reason)
}

func TestHostDeckIsNormalizedAndFixed(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)

	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{
		"deck": []any{1, 1, 2, "x", 3, 5, 1001},
	})
	// A later joiner's deck is ignored; the host fixed it.
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", map[string]any{
		"deck": []any{100, 200, 300},
	})

	require.NoError(t, store.Mutate(id, func(s *session.Session) error {
		assert.Equal(t, []int{1, 2, 3, 5}, s.Deck)
		assert.Equal(t, "host-client", s.HostClientID)
		return nil
	}))
}

func TestHostInvalidDeckKeepsDefault(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)

	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{"deck": []any{"a", "b"}})

	require.NoError(t, store.Mutate(id, func(s *session.Session) error {
		assert.Equal(t, session.DefaultDeck, s.Deck)
		return nil
	}))
}

func TestVoteOutsideDeckNeverMutates(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", nil)

	updates := len(b.named(EventUsersUpdate))
	app.HandleVote(ConnInfo{ID: "1"}, votePayload(t, id, 4))        // not in deck
	app.HandleVote(ConnInfo{ID: "1"}, votePayload(t, id, "maybe")) // not the abstain marker
	app.HandleVote(ConnInfo{ID: "1"}, votePayload(t, id, true))    // wrong type

	assert.Len(t, b.named(EventUsersUpdate), updates, "dropped votes emit nothing")
	require.NoError(t, store.Mutate(id, func(s *session.Session) error {
		assert.False(t, s.Members["1"].Vote.Set)
		return nil
	}))
}

func TestVoteFromUnknownConnectionIgnored(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", nil)

	updates := len(b.named(EventUsersUpdate))
	app.HandleVote(ConnInfo{ID: "stranger"}, votePayload(t, id, 3))
	assert.Len(t, b.named(EventUsersUpdate), updates)
}

func TestVoteRecordedAndBroadcast(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", nil)
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", nil)

	app.HandleVote(ConnInfo{ID: "2"}, votePayload(t, id, 8))

	update, ok := b.last(EventUsersUpdate)
	require.True(t, ok)
	members := update.Data.(map[string]session.Member)
	assert.Equal(t, session.NumericVote(8), members["2"].Vote)
	assert.False(t, members["1"].Vote.Set)
}

func TestCompletionRunsCountdownThenReveal(t *testing.T) {
	app, store, b, clock := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{"wantsToVote": true})
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", nil)

	app.HandleVote(ConnInfo{ID: "1"}, votePayload(t, id, 2))
	assert.Empty(t, b.named(EventCountdown), "no countdown until everyone voted")

	app.HandleVote(ConnInfo{ID: "2"}, votePayload(t, id, 3))

	waitForEvent(t, b, EventCountdown, 1)
	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	ticks := waitForEvent(t, b, EventCountdown, 4)
	values := make([]int, 0, len(ticks))
	for _, e := range ticks {
		values = append(values, e.Data.(int))
	}
	assert.Equal(t, []int{3, 2, 1, 0}, values)

	reveal := waitForEvent(t, b, EventRevealVotes, 1)[0]
	assert.Equal(t, id, reveal.Room)
	members := reveal.Data.(RevealPayload).Users.(map[string]session.Member)
	assert.Equal(t, session.NumericVote(2), members["1"].Vote)
	assert.Equal(t, session.NumericVote(3), members["2"].Vote)
}

// statsResult mirrors the aggregate JSON shape for assertions.
type statsResult struct {
	Average  float64  `json:"average"`
	Median   int      `json:"median"`
	Outliers []string `json:"outliers"`
}

func TestQualifyingVoteTwiceStartsOneCountdown(t *testing.T) {
	app, store, b, clock := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{"wantsToVote": true})

	app.HandleVote(ConnInfo{ID: "1"}, votePayload(t, id, 5))
	app.HandleVote(ConnInfo{ID: "1"}, votePayload(t, id, 8))

	waitForEvent(t, b, EventCountdown, 1)
	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	waitForEvent(t, b, EventRevealVotes, 1)

	// Exactly one countdown sequence: one tick per value.
	ticks := b.named(EventCountdown)
	assert.Len(t, ticks, 4)
	assert.Len(t, b.named(EventRevealVotes), 1)

	require.NoError(t, store.Mutate(id, func(s *session.Session) error {
		assert.True(t, s.Revealed)
		return nil
	}))
}

func TestRevealStats(t *testing.T) {
	app, store, b, clock := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{"wantsToVote": true})
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", nil)
	mustJoin(t, app, b, id, "3", "client-ccc", "Carol", nil)

	app.HandleVote(ConnInfo{ID: "1"}, votePayload(t, id, 1))
	app.HandleVote(ConnInfo{ID: "2"}, votePayload(t, id, 2))
	app.HandleVote(ConnInfo{ID: "3"}, votePayload(t, id, 3))

	waitForEvent(t, b, EventCountdown, 1)
	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	reveal := waitForEvent(t, b, EventRevealVotes, 1)[0]
	data := reveal.Data.(RevealPayload)

	raw, err := json.Marshal(data.Stats)
	require.NoError(t, err)
	var st statsResult
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, 2.0, st.Average)
	assert.Equal(t, 2, st.Median)
	assert.Empty(t, st.Outliers)
}

func TestRevealAllAbstainHasEmptyStats(t *testing.T) {
	app, store, b, clock := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{"wantsToVote": true})

	app.HandleVote(ConnInfo{ID: "1"}, votePayload(t, id, "?"))

	waitForEvent(t, b, EventCountdown, 1)
	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	reveal := waitForEvent(t, b, EventRevealVotes, 1)[0]
	raw, err := json.Marshal(reveal.Data.(RevealPayload).Stats)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestCountdownIntoDeletedSessionStopsSilently(t *testing.T) {
	app, store, b, clock := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{"wantsToVote": true})

	app.HandleVote(ConnInfo{ID: "1"}, votePayload(t, id, 5))
	waitForEvent(t, b, EventCountdown, 1)

	store.Delete(id)
	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	waitForEvent(t, b, EventCountdown, 4)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, b.named(EventRevealVotes), "reveal must not fire into a dead session")
}

func TestHostVotingDecision(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", nil)
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", nil)

	// Non-host decisions are no-ops.
	updates := len(b.named(EventUsersUpdate))
	app.HandleHostVotingDecision(ConnInfo{ID: "2"}, payload(t, map[string]any{"sessionId": id, "wantsToVote": false}))
	assert.Len(t, b.named(EventUsersUpdate), updates)

	app.HandleHostVotingDecision(ConnInfo{ID: "1"}, payload(t, map[string]any{"sessionId": id, "wantsToVote": false}))
	update, ok := b.last(EventUsersUpdate)
	require.True(t, ok)
	members := update.Data.(map[string]session.Member)
	require.NotNil(t, members["1"].WantsToVote)
	assert.False(t, *members["1"].WantsToVote)
}

func TestOptedOutHostExcludedFromCompletion(t *testing.T) {
	app, store, b, clock := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{"wantsToVote": false})
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", nil)

	// Only Bob is in the effective voter set; his vote completes the round.
	app.HandleVote(ConnInfo{ID: "2"}, votePayload(t, id, 13))

	waitForEvent(t, b, EventCountdown, 1)
	clock.BlockUntil(1)
	require.NoError(t, store.Mutate(id, func(s *session.Session) error {
		assert.True(t, s.Revealed)
		return nil
	}))
}

func TestRequestNewRoundByHost(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", map[string]any{"wantsToVote": true})
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", map[string]any{"deck": []any{9, 9, 9}})

	app.HandleRequestNewRound(ConnInfo{ID: "1"}, payload(t, map[string]any{"sessionId": id}))

	redirect, ok := b.last(EventRedirectToNewSession)
	require.True(t, ok)
	assert.Equal(t, id, redirect.Room, "redirect goes to the old room")

	data := redirect.Data.(RedirectPayload)
	assert.Equal(t, "Alice", data.Usernames["1"])
	assert.Equal(t, "Bob", data.Usernames["2"])
	require.NotNil(t, data.WantsToVote["1"])
	assert.True(t, *data.WantsToVote["1"])
	assert.Nil(t, data.WantsToVote["2"])

	newID := strings.TrimPrefix(data.URL, "/session/")
	require.Len(t, newID, 16)
	assert.NotEqual(t, id, newID)

	// Hard cutover: old id unresolvable, new session carries host and deck
	// with empty membership.
	assert.ErrorIs(t, store.Mutate(id, func(s *session.Session) error { return nil }), session.ErrNotFound)
	require.NoError(t, store.Mutate(newID, func(s *session.Session) error {
		assert.Equal(t, "host-client", s.HostClientID)
		assert.Equal(t, session.DefaultDeck, s.Deck)
		assert.Empty(t, s.Members)
		assert.False(t, s.Revealed)
		return nil
	}))
}

func TestRequestNewRoundDeniedForNonHost(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", nil)
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", nil)

	app.HandleRequestNewRound(ConnInfo{ID: "2"}, payload(t, map[string]any{"sessionId": id}))

	failed, ok := b.last(EventJoinFailed)
	require.True(t, ok)
	assert.Equal(t, "2", failed.ConnID)
	assert.Equal(t, "Only host can request new round", failed.Data.(JoinFailedPayload).Reason)
	assert.Empty(t, b.named(EventRedirectToNewSession))
	assert.True(t, store.Exists(id))
}

func TestDisconnectRemovesMember(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", nil)
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", nil)

	app.HandleDisconnect("2")

	update, ok := b.last(EventUsersUpdate)
	require.True(t, ok)
	members := update.Data.(map[string]session.Member)
	assert.NotContains(t, members, "2")
	assert.Contains(t, members, "1")

	// Unknown connections are a no-op.
	updates := len(b.named(EventUsersUpdate))
	app.HandleDisconnect("stranger")
	assert.Len(t, b.named(EventUsersUpdate), updates)
}

func TestHostIsFixedForSessionLifetime(t *testing.T) {
	app, store, b, _ := newTestApp(t)
	id, err := store.Create()
	require.NoError(t, err)
	mustJoin(t, app, b, id, "1", "host-client", "Alice", nil)
	mustJoin(t, app, b, id, "2", "client-bbb", "Bob", nil)

	// Host leaves; the host client id stays what it was.
	app.HandleDisconnect("1")
	mustJoin(t, app, b, id, "3", "client-ccc", "Carol", nil)

	require.NoError(t, store.Mutate(id, func(s *session.Session) error {
		assert.Equal(t, "host-client", s.HostClientID)
		assert.False(t, s.MembersSnapshot()["3"].IsHost)
		return nil
	}))
}
