package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// IDLength is the fixed length of session ids.
const IDLength = 16

// Store is the authoritative in-memory table of live sessions. Mutations of
// one session are serialized by a per-session lock; unrelated sessions never
// contend with each other. The table lock is held only to resolve ids.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	clock       clockwork.Clock
	maxSessions int
	maxMembers  int
}

type entry struct {
	mu      sync.Mutex
	deleted bool
	session *Session
}

// NewStore creates a session store with the given capacity limits.
func NewStore(clock clockwork.Clock, maxSessions, maxMembers int) *Store {
	return &Store{
		sessions:    make(map[string]*entry),
		clock:       clock,
		maxSessions: maxSessions,
		maxMembers:  maxMembers,
	}
}

// MaxMembers returns the per-session member cap.
func (st *Store) MaxMembers() int { return st.maxMembers }

// MaxSessions returns the global session ceiling.
func (st *Store) MaxSessions() int { return st.maxSessions }

// Create allocates a fresh session with the default deck and no host.
func (st *Store) Create() (string, error) {
	return st.CreateFrom("", DefaultDeck)
}

// CreateFrom allocates a fresh session carrying a host client id and deck
// forward, with empty membership and fresh timestamps. Used both for plain
// creation and for the new-round cutover.
func (st *Store) CreateFrom(hostClientID string, deck []int) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.sessions) >= st.maxSessions {
		return "", ErrCapacityExceeded
	}

	id, err := newID()
	if err != nil {
		return "", err
	}
	for _, taken := st.sessions[id]; taken; _, taken = st.sessions[id] {
		if id, err = newID(); err != nil {
			return "", err
		}
	}

	now := st.clock.Now().UTC()
	st.sessions[id] = &entry{session: &Session{
		Members:      make(map[string]*Member),
		HostClientID: hostClientID,
		CreatedAt:    now,
		LastActivity: now,
		Deck:         append([]int(nil), deck...),
	}}
	return id, nil
}

// Exists reports whether a session id resolves.
func (st *Store) Exists(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.sessions[id]
	return ok
}

// Mutate applies fn to one session under that session's exclusive lock.
// Returns ErrNotFound if the id does not resolve or the session was deleted
// before the lock was acquired.
func (st *Store) Mutate(id string, fn func(*Session) error) error {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrNotFound
	}
	return fn(e.session)
}

// Delete removes a session from the table. Mutations already waiting on the
// session lock observe ErrNotFound instead of the torn-down state.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	e, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
}

// FindByConnection returns the id of the session holding the given
// connection, if any. A connection belongs to at most one session.
func (st *Store) FindByConnection(connID string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	for id, e := range st.sessions {
		e.mu.Lock()
		_, ok := e.session.Members[connID]
		e.mu.Unlock()
		if ok {
			return id, true
		}
	}
	return "", false
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// TotalMembers returns the member count across all sessions.
func (st *Store) TotalMembers() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	total := 0
	for _, e := range st.sessions {
		e.mu.Lock()
		total += len(e.session.Members)
		e.mu.Unlock()
	}
	return total
}

// Sweep deletes sessions whose last activity exceeds idleTimeout, whose age
// exceeds absoluteTimeout, or whose timestamps are corrupt. Returns the
// number of sessions removed.
func (st *Store) Sweep(idleTimeout, absoluteTimeout time.Duration) int {
	now := st.clock.Now().UTC()

	st.mu.RLock()
	expired := make([]string, 0)
	for id, e := range st.sessions {
		e.mu.Lock()
		s := e.session
		dead := s.CreatedAt.IsZero() || s.LastActivity.IsZero() ||
			now.Sub(s.LastActivity) > idleTimeout ||
			now.Sub(s.CreatedAt) > absoluteTimeout
		e.mu.Unlock()
		if dead {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()

	for _, id := range expired {
		st.Delete(id)
	}
	if len(expired) > 0 {
		log.Warn().Int("count", len(expired)).Msg("swept expired sessions")
	}
	return len(expired)
}

func newID() (string, error) {
	// 12 random bytes encode to exactly 16 URL-safe characters.
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
