// Package poker orchestrates session lifecycle: joins, votes, the reveal
// countdown, host decisions, and new-round cutover.
package poker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/beardcraft/pokering/internal/metrics"
	"github.com/beardcraft/pokering/internal/ratelimit"
	"github.com/beardcraft/pokering/internal/session"
	"github.com/beardcraft/pokering/internal/stats"
)

// Per-action budgets, keyed by connection id.
const (
	joinLimit        = 5
	joinWindow       = time.Minute
	voteLimit        = 30
	voteWindow       = time.Minute
	newRoundLimit    = 3
	newRoundWindow   = time.Hour
	roleLimit        = 10
	roleWindow       = time.Minute
	countdownStart   = 3
	countdownTick    = time.Second
	joinCooldownSpan = 5 * time.Second
)

// Internal sentinels mapped to joinFailed reasons.
var (
	errInvalidUsername = errors.New("invalid username")
	errDuplicateClient = errors.New("client already connected")
	errForbidden       = errors.New("only host")
	errIgnore          = errors.New("ignore")
)

// App drives the per-session state machine from unordered, untrusted,
// concurrently arriving client events.
type App struct {
	store        *session.Store
	limiter      *ratelimit.Limiter
	joinCooldown *ratelimit.Cooldown
	broadcaster  Broadcaster
	clock        clockwork.Clock
}

// NewApp creates the lifecycle manager.
func NewApp(store *session.Store, limiter *ratelimit.Limiter, joinCooldown *ratelimit.Cooldown, broadcaster Broadcaster, clock clockwork.Clock) *App {
	return &App{
		store:        store,
		limiter:      limiter,
		joinCooldown: joinCooldown,
		broadcaster:  broadcaster,
		clock:        clock,
	}
}

// HandleEvent routes one inbound client event. Unknown names are dropped.
func (a *App) HandleEvent(conn ConnInfo, event string, data json.RawMessage) {
	switch event {
	case EventJoin:
		a.HandleJoin(conn, data)
	case EventVote:
		a.HandleVote(conn, data)
	case EventHostVotingDecision:
		a.HandleHostVotingDecision(conn, data)
	case EventRequestNewRound:
		a.HandleRequestNewRound(conn, data)
	default:
		log.Debug().Str("event", event).Str("connection_id", conn.ID).Msg("unknown event ignored")
	}
}

// HandleJoin admits a connection into a session. Every failure is answered
// with a named reason to the joining connection only.
func (a *App) HandleJoin(conn ConnInfo, data json.RawMessage) {
	if !a.limiter.Allow(conn.ID, EventJoin, joinLimit, joinWindow) {
		log.Warn().Str("connection_id", conn.ID).Msg("join rate limit exceeded")
		metrics.RateLimited.WithLabelValues(EventJoin).Inc()
		a.joinFailed(conn.ID, "Too many join attempts")
		return
	}

	var req JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		a.joinFailed(conn.ID, "Invalid request format")
		return
	}
	if !ValidSessionID(req.SessionID) {
		a.joinFailed(conn.ID, "Invalid session ID")
		return
	}
	if !ValidClientID(req.ClientID) {
		log.Warn().Str("connection_id", conn.ID).Msg("invalid client id format")
		a.joinFailed(conn.ID, "Invalid client ID")
		return
	}
	if !a.joinCooldown.Allow(conn.RemoteIP, joinCooldownSpan) {
		metrics.RateLimited.WithLabelValues(EventJoin).Inc()
		a.joinFailed(conn.ID, "Too many join attempts. Please wait.")
		return
	}

	var (
		members map[string]session.Member
		askHost bool
	)
	err := a.store.Mutate(req.SessionID, func(s *session.Session) error {
		if len(s.Members) >= a.store.MaxMembers() {
			log.Warn().Str("session_id", req.SessionID).Int("members", len(s.Members)).Msg("session full")
			return session.ErrSessionFull
		}
		if !ValidUsername(req.Username) {
			return errInvalidUsername
		}

		// The first joining client becomes host and fixes the deck for the
		// session's lifetime.
		if s.HostClientID == "" {
			s.HostClientID = req.ClientID
			if req.Deck != nil {
				if deck, ok := session.NormalizeDeck(req.Deck); ok {
					s.Deck = deck
				}
			}
		}
		isHost := req.ClientID == s.HostClientID

		if s.HasClient(req.ClientID) {
			return errDuplicateClient
		}

		s.Members[conn.ID] = &session.Member{
			Username:    req.Username,
			ClientID:    req.ClientID,
			WantsToVote: req.WantsToVote,
		}
		s.LastActivity = a.clock.Now().UTC()

		members = s.MembersSnapshot()
		askHost = isHost && req.WantsToVote == nil
		return nil
	})
	if err != nil {
		reason := joinFailureReason(err)
		metrics.JoinsRejected.WithLabelValues(reason).Inc()
		a.joinFailed(conn.ID, reason)
		return
	}

	a.broadcaster.JoinRoom(conn.ID, req.SessionID)
	a.broadcaster.BroadcastToRoom(req.SessionID, EventUsersUpdate, members)
	if askHost {
		// Hosts default to observing unless they opt in.
		a.broadcaster.SendToConnection(conn.ID, EventAskHostToJoinVoting, nil)
	}
}

// HandleVote records an estimate. Invalid or stale values are dropped
// without surfacing an error, to tolerate out-of-date client state.
func (a *App) HandleVote(conn ConnInfo, data json.RawMessage) {
	if !a.limiter.Allow(conn.ID, EventVote, voteLimit, voteWindow) {
		metrics.RateLimited.WithLabelValues(EventVote).Inc()
		return
	}

	var req VoteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if !ValidSessionID(req.SessionID) {
		return
	}
	vote, ok := parseVote(req.Value)
	if !ok {
		return
	}

	var (
		members        map[string]session.Member
		startCountdown bool
	)
	err := a.store.Mutate(req.SessionID, func(s *session.Session) error {
		if !vote.Abstain && !deckContains(s.Deck, vote.Value) {
			log.Warn().Int("value", vote.Value).Str("session_id", req.SessionID).Msg("vote not in deck")
			return errIgnore
		}
		m, known := s.Members[conn.ID]
		if !known {
			return errIgnore
		}

		m.Vote = vote
		s.LastActivity = a.clock.Now().UTC()
		members = s.MembersSnapshot()

		// The revealed flag guards against a second qualifying vote
		// spawning a duplicate countdown for the same round.
		if s.AllVoted() && !s.Revealed {
			s.Revealed = true
			startCountdown = true
		}
		return nil
	})
	if err != nil {
		return
	}

	metrics.VotesAccepted.Inc()
	a.broadcaster.BroadcastToRoom(req.SessionID, EventUsersUpdate, members)

	if startCountdown {
		metrics.CountdownsStarted.Inc()
		go a.runCountdown(req.SessionID)
	}
}

// runCountdown ticks 3,2,1,0 into the room, then reveals. It runs to
// completion even if members disconnect mid-count; it stops only when the
// session itself no longer resolves (new round or expiry).
func (a *App) runCountdown(sessionID string) {
	timer := a.clock.NewTimer(countdownTick)
	defer timer.Stop()

	for n := countdownStart; n >= 0; n-- {
		a.broadcaster.BroadcastToRoom(sessionID, EventCountdown, n)
		<-timer.Chan()
		if n > 0 {
			timer.Reset(countdownTick)
		}
	}

	a.reveal(sessionID)
}

// reveal aggregates the round and broadcasts the result. Abstaining members
// stay in the member list but are excluded from the numeric aggregates.
func (a *App) reveal(sessionID string) {
	var (
		members map[string]session.Member
		deck    []int
	)
	err := a.store.Mutate(sessionID, func(s *session.Session) error {
		members = s.MembersSnapshot()
		deck = append([]int(nil), s.Deck...)
		return nil
	})
	if err != nil {
		// Session was replaced or expired mid-countdown.
		log.Debug().Str("session_id", sessionID).Msg("reveal skipped for dead session")
		return
	}

	votes := make([]stats.VoterVote, 0, len(members))
	for _, m := range members {
		if m.Vote.Set && !m.Vote.Abstain {
			votes = append(votes, stats.VoterVote{Username: m.Username, Value: m.Vote.Value})
		}
	}

	payload := RevealPayload{Users: members, Stats: struct{}{}}
	if st := stats.Compute(deck, votes); st != nil {
		payload.Stats = st
	}
	a.broadcaster.BroadcastToRoom(sessionID, EventRevealVotes, payload)
}

// HandleHostVotingDecision lets the acting host opt in or out of being
// counted. Non-hosts and malformed payloads are no-ops.
func (a *App) HandleHostVotingDecision(conn ConnInfo, data json.RawMessage) {
	if !a.limiter.Allow(conn.ID, EventHostVotingDecision, roleLimit, roleWindow) {
		metrics.RateLimited.WithLabelValues(EventHostVotingDecision).Inc()
		return
	}

	var req HostVotingDecisionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if !ValidSessionID(req.SessionID) || req.WantsToVote == nil {
		return
	}

	var members map[string]session.Member
	err := a.store.Mutate(req.SessionID, func(s *session.Session) error {
		m, known := s.Members[conn.ID]
		if !known || !s.IsHost(m) {
			return errIgnore
		}
		m.WantsToVote = req.WantsToVote
		members = s.MembersSnapshot()
		return nil
	})
	if err != nil {
		return
	}

	a.broadcaster.BroadcastToRoom(req.SessionID, EventUsersUpdate, members)
}

// HandleRequestNewRound replaces the host's session with a fresh one,
// carrying the host id and deck forward. Hard cutover: the old session is
// deleted immediately after the redirect broadcast.
func (a *App) HandleRequestNewRound(conn ConnInfo, data json.RawMessage) {
	if !a.limiter.Allow(conn.ID, EventRequestNewRound, newRoundLimit, newRoundWindow) {
		log.Warn().Str("connection_id", conn.ID).Msg("new round rate limit exceeded")
		metrics.RateLimited.WithLabelValues(EventRequestNewRound).Inc()
		a.joinFailed(conn.ID, "Too many new round requests")
		return
	}

	var req NewRoundRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if !ValidSessionID(req.SessionID) {
		return
	}

	var (
		hostClientID string
		deck         []int
		usernames    map[string]string
		wantsToVote  map[string]*bool
	)
	err := a.store.Mutate(req.SessionID, func(s *session.Session) error {
		m, known := s.Members[conn.ID]
		if !known || !s.IsHost(m) {
			return errForbidden
		}
		hostClientID = s.HostClientID
		deck = append([]int(nil), s.Deck...)
		usernames = make(map[string]string, len(s.Members))
		wantsToVote = make(map[string]*bool, len(s.Members))
		for id, member := range s.Members {
			usernames[id] = member.Username
			wantsToVote[id] = member.WantsToVote
		}
		return nil
	})
	if errors.Is(err, errForbidden) {
		a.joinFailed(conn.ID, "Only host can request new round")
		return
	}
	if err != nil {
		return
	}

	newID, err := a.store.CreateFrom(hostClientID, deck)
	if err != nil {
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("failed to create replacement session")
		a.joinFailed(conn.ID, "Too many active sessions")
		return
	}

	a.broadcaster.BroadcastToRoom(req.SessionID, EventRedirectToNewSession, RedirectPayload{
		URL:         fmt.Sprintf("/session/%s", newID),
		Usernames:   usernames,
		WantsToVote: wantsToVote,
	})
	a.store.Delete(req.SessionID)
}

// HandleDisconnect removes the connection's member from whichever session
// contains it. Round state is untouched and completion is not re-evaluated.
func (a *App) HandleDisconnect(connID string) {
	sessionID, ok := a.store.FindByConnection(connID)
	if !ok {
		return
	}

	var members map[string]session.Member
	err := a.store.Mutate(sessionID, func(s *session.Session) error {
		if _, known := s.Members[connID]; !known {
			return errIgnore
		}
		delete(s.Members, connID)
		members = s.MembersSnapshot()
		return nil
	})
	if err != nil {
		return
	}

	a.broadcaster.BroadcastToRoom(sessionID, EventUsersUpdate, members)
}

func (a *App) joinFailed(connID, reason string) {
	a.broadcaster.SendToConnection(connID, EventJoinFailed, JoinFailedPayload{Reason: reason})
}

func joinFailureReason(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionFull):
		return "Session is full"
	case errors.Is(err, errInvalidUsername):
		return "Invalid username (letters only, max 20)."
	case errors.Is(err, errDuplicateClient):
		return "Client already connected"
	case errors.Is(err, session.ErrNotFound):
		return "Session not found"
	default:
		return "Join failed"
	}
}

// parseVote accepts a deck number or the abstain marker, anything else is
// rejected.
func parseVote(raw json.RawMessage) (session.Vote, bool) {
	if len(raw) == 0 {
		return session.Vote{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == session.AbstainMarker {
			return session.AbstainVote(), true
		}
		return session.Vote{}, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return session.NumericVote(int(f)), true
	}
	return session.Vote{}, false
}

func deckContains(deck []int, v int) bool {
	for _, d := range deck {
		if d == v {
			return true
		}
	}
	return false
}
