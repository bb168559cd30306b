package session

import (
	"encoding/json"
	"time"
)

// DefaultDeck is used until a host supplies a valid custom deck.
var DefaultDeck = []int{1, 2, 3, 5, 8, 13, 21}

// AbstainMarker is the vote value meaning "no numeric estimate".
const AbstainMarker = "?"

// Vote holds a member's current estimate. The zero value means "not voted".
type Vote struct {
	Set     bool
	Abstain bool
	Value   int
}

// NumericVote returns a Vote for a deck value.
func NumericVote(v int) Vote {
	return Vote{Set: true, Value: v}
}

// AbstainVote returns the abstain/unknown vote.
func AbstainVote() Vote {
	return Vote{Set: true, Abstain: true}
}

// MarshalJSON renders the vote the way clients expect: null when unset,
// "?" when abstaining, the raw number otherwise.
func (v Vote) MarshalJSON() ([]byte, error) {
	switch {
	case !v.Set:
		return []byte("null"), nil
	case v.Abstain:
		return json.Marshal(AbstainMarker)
	default:
		return json.Marshal(v.Value)
	}
}

// Member is one connected participant in a session, keyed by its
// connection id, carrying the durable client id supplied at join.
// IsHost is derived from the session's HostClientID when a snapshot is
// taken; the stored member never carries it.
type Member struct {
	Username    string `json:"username"`
	Vote        Vote   `json:"vote"`
	IsHost      bool   `json:"isHost"`
	ClientID    string `json:"clientId"`
	WantsToVote *bool  `json:"wantsToVote,omitempty"`
}

// Session is one voting room. All fields are owned by the Store and may
// only be touched inside Store.Mutate.
type Session struct {
	Members      map[string]*Member
	Revealed     bool
	HostClientID string
	CreatedAt    time.Time
	LastActivity time.Time
	Deck         []int
}

// HasClient reports whether any connected member holds the given durable
// client id.
func (s *Session) HasClient(clientID string) bool {
	for _, m := range s.Members {
		if m.ClientID == clientID {
			return true
		}
	}
	return false
}

// EffectiveVoters returns the members counted toward "all voted": everyone
// except a host that explicitly opted out of voting.
func (s *Session) EffectiveVoters() []*Member {
	voters := make([]*Member, 0, len(s.Members))
	for _, m := range s.Members {
		if s.IsHost(m) && m.WantsToVote != nil && !*m.WantsToVote {
			continue
		}
		voters = append(voters, m)
	}
	return voters
}

// AllVoted reports whether the effective voter set is non-empty and every
// member in it has cast a vote.
func (s *Session) AllVoted() bool {
	voters := s.EffectiveVoters()
	if len(voters) == 0 {
		return false
	}
	for _, m := range voters {
		if !m.Vote.Set {
			return false
		}
	}
	return true
}

// IsHost reports whether the member's durable client id is the session's
// host id.
func (s *Session) IsHost(m *Member) bool {
	return m.ClientID != "" && m.ClientID == s.HostClientID
}

// MembersSnapshot returns a copy of the member map safe to hand to the
// broadcast path after the mutation releases the session lock. The host
// flag is computed here rather than stored, so it can never diverge from
// HostClientID.
func (s *Session) MembersSnapshot() map[string]Member {
	out := make(map[string]Member, len(s.Members))
	for id, m := range s.Members {
		snap := *m
		snap.IsHost = s.IsHost(m)
		out[id] = snap
	}
	return out
}
