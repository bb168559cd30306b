package poker

import "encoding/json"

// Client-to-server event names.
const (
	EventJoin               = "join"
	EventVote               = "vote"
	EventHostVotingDecision = "hostVotingDecision"
	EventRequestNewRound    = "requestNewRound"
)

// Server-to-client event names.
const (
	EventUsersUpdate          = "usersUpdate"
	EventJoinFailed           = "joinFailed"
	EventAskHostToJoinVoting  = "askHostToJoinVoting"
	EventCountdown            = "countdown"
	EventRevealVotes          = "revealVotes"
	EventRedirectToNewSession = "redirectToNewSession"
)

// JoinRequest is the payload of a join event.
type JoinRequest struct {
	SessionID   string `json:"sessionId"`
	ClientID    string `json:"clientId"`
	Username    string `json:"username"`
	Deck        []any  `json:"deck,omitempty"`
	WantsToVote *bool  `json:"wantsToVote,omitempty"`
}

// VoteRequest is the payload of a vote event. Value is kept raw because a
// vote is either a number or the abstain marker string.
type VoteRequest struct {
	SessionID string          `json:"sessionId"`
	Value     json.RawMessage `json:"value"`
}

// HostVotingDecisionRequest is the payload of a hostVotingDecision event.
type HostVotingDecisionRequest struct {
	SessionID   string `json:"sessionId"`
	WantsToVote *bool  `json:"wantsToVote"`
}

// NewRoundRequest is the payload of a requestNewRound event.
type NewRoundRequest struct {
	SessionID string `json:"sessionId"`
}

// JoinFailedPayload names the reason a join (or other refused action) failed.
type JoinFailedPayload struct {
	Reason string `json:"reason"`
}

// RevealPayload carries the full membership plus the round statistics.
// Stats is an empty object when no member cast a numeric vote.
type RevealPayload struct {
	Users any `json:"users"`
	Stats any `json:"stats"`
}

// RedirectPayload instructs the old room to rejoin under a fresh session.
// The maps are keyed by old connection id so clients can carry their
// username and voting preference over without re-entering them.
type RedirectPayload struct {
	URL         string            `json:"url"`
	Usernames   map[string]string `json:"usernames"`
	WantsToVote map[string]*bool  `json:"wantsToVote"`
}

// Broadcaster is the outbound half of the event gateway: room-wide fanout
// plus per-connection addressing. The websocket manager implements it; tests
// inject a recording fake.
type Broadcaster interface {
	JoinRoom(connID, room string)
	BroadcastToRoom(room, event string, data any)
	SendToConnection(connID, event string, data any)
}

// ConnInfo identifies the actor behind an inbound event.
type ConnInfo struct {
	ID       string
	RemoteIP string
}
