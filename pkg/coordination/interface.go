package coordination

import "time"

// Leadership is what the rest of the process reads to decide whether it may
// perform leader-exclusive side effects. Implementations never call back
// into their consumers; consumers poll.
type Leadership interface {
	// ClientID is this peer's stable identity.
	ClientID() string

	// LeaderID is the currently believed leader, this peer until an
	// election has been accepted.
	LeaderID() string

	// IsCurrentlyLeader reports whether LeaderID is this peer.
	IsCurrentlyLeader() bool
}

// Status is a point-in-time snapshot of a peer's protocol state.
type Status struct {
	ClientID          string     `json:"clientId"`
	LeaderID          string     `json:"leaderId"`
	IsLeader          bool       `json:"isLeader"`
	ElectionID        string     `json:"electionId,omitempty"`
	ElectionStartedAt *time.Time `json:"electionStartedAt,omitempty"`
	KnownPeers        []string   `json:"knownPeers"`
	ActiveElections   int        `json:"activeElections"`
}
