// Package election implements a single time-boxed ballot round.
//
// An Election only tallies: it never sends messages and never reads the
// clock on its own. Callers pass the current time to HasEnded.
package election

import (
	"sort"
	"time"
)

const (
	// Validity is how long an election accepts votes after it starts.
	Validity = 10 * time.Second

	// FinalizeBuffer is added to Validity before results are computed.
	FinalizeBuffer = 500 * time.Millisecond

	// BootstrapID names the synthetic election adopted from a first WELCOME.
	BootstrapID = "bootstrap"
)

// Election is one ballot round identified by ID.
type Election struct {
	ID      string
	StartTs time.Time

	validity time.Duration
	votes    map[string]string
	winner   string
}

// New creates an empty election using the default validity window.
func New(id string, startTs time.Time) *Election {
	return NewWithValidity(id, startTs, Validity)
}

// NewWithValidity creates an empty election with a custom validity window.
func NewWithValidity(id string, startTs time.Time, validity time.Duration) *Election {
	return &Election{
		ID:       id,
		StartTs:  startTs,
		validity: validity,
		votes:    make(map[string]string),
	}
}

// Bootstrap returns an already finalized one-vote election for leader.
// Its start time sits just after the epoch so any real election supersedes it.
func Bootstrap(leader string) *Election {
	e := New(BootstrapID, time.UnixMilli(1))
	e.AddVote(leader, leader)
	e.Finalize()
	return e
}

// AddVote records vote for clientID unless clientID already voted.
func (e *Election) AddVote(clientID, vote string) {
	if _, voted := e.votes[clientID]; voted {
		return
	}
	e.votes[clientID] = vote
}

// HasVoted reports whether clientID has a recorded vote.
func (e *Election) HasVoted(clientID string) bool {
	_, ok := e.votes[clientID]
	return ok
}

// VoteOf returns the vote recorded for clientID.
func (e *Election) VoteOf(clientID string) (string, bool) {
	v, ok := e.votes[clientID]
	return v, ok
}

// Votes returns a copy of the recorded votes keyed by client id.
func (e *Election) Votes() map[string]string {
	out := make(map[string]string, len(e.votes))
	for id, v := range e.votes {
		out[id] = v
	}
	return out
}

// Finalize fixes and returns the winner: the client whose vote sorts first,
// ties broken by client id. Later calls return the cached winner. Calling it
// with no votes is invalid and returns "" without fixing a winner.
func (e *Election) Finalize() string {
	if e.winner != "" {
		return e.winner
	}
	if len(e.votes) == 0 {
		return ""
	}

	type ballot struct{ clientID, vote string }
	ballots := make([]ballot, 0, len(e.votes))
	for id, v := range e.votes {
		ballots = append(ballots, ballot{id, v})
	}
	sort.Slice(ballots, func(i, j int) bool {
		if ballots[i].vote != ballots[j].vote {
			return ballots[i].vote < ballots[j].vote
		}
		return ballots[i].clientID < ballots[j].clientID
	})

	e.winner = ballots[0].clientID
	return e.winner
}

// Finalized reports whether a winner has been fixed.
func (e *Election) Finalized() bool {
	return e.winner != ""
}

// Winner returns the fixed winner, or "" before Finalize.
func (e *Election) Winner() string {
	return e.winner
}

// EndsAt is the instant the election stops accepting votes.
func (e *Election) EndsAt() time.Time {
	return e.StartTs.Add(e.validity)
}

// FinalizeAt is when results should be computed.
func (e *Election) FinalizeAt() time.Time {
	return e.EndsAt().Add(FinalizeBuffer)
}

// HasEnded reports whether now is at or past the end of the validity window.
func (e *Election) HasEnded(now time.Time) bool {
	return !now.Before(e.EndsAt())
}
