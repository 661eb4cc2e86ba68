package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is stamped on every outbound operation.
const Version = 1

// Kind tags which of the five operations an envelope carries.
type Kind string

const (
	KindIdent      Kind = "IDENT"
	KindWelcome    Kind = "WELCOME"
	KindBeginElect Kind = "BEGIN_ELECT"
	KindVote       Kind = "VOTE"
	KindElected    Kind = "ELECTED"
)

// Kinds lists every known operation kind.
var Kinds = []Kind{KindIdent, KindWelcome, KindBeginElect, KindVote, KindElected}

// Known reports whether k is one of the protocol's operation kinds.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

var ErrMalformed = errors.New("malformed operation")

// Payload holds the union of all per-kind payload fields. Unused fields are
// omitted on the wire, so an IDENT travels as "{}".
type Payload struct {
	Leader     string `json:"leader,omitempty"`
	ElectionID string `json:"electionId,omitempty"`
	StartTs    int64  `json:"startTs,omitempty"` // unix milliseconds
	Vote       string `json:"vote,omitempty"`
}

// Operation is the wire envelope shared by every message.
type Operation struct {
	Kind     Kind    `json:"operation"`
	Version  int     `json:"version"`
	ClientID string  `json:"clientId"`
	Payload  Payload `json:"payload"`
}

// StartTime returns the BEGIN_ELECT start timestamp as a time.Time.
func (o Operation) StartTime() time.Time {
	return time.UnixMilli(o.Payload.StartTs)
}

func (o Operation) String() string {
	switch o.Kind {
	case KindWelcome:
		return fmt.Sprintf("%s from %s (leader %s)", o.Kind, o.ClientID, o.Payload.Leader)
	case KindBeginElect, KindVote, KindElected:
		return fmt.Sprintf("%s from %s (election %s)", o.Kind, o.ClientID, o.Payload.ElectionID)
	default:
		return fmt.Sprintf("%s from %s", o.Kind, o.ClientID)
	}
}

// Validate checks the envelope and the payload fields its kind requires.
func (o Operation) Validate() error {
	if !o.Kind.Known() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, o.Kind)
	}
	if o.Version < 1 {
		return fmt.Errorf("%w: invalid version %d", ErrMalformed, o.Version)
	}
	if o.ClientID == "" {
		return fmt.Errorf("%w: missing client id", ErrMalformed)
	}

	p := o.Payload
	switch o.Kind {
	case KindWelcome:
		if p.Leader == "" {
			return fmt.Errorf("%w: %s without leader", ErrMalformed, o.Kind)
		}
	case KindBeginElect:
		if p.ElectionID == "" || p.Vote == "" || p.StartTs <= 0 {
			return fmt.Errorf("%w: incomplete %s payload", ErrMalformed, o.Kind)
		}
	case KindVote:
		if p.ElectionID == "" || p.Vote == "" {
			return fmt.Errorf("%w: incomplete %s payload", ErrMalformed, o.Kind)
		}
	case KindElected:
		if p.ElectionID == "" {
			return fmt.Errorf("%w: %s without election id", ErrMalformed, o.Kind)
		}
	}
	return nil
}

// Encode serializes an operation for a byte-oriented transport.
func Encode(op Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", op.Kind, err)
	}
	return data, nil
}

// Decode parses and validates a frame received from a transport.
func Decode(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func envelope(kind Kind, sender string, payload Payload) Operation {
	return Operation{
		Kind:     kind,
		Version:  Version,
		ClientID: sender,
		Payload:  payload,
	}
}

// Ident announces a peer's presence.
func Ident(sender string) Operation {
	return envelope(KindIdent, sender, Payload{})
}

// Welcome answers an IDENT with the sender's believed leader.
func Welcome(sender, leader string) Operation {
	return envelope(KindWelcome, sender, Payload{Leader: leader})
}

// BeginElect opens an election seeded with the sender's vote.
func BeginElect(sender, electionID string, startTs time.Time, vote string) Operation {
	return envelope(KindBeginElect, sender, Payload{
		ElectionID: electionID,
		StartTs:    startTs.UnixMilli(),
		Vote:       vote,
	})
}

// Vote casts the sender's ballot in a known election.
func Vote(sender, electionID, vote string) Operation {
	return envelope(KindVote, sender, Payload{ElectionID: electionID, Vote: vote})
}

// Elected announces the sender as the computed winner of an election.
func Elected(sender, electionID string) Operation {
	return envelope(KindElected, sender, Payload{ElectionID: electionID})
}
