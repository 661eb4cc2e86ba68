package protocol

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// TokenLength is the length of client ids, election ids and votes.
const TokenLength = 32

// NewToken returns a random 32 character lowercase hex token.
func NewToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewClientID mints the identity of a running peer. Call it once per process.
func NewClientID() string {
	return NewToken()
}
