package signaling

import (
	"errors"
	"fmt"
)

var (
	// ErrNotJoined is returned when a connection signals a room it has not joined.
	ErrNotJoined = errors.New("connection has not joined room")
	// ErrNoRingingCall is returned when a reject targets a room without a ringing call.
	ErrNoRingingCall = errors.New("no ringing call in room")
	// ErrHubStopped is returned once the hub loop has exited.
	ErrHubStopped = errors.New("signaling hub stopped")
)

// Error codes carried by outbound error frames.
const (
	CodeMalformed    = "malformed"
	CodeUnknownEvent = "unknown_event"
	CodeInvalid      = "invalid_payload"
	CodeNotJoined    = "not_joined"
	CodeNoCall       = "no_ringing_call"
	CodeRateLimited  = "rate_limited"
)

// PersistenceError wraps a store failure for one call operation.
type PersistenceError struct {
	Op     string
	Room   string
	CallID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s room=%s call=%s: %v", e.Op, e.Room, e.CallID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MisdirectedEventError flags an event relayed into a room holding more than two members.
type MisdirectedEventError struct {
	Event   string
	Room    string
	Members int
}

func (e *MisdirectedEventError) Error() string {
	return fmt.Sprintf("%s relayed to room %s with %d members", e.Event, e.Room, e.Members)
}
