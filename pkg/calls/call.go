package calls

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a call record.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusOngoing  Status = "ongoing"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusMissed || s == StatusRejected
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusOngoing, StatusEnded, StatusMissed, StatusRejected:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusRinging: {StatusOngoing, StatusEnded, StatusMissed, StatusRejected},
	StatusOngoing: {StatusOngoing, StatusEnded},
}

var (
	// ErrNotFound is returned when no record matches a call id or room key.
	ErrNotFound = errors.New("call not found")
	// ErrTerminal is returned when a patch targets an ended, missed or rejected call.
	ErrTerminal = errors.New("call already finished")
	// ErrInvalidTransition is returned for status changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid call status transition")
)

// Record is the durable metadata of one call attempt.
type Record struct {
	ID              string          `json:"id"`
	ChatID          string          `json:"chatId,omitempty"`
	CallerID        string          `json:"callerId"`
	ReceiverID      string          `json:"receiverId"`
	Status          Status          `json:"status"`
	Offer           json.RawMessage `json:"offer,omitempty"`
	Answer          json.RawMessage `json:"answer,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
	DurationSeconds *int64          `json:"durationSeconds,omitempty"`
}

// Patch is a partial update applied atomically by a Store.
// Zero fields are left untouched. At stamps startedAt/endedAt.
type Patch struct {
	Status Status
	Offer  json.RawMessage
	Answer json.RawMessage
	At     time.Time
}

// Involves reports whether userID is the caller or the receiver.
func (r *Record) Involves(userID string) bool {
	return userID != "" && (r.CallerID == userID || r.ReceiverID == userID)
}

// Clone returns a deep copy so stores never hand out shared state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Offer = cloneRaw(r.Offer)
	out.Answer = cloneRaw(r.Answer)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		out.DurationSeconds = &d
	}
	return &out
}

// Apply mutates r according to p and the call state machine.
//
// Ending a call that never reached ongoing records it as missed, with the
// duration measured from creation.
func (r *Record) Apply(p Patch) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	target := p.Status
	if target == StatusEnded && r.StartedAt == nil {
		target = StatusMissed
	}
	if target != "" && target != r.Status && !allowed(r.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, target)
	}

	if len(p.Offer) > 0 {
		r.Offer = cloneRaw(p.Offer)
	}
	if len(p.Answer) > 0 {
		r.Answer = cloneRaw(p.Answer)
	}
	if target == "" {
		return nil
	}

	r.Status = target
	switch {
	case target == StatusOngoing:
		if r.StartedAt == nil {
			r.StartedAt = &at
		}
	case target.Terminal():
		r.EndedAt = &at
		from := r.CreatedAt
		if r.StartedAt != nil {
			from = *r.StartedAt
		}
		d := int64(at.Sub(from) / time.Second)
		if d < 0 {
			d = 0
		}
		r.DurationSeconds = &d
	}
	return nil
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
