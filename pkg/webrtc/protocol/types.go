package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Inbound event names.
const (
	EventJoinRoom      = "joinRoom"
	EventLeaveRoom     = "leaveRoom"
	EventSendOffer     = "sendOffer"
	EventSendAnswer    = "sendAnswer"
	EventSendCandidate = "sendCandidate"
	EventEndCall       = "endCall"
	EventRejectCall    = "rejectCall"
)

// Outbound event names.
const (
	EventWelcome          = "welcome"
	EventReceiveOffer     = "receiveOffer"
	EventReceiveAnswer    = "receiveAnswer"
	EventReceiveCandidate = "receiveCandidate"
	EventCallEnded        = "callEnded"
	EventCallRejected     = "callRejected"
	EventError            = "error"
)

var (
	// ErrUnknownEvent is returned for envelopes naming no known inbound event.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformed is returned when a frame is not a valid envelope.
	ErrMalformed = errors.New("malformed message")
)

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Envelope is the frame exchanged on the signaling channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is a frame the relay sends to a connection.
type Outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Event is one decoded and validated inbound signaling event.
type Event interface {
	Name() string
	Room() string
}

// JoinRoom asks the relay to add the sender to a room.
type JoinRoom struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

// LeaveRoom removes the sender from a room.
type LeaveRoom struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

// SendOffer carries the caller's session description.
type SendOffer struct {
	ChatID     string          `json:"chatId" validate:"required,max=128"`
	CallerID   string          `json:"callerId" validate:"required"`
	ReceiverID string          `json:"receiverId" validate:"required,nefield=CallerID"`
	Offer      json.RawMessage `json:"offer" validate:"payload"`
}

// SendAnswer carries the receiver's session description.
type SendAnswer struct {
	ChatID string          `json:"chatId" validate:"required,max=128"`
	Answer json.RawMessage `json:"answer" validate:"payload"`
}

// SendCandidate carries one ICE candidate.
type SendCandidate struct {
	ChatID    string          `json:"chatId" validate:"required,max=128"`
	Candidate json.RawMessage `json:"candidate" validate:"payload"`
}

// EndCall hangs up the room's call.
type EndCall struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

// RejectCall declines a ringing call.
type RejectCall struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

func (JoinRoom) Name() string      { return EventJoinRoom }
func (LeaveRoom) Name() string     { return EventLeaveRoom }
func (SendOffer) Name() string     { return EventSendOffer }
func (SendAnswer) Name() string    { return EventSendAnswer }
func (SendCandidate) Name() string { return EventSendCandidate }
func (EndCall) Name() string       { return EventEndCall }
func (RejectCall) Name() string    { return EventRejectCall }

func (e JoinRoom) Room() string      { return e.ChatID }
func (e LeaveRoom) Room() string     { return e.ChatID }
func (e SendOffer) Room() string     { return e.ChatID }
func (e SendAnswer) Room() string    { return e.ChatID }
func (e SendCandidate) Room() string { return e.ChatID }
func (e EndCall) Room() string       { return e.ChatID }
func (e RejectCall) Room() string    { return e.ChatID }

// Outbound payloads.

// Welcome is sent once to every new connection.
type Welcome struct {
	ID         string      `json:"id"`
	UserID     string      `json:"userId,omitempty"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
	ICEMode    string      `json:"iceMode,omitempty"`
}

// ReceiveOffer is forwarded to the other members of a room.
type ReceiveOffer struct {
	CallID   string          `json:"callId,omitempty"`
	CallerID string          `json:"callerId"`
	Offer    json.RawMessage `json:"offer"`
}

// ReceiveAnswer is forwarded to the other members of a room.
type ReceiveAnswer struct {
	Answer json.RawMessage `json:"answer"`
}

// ReceiveCandidate is forwarded to the other members of a room.
type ReceiveCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
}

// CallEnded tells the remaining members that the room's call is over.
type CallEnded struct {
	ChatID string `json:"chatId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CallRejected tells the caller the call was declined.
type CallRejected struct {
	ChatID string `json:"chatId,omitempty"`
}

// ErrorMessage reports a dropped inbound event back to its sender.
type ErrorMessage struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError reports an inbound event whose payload failed validation.
type ValidationError struct {
	Event  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Event == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Event, e.Reason)
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("payload", validatePayload); err != nil {
		panic(fmt.Sprintf("register payload validation: %v", err))
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validatePayload accepts any non-empty JSON value other than null.
func validatePayload(fl validator.FieldLevel) bool {
	b := bytes.TrimSpace(fl.Field().Bytes())
	return len(b) > 0 && !bytes.Equal(b, []byte("null"))
}

// Validate checks v against its struct tags, returning a ValidationError
// that names the first failing field.
func Validate(name string, v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Event: name, Reason: fmt.Sprintf("field %s failed %q", fe.Field(), fe.Tag())}
	}
	return &ValidationError{Event: name, Reason: err.Error()}
}

// Decode parses one frame into a typed Event, validating it at the boundary.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	}

	var ev Event
	switch env.Event {
	case EventJoinRoom:
		var e JoinRoom
		if err := decodeRoomKey(env.Data, &e.ChatID); err != nil {
			return nil, &ValidationError{Event: env.Event, Reason: err.Error()}
		}
		ev = e
	case EventLeaveRoom:
		var e LeaveRoom
		if err := decodeRoomKey(env.Data, &e.ChatID); err != nil {
			return nil, &ValidationError{Event: env.Event, Reason: err.Error()}
		}
		ev = e
	case EventSendOffer:
		var e SendOffer
		if err := decodeData(env, &e); err != nil {
			return nil, err
		}
		e.ChatID = RoomKey(e.ChatID)
		e.CallerID = strings.TrimSpace(e.CallerID)
		e.ReceiverID = strings.TrimSpace(e.ReceiverID)
		ev = e
	case EventSendAnswer:
		var e SendAnswer
		if err := decodeData(env, &e); err != nil {
			return nil, err
		}
		e.ChatID = RoomKey(e.ChatID)
		ev = e
	case EventSendCandidate:
		var e SendCandidate
		if err := decodeData(env, &e); err != nil {
			return nil, err
		}
		e.ChatID = RoomKey(e.ChatID)
		ev = e
	case EventEndCall:
		var e EndCall
		if err := decodeData(env, &e); err != nil {
			return nil, err
		}
		e.ChatID = RoomKey(e.ChatID)
		ev = e
	case EventRejectCall:
		var e RejectCall
		if err := decodeData(env, &e); err != nil {
			return nil, err
		}
		e.ChatID = RoomKey(e.ChatID)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}

	if err := Validate(env.Event, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeData(env Envelope, dst interface{}) error {
	if len(env.Data) == 0 {
		return &ValidationError{Event: env.Event, Reason: "missing data"}
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return &ValidationError{Event: env.Event, Reason: err.Error()}
	}
	return nil
}

// decodeRoomKey accepts either a bare string or {"chatId": "..."}.
func decodeRoomKey(data json.RawMessage, dst *string) error {
	if len(data) == 0 {
		return errors.New("missing room key")
	}
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		*dst = RoomKey(key)
		return nil
	}
	var obj struct {
		ChatID string `json:"chatId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("room key must be a string or {chatId}")
	}
	*dst = RoomKey(obj.ChatID)
	return nil
}

// RoomKey normalizes a chat id so every event for a room resolves to the
// same registry, call and queue key.
func RoomKey(chatID string) string {
	return strings.TrimSpace(chatID)
}
