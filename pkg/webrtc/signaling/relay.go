package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"skillswap/pkg/calls"
	"skillswap/pkg/rooms"
	"skillswap/pkg/webrtc/protocol"
)

// Reasons carried by callEnded.
const (
	ReasonHangup       = "hangup"
	ReasonDisconnected = "disconnected"
	ReasonLeft         = "left"
	ReasonMissed       = "missed"
	ReasonShutdown     = "shutdown"
)

// Conn is one signaling connection as seen by the relay.
type Conn interface {
	ID() string
	UserID() string
	// Send queues msg without blocking. It reports false when the
	// connection can no longer accept messages.
	Send(msg protocol.Outbound) bool
	Close()
}

// StartCallRequest opens a call outside the socket flow.
type StartCallRequest struct {
	ChatID     string          `json:"chatId" validate:"required,max=128"`
	CallerID   string          `json:"callerId" validate:"required"`
	ReceiverID string          `json:"receiverId" validate:"required,nefield=CallerID"`
	Offer      json.RawMessage `json:"offer" validate:"payload"`
}

func (req StartCallRequest) normalized() StartCallRequest {
	req.ChatID = protocol.RoomKey(req.ChatID)
	req.CallerID = strings.TrimSpace(req.CallerID)
	req.ReceiverID = strings.TrimSpace(req.ReceiverID)
	return req
}

// StartCallResult is delivered once the record for a StartCall is stored.
type StartCallResult struct {
	Record *calls.Record
	Err    error
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	Logger  *zerolog.Logger
	Metrics Metrics
	// RingTimeout marks unanswered calls missed. Zero disables it.
	RingTimeout    time.Duration
	PersistTimeout time.Duration
	// Schedule runs fn on the goroutine that owns the relay. Ring timers
	// are disabled without it.
	Schedule func(fn func())
	Now      func() time.Time
}

type activeCall struct {
	id         string
	callerID   string
	receiverID string
	status     calls.Status
	conns      map[string]struct{}
	timer      *time.Timer
}

func (a *activeCall) samePair(callerID, receiverID string) bool {
	return (a.callerID == callerID && a.receiverID == receiverID) ||
		(a.callerID == receiverID && a.receiverID == callerID)
}

func (a *activeCall) participant(c Conn) bool {
	if _, ok := a.conns[c.ID()]; ok {
		return true
	}
	u := c.UserID()
	return u != "" && (u == a.callerID || u == a.receiverID)
}

func (a *activeCall) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Relay forwards signaling events between room members and keeps the call
// records in step with them.
//
// A Relay is not safe for concurrent use: every method must be called from
// the single goroutine that owns it (the hub loop). Store writes happen on
// background tasks, serialized per room.
type Relay struct {
	registry    *rooms.Registry
	store       calls.Store
	conns       map[string]Conn
	active      map[string]*activeCall
	persist     *persister
	logger      zerolog.Logger
	metrics     Metrics
	ringTimeout time.Duration
	schedule    func(func())
	now         func() time.Time
}

// NewRelay builds a relay over registry and store.
func NewRelay(registry *rooms.Registry, store calls.Store, opts RelayOptions) *Relay {
	if registry == nil {
		registry = rooms.NewRegistry()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	var m Metrics = noopMetrics{}
	if opts.Metrics != nil {
		m = opts.Metrics
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Relay{
		registry:    registry,
		store:       store,
		conns:       make(map[string]Conn),
		active:      make(map[string]*activeCall),
		persist:     newPersister(opts.PersistTimeout),
		logger:      logger,
		metrics:     m,
		ringTimeout: opts.RingTimeout,
		schedule:    opts.Schedule,
		now:         now,
	}
}

// Registry returns the room registry the relay routes through.
func (r *Relay) Registry() *rooms.Registry { return r.registry }

// Handle applies one decoded event from c.
func (r *Relay) Handle(c Conn, ev protocol.Event) error {
	r.metrics.EventReceived(ev.Name())

	switch e := ev.(type) {
	case protocol.JoinRoom:
		r.join(c, e.ChatID)
		return nil
	case protocol.LeaveRoom:
		r.depart(c, e.ChatID, ReasonLeft)
		return nil
	}

	room := ev.Room()
	if !r.registry.IsMember(c.ID(), room) {
		r.Fail(c, ev.Name(), CodeNotJoined, "join the room before signaling")
		return fmt.Errorf("%w: %s", ErrNotJoined, room)
	}

	switch e := ev.(type) {
	case protocol.SendOffer:
		r.offer(c, e)
	case protocol.SendAnswer:
		r.answer(c, e)
	case protocol.SendCandidate:
		r.candidate(c, e)
	case protocol.EndCall:
		r.end(c, e)
	case protocol.RejectCall:
		return r.rejectCall(c, e)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, ev.Name())
	}
	return nil
}

// Fail reports a dropped event back to c.
func (r *Relay) Fail(c Conn, event, code, message string) {
	r.metrics.EventDropped(event, code)
	c.Send(protocol.Outbound{
		Event: protocol.EventError,
		Data:  protocol.ErrorMessage{Event: event, Code: code, Message: message},
	})
}

// StartCall opens a call for req under the same one-active-call policy as a
// socket offer. The result arrives once the store write completes. reused
// reports that the room's live call for the same pair was returned instead
// of a new one.
func (r *Relay) StartCall(req StartCallRequest) (result <-chan StartCallResult, reused bool) {
	req = req.normalized()
	reply := make(chan StartCallResult, 1)
	prev := r.active[req.ChatID]
	ac := r.open(req.ChatID, req.CallerID, req.ReceiverID, req.Offer, reply)
	reused = prev != nil && prev == ac
	r.logger.Info().
		Str("room", req.ChatID).
		Str("call_id", ac.id).
		Bool("reused", reused).
		Msg("call started over http")
	return reply, reused
}

// Flush waits for every queued store write.
func (r *Relay) Flush() {
	r.persist.flush()
}

// Close finishes every live call, closes every connection and drains
// pending writes. Calls still ringing are stored as missed, answered ones as
// ended.
func (r *Relay) Close() {
	now := r.now()
	for room, ac := range r.active {
		status := r.retire(room, ac, calls.StatusEnded)
		r.broadcast(room, "", protocol.Outbound{
			Event: protocol.EventCallEnded,
			Data:  protocol.CallEnded{ChatID: room, Reason: ReasonShutdown},
		})
		r.persistStatus(room, ac.id, ReasonShutdown, status, now)
	}
	for _, c := range r.conns {
		c.Close()
	}
	r.persist.close()
}

func (r *Relay) join(c Conn, room string) {
	if !r.registry.Join(c.ID(), room) {
		return
	}
	r.logger.Debug().
		Str("conn_id", c.ID()).
		Str("room", room).
		Int("members", len(r.registry.MembersOf(room))).
		Msg("joined room")
}

func (r *Relay) offer(c Conn, e protocol.SendOffer) {
	ac := r.open(e.ChatID, e.CallerID, e.ReceiverID, e.Offer, nil)
	ac.conns[c.ID()] = struct{}{}
	r.broadcast(e.ChatID, c.ID(), protocol.Outbound{
		Event: protocol.EventReceiveOffer,
		Data:  protocol.ReceiveOffer{CallID: ac.id, CallerID: e.CallerID, Offer: e.Offer},
	})
}

// open returns the room's active call for this pair, refreshing its offer, or
// closes whatever else is active and creates a new ringing call.
func (r *Relay) open(room, callerID, receiverID string, offer json.RawMessage, reply chan<- StartCallResult) *activeCall {
	now := r.now()

	if ac := r.active[room]; ac != nil {
		if ac.samePair(callerID, receiverID) {
			id := ac.id
			r.submit(room, "refresh_offer", id, func(ctx context.Context) (*calls.Record, error) {
				return r.store.UpdateByRoomOrID(ctx, id, calls.Patch{Offer: offer, At: now})
			}, reply)
			return ac
		}
		status := r.retire(room, ac, calls.StatusEnded)
		r.logger.Info().
			Str("room", room).
			Str("call_id", ac.id).
			Str("status", string(status)).
			Msg("call superseded by new offer")
		r.persistStatus(room, ac.id, "supersede", status, now)
	}

	rec := &calls.Record{
		ID:         uuid.NewString(),
		ChatID:     room,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     calls.StatusRinging,
		Offer:      offer,
		CreatedAt:  now,
	}
	ac := &activeCall{
		id:         rec.ID,
		callerID:   callerID,
		receiverID: receiverID,
		status:     calls.StatusRinging,
		conns:      make(map[string]struct{}),
	}
	r.active[room] = ac
	r.armRingTimer(room, ac)
	r.metrics.CallStatus(string(calls.StatusRinging))
	r.logger.Info().
		Str("room", room).
		Str("call_id", rec.ID).
		Str("caller_id", callerID).
		Str("receiver_id", receiverID).
		Msg("call ringing")

	r.submit(room, "create", rec.ID, func(ctx context.Context) (*calls.Record, error) {
		if err := r.store.Create(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}, reply)
	return ac
}

func (r *Relay) answer(c Conn, e protocol.SendAnswer) {
	room := e.ChatID
	r.broadcast(room, c.ID(), protocol.Outbound{
		Event: protocol.EventReceiveAnswer,
		Data:  protocol.ReceiveAnswer{Answer: e.Answer},
	})

	key := room
	if ac := r.active[room]; ac != nil {
		key = ac.id
		ac.conns[c.ID()] = struct{}{}
		if ac.status == calls.StatusRinging {
			ac.status = calls.StatusOngoing
			ac.stopTimer()
			r.metrics.CallStatus(string(calls.StatusOngoing))
			r.logger.Info().Str("room", room).Str("call_id", ac.id).Msg("call answered")
		}
	}

	now := r.now()
	r.submit(room, "answer", key, func(ctx context.Context) (*calls.Record, error) {
		return r.store.UpdateByRoomOrID(ctx, key, calls.Patch{Status: calls.StatusOngoing, Answer: e.Answer, At: now})
	}, nil)
}

func (r *Relay) candidate(c Conn, e protocol.SendCandidate) {
	if ac := r.active[e.ChatID]; ac != nil {
		ac.conns[c.ID()] = struct{}{}
	}
	r.broadcast(e.ChatID, c.ID(), protocol.Outbound{
		Event: protocol.EventReceiveCandidate,
		Data:  protocol.ReceiveCandidate{Candidate: e.Candidate},
	})
}

func (r *Relay) end(c Conn, e protocol.EndCall) {
	room := e.ChatID
	key := room
	if ac := r.active[room]; ac != nil {
		key = ac.id
		r.retire(room, ac, calls.StatusEnded)
	}
	r.broadcast(room, c.ID(), protocol.Outbound{
		Event: protocol.EventCallEnded,
		Data:  protocol.CallEnded{ChatID: room, Reason: ReasonHangup},
	})
	r.persistStatus(room, key, "end", calls.StatusEnded, r.now())
}

func (r *Relay) rejectCall(c Conn, e protocol.RejectCall) error {
	room := e.ChatID
	ac := r.active[room]
	if ac == nil || ac.status != calls.StatusRinging {
		r.Fail(c, protocol.EventRejectCall, CodeNoCall, "no ringing call to reject")
		return fmt.Errorf("%w: %s", ErrNoRingingCall, room)
	}
	r.retire(room, ac, calls.StatusRejected)
	r.broadcast(room, c.ID(), protocol.Outbound{
		Event: protocol.EventCallRejected,
		Data:  protocol.CallRejected{ChatID: room},
	})
	r.persistStatus(room, ac.id, "reject", calls.StatusRejected, r.now())
	return nil
}

// retire drops the room's active call and returns the status it ended in.
func (r *Relay) retire(room string, ac *activeCall, target calls.Status) calls.Status {
	ac.stopTimer()
	delete(r.active, room)
	if target == calls.StatusEnded && ac.status == calls.StatusRinging {
		target = calls.StatusMissed
	}
	ac.status = target
	r.metrics.CallStatus(string(target))
	r.logger.Info().
		Str("room", room).
		Str("call_id", ac.id).
		Str("status", string(target)).
		Msg("call finished")
	return target
}

func (r *Relay) armRingTimer(room string, ac *activeCall) {
	if r.ringTimeout <= 0 || r.schedule == nil {
		return
	}
	id := ac.id
	ac.timer = time.AfterFunc(r.ringTimeout, func() {
		r.schedule(func() { r.ringExpired(room, id) })
	})
}

func (r *Relay) ringExpired(room, callID string) {
	ac := r.active[room]
	if ac == nil || ac.id != callID || ac.status != calls.StatusRinging {
		return
	}
	r.retire(room, ac, calls.StatusMissed)
	r.broadcast(room, "", protocol.Outbound{
		Event: protocol.EventCallEnded,
		Data:  protocol.CallEnded{ChatID: room, Reason: ReasonMissed},
	})
	r.persistStatus(room, callID, "ring_timeout", calls.StatusMissed, r.now())
}

// broadcast delivers msg to every member of room except senderID.
func (r *Relay) broadcast(room, senderID string, msg protocol.Outbound) {
	members := r.registry.MembersOf(room)
	if len(members) > 2 {
		err := &MisdirectedEventError{Event: msg.Event, Room: room, Members: len(members)}
		r.logger.Warn().Err(err).Str("room", room).Msg("misdirected event")
		r.metrics.Misdirected(msg.Event)
	}
	for _, id := range members {
		if id == senderID {
			continue
		}
		conn, ok := r.conns[id]
		if !ok {
			continue
		}
		if !conn.Send(msg) {
			r.metrics.SlowConsumer()
			r.logger.Warn().Str("conn_id", id).Str("event", msg.Event).Msg("send buffer full, closing connection")
			conn.Close()
			continue
		}
		r.metrics.MessageForwarded(msg.Event)
	}
}

func (r *Relay) persistStatus(room, key, op string, status calls.Status, at time.Time) {
	r.submit(room, op, key, func(ctx context.Context) (*calls.Record, error) {
		return r.store.UpdateByRoomOrID(ctx, key, calls.Patch{Status: status, At: at})
	}, nil)
}

// submit queues a store write for room. Failures are logged and, when reply
// is set, returned to the waiting caller.
func (r *Relay) submit(room, op, callID string, fn func(ctx context.Context) (*calls.Record, error), reply chan<- StartCallResult) {
	ok := r.persist.submit(room, func(ctx context.Context) {
		rec, err := fn(ctx)
		if err != nil {
			perr := &PersistenceError{Op: op, Room: room, CallID: callID, Err: err}
			r.persistFailed(perr)
			err = perr
		}
		if reply != nil {
			reply <- StartCallResult{Record: rec, Err: err}
		}
	})
	if !ok && reply != nil {
		reply <- StartCallResult{Err: ErrHubStopped}
	}
}

func (r *Relay) persistFailed(err *PersistenceError) {
	switch {
	case errors.Is(err, calls.ErrTerminal), errors.Is(err, calls.ErrNotFound):
		r.logger.Debug().Err(err).Msg("call update skipped")
	case errors.Is(err, calls.ErrInvalidTransition):
		r.logger.Warn().Err(err).Msg("call update rejected")
	default:
		r.metrics.PersistFailed(err.Op)
		r.logger.Error().Err(err).Msg("call store write failed")
	}
}
