package signaling

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"skillswap/pkg/calls"
	"skillswap/pkg/presence"
	"skillswap/pkg/rooms"
	"skillswap/pkg/webrtc/protocol"
)

const (
	defaultReadLimit   = 64 * 1024
	defaultSendBuffer  = 64
	opsBuffer          = 256
	presenceTimeout    = 2 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
)

// HubOptions configures a Hub instance.
type HubOptions struct {
	ICEServers []protocol.ICEServer
	ICEMode    string
	Logger     *zerolog.Logger
	Upgrader   *websocket.Upgrader
	// Presence is optional; when set it tracks which users are online.
	Presence presence.Store
	Metrics  Metrics

	RingTimeout    time.Duration
	PersistTimeout time.Duration
	SendBuffer     int
	ReadLimit      int64
	// RateLimit caps inbound events per second per connection. Zero disables it.
	RateLimit float64
	RateBurst int
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID overrides the generated connection ID.
	ID string
	// UserID is the application user behind the connection, if known.
	UserID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub owns the relay and runs every signaling decision on one goroutine.
// Connections feed it through Dispatch; Run must be running before any
// connection is accepted.
type Hub struct {
	relay      *Relay
	ops        chan func()
	done       chan struct{}
	presence   presence.Store
	iceServers []protocol.ICEServer
	iceMode    string
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
	metrics    Metrics
	sendBuffer int
	readLimit  int64
	rateLimit  rate.Limit
	rateBurst  int
}

// NewHub builds a signaling Hub routing through registry and persisting to store.
func NewHub(registry *rooms.Registry, store calls.Store, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "signaling").Logger()
	}
	var m Metrics = noopMetrics{}
	if opts.Metrics != nil {
		m = opts.Metrics
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}

	h := &Hub{
		ops:        make(chan func(), opsBuffer),
		done:       make(chan struct{}),
		presence:   opts.Presence,
		iceServers: opts.ICEServers,
		iceMode:    opts.ICEMode,
		upgrader:   upgrader,
		logger:     logger,
		metrics:    m,
		sendBuffer: sendBuffer,
		readLimit:  readLimit,
		rateLimit:  rate.Limit(opts.RateLimit),
		rateBurst:  burst,
	}
	h.relay = NewRelay(registry, store, RelayOptions{
		Logger:         &logger,
		Metrics:        m,
		RingTimeout:    opts.RingTimeout,
		PersistTimeout: opts.PersistTimeout,
		Schedule:       func(fn func()) { h.post(fn) },
	})
	return h
}

// Run processes hub operations until ctx is done. On exit every connection is
// closed and pending store writes are drained.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	h.logger.Info().Msg("signaling hub started")
	for {
		select {
		case <-ctx.Done():
			h.relay.Close()
			h.logger.Info().Msg("signaling hub stopped")
			return nil
		case op := <-h.ops:
			op()
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Registry exposes the room registry for read-only inspection.
func (h *Hub) Registry() *rooms.Registry { return h.relay.Registry() }

func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("upgrade error")
			return
		}
		userID := strings.TrimSpace(r.URL.Query().Get("userId"))
		if err := h.Accept(conn, ConnOptions{UserID: userID}); err != nil {
			h.logger.Warn().Err(err).Msg("accept error")
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded WebSocket connection (useful when auth/guards are handled elsewhere).
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		id:     id,
		userID: opts.UserID,
		hub:    h,
		conn:   conn,
		send:   make(chan protocol.Outbound, h.sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	if h.rateLimit > 0 {
		c.limiter = rate.NewLimiter(h.rateLimit, h.rateBurst)
	}

	h.presenceConnect(c)
	if err := h.Register(c); err != nil {
		cancel()
		h.presenceDisconnect(c)
		return err
	}

	go c.writePump()
	go c.readPump()
	return nil
}

// Register makes c part of the hub and greets it. It returns once the loop has
// processed the registration.
func (h *Hub) Register(c Conn) error {
	ok := h.do(func() {
		h.relay.Connect(c)
		c.Send(protocol.Outbound{
			Event: protocol.EventWelcome,
			Data: protocol.Welcome{
				ID:         c.ID(),
				UserID:     c.UserID(),
				ICEServers: h.iceServers,
				ICEMode:    h.iceMode,
			},
		})
	})
	if !ok {
		return ErrHubStopped
	}
	return nil
}

// Unregister removes a connection and reconciles the calls it took part in.
func (h *Hub) Unregister(connID string) {
	h.do(func() { h.relay.Disconnect(connID) })
}

// Dispatch decodes one inbound frame from c and queues it for the loop.
// Frames from one connection are applied in the order they are dispatched.
func (h *Hub) Dispatch(c Conn, raw []byte) {
	ev, err := protocol.Decode(raw)
	if err != nil {
		event, code := classify(err)
		h.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("dropping inbound frame")
		h.post(func() { h.relay.Fail(c, event, code, err.Error()) })
		return
	}
	h.post(func() {
		if err := h.relay.Handle(c, ev); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", c.ID()).Str("event", ev.Name()).Msg("event rejected")
		}
	})
}

// StartCall opens a call for req through the loop and waits for its record
// to be stored. reused is true when the room already had a live call between
// the same two users and that call was returned.
func (h *Hub) StartCall(ctx context.Context, req StartCallRequest) (rec *calls.Record, reused bool, err error) {
	req = req.normalized()
	if err := protocol.Validate("startCall", req); err != nil {
		return nil, false, err
	}
	var reply <-chan StartCallResult
	if !h.do(func() { reply, reused = h.relay.StartCall(req) }) {
		return nil, false, ErrHubStopped
	}
	select {
	case res := <-reply:
		return res.Record, reused, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Sync returns after every operation queued before it has been applied.
func (h *Hub) Sync() error {
	if !h.do(func() {}) {
		return ErrHubStopped
	}
	return nil
}

// Flush waits for queued store writes.
func (h *Hub) Flush() {
	h.relay.Flush()
}

func (h *Hub) post(op func()) bool {
	select {
	case h.ops <- op:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) do(op func()) bool {
	finished := make(chan struct{})
	if !h.post(func() {
		op()
		close(finished)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) presenceConnect(c *client) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Connect(ctx, c.presenceKey()); err != nil {
		h.logger.Warn().Err(err).Str("conn_id", c.id).Msg("presence connect")
	}
}

func (h *Hub) presenceDisconnect(c *client) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Disconnect(ctx, c.presenceKey()); err != nil {
		h.logger.Warn().Err(err).Str("conn_id", c.id).Msg("presence disconnect")
	}
}

func classify(err error) (event, code string) {
	var verr *protocol.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Event, CodeInvalid
	case errors.Is(err, protocol.ErrUnknownEvent):
		return "", CodeUnknownEvent
	default:
		return "", CodeMalformed
	}
}
