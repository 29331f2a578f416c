package signaling

import (
	"skillswap/pkg/calls"
	"skillswap/pkg/webrtc/protocol"
)

// Connect makes c reachable by room broadcasts.
func (r *Relay) Connect(c Conn) {
	r.conns[c.ID()] = c
	r.metrics.ConnectionOpened()
	r.logger.Debug().Str("conn_id", c.ID()).Str("user_id", c.UserID()).Msg("connection registered")
}

// Disconnect removes the connection from every room it joined and closes any
// call it was taking part in.
func (r *Relay) Disconnect(connID string) {
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	joined := r.registry.RoomsOf(connID)
	for _, room := range joined {
		r.depart(c, room, ReasonDisconnected)
	}
	delete(r.conns, connID)
	r.metrics.ConnectionClosed()
	r.logger.Debug().Str("conn_id", connID).Int("rooms", len(joined)).Msg("connection unregistered")
}

// depart removes c from room. When c took part in the room's live call, the
// call is closed and the remaining members are told why.
func (r *Relay) depart(c Conn, room, reason string) {
	if !r.registry.Leave(c.ID(), room) {
		return
	}
	ac := r.active[room]
	if ac == nil || !ac.participant(c) {
		return
	}
	r.retire(room, ac, calls.StatusEnded)
	r.broadcast(room, c.ID(), protocol.Outbound{
		Event: protocol.EventCallEnded,
		Data:  protocol.CallEnded{ChatID: room, Reason: reason},
	})
	r.persistStatus(room, ac.id, reason, calls.StatusEnded, r.now())
}
