package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"skillswap/pkg/webrtc/protocol"
)

const (
	pingInterval = 40 * time.Second
	pongWait     = 60 * time.Second
	writeTimeout = 10 * time.Second
)

type client struct {
	id      string
	userID  string
	hub     *Hub
	conn    *websocket.Conn
	send    chan protocol.Outbound
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
}

func (c *client) ID() string     { return c.id }
func (c *client) UserID() string { return c.userID }

// Send never blocks; a full buffer means the peer is not keeping up.
func (c *client) Send(msg protocol.Outbound) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops both pumps; the write pump sends the close frame.
func (c *client) Close() {
	c.cancel()
}

func (c *client) presenceKey() string {
	if c.userID != "" {
		return c.userID
	}
	return c.id
}

func (c *client) readPump() {
	h := c.hub
	defer func() {
		h.Unregister(c.id)
		c.cancel()
		_ = c.conn.Close()
		h.presenceDisconnect(c)
	}()

	c.conn.SetReadLimit(h.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) && c.ctx.Err() == nil {
				h.logger.Debug().Err(err).Str("conn_id", c.id).Msg("read error")
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			h.post(func() { h.relay.Fail(c, "", CodeRateLimited, "too many events") })
			continue
		}
		h.Dispatch(c, data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
