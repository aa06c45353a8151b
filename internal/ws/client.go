package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	authWait       = 10 * time.Second
	maxMessageSize = 65536 // 64KB
	maxEventRate   = 10    // events per second per connection
	sendQueueSize  = 256
)

// Client is one websocket session. Events are read and dispatched serially
// from the session's read loop; writes go through a buffered send queue
// drained by the write loop.
type Client struct {
	sid     string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  *logrus.Logger

	mu            sync.Mutex
	sendClosed    bool
	authenticated bool
	userID        string
}

// SID returns the session id assigned by the transport.
func (c *Client) SID() string { return c.sid }

// UserID returns the authenticated user, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetUser binds the session to a user after successful authentication.
func (c *Client) SetUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.userID = userID
}

func (c *Client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Emit sends an event directly to this session.
func (c *Client) Emit(event string, data interface{}) {
	c.hub.EmitToSID(event, data, c.sid)
}

func (c *Client) trySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		// Send queue full; the write loop is stuck and the connection
		// will be torn down by its deadlines.
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) ack(ackID *int64, payload interface{}) {
	if ackID == nil || payload == nil {
		return
	}
	frame, err := json.Marshal(OutEnvelope{Event: "ack", Data: payload, AckID: ackID})
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal ack")
		return
	}
	c.trySend(frame)
}

// ServeConn upgrades an HTTP request and runs the session until disconnect.
// The first frame must be an auth event; sessions that fail the handshake
// are refused and closed.
func (h *Hub) ServeConn(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &Client{
		sid:     uuid.New().String(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		limiter: rate.NewLimiter(rate.Limit(maxEventRate), maxEventRate*2),
		logger:  h.logger,
	}

	h.register(client)

	go client.writePump()
	client.readPump()
}

func (c *Client) readPump() {
	// unregister closes the send queue; writePump then flushes any queued
	// frames (such as a refusal ack) and closes the connection itself.
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("sid", c.sid).Debug("WebSocket read error")
			}
			return
		}

		if !c.limiter.Allow() {
			c.logger.WithField("sid", c.sid).Warn("Rate limit exceeded")
			continue
		}

		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.logger.WithField("sid", c.sid).Warn("Invalid frame from client")
			continue
		}

		if !c.isAuthenticated() {
			if envelope.Event != "auth" {
				c.ack(envelope.AckID, NotAuthenticated())
				return
			}
			if err := c.authenticate(envelope); err != nil {
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(envelope)
	}
}

func (c *Client) authenticate(envelope Envelope) error {
	if c.hub.onConnect == nil {
		c.ack(envelope.AckID, Error("NOT_CONFIGURED", "No connect handler"))
		return ErrHandshakeRefused
	}

	ctx, cancel := context.WithTimeout(context.Background(), authWait)
	defer cancel()

	if err := c.hub.onConnect(ctx, c, envelope.Data); err != nil {
		c.ack(envelope.AckID, Error("CONNECTION_REFUSED", err.Error()))
		return ErrHandshakeRefused
	}
	c.ack(envelope.AckID, map[string]string{"status": "ok"})
	return nil
}

func (c *Client) dispatch(envelope Envelope) {
	handler, ok := c.hub.handlers[envelope.Event]
	if !ok {
		c.logger.WithFields(logrus.Fields{
			"sid":   c.sid,
			"event": envelope.Event,
		}).Warn("Unknown event")
		c.ack(envelope.AckID, Error("UNKNOWN_EVENT", "Unknown event: "+envelope.Event))
		return
	}

	ctx := context.Background()
	result := func() (result interface{}) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(logrus.Fields{
					"sid":   c.sid,
					"event": envelope.Event,
					"panic": r,
				}).Error("Handler panicked")
				result = Error("INTERNAL_ERROR", "Internal server error")
			}
		}()
		return handler(ctx, c, envelope.Data)
	}()

	c.ack(envelope.AckID, result)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
