package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Session is the view of a connection handed to event handlers.
type Session interface {
	SID() string
	UserID() string
	SetUser(userID string)
	Emit(event string, data interface{})
}

// EventHandler processes one client event and returns the ack payload.
// Returning nil suppresses the ack.
type EventHandler func(ctx context.Context, sess Session, data json.RawMessage) interface{}

// ConnectHandler authenticates a session from the auth event payload,
// binding the session to a user on success. A non-nil error refuses the
// handshake and closes the connection.
type ConnectHandler func(ctx context.Context, sess Session, data json.RawMessage) error

// DisconnectHandler observes a session teardown.
type DisconnectHandler func(sid string)

// Hub owns every live websocket session and the room membership used for
// fan-out. Handlers register by event name; each connection dispatches its
// events serially from its own read loop.
type Hub struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	handlers     map[string]EventHandler
	onConnect    ConnectHandler
	onDisconnect DisconnectHandler

	activeConnections int64
	eventsDelivered   int64
}

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:   logger,
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		handlers: make(map[string]EventHandler),
	}
}

// Handle registers an event handler by name.
func (h *Hub) Handle(event string, handler EventHandler) {
	h.handlers[event] = handler
}

// OnConnect registers the handshake authentication handler.
func (h *Hub) OnConnect(handler ConnectHandler) {
	h.onConnect = handler
}

// OnDisconnect registers the teardown observer.
func (h *Hub) OnDisconnect(handler DisconnectHandler) {
	h.onDisconnect = handler
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client.sid] = client
	h.mu.Unlock()
	atomic.AddInt64(&h.activeConnections, 1)

	h.logger.WithField("sid", client.sid).Debug("Client connected")
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.sid]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.sid)
	for room, members := range h.rooms {
		if _, ok := members[client.sid]; ok {
			delete(members, client.sid)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	atomic.AddInt64(&h.activeConnections, -1)
	client.closeSend()

	if h.onDisconnect != nil {
		h.onDisconnect(client.sid)
	}

	h.logger.WithField("sid", client.sid).Debug("Client disconnected")
}

// JoinRoom adds a session to a room. Unknown sids are ignored.
func (h *Hub) JoinRoom(sid, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[sid]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[sid] = client
}

// LeaveRoom removes a session from a room.
func (h *Hub) LeaveRoom(sid, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, sid)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// EmitToRoom broadcasts an event to every session in a room. skipSID, when
// non-empty, excludes that session (typing echoes).
func (h *Hub) EmitToRoom(event string, data interface{}, room, skipSID string) {
	frame, err := json.Marshal(OutEnvelope{Event: event, Data: data})
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for sid, client := range h.rooms[room] {
		if sid == skipSID {
			continue
		}
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		if client.trySend(frame) {
			atomic.AddInt64(&h.eventsDelivered, 1)
		}
	}
}

// EmitToSID sends an event to a single session.
func (h *Hub) EmitToSID(event string, data interface{}, sid string) {
	frame, err := json.Marshal(OutEnvelope{Event: event, Data: data})
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to marshal emit")
		return
	}

	h.mu.RLock()
	client, ok := h.clients[sid]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if client.trySend(frame) {
		atomic.AddInt64(&h.eventsDelivered, 1)
	}
}

// Disconnect force-closes a session (inactivity sweep).
func (h *Hub) Disconnect(sid string) {
	h.mu.RLock()
	client, ok := h.clients[sid]
	h.mu.RUnlock()
	if ok {
		client.conn.Close()
	}
}

// RoomMembers returns the sids currently in a room.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sids := make([]string, 0, len(h.rooms[room]))
	for sid := range h.rooms[room] {
		sids = append(sids, sid)
	}
	return sids
}

// ActiveConnections returns the number of live sessions.
func (h *Hub) ActiveConnections() int64 {
	return atomic.LoadInt64(&h.activeConnections)
}

// EventsDelivered returns the number of frames queued for delivery.
func (h *Hub) EventsDelivered() int64 {
	return atomic.LoadInt64(&h.eventsDelivered)
}
