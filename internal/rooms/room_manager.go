package rooms

import (
	"fmt"
	"sync"
	"time"
)

// SessionTimeout is how long a session may stay idle before the inactivity
// sweep disconnects it.
const SessionTimeout = 120 * time.Second

// Session tracks one websocket connection bound to a user.
type Session struct {
	SID          string
	UserID       string
	LastActivity time.Time
}

// RoomManager tracks session-to-user bindings in process. The data is
// ephemeral: losing it on crash is fine because clients reconnect. All
// methods are safe for concurrent use.
type RoomManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	userSIDs map[string]map[string]struct{}
}

// NewRoomManager creates an empty room manager.
func NewRoomManager() *RoomManager {
	return &RoomManager{
		sessions: make(map[string]*Session),
		userSIDs: make(map[string]map[string]struct{}),
	}
}

// AddSession registers a new session for a user. A user may hold several
// concurrent sessions (multi-device).
func (m *RoomManager) AddSession(sid, userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := &Session{SID: sid, UserID: userID, LastActivity: time.Now()}
	m.sessions[sid] = session

	sids, ok := m.userSIDs[userID]
	if !ok {
		sids = make(map[string]struct{})
		m.userSIDs[userID] = sids
	}
	sids[sid] = struct{}{}

	return session
}

// RemoveSession unregisters a session. Returns the removed session, or nil
// if the sid was unknown.
func (m *RoomManager) RemoveSession(sid string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sid]
	if !ok {
		return nil
	}
	delete(m.sessions, sid)

	if sids, ok := m.userSIDs[session.UserID]; ok {
		delete(sids, sid)
		if len(sids) == 0 {
			delete(m.userSIDs, session.UserID)
		}
	}
	return session
}

// GetUserID returns the user bound to a session, or "" if unknown.
func (m *RoomManager) GetUserID(sid string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if session, ok := m.sessions[sid]; ok {
		return session.UserID
	}
	return ""
}

// GetUserSIDs returns a copy of all session ids for a user.
func (m *RoomManager) GetUserSIDs(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sids := make([]string, 0, len(m.userSIDs[userID]))
	for sid := range m.userSIDs[userID] {
		sids = append(sids, sid)
	}
	return sids
}

// IsUserConnected reports whether the user has at least one session.
func (m *RoomManager) IsUserConnected(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.userSIDs[userID]) > 0
}

// UpdateActivity refreshes a session's last-activity timestamp.
func (m *RoomManager) UpdateActivity(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[sid]; ok {
		session.LastActivity = time.Now()
	}
}

// GetTimedOutSessions returns sessions idle beyond SessionTimeout.
func (m *RoomManager) GetTimedOutSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var timedOut []*Session
	for _, session := range m.sessions {
		if now.Sub(session.LastActivity) > SessionTimeout {
			timedOut = append(timedOut, session)
		}
	}
	return timedOut
}

// SessionCount returns the number of live sessions.
func (m *RoomManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// UserRoom returns the personal fan-out room name for a user.
func UserRoom(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// ChatRoom returns the room name for a chat.
func ChatRoom(chatID string) string {
	return fmt.Sprintf("chat:%s", chatID)
}
