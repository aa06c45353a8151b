package rooms

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoomManager_AddRemoveSession(t *testing.T) {
	m := NewRoomManager()

	session := m.AddSession("sid-1", "user-1")
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, "user-1", m.GetUserID("sid-1"))
	assert.True(t, m.IsUserConnected("user-1"))
	assert.Equal(t, 1, m.SessionCount())

	removed := m.RemoveSession("sid-1")
	assert.NotNil(t, removed)
	assert.Equal(t, "user-1", removed.UserID)
	assert.Equal(t, "", m.GetUserID("sid-1"))
	assert.False(t, m.IsUserConnected("user-1"))
	assert.Equal(t, 0, m.SessionCount())
}

func TestRoomManager_RemoveUnknownSession(t *testing.T) {
	m := NewRoomManager()
	assert.Nil(t, m.RemoveSession("nope"))
}

func TestRoomManager_MultiDevice(t *testing.T) {
	m := NewRoomManager()

	m.AddSession("sid-1", "user-1")
	m.AddSession("sid-2", "user-1")

	sids := m.GetUserSIDs("user-1")
	assert.Len(t, sids, 2)
	assert.ElementsMatch(t, []string{"sid-1", "sid-2"}, sids)

	// One device disconnecting leaves the other functional
	m.RemoveSession("sid-1")
	assert.True(t, m.IsUserConnected("user-1"))
	assert.Equal(t, []string{"sid-2"}, m.GetUserSIDs("user-1"))

	m.RemoveSession("sid-2")
	assert.False(t, m.IsUserConnected("user-1"))
}

func TestRoomManager_ActivityTimeout(t *testing.T) {
	m := NewRoomManager()

	session := m.AddSession("sid-1", "user-1")
	assert.Empty(t, m.GetTimedOutSessions())

	// Backdate beyond the timeout, then refresh via UpdateActivity
	m.mu.Lock()
	session.LastActivity = time.Now().Add(-SessionTimeout - time.Second)
	m.mu.Unlock()

	timedOut := m.GetTimedOutSessions()
	assert.Len(t, timedOut, 1)
	assert.Equal(t, "sid-1", timedOut[0].SID)

	m.UpdateActivity("sid-1")
	assert.Empty(t, m.GetTimedOutSessions())
}

func TestRoomManager_ConcurrentAccess(t *testing.T) {
	m := NewRoomManager()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sid := fmt.Sprintf("sid-%d", n)
			m.AddSession(sid, fmt.Sprintf("user-%d", n%5))
			m.UpdateActivity(sid)
			m.GetUserSIDs(fmt.Sprintf("user-%d", n%5))
			m.RemoveSession(sid)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, m.SessionCount())
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "user:u-1", UserRoom("u-1"))
	assert.Equal(t, "chat:c-1", ChatRoom("c-1"))
}
