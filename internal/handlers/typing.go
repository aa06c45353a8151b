package handlers

import (
	"context"
	"encoding/json"

	"github.com/govtheppl/chat-server/internal/rooms"
	"github.com/govtheppl/chat-server/internal/ws"
)

// handleTyping echoes a typing indicator to the other participants. The
// sender is excluded and nothing is persisted.
func (s *Server) handleTyping(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	var payload struct {
		ChatID   string `json:"chatId"`
		IsTyping bool   `json:"isTyping"`
	}
	decode(data, &payload)

	userID, errResp := s.requireParticipant(ctx, sess, payload.ChatID)
	if errResp != nil {
		return errResp
	}

	s.hub.EmitToRoom("typing", map[string]interface{}{
		"chatId":   payload.ChatID,
		"userId":   userID,
		"isTyping": payload.IsTyping,
	}, rooms.ChatRoom(payload.ChatID), sess.SID())

	return map[string]string{"status": "ok"}
}
