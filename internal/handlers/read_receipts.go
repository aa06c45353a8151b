package handlers

import (
	"context"
	"encoding/json"

	"github.com/govtheppl/chat-server/internal/rooms"
	"github.com/govtheppl/chat-server/internal/ws"
)

// handleMarkRead broadcasts a read receipt. Read state is not persisted;
// clients are the source of truth and deduplicate on their side.
func (s *Server) handleMarkRead(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	var payload struct {
		ChatID    string `json:"chatId"`
		MessageID string `json:"messageId"`
	}
	decode(data, &payload)

	userID := s.rooms.GetUserID(sess.SID())
	if userID == "" {
		return ws.NotAuthenticated()
	}
	if payload.ChatID == "" {
		return ws.MissingChatID()
	}
	if payload.MessageID == "" {
		return ws.Error("MISSING_MESSAGE_ID", "Missing messageId")
	}

	s.hub.EmitToRoom("read_receipt", map[string]interface{}{
		"chatId":    payload.ChatID,
		"userId":    userID,
		"messageId": payload.MessageID,
	}, rooms.ChatRoom(payload.ChatID), "")

	return map[string]string{"status": "ok"}
}
