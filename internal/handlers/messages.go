package handlers

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/govtheppl/chat-server/internal/domain"
	"github.com/govtheppl/chat-server/internal/rooms"
	"github.com/govtheppl/chat-server/internal/ws"
)

// messagePayload is the wire shape of a message broadcast and of history
// slices.
func messagePayload(chatID string, m domain.ChatMessage) map[string]interface{} {
	return map[string]interface{}{
		"id":        m.ID,
		"chatLogId": chatID,
		"sender":    m.SenderID,
		"type":      m.Type,
		"content":   m.Content,
		"sendTime":  m.SendTime,
	}
}

func messagePayloads(chatID string, messages []domain.ChatMessage) []map[string]interface{} {
	payloads := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		payloads = append(payloads, messagePayload(chatID, m))
	}
	return payloads
}

// handleMessage persists a message and broadcasts it to the chat room. The
// sender receives the echo too; the broadcast is the canonical ordering
// source.
func (s *Server) handleMessage(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	var payload struct {
		ChatID      string `json:"chatId"`
		Content     string `json:"content"`
		MessageType string `json:"messageType"`
	}
	decode(data, &payload)

	userID := s.rooms.GetUserID(sess.SID())
	if userID == "" {
		return ws.NotAuthenticated()
	}
	s.rooms.UpdateActivity(sess.SID())

	if payload.ChatID == "" {
		return ws.MissingChatID()
	}
	if payload.Content == "" {
		return ws.Error("MISSING_CONTENT", "Missing content")
	}

	ok, err := s.store.IsChatParticipant(ctx, payload.ChatID, userID)
	if err != nil {
		return s.storeError(err)
	}
	if !ok {
		return ws.NotParticipant()
	}

	messageType := payload.MessageType
	if messageType == "" {
		messageType = domain.MessageTypeText
	}

	message, err := s.store.AddMessage(ctx, payload.ChatID, userID, payload.Content, messageType, "")
	if err != nil {
		return s.storeError(err)
	}

	s.hub.EmitToRoom("message", messagePayload(payload.ChatID, message), rooms.ChatRoom(payload.ChatID), "")

	s.logger.WithFields(logrus.Fields{
		"message_id": message.ID,
		"chat_id":    payload.ChatID,
		"user_id":    userID,
	}).Debug("Message sent")

	return map[string]string{"status": "sent", "messageId": message.ID}
}

// handleGetMessages returns a history slice; end = -1 means the last
// message, both ends inclusive.
func (s *Server) handleGetMessages(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	payload := struct {
		ChatID string `json:"chatId"`
		Start  int64  `json:"start"`
		End    int64  `json:"end"`
	}{End: -1}
	decode(data, &payload)

	if _, errResp := s.requireParticipant(ctx, sess, payload.ChatID); errResp != nil {
		return errResp
	}

	messages, err := s.store.GetMessages(ctx, payload.ChatID, payload.Start, payload.End)
	if err != nil {
		return s.storeError(err)
	}

	return map[string]interface{}{
		"status":   "ok",
		"messages": messagePayloads(payload.ChatID, messages),
	}
}
