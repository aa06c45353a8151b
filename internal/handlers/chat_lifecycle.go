package handlers

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/govtheppl/chat-server/internal/pubsub"
	"github.com/govtheppl/chat-server/internal/rooms"
	"github.com/govtheppl/chat-server/internal/ws"
)

// handleStartChat creates a chat directly from an accepted request: archival
// row first, then KV state, then room joins and the active broadcast.
func (s *Server) handleStartChat(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	var payload struct {
		ChatRequestID string `json:"chatRequestId"`
	}
	decode(data, &payload)

	userID := s.rooms.GetUserID(sess.SID())
	if userID == "" {
		return ws.NotAuthenticated()
	}
	if payload.ChatRequestID == "" {
		return ws.Error("MISSING_REQUEST_ID", "Missing chatRequestId")
	}

	chatID, err := s.archiver.CreateChatLog(ctx, payload.ChatRequestID)
	if err != nil {
		s.logger.WithError(err).WithField("request_id", payload.ChatRequestID).Error("Failed to create chat")
		return ws.Error("CREATE_FAILED", "Failed to create chat")
	}

	participants, err := s.archiver.GetChatParticipants(ctx, chatID)
	if err != nil || len(participants) == 0 {
		return ws.Error("PARTICIPANTS_NOT_FOUND", "Could not find chat participants")
	}

	if _, err := s.store.CreateChat(ctx, chatID, participants); err != nil {
		return s.storeError(err)
	}

	s.joinParticipants(chatID, participants)

	s.hub.EmitToRoom("status", map[string]interface{}{
		"chatId":       chatID,
		"status":       "active",
		"participants": participants,
	}, rooms.ChatRoom(chatID), "")

	s.logger.WithFields(logrus.Fields{
		"chat_id":      chatID,
		"participants": participants,
	}).Info("Chat started")

	return map[string]interface{}{
		"status":       "started",
		"chatId":       chatID,
		"participants": participants,
	}
}

// handleExitChat terminates a chat unilaterally. Export must succeed before
// any teardown: a failed export leaves the chat live.
func (s *Server) handleExitChat(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	var payload struct {
		ChatID string `json:"chatId"`
	}
	decode(data, &payload)

	userID := s.rooms.GetUserID(sess.SID())
	if userID == "" {
		return ws.NotAuthenticated()
	}
	if payload.ChatID == "" {
		return ws.MissingChatID()
	}

	metadata, err := s.store.GetChatMetadata(ctx, payload.ChatID)
	if err != nil {
		return s.storeError(err)
	}
	if metadata == nil || !metadata.HasParticipant(userID) {
		return ws.NotParticipant()
	}

	exportData, err := s.store.GetChatExportData(ctx, payload.ChatID)
	if err != nil {
		return s.storeError(err)
	}
	exportData.EndedByUserID = userID

	if err := s.archiver.ExportChat(ctx, payload.ChatID, exportData, "user_exit"); err != nil {
		s.logger.WithError(err).WithField("chat_id", payload.ChatID).Error("Export failed, chat stays open")
		return ws.Error("EXPORT_FAILED", "Failed to export chat")
	}

	chatRoom := rooms.ChatRoom(payload.ChatID)

	if otherUserID := metadata.OtherParticipant(userID); otherUserID != "" {
		s.hub.EmitToRoom("status", map[string]interface{}{
			"chatId": payload.ChatID,
			"status": "user_left",
			"userId": userID,
		}, rooms.UserRoom(otherUserID), "")
	}

	s.hub.EmitToRoom("status", map[string]interface{}{
		"chatId":  payload.ChatID,
		"status":  "ended",
		"endType": "user_exit",
	}, chatRoom, "")

	s.leaveParticipants(payload.ChatID, metadata.ParticipantIDs)

	if err := s.store.DeleteChat(ctx, payload.ChatID); err != nil {
		s.logger.WithError(err).WithField("chat_id", payload.ChatID).Error("Failed to delete exported chat; TTL will reap it")
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id": payload.ChatID,
		"user_id": userID,
	}).Info("Chat ended by user exit")

	return map[string]string{"status": "ended", "chatId": payload.ChatID}
}

// handleNotifyChatRequest relays a request notification to the target
// user's personal room. Only trusted callers (the REST API holding a valid
// token) use this.
func (s *Server) handleNotifyChatRequest(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	var payload struct {
		UserID      string          `json:"userId"`
		RequestID   string          `json:"requestId"`
		Initiator   json.RawMessage `json:"initiator"`
		Position    json.RawMessage `json:"position"`
		CreatedTime string          `json:"createdTime"`
	}
	decode(data, &payload)

	senderUserID := s.rooms.GetUserID(sess.SID())
	if senderUserID == "" {
		return ws.NotAuthenticated()
	}
	if payload.UserID == "" {
		return ws.Error("MISSING_USER_ID", "Missing userId")
	}

	s.hub.EmitToRoom("chat_request_received", map[string]interface{}{
		"requestId":   payload.RequestID,
		"initiator":   payload.Initiator,
		"position":    payload.Position,
		"createdTime": payload.CreatedTime,
	}, rooms.UserRoom(payload.UserID), "")

	s.logger.WithField("user_id", payload.UserID).Info("Chat request notification sent")

	return map[string]string{"status": "notified"}
}

// ===== Pub/sub driven lifecycle =====

// PubSubHandlers returns the event bus dispatch table.
func (s *Server) PubSubHandlers() pubsub.Handlers {
	return pubsub.Handlers{
		OnChatAccepted:        s.handleChatAccepted,
		OnChatRequestResponse: s.handleChatRequestResponse,
		OnChatRequestReceived: s.handleChatRequestReceived,
	}
}

// handleChatAccepted sets up a chat created by the REST API and notifies
// both users with their role.
func (s *Server) handleChatAccepted(ctx context.Context, event pubsub.ChatAcceptedEvent) {
	if event.ChatLogID == "" || event.InitiatorUserID == "" || event.ResponderUserID == "" {
		s.logger.WithField("event", event).Error("Invalid chat_accepted event data")
		return
	}

	participants := []string{event.InitiatorUserID, event.ResponderUserID}
	if _, err := s.store.CreateChat(ctx, event.ChatLogID, participants); err != nil {
		s.logger.WithError(err).WithField("chat_id", event.ChatLogID).Error("Failed to create accepted chat")
		return
	}

	s.joinParticipants(event.ChatLogID, participants)

	s.hub.EmitToRoom("chat_started", map[string]interface{}{
		"chatId":            event.ChatLogID,
		"otherUserId":       event.ResponderUserID,
		"positionStatement": event.PositionStatement,
		"role":              "initiator",
	}, rooms.UserRoom(event.InitiatorUserID), "")

	s.hub.EmitToRoom("chat_started", map[string]interface{}{
		"chatId":            event.ChatLogID,
		"otherUserId":       event.InitiatorUserID,
		"positionStatement": event.PositionStatement,
		"role":              "responder",
	}, rooms.UserRoom(event.ResponderUserID), "")

	s.logger.WithFields(logrus.Fields{
		"chat_id":      event.ChatLogID,
		"participants": participants,
	}).Info("Accepted chat set up, users notified")
}

// handleChatRequestResponse relays a request outcome to the initiator's
// personal room. No PII beyond the request id and chat log id.
func (s *Server) handleChatRequestResponse(ctx context.Context, event pubsub.ChatRequestResponseEvent) {
	if event.InitiatorUserID == "" || event.RequestID == "" {
		s.logger.WithField("event", event).Error("Invalid chat_request_response event data")
		return
	}

	initiatorRoom := rooms.UserRoom(event.InitiatorUserID)
	if event.Response == "accepted" {
		s.hub.EmitToRoom("chat_request_accepted", map[string]string{
			"requestId": event.RequestID,
			"chatLogId": event.ChatLogID,
		}, initiatorRoom, "")
	} else {
		s.hub.EmitToRoom("chat_request_declined", map[string]string{
			"requestId": event.RequestID,
		}, initiatorRoom, "")
	}
}

// handleChatRequestReceived forwards a card payload to its target user.
func (s *Server) handleChatRequestReceived(ctx context.Context, payload json.RawMessage) {
	var envelope struct {
		UserID string          `json:"userId"`
		Card   json.RawMessage `json:"card"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.UserID == "" {
		s.logger.Error("Invalid chat_request_received event data")
		return
	}

	s.hub.EmitToRoom("chat_request_received", envelope.Card, rooms.UserRoom(envelope.UserID), "")
}

func (s *Server) joinParticipants(chatID string, participantIDs []string) {
	chatRoom := rooms.ChatRoom(chatID)
	for _, participantID := range participantIDs {
		for _, sid := range s.rooms.GetUserSIDs(participantID) {
			s.hub.JoinRoom(sid, chatRoom)
		}
	}
}

func (s *Server) leaveParticipants(chatID string, participantIDs []string) {
	chatRoom := rooms.ChatRoom(chatID)
	for _, participantID := range participantIDs {
		for _, sid := range s.rooms.GetUserSIDs(participantID) {
			s.hub.LeaveRoom(sid, chatRoom)
		}
	}
}
