package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/govtheppl/chat-server/internal/rooms"
	"github.com/govtheppl/chat-server/internal/ws"
)

// handleConnect authenticates the handshake. The client must pass
// {"token": "JWT"} in the auth payload; sessions without a valid token are
// refused before any handler can run.
func (s *Server) handleConnect(ctx context.Context, sess ws.Session, data json.RawMessage) error {
	var payload struct {
		Token string `json:"token"`
	}
	if err := decode(data, &payload); err != nil || payload.Token == "" {
		s.logger.WithField("sid", sess.SID()).Warn("Connection rejected: no token provided")
		return errors.New("authentication required")
	}

	keycloakID, err := s.tokens.ValidateToken(payload.Token)
	if err != nil {
		s.logger.WithField("sid", sess.SID()).Warn("Connection rejected: invalid token")
		return errors.New("invalid or expired token")
	}

	userID, err := s.archiver.ResolveKeycloakID(ctx, keycloakID)
	if err != nil {
		s.logger.WithError(err).WithField("sid", sess.SID()).Error("Connection rejected: identity lookup failed")
		return errors.New("user not found")
	}
	if userID == "" {
		s.logger.WithFields(logrus.Fields{
			"sid":         sess.SID(),
			"keycloak_id": keycloakID,
		}).Warn("Connection rejected: unknown subject")
		return errors.New("user not found")
	}

	sess.SetUser(userID)
	s.rooms.AddSession(sess.SID(), userID)
	s.hub.JoinRoom(sess.SID(), rooms.UserRoom(userID))

	// Rejoin active chats
	activeChats, err := s.store.GetUserActiveChats(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to load active chats")
		activeChats = []string{}
	}
	for _, chatID := range activeChats {
		s.hub.JoinRoom(sess.SID(), rooms.ChatRoom(chatID))
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":      userID,
		"sid":          sess.SID(),
		"active_chats": activeChats,
	}).Info("User connected and authenticated")

	sess.Emit("authenticated", map[string]interface{}{
		"userId":      userID,
		"activeChats": activeChats,
	})

	// Catch-up: deliver pending chat requests the user may have missed.
	// Failures here never abort an otherwise good handshake.
	cards, err := s.archiver.GetPendingChatRequests(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to deliver pending chat requests")
		return nil
	}
	for _, card := range cards {
		sess.Emit("chat_request_received", card)
	}
	if len(cards) > 0 {
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"count":   len(cards),
		}).Info("Delivered pending chat requests")
	}

	return nil
}

// handleDisconnect releases the session binding. Chat state is untouched;
// chats persist across brief disconnects.
func (s *Server) handleDisconnect(sid string) {
	session := s.rooms.RemoveSession(sid)
	if session != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": session.UserID,
			"sid":     sid,
		}).Info("User disconnected")
	}
}

// handleJoinChat enters the chat room and returns the initial state
// snapshot.
func (s *Server) handleJoinChat(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	var payload struct {
		ChatID string `json:"chatId"`
	}
	decode(data, &payload)

	userID, errResp := s.requireParticipant(ctx, sess, payload.ChatID)
	if errResp != nil {
		return errResp
	}

	s.hub.JoinRoom(sess.SID(), rooms.ChatRoom(payload.ChatID))
	s.rooms.UpdateActivity(sess.SID())

	messages, err := s.store.GetMessages(ctx, payload.ChatID, 0, -1)
	if err != nil {
		return s.storeError(err)
	}
	positions, err := s.store.GetAllAgreedPositions(ctx, payload.ChatID)
	if err != nil {
		return s.storeError(err)
	}

	metadata, err := s.store.GetChatMetadata(ctx, payload.ChatID)
	if err != nil {
		return s.storeError(err)
	}
	otherUserConnected := false
	if metadata != nil {
		for _, participantID := range metadata.ParticipantIDs {
			if participantID != userID && s.rooms.IsUserConnected(participantID) {
				otherUserConnected = true
				break
			}
		}
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":              userID,
		"chat_id":              payload.ChatID,
		"messages":             len(messages),
		"other_user_connected": otherUserConnected,
	}).Info("User joined chat")

	return map[string]interface{}{
		"status":             "joined",
		"chatId":             payload.ChatID,
		"messages":           messagePayloads(payload.ChatID, messages),
		"agreedPositions":    positions,
		"otherUserConnected": otherUserConnected,
	}
}

// handlePing refreshes the activity timestamp and records in-app presence.
func (s *Server) handlePing(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	s.rooms.UpdateActivity(sess.SID())

	if s.heartbeat != nil {
		if userID := s.rooms.GetUserID(sess.SID()); userID != "" {
			if err := s.heartbeat.RecordInApp(ctx, userID); err != nil {
				s.logger.WithError(err).Debug("Failed to record heartbeat presence")
			}
		}
	}

	return map[string]string{"type": "pong"}
}
