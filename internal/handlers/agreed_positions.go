package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/govtheppl/chat-server/internal/domain"
	"github.com/govtheppl/chat-server/internal/rooms"
	"github.com/govtheppl/chat-server/internal/ws"
)

// agreedPositionPayload is the single event shape for all proposal actions.
type agreedPositionPayload struct {
	ChatID     string `json:"chatId"`
	Action     string `json:"action"`
	ProposalID string `json:"proposalId"`
	Content    string `json:"content"`
	IsClosure  bool   `json:"isClosure"`
}

// handleAgreedPosition dispatches the proposal state machine: propose,
// accept, reject and modify, including closure handling.
func (s *Server) handleAgreedPosition(ctx context.Context, sess ws.Session, data json.RawMessage) interface{} {
	var payload agreedPositionPayload
	decode(data, &payload)

	userID := s.rooms.GetUserID(sess.SID())
	if userID == "" {
		return ws.NotAuthenticated()
	}
	if payload.ChatID == "" {
		return ws.MissingChatID()
	}

	switch payload.Action {
	case "propose", "accept", "reject", "modify":
	default:
		return ws.Error("INVALID_ACTION", "Invalid action. Must be propose, accept, reject, or modify")
	}

	ok, err := s.store.IsChatParticipant(ctx, payload.ChatID, userID)
	if err != nil {
		return s.storeError(err)
	}
	if !ok {
		return ws.NotParticipant()
	}

	chatRoom := rooms.ChatRoom(payload.ChatID)

	switch payload.Action {
	case "propose":
		return s.handlePropose(ctx, payload, chatRoom, userID)
	case "accept":
		return s.handleAccept(ctx, payload, chatRoom, userID)
	case "reject":
		return s.handleReject(ctx, payload, chatRoom, userID)
	default:
		return s.handleModify(ctx, payload, chatRoom, userID)
	}
}

func (s *Server) handlePropose(ctx context.Context, payload agreedPositionPayload, chatRoom, userID string) interface{} {
	if payload.Content == "" {
		return ws.Error("MISSING_CONTENT", "Content is required for propose action")
	}
	if utf8.RuneCountInString(payload.Content) > domain.MaxProposalLength {
		return ws.Error("CONTENT_TOO_LONG", "Proposal must be 1000 characters or less")
	}

	position, err := s.store.AddAgreedPosition(ctx, payload.ChatID, userID, payload.Content, payload.IsClosure, "")
	if err != nil {
		return s.storeError(err)
	}

	if payload.IsClosure {
		if _, err := s.store.SetClosureProposal(ctx, payload.ChatID, userID, payload.Content); err != nil {
			return s.storeError(err)
		}
	}

	s.hub.EmitToRoom("agreed_position", map[string]interface{}{
		"chatId":     payload.ChatID,
		"action":     "propose",
		"proposal":   position,
		"proposerId": userID,
		"isClosure":  payload.IsClosure,
	}, chatRoom, "")

	s.logger.WithFields(logrus.Fields{
		"chat_id":     payload.ChatID,
		"user_id":     userID,
		"proposal_id": position.ID,
		"is_closure":  payload.IsClosure,
	}).Info("Position proposed")

	return map[string]string{"status": "proposed", "proposalId": position.ID}
}

func (s *Server) handleAccept(ctx context.Context, payload agreedPositionPayload, chatRoom, userID string) interface{} {
	if payload.ProposalID == "" {
		return ws.Error("MISSING_PROPOSAL_ID", "proposalId is required for accept action")
	}

	position, err := s.store.GetAgreedPosition(ctx, payload.ChatID, payload.ProposalID)
	if err != nil {
		return s.storeError(err)
	}
	if position == nil {
		return ws.Error("PROPOSAL_NOT_FOUND", "Proposal not found")
	}
	if position.Status != domain.ProposalPending {
		return ws.Error("PROPOSAL_NOT_PENDING", "Proposal is no longer pending")
	}
	if position.ProposerID == userID {
		return ws.Error("CANNOT_ACCEPT_OWN", "Cannot accept your own proposal")
	}

	// The store transition is the serialization point: of two concurrent
	// accepts exactly one commits.
	accepted, err := s.store.UpdateAgreedPositionStatus(ctx, payload.ChatID, payload.ProposalID, domain.ProposalAccepted)
	if err != nil {
		return s.transitionError(err)
	}

	s.hub.EmitToRoom("agreed_position", map[string]interface{}{
		"chatId":     payload.ChatID,
		"action":     "accept",
		"proposal":   accepted,
		"accepterId": userID,
		"isClosure":  accepted.IsClosure,
	}, chatRoom, "")

	s.logger.WithFields(logrus.Fields{
		"chat_id":     payload.ChatID,
		"user_id":     userID,
		"proposal_id": payload.ProposalID,
	}).Info("Position accepted")

	if accepted.IsClosure {
		return s.endChatWithClosure(ctx, payload.ChatID, chatRoom, accepted.Content)
	}

	return map[string]string{"status": "accepted", "proposalId": payload.ProposalID}
}

func (s *Server) handleReject(ctx context.Context, payload agreedPositionPayload, chatRoom, userID string) interface{} {
	if payload.ProposalID == "" {
		return ws.Error("MISSING_PROPOSAL_ID", "proposalId is required for reject action")
	}

	position, err := s.store.GetAgreedPosition(ctx, payload.ChatID, payload.ProposalID)
	if err != nil {
		return s.storeError(err)
	}
	if position == nil {
		return ws.Error("PROPOSAL_NOT_FOUND", "Proposal not found")
	}
	if position.Status != domain.ProposalPending {
		return ws.Error("PROPOSAL_NOT_PENDING", "Proposal is no longer pending")
	}
	if position.ProposerID == userID {
		return ws.Error("CANNOT_REJECT_OWN", "Cannot reject your own proposal")
	}

	rejected, err := s.store.UpdateAgreedPositionStatus(ctx, payload.ChatID, payload.ProposalID, domain.ProposalRejected)
	if err != nil {
		return s.transitionError(err)
	}

	if rejected.IsClosure {
		if err := s.store.ClearClosureProposal(ctx, payload.ChatID); err != nil {
			return s.storeError(err)
		}
	}

	s.hub.EmitToRoom("agreed_position", map[string]interface{}{
		"chatId":     payload.ChatID,
		"action":     "reject",
		"proposal":   rejected,
		"rejecterId": userID,
		"isClosure":  rejected.IsClosure,
	}, chatRoom, "")

	s.logger.WithFields(logrus.Fields{
		"chat_id":     payload.ChatID,
		"user_id":     userID,
		"proposal_id": payload.ProposalID,
	}).Info("Position rejected")

	return map[string]string{"status": "rejected", "proposalId": payload.ProposalID}
}

func (s *Server) handleModify(ctx context.Context, payload agreedPositionPayload, chatRoom, userID string) interface{} {
	if payload.ProposalID == "" {
		return ws.Error("MISSING_PROPOSAL_ID", "proposalId is required for modify action")
	}
	if payload.Content == "" {
		return ws.Error("MISSING_CONTENT", "content is required for modify action")
	}
	if utf8.RuneCountInString(payload.Content) > domain.MaxProposalLength {
		return ws.Error("CONTENT_TOO_LONG", "Proposal must be 1000 characters or less")
	}

	original, err := s.store.GetAgreedPosition(ctx, payload.ChatID, payload.ProposalID)
	if err != nil {
		return s.storeError(err)
	}
	if original == nil {
		return ws.Error("PROPOSAL_NOT_FOUND", "Proposal not found")
	}
	if original.Status != domain.ProposalPending {
		return ws.Error("PROPOSAL_NOT_PENDING", "Proposal is no longer pending")
	}
	if original.ProposerID == userID {
		return ws.Error("CANNOT_MODIFY_OWN", "Cannot modify your own proposal")
	}

	if _, err := s.store.UpdateAgreedPositionStatus(ctx, payload.ChatID, payload.ProposalID, domain.ProposalModified); err != nil {
		return s.transitionError(err)
	}

	// The counter-proposal inherits the closure flag and points back at the
	// superseded one.
	newPosition, err := s.store.AddAgreedPosition(ctx, payload.ChatID, userID, payload.Content, original.IsClosure, payload.ProposalID)
	if err != nil {
		return s.storeError(err)
	}

	if original.IsClosure {
		if _, err := s.store.SetClosureProposal(ctx, payload.ChatID, userID, payload.Content); err != nil {
			return s.storeError(err)
		}
	}

	s.hub.EmitToRoom("agreed_position", map[string]interface{}{
		"chatId":             payload.ChatID,
		"action":             "modify",
		"originalProposalId": payload.ProposalID,
		"proposal":           newPosition,
		"proposerId":         userID,
		"isClosure":          original.IsClosure,
	}, chatRoom, "")

	s.logger.WithFields(logrus.Fields{
		"chat_id":         payload.ChatID,
		"user_id":         userID,
		"original_id":     payload.ProposalID,
		"new_proposal_id": newPosition.ID,
	}).Info("Position modified")

	return map[string]string{"status": "modified", "proposalId": newPosition.ID}
}

// endChatWithClosure archives and tears down a chat whose closure proposal
// was accepted. Export failure aborts the termination; the accepted closure
// stays in the KV state and the chat remains open.
func (s *Server) endChatWithClosure(ctx context.Context, chatID, chatRoom, closureContent string) interface{} {
	metadata, err := s.store.GetChatMetadata(ctx, chatID)
	if err != nil {
		return s.storeError(err)
	}

	exportData, err := s.store.GetChatExportData(ctx, chatID)
	if err != nil {
		return s.storeError(err)
	}

	if err := s.archiver.ExportChat(ctx, chatID, exportData, "agreed_closure"); err != nil {
		s.logger.WithError(err).WithField("chat_id", chatID).Error("Closure export failed, chat stays open")
		return ws.Error("EXPORT_FAILED", "Failed to export chat")
	}

	s.hub.EmitToRoom("status", map[string]interface{}{
		"chatId":        chatID,
		"status":        "ended",
		"endType":       "agreed_closure",
		"agreedClosure": closureContent,
	}, chatRoom, "")

	if metadata != nil {
		s.leaveParticipants(chatID, metadata.ParticipantIDs)
	}

	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		s.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to delete exported chat; TTL will reap it")
	}

	s.logger.WithField("chat_id", chatID).Info("Chat ended with agreed closure")

	return map[string]string{"status": "ended", "chatId": chatID, "endType": "agreed_closure"}
}

// transitionError maps store transition failures onto the proposal error
// taxonomy.
func (s *Server) transitionError(err error) ws.ErrorResponse {
	switch {
	case errors.Is(err, domain.ErrProposalNotFound):
		return ws.Error("PROPOSAL_NOT_FOUND", "Proposal not found")
	case errors.Is(err, domain.ErrNotPending):
		return ws.Error("PROPOSAL_NOT_PENDING", "Proposal is no longer pending")
	default:
		return s.storeError(err)
	}
}
