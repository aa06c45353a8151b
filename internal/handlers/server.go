package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/govtheppl/chat-server/internal/domain"
	"github.com/govtheppl/chat-server/internal/rooms"
	"github.com/govtheppl/chat-server/internal/ws"
)

// ChatStore is the KV adapter surface the handlers need.
type ChatStore interface {
	CreateChat(ctx context.Context, chatID string, participantIDs []string) (*domain.ChatMetadata, error)
	GetChatMetadata(ctx context.Context, chatID string) (*domain.ChatMetadata, error)
	GetUserActiveChats(ctx context.Context, userID string) ([]string, error)
	IsChatParticipant(ctx context.Context, chatID, userID string) (bool, error)
	AddMessage(ctx context.Context, chatID, senderID, content, messageType, targetID string) (domain.ChatMessage, error)
	GetMessages(ctx context.Context, chatID string, start, end int64) ([]domain.ChatMessage, error)
	AddAgreedPosition(ctx context.Context, chatID, proposerID, content string, isClosure bool, parentID string) (domain.AgreedPosition, error)
	GetAgreedPosition(ctx context.Context, chatID, proposalID string) (*domain.AgreedPosition, error)
	GetAllAgreedPositions(ctx context.Context, chatID string) ([]domain.AgreedPosition, error)
	UpdateAgreedPositionStatus(ctx context.Context, chatID, proposalID string, status domain.ProposalStatus) (*domain.AgreedPosition, error)
	SetClosureProposal(ctx context.Context, chatID, proposerID, content string) (domain.ClosureProposal, error)
	ClearClosureProposal(ctx context.Context, chatID string) error
	GetChatExportData(ctx context.Context, chatID string) (*domain.ExportData, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// Archiver is the relational exporter surface the handlers need.
type Archiver interface {
	CreateChatLog(ctx context.Context, chatRequestID string) (string, error)
	GetChatParticipants(ctx context.Context, chatID string) ([]string, error)
	ExportChat(ctx context.Context, chatID string, exportData *domain.ExportData, endType string) error
	GetPendingChatRequests(ctx context.Context, userID string) ([]domain.ChatRequestCard, error)
	ResolveKeycloakID(ctx context.Context, keycloakID string) (string, error)
}

// TokenValidator validates handshake tokens.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Heartbeat records in-app presence on client heartbeats. Optional.
type Heartbeat interface {
	RecordInApp(ctx context.Context, userID string) error
}

// Emitter is the fan-out surface the handlers need from the hub.
type Emitter interface {
	JoinRoom(sid, room string)
	LeaveRoom(sid, room string)
	EmitToRoom(event string, data interface{}, room, skipSID string)
	EmitToSID(event string, data interface{}, sid string)
	Disconnect(sid string)
}

// Server wires the websocket event surface to the store, the exporter and
// the room manager.
type Server struct {
	hub       Emitter
	rooms     *rooms.RoomManager
	store     ChatStore
	archiver  Archiver
	tokens    TokenValidator
	heartbeat Heartbeat
	logger    *logrus.Logger
}

// NewServer creates the handler set.
func NewServer(hub Emitter, roomManager *rooms.RoomManager, store ChatStore, archiver Archiver, tokens TokenValidator, heartbeat Heartbeat, logger *logrus.Logger) *Server {
	return &Server{
		hub:       hub,
		rooms:     roomManager,
		store:     store,
		archiver:  archiver,
		tokens:    tokens,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// Register binds every event handler on the hub.
func (s *Server) Register(hub *ws.Hub) {
	hub.OnConnect(s.handleConnect)
	hub.OnDisconnect(s.handleDisconnect)

	hub.Handle("join_chat", s.handleJoinChat)
	hub.Handle("ping", s.handlePing)
	hub.Handle("message", s.handleMessage)
	hub.Handle("get_messages", s.handleGetMessages)
	hub.Handle("typing", s.handleTyping)
	hub.Handle("mark_read", s.handleMarkRead)
	hub.Handle("agreed_position", s.handleAgreedPosition)
	hub.Handle("start_chat", s.handleStartChat)
	hub.Handle("exit_chat", s.handleExitChat)
	hub.Handle("notify_chat_request", s.handleNotifyChatRequest)
}

// StartInactivitySweep disconnects sessions idle beyond the room manager's
// timeout. Runs until the context is cancelled.
func (s *Server) StartInactivitySweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, session := range s.rooms.GetTimedOutSessions() {
					s.logger.WithFields(logrus.Fields{
						"sid":     session.SID,
						"user_id": session.UserID,
					}).Info("Disconnecting idle session")
					s.hub.Disconnect(session.SID)
				}
			}
		}
	}()
}

// requireParticipant resolves the sender and authorizes the chat-bound
// operation. The returned error response is nil when authorized.
func (s *Server) requireParticipant(ctx context.Context, sess ws.Session, chatID string) (string, interface{}) {
	userID := s.rooms.GetUserID(sess.SID())
	if userID == "" {
		return "", ws.NotAuthenticated()
	}
	if chatID == "" {
		return "", ws.MissingChatID()
	}

	ok, err := s.store.IsChatParticipant(ctx, chatID, userID)
	if err != nil {
		return "", s.storeError(err)
	}
	if !ok {
		return "", ws.NotParticipant()
	}
	return userID, nil
}

func (s *Server) storeError(err error) ws.ErrorResponse {
	s.logger.WithError(err).Error("Store operation failed")
	return ws.Error(ws.CodeStoreUnavailable, "Storage temporarily unavailable")
}

func decode(data json.RawMessage, dest interface{}) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(data, dest)
}
