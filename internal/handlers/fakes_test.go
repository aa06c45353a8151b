package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/govtheppl/chat-server/internal/domain"
	"github.com/govtheppl/chat-server/internal/rooms"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// ===== fake session =====

type fakeSession struct {
	sid    string
	userID string

	mu    sync.Mutex
	emits []emitRecord
}

type emitRecord struct {
	Event   string
	Data    interface{}
	Room    string
	SkipSID string
}

func (f *fakeSession) SID() string            { return f.sid }
func (f *fakeSession) UserID() string         { return f.userID }
func (f *fakeSession) SetUser(userID string)  { f.userID = userID }
func (f *fakeSession) Emit(event string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitRecord{Event: event, Data: data})
}

func (f *fakeSession) emitted() []emitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitRecord(nil), f.emits...)
}

// ===== fake emitter =====

type fakeEmitter struct {
	mu     sync.Mutex
	joins  map[string][]string // sid -> rooms
	emits  []emitRecord
	direct []emitRecord // by sid
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{joins: make(map[string][]string)}
}

func (f *fakeEmitter) JoinRoom(sid, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins[sid] = append(f.joins[sid], room)
}

func (f *fakeEmitter) LeaveRoom(sid, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := f.joins[sid][:0]
	for _, r := range f.joins[sid] {
		if r != room {
			remaining = append(remaining, r)
		}
	}
	f.joins[sid] = remaining
}

func (f *fakeEmitter) EmitToRoom(event string, data interface{}, room, skipSID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitRecord{Event: event, Data: data, Room: room, SkipSID: skipSID})
}

func (f *fakeEmitter) EmitToSID(event string, data interface{}, sid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, emitRecord{Event: event, Data: data, Room: sid})
}

func (f *fakeEmitter) Disconnect(sid string) {}

func (f *fakeEmitter) roomsOf(sid string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins[sid]...)
}

func (f *fakeEmitter) emitted(event string) []emitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitRecord
	for _, e := range f.emits {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// ===== fake store =====

type fakeStore struct {
	mu        sync.Mutex
	metadata  map[string]*domain.ChatMetadata
	messages  map[string][]domain.ChatMessage
	positions map[string]map[string]domain.AgreedPosition
	closures  map[string]*domain.ClosureProposal
	userChats map[string]map[string]bool

	unavailable bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		metadata:  make(map[string]*domain.ChatMetadata),
		messages:  make(map[string][]domain.ChatMessage),
		positions: make(map[string]map[string]domain.AgreedPosition),
		closures:  make(map[string]*domain.ClosureProposal),
		userChats: make(map[string]map[string]bool),
	}
}

var errFakeUnavailable = errors.New("kv store unavailable")

func (f *fakeStore) check() error {
	if f.unavailable {
		return errFakeUnavailable
	}
	return nil
}

func (f *fakeStore) CreateChat(ctx context.Context, chatID string, participantIDs []string) (*domain.ChatMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	metadata := domain.NewChatMetadata(chatID, participantIDs)
	f.metadata[chatID] = &metadata
	for _, userID := range participantIDs {
		if f.userChats[userID] == nil {
			f.userChats[userID] = make(map[string]bool)
		}
		f.userChats[userID][chatID] = true
	}
	return &metadata, nil
}

func (f *fakeStore) GetChatMetadata(ctx context.Context, chatID string) (*domain.ChatMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.metadata[chatID], nil
}

func (f *fakeStore) GetUserActiveChats(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	chats := make([]string, 0, len(f.userChats[userID]))
	for chatID := range f.userChats[userID] {
		chats = append(chats, chatID)
	}
	return chats, nil
}

func (f *fakeStore) IsChatParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return false, err
	}
	metadata := f.metadata[chatID]
	if metadata == nil {
		return false, nil
	}
	return metadata.HasParticipant(userID), nil
}

func (f *fakeStore) AddMessage(ctx context.Context, chatID, senderID, content, messageType, targetID string) (domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return domain.ChatMessage{}, err
	}
	message := domain.NewChatMessage(senderID, messageType, content, targetID)
	f.messages[chatID] = append(f.messages[chatID], message)
	return message, nil
}

func (f *fakeStore) GetMessages(ctx context.Context, chatID string, start, end int64) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	list := f.messages[chatID]
	n := int64(len(list))
	if end < 0 {
		end = n + end
	}
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if end >= n {
		end = n - 1
	}
	if n == 0 || start > end {
		return []domain.ChatMessage{}, nil
	}
	return append([]domain.ChatMessage(nil), list[start:end+1]...), nil
}

func (f *fakeStore) AddAgreedPosition(ctx context.Context, chatID, proposerID, content string, isClosure bool, parentID string) (domain.AgreedPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return domain.AgreedPosition{}, err
	}
	position := domain.NewAgreedPosition(proposerID, content, isClosure, parentID)
	if f.positions[chatID] == nil {
		f.positions[chatID] = make(map[string]domain.AgreedPosition)
	}
	f.positions[chatID][position.ID] = position
	return position, nil
}

func (f *fakeStore) GetAgreedPosition(ctx context.Context, chatID, proposalID string) (*domain.AgreedPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	position, ok := f.positions[chatID][proposalID]
	if !ok {
		return nil, nil
	}
	return &position, nil
}

func (f *fakeStore) GetAllAgreedPositions(ctx context.Context, chatID string) ([]domain.AgreedPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	positions := make([]domain.AgreedPosition, 0, len(f.positions[chatID]))
	for _, position := range f.positions[chatID] {
		positions = append(positions, position)
	}
	return positions, nil
}

// UpdateAgreedPositionStatus is serialized by the store mutex, matching the
// compare-and-set contract of the real adapter.
func (f *fakeStore) UpdateAgreedPositionStatus(ctx context.Context, chatID, proposalID string, status domain.ProposalStatus) (*domain.AgreedPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	position, ok := f.positions[chatID][proposalID]
	if !ok {
		return nil, domain.ErrProposalNotFound
	}
	if position.Status != domain.ProposalPending {
		return nil, domain.ErrNotPending
	}
	position.Status = status
	f.positions[chatID][proposalID] = position
	return &position, nil
}

func (f *fakeStore) SetClosureProposal(ctx context.Context, chatID, proposerID, content string) (domain.ClosureProposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return domain.ClosureProposal{}, err
	}
	proposal := domain.NewClosureProposal(proposerID, content)
	f.closures[chatID] = &proposal
	return proposal, nil
}

func (f *fakeStore) ClearClosureProposal(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	delete(f.closures, chatID)
	return nil
}

func (f *fakeStore) GetChatExportData(ctx context.Context, chatID string) (*domain.ExportData, error) {
	messages, err := f.GetMessages(ctx, chatID, 0, -1)
	if err != nil {
		return nil, err
	}
	positions, err := f.GetAllAgreedPositions(ctx, chatID)
	if err != nil {
		return nil, err
	}
	metadata, err := f.GetChatMetadata(ctx, chatID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	closure := f.closures[chatID]
	f.mu.Unlock()
	return &domain.ExportData{
		Messages:        messages,
		AgreedPositions: positions,
		AgreedClosure:   closure,
		Metadata:        metadata,
		ExportTime:      domain.Now(),
	}, nil
}

func (f *fakeStore) DeleteChat(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	metadata := f.metadata[chatID]
	delete(f.metadata, chatID)
	delete(f.messages, chatID)
	delete(f.positions, chatID)
	delete(f.closures, chatID)
	if metadata != nil {
		for _, userID := range metadata.ParticipantIDs {
			delete(f.userChats[userID], chatID)
		}
	}
	return nil
}

func (f *fakeStore) hasChat(chatID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata[chatID] != nil
}

func (f *fakeStore) closureOf(chatID string) *domain.ClosureProposal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closures[chatID]
}

func (f *fakeStore) positionStatus(chatID, proposalID string) domain.ProposalStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[chatID][proposalID].Status
}

// ===== fake archiver =====

type exportRecord struct {
	ChatID  string
	EndType string
	Data    *domain.ExportData
}

type fakeArchiver struct {
	mu           sync.Mutex
	nextChatID   int
	participants map[string][]string // chatID -> participants
	byRequest    map[string][]string // requestID -> participants
	exports      []exportRecord
	pending      map[string][]domain.ChatRequestCard
	keycloak     map[string]string

	failExport  bool
	failCreate  bool
	failPending bool
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{
		participants: make(map[string][]string),
		byRequest:    make(map[string][]string),
		pending:      make(map[string][]domain.ChatRequestCard),
		keycloak:     make(map[string]string),
	}
}

func (f *fakeArchiver) CreateChatLog(ctx context.Context, chatRequestID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", errors.New("insert failed")
	}
	f.nextChatID++
	chatID := fmt.Sprintf("chat-log-%d", f.nextChatID)
	if p, ok := f.byRequest[chatRequestID]; ok {
		f.participants[chatID] = p
	}
	return chatID, nil
}

func (f *fakeArchiver) GetChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants[chatID], nil
}

func (f *fakeArchiver) ExportChat(ctx context.Context, chatID string, exportData *domain.ExportData, endType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failExport {
		return errors.New("export failed")
	}
	f.exports = append(f.exports, exportRecord{ChatID: chatID, EndType: endType, Data: exportData})
	return nil
}

func (f *fakeArchiver) GetPendingChatRequests(ctx context.Context, userID string) ([]domain.ChatRequestCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPending {
		return nil, errors.New("query failed")
	}
	return f.pending[userID], nil
}

func (f *fakeArchiver) ResolveKeycloakID(ctx context.Context, keycloakID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keycloak[keycloakID], nil
}

func (f *fakeArchiver) exported() []exportRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exportRecord(nil), f.exports...)
}

// ===== fake token validator / heartbeat =====

type fakeTokens struct{}

func (fakeTokens) ValidateToken(token string) (string, error) {
	if token == "" || token == "invalid" {
		return "", errors.New("invalid or expired token")
	}
	return "kc-" + token, nil
}

type fakeHeartbeat struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeHeartbeat) RecordInApp(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return nil
}

// ===== test server wiring =====

type testEnv struct {
	server   *Server
	store    *fakeStore
	archiver *fakeArchiver
	emitter  *fakeEmitter
	rooms    *rooms.RoomManager
	beat     *fakeHeartbeat
}

func newTestEnv() *testEnv {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	env := &testEnv{
		store:    newFakeStore(),
		archiver: newFakeArchiver(),
		emitter:  newFakeEmitter(),
		rooms:    rooms.NewRoomManager(),
		beat:     &fakeHeartbeat{},
	}
	env.server = NewServer(env.emitter, env.rooms, env.store, env.archiver, fakeTokens{}, env.beat, logger)
	return env
}

// connect binds an authenticated session without running the handshake.
func (e *testEnv) connect(sid, userID string) *fakeSession {
	sess := &fakeSession{sid: sid, userID: userID}
	e.rooms.AddSession(sid, userID)
	e.emitter.JoinRoom(sid, rooms.UserRoom(userID))
	return sess
}

// seedChat creates an active chat in the store.
func (e *testEnv) seedChat(chatID string, participants ...string) {
	e.store.CreateChat(context.Background(), chatID, participants)
}
