package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/govtheppl/chat-server/internal/domain"
)

// ErrStoreUnavailable marks operations that failed because the KV backend
// was unreachable. Callers treat it as transient and surface an operation
// level error to the client.
var ErrStoreUnavailable = errors.New("kv store unavailable")

// casRetries bounds optimistic-lock retries on proposal transitions. A lost
// race re-reads the committed status, so one retry is normally enough.
const casRetries = 3

// RedisStore holds active chat state: message lists, proposal maps, the
// closure singleton, chat metadata and per-user active chat sets. Every key
// for an active chat carries a TTL refreshed on write, so a crashed chat
// that was never exported does not leak.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisStore creates a store over an established Redis client.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func messagesKey(chatID string) string { return fmt.Sprintf("chat:%s:messages", chatID) }
func positionsKey(chatID string) string { return fmt.Sprintf("chat:%s:positions", chatID) }
func closureKey(chatID string) string  { return fmt.Sprintf("chat:%s:closure", chatID) }
func metadataKey(chatID string) string { return fmt.Sprintf("chat:%s:metadata", chatID) }
func userChatsKey(userID string) string { return fmt.Sprintf("user:%s:active_chats", userID) }

func (s *RedisStore) wrap(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}

// ===== Chat metadata =====

// CreateChat writes chat metadata and registers the chat in each
// participant's active set. Idempotent for identical participants.
func (s *RedisStore) CreateChat(ctx context.Context, chatID string, participantIDs []string) (*domain.ChatMetadata, error) {
	metadata := domain.NewChatMetadata(chatID, participantIDs)

	participantsJSON, err := json.Marshal(metadata.ParticipantIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal participants: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, metadataKey(chatID), map[string]interface{}{
		"chatId":         metadata.ChatID,
		"participantIds": participantsJSON,
		"startTime":      metadata.StartTime,
	})
	pipe.Expire(ctx, metadataKey(chatID), s.ttl)
	for _, userID := range participantIDs {
		pipe.SAdd(ctx, userChatsKey(userID), chatID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, s.wrap("create chat", err)
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id":      chatID,
		"participants": participantIDs,
	}).Info("Created chat")

	return &metadata, nil
}

// GetChatMetadata returns chat metadata, or nil if the chat does not exist.
func (s *RedisStore) GetChatMetadata(ctx context.Context, chatID string) (*domain.ChatMetadata, error) {
	data, err := s.client.HGetAll(ctx, metadataKey(chatID)).Result()
	if err != nil {
		return nil, s.wrap("get chat metadata", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var participantIDs []string
	if err := json.Unmarshal([]byte(data["participantIds"]), &participantIDs); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}

	return &domain.ChatMetadata{
		ChatID:         data["chatId"],
		ParticipantIDs: participantIDs,
		StartTime:      data["startTime"],
	}, nil
}

// GetUserActiveChats returns the chat ids the user currently participates in.
func (s *RedisStore) GetUserActiveChats(ctx context.Context, userID string) ([]string, error) {
	chats, err := s.client.SMembers(ctx, userChatsKey(userID)).Result()
	if err != nil {
		return nil, s.wrap("get user active chats", err)
	}
	return chats, nil
}

// IsChatParticipant authorizes participant-bound operations.
func (s *RedisStore) IsChatParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	metadata, err := s.GetChatMetadata(ctx, chatID)
	if err != nil {
		return false, err
	}
	if metadata == nil {
		return false, nil
	}
	return metadata.HasParticipant(userID), nil
}

// ===== Messages =====

// AddMessage appends a message to the chat's list, refreshes the TTL and
// returns the persisted message including its generated id and timestamp.
func (s *RedisStore) AddMessage(ctx context.Context, chatID, senderID, content, messageType, targetID string) (domain.ChatMessage, error) {
	message := domain.NewChatMessage(senderID, messageType, content, targetID)

	data, err := json.Marshal(message)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("marshal message: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, messagesKey(chatID), data)
	pipe.Expire(ctx, messagesKey(chatID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.ChatMessage{}, s.wrap("add message", err)
	}

	return message, nil
}

// GetMessages returns messages in insertion order. Range is inclusive at
// both ends; end = -1 means the last message.
func (s *RedisStore) GetMessages(ctx context.Context, chatID string, start, end int64) ([]domain.ChatMessage, error) {
	raw, err := s.client.LRange(ctx, messagesKey(chatID), start, end).Result()
	if err != nil {
		return nil, s.wrap("get messages", err)
	}

	messages := make([]domain.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var message domain.ChatMessage
		if err := json.Unmarshal([]byte(item), &message); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// ===== Agreed positions =====

// AddAgreedPosition writes a new pending proposal. Content rules are
// enforced by the caller; the store trusts its input.
func (s *RedisStore) AddAgreedPosition(ctx context.Context, chatID, proposerID, content string, isClosure bool, parentID string) (domain.AgreedPosition, error) {
	position := domain.NewAgreedPosition(proposerID, content, isClosure, parentID)

	data, err := json.Marshal(position)
	if err != nil {
		return domain.AgreedPosition{}, fmt.Errorf("marshal position: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, positionsKey(chatID), position.ID, data)
	pipe.Expire(ctx, positionsKey(chatID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.AgreedPosition{}, s.wrap("add agreed position", err)
	}

	return position, nil
}

// GetAgreedPosition returns a proposal by id, or nil if absent.
func (s *RedisStore) GetAgreedPosition(ctx context.Context, chatID, proposalID string) (*domain.AgreedPosition, error) {
	raw, err := s.client.HGet(ctx, positionsKey(chatID), proposalID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("get agreed position", err)
	}

	var position domain.AgreedPosition
	if err := json.Unmarshal([]byte(raw), &position); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	return &position, nil
}

// GetAllAgreedPositions returns every proposal in the chat.
func (s *RedisStore) GetAllAgreedPositions(ctx context.Context, chatID string) ([]domain.AgreedPosition, error) {
	raw, err := s.client.HGetAll(ctx, positionsKey(chatID)).Result()
	if err != nil {
		return nil, s.wrap("get all agreed positions", err)
	}

	positions := make([]domain.AgreedPosition, 0, len(raw))
	for _, item := range raw {
		var position domain.AgreedPosition
		if err := json.Unmarshal([]byte(item), &position); err != nil {
			return nil, fmt.Errorf("unmarshal position: %w", err)
		}
		positions = append(positions, position)
	}
	return positions, nil
}

// UpdateAgreedPositionStatus transitions a proposal out of pending. The
// transition is an optimistic WATCH/MULTI/EXEC compare-and-set on the
// positions key: of two concurrent transitions exactly one commits; the
// loser observes the committed terminal status and gets ErrNotPending.
func (s *RedisStore) UpdateAgreedPositionStatus(ctx context.Context, chatID, proposalID string, status domain.ProposalStatus) (*domain.AgreedPosition, error) {
	key := positionsKey(chatID)
	var updated domain.AgreedPosition

	transition := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, proposalID).Result()
		if err == redis.Nil {
			return domain.ErrProposalNotFound
		}
		if err != nil {
			return err
		}

		var position domain.AgreedPosition
		if err := json.Unmarshal([]byte(raw), &position); err != nil {
			return fmt.Errorf("unmarshal position: %w", err)
		}
		if position.Status != domain.ProposalPending {
			return domain.ErrNotPending
		}

		position.Status = status
		data, err := json.Marshal(position)
		if err != nil {
			return fmt.Errorf("marshal position: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, proposalID, data)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = position
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, transition, key)
		switch {
		case err == nil:
			return &updated, nil
		case errors.Is(err, redis.TxFailedErr):
			// Lost the race; re-read on the next attempt. The winner's
			// terminal status turns this into ErrNotPending.
			continue
		case errors.Is(err, domain.ErrProposalNotFound), errors.Is(err, domain.ErrNotPending):
			return nil, err
		default:
			return nil, s.wrap("update agreed position status", err)
		}
	}
	return nil, domain.ErrNotPending
}

// ===== Closure proposal =====

// SetClosureProposal overwrites the chat's closure singleton.
func (s *RedisStore) SetClosureProposal(ctx context.Context, chatID, proposerID, content string) (domain.ClosureProposal, error) {
	proposal := domain.NewClosureProposal(proposerID, content)

	data, err := json.Marshal(proposal)
	if err != nil {
		return domain.ClosureProposal{}, fmt.Errorf("marshal closure: %w", err)
	}
	if err := s.client.Set(ctx, closureKey(chatID), data, s.ttl).Err(); err != nil {
		return domain.ClosureProposal{}, s.wrap("set closure proposal", err)
	}
	return proposal, nil
}

// GetClosureProposal returns the current closure proposal, or nil.
func (s *RedisStore) GetClosureProposal(ctx context.Context, chatID string) (*domain.ClosureProposal, error) {
	raw, err := s.client.Get(ctx, closureKey(chatID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("get closure proposal", err)
	}

	var proposal domain.ClosureProposal
	if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
		return nil, fmt.Errorf("unmarshal closure: %w", err)
	}
	return &proposal, nil
}

// ClearClosureProposal removes the closure singleton.
func (s *RedisStore) ClearClosureProposal(ctx context.Context, chatID string) error {
	if err := s.client.Del(ctx, closureKey(chatID)).Err(); err != nil {
		return s.wrap("clear closure proposal", err)
	}
	return nil
}

// ===== Export and cleanup =====

// GetChatExportData assembles the flat snapshot handed to the exporter.
func (s *RedisStore) GetChatExportData(ctx context.Context, chatID string) (*domain.ExportData, error) {
	messages, err := s.GetMessages(ctx, chatID, 0, -1)
	if err != nil {
		return nil, err
	}
	positions, err := s.GetAllAgreedPositions(ctx, chatID)
	if err != nil {
		return nil, err
	}
	metadata, err := s.GetChatMetadata(ctx, chatID)
	if err != nil {
		return nil, err
	}
	closure, err := s.GetClosureProposal(ctx, chatID)
	if err != nil {
		return nil, err
	}

	return &domain.ExportData{
		Messages:        messages,
		AgreedPositions: positions,
		AgreedClosure:   closure,
		Metadata:        metadata,
		ExportTime:      domain.Now(),
	}, nil
}

// DeleteChat removes every key for the chat and takes it out of each
// participant's active set. Idempotent; deletion is attempted in full.
func (s *RedisStore) DeleteChat(ctx context.Context, chatID string) error {
	metadata, err := s.GetChatMetadata(ctx, chatID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx,
		messagesKey(chatID),
		positionsKey(chatID),
		closureKey(chatID),
		metadataKey(chatID),
	)
	if metadata != nil {
		for _, userID := range metadata.ParticipantIDs {
			pipe.SRem(ctx, userChatsKey(userID), chatID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap("delete chat", err)
	}

	s.logger.WithField("chat_id", chatID).Info("Deleted chat from store")
	return nil
}
