package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Presence key TTLs. Both keys expire on their own; disconnects need no
// explicit delete.
const (
	SwipingTTL = 45 * time.Second
	InAppTTL   = 60 * time.Second
)

// Availability of a position's holders for a prospective chat.
const (
	AvailabilityOnline     = "online"
	AvailabilityNotifiable = "notifiable"
	AvailabilityNone       = "none"
)

// Delivery context of a chat request, derived from the recipient's presence
// at creation time.
const (
	ContextSwiping      = "swiping"
	ContextInApp        = "in_app"
	ContextNotification = "notification"
)

// Holder is a user holding a position, as reported by the relational side.
type Holder struct {
	UserID               string
	NotificationsEnabled bool
}

// HolderSource looks up who holds a position, excluding the asking user.
type HolderSource interface {
	GetPositionHolders(ctx context.Context, positionID, excludeUserID string) ([]Holder, error)
}

// KV is the slice of the Redis API the presence keys need.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Service records per-user presence keys and computes per-position
// availability for the matching side.
type Service struct {
	client    KV
	holders   HolderSource
	connected func(userID string) bool
	logger    *logrus.Logger
}

// NewService creates a presence service. connected reports whether a user
// has a live websocket session.
func NewService(client KV, holders HolderSource, connected func(string) bool, logger *logrus.Logger) *Service {
	return &Service{client: client, holders: holders, connected: connected, logger: logger}
}

func swipingKey(userID string) string { return fmt.Sprintf("presence:swiping:%s", userID) }
func inAppKey(userID string) string   { return fmt.Sprintf("presence:in_app:%s", userID) }

// RecordSwiping marks a user as actively viewing cards. Swiping implies
// in-app, so both keys are refreshed.
func (s *Service) RecordSwiping(ctx context.Context, userID string) error {
	if err := s.client.Set(ctx, swipingKey(userID), "1", SwipingTTL).Err(); err != nil {
		return fmt.Errorf("record swiping: %w", err)
	}
	if err := s.client.Set(ctx, inAppKey(userID), "1", InAppTTL).Err(); err != nil {
		return fmt.Errorf("record swiping: %w", err)
	}
	return nil
}

// RecordInApp marks a user as present in the app (any heartbeat).
func (s *Service) RecordInApp(ctx context.Context, userID string) error {
	if err := s.client.Set(ctx, inAppKey(userID), "1", InAppTTL).Err(); err != nil {
		return fmt.Errorf("record in_app: %w", err)
	}
	return nil
}

// IsSwiping reports whether the user's swiping key is live.
func (s *Service) IsSwiping(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, swipingKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check swiping: %w", err)
	}
	return n > 0, nil
}

// IsInApp reports whether the user's in-app key is live.
func (s *Service) IsInApp(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, inAppKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check in_app: %w", err)
	}
	return n > 0, nil
}

// DeliveryContext classifies a user's presence for a new chat request.
func (s *Service) DeliveryContext(ctx context.Context, userID string) (string, error) {
	swiping, err := s.IsSwiping(ctx, userID)
	if err != nil {
		return "", err
	}
	if swiping {
		return ContextSwiping, nil
	}

	inApp, err := s.IsInApp(ctx, userID)
	if err != nil {
		return "", err
	}
	if inApp || (s.connected != nil && s.connected(userID)) {
		return ContextInApp, nil
	}
	return ContextNotification, nil
}

// AvailabilityForPosition reports whether any holder of the position (other
// than the asking user) is online, merely notifiable, or neither.
func (s *Service) AvailabilityForPosition(ctx context.Context, positionID, excludeUserID string) (string, error) {
	holders, err := s.holders.GetPositionHolders(ctx, positionID, excludeUserID)
	if err != nil {
		return "", fmt.Errorf("position holders: %w", err)
	}

	notifiable := false
	for _, holder := range holders {
		online, err := s.isOnline(ctx, holder.UserID)
		if err != nil {
			return "", err
		}
		if online {
			return AvailabilityOnline, nil
		}
		if holder.NotificationsEnabled {
			notifiable = true
		}
	}
	if notifiable {
		return AvailabilityNotifiable, nil
	}
	return AvailabilityNone, nil
}

// BatchAvailability computes availability for several positions at once.
func (s *Service) BatchAvailability(ctx context.Context, positionIDs []string, excludeUserID string) (map[string]string, error) {
	result := make(map[string]string, len(positionIDs))
	for _, positionID := range positionIDs {
		availability, err := s.AvailabilityForPosition(ctx, positionID, excludeUserID)
		if err != nil {
			return nil, err
		}
		result[positionID] = availability
	}
	return result, nil
}

func (s *Service) isOnline(ctx context.Context, userID string) (bool, error) {
	if s.connected != nil && s.connected(userID) {
		return true, nil
	}
	swiping, err := s.IsSwiping(ctx, userID)
	if err != nil {
		return false, err
	}
	if swiping {
		return true, nil
	}
	return s.IsInApp(ctx, userID)
}
