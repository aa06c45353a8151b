package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ChatEventsChannel is the single channel the REST API publishes chat events
// on.
const ChatEventsChannel = "chat:events"

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// ChatAcceptedEvent announces an accepted chat request; the chat server sets
// up the chat and notifies both users.
type ChatAcceptedEvent struct {
	ChatLogID         string `json:"chatLogId"`
	ChatRequestID     string `json:"chatRequestId"`
	InitiatorUserID   string `json:"initiatorUserId"`
	ResponderUserID   string `json:"responderUserId"`
	PositionStatement string `json:"positionStatement"`
}

// ChatRequestResponseEvent relays a request outcome to the initiator.
type ChatRequestResponseEvent struct {
	RequestID       string `json:"requestId"`
	Response        string `json:"response"`
	InitiatorUserID string `json:"initiatorUserId"`
	ChatLogID       string `json:"chatLogId,omitempty"`
}

// Handlers receives dispatched events. Nil members are skipped.
type Handlers struct {
	OnChatAccepted        func(ctx context.Context, event ChatAcceptedEvent)
	OnChatRequestResponse func(ctx context.Context, event ChatRequestResponseEvent)
	// OnChatRequestReceived gets the raw card payload; the card shape is
	// owned by the REST side and passed through untouched.
	OnChatRequestReceived func(ctx context.Context, payload json.RawMessage)
}

// Subscriber consumes the chat events channel on a long-lived background
// goroutine. Transport failures trigger resubscription with exponential
// backoff; malformed or unknown events are logged and skipped, never fatal.
type Subscriber struct {
	client   *redis.Client
	handlers Handlers
	logger   *logrus.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSubscriber creates a subscriber over an established Redis client.
func NewSubscriber(client *redis.Client, handlers Handlers, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		client:   client,
		handlers: handlers,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the listener goroutine.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.listen(ctx)
	s.logger.WithField("channel", ChatEventsChannel).Info("Started pub/sub listener")
}

// Close cancels the listener and waits for it to exit.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
		s.logger.Info("Pub/sub listener stopped")
	})
}

func (s *Subscriber) listen(ctx context.Context) {
	defer close(s.done)

	backoff := initialBackoff
	for {
		pubsub := s.client.Subscribe(ctx, ChatEventsChannel)
		ch := pubsub.Channel()

	receive:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				backoff = initialBackoff
				s.dispatch(ctx, []byte(msg.Payload))
			}
		}

		pubsub.Close()
		if ctx.Err() != nil {
			return
		}

		s.logger.WithField("backoff", backoff.String()).Warn("Pub/sub connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// envelope carries the required event discriminator of every pub/sub message.
type envelope struct {
	Event string `json:"event"`
}

func (s *Subscriber) dispatch(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.WithError(err).Error("Invalid JSON in pub/sub message")
		return
	}

	switch env.Event {
	case "chat_accepted":
		var event ChatAcceptedEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			s.logger.WithError(err).Error("Invalid chat_accepted payload")
			return
		}
		if s.handlers.OnChatAccepted != nil {
			s.handlers.OnChatAccepted(ctx, event)
		}

	case "chat_request_response":
		var event ChatRequestResponseEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			s.logger.WithError(err).Error("Invalid chat_request_response payload")
			return
		}
		if s.handlers.OnChatRequestResponse != nil {
			s.handlers.OnChatRequestResponse(ctx, event)
		}

	case "chat_request_received":
		if s.handlers.OnChatRequestReceived != nil {
			s.handlers.OnChatRequestReceived(ctx, payload)
		}

	default:
		s.logger.WithField("event", env.Event).Warn("Unknown pub/sub event type")
	}
}
