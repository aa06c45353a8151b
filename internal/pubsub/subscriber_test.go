package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubscriber(handlers Handlers) *Subscriber {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewSubscriber(nil, handlers, logger)
}

func TestDispatch_ChatAccepted(t *testing.T) {
	var got ChatAcceptedEvent
	s := newTestSubscriber(Handlers{
		OnChatAccepted: func(ctx context.Context, event ChatAcceptedEvent) { got = event },
	})

	payload := `{"event":"chat_accepted","chatLogId":"C1","chatRequestId":"R1","initiatorUserId":"U1","responderUserId":"U2","positionStatement":"X"}`
	s.dispatch(context.Background(), []byte(payload))

	assert.Equal(t, "C1", got.ChatLogID)
	assert.Equal(t, "R1", got.ChatRequestID)
	assert.Equal(t, "U1", got.InitiatorUserID)
	assert.Equal(t, "U2", got.ResponderUserID)
	assert.Equal(t, "X", got.PositionStatement)
}

func TestDispatch_ChatRequestResponse(t *testing.T) {
	var got ChatRequestResponseEvent
	s := newTestSubscriber(Handlers{
		OnChatRequestResponse: func(ctx context.Context, event ChatRequestResponseEvent) { got = event },
	})

	s.dispatch(context.Background(), []byte(`{"event":"chat_request_response","requestId":"R1","response":"accepted","initiatorUserId":"U1","chatLogId":"C1"}`))

	assert.Equal(t, "accepted", got.Response)
	assert.Equal(t, "C1", got.ChatLogID)
}

func TestDispatch_ChatRequestReceived(t *testing.T) {
	var got json.RawMessage
	s := newTestSubscriber(Handlers{
		OnChatRequestReceived: func(ctx context.Context, payload json.RawMessage) { got = payload },
	})

	payload := `{"event":"chat_request_received","userId":"U2","card":{"type":"chat_request"}}`
	s.dispatch(context.Background(), []byte(payload))

	require.NotNil(t, got)
	assert.JSONEq(t, payload, string(got))
}

func TestDispatch_MalformedAndUnknownNeverCall(t *testing.T) {
	called := false
	s := newTestSubscriber(Handlers{
		OnChatAccepted:        func(ctx context.Context, event ChatAcceptedEvent) { called = true },
		OnChatRequestResponse: func(ctx context.Context, event ChatRequestResponseEvent) { called = true },
		OnChatRequestReceived: func(ctx context.Context, payload json.RawMessage) { called = true },
	})

	// Malformed JSON is logged and skipped, never fatal
	s.dispatch(context.Background(), []byte(`{not json`))
	// Unknown event types are logged and skipped
	s.dispatch(context.Background(), []byte(`{"event":"position_adopted","positionId":"P1"}`))
	// Missing discriminator
	s.dispatch(context.Background(), []byte(`{"chatLogId":"C1"}`))

	assert.False(t, called)
}

func TestDispatch_NilHandlersAreSkipped(t *testing.T) {
	s := newTestSubscriber(Handlers{})

	assert.NotPanics(t, func() {
		s.dispatch(context.Background(), []byte(`{"event":"chat_accepted","chatLogId":"C1","initiatorUserId":"U1","responderUserId":"U2"}`))
	})
}
