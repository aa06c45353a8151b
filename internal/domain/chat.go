package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Domain errors
var (
	ErrChatNotFound     = errors.New("chat not found")
	ErrProposalNotFound = errors.New("proposal not found")
	ErrNotPending       = errors.New("proposal is no longer pending")
	ErrEmptyContent     = errors.New("content cannot be empty")
	ErrContentTooLong   = errors.New("content exceeds maximum length")
)

// Constants
const (
	MaxProposalLength = 1000

	MessageTypeText            = "text"
	MessageTypePositionPropose = "agreed_position_proposal"
	MessageTypeClosurePropose  = "agreed_closure_proposal"
	MessageTypeSystem          = "system"

	EndTypeUserExit      = "user_exit"
	EndTypeAgreedClosure = "agreed_closure"
)

// ChatMessage is an append-only record in a chat's message list.
type ChatMessage struct {
	ID       string `json:"id"`
	SenderID string `json:"senderId"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	TargetID string `json:"targetId,omitempty"`
	SendTime string `json:"timestamp"`
}

// ProposalStatus is the lifecycle state of an agreed position proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
	ProposalModified ProposalStatus = "modified"
)

// IsTerminal reports whether the status can no longer change.
func (s ProposalStatus) IsTerminal() bool {
	return s != ProposalPending
}

// IsValid reports whether the status is a known value.
func (s ProposalStatus) IsValid() bool {
	switch s {
	case ProposalPending, ProposalAccepted, ProposalRejected, ProposalModified:
		return true
	default:
		return false
	}
}

// AgreedPosition is a statement offered by one participant as common ground.
// A modified proposal is superseded by a new pending proposal whose ParentID
// points back to it.
type AgreedPosition struct {
	ID         string         `json:"id"`
	ProposerID string         `json:"proposerId"`
	Content    string         `json:"content"`
	ParentID   string         `json:"parentId,omitempty"`
	Status     ProposalStatus `json:"status"`
	IsClosure  bool           `json:"isClosure"`
	Timestamp  string         `json:"timestamp"`
}

// ClosureProposal is the per-chat singleton tracking the current closure offer.
type ClosureProposal struct {
	ID         string `json:"id"`
	ProposerID string `json:"proposerId"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
}

// ChatMetadata identifies a chat and its fixed pair of participants.
type ChatMetadata struct {
	ChatID         string   `json:"chatId"`
	ParticipantIDs []string `json:"participantIds"`
	StartTime      string   `json:"startTime"`
}

// HasParticipant reports whether the user is one of the chat's participants.
func (m *ChatMetadata) HasParticipant(userID string) bool {
	for _, id := range m.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the peer of the given user, or "" if the user is
// not a participant.
func (m *ChatMetadata) OtherParticipant(userID string) string {
	if !m.HasParticipant(userID) {
		return ""
	}
	for _, id := range m.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// ExportData is the durable snapshot of a chat written to the archival row.
// Field names are external contract: the admin UI and post-chat analytics
// read them from the chat_log.log column.
type ExportData struct {
	Messages        []ChatMessage    `json:"messages"`
	AgreedPositions []AgreedPosition `json:"agreedPositions"`
	AgreedClosure   *ClosureProposal `json:"agreedClosure"`
	Metadata        *ChatMetadata    `json:"metadata"`
	ExportTime      string           `json:"exportTime"`
	EndedByUserID   string           `json:"endedByUserId,omitempty"`
}

// Factory methods

// NewChatMessage creates a message with a generated id and timestamp.
func NewChatMessage(senderID, messageType, content, targetID string) ChatMessage {
	return ChatMessage{
		ID:       uuid.New().String(),
		SenderID: senderID,
		Type:     messageType,
		Content:  content,
		TargetID: targetID,
		SendTime: Now(),
	}
}

// NewAgreedPosition creates a pending proposal. Content length is the
// caller's responsibility; the store trusts it.
func NewAgreedPosition(proposerID, content string, isClosure bool, parentID string) AgreedPosition {
	return AgreedPosition{
		ID:         uuid.New().String(),
		ProposerID: proposerID,
		Content:    content,
		ParentID:   parentID,
		Status:     ProposalPending,
		IsClosure:  isClosure,
		Timestamp:  Now(),
	}
}

// NewClosureProposal creates the closure singleton value for a chat.
func NewClosureProposal(proposerID, content string) ClosureProposal {
	return ClosureProposal{
		ID:         uuid.New().String(),
		ProposerID: proposerID,
		Content:    content,
		Timestamp:  Now(),
	}
}

// NewChatMetadata creates metadata for a newly started chat.
func NewChatMetadata(chatID string, participantIDs []string) ChatMetadata {
	return ChatMetadata{
		ChatID:         chatID,
		ParticipantIDs: participantIDs,
		StartTime:      Now(),
	}
}

// ValidateProposalContent checks content rules shared by propose and modify.
func ValidateProposalContent(content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxProposalLength {
		return ErrContentTooLong
	}
	return nil
}

// Now returns the current UTC time in the wire timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
