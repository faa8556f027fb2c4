// Package store provides durable persistence for users, conversations, and
// messages. The Store interface is the single storage surface shared by the
// real-time engine and the REST companion endpoints.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/duochat/duochat/internal/v1/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrSelfConversation is returned when a conversation is requested between a
// user and themselves. Every conversation has exactly two distinct participants.
var ErrSelfConversation = errors.New("conversation requires two distinct participants")

// ErrInvalidTransition is returned when a message status update would move
// backwards along the sent -> delivered -> read chain.
var ErrInvalidTransition = errors.New("invalid message status transition")

// MessageType constants for the kind of content a message carries.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// statusRank orders the lifecycle chain; transitions may only move forward.
var statusRank = map[Status]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// User represents a registered account. Password and email hashes are opaque
// to this service; they are written by the external auth system.
type User struct {
	ID           types.UserID
	Username     string
	EmailHash    string
	PasswordHash string
	IsOnline     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation is a one-to-one exchange between exactly two participants.
// Participants are stored in normalized (lexicographic) order so that a pair
// maps to at most one conversation.
type Conversation struct {
	ID                 types.ConversationID
	ParticipantA       types.UserID
	ParticipantB       types.UserID
	LastMessageID      *types.MessageID
	LastMessageContent *string
	LastMessageTime    *time.Time
	UnreadCount        map[types.UserID]int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasParticipant reports whether u is one of the two participants.
func (c *Conversation) HasParticipant(u types.UserID) bool {
	return c.ParticipantA == u || c.ParticipantB == u
}

// OtherParticipant returns the peer of u, or "" if u is not a participant.
func (c *Conversation) OtherParticipant(u types.UserID) types.UserID {
	switch u {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// NormalizePair returns the two user ids in storage order.
func NormalizePair(a, b types.UserID) (types.UserID, types.UserID) {
	if strings.Compare(string(a), string(b)) > 0 {
		return b, a
	}
	return a, b
}

// Message is a single chat message. ReadBy has set semantics: it never
// contains duplicates and never contains the sender.
type Message struct {
	ID             types.MessageID
	ConversationID types.ConversationID
	SenderID       types.UserID
	Content        string
	MessageType    string
	Status         Status
	IsRead         bool
	ReadBy         []types.UserID
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	CreatedAt      time.Time
}

// WasReadBy reports whether u is in the ReadBy set.
func (m *Message) WasReadBy(u types.UserID) bool {
	for _, r := range m.ReadBy {
		if r == u {
			return true
		}
	}
	return false
}

// TransitionOpts carries the timestamps and read attribution applied with a
// status transition. Zero-valued fields are left untouched.
// When DecrementUnreadFor is set, the named participant's unread counter is
// decremented in the same transaction as the status write, so a crash
// between the two can never leave the counter out of step.
type TransitionOpts struct {
	DeliveredAt        *time.Time
	ReadAt             *time.Time
	AppendReadBy       types.UserID
	DecrementUnreadFor types.UserID
}

// Store defines the interface for durable chat persistence.
// All mutating operations are transactional: either every invariant-coupled
// write commits, or none do.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	FindUserByID(ctx context.Context, id types.UserID) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	SetUserOnline(ctx context.Context, id types.UserID, online bool) error

	// Conversations
	FindConversationByID(ctx context.Context, id types.ConversationID) (*Conversation, error)
	FindConversationByPair(ctx context.Context, a, b types.UserID) (*Conversation, error)
	CreateConversation(ctx context.Context, a, b types.UserID) (*Conversation, error)
	ListConversationsFor(ctx context.Context, userID types.UserID) ([]*Conversation, error)
	AdjustUnread(ctx context.Context, convID types.ConversationID, userID types.UserID, delta int) (int, error)
	SetUnread(ctx context.Context, convID types.ConversationID, userID types.UserID, value int) error

	// Messages
	//
	// CreateMessage persists the message and, in the same transaction,
	// updates the conversation preview columns and increments the
	// recipient's unread counter.
	CreateMessage(ctx context.Context, msg *Message) error
	FindMessageByID(ctx context.Context, id types.MessageID) (*Message, error)
	ListMessages(ctx context.Context, convID types.ConversationID, limit int) ([]*Message, error)
	TransitionMessage(ctx context.Context, id types.MessageID, next Status, opts TransitionOpts) (*Message, error)
	FindPendingInboundFor(ctx context.Context, userID types.UserID) ([]*Message, error)
	BulkMarkDelivered(ctx context.Context, ids []types.MessageID) error
	BulkMarkRead(ctx context.Context, convID types.ConversationID, readerID types.UserID) ([]*Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// applyMessageDefaults fills in server-assigned fields before a message
// is persisted. Callers only provide what the client sent.
func applyMessageDefaults(msg *Message) {
	if msg.ID == "" {
		msg.ID = types.MessageID(newID())
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []types.UserID{}
	}
}

// IsTransient reports whether err looks like a retryable storage failure,
// e.g. a lock conflict between concurrent writers.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "busy")
}
