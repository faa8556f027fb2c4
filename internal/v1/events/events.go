// Package events defines the JSON wire protocol spoken over the WebSocket
// channel and the Dispatcher that serializes and fans out server-emitted
// events. Every frame on the wire is an Envelope: an event name plus a
// JSON payload. All outbound envelopes are built here so that payload
// shapes stay consistent across the codebase.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/duochat/duochat/internal/v1/types"
)

// Client -> server event names.
const (
	EventJoinConversation  = "join:conversation"
	EventLeaveConversation = "leave:conversation"
	EventMessageSend       = "message:send"
	EventMessageTyping     = "message:typing"
	EventMessageRead       = "message:read"
	EventMarkAllRead       = "conversation:markAllRead"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
)

// Server -> client event names.
const (
	EventUserStatus    = "user:status"
	EventUserTyping    = "user:typing"
	EventMessageNew    = "message:new"
	EventMessageSent   = "message:sent"
	EventMessageStatus = "message:status"
	EventMessageError  = "message:error"
	EventUnreadUpdate  = "conversation:unreadUpdate"
)

// Envelope is the single frame format used in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses an inbound frame into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}
	return &env, nil
}

// Marshal builds a wire-ready frame for the given event name and payload.
func Marshal(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// --- Inbound payloads ---

// SendPayload is the body of message:send.
type SendPayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType,omitempty"`
	ClientTempID   string `json:"clientTempId,omitempty"`
}

// TypingPayload is the body of message:typing heartbeats.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadPayload is the body of message:read.
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// MarkAllReadPayload is the body of conversation:markAllRead.
type MarkAllReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// RoomPayload is the body of join:conversation and leave:conversation.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// --- Outbound payloads ---

// SenderInfo is the expanded sender block embedded in message:new.
type SenderInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// MessagePayload is the body of message:new.
type MessagePayload struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Sender         SenderInfo `json:"sender"`
	Content        string     `json:"content"`
	MessageType    string     `json:"messageType"`
	Status         string     `json:"status"`
	ReadBy         []string   `json:"readBy"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ClientTempID   string     `json:"clientTempId,omitempty"`
}

// AckPayload is the body of message:sent, the persistence acknowledgement
// sent back to the originating session only.
type AckPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	ClientTempID   string `json:"clientTempId,omitempty"`
}

// StatusPayload is the body of message:status lifecycle updates.
type StatusPayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	Status         string     `json:"status"`
	ReadBy         []string   `json:"readBy,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// ErrorPayload is the body of message:error, delivered to the failing
// session only.
type ErrorPayload struct {
	Error string `json:"error"`
}

// UserStatusPayload is the body of user:status presence transitions.
type UserStatusPayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// UserTypingPayload is the body of user:typing indicator updates.
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
}

// UnreadUpdatePayload is the body of conversation:unreadUpdate.
type UnreadUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
	SenderID       string `json:"senderId,omitempty"`
	SenderUsername string `json:"senderUsername,omitempty"`
	UpdatedBy      string `json:"updatedBy,omitempty"`
	Action         string `json:"action,omitempty"`
}

// --- Dispatcher ---

// RoomLookup resolves which sessions are currently joined to a
// conversation room.
type RoomLookup interface {
	SessionsInRoom(conversationID types.ConversationID) []types.ClientInterface
}

// PresenceLookup resolves sessions by user and enumerates every connected
// session for presence broadcasts.
type PresenceLookup interface {
	SessionsOf(userID types.UserID) []types.ClientInterface
	AllSessions() []types.ClientInterface
}

// Dispatcher is the sole constructor of outbound envelopes. It serializes
// a payload once and hands the bytes to each target session's send queue.
type Dispatcher struct {
	rooms    RoomLookup
	presence PresenceLookup
}

func NewDispatcher(rooms RoomLookup, presence PresenceLookup) *Dispatcher {
	return &Dispatcher{rooms: rooms, presence: presence}
}

// ToRoom emits an event to every session joined to the conversation room,
// the originator included.
func (d *Dispatcher) ToRoom(conversationID types.ConversationID, event string, payload any) error {
	data, err := Marshal(event, payload)
	if err != nil {
		return err
	}
	for _, c := range d.rooms.SessionsInRoom(conversationID) {
		c.SendRaw(data)
	}
	return nil
}

// ToRoomExcept emits an event to every session in the room except the
// named session. Used for typing indicators, which never echo back to
// the typist.
func (d *Dispatcher) ToRoomExcept(conversationID types.ConversationID, except types.SessionID, event string, payload any) error {
	data, err := Marshal(event, payload)
	if err != nil {
		return err
	}
	for _, c := range d.rooms.SessionsInRoom(conversationID) {
		if c.SessionID() == except {
			continue
		}
		c.SendRaw(data)
	}
	return nil
}

// ToUser emits an event to every connected session of the user, joined to
// the room or not.
func (d *Dispatcher) ToUser(userID types.UserID, event string, payload any) error {
	data, err := Marshal(event, payload)
	if err != nil {
		return err
	}
	for _, c := range d.presence.SessionsOf(userID) {
		c.SendRaw(data)
	}
	return nil
}

// Broadcast emits an event to every connected session except those owned
// by the excluded user. Presence transitions use this so a user never
// hears about their own status flips.
func (d *Dispatcher) Broadcast(exceptUser types.UserID, event string, payload any) error {
	data, err := Marshal(event, payload)
	if err != nil {
		return err
	}
	for _, c := range d.presence.AllSessions() {
		if c.UserID() == exceptUser {
			continue
		}
		c.SendRaw(data)
	}
	return nil
}
