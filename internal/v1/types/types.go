package types

import (
	"time"

	"github.com/duochat/duochat/internal/v1/auth"
)

// --- Core Domain Types ---

// UserID is the stable identifier of a registered user.
type UserID string

// ConversationID identifies a one-to-one conversation.
type ConversationID string

// MessageID identifies a single message.
type MessageID string

// SessionID identifies one authenticated WebSocket connection.
// It is opaque to everything except the transport layer that minted it.
type SessionID string

// Principal is the identity resolved from a verified token.
type Principal struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// --- Shared Interfaces ---

// TokenValidator defines the interface for JWT token authentication services.
// In production this is the JWKS-backed auth.Validator; tests substitute mocks.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// ClientInterface defines the behavior the routing and engine layers need
// from a connected session, without depending on the transport package.
type ClientInterface interface {
	SessionID() SessionID
	UserID() UserID
	Username() string
	ConnectedAt() time.Time

	// SendRaw enqueues a pre-serialized event envelope for delivery.
	// It must never block; slow consumers drop.
	SendRaw(data []byte)

	// Disconnect forcefully closes the underlying connection,
	// e.g. when a newer session for the same user replaces this one.
	Disconnect()
}
