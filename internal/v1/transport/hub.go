package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/v1/auth"
	"github.com/duochat/duochat/internal/v1/engine"
	"github.com/duochat/duochat/internal/v1/events"
	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/metrics"
	"github.com/duochat/duochat/internal/v1/presence"
	"github.com/duochat/duochat/internal/v1/ratelimit"
	"github.com/duochat/duochat/internal/v1/router"
	"github.com/duochat/duochat/internal/v1/store"
	"github.com/duochat/duochat/internal/v1/typing"
	"github.com/duochat/duochat/internal/v1/types"
)

// Hub is the WebSocket entry point. It authenticates the handshake,
// mints the session, and wires the session into the presence registry,
// the room router, the typing tracker, and the message engine.
type Hub struct {
	validator   types.TokenValidator
	store       store.Store
	presence    *presence.Registry
	rooms       *router.Router
	typing      *typing.Tracker
	engine      *engine.Engine
	dispatch    *events.Dispatcher
	rateLimiter *ratelimit.RateLimiter

	allowedOrigins []string
	devMode        bool
}

// Deps bundles the collaborators a Hub needs.
type Deps struct {
	Validator      types.TokenValidator
	Store          store.Store
	Presence       *presence.Registry
	Rooms          *router.Router
	Typing         *typing.Tracker
	Engine         *engine.Engine
	Dispatch       *events.Dispatcher
	RateLimiter    *ratelimit.RateLimiter
	AllowedOrigins []string
	DevMode        bool
}

func NewHub(d Deps) *Hub {
	return &Hub{
		validator:      d.Validator,
		store:          d.Store,
		presence:       d.Presence,
		rooms:          d.Rooms,
		typing:         d.Typing,
		engine:         d.Engine,
		dispatch:       d.Dispatch,
		rateLimiter:    d.RateLimiter,
		allowedOrigins: d.AllowedOrigins,
		devMode:        d.DevMode,
	}
}

// SetTyping wires the typing tracker. The tracker notifies through the
// hub, so it is constructed after the hub and attached here before the
// server starts accepting connections.
func (h *Hub) SetTyping(t *typing.Tracker) {
	h.typing = t
}

// ServeWs authenticates the user and upgrades to a WebSocket connection.
func (h *Hub) ServeWs(c *gin.Context) {
	// 0. Rate limiting check (IP based) before anything else.
	if !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	tokenResult, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(tokenResult.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	// A token can outlive its account: the subject must still exist in
	// storage before the connection is upgraded. The response stays as
	// opaque as a bad token.
	if err := h.resolveUser(c.Request.Context(), claims.Subject); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	conn, err := h.upgradeWebSocket(c, tokenResult)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection takes an established WebSocket connection, registers
// the session, and starts its pumps. Exported so tests can drive the hub
// with a fake connection.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) {
	client := h.newClient(conn, claims)
	ctx := context.WithValue(c.Request.Context(), logging.UserIDKey, string(client.userID))

	metrics.IncConnection()

	replaced, wasOffline := h.presence.Attach(client)
	if replaced != nil {
		// Single-session policy: the newer connection wins.
		replaced.Disconnect()
	}
	if wasOffline {
		h.markOnline(ctx, client.userID, true)
	}

	logging.Info(ctx, "Session connected",
		zap.String("sessionId", string(client.sessionID)),
		zap.String("userId", string(client.userID)))

	go client.writePump()
	go client.readPump()

	// Offline catch-up runs after the pumps so delivered receipts can
	// reach this very session's senders immediately.
	h.engine.HandleConnect(ctx, client)
}

// handleDisconnect tears down everything the session touched: room
// membership, typing indicators, presence, and finally the offline
// broadcast if this was the user's last session.
func (h *Hub) handleDisconnect(client *Client) {
	ctx := context.WithValue(context.Background(), logging.UserIDKey, string(client.userID))

	left := h.rooms.PurgeSession(client.sessionID)
	h.typing.PurgeUser(client.userID)

	if wentOffline := h.presence.Detach(client); wentOffline {
		h.markOnline(ctx, client.userID, false)
	}

	logging.Info(ctx, "Session disconnected",
		zap.String("sessionId", string(client.sessionID)),
		zap.Int("roomsLeft", len(left)))
}

// markOnline persists the presence flag and broadcasts the transition to
// everyone else. The stored flag is an eventually consistent mirror; the
// registry is authoritative.
func (h *Hub) markOnline(ctx context.Context, userID types.UserID, online bool) {
	if err := h.store.SetUserOnline(ctx, userID, online); err != nil {
		logging.Warn(ctx, "Failed to persist online flag",
			zap.String("userId", string(userID)), zap.Error(err))
	}
	if err := h.dispatch.Broadcast(userID, events.EventUserStatus, events.UserStatusPayload{
		UserID:   string(userID),
		IsOnline: online,
	}); err != nil {
		logging.Warn(ctx, "Failed to broadcast presence", zap.Error(err))
	}
}

// Shutdown disconnects every live session and stops the timers held by
// the typing tracker and the engine. Sessions drain their send buffers
// before the close frame goes out.
func (h *Hub) Shutdown(ctx context.Context) error {
	sessions := h.presence.AllSessions()
	for _, c := range sessions {
		c.Disconnect()
	}
	h.typing.Shutdown()
	h.engine.Shutdown()
	logging.Info(ctx, "Hub shut down", zap.Int("sessionsClosed", len(sessions)))
	return nil
}

func (h *Hub) newClient(conn wsConnection, claims *auth.CustomClaims) *Client {
	username := claims.Username
	if username == "" {
		username = claims.Name
	}
	if username == "" {
		username = claims.Subject
	}
	return &Client{
		conn:        conn,
		hub:         h,
		sessionID:   types.SessionID(uuid.New().String()),
		userID:      types.UserID(claims.Subject),
		username:    username,
		connectedAt: time.Now().UTC(),
		send:        make(chan []byte, 256),
	}
}
