// Package api serves the REST companion endpoints for conversation
// bootstrap: creating or fetching a conversation, listing a user's
// conversations, and paging message history. The real-time surface
// stays on the WebSocket channel; these endpoints exist so a client can
// render before the socket is up.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/presence"
	"github.com/duochat/duochat/internal/v1/store"
	"github.com/duochat/duochat/internal/v1/types"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 50
)

const principalKey = "principal"

// Handler owns the REST endpoints.
type Handler struct {
	store    store.Store
	presence *presence.Registry
}

func NewHandler(st store.Store, reg *presence.Registry) *Handler {
	return &Handler{store: st, presence: reg}
}

// Register mounts the conversation endpoints on the given group. The
// group is expected to already carry the auth middleware.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/conversations", h.CreateConversation)
	g.GET("/conversations", h.ListConversations)
	g.GET("/conversations/:id/messages", h.ListMessages)
}

// AuthMiddleware validates the bearer token and stores the resolved
// principal on the request context.
func AuthMiddleware(validator types.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := validator.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		username := claims.Username
		if username == "" {
			username = claims.Name
		}
		if username == "" {
			username = claims.Subject
		}
		c.Set(principalKey, types.Principal{
			ID:       types.UserID(claims.Subject),
			Username: username,
		})
		c.Next()
	}
}

func principalFrom(c *gin.Context) (types.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return types.Principal{}, false
	}
	p, ok := v.(types.Principal)
	return p, ok
}

type createConversationRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

// CreateConversation finds or creates the conversation between the
// caller and the named participant. The pair maps to at most one
// conversation, so repeat calls return the same row.
func (h *Handler) CreateConversation(c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participantId required"})
		return
	}

	other := types.UserID(req.ParticipantID)
	if other == p.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.store.FindUserByID(ctx, other); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
			return
		}
		h.internalError(c, "Failed to look up participant", err)
		return
	}

	conv, err := h.store.FindConversationByPair(ctx, p.ID, other)
	if err == nil {
		c.JSON(http.StatusOK, h.conversationView(c, conv, p.ID))
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		h.internalError(c, "Failed to look up conversation", err)
		return
	}

	conv, err = h.store.CreateConversation(ctx, p.ID, other)
	if err != nil {
		if errors.Is(err, store.ErrSelfConversation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
			return
		}
		h.internalError(c, "Failed to create conversation", err)
		return
	}

	logging.Info(ctx, "Conversation created",
		zap.String("conversationId", string(conv.ID)),
		zap.String("userId", string(p.ID)))
	c.JSON(http.StatusCreated, h.conversationView(c, conv, p.ID))
}

// ListConversations returns the caller's conversations newest-activity
// first, each with the caller's unread counter.
func (h *Handler) ListConversations(c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	convs, err := h.store.ListConversationsFor(c.Request.Context(), p.ID)
	if err != nil {
		h.internalError(c, "Failed to list conversations", err)
		return
	}

	out := make([]gin.H, 0, len(convs))
	for _, conv := range convs {
		out = append(out, h.conversationView(c, conv, p.ID))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// ListMessages pages a conversation's history, newest first.
func (h *Handler) ListMessages(c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	convID := types.ConversationID(c.Param("id"))
	ctx := c.Request.Context()

	conv, err := h.store.FindConversationByID(ctx, convID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		h.internalError(c, "Failed to look up conversation", err)
		return
	}
	if !conv.HasParticipant(p.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxMessageLimit)
	}

	msgs, err := h.store.ListMessages(ctx, convID, limit)
	if err != nil {
		h.internalError(c, "Failed to list messages", err)
		return
	}

	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (h *Handler) conversationView(c *gin.Context, conv *store.Conversation, viewer types.UserID) gin.H {
	participants := make([]gin.H, 0, 2)
	for _, id := range []types.UserID{conv.ParticipantA, conv.ParticipantB} {
		pv := gin.H{
			"id":       string(id),
			"isOnline": h.presence.IsOnline(id),
		}
		if u, err := h.store.FindUserByID(c.Request.Context(), id); err == nil {
			pv["username"] = u.Username
		}
		participants = append(participants, pv)
	}

	view := gin.H{
		"id":           string(conv.ID),
		"participants": participants,
		"unreadCount":  conv.UnreadCount[viewer],
		"createdAt":    conv.CreatedAt.Format(time.RFC3339),
		"updatedAt":    conv.UpdatedAt.Format(time.RFC3339),
	}
	if conv.LastMessageID != nil {
		view["lastMessageId"] = string(*conv.LastMessageID)
	}
	if conv.LastMessageContent != nil {
		view["lastMessageContent"] = *conv.LastMessageContent
	}
	if conv.LastMessageTime != nil {
		view["lastMessageTime"] = conv.LastMessageTime.Format(time.RFC3339)
	}
	return view
}

func messageView(m *store.Message) gin.H {
	readBy := make([]string, 0, len(m.ReadBy))
	for _, id := range m.ReadBy {
		readBy = append(readBy, string(id))
	}
	view := gin.H{
		"id":             string(m.ID),
		"conversationId": string(m.ConversationID),
		"senderId":       string(m.SenderID),
		"content":        m.Content,
		"messageType":    m.MessageType,
		"status":         string(m.Status),
		"isRead":         m.IsRead,
		"readBy":         readBy,
		"createdAt":      m.CreatedAt.Format(time.RFC3339Nano),
	}
	if m.DeliveredAt != nil {
		view["deliveredAt"] = m.DeliveredAt.Format(time.RFC3339Nano)
	}
	if m.ReadAt != nil {
		view["readAt"] = m.ReadAt.Format(time.RFC3339Nano)
	}
	return view
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	logging.Error(c.Request.Context(), msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
