package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/v1/events"
	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/metrics"
	"github.com/duochat/duochat/internal/v1/router"
	"github.com/duochat/duochat/internal/v1/store"
	"github.com/duochat/duochat/internal/v1/types"
)

// route dispatches one inbound envelope. Called from the session's read
// pump, so handling for a single session is strictly sequential.
func (h *Hub) route(ctx context.Context, client *Client, env *events.Envelope) {
	start := time.Now()
	status := "success"

	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			logging.Error(ctx, "Recovered from panic in event handler",
				zap.String("event", env.Event),
				zap.String("sessionId", string(client.sessionID)),
				zap.Any("panic", r))
		}
		metrics.WebsocketEvents.WithLabelValues(env.Event, status).Inc()
		metrics.EventProcessingDuration.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
	}()

	switch env.Event {
	case events.EventJoinConversation:
		h.handleJoin(ctx, client, env.Payload)
	case events.EventLeaveConversation:
		h.handleLeave(ctx, client, env.Payload)
	case events.EventMessageSend:
		var p events.SendPayload
		if !h.decode(client, env, &p) {
			status = "decode_error"
			return
		}
		h.engine.Send(ctx, client, p)
	case events.EventMessageTyping:
		var p events.TypingPayload
		if !h.decode(client, env, &p) {
			status = "decode_error"
			return
		}
		h.handleTyping(ctx, client, p.ConversationID, p.IsTyping)
	case events.EventTypingStart:
		h.handleTypingAlias(ctx, client, env.Payload, true)
	case events.EventTypingStop:
		h.handleTypingAlias(ctx, client, env.Payload, false)
	case events.EventMessageRead:
		var p events.ReadPayload
		if !h.decode(client, env, &p) {
			status = "decode_error"
			return
		}
		h.engine.Read(ctx, client, p)
	case events.EventMarkAllRead:
		var p events.MarkAllReadPayload
		if !h.decode(client, env, &p) {
			status = "decode_error"
			return
		}
		h.engine.ReadAll(ctx, client, types.ConversationID(p.ConversationID))
	default:
		status = "unknown_event"
		logging.Warn(ctx, "Unknown event",
			zap.String("event", env.Event),
			zap.String("sessionId", string(client.sessionID)))
	}
}

func (h *Hub) handleJoin(ctx context.Context, client *Client, raw json.RawMessage) {
	convID, ok := h.conversationID(client, raw)
	if !ok {
		return
	}
	err := h.rooms.Join(ctx, client, convID)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrNotParticipant):
		h.sendError(client, "Not a participant of this conversation")
	case errors.Is(err, store.ErrNotFound):
		h.sendError(client, "Conversation not found")
	default:
		logging.Error(ctx, "Join failed", zap.Error(err))
		h.sendError(client, "Failed to join conversation")
	}
}

func (h *Hub) handleLeave(ctx context.Context, client *Client, raw json.RawMessage) {
	convID, ok := h.conversationID(client, raw)
	if !ok {
		return
	}
	h.rooms.Leave(ctx, client, convID)
}

func (h *Hub) handleTyping(ctx context.Context, client *Client, conversationID string, isTyping bool) {
	convID := types.ConversationID(conversationID)
	// Typing fans out to the room only, so membership is the access check.
	if !h.rooms.InRoom(client.sessionID, convID) {
		return
	}
	h.typing.Heartbeat(convID, client.userID, client.username, isTyping)
}

// handleTypingAlias serves the explicit typing:start / typing:stop pair,
// which carry only a conversation id.
func (h *Hub) handleTypingAlias(ctx context.Context, client *Client, raw json.RawMessage, isTyping bool) {
	convID, ok := h.conversationID(client, raw)
	if !ok {
		return
	}
	h.handleTyping(ctx, client, string(convID), isTyping)
}

// TypingChanged satisfies typing.Notifier: indicator transitions fan out
// to the room, excluding the typist's own session.
func (h *Hub) TypingChanged(conversationID types.ConversationID, userID types.UserID, username string, isTyping bool) {
	var except types.SessionID
	for _, c := range h.presence.SessionsOf(userID) {
		except = c.SessionID()
	}
	if err := h.dispatch.ToRoomExcept(conversationID, except, events.EventUserTyping, events.UserTypingPayload{
		ConversationID: string(conversationID),
		UserID:         string(userID),
		Username:       username,
		IsTyping:       isTyping,
	}); err != nil {
		logging.Warn(context.Background(), "Failed to emit typing indicator", zap.Error(err))
	}
}

// conversationID parses a payload that is either a bare JSON string or
// an object with a conversationId field.
func (h *Hub) conversationID(client *Client, raw json.RawMessage) (types.ConversationID, bool) {
	if len(raw) == 0 {
		h.sendError(client, "conversationId required")
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return types.ConversationID(s), true
	}
	var p events.RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		h.sendError(client, "conversationId required")
		return "", false
	}
	return types.ConversationID(p.ConversationID), true
}

func (h *Hub) decode(client *Client, env *events.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		logging.Warn(context.Background(), "Malformed payload",
			zap.String("event", env.Event),
			zap.String("sessionId", string(client.sessionID)),
			zap.Error(err))
		h.sendError(client, "Malformed payload")
		return false
	}
	return true
}

func (h *Hub) sendError(client *Client, msg string) {
	data, err := events.Marshal(events.EventMessageError, events.ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	client.SendRaw(data)
}
