// Package engine implements the message lifecycle: persisting sends,
// driving the sent -> delivered -> read state machine, keeping unread
// counters honest, and emitting the matching events. One Engine instance
// serves all conversations; per-message delivered timers are tracked in
// a single map so a read can cancel a pending delivered transition.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/v1/events"
	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/metrics"
	"github.com/duochat/duochat/internal/v1/presence"
	"github.com/duochat/duochat/internal/v1/store"
	"github.com/duochat/duochat/internal/v1/types"
)

const (
	storeRetryAttempts = 3
	storeRetryBackoff  = 50 * time.Millisecond
)

// Engine coordinates persistence, presence, and event fan-out for the
// message lifecycle.
type Engine struct {
	store          store.Store
	presence       *presence.Registry
	dispatch       *events.Dispatcher
	maxContentLen  int
	deliveredDelay time.Duration

	mu      sync.Mutex
	pending map[types.MessageID]*time.Timer
}

func NewEngine(st store.Store, reg *presence.Registry, dispatch *events.Dispatcher, maxContentLen int, deliveredDelay time.Duration) *Engine {
	return &Engine{
		store:          st,
		presence:       reg,
		dispatch:       dispatch,
		maxContentLen:  maxContentLen,
		deliveredDelay: deliveredDelay,
		pending:        make(map[types.MessageID]*time.Timer),
	}
}

// Send validates, persists, and fans out a new message. On storage
// failure after retries the sender alone receives message:error and
// nothing else is emitted: a message that was never persisted must never
// become visible.
func (e *Engine) Send(ctx context.Context, sender types.ClientInterface, p events.SendPayload) {
	conv, err := e.store.FindConversationByID(ctx, types.ConversationID(p.ConversationID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.sendError(sender, "Conversation not found")
			return
		}
		logging.Error(ctx, "Failed to load conversation for send", zap.Error(err))
		e.sendError(sender, "Failed to send message")
		return
	}
	if !conv.HasParticipant(sender.UserID()) {
		e.sendError(sender, "Not a participant of this conversation")
		return
	}

	content := strings.TrimSpace(p.Content)
	if content == "" {
		e.sendError(sender, "Message content cannot be empty")
		return
	}
	if utf8.RuneCountInString(content) > e.maxContentLen {
		e.sendError(sender, "Message content too long")
		return
	}

	messageType := p.MessageType
	if messageType == "" {
		messageType = store.MessageTypeText
	}
	if !store.ValidMessageType(messageType) {
		e.sendError(sender, "Unknown message type")
		return
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		SenderID:       sender.UserID(),
		Content:        content,
		MessageType:    messageType,
		Status:         store.StatusSent,
	}
	err = e.withRetry(ctx, "create message", func() error {
		return e.store.CreateMessage(ctx, msg)
	})
	if err != nil {
		logging.Error(ctx, "Failed to persist message",
			zap.String("conversationId", string(conv.ID)),
			zap.String("senderId", string(sender.UserID())),
			zap.Error(err))
		e.sendError(sender, "Failed to send message")
		return
	}
	metrics.MessageLifecycle.WithLabelValues("sent").Inc()

	recipient := conv.OtherParticipant(sender.UserID())

	// Fan-out order matters: the room sees the message, the sender gets
	// the ack, the recipient gets the counter, then delivery is armed.
	e.dispatchEvent(conv.ID, events.EventMessageNew, e.messagePayload(msg, sender.Username(), p.ClientTempID))

	if err := e.dispatch.ToUser(sender.UserID(), events.EventMessageSent, events.AckPayload{
		MessageID:      string(msg.ID),
		ConversationID: string(conv.ID),
		Status:         string(msg.Status),
		ClientTempID:   p.ClientTempID,
	}); err != nil {
		logging.Warn(ctx, "Failed to emit send ack", zap.Error(err))
	}

	if e.presence.IsOnline(recipient) {
		e.emitUnread(ctx, conv.ID, recipient, events.UnreadUpdatePayload{
			SenderID:       string(sender.UserID()),
			SenderUsername: sender.Username(),
			Action:         "increment",
		})
		e.scheduleDelivered(msg.ID, conv.ID, sender.UserID(), recipient)
	}
}

// Read applies a single read receipt. Unknown message ids and repeat
// reads are silent no-ops so clients can fire receipts optimistically.
func (e *Engine) Read(ctx context.Context, reader types.ClientInterface, p events.ReadPayload) {
	msg, err := e.store.FindMessageByID(ctx, types.MessageID(p.MessageID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		logging.Error(ctx, "Failed to load message for read", zap.Error(err))
		e.sendError(reader, "Failed to mark message read")
		return
	}
	if string(msg.ConversationID) != p.ConversationID {
		return
	}

	conv, err := e.store.FindConversationByID(ctx, msg.ConversationID)
	if err != nil {
		logging.Error(ctx, "Failed to load conversation for read", zap.Error(err))
		e.sendError(reader, "Failed to mark message read")
		return
	}
	if !conv.HasParticipant(reader.UserID()) {
		e.sendError(reader, "Not a participant of this conversation")
		return
	}
	if msg.SenderID == reader.UserID() {
		e.sendError(reader, "Cannot mark own message as read")
		return
	}
	if msg.Status == store.StatusRead && msg.WasReadBy(reader.UserID()) {
		return
	}

	// Cancel the pending delivered transition before touching storage so
	// a scheduled timer can never land after the read.
	e.cancelDelivered(msg.ID)

	// The counter decrement rides the same transaction as the status
	// transition, and it runs exactly once per message: the repeat-read
	// guard above returned before this point.
	now := time.Now().UTC()
	var updated *store.Message
	err = e.withRetry(ctx, "transition message read", func() error {
		var terr error
		updated, terr = e.store.TransitionMessage(ctx, msg.ID, store.StatusRead, store.TransitionOpts{
			ReadAt:             &now,
			AppendReadBy:       reader.UserID(),
			DecrementUnreadFor: reader.UserID(),
		})
		return terr
	})
	if err != nil {
		logging.Error(ctx, "Failed to transition message to read",
			zap.String("messageId", string(msg.ID)), zap.Error(err))
		e.sendError(reader, "Failed to mark message read")
		return
	}
	metrics.MessageLifecycle.WithLabelValues("read").Inc()

	e.dispatchEvent(conv.ID, events.EventMessageStatus, statusPayload(updated))
	e.broadcastUnread(ctx, conv.ID, events.UnreadUpdatePayload{
		UpdatedBy: string(reader.UserID()),
		Action:    "read",
	})
}

// ReadAll marks every unread inbound message in the conversation as read
// in one transaction and zeroes the caller's counter. Calling it on a
// fully read conversation emits nothing.
func (e *Engine) ReadAll(ctx context.Context, reader types.ClientInterface, conversationID types.ConversationID) {
	conv, err := e.store.FindConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.sendError(reader, "Conversation not found")
			return
		}
		logging.Error(ctx, "Failed to load conversation for markAllRead", zap.Error(err))
		e.sendError(reader, "Failed to mark conversation read")
		return
	}
	if !conv.HasParticipant(reader.UserID()) {
		e.sendError(reader, "Not a participant of this conversation")
		return
	}

	var marked []*store.Message
	err = e.withRetry(ctx, "bulk mark read", func() error {
		var terr error
		marked, terr = e.store.BulkMarkRead(ctx, conv.ID, reader.UserID())
		return terr
	})
	if err != nil {
		logging.Error(ctx, "Failed to bulk mark read",
			zap.String("conversationId", string(conv.ID)), zap.Error(err))
		e.sendError(reader, "Failed to mark conversation read")
		return
	}
	if len(marked) == 0 {
		return
	}

	for _, m := range marked {
		e.cancelDelivered(m.ID)
		metrics.MessageLifecycle.WithLabelValues("read").Inc()
		e.dispatchEvent(conv.ID, events.EventMessageStatus, statusPayload(m))
	}
	e.broadcastUnread(ctx, conv.ID, events.UnreadUpdatePayload{
		UpdatedBy: string(reader.UserID()),
		Action:    "read_all",
	})
}

// HandleConnect performs the offline catch-up: every message sent to the
// user while they were away moves to delivered, and senders who are
// online right now hear about it.
func (e *Engine) HandleConnect(ctx context.Context, client types.ClientInterface) {
	pendingMsgs, err := e.store.FindPendingInboundFor(ctx, client.UserID())
	if err != nil {
		logging.Error(ctx, "Failed to load pending messages on connect",
			zap.String("userId", string(client.UserID())), zap.Error(err))
		return
	}
	if len(pendingMsgs) == 0 {
		return
	}

	ids := make([]types.MessageID, 0, len(pendingMsgs))
	for _, m := range pendingMsgs {
		ids = append(ids, m.ID)
	}
	if err := e.store.BulkMarkDelivered(ctx, ids); err != nil {
		logging.Error(ctx, "Failed to bulk mark delivered on connect",
			zap.String("userId", string(client.UserID())), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, m := range pendingMsgs {
		metrics.MessageLifecycle.WithLabelValues("delivered").Inc()
		if !e.presence.IsOnline(m.SenderID) {
			continue
		}
		if err := e.dispatch.ToUser(m.SenderID, events.EventMessageStatus, events.StatusPayload{
			MessageID:      string(m.ID),
			ConversationID: string(m.ConversationID),
			Status:         string(store.StatusDelivered),
			DeliveredAt:    &now,
		}); err != nil {
			logging.Warn(ctx, "Failed to emit delivered status", zap.Error(err))
		}
	}
	logging.Info(ctx, "Marked pending messages delivered on connect",
		zap.String("userId", string(client.UserID())),
		zap.Int("count", len(pendingMsgs)))
}

// PendingDeliveries returns the number of armed delivered timers.
func (e *Engine) PendingDeliveries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Shutdown stops every armed delivered timer without firing it. Messages
// stuck in sent are swept by the connect-time catch-up.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.pending {
		t.Stop()
		delete(e.pending, id)
	}
}

// scheduleDelivered arms the delivered transition for a message whose
// recipient is online. The short defer batches a read arriving right
// behind the send into a single sent -> read hop.
func (e *Engine) scheduleDelivered(msgID types.MessageID, convID types.ConversationID, senderID, recipientID types.UserID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.pending[msgID]; ok {
		t.Stop()
	}
	e.pending[msgID] = time.AfterFunc(e.deliveredDelay, func() {
		e.fireDelivered(msgID, convID, senderID, recipientID)
	})
}

// cancelDelivered disarms a pending delivered transition. Safe to call
// for messages that never had one.
func (e *Engine) cancelDelivered(msgID types.MessageID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.pending[msgID]; ok {
		t.Stop()
		delete(e.pending, msgID)
	}
}

func (e *Engine) fireDelivered(msgID types.MessageID, convID types.ConversationID, senderID, recipientID types.UserID) {
	e.mu.Lock()
	if _, ok := e.pending[msgID]; !ok {
		// Cancelled between firing and acquiring the lock.
		e.mu.Unlock()
		return
	}
	delete(e.pending, msgID)
	e.mu.Unlock()

	// The recipient must still be online: a message to a user who
	// dropped during the defer stays in sent and is picked up by their
	// next connect.
	if !e.presence.IsOnline(recipientID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	msg, err := e.store.TransitionMessage(ctx, msgID, store.StatusDelivered, store.TransitionOpts{DeliveredAt: &now})
	if errors.Is(err, store.ErrInvalidTransition) {
		// Already read; the read path has emitted its own status.
		return
	}
	if err != nil {
		logging.Error(ctx, "Failed to transition message to delivered",
			zap.String("messageId", string(msgID)), zap.Error(err))
		return
	}
	if msg.Status != store.StatusDelivered {
		return
	}
	metrics.MessageLifecycle.WithLabelValues("delivered").Inc()

	if err := e.dispatch.ToUser(senderID, events.EventMessageStatus, events.StatusPayload{
		MessageID:      string(msgID),
		ConversationID: string(convID),
		Status:         string(store.StatusDelivered),
		DeliveredAt:    msg.DeliveredAt,
	}); err != nil {
		logging.Warn(ctx, "Failed to emit delivered status", zap.Error(err))
	}
}

// emitUnread re-reads the conversation so the counter in the event
// reflects the committed value even under concurrent sends.
func (e *Engine) emitUnread(ctx context.Context, convID types.ConversationID, userID types.UserID, base events.UnreadUpdatePayload) {
	conv, err := e.store.FindConversationByID(ctx, convID)
	if err != nil {
		logging.Warn(ctx, "Failed to reload conversation for unread update", zap.Error(err))
		return
	}
	e.sendUnread(userID, convID, conv.UnreadCount[userID], base)
}

// broadcastUnread emits conversation:unreadUpdate to both participants
// after a read, each with their own committed counter. Offline
// participants are skipped by the dispatcher.
func (e *Engine) broadcastUnread(ctx context.Context, convID types.ConversationID, base events.UnreadUpdatePayload) {
	conv, err := e.store.FindConversationByID(ctx, convID)
	if err != nil {
		logging.Warn(ctx, "Failed to reload conversation for unread update", zap.Error(err))
		return
	}
	for _, participant := range []types.UserID{conv.ParticipantA, conv.ParticipantB} {
		e.sendUnread(participant, convID, conv.UnreadCount[participant], base)
	}
}

func (e *Engine) sendUnread(userID types.UserID, convID types.ConversationID, count int, base events.UnreadUpdatePayload) {
	base.ConversationID = string(convID)
	base.UnreadCount = count
	if err := e.dispatch.ToUser(userID, events.EventUnreadUpdate, base); err != nil {
		logging.Warn(context.Background(), "Failed to emit unread update", zap.Error(err))
	}
}

func (e *Engine) dispatchEvent(convID types.ConversationID, event string, payload any) {
	if err := e.dispatch.ToRoom(convID, event, payload); err != nil {
		logging.Warn(context.Background(), "Failed to emit room event",
			zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) sendError(client types.ClientInterface, msg string) {
	data, err := events.Marshal(events.EventMessageError, events.ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	client.SendRaw(data)
}

// withRetry retries fn on transient storage errors with linear backoff.
// Non-transient errors return immediately.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= storeRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !store.IsTransient(err) {
			return err
		}
		logging.Warn(ctx, "Transient storage error, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * storeRetryBackoff):
		}
	}
	return err
}

func (e *Engine) messagePayload(msg *store.Message, senderUsername, clientTempID string) events.MessagePayload {
	return events.MessagePayload{
		ID:             string(msg.ID),
		ConversationID: string(msg.ConversationID),
		Sender: events.SenderInfo{
			ID:       string(msg.SenderID),
			Username: senderUsername,
		},
		Content:      msg.Content,
		MessageType:  msg.MessageType,
		Status:       string(msg.Status),
		ReadBy:       userIDStrings(msg.ReadBy),
		DeliveredAt:  msg.DeliveredAt,
		ReadAt:       msg.ReadAt,
		CreatedAt:    msg.CreatedAt,
		ClientTempID: clientTempID,
	}
}

func statusPayload(msg *store.Message) events.StatusPayload {
	return events.StatusPayload{
		MessageID:      string(msg.ID),
		ConversationID: string(msg.ConversationID),
		Status:         string(msg.Status),
		ReadBy:         userIDStrings(msg.ReadBy),
		DeliveredAt:    msg.DeliveredAt,
		ReadAt:         msg.ReadAt,
	}
}

func userIDStrings(ids []types.UserID) []string {
	if len(ids) == 0 {
		return []string{}
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
