package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duochat/duochat/internal/v1/events"
	"github.com/duochat/duochat/internal/v1/presence"
	"github.com/duochat/duochat/internal/v1/router"
	"github.com/duochat/duochat/internal/v1/store"
	"github.com/duochat/duochat/internal/v1/types"
)

const testDeliveredDelay = 20 * time.Millisecond

type fixture struct {
	store    *store.MockStore
	registry *presence.Registry
	rooms    *router.Router
	engine   *Engine
	conv     *store.Conversation
	anna     *fakeClient
	ben      *fakeClient
}

// newFixture builds an engine over the in-memory store with anna and ben
// sharing one conversation. Both sessions are attached and joined.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := store.NewMockStore()
	conv, err := ms.CreateConversation(context.Background(), "anna", "ben")
	require.NoError(t, err)

	registry := presence.NewRegistry(nil)
	rooms := router.NewRouter(ms)
	dispatch := events.NewDispatcher(rooms, registry)
	eng := NewEngine(ms, registry, dispatch, 4000, testDeliveredDelay)
	t.Cleanup(eng.Shutdown)

	f := &fixture{
		store:    ms,
		registry: registry,
		rooms:    rooms,
		engine:   eng,
		conv:     conv,
		anna:     newFakeClient("s-anna", "anna"),
		ben:      newFakeClient("s-ben", "ben"),
	}
	f.connect(t, f.anna)
	f.connect(t, f.ben)
	return f
}

func (f *fixture) connect(t *testing.T, c *fakeClient) {
	t.Helper()
	f.registry.Attach(c)
	require.NoError(t, f.rooms.Join(context.Background(), c, f.conv.ID))
}

func (f *fixture) disconnect(c *fakeClient) {
	f.rooms.PurgeSession(c.SessionID())
	f.registry.Detach(c)
}

func (f *fixture) lastMessageID(t *testing.T) types.MessageID {
	t.Helper()
	conv, err := f.store.FindConversationByID(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessageID)
	return *conv.LastMessageID
}

func TestSend_FansOutToRoomAndAcksSender(t *testing.T) {
	f := newFixture(t)

	f.engine.Send(context.Background(), f.anna, events.SendPayload{
		ConversationID: string(f.conv.ID),
		Content:        "hello ben",
		ClientTempID:   "tmp-1",
	})

	// Both room members receive message:new.
	annaNew := f.anna.eventsNamed(t, events.EventMessageNew)
	benNew := f.ben.eventsNamed(t, events.EventMessageNew)
	require.Len(t, annaNew, 1)
	require.Len(t, benNew, 1)

	msg := decodePayload[events.MessagePayload](t, benNew[0])
	assert.Equal(t, "hello ben", msg.Content)
	assert.Equal(t, "anna", msg.Sender.ID)
	assert.Equal(t, "text", msg.MessageType)
	assert.Equal(t, "sent", msg.Status)

	// Only the sender receives the ack, carrying the temp id.
	acks := f.anna.eventsNamed(t, events.EventMessageSent)
	require.Len(t, acks, 1)
	ack := decodePayload[events.AckPayload](t, acks[0])
	assert.Equal(t, msg.ID, ack.MessageID)
	assert.Equal(t, "tmp-1", ack.ClientTempID)
	assert.Equal(t, 0, f.ben.countNamed(t, events.EventMessageSent))

	// The recipient's counter update arrives with the committed value.
	unread := f.ben.eventsNamed(t, events.EventUnreadUpdate)
	require.Len(t, unread, 1)
	u := decodePayload[events.UnreadUpdatePayload](t, unread[0])
	assert.Equal(t, 1, u.UnreadCount)
	assert.Equal(t, "anna", u.SenderID)
}

func TestSend_DeliveredAfterDefer(t *testing.T) {
	f := newFixture(t)

	f.engine.Send(context.Background(), f.anna, events.SendPayload{
		ConversationID: string(f.conv.ID),
		Content:        "hello",
	})

	require.Eventually(t, func() bool {
		return f.anna.countNamed(t, events.EventMessageStatus) == 1
	}, time.Second, 5*time.Millisecond)

	status := decodePayload[events.StatusPayload](t, f.anna.eventsNamed(t, events.EventMessageStatus)[0])
	assert.Equal(t, "delivered", status.Status)
	assert.NotNil(t, status.DeliveredAt)

	stored, err := f.store.FindMessageByID(context.Background(), types.MessageID(status.MessageID))
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, stored.Status)
}

func TestRead_CancelsPendingDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.Send(ctx, f.anna, events.SendPayload{
		ConversationID: string(f.conv.ID),
		Content:        "hello",
	})
	msgID := f.lastMessageID(t)
	require.Equal(t, 1, f.engine.PendingDeliveries())

	f.engine.Read(ctx, f.ben, events.ReadPayload{
		ConversationID: string(f.conv.ID),
		MessageID:      string(msgID),
	})
	assert.Equal(t, 0, f.engine.PendingDeliveries())

	// Wait past the defer window: only the read status may appear.
	time.Sleep(3 * testDeliveredDelay)
	statuses := f.anna.eventsNamed(t, events.EventMessageStatus)
	require.Len(t, statuses, 1)
	status := decodePayload[events.StatusPayload](t, statuses[0])
	assert.Equal(t, "read", status.Status)
	assert.Equal(t, []string{"ben"}, status.ReadBy)

	stored, err := f.store.FindMessageByID(ctx, msgID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, stored.Status)
	// Skipping delivered still stamps the timestamp.
	assert.NotNil(t, stored.DeliveredAt)

	// Reader's counter went back to zero.
	unread := f.ben.eventsNamed(t, events.EventUnreadUpdate)
	last := decodePayload[events.UnreadUpdatePayload](t, unread[len(unread)-1])
	assert.Equal(t, 0, last.UnreadCount)
}

func TestRead_RepeatIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.Send(ctx, f.anna, events.SendPayload{ConversationID: string(f.conv.ID), Content: "hi"})
	msgID := f.lastMessageID(t)

	read := events.ReadPayload{ConversationID: string(f.conv.ID), MessageID: string(msgID)}
	f.engine.Read(ctx, f.ben, read)
	f.engine.Read(ctx, f.ben, read)

	assert.Equal(t, 1, f.anna.countNamed(t, events.EventMessageStatus))

	conv, err := f.store.FindConversationByID(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount["ben"])
}

func TestRead_SenderCannotReadOwnMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.Send(ctx, f.anna, events.SendPayload{ConversationID: string(f.conv.ID), Content: "hi"})
	msgID := f.lastMessageID(t)

	f.engine.Read(ctx, f.anna, events.ReadPayload{
		ConversationID: string(f.conv.ID),
		MessageID:      string(msgID),
	})

	require.Equal(t, 1, f.anna.countNamed(t, events.EventMessageError))
	stored, err := f.store.FindMessageByID(ctx, msgID)
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusRead, stored.Status)
}

func TestRead_UnknownMessageIsSilent(t *testing.T) {
	f := newFixture(t)

	f.engine.Read(context.Background(), f.ben, events.ReadPayload{
		ConversationID: string(f.conv.ID),
		MessageID:      "missing",
	})

	assert.Empty(t, f.ben.envelopes(t))
	assert.Empty(t, f.anna.envelopes(t))
}

func TestSend_EmptyContentRejected(t *testing.T) {
	f := newFixture(t)

	f.engine.Send(context.Background(), f.anna, events.SendPayload{
		ConversationID: string(f.conv.ID),
		Content:        "   \n\t  ",
	})

	require.Equal(t, 1, f.anna.countNamed(t, events.EventMessageError))
	assert.Equal(t, 0, f.ben.countNamed(t, events.EventMessageNew))

	conv, err := f.store.FindConversationByID(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Nil(t, conv.LastMessageID)
}

func TestSend_ContentTooLong(t *testing.T) {
	f := newFixture(t)

	f.engine.Send(context.Background(), f.anna, events.SendPayload{
		ConversationID: string(f.conv.ID),
		Content:        strings.Repeat("x", 4001),
	})

	require.Equal(t, 1, f.anna.countNamed(t, events.EventMessageError))
	assert.Equal(t, 0, f.ben.countNamed(t, events.EventMessageNew))
}

func TestSend_UnknownConversation(t *testing.T) {
	f := newFixture(t)

	f.engine.Send(context.Background(), f.anna, events.SendPayload{
		ConversationID: "missing",
		Content:        "hello",
	})

	require.Equal(t, 1, f.anna.countNamed(t, events.EventMessageError))
}

func TestSend_NonParticipantRejected(t *testing.T) {
	f := newFixture(t)
	mallory := newFakeClient("s-mallory", "mallory")
	f.registry.Attach(mallory)

	f.engine.Send(context.Background(), mallory, events.SendPayload{
		ConversationID: string(f.conv.ID),
		Content:        "hello",
	})

	require.Equal(t, 1, mallory.countNamed(t, events.EventMessageError))
	assert.Equal(t, 0, f.ben.countNamed(t, events.EventMessageNew))
}

func TestSend_StorageFailureEmitsErrorOnly(t *testing.T) {
	f := newFixture(t)
	f.store.FailCreateMessage = errors.New("disk on fire")

	f.engine.Send(context.Background(), f.anna, events.SendPayload{
		ConversationID: string(f.conv.ID),
		Content:        "hello",
	})

	require.Equal(t, 1, f.anna.countNamed(t, events.EventMessageError))
	assert.Equal(t, 0, f.anna.countNamed(t, events.EventMessageNew))
	assert.Equal(t, 0, f.ben.countNamed(t, events.EventMessageNew))
	assert.Equal(t, 0, f.engine.PendingDeliveries())
}

func TestSend_OfflineRecipientStaysSent(t *testing.T) {
	f := newFixture(t)
	f.disconnect(f.ben)

	f.engine.Send(context.Background(), f.anna, events.SendPayload{
		ConversationID: string(f.conv.ID),
		Content:        "are you there?",
	})

	assert.Equal(t, 0, f.engine.PendingDeliveries())
	time.Sleep(3 * testDeliveredDelay)

	msgID := f.lastMessageID(t)
	stored, err := f.store.FindMessageByID(context.Background(), msgID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, stored.Status)
}

func TestHandleConnect_CatchesUpPendingMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.disconnect(f.ben)

	f.engine.Send(ctx, f.anna, events.SendPayload{ConversationID: string(f.conv.ID), Content: "one"})
	f.engine.Send(ctx, f.anna, events.SendPayload{ConversationID: string(f.conv.ID), Content: "two"})

	// Ben reconnects with a fresh session.
	ben2 := newFakeClient("s-ben-2", "ben")
	f.registry.Attach(ben2)
	f.engine.HandleConnect(ctx, ben2)

	// Both messages moved to delivered and anna heard about each.
	statuses := f.anna.eventsNamed(t, events.EventMessageStatus)
	require.Len(t, statuses, 2)
	for _, raw := range statuses {
		status := decodePayload[events.StatusPayload](t, raw)
		assert.Equal(t, "delivered", status.Status)
	}

	pending, err := f.store.FindPendingInboundFor(ctx, "ben")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReadAll_TransitionsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.Send(ctx, f.anna, events.SendPayload{ConversationID: string(f.conv.ID), Content: "one"})
	f.engine.Send(ctx, f.anna, events.SendPayload{ConversationID: string(f.conv.ID), Content: "two"})

	f.engine.ReadAll(ctx, f.ben, f.conv.ID)

	statuses := f.anna.eventsNamed(t, events.EventMessageStatus)
	require.Len(t, statuses, 2)
	for _, raw := range statuses {
		status := decodePayload[events.StatusPayload](t, raw)
		assert.Equal(t, "read", status.Status)
	}
	assert.Equal(t, 0, f.engine.PendingDeliveries())

	unread := f.ben.eventsNamed(t, events.EventUnreadUpdate)
	last := decodePayload[events.UnreadUpdatePayload](t, unread[len(unread)-1])
	assert.Equal(t, 0, last.UnreadCount)

	// Second invocation emits nothing new.
	f.engine.ReadAll(ctx, f.ben, f.conv.ID)
	assert.Len(t, f.anna.eventsNamed(t, events.EventMessageStatus), 2)

	conv, err := f.store.FindConversationByID(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount["ben"])
}

func TestRead_UnreadUpdateReachesBothParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.Send(ctx, f.anna, events.SendPayload{ConversationID: string(f.conv.ID), Content: "hi"})
	msgID := f.lastMessageID(t)

	f.engine.Read(ctx, f.ben, events.ReadPayload{
		ConversationID: string(f.conv.ID),
		MessageID:      string(msgID),
	})

	// The sender hears about the counter change too, with her own counter.
	annaUnread := f.anna.eventsNamed(t, events.EventUnreadUpdate)
	require.Len(t, annaUnread, 1)
	u := decodePayload[events.UnreadUpdatePayload](t, annaUnread[0])
	assert.Equal(t, 0, u.UnreadCount)
	assert.Equal(t, "ben", u.UpdatedBy)
	assert.Equal(t, "read", u.Action)

	benUnread := f.ben.eventsNamed(t, events.EventUnreadUpdate)
	require.NotEmpty(t, benUnread)
	last := decodePayload[events.UnreadUpdatePayload](t, benUnread[len(benUnread)-1])
	assert.Equal(t, 0, last.UnreadCount)
}

func TestReadAll_UnreadUpdateReachesBothParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		f.engine.Send(ctx, f.anna, events.SendPayload{ConversationID: string(f.conv.ID), Content: content})
	}

	f.engine.ReadAll(ctx, f.ben, f.conv.ID)

	annaUnread := f.anna.eventsNamed(t, events.EventUnreadUpdate)
	require.Len(t, annaUnread, 1)
	u := decodePayload[events.UnreadUpdatePayload](t, annaUnread[0])
	assert.Equal(t, 0, u.UnreadCount)
	assert.Equal(t, "read_all", u.Action)

	benUnread := f.ben.eventsNamed(t, events.EventUnreadUpdate)
	require.NotEmpty(t, benUnread)
	last := decodePayload[events.UnreadUpdatePayload](t, benUnread[len(benUnread)-1])
	assert.Equal(t, 0, last.UnreadCount)
}

func TestReadAll_NonParticipantRejected(t *testing.T) {
	f := newFixture(t)
	mallory := newFakeClient("s-mallory", "mallory")
	f.registry.Attach(mallory)

	f.engine.ReadAll(context.Background(), mallory, f.conv.ID)
	require.Equal(t, 1, mallory.countNamed(t, events.EventMessageError))
}
