package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/duochat/duochat/internal/v1/types"
	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// It enforces the same invariants as the SQLite store so engine tests
// exercise real transition semantics without a database file.
type MockStore struct {
	mu            sync.RWMutex
	users         map[types.UserID]*User
	conversations map[types.ConversationID]*Conversation
	pairIndex     map[string]types.ConversationID // "a|b" normalized -> conversation ID
	messages      map[types.MessageID]*Message

	// FailCreateMessage makes CreateMessage return the given error,
	// simulating storage failures.
	FailCreateMessage error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[types.UserID]*User),
		conversations: make(map[types.ConversationID]*Conversation),
		pairIndex:     make(map[string]types.ConversationID),
		messages:      make(map[types.MessageID]*Message),
	}
}

func pairKey(a, b types.UserID) string {
	pa, pb := NormalizePair(a, b)
	return string(pa) + "|" + string(pb)
}

// --- Users ---

func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := *user
	m.users[u.ID] = &u
	return nil
}

func (m *MockStore) FindUserByID(ctx context.Context, id types.UserID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

func (m *MockStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.users {
		if user.Username == username {
			u := *user
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) SetUserOnline(ctx context.Context, id types.UserID, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	user.IsOnline = online
	user.UpdatedAt = time.Now()
	return nil
}

// --- Conversations ---

func (m *MockStore) FindConversationByID(ctx context.Context, id types.ConversationID) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyConversation(id)
}

func (m *MockStore) copyConversation(id types.ConversationID) (*Conversation, error) {
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	c.UnreadCount = make(map[types.UserID]int, len(conv.UnreadCount))
	for k, v := range conv.UnreadCount {
		c.UnreadCount[k] = v
	}
	return &c, nil
}

func (m *MockStore) FindConversationByPair(ctx context.Context, a, b types.UserID) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairIndex[pairKey(a, b)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyConversation(id)
}

func (m *MockStore) CreateConversation(ctx context.Context, a, b types.UserID) (*Conversation, error) {
	if a == b {
		return nil, ErrSelfConversation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pa, pb := NormalizePair(a, b)
	now := time.Now()
	conv := &Conversation{
		ID:           types.ConversationID(uuid.New().String()),
		ParticipantA: pa,
		ParticipantB: pb,
		UnreadCount:  map[types.UserID]int{pa: 0, pb: 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.conversations[conv.ID] = conv
	m.pairIndex[pairKey(pa, pb)] = conv.ID

	c, _ := m.copyConversation(conv.ID)
	return c, nil
}

func (m *MockStore) ListConversationsFor(ctx context.Context, userID types.UserID) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for id, conv := range m.conversations {
		if conv.HasParticipant(userID) {
			c, _ := m.copyConversation(id)
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return lastActivity(result[i]).After(lastActivity(result[j]))
	})
	return result, nil
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessageTime != nil {
		return *c.LastMessageTime
	}
	return c.UpdatedAt
}

func (m *MockStore) AdjustUnread(ctx context.Context, convID types.ConversationID, userID types.UserID, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[convID]
	if !ok || !conv.HasParticipant(userID) {
		return 0, ErrNotFound
	}
	count := conv.UnreadCount[userID] + delta
	if count < 0 {
		count = 0
	}
	conv.UnreadCount[userID] = count
	return count, nil
}

func (m *MockStore) SetUnread(ctx context.Context, convID types.ConversationID, userID types.UserID, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[convID]
	if !ok || !conv.HasParticipant(userID) {
		return ErrNotFound
	}
	if value < 0 {
		value = 0
	}
	conv.UnreadCount[userID] = value
	return nil
}

// --- Messages ---

func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreateMessage != nil {
		return m.FailCreateMessage
	}
	applyMessageDefaults(msg)

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	recipient := conv.OtherParticipant(msg.SenderID)
	if recipient == "" {
		return ErrNotFound
	}

	stored := *msg
	stored.ReadBy = append([]types.UserID(nil), msg.ReadBy...)
	m.messages[stored.ID] = &stored

	lastID := msg.ID
	content := msg.Content
	lastTime := msg.CreatedAt
	conv.LastMessageID = &lastID
	conv.LastMessageContent = &content
	conv.LastMessageTime = &lastTime
	conv.UpdatedAt = time.Now()
	conv.UnreadCount[recipient]++
	return nil
}

func (m *MockStore) FindMessageByID(ctx context.Context, id types.MessageID) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyMessage(id)
}

func (m *MockStore) copyMessage(id types.MessageID) (*Message, error) {
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *msg
	c.ReadBy = append([]types.UserID(nil), msg.ReadBy...)
	return &c, nil
}

func (m *MockStore) ListMessages(ctx context.Context, convID types.ConversationID, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit < 1 || limit > 50 {
		limit = 50
	}

	var result []*Message
	for id, msg := range m.messages {
		if msg.ConversationID == convID {
			c, _ := m.copyMessage(id)
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockStore) TransitionMessage(ctx context.Context, id types.MessageID, next Status, opts TransitionOpts) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}

	currentRank, nextRank := statusRank[msg.Status], statusRank[next]
	if nextRank < currentRank {
		return nil, ErrInvalidTransition
	}

	msg.Status = next
	if msg.DeliveredAt == nil && nextRank >= statusRank[StatusDelivered] {
		t := timeOrNow(opts.DeliveredAt)
		if next == StatusRead && opts.ReadAt != nil {
			t = *opts.ReadAt
		}
		msg.DeliveredAt = &t
	}
	if next == StatusRead {
		msg.IsRead = true
		if msg.ReadAt == nil {
			t := timeOrNow(opts.ReadAt)
			msg.ReadAt = &t
		}
		if opts.AppendReadBy != "" && opts.AppendReadBy != msg.SenderID && !msg.WasReadBy(opts.AppendReadBy) {
			msg.ReadBy = append(msg.ReadBy, opts.AppendReadBy)
		}
	}

	if opts.DecrementUnreadFor != "" {
		conv, ok := m.conversations[msg.ConversationID]
		if !ok || !conv.HasParticipant(opts.DecrementUnreadFor) {
			return nil, ErrNotFound
		}
		if conv.UnreadCount[opts.DecrementUnreadFor] > 0 {
			conv.UnreadCount[opts.DecrementUnreadFor]--
		}
	}

	return m.copyMessage(id)
}

func (m *MockStore) FindPendingInboundFor(ctx context.Context, userID types.UserID) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for id, msg := range m.messages {
		conv, ok := m.conversations[msg.ConversationID]
		if !ok || !conv.HasParticipant(userID) {
			continue
		}
		if msg.SenderID != userID && msg.Status == StatusSent {
			c, _ := m.copyMessage(id)
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MockStore) BulkMarkDelivered(ctx context.Context, ids []types.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok || msg.Status != StatusSent {
			continue
		}
		msg.Status = StatusDelivered
		t := now
		msg.DeliveredAt = &t
	}
	return nil
}

func (m *MockStore) BulkMarkRead(ctx context.Context, convID types.ConversationID, readerID types.UserID) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[convID]
	if !ok {
		return nil, ErrNotFound
	}

	var candidates []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == convID && msg.SenderID != readerID && msg.Status != StatusRead {
			candidates = append(candidates, msg)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	readAt := time.Now()
	var result []*Message
	for _, msg := range candidates {
		msg.Status = StatusRead
		msg.IsRead = true
		t := readAt
		msg.ReadAt = &t
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &t
		}
		if !msg.WasReadBy(readerID) {
			msg.ReadBy = append(msg.ReadBy, readerID)
		}
		c, _ := m.copyMessage(msg.ID)
		result = append(result, c)
	}

	conv.UnreadCount[readerID] = 0
	return result, nil
}

// Ping always succeeds for the in-memory store.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MockStore) Close() error {
	return nil
}
