// Package router maintains conversation room membership: which sessions
// have joined which conversation rooms. Membership gates fan-out only.
// Persistence never depends on it, so a message sent into a room the
// recipient has not joined is still stored and still counted as unread.
package router

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/metrics"
	"github.com/duochat/duochat/internal/v1/store"
	"github.com/duochat/duochat/internal/v1/types"
)

// ErrNotParticipant is returned when a session tries to join a room for
// a conversation it does not belong to.
var ErrNotParticipant = fmt.Errorf("not a participant of this conversation")

// Router indexes room membership both ways so that joins, leaves, and
// disconnect purges are all O(membership) under one lock.
type Router struct {
	mu sync.RWMutex

	// rooms maps a conversation to the sessions joined to it.
	rooms map[types.ConversationID]set.Set[types.SessionID]
	// joined maps a session to the rooms it has joined.
	joined map[types.SessionID]set.Set[types.ConversationID]
	// clients resolves session IDs back to live connections.
	clients map[types.SessionID]types.ClientInterface

	store store.Store
}

func NewRouter(st store.Store) *Router {
	return &Router{
		rooms:   make(map[types.ConversationID]set.Set[types.SessionID]),
		joined:  make(map[types.SessionID]set.Set[types.ConversationID]),
		clients: make(map[types.SessionID]types.ClientInterface),
		store:   st,
	}
}

// Join subscribes a session to a conversation room after verifying the
// user is a participant of that conversation. Joining twice is a no-op.
func (r *Router) Join(ctx context.Context, client types.ClientInterface, conversationID types.ConversationID) error {
	conv, err := r.store.FindConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(client.UserID()) {
		logging.Warn(ctx, "Join rejected for non-participant",
			zap.String("userId", string(client.UserID())),
			zap.String("conversationId", string(conversationID)))
		return ErrNotParticipant
	}

	sessionID := client.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[conversationID]
	if !ok {
		members = set.New[types.SessionID]()
		r.rooms[conversationID] = members
		metrics.ActiveRooms.Inc()
	}
	members.Insert(sessionID)

	joined, ok := r.joined[sessionID]
	if !ok {
		joined = set.New[types.ConversationID]()
		r.joined[sessionID] = joined
	}
	joined.Insert(conversationID)

	r.clients[sessionID] = client

	logging.Info(ctx, "Session joined room",
		zap.String("sessionId", string(sessionID)),
		zap.String("conversationId", string(conversationID)),
		zap.Int("roomSize", members.Len()))
	return nil
}

// Leave unsubscribes a session from a room. Leaving a room the session
// never joined is a no-op.
func (r *Router) Leave(ctx context.Context, client types.ClientInterface, conversationID types.ConversationID) {
	sessionID := client.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, conversationID)

	logging.Info(ctx, "Session left room",
		zap.String("sessionId", string(sessionID)),
		zap.String("conversationId", string(conversationID)))
}

// PurgeSession removes a session from every room it joined. Called on
// disconnect. Returns the rooms the session was purged from.
func (r *Router) PurgeSession(sessionID types.SessionID) []types.ConversationID {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.joined[sessionID]
	if !ok {
		delete(r.clients, sessionID)
		return nil
	}
	left := joined.UnsortedList()
	for _, conversationID := range left {
		r.leaveLocked(sessionID, conversationID)
	}
	delete(r.clients, sessionID)
	return left
}

// InRoom reports whether a session is currently joined to a room.
func (r *Router) InRoom(sessionID types.SessionID, conversationID types.ConversationID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[conversationID]
	return ok && members.Has(sessionID)
}

// SessionsInRoom snapshots the live connections joined to a room.
func (r *Router) SessionsInRoom(conversationID types.ConversationID) []types.ClientInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[conversationID]
	if !ok {
		return nil
	}
	out := make([]types.ClientInterface, 0, members.Len())
	for _, sessionID := range members.UnsortedList() {
		if c, ok := r.clients[sessionID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// RoomCount returns the number of rooms with at least one member.
func (r *Router) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// leaveLocked removes the membership edges and drops the room map entry
// when the room empties. Caller holds r.mu.
func (r *Router) leaveLocked(sessionID types.SessionID, conversationID types.ConversationID) {
	if members, ok := r.rooms[conversationID]; ok {
		members.Delete(sessionID)
		if members.Len() == 0 {
			delete(r.rooms, conversationID)
			metrics.ActiveRooms.Dec()
		}
	}
	if joined, ok := r.joined[sessionID]; ok {
		joined.Delete(conversationID)
		if joined.Len() == 0 {
			delete(r.joined, sessionID)
		}
	}
}
