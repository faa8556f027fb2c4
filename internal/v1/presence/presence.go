// Package presence tracks which users currently hold a live WebSocket
// session. A user is online while they have a registered session and
// offline otherwise. The registry enforces the single-session policy:
// a new connection for a user replaces the previous one, and the old
// socket is closed by the caller after Attach reports it.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/metrics"
	"github.com/duochat/duochat/internal/v1/types"
)

// onlineSetKey is the Redis set mirroring the in-memory online-user set.
// The mirror is best effort and exists for external consumers (ops
// tooling, future pods); the in-memory map is authoritative.
const onlineSetKey = "duochat:online:users"

// Mirror is the subset of the Redis bus the registry uses. Nil disables
// mirroring entirely.
type Mirror interface {
	SetAdd(ctx context.Context, key string, value string) error
	SetRem(ctx context.Context, key string, value string) error
}

// Registry owns the user -> live session mapping.
type Registry struct {
	mu       sync.RWMutex
	sessions map[types.UserID]types.ClientInterface
	mirror   Mirror
}

func NewRegistry(mirror Mirror) *Registry {
	return &Registry{
		sessions: make(map[types.UserID]types.ClientInterface),
		mirror:   mirror,
	}
}

// Attach registers a client as the live session for its user. It returns
// the session it displaced, if any, and whether the user transitioned
// from offline to online. When a session is replaced the user never
// flaps offline: the map swap is atomic under the lock.
func (r *Registry) Attach(client types.ClientInterface) (replaced types.ClientInterface, wasOffline bool) {
	userID := client.UserID()

	r.mu.Lock()
	replaced = r.sessions[userID]
	r.sessions[userID] = client
	r.mu.Unlock()

	wasOffline = replaced == nil
	if wasOffline {
		metrics.OnlineUsers.Inc()
		r.mirrorAdd(userID)
		logging.Info(context.Background(), "User came online",
			zap.String("userId", string(userID)),
			zap.String("sessionId", string(client.SessionID())))
	} else {
		logging.Info(context.Background(), "Replacing existing session for user",
			zap.String("userId", string(userID)),
			zap.String("oldSessionId", string(replaced.SessionID())),
			zap.String("newSessionId", string(client.SessionID())))
	}
	return replaced, wasOffline
}

// Detach removes a client if it is still the registered session for its
// user. It reports whether the user went offline. A stale session that
// was already replaced detaches as a no-op, which is what keeps the
// replacement handshake from emitting a spurious offline transition.
func (r *Registry) Detach(client types.ClientInterface) (wentOffline bool) {
	userID := client.UserID()

	r.mu.Lock()
	current, ok := r.sessions[userID]
	if !ok || current.SessionID() != client.SessionID() {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, userID)
	r.mu.Unlock()

	metrics.OnlineUsers.Dec()
	r.mirrorRem(userID)
	logging.Info(context.Background(), "User went offline",
		zap.String("userId", string(userID)),
		zap.String("sessionId", string(client.SessionID())))
	return true
}

// IsOnline reports whether the user has a live session right now.
func (r *Registry) IsOnline(userID types.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// SessionsOf returns the live sessions of a user. Under the
// single-session policy the slice has at most one element, but callers
// iterate so the policy can relax later without touching them.
func (r *Registry) SessionsOf(userID types.UserID) []types.ClientInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.sessions[userID]; ok {
		return []types.ClientInterface{c}
	}
	return nil
}

// AllSessions snapshots every connected session.
func (r *Registry) AllSessions() []types.ClientInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ClientInterface, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	return out
}

// OnlineCount returns the number of distinct online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) mirrorAdd(userID types.UserID) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.mirror.SetAdd(ctx, onlineSetKey, string(userID)); err != nil {
		logging.Warn(ctx, "Failed to mirror online state to Redis",
			zap.String("userId", string(userID)), zap.Error(err))
	}
}

func (r *Registry) mirrorRem(userID types.UserID) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.mirror.SetRem(ctx, onlineSetKey, string(userID)); err != nil {
		logging.Warn(ctx, "Failed to mirror offline state to Redis",
			zap.String("userId", string(userID)), zap.Error(err))
	}
}
