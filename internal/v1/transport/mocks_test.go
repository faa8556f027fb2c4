package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duochat/duochat/internal/v1/config"
	"github.com/duochat/duochat/internal/v1/engine"
	"github.com/duochat/duochat/internal/v1/events"
	"github.com/duochat/duochat/internal/v1/presence"
	"github.com/duochat/duochat/internal/v1/ratelimit"
	"github.com/duochat/duochat/internal/v1/router"
	"github.com/duochat/duochat/internal/v1/store"
	"github.com/duochat/duochat/internal/v1/types"
	"github.com/duochat/duochat/internal/v1/typing"
)

// mockConn is a scriptable wsConnection. ReadMessage pops queued frames
// and then reports a closed connection.
type mockConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	written  [][]byte
	closed   bool
	readDone chan struct{}
}

func newMockConn(frames ...[]byte) *mockConn {
	return &mockConn{inbound: frames, readDone: make(chan struct{})}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbound) == 0 {
		return 0, nil, errors.New("connection closed")
	}
	frame := m.inbound[0]
	m.inbound = m.inbound[1:]
	return 1, frame, nil // 1 == websocket.TextMessage
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.readDone)
	}
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-m.readDone:
	case <-time.After(time.Second):
		t.Fatal("connection never closed")
	}
}

// testHub bundles a hub with its collaborators and the in-memory store.
type testHub struct {
	hub      *Hub
	store    *store.MockStore
	registry *presence.Registry
	rooms    *router.Router
	conv     *store.Conversation
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	ms := store.NewMockStore()
	conv, err := ms.CreateConversation(t.Context(), "anna", "ben")
	require.NoError(t, err)

	registry := presence.NewRegistry(nil)
	rooms := router.NewRouter(ms)
	dispatch := events.NewDispatcher(rooms, registry)
	eng := engine.NewEngine(ms, registry, dispatch, 4000, 10*time.Millisecond)
	t.Cleanup(eng.Shutdown)

	cfg := &config.Config{
		RateLimitAPIGlobal:   "1000-S",
		RateLimitAPIPublic:   "1000-S",
		RateLimitAPIMessages: "1000-S",
		RateLimitWsIP:        "1000-S",
		RateLimitWsUser:      "1000-S",
	}
	rl, err := ratelimit.NewRateLimiter(cfg, nil)
	require.NoError(t, err)

	h := NewHub(Deps{
		Validator:      nil,
		Store:          ms,
		Presence:       registry,
		Rooms:          rooms,
		Engine:         eng,
		Dispatch:       dispatch,
		RateLimiter:    rl,
		AllowedOrigins: []string{"http://localhost:3000"},
		DevMode:        true,
	})
	tracker := typing.NewTracker(time.Hour, h)
	t.Cleanup(tracker.Shutdown)
	h.SetTyping(tracker)

	return &testHub{hub: h, store: ms, registry: registry, rooms: rooms, conv: conv}
}

// newSession registers a client the way HandleConnection would, without
// starting pumps, so tests drive route directly.
func (th *testHub) newSession(session types.SessionID, user types.UserID) *Client {
	c := &Client{
		conn:        newMockConn(),
		hub:         th.hub,
		sessionID:   session,
		userID:      user,
		username:    string(user),
		connectedAt: time.Now().UTC(),
		send:        make(chan []byte, 64),
	}
	th.registry.Attach(c)
	return c
}

func envelope(t *testing.T, event string, payload any) *events.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &events.Envelope{Event: event, Payload: raw}
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	data, err := events.Marshal(event, payload)
	require.NoError(t, err)
	return data
}

// drain decodes every frame currently buffered on the client.
func drain(t *testing.T, c *Client) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	for {
		select {
		case data := <-c.send:
			var env events.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventNames(envs []events.Envelope) []string {
	names := make([]string, len(envs))
	for i, env := range envs {
		names[i] = env.Event
	}
	return names
}
