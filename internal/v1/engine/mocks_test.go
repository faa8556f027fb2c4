package engine

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duochat/duochat/internal/v1/events"
	"github.com/duochat/duochat/internal/v1/types"
)

// fakeClient records every frame pushed to the session so tests can
// assert on the emitted event stream.
type fakeClient struct {
	session types.SessionID
	user    types.UserID
	name    string

	mu     sync.Mutex
	frames [][]byte
}

func newFakeClient(session types.SessionID, user types.UserID) *fakeClient {
	return &fakeClient{session: session, user: user, name: string(user)}
}

func (f *fakeClient) SessionID() types.SessionID { return f.session }
func (f *fakeClient) UserID() types.UserID       { return f.user }
func (f *fakeClient) Username() string           { return f.name }
func (f *fakeClient) ConnectedAt() time.Time     { return time.Time{} }
func (f *fakeClient) Disconnect()                {}

func (f *fakeClient) SendRaw(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
}

// envelopes decodes every recorded frame.
func (f *fakeClient) envelopes(t *testing.T) []events.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env events.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

// eventsNamed returns the payloads of every recorded envelope with the
// given event name.
func (f *fakeClient) eventsNamed(t *testing.T, name string) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for _, env := range f.envelopes(t) {
		if env.Event == name {
			out = append(out, env.Payload)
		}
	}
	return out
}

func (f *fakeClient) countNamed(t *testing.T, name string) int {
	t.Helper()
	return len(f.eventsNamed(t, name))
}

func decodePayload[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
