package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duochat/duochat/internal/v1/types"
)

type transition struct {
	conversation types.ConversationID
	user         types.UserID
	isTyping     bool
}

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []transition
}

func (n *recordingNotifier) TypingChanged(conv types.ConversationID, user types.UserID, username string, isTyping bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, transition{conversation: conv, user: user, isTyping: isTyping})
}

func (n *recordingNotifier) snapshot() []transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]transition(nil), n.transitions...)
}

func (n *recordingNotifier) stopsFor(conv types.ConversationID, user types.UserID) int {
	count := 0
	for _, tr := range n.snapshot() {
		if tr.conversation == conv && tr.user == user && !tr.isTyping {
			count++
		}
	}
	return count
}

func TestHeartbeat_StartAndExplicitStop(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(time.Hour, n)
	defer tr.Shutdown()

	tr.Heartbeat("c1", "anna", "anna", true)
	assert.Equal(t, 1, tr.ActiveCount())

	tr.Heartbeat("c1", "anna", "anna", false)
	assert.Equal(t, 0, tr.ActiveCount())

	got := n.snapshot()
	require.Len(t, got, 2)
	assert.True(t, got[0].isTyping)
	assert.False(t, got[1].isTyping)
}

func TestHeartbeat_StopWithoutStartEmitsNothing(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(time.Hour, n)
	defer tr.Shutdown()

	tr.Heartbeat("c1", "anna", "anna", false)
	assert.Empty(t, n.snapshot())
}

func TestIdleExpiryEmitsExactlyOneStop(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(20*time.Millisecond, n)
	defer tr.Shutdown()

	tr.Heartbeat("c1", "anna", "anna", true)

	require.Eventually(t, func() bool {
		return tr.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)

	// Wait past another idle window to catch double fires.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, n.stopsFor("c1", "anna"))
}

func TestHeartbeatResetsIdleTimer(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(60*time.Millisecond, n)
	defer tr.Shutdown()

	tr.Heartbeat("c1", "anna", "anna", true)
	time.Sleep(40 * time.Millisecond)
	tr.Heartbeat("c1", "anna", "anna", true)
	time.Sleep(40 * time.Millisecond)

	// Still within the refreshed window.
	assert.Equal(t, 1, tr.ActiveCount())
	assert.Equal(t, 0, n.stopsFor("c1", "anna"))
}

func TestExplicitStopPreventsExpiryStop(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(20*time.Millisecond, n)
	defer tr.Shutdown()

	tr.Heartbeat("c1", "anna", "anna", true)
	tr.Heartbeat("c1", "anna", "anna", false)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, n.stopsFor("c1", "anna"))
}

func TestPurgeUser(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(time.Hour, n)
	defer tr.Shutdown()

	tr.Heartbeat("c1", "anna", "anna", true)
	tr.Heartbeat("c2", "anna", "anna", true)
	tr.Heartbeat("c1", "ben", "ben", true)

	tr.PurgeUser("anna")
	assert.Equal(t, 1, tr.ActiveCount())
	assert.Equal(t, 1, n.stopsFor("c1", "anna"))
	assert.Equal(t, 1, n.stopsFor("c2", "anna"))
	assert.Equal(t, 0, n.stopsFor("c1", "ben"))
}

func TestShutdownStopsSilently(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(time.Hour, n)

	tr.Heartbeat("c1", "anna", "anna", true)
	tr.Shutdown()

	assert.Equal(t, 0, tr.ActiveCount())
	assert.Equal(t, 0, n.stopsFor("c1", "anna"))
}
