// Package typing holds the ephemeral typing-indicator state. Nothing
// here is persisted; if a client goes silent the per-entry idle timer
// expires the indicator so the other side never sees a stuck
// "is typing" banner.
package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/metrics"
	"github.com/duochat/duochat/internal/v1/types"
)

// Notifier receives typing transitions to fan out to the room. The
// tracker is the single owner of stop semantics: for every started
// indicator, exactly one isTyping=false notification is emitted, whether
// it comes from an explicit stop, the idle timer, or a disconnect sweep.
type Notifier interface {
	TypingChanged(conversationID types.ConversationID, userID types.UserID, username string, isTyping bool)
}

type key struct {
	conversation types.ConversationID
	user         types.UserID
}

type entry struct {
	timer    *time.Timer
	username string
}

// Tracker keyed by (conversation, user) with one idle timer per entry.
type Tracker struct {
	mu       sync.Mutex
	idle     time.Duration
	entries  map[key]*entry
	notifier Notifier
}

func NewTracker(idle time.Duration, notifier Notifier) *Tracker {
	return &Tracker{
		idle:     idle,
		entries:  make(map[key]*entry),
		notifier: notifier,
	}
}

// Heartbeat processes a typing heartbeat. isTyping=true upserts the
// entry, resets its idle timer, and notifies the room; repeated
// heartbeats keep notifying so late joiners still see the indicator.
// isTyping=false clears the entry and notifies false, but only when an
// entry actually existed.
func (t *Tracker) Heartbeat(conversationID types.ConversationID, userID types.UserID, username string, isTyping bool) {
	k := key{conversation: conversationID, user: userID}

	t.mu.Lock()
	if isTyping {
		if e, ok := t.entries[k]; ok {
			e.timer.Stop()
			e.timer = t.newIdleTimer(k)
			e.username = username
		} else {
			t.entries[k] = &entry{timer: t.newIdleTimer(k), username: username}
		}
		t.mu.Unlock()
		t.notifier.TypingChanged(conversationID, userID, username, true)
		return
	}

	e, ok := t.entries[k]
	if ok {
		e.timer.Stop()
		delete(t.entries, k)
	}
	t.mu.Unlock()

	if ok {
		t.notifier.TypingChanged(conversationID, userID, username, false)
	}
}

// PurgeUser clears every indicator the user holds and notifies each
// room. Called when the user's session disconnects.
func (t *Tracker) PurgeUser(userID types.UserID) {
	type expired struct {
		conversation types.ConversationID
		username     string
	}

	t.mu.Lock()
	var cleared []expired
	for k, e := range t.entries {
		if k.user != userID {
			continue
		}
		e.timer.Stop()
		delete(t.entries, k)
		cleared = append(cleared, expired{conversation: k.conversation, username: e.username})
	}
	t.mu.Unlock()

	for _, ex := range cleared {
		t.notifier.TypingChanged(ex.conversation, userID, ex.username, false)
	}
}

// ActiveCount returns the number of live indicators.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Shutdown stops all timers without emitting notifications.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}

// newIdleTimer arms the expiry for an entry. Caller holds t.mu. The
// fired callback re-checks the map under the lock so a heartbeat that
// raced the expiry wins: a reset entry holds a different timer and the
// stale fire is discarded.
func (t *Tracker) newIdleTimer(k key) *time.Timer {
	var tm *time.Timer
	tm = time.AfterFunc(t.idle, func() {
		t.mu.Lock()
		e, ok := t.entries[k]
		if !ok || e.timer != tm {
			t.mu.Unlock()
			return
		}
		delete(t.entries, k)
		username := e.username
		t.mu.Unlock()

		metrics.TypingExpirations.Inc()
		logging.GetLogger().Debug("Typing indicator expired",
			zap.String("userId", string(k.user)),
			zap.String("conversationId", string(k.conversation)))
		t.notifier.TypingChanged(k.conversation, k.user, username, false)
	})
	return tm
}
