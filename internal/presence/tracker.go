// Package presence tracks who is typing in which conversation and the
// cached online status of known users.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/crewchat/crew/internal/bus"
	"github.com/crewchat/crew/internal/store"
)

// Tracker maintains the typing sets and the user status cache. Typing
// indicators expire on their own so a peer that loses connectivity
// mid-keystroke does not stay "typing" forever.
type Tracker struct {
	bus    *bus.Bus
	expiry time.Duration

	mu     sync.Mutex
	typing map[int64]map[int64]*time.Timer // conversation -> user -> expiry timer
	status map[int64]string
}

func NewTracker(b *bus.Bus, expiry time.Duration) *Tracker {
	return &Tracker{
		bus:    b,
		expiry: expiry,
		typing: make(map[int64]map[int64]*time.Timer),
		status: make(map[int64]string),
	}
}

// OnTypingStart records a typist. A repeat start renews the expiry
// instead of adding a duplicate.
func (t *Tracker) OnTypingStart(conversationID, userID int64) {
	t.mu.Lock()
	typists, ok := t.typing[conversationID]
	if !ok {
		typists = make(map[int64]*time.Timer)
		t.typing[conversationID] = typists
	}
	if timer, ok := typists[userID]; ok {
		timer.Reset(t.expiry)
		t.mu.Unlock()
		return
	}
	typists[userID] = time.AfterFunc(t.expiry, func() {
		t.OnTypingStop(conversationID, userID)
	})
	t.mu.Unlock()
	t.bus.Emit("presence.typing_changed", conversationID)
}

// OnTypingStop clears a typist, either from an explicit stop event or
// from expiry.
func (t *Tracker) OnTypingStop(conversationID, userID int64) {
	t.mu.Lock()
	typists, ok := t.typing[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	timer, ok := typists[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	timer.Stop()
	delete(typists, userID)
	if len(typists) == 0 {
		delete(t.typing, conversationID)
	}
	t.mu.Unlock()
	t.bus.Emit("presence.typing_changed", conversationID)
}

// Typing returns the ids of users currently typing in a conversation,
// in stable order.
func (t *Tracker) Typing(conversationID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	typists := t.typing[conversationID]
	out := make([]int64, 0, len(typists))
	for id := range typists {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetStatus caches a user's online status.
func (t *Tracker) SetStatus(userID int64, status string) {
	t.mu.Lock()
	t.status[userID] = status
	t.mu.Unlock()
	t.bus.Emit("presence.status_changed", userID)
}

// Status returns a user's cached status; users never seen report offline.
func (t *Tracker) Status(userID int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.status[userID]; ok {
		return s
	}
	return store.PresenceOffline
}

// Reset drops all typing state, used when the connection is lost and
// server-side indicators can no longer be trusted.
func (t *Tracker) Reset() {
	t.mu.Lock()
	for conv, typists := range t.typing {
		for _, timer := range typists {
			timer.Stop()
		}
		delete(t.typing, conv)
	}
	t.mu.Unlock()
	t.bus.Emit("presence.typing_changed", int64(0))
}
