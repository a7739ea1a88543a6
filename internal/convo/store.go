// Package convo maintains the ordered conversation list, unread counters,
// and the rendered message thread per conversation.
package convo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/bus"
	"github.com/crewchat/crew/internal/store"
)

const historyPageSize = 50

// HistoryLoader is the REST surface Select needs: advisory read receipts
// and paginated message history.
type HistoryLoader interface {
	MarkRead(ctx context.Context, conversationID int64) error
	Messages(ctx context.Context, conversationID int64, beforeTS int64, limit int) ([]store.Message, error)
}

// Cache is the local message store consulted when the server history
// fetch fails, so already-seen threads stay readable offline.
type Cache interface {
	ListMessages(conversationID int64, beforeTS int64, limit int) ([]store.Message, error)
}

// Store holds the in-memory conversation state for one session. The list
// is kept sorted by last-updated timestamp descending after every
// mutation; ties keep insertion order.
type Store struct {
	history HistoryLoader // optional
	cache   Cache         // optional
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	order    []*store.Conversation
	byID     map[int64]*store.Conversation
	threads  map[int64][]*store.Message
	selected int64
}

// NewStore creates an empty conversation store.
func NewStore(history HistoryLoader, cache Cache, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		history: history,
		cache:   cache,
		bus:     b,
		logger:  logger,
		byID:    make(map[int64]*store.Conversation),
		threads: make(map[int64][]*store.Message),
	}
}

// Bootstrap replaces the conversation set with the server's list.
func (s *Store) Bootstrap(convs []store.Conversation) {
	s.mu.Lock()
	s.order = s.order[:0]
	s.byID = make(map[int64]*store.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		s.order = append(s.order, &c)
		s.byID[c.ID] = &c
	}
	s.resortLocked()
	s.mu.Unlock()
	s.bus.Emit("conversation.list_changed", nil)
}

// Upsert adds or updates a conversation.
func (s *Store) Upsert(c store.Conversation) {
	s.mu.Lock()
	if existing, ok := s.byID[c.ID]; ok {
		*existing = c
	} else {
		added := c
		s.order = append(s.order, &added)
		s.byID[c.ID] = &added
	}
	s.resortLocked()
	s.mu.Unlock()
	s.bus.Emit("conversation.list_changed", nil)
}

// Remove deletes a conversation after an explicit delete confirmation.
func (s *Store) Remove(id int64) {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byID, id)
	delete(s.threads, id)
	for i, c := range s.order {
		if c.ID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.selected == id {
		s.selected = 0
	}
	s.mu.Unlock()
	s.bus.Emit("conversation.removed", id)
	s.bus.Emit("conversation.list_changed", nil)
}

// List returns a snapshot of the sorted conversation list.
func (s *Store) List() []store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Conversation, 0, len(s.order))
	for _, c := range s.order {
		out = append(out, *c)
	}
	return out
}

// Get returns a snapshot of one conversation, or nil if unknown.
func (s *Store) Get(id int64) *store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[id]; ok {
		snap := *c
		return &snap
	}
	return nil
}

// Selected returns the id of the open conversation, or 0.
func (s *Store) Selected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// IDs returns all known conversation ids, most recent first.
func (s *Store) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.order))
	for _, c := range s.order {
		ids = append(ids, c.ID)
	}
	return ids
}

// Select opens a conversation: the unread counter is zeroed immediately,
// the server mark-read is best-effort (a failure is logged, never rolled
// back), and the message history is loaded.
func (s *Store) Select(ctx context.Context, id int64) error {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown conversation %d", id)
	}
	s.selected = id
	c.UnreadCount = 0
	s.mu.Unlock()

	s.bus.Emit("conversation.selected", id)
	s.bus.Emit("conversation.list_changed", nil)

	if s.history != nil {
		if err := s.history.MarkRead(ctx, id); err != nil {
			// Read state is advisory; never blocks navigation.
			s.logger.Warn("mark read failed", zap.Int64("conversation", id), zap.Error(err))
		}
		msgs, err := s.history.Messages(ctx, id, 0, historyPageSize)
		if err == nil {
			s.setHistory(id, msgs)
			return nil
		}
		if s.cache == nil {
			return fmt.Errorf("load history: %w", err)
		}
		s.logger.Warn("history fetch failed, using cached messages",
			zap.Int64("conversation", id), zap.Error(err))
	}
	if s.cache == nil {
		return nil
	}
	msgs, err := s.cache.ListMessages(id, 0, historyPageSize)
	if err != nil {
		return fmt.Errorf("load cached history: %w", err)
	}
	s.setHistory(id, msgs)
	return nil
}

// setHistory installs fetched history (newest first) as the thread,
// keeping any still-unconfirmed local entries at the tail.
func (s *Store) setHistory(id int64, msgs []store.Message) {
	s.mu.Lock()
	thread := make([]*store.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		thread = append(thread, &m)
	}
	for _, m := range s.threads[id] {
		if m.ID == 0 {
			thread = append(thread, m)
		}
	}
	s.threads[id] = thread
	s.mu.Unlock()
	s.bus.Emit("conversation.history_loaded", id)
}

// ApplyIncoming folds an inbound message into the store: thread append
// (idempotent on render key), last-message snapshot, unread counter, and
// the ordering invariant.
func (s *Store) ApplyIncoming(m *store.Message) {
	s.mu.Lock()
	c, ok := s.byID[m.ConversationID]
	if !ok {
		c = &store.Conversation{ID: m.ConversationID}
		s.order = append(s.order, c)
		s.byID[c.ID] = c
	}

	key := m.RenderKey()
	replaced := false
	for i, existing := range s.threads[m.ConversationID] {
		if existing.RenderKey() == key {
			s.threads[m.ConversationID][i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		s.threads[m.ConversationID] = append(s.threads[m.ConversationID], m)
	}

	c.LastMessageAt = m.Timestamp
	c.LastMessagePreview = m.Content
	// A redelivered message only refreshes the thread entry; it was
	// already counted the first time around.
	if !replaced && !m.FromMe && m.ConversationID != s.selected {
		c.UnreadCount++
	}
	s.resortLocked()
	s.mu.Unlock()

	s.bus.Emit("message.upserted", m.RenderKey())
	s.bus.Emit("conversation.updated", m.ConversationID)
	s.bus.Emit("conversation.list_changed", nil)
}

// UpdateSnapshot refreshes the last-message snapshot and ordering without
// touching the thread or unread counter. Used after an optimistic entry
// is replaced in place.
func (s *Store) UpdateSnapshot(m *store.Message) {
	s.mu.Lock()
	c, ok := s.byID[m.ConversationID]
	if ok {
		c.LastMessageAt = m.Timestamp
		c.LastMessagePreview = m.Content
		s.resortLocked()
	}
	s.mu.Unlock()
	if ok {
		s.bus.Emit("conversation.updated", m.ConversationID)
		s.bus.Emit("conversation.list_changed", nil)
	}
}

// Thread returns a snapshot of the rendered messages for a conversation,
// oldest first.
func (s *Store) Thread(id int64) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, 0, len(s.threads[id]))
	for _, m := range s.threads[id] {
		out = append(out, *m)
	}
	return out
}

// AppendMessage adds a message to a conversation's thread without
// touching counters or ordering.
func (s *Store) AppendMessage(m *store.Message) {
	s.mu.Lock()
	s.threads[m.ConversationID] = append(s.threads[m.ConversationID], m)
	s.mu.Unlock()
	s.bus.Emit("message.upserted", m.RenderKey())
}

// ReplaceMessage swaps the thread entry carrying clientID for the
// confirmed message, in place. Returns false if no such entry exists.
func (s *Store) ReplaceMessage(conversationID int64, clientID string, confirmed *store.Message) bool {
	s.mu.Lock()
	found := false
	for i, m := range s.threads[conversationID] {
		if m.ID == 0 && m.ClientID == clientID {
			s.threads[conversationID][i] = confirmed
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.bus.Emit("message.replaced", clientID)
	}
	return found
}

// SetMessageStatus updates the send status of an optimistic entry.
func (s *Store) SetMessageStatus(conversationID int64, clientID, sendStatus string) {
	s.mu.Lock()
	for _, m := range s.threads[conversationID] {
		if m.ClientID == clientID {
			m.Status = sendStatus
			break
		}
	}
	s.mu.Unlock()
	s.bus.Emit("message.updated", clientID)
}

// ApplyReadReceipt marks a confirmed message as read. Receipts carry
// only the message id on the wire, so with conversationID zero the
// message is located by scanning all threads. Returns the id of the
// conversation holding the message, or 0 if it is not rendered.
func (s *Store) ApplyReadReceipt(conversationID, messageID int64) int64 {
	s.mu.Lock()
	var found int64
	if conversationID != 0 {
		if s.markReadLocked(conversationID, messageID) {
			found = conversationID
		}
	} else {
		for id := range s.threads {
			if s.markReadLocked(id, messageID) {
				found = id
				break
			}
		}
	}
	s.mu.Unlock()
	s.bus.Emit("message.read", messageID)
	return found
}

func (s *Store) markReadLocked(conversationID, messageID int64) bool {
	for _, m := range s.threads[conversationID] {
		if m.ID == messageID {
			m.Read = true
			return true
		}
	}
	return false
}

// resortLocked re-establishes the ordering invariant. The sort is stable
// so equal timestamps keep insertion order.
func (s *Store) resortLocked() {
	sort.SliceStable(s.order, func(i, j int) bool {
		return s.order[i].LastMessageAt > s.order[j].LastMessageAt
	})
}
