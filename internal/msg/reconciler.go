// Package msg reconciles optimistic local messages with their
// server-confirmed counterparts.
package msg

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/convo"
	"github.com/crewchat/crew/internal/store"
)

// Reconciler tracks pending optimistic messages per conversation and
// replaces them when the server echoes the confirmed message back.
type Reconciler struct {
	convos *convo.Store
	logger *zap.Logger

	mu      sync.Mutex
	pending map[int64][]*store.Message // per conversation, oldest first
}

func NewReconciler(convos *convo.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		convos:  convos,
		logger:  logger,
		pending: make(map[int64][]*store.Message),
	}
}

// TrackOutgoing creates an optimistic message for a local send and
// appends it to the conversation thread. The returned message carries a
// fresh client id and pending status.
func (r *Reconciler) TrackOutgoing(conversationID int64, content string, attachments []store.Attachment) *store.Message {
	m := &store.Message{
		ClientID:       uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Kind:           store.KindText,
		Attachments:    attachments,
		Timestamp:      time.Now().UnixMilli(),
		FromMe:         true,
		Status:         store.StatusPending,
	}
	if len(attachments) > 0 {
		m.Kind = store.KindFile
	}

	r.mu.Lock()
	r.pending[conversationID] = append(r.pending[conversationID], m)
	r.mu.Unlock()

	r.convos.AppendMessage(m)
	return m
}

// Confirm matches a server-confirmed own message against the pending
// set. If the server echoed our client id the match is exact; otherwise
// the earliest pending message with the same content in the same
// conversation wins. Returns the client id of the replaced optimistic
// entry, or "" when nothing matched.
func (r *Reconciler) Confirm(confirmed *store.Message, clientID string) string {
	r.mu.Lock()
	queue := r.pending[confirmed.ConversationID]
	idx := -1
	for i, p := range queue {
		if clientID != "" && p.ClientID == clientID {
			idx = i
			break
		}
		if clientID == "" && p.Content == confirmed.Content {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return ""
	}
	matched := queue[idx]
	r.pending[confirmed.ConversationID] = append(queue[:idx], queue[idx+1:]...)
	r.mu.Unlock()

	confirmed.FromMe = true
	confirmed.Status = store.StatusConfirmed
	if !r.convos.ReplaceMessage(confirmed.ConversationID, matched.ClientID, confirmed) {
		r.logger.Warn("pending message missing from thread",
			zap.Int64("conversation", confirmed.ConversationID),
			zap.String("clientId", matched.ClientID))
		r.convos.ApplyIncoming(confirmed)
		return matched.ClientID
	}
	r.convos.UpdateSnapshot(confirmed)
	return matched.ClientID
}

// MarkFailed flags an optimistic message as failed and drops it from the
// pending set so a later echo cannot match it.
func (r *Reconciler) MarkFailed(conversationID int64, clientID string) {
	r.mu.Lock()
	queue := r.pending[conversationID]
	for i, p := range queue {
		if p.ClientID == clientID {
			r.pending[conversationID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.convos.SetMessageStatus(conversationID, clientID, store.StatusFailed)
}

// PendingCount reports how many optimistic messages await confirmation
// in a conversation.
func (r *Reconciler) PendingCount(conversationID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[conversationID])
}
