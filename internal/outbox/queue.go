// Package outbox buffers send requests issued while the connection is
// down and replays them in submission order on reconnect.
package outbox

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/bus"
	"github.com/crewchat/crew/internal/conn"
	"github.com/crewchat/crew/internal/observability"
	"github.com/crewchat/crew/internal/store"
)

// Queue is the in-memory FIFO of unsent messages. Entries are mirrored to
// the durable outbox table (when a store is attached) so messages composed
// offline survive a daemon restart.
type Queue struct {
	db     *store.DB // optional
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	entries []store.OutboxEntry
}

// NewQueue creates a queue. db may be nil (no durability).
func NewQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{db: db, bus: b, logger: logger}
}

// Enqueue appends an entry to the buffer and persists it.
func (q *Queue) Enqueue(e store.OutboxEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.mu.Unlock()

	if q.db != nil {
		if err := q.db.QueueOutbox(&e); err != nil {
			q.logger.Error("failed to persist outbox entry", zap.Error(err), zap.String("client_id", e.ClientID))
		}
	}
	observability.SetOutboxDepth(depth)
	observability.ObserveSend("queued")
	q.bus.Emit("message.queued", e.ClientID)
}

// Load restores still-queued entries from the durable outbox, oldest first.
func (q *Queue) Load() error {
	if q.db == nil {
		return nil
	}
	pending, err := q.db.PendingOutbox()
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.entries = append(q.entries, pending...)
	depth := len(q.entries)
	q.mu.Unlock()
	observability.SetOutboxDepth(depth)
	return nil
}

// Len returns the number of buffered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Flush delivers every buffered entry in submission order, exactly once
// each, then clears the buffer. If the connection drops mid-flush the
// undelivered remainder is re-buffered for the next reconnect; any other
// delivery error marks that entry failed and continues.
func (q *Queue) Flush(deliver func(store.OutboxEntry) error) {
	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	var requeue []store.OutboxEntry
	for i, e := range pending {
		err := deliver(e)
		if err == nil {
			if q.db != nil {
				if dbErr := q.db.MarkOutboxSent(e.ClientID); dbErr != nil {
					q.logger.Error("failed to mark outbox sent", zap.Error(dbErr), zap.String("client_id", e.ClientID))
				}
			}
			observability.ObserveSend("sent")
			continue
		}
		if errors.Is(err, conn.ErrNotConnected) {
			// Connection dropped mid-flush; keep this and the rest queued.
			requeue = pending[i:]
			break
		}
		q.logger.Error("failed to deliver queued message", zap.Error(err), zap.String("client_id", e.ClientID))
		if q.db != nil {
			if dbErr := q.db.MarkOutboxFailed(e.ClientID, err.Error()); dbErr != nil {
				q.logger.Error("failed to mark outbox failed", zap.Error(dbErr), zap.String("client_id", e.ClientID))
			}
		}
		observability.ObserveSend("failed")
		q.bus.Emit("message.send_failed", e.ClientID)
	}

	q.mu.Lock()
	if len(requeue) > 0 {
		q.entries = append(append([]store.OutboxEntry{}, requeue...), q.entries...)
	}
	depth := len(q.entries)
	q.mu.Unlock()

	observability.SetOutboxDepth(depth)
	if depth == 0 {
		q.bus.Emit("message.queue_flushed", len(pending))
	}
}
