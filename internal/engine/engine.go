// Package engine wires the duplex channel, the outbound queue, the
// reconciler, and the conversation state into one message-handling core.
package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/auth"
	"github.com/crewchat/crew/internal/bus"
	"github.com/crewchat/crew/internal/conn"
	"github.com/crewchat/crew/internal/convo"
	"github.com/crewchat/crew/internal/envelope"
	"github.com/crewchat/crew/internal/msg"
	"github.com/crewchat/crew/internal/notify"
	"github.com/crewchat/crew/internal/outbox"
	"github.com/crewchat/crew/internal/presence"
	"github.com/crewchat/crew/internal/status"
	"github.com/crewchat/crew/internal/store"
)

// Conn is the connection surface the engine drives.
type Conn interface {
	Connect() error
	Send(envelope.Envelope) error
	GiveUp()
	State() status.State
	RegisterHandler(conn.Handler)
}

// API is the REST surface used to refresh server state after the channel
// confirms authentication. May be nil when no refresh is wanted.
type API interface {
	Conversations(ctx context.Context) ([]store.Conversation, error)
	CreateConversation(ctx context.Context, name string, participantIDs []int64) (*store.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID int64) error
	Users(ctx context.Context) ([]store.User, error)
	Me(ctx context.Context) (*store.User, error)
}

// Params collects the engine's collaborators.
type Params struct {
	Conn     Conn
	API      API       // optional
	DB       *store.DB // optional
	Session  *auth.Session
	Queue    *outbox.Queue
	Rec      *msg.Reconciler
	Convos   *convo.Store
	Presence *presence.Tracker
	Notify   *notify.Dispatcher
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Engine routes inbound envelopes to the right component and runs the
// outbound send path.
type Engine struct {
	conn     Conn
	api      API
	db       *store.DB
	session  *auth.Session
	queue    *outbox.Queue
	rec      *msg.Reconciler
	convos   *convo.Store
	presence *presence.Tracker
	notify   *notify.Dispatcher
	typing   *presence.Emitter
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	selfID int64
	names  map[int64]string

	unsub func()
}

func New(p Params, typing *presence.Emitter) *Engine {
	return &Engine{
		conn:     p.Conn,
		api:      p.API,
		db:       p.DB,
		session:  p.Session,
		queue:    p.Queue,
		rec:      p.Rec,
		convos:   p.Convos,
		presence: p.Presence,
		notify:   p.Notify,
		typing:   typing,
		bus:      p.Bus,
		logger:   p.Logger,
		names:    make(map[int64]string),
	}
}

// Start attaches the engine to the connection and begins watching
// connection events. It does not dial; the caller decides when to
// Connect.
func (e *Engine) Start() {
	e.warmStart()
	e.conn.RegisterHandler(e.handle)

	events, cancel := e.bus.Subscribe("conn.", 16)
	e.unsub = cancel
	go func() {
		for evt := range events {
			if evt.Kind == "conn.disconnected" || evt.Kind == "conn.gave_up" {
				// Server-side typing state is stale the moment the socket drops.
				e.presence.Reset()
			}
		}
	}()
}

// warmStart seeds conversations and the user directory from the local
// cache so there is something to render before the first server refresh.
func (e *Engine) warmStart() {
	if e.db == nil {
		return
	}
	convs, err := e.db.ListConversations(0, 0)
	if err != nil {
		e.logger.Warn("load cached conversations failed", zap.Error(err))
	} else if len(convs) > 0 {
		e.convos.Bootstrap(convs)
		e.logger.Info("conversations loaded from cache", zap.Int("count", len(convs)))
	}
	users, err := e.db.ListUsers()
	if err != nil {
		e.logger.Warn("load cached users failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	for _, u := range users {
		e.names[u.ID] = u.Name
	}
	e.mu.Unlock()
}

// Stop detaches the connection event watcher.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
}

// SelfID returns the local user id learned from the server, or 0 before
// the first connection_established.
func (e *Engine) SelfID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// Send queues a message for a conversation. The optimistic entry appears
// in the thread immediately; delivery happens now when connected,
// otherwise on the next reconnect flush.
func (e *Engine) Send(conversationID int64, content string, attachments []store.Attachment) *store.Message {
	m := e.rec.TrackOutgoing(conversationID, content, attachments)
	e.typing.Stop(conversationID)

	ids := make([]int64, 0, len(attachments))
	for _, a := range attachments {
		ids = append(ids, a.ID)
	}
	e.queue.Enqueue(store.OutboxEntry{
		ClientID:       m.ClientID,
		ConversationID: conversationID,
		Content:        content,
		AttachmentIDs:  ids,
	})
	if e.conn.State() == status.Connected {
		e.queue.Flush(e.deliver)
	}
	return m
}

// Select opens a conversation.
func (e *Engine) Select(ctx context.Context, conversationID int64) error {
	return e.convos.Select(ctx, conversationID)
}

// Keystroke forwards local typing activity to the debounced emitter.
func (e *Engine) Keystroke(conversationID int64) {
	e.typing.Keystroke(conversationID)
}

// CreateConversation starts a new conversation on the server and begins
// tracking it locally.
func (e *Engine) CreateConversation(ctx context.Context, name string, participantIDs []int64) (*store.Conversation, error) {
	if e.api == nil {
		return nil, errors.New("no api client configured")
	}
	c, err := e.api.CreateConversation(ctx, name, participantIDs)
	if err != nil {
		return nil, err
	}
	e.convos.Upsert(*c)
	if e.db != nil {
		if err := e.db.UpsertConversation(c); err != nil {
			e.logger.Warn("cache conversation failed", zap.Error(err))
		}
	}
	if e.conn.State() == status.Connected {
		if join, err := envelope.New(envelope.TypeJoin, envelope.JoinPayload{ConversationID: c.ID}); err == nil {
			if err := e.conn.Send(join); err != nil {
				e.logger.Warn("join failed", zap.Int64("conversation", c.ID), zap.Error(err))
			}
		}
	}
	return c, nil
}

// DeleteConversation removes a conversation everywhere after the server
// confirms the delete.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID int64) error {
	if e.api == nil {
		return errors.New("no api client configured")
	}
	if err := e.api.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	e.convos.Remove(conversationID)
	if e.db != nil {
		if err := e.db.DeleteConversation(conversationID); err != nil {
			e.logger.Warn("evict conversation failed", zap.Error(err))
		}
	}
	return nil
}

// deliver sends one queued entry over the live channel.
func (e *Engine) deliver(entry store.OutboxEntry) error {
	env, err := envelope.New(envelope.TypeSendMessage, envelope.SendMessagePayload{
		ConversationID: entry.ConversationID,
		Content:        entry.Content,
		AttachmentIDs:  entry.AttachmentIDs,
		ClientID:       entry.ClientID,
	})
	if err != nil {
		return err
	}
	if err := e.conn.Send(env); err != nil {
		if !errors.Is(err, conn.ErrNotConnected) {
			e.rec.MarkFailed(entry.ConversationID, entry.ClientID)
			e.bus.Emit("notify.toast", "message could not be sent")
		}
		return err
	}
	return nil
}

func (e *Engine) handle(env envelope.Envelope) {
	switch env.Type {
	case envelope.TypeConnectionEstablished:
		e.onEstablished(env)
	case envelope.TypeAuthError:
		e.onAuthError()
	case envelope.TypeNewMessage:
		e.onNewMessage(env)
	case envelope.TypeTypingStart, envelope.TypeTypingStop:
		e.onTyping(env)
	case envelope.TypeUserStatus:
		e.onUserStatus(env)
	case envelope.TypeMessageRead:
		e.onMessageRead(env)
	case envelope.TypePing:
		pong, _ := envelope.New(envelope.TypePong, nil)
		if err := e.conn.Send(pong); err != nil {
			e.logger.Debug("pong dropped", zap.Error(err))
		}
	case envelope.TypePong:
		// Keepalive reply, nothing to do.
	case envelope.TypeError:
		var payload envelope.ErrorPayload
		if err := env.Decode(&payload); err == nil && payload.Message != "" {
			e.bus.Emit("notify.toast", payload.Message)
		}
	default:
		e.logger.Debug("unhandled envelope", zap.String("type", env.Type))
	}
}

// onEstablished runs the reconnect ritual: learn the local user id,
// refresh server state, rejoin every conversation, then flush the queue
// exactly once.
func (e *Engine) onEstablished(env envelope.Envelope) {
	var payload envelope.ConnectionEstablishedPayload
	if err := env.Decode(&payload); err == nil && payload.UserID != 0 {
		e.mu.Lock()
		e.selfID = payload.UserID
		e.mu.Unlock()
	}

	go func() {
		e.refresh()
		for _, id := range e.convos.IDs() {
			join, err := envelope.New(envelope.TypeJoin, envelope.JoinPayload{ConversationID: id})
			if err != nil {
				continue
			}
			if err := e.conn.Send(join); err != nil {
				e.logger.Warn("join failed", zap.Int64("conversation", id), zap.Error(err))
				return
			}
		}
		e.queue.Flush(e.deliver)
		e.bus.Emit("conn.ready", nil)
	}()
}

// refresh pulls the authoritative conversation list and user directory.
func (e *Engine) refresh() {
	if e.api == nil {
		return
	}
	ctx := context.Background()

	if e.SelfID() == 0 {
		if me, err := e.api.Me(ctx); err != nil {
			e.logger.Warn("fetch self failed", zap.Error(err))
		} else {
			e.mu.Lock()
			e.selfID = me.ID
			e.mu.Unlock()
		}
	}

	convs, err := e.api.Conversations(ctx)
	if err != nil {
		e.logger.Warn("refresh conversations failed", zap.Error(err))
	} else {
		e.convos.Bootstrap(convs)
		if e.db != nil {
			for i := range convs {
				if err := e.db.UpsertConversation(&convs[i]); err != nil {
					e.logger.Warn("cache conversation failed", zap.Error(err))
				}
			}
		}
	}

	users, err := e.api.Users(ctx)
	if err != nil {
		e.logger.Warn("refresh users failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	for _, u := range users {
		e.names[u.ID] = u.Name
	}
	e.mu.Unlock()
	if e.db != nil {
		for i := range users {
			if err := e.db.UpsertUser(&users[i]); err != nil {
				e.logger.Warn("cache user failed", zap.Error(err))
			}
		}
	}
}

// onAuthError is terminal: stop reconnecting and fire the logout hook.
func (e *Engine) onAuthError() {
	e.conn.GiveUp()
	e.session.Unauthorized()
	e.bus.Emit("session.expired", nil)
}

func (e *Engine) onNewMessage(env envelope.Envelope) {
	var payload envelope.MessagePayload
	if err := env.Decode(&payload); err != nil {
		e.logger.Warn("bad new_message payload", zap.Error(err))
		return
	}
	m := payload.Message
	if m.ConversationID == 0 {
		m.ConversationID = payload.ConversationID
	}
	m.FromMe = m.SenderID == e.SelfID() && e.SelfID() != 0
	m.Status = store.StatusConfirmed

	var matched string
	if m.FromMe {
		matched = e.rec.Confirm(&m, payload.ClientID)
	}
	if matched != "" {
		if e.db != nil {
			if err := e.db.MarkOutboxConfirmed(matched, m.ID); err != nil {
				e.logger.Warn("confirm outbox failed", zap.Error(err))
			}
			if err := e.db.ReplaceMessage(m.ConversationID, matched, &m); err != nil {
				e.logger.Warn("cache confirmed message failed", zap.Error(err))
			}
		}
	} else {
		// A message can land before the refresh knows its conversation;
		// the cache may still have the metadata from a previous run.
		if e.convos.Get(m.ConversationID) == nil && e.db != nil {
			if cached, err := e.db.GetConversation(m.ConversationID); err == nil && cached != nil {
				e.convos.Upsert(*cached)
			}
		}
		e.convos.ApplyIncoming(&m)
		if e.db != nil {
			if err := e.db.UpsertMessage(&m); err != nil {
				e.logger.Warn("cache message failed", zap.Error(err))
			}
		}
	}

	if c := e.convos.Get(m.ConversationID); c != nil && e.db != nil {
		if err := e.db.UpsertConversation(c); err != nil {
			e.logger.Warn("cache conversation failed", zap.Error(err))
		}
	}

	e.notify.Notify(&m, e.name(m.SenderID))
}

func (e *Engine) onTyping(env envelope.Envelope) {
	var payload envelope.TypingPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	if payload.UserID == e.SelfID() {
		return
	}
	if env.Type == envelope.TypeTypingStart {
		e.presence.OnTypingStart(payload.ConversationID, payload.UserID)
	} else {
		e.presence.OnTypingStop(payload.ConversationID, payload.UserID)
	}
}

func (e *Engine) onUserStatus(env envelope.Envelope) {
	var payload envelope.StatusPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	e.presence.SetStatus(payload.UserID, payload.Status)
	if e.db != nil {
		u := store.User{ID: payload.UserID, Status: payload.Status}
		if err := e.db.UpsertUser(&u); err != nil {
			e.logger.Warn("cache user status failed", zap.Error(err))
		}
	}
}

func (e *Engine) onMessageRead(env envelope.Envelope) {
	var payload envelope.ReadPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	conversationID := e.convos.ApplyReadReceipt(payload.ConversationID, payload.MessageID)
	if conversationID == 0 {
		conversationID = payload.ConversationID
	}
	if e.db != nil && conversationID != 0 {
		if err := e.db.MarkMessageRead(conversationID, payload.MessageID); err != nil {
			e.logger.Warn("cache read receipt failed", zap.Error(err))
		}
	}
}

// name resolves a display name from the in-memory directory, falling
// back to the cache for users not seen since the last refresh.
func (e *Engine) name(userID int64) string {
	e.mu.Lock()
	n := e.names[userID]
	e.mu.Unlock()
	if n != "" || e.db == nil {
		return n
	}
	u, err := e.db.GetUser(userID)
	if err != nil || u == nil {
		return ""
	}
	e.mu.Lock()
	e.names[userID] = u.Name
	e.mu.Unlock()
	return u.Name
}
