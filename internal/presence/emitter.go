package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/envelope"
)

// Emitter debounces the local user's typing signals: the first keystroke
// in a conversation sends typing_start, and typing_stop follows once the
// keystrokes pause for the debounce window.
type Emitter struct {
	send     func(envelope.Envelope) error
	debounce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	active map[int64]*time.Timer
}

func NewEmitter(send func(envelope.Envelope) error, debounce time.Duration, logger *zap.Logger) *Emitter {
	return &Emitter{
		send:     send,
		debounce: debounce,
		logger:   logger,
		active:   make(map[int64]*time.Timer),
	}
}

// Keystroke notes input activity in a conversation. Repeated keystrokes
// within the debounce window only push the stop signal further out.
func (e *Emitter) Keystroke(conversationID int64) {
	e.mu.Lock()
	if timer, ok := e.active[conversationID]; ok {
		timer.Reset(e.debounce)
		e.mu.Unlock()
		return
	}
	e.active[conversationID] = time.AfterFunc(e.debounce, func() {
		e.Stop(conversationID)
	})
	e.mu.Unlock()
	e.emit(envelope.TypeTypingStart, conversationID)
}

// Stop ends the typing signal immediately, used on send or when the
// debounce window lapses.
func (e *Emitter) Stop(conversationID int64) {
	e.mu.Lock()
	timer, ok := e.active[conversationID]
	if !ok {
		e.mu.Unlock()
		return
	}
	timer.Stop()
	delete(e.active, conversationID)
	e.mu.Unlock()
	e.emit(envelope.TypeTypingStop, conversationID)
}

func (e *Emitter) emit(typ string, conversationID int64) {
	env, err := envelope.New(typ, envelope.TypingPayload{ConversationID: conversationID})
	if err != nil {
		e.logger.Warn("encode typing envelope", zap.Error(err))
		return
	}
	// Typing signals are ephemeral; a send failure is not worth surfacing.
	if err := e.send(env); err != nil {
		e.logger.Debug("typing signal dropped", zap.Int64("conversation", conversationID), zap.Error(err))
	}
}
