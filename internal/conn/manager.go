// Package conn owns the duplex connection to the chat server: dialing,
// reconnection with linear backoff, keepalive, and inbound envelope
// delivery to a registered handler.
package conn

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/auth"
	"github.com/crewchat/crew/internal/bus"
	"github.com/crewchat/crew/internal/envelope"
	"github.com/crewchat/crew/internal/observability"
	"github.com/crewchat/crew/internal/status"
)

// ErrNotConnected is returned by Send while the connection is down.
var ErrNotConnected = errors.New("not connected")

// Handler receives every well-formed inbound envelope.
type Handler func(envelope.Envelope)

// Config holds the connection policy.
type Config struct {
	// URL is the websocket endpoint; the bearer token is appended as a
	// query parameter so the server authenticates before any application
	// data is accepted.
	URL string
	// MaxAttempts bounds consecutive automatic reconnects.
	MaxAttempts int
	// BaseDelay scales the linear backoff: attempt n waits BaseDelay*n.
	BaseDelay time.Duration
	// KeepaliveInterval is the ping cadence while connected. Zero disables it.
	KeepaliveInterval time.Duration
}

// ReconnectInfo is the payload of conn.reconnect_scheduled events.
type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}

// Manager owns the websocket lifecycle. Each successful or attempted dial
// bumps a generation counter; goroutines belonging to a superseded
// generation detach silently, so a stale connection's close can never
// trigger a duplicate reconnect cycle.
type Manager struct {
	cfg     Config
	session *auth.Session
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.Mutex
	handler   Handler
	ws        *websocket.Conn
	gen       int
	attempts  int
	reconnect *time.Timer
	stopped   bool
}

// NewManager creates a connection manager. Connect must be called to dial.
func NewManager(cfg Config, session *auth.Session, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Manager{
		cfg:     cfg,
		session: session,
		machine: machine,
		bus:     b,
		logger:  logger,
	}
}

// RegisterHandler sets the inbound envelope handler.
func (m *Manager) RegisterHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Connect dials the server. It is idempotent: any previous connection is
// closed and its handlers detached first. A manual Connect also restarts
// a manager that has given up.
func (m *Manager) Connect() error {
	m.mu.Lock()
	m.stopped = false
	m.gen++
	gen := m.gen
	m.detachLocked()
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connecting)

	token, ok := m.session.Token()
	if !ok {
		m.logger.Warn("no bearer token available, forcing logout")
		m.GiveUp()
		m.session.Unauthorized()
		return errors.New("no bearer token")
	}

	target, err := dialURL(m.cfg.URL, token)
	if err != nil {
		m.GiveUp()
		return fmt.Errorf("connection url: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err))
		m.scheduleReconnect(gen)
		return err
	}

	m.mu.Lock()
	if gen != m.gen || m.stopped {
		// Superseded by a newer Connect or a Close while dialing.
		m.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	m.ws = ws
	m.attempts = 0
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connected)
	m.logger.Info("connected", zap.String("url", m.cfg.URL))
	m.bus.Emit("conn.connected", nil)

	go m.readLoop(gen, ws)
	go m.keepalive(gen)
	return nil
}

// Send writes an envelope to the transport. Returns ErrNotConnected while
// the connection is down; callers queue instead.
func (m *Manager) Send(env envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ws == nil || m.machine.Current() != status.Connected {
		return ErrNotConnected
	}
	return m.ws.WriteJSON(env)
}

// GiveUp terminally stops the connection: no reconnect is ever scheduled
// until a manual Connect. Used for authentication failures and exhausted
// retry budgets.
func (m *Manager) GiveUp() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	m.detachLocked()
	m.mu.Unlock()
	_ = m.machine.Transition(status.GivenUp)
}

// Close tears the connection down and cancels all timers, e.g. when the
// messaging view is left. Unlike GiveUp it returns to Disconnected.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	m.detachLocked()
	m.mu.Unlock()
	_ = m.machine.Transition(status.Disconnected)
}

// detachLocked closes the current socket and stops the reconnect timer.
// Goroutines of the old generation observe the gen bump and exit.
func (m *Manager) detachLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.ws != nil {
		_ = m.ws.Close()
		m.ws = nil
	}
}

func (m *Manager) readLoop(gen int, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := gen != m.gen || m.stopped
			if !stale && m.ws == ws {
				m.ws = nil
			}
			m.mu.Unlock()
			if stale {
				return
			}
			m.logger.Warn("connection closed", zap.Error(err))
			m.bus.Emit("conn.disconnected", nil)
			m.scheduleReconnect(gen)
			return
		}

		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			observability.ObserveMalformedEnvelope()
			m.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		observability.ObserveEnvelope(env.Type)

		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (m *Manager) keepalive(gen int) {
	if m.cfg.KeepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		live := gen == m.gen && m.ws != nil && !m.stopped
		m.mu.Unlock()
		if !live {
			return
		}
		ping, _ := envelope.New(envelope.TypePing, nil)
		if err := m.Send(ping); err != nil {
			// The read loop notices the broken socket and reconnects.
			return
		}
	}
}

// scheduleReconnect arms the linear-backoff timer for the given generation,
// or gives up once the attempt budget is spent.
func (m *Manager) scheduleReconnect(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if attempt > m.cfg.MaxAttempts {
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted", zap.Int("max_attempts", m.cfg.MaxAttempts))
		_ = m.machine.Transition(status.GivenUp)
		m.bus.Emit("conn.gave_up", nil)
		m.bus.Emit("notify.persistent", "Connection lost. Reload to reconnect.")
		return
	}
	delay := m.cfg.BaseDelay * time.Duration(attempt)
	// Transition before arming the timer so the timer's Connect always
	// observes Reconnecting.
	_ = m.machine.Transition(status.Reconnecting)
	m.reconnect = time.AfterFunc(delay, func() { _ = m.Connect() })
	m.mu.Unlock()

	observability.ObserveReconnect()
	m.logger.Warn("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.bus.Emit("conn.reconnect_scheduled", ReconnectInfo{Attempt: attempt, Delay: delay})
}

func dialURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
