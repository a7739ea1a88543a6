// Package notify decides whether an inbound message warrants a desktop
// notification and sound, and dispatches them through pluggable surfaces.
package notify

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/bus"
	"github.com/crewchat/crew/internal/store"
)

// Permission mirrors the desktop notification permission states.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Focus reports whether the application currently has the user's
// attention.
type Focus interface {
	HasFocus() bool
}

// Sounder plays the notification sound. Play errors are swallowed: audio
// is never allowed to break message handling.
type Sounder interface {
	Play() error
}

// Desktop is the system notification surface.
type Desktop interface {
	Permission() Permission
	Request() Permission
	Show(title, body string) error
}

// Dispatcher applies the notification policy: suppress for own messages
// and while focused, request desktop permission lazily on the first
// eligible message, and never fail the caller.
type Dispatcher struct {
	focus   Focus
	sound   Sounder
	desktop Desktop
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.Mutex
	requested bool
}

func NewDispatcher(focus Focus, sound Sounder, desktop Desktop, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{focus: focus, sound: sound, desktop: desktop, bus: b, logger: logger}
}

// Notify handles one inbound message. senderName may come from the user
// directory when the message itself lacks it.
func (d *Dispatcher) Notify(m *store.Message, senderName string) {
	if m.FromMe || d.focus.HasFocus() {
		return
	}

	if err := d.sound.Play(); err != nil {
		d.logger.Debug("notification sound failed", zap.Error(err))
	}

	perm := d.desktop.Permission()
	if perm == PermissionDefault {
		d.mu.Lock()
		first := !d.requested
		d.requested = true
		d.mu.Unlock()
		if first {
			perm = d.desktop.Request()
		}
	}
	if perm != PermissionGranted {
		return
	}

	title := senderName
	if title == "" {
		title = m.SenderName
	}
	if title == "" {
		title = fmt.Sprintf("Conversation %d", m.ConversationID)
	}
	if err := d.desktop.Show(title, m.Content); err != nil {
		d.logger.Warn("desktop notification failed", zap.Error(err))
		return
	}
	d.bus.Emit("notify.shown", m.RenderKey())
}

// NoFocus is the daemon default: with no attached front-end the user is
// never considered focused.
type NoFocus struct{}

func (NoFocus) HasFocus() bool { return false }

// NopSounder discards sound requests.
type NopSounder struct{}

func (NopSounder) Play() error { return nil }

// BusDesktop publishes notifications on the event bus for an attached
// front-end to render; permission is implicitly granted.
type BusDesktop struct {
	Bus *bus.Bus
}

// DesktopNotification is the payload published for each notification.
type DesktopNotification struct {
	Title string
	Body  string
}

func (BusDesktop) Permission() Permission { return PermissionGranted }
func (BusDesktop) Request() Permission    { return PermissionGranted }

func (b BusDesktop) Show(title, body string) error {
	b.Bus.Emit("notify.desktop", DesktopNotification{Title: title, Body: body})
	return nil
}
