package notify

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/bus"
	"github.com/crewchat/crew/internal/store"
)

type fakeFocus struct{ focused bool }

func (f fakeFocus) HasFocus() bool { return f.focused }

type fakeSounder struct {
	plays int
	err   error
}

func (f *fakeSounder) Play() error {
	f.plays++
	return f.err
}

type fakeDesktop struct {
	perm     Permission
	requests int
	shown    []string
	showErr  error
}

func (f *fakeDesktop) Permission() Permission { return f.perm }

func (f *fakeDesktop) Request() Permission {
	f.requests++
	f.perm = PermissionGranted
	return f.perm
}

func (f *fakeDesktop) Show(title, body string) error {
	if f.showErr != nil {
		return f.showErr
	}
	f.shown = append(f.shown, title+": "+body)
	return nil
}

func testDispatcher(focused bool, sound *fakeSounder, desktop *fakeDesktop) *Dispatcher {
	return NewDispatcher(fakeFocus{focused: focused}, sound, desktop, bus.New(), zap.NewNop())
}

func incoming(content string) *store.Message {
	return &store.Message{ID: 1, ConversationID: 7, SenderName: "sam", Content: content, Timestamp: 100}
}

func TestNotifySuppressedWhileFocused(t *testing.T) {
	sound := &fakeSounder{}
	desktop := &fakeDesktop{perm: PermissionGranted}
	d := testDispatcher(true, sound, desktop)

	d.Notify(incoming("hi"), "")
	if sound.plays != 0 || len(desktop.shown) != 0 {
		t.Fatalf("focused app should suppress everything: plays=%d shown=%v", sound.plays, desktop.shown)
	}
}

func TestNotifySuppressedForOwnMessages(t *testing.T) {
	sound := &fakeSounder{}
	desktop := &fakeDesktop{perm: PermissionGranted}
	d := testDispatcher(false, sound, desktop)

	m := incoming("hi")
	m.FromMe = true
	d.Notify(m, "")
	if sound.plays != 0 || len(desktop.shown) != 0 {
		t.Fatal("own messages should never notify")
	}
}

func TestNotifyPlaysSoundAndShows(t *testing.T) {
	sound := &fakeSounder{}
	desktop := &fakeDesktop{perm: PermissionGranted}
	d := testDispatcher(false, sound, desktop)

	d.Notify(incoming("hello"), "")
	if sound.plays != 1 {
		t.Fatalf("plays = %d, want 1", sound.plays)
	}
	if len(desktop.shown) != 1 || desktop.shown[0] != "sam: hello" {
		t.Fatalf("shown = %v", desktop.shown)
	}
}

func TestNotifySwallowsSoundErrors(t *testing.T) {
	sound := &fakeSounder{err: errors.New("no audio device")}
	desktop := &fakeDesktop{perm: PermissionGranted}
	d := testDispatcher(false, sound, desktop)

	d.Notify(incoming("hello"), "")
	if len(desktop.shown) != 1 {
		t.Fatal("sound failure must not block the desktop notification")
	}
}

func TestPermissionRequestedLazilyOnce(t *testing.T) {
	sound := &fakeSounder{}
	desktop := &fakeDesktop{perm: PermissionDefault}
	d := testDispatcher(false, sound, desktop)

	d.Notify(incoming("one"), "")
	d.Notify(incoming("two"), "")
	if desktop.requests != 1 {
		t.Fatalf("requests = %d, want exactly 1", desktop.requests)
	}
	if len(desktop.shown) != 2 {
		t.Fatalf("shown = %v, want both messages after grant", desktop.shown)
	}
}

func TestDeniedPermissionSkipsDesktop(t *testing.T) {
	sound := &fakeSounder{}
	desktop := &fakeDesktop{perm: PermissionDenied}
	d := testDispatcher(false, sound, desktop)

	d.Notify(incoming("hi"), "")
	if sound.plays != 1 {
		t.Fatal("sound still plays when desktop permission is denied")
	}
	if len(desktop.shown) != 0 || desktop.requests != 0 {
		t.Fatal("denied permission must not show or re-request")
	}
}

func TestSenderNameFallbacks(t *testing.T) {
	sound := &fakeSounder{}
	desktop := &fakeDesktop{perm: PermissionGranted}
	d := testDispatcher(false, sound, desktop)

	m := incoming("hi")
	d.Notify(m, "directory name")
	if desktop.shown[0] != "directory name: hi" {
		t.Fatalf("shown = %v, want directory name to win", desktop.shown)
	}

	m2 := incoming("yo")
	m2.SenderName = ""
	d.Notify(m2, "")
	if desktop.shown[1] != "Conversation 7: yo" {
		t.Fatalf("shown = %v, want conversation fallback", desktop.shown)
	}
}
