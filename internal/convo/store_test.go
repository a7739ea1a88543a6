package convo

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/bus"
	"github.com/crewchat/crew/internal/store"
)

type fakeHistory struct {
	markReadErr   error
	markReadCalls []int64
	msgs          []store.Message
	msgsErr       error
}

func (f *fakeHistory) MarkRead(_ context.Context, id int64) error {
	f.markReadCalls = append(f.markReadCalls, id)
	return f.markReadErr
}

func (f *fakeHistory) Messages(_ context.Context, _ int64, _ int64, _ int) ([]store.Message, error) {
	return f.msgs, f.msgsErr
}

type fakeCache struct {
	msgs []store.Message
	err  error
}

func (f *fakeCache) ListMessages(_ int64, _ int64, _ int) ([]store.Message, error) {
	return f.msgs, f.err
}

func testStore(t *testing.T, h HistoryLoader) *Store {
	t.Helper()
	return NewStore(h, nil, bus.New(), zap.NewNop())
}

func TestOrderingNewestFirstStableTies(t *testing.T) {
	s := testStore(t, nil)
	s.Bootstrap([]store.Conversation{
		{ID: 1, Name: "alpha", LastMessageAt: 100},
		{ID: 2, Name: "beta", LastMessageAt: 100},
		{ID: 3, Name: "gamma", LastMessageAt: 300},
	})

	got := s.List()
	wantIDs := []int64{3, 1, 2}
	for i, want := range wantIDs {
		if got[i].ID != want {
			t.Fatalf("position %d: got conversation %d, want %d", i, got[i].ID, want)
		}
	}

	s.ApplyIncoming(&store.Message{ID: 10, ConversationID: 2, Content: "hi", Timestamp: 400})
	got = s.List()
	if got[0].ID != 2 {
		t.Fatalf("conversation 2 should move to the top, got %d", got[0].ID)
	}
}

func TestApplyIncomingUnreadCounting(t *testing.T) {
	s := testStore(t, nil)
	s.Bootstrap([]store.Conversation{
		{ID: 1, LastMessageAt: 100},
		{ID: 2, LastMessageAt: 50},
	})
	if err := s.Select(context.Background(), 1); err != nil {
		t.Fatalf("select: %v", err)
	}

	// Selected conversation: no unread increment.
	s.ApplyIncoming(&store.Message{ID: 10, ConversationID: 1, Content: "a", Timestamp: 200})
	// Background conversation: increments.
	s.ApplyIncoming(&store.Message{ID: 11, ConversationID: 2, Content: "b", Timestamp: 201})
	s.ApplyIncoming(&store.Message{ID: 12, ConversationID: 2, Content: "c", Timestamp: 202})
	// Own message never counts as unread.
	s.ApplyIncoming(&store.Message{ID: 13, ConversationID: 2, Content: "d", Timestamp: 203, FromMe: true})

	if got := s.Get(1).UnreadCount; got != 0 {
		t.Fatalf("selected conversation unread = %d, want 0", got)
	}
	if got := s.Get(2).UnreadCount; got != 2 {
		t.Fatalf("background conversation unread = %d, want 2", got)
	}
	if got := s.Get(2).LastMessagePreview; got != "d" {
		t.Fatalf("preview = %q, want %q", got, "d")
	}
}

func TestSelectZeroesUnreadDespiteMarkReadFailure(t *testing.T) {
	h := &fakeHistory{markReadErr: errors.New("boom")}
	s := testStore(t, h)
	s.Bootstrap([]store.Conversation{{ID: 1, UnreadCount: 5, LastMessageAt: 100}})

	if err := s.Select(context.Background(), 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := s.Get(1).UnreadCount; got != 0 {
		t.Fatalf("unread = %d, want 0 even when mark-read fails", got)
	}
	if len(h.markReadCalls) != 1 || h.markReadCalls[0] != 1 {
		t.Fatalf("markRead calls = %v, want [1]", h.markReadCalls)
	}
}

func TestSelectLoadsHistoryKeepingPendingEntries(t *testing.T) {
	h := &fakeHistory{msgs: []store.Message{
		{ID: 12, ConversationID: 1, Content: "newer", Timestamp: 200},
		{ID: 11, ConversationID: 1, Content: "older", Timestamp: 100},
	}}
	s := testStore(t, h)
	s.Bootstrap([]store.Conversation{{ID: 1, LastMessageAt: 200}})
	s.AppendMessage(&store.Message{ClientID: "temp-1", ConversationID: 1, Content: "draft", Status: store.StatusPending})

	if err := s.Select(context.Background(), 1); err != nil {
		t.Fatalf("select: %v", err)
	}

	thread := s.Thread(1)
	if len(thread) != 3 {
		t.Fatalf("thread length = %d, want 3", len(thread))
	}
	if thread[0].ID != 11 || thread[1].ID != 12 {
		t.Fatalf("history should render oldest first, got %d then %d", thread[0].ID, thread[1].ID)
	}
	if thread[2].ClientID != "temp-1" {
		t.Fatalf("pending entry should survive history load, got %+v", thread[2])
	}
}

func TestSelectFallsBackToCachedHistory(t *testing.T) {
	h := &fakeHistory{msgsErr: errors.New("network down")}
	c := &fakeCache{msgs: []store.Message{
		{ID: 12, ConversationID: 1, Content: "newer", Timestamp: 200},
		{ID: 11, ConversationID: 1, Content: "older", Timestamp: 100},
	}}
	s := NewStore(h, c, bus.New(), zap.NewNop())
	s.Bootstrap([]store.Conversation{{ID: 1, LastMessageAt: 200}})

	if err := s.Select(context.Background(), 1); err != nil {
		t.Fatalf("select should fall back to cached messages: %v", err)
	}
	thread := s.Thread(1)
	if len(thread) != 2 || thread[0].ID != 11 || thread[1].ID != 12 {
		t.Fatalf("thread = %+v, want cached history oldest first", thread)
	}
}

func TestSelectWithoutCachePropagatesHistoryError(t *testing.T) {
	h := &fakeHistory{msgsErr: errors.New("network down")}
	s := testStore(t, h)
	s.Bootstrap([]store.Conversation{{ID: 1, LastMessageAt: 200}})

	if err := s.Select(context.Background(), 1); err == nil {
		t.Fatal("select should surface the history error when no cache is configured")
	}
}

func TestApplyIncomingIdempotentOnRedelivery(t *testing.T) {
	s := testStore(t, nil)
	s.Bootstrap([]store.Conversation{{ID: 1, LastMessageAt: 100}})

	m := &store.Message{ID: 7, ConversationID: 1, Content: "hello", Timestamp: 150}
	s.ApplyIncoming(m)
	s.ApplyIncoming(m)

	if got := len(s.Thread(1)); got != 1 {
		t.Fatalf("thread length = %d after redelivery, want 1", got)
	}
	if got := s.Get(1).UnreadCount; got != 1 {
		t.Fatalf("unread = %d after redelivery, want 1", got)
	}
}

func TestApplyReadReceiptResolvesConversation(t *testing.T) {
	s := testStore(t, nil)
	s.Bootstrap([]store.Conversation{{ID: 1, LastMessageAt: 100}, {ID: 2, LastMessageAt: 50}})
	s.ApplyIncoming(&store.Message{ID: 7, ConversationID: 2, Content: "hello", Timestamp: 150})

	// Receipts carry only the message id on the wire.
	if got := s.ApplyReadReceipt(0, 7); got != 2 {
		t.Fatalf("resolved conversation = %d, want 2", got)
	}
	if thread := s.Thread(2); !thread[0].Read {
		t.Fatal("message should be marked read")
	}
	if got := s.ApplyReadReceipt(0, 999); got != 0 {
		t.Fatalf("unknown message resolved to conversation %d, want 0", got)
	}
}

func TestReplaceMessageSwapsOptimisticEntry(t *testing.T) {
	s := testStore(t, nil)
	s.Bootstrap([]store.Conversation{{ID: 1, LastMessageAt: 100}})
	s.AppendMessage(&store.Message{ClientID: "temp-1", ConversationID: 1, Content: "hi", Status: store.StatusPending})

	confirmed := &store.Message{ID: 42, ConversationID: 1, Content: "hi", Timestamp: 200}
	if !s.ReplaceMessage(1, "temp-1", confirmed) {
		t.Fatal("ReplaceMessage should find the optimistic entry")
	}
	thread := s.Thread(1)
	if len(thread) != 1 || thread[0].ID != 42 {
		t.Fatalf("thread = %+v, want single confirmed message 42", thread)
	}
	if s.ReplaceMessage(1, "temp-1", confirmed) {
		t.Fatal("second replace should report no match")
	}
}

func TestRemoveClearsSelection(t *testing.T) {
	s := testStore(t, nil)
	s.Bootstrap([]store.Conversation{{ID: 1, LastMessageAt: 100}, {ID: 2, LastMessageAt: 50}})
	if err := s.Select(context.Background(), 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	s.Remove(1)
	if s.Selected() != 0 {
		t.Fatalf("selected = %d after removing selected conversation, want 0", s.Selected())
	}
	if got := len(s.List()); got != 1 {
		t.Fatalf("list length = %d, want 1", got)
	}
}
