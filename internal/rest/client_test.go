package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/auth"
	"github.com/crewchat/crew/internal/store"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *auth.Session, *int) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logouts := 0
	session := auth.NewSession(&auth.StaticTokenSource{Value: "tok-1"}, func() { logouts++ })
	return NewClient(srv.URL, session, zap.NewNop()), session, &logouts
}

func TestConversationsSendsBearerToken(t *testing.T) {
	var gotAuth string
	c, _, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/conversations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]store.Conversation{{ID: 1, Name: "general"}})
	}))

	convs, err := c.Conversations(context.Background())
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if len(convs) != 1 || convs[0].Name != "general" {
		t.Fatalf("convs = %+v", convs)
	}
}

func TestMessagesPagination(t *testing.T) {
	c, _, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations/7/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("before"); got != "1000" {
			t.Errorf("before = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("limit = %q", got)
		}
		json.NewEncoder(w).Encode([]store.Message{{ID: 9, ConversationID: 7, Content: "hey"}})
	}))

	msgs, err := c.Messages(context.Background(), 7, 1000, 25)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 9 {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestUnauthorizedFiresLogoutOnce(t *testing.T) {
	c, _, logouts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	for i := 0; i < 3; i++ {
		if _, err := c.Conversations(context.Background()); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("err = %v, want ErrUnauthorized", err)
		}
	}
	if *logouts != 1 {
		t.Fatalf("logouts = %d, want exactly 1", *logouts)
	}
}

func TestNotFound(t *testing.T) {
	c, _, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if err := c.DeleteConversation(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestServerErrorCarriesMessage(t *testing.T) {
	c, _, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"message": "database busy"})
	}))

	err := c.MarkRead(context.Background(), 1)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.Status != 500 || se.Message != "database busy" {
		t.Fatalf("status error = %+v", se)
	}
}

func TestCreateConversation(t *testing.T) {
	c, _, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "design" {
			t.Errorf("body = %v", body)
		}
		json.NewEncoder(w).Encode(store.Conversation{ID: 3, Name: "design", IsGroup: true})
	}))

	conv, err := c.CreateConversation(context.Background(), "design", []int64{1, 2})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID != 3 || !conv.IsGroup {
		t.Fatalf("conv = %+v", conv)
	}
}

func TestUploadAttachment(t *testing.T) {
	c, _, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		if header.Filename != "notes.txt" {
			t.Errorf("filename = %s", header.Filename)
		}
		json.NewEncoder(w).Encode(store.Attachment{ID: 5, FileName: "notes.txt"})
	}))

	att, err := c.UploadAttachment(context.Background(), "notes.txt", strings.NewReader("contents"))
	if err != nil {
		t.Fatalf("UploadAttachment: %v", err)
	}
	if att.ID != 5 {
		t.Fatalf("attachment = %+v", att)
	}
}

func TestMe(t *testing.T) {
	c, _, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/me" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(store.User{ID: 42, Name: "me"})
	}))

	me, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.ID != 42 {
		t.Fatalf("me = %+v", me)
	}
}
