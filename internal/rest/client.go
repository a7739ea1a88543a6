// Package rest is the HTTP client for the chat server's REST surface:
// conversation listing, message history, read receipts, attachment
// uploads, and the user directory.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/auth"
	"github.com/crewchat/crew/internal/store"
)

// ErrUnauthorized reports a rejected bearer token. The session's logout
// hook has already been fired by the time it is returned.
var ErrUnauthorized = errors.New("rest: unauthorized")

// ErrNotFound reports a missing resource.
var ErrNotFound = errors.New("rest: not found")

// StatusError carries a non-2xx response the client has no specific
// error for.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("rest: server returned %d", e.Status)
}

// Client talks to the chat server's REST API with the session's bearer
// token.
type Client struct {
	baseURL string
	session *auth.Session
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, session *auth.Session, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Conversations fetches the full conversation list.
func (c *Client) Conversations(ctx context.Context) ([]store.Conversation, error) {
	var out []store.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches a page of history for a conversation, newest first.
// beforeTS narrows to messages older than the given timestamp; 0 means
// the latest page.
func (c *Client) Messages(ctx context.Context, conversationID int64, beforeTS int64, limit int) ([]store.Message, error) {
	q := url.Values{}
	if beforeTS > 0 {
		q.Set("before", strconv.FormatInt(beforeTS, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []store.Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation starts a conversation with the given participants.
func (c *Client) CreateConversation(ctx context.Context, name string, participantIDs []int64) (*store.Conversation, error) {
	body := map[string]any{"name": name, "participantIds": participantIDs}
	var out store.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/conversations/%d", conversationID), nil, nil)
}

// MarkRead tells the server the conversation has been read. Callers
// treat failures as advisory.
func (c *Client) MarkRead(ctx context.Context, conversationID int64) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conversationID), nil, nil)
}

// Users fetches the user directory.
func (c *Client) Users(ctx context.Context) ([]store.User, error) {
	var out []store.User
	if err := c.doJSON(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Me fetches the authenticated user's own record.
func (c *Client) Me(ctx context.Context) (*store.User, error) {
	var out store.User
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadAttachment streams a file to the server and returns the stored
// attachment record for use in a later send.
func (c *Client) UploadAttachment(ctx context.Context, filename string, r io.Reader) (*store.Attachment, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/attachments", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out store.Attachment
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token, ok := c.session.Token(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.session.Unauthorized()
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// readErrorMessage pulls the server's {"message": ...} body when present.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
