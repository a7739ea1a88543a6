// Package auth adapts the external authentication collaborator: it supplies
// the bearer token and funnels every unauthorized signal (auth_error
// envelope, REST 401) into a single logout hook.
package auth

import (
	"os"
	"strings"
	"sync"
)

// TokenSource supplies the bearer token for the current session.
type TokenSource interface {
	// Token returns the bearer token and whether one is available.
	Token() (string, bool)
	// IsAuthenticated reports whether the session has valid credentials.
	IsAuthenticated() bool
}

// Session binds a token source to the unauthorized callback. The callback
// fires at most once per session regardless of how many collaborators
// report the failure.
type Session struct {
	tokens         TokenSource
	onUnauthorized func()
	once           sync.Once
}

// NewSession creates a session wrapper. onUnauthorized may be nil.
func NewSession(tokens TokenSource, onUnauthorized func()) *Session {
	return &Session{tokens: tokens, onUnauthorized: onUnauthorized}
}

// Token returns the current bearer token.
func (s *Session) Token() (string, bool) {
	return s.tokens.Token()
}

// IsAuthenticated reports whether credentials are available.
func (s *Session) IsAuthenticated() bool {
	return s.tokens.IsAuthenticated()
}

// Unauthorized fires the logout hook exactly once.
func (s *Session) Unauthorized() {
	s.once.Do(func() {
		if s.onUnauthorized != nil {
			s.onUnauthorized()
		}
	})
}

// FileTokenSource reads the bearer token written by the login flow.
type FileTokenSource struct {
	Path string
}

// Token reads and trims the token file.
func (f *FileTokenSource) Token() (string, bool) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(data))
	return token, token != ""
}

// IsAuthenticated reports whether the token file holds a non-empty token.
func (f *FileTokenSource) IsAuthenticated() bool {
	_, ok := f.Token()
	return ok
}

// StaticTokenSource holds a fixed token.
type StaticTokenSource struct {
	Value string
}

func (s *StaticTokenSource) Token() (string, bool) { return s.Value, s.Value != "" }

func (s *StaticTokenSource) IsAuthenticated() bool { return s.Value != "" }
