package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUnauthorizedFiresOnce(t *testing.T) {
	calls := 0
	s := NewSession(&StaticTokenSource{Value: "tok"}, func() { calls++ })

	s.Unauthorized()
	s.Unauthorized()
	s.Unauthorized()

	if calls != 1 {
		t.Errorf("unauthorized callback fired %d times, want 1", calls)
	}
}

func TestUnauthorizedNilCallback(t *testing.T) {
	s := NewSession(&StaticTokenSource{Value: "tok"}, nil)
	s.Unauthorized() // must not panic
}

func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  abc123\n"), 0600); err != nil {
		t.Fatal(err)
	}

	f := &FileTokenSource{Path: path}
	token, ok := f.Token()
	if !ok || token != "abc123" {
		t.Errorf("Token() = %q, %v, want abc123, true", token, ok)
	}
	if !f.IsAuthenticated() {
		t.Error("IsAuthenticated() = false, want true")
	}
}

func TestFileTokenSourceMissing(t *testing.T) {
	f := &FileTokenSource{Path: filepath.Join(t.TempDir(), "absent")}
	if _, ok := f.Token(); ok {
		t.Error("Token() reported ok for missing file")
	}
	if f.IsAuthenticated() {
		t.Error("IsAuthenticated() = true for missing file")
	}
}

func TestFileTokenSourceEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("   \n"), 0600); err != nil {
		t.Fatal(err)
	}
	f := &FileTokenSource{Path: path}
	if f.IsAuthenticated() {
		t.Error("IsAuthenticated() = true for blank token")
	}
}
