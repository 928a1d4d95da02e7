package accesskey

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func writeKeys(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestValid(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "access_keys.txt")
	writeKeys(t, path, "# staff keys\nplain-one\n\n  plain-two  \n"+string(hash)+"\n")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}

	tests := map[string]bool{
		"plain-one":     true,
		"plain-two":     true,
		"hashed-secret": true,
		"":              false,
		"plain":         false,
		"# staff keys":  false,
		string(hash):    false,
	}
	for key, want := range tests {
		if got := s.Valid(key); got != want {
			t.Errorf("Valid(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestOpen_MissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "missing.txt"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Valid("anything") {
		t.Error("empty store accepted a key")
	}
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	writeKeys(t, path, "old\n")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	writeKeys(t, path, "new\n")
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if s.Valid("old") || !s.Valid("new") {
		t.Error("Reload did not replace the key set")
	}

	os.Remove(path)
	if err := s.Reload(); err == nil {
		t.Error("Reload of a missing file should fail")
	}
	if !s.Valid("new") {
		t.Error("failed reload should keep the previous keys")
	}
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	writeKeys(t, path, "first\n")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeKeys(t, path, "second\n")
	deadline := time.Now().Add(5 * time.Second)
	for !s.Valid("second") {
		if time.Now().After(deadline) {
			t.Fatal("key file change was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "no_key"},
		{"x", "***"},
		{"ab", "a...b"},
		{"short", "s...t"},
		{"12345678", "1...8"},
		{"sk-abc123456789xyz", "sk-a...9xyz"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
