// Package accesskey gates chat requests behind a file of shared access
// keys. Each non-blank line of the file is one key, either in plaintext
// or as a bcrypt hash ("$2a$...", "$2b$..." or "$2y$..."). Lines
// starting with # are comments.
package accesskey

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

type keySet struct {
	plain  [][]byte
	hashes [][]byte
}

// Store holds the current key set. It is safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	keys keySet
}

// Open reads the key file at path. A missing file yields an empty store
// that rejects every key; it is picked up once created if Watch runs.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Warn("access key file not found, all keys will be rejected", "path", path)
	}
	return s, nil
}

// Reload re-reads the key file, replacing the current set on success.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read access keys: %w", err)
	}
	keys := parse(data)

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()

	s.logger.Info("access keys loaded", "path", s.path, "plain", len(keys.plain), "hashed", len(keys.hashes))
	return nil
}

func parse(data []byte) keySet {
	var ks keySet
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "$2") {
			ks.hashes = append(ks.hashes, []byte(line))
			continue
		}
		ks.plain = append(ks.plain, []byte(line))
	}
	return ks
}

// Len returns the number of keys loaded.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys.plain) + len(s.keys.hashes)
}

// Valid reports whether key matches an entry of the key file.
func (s *Store) Valid(key string) bool {
	if key == "" {
		return false
	}
	s.mu.RLock()
	keys := s.keys
	s.mu.RUnlock()

	k := []byte(key)
	for _, p := range keys.plain {
		if subtle.ConstantTimeCompare(p, k) == 1 {
			return true
		}
	}
	for _, h := range keys.hashes {
		if bcrypt.CompareHashAndPassword(h, k) == nil {
			return true
		}
	}
	return false
}

// Watch reloads the key file whenever it changes until ctx is
// cancelled. The parent directory is watched so that files replaced by
// rename are followed.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go s.watch(ctx, w)
	return nil
}

func (s *Store) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()
	target := filepath.Clean(s.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("access key reload failed, keeping previous keys", "path", s.path, "error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("access key watcher error", "error", err)
		}
	}
}

// Redact masks key for logging: the first and last four characters of
// long keys, first and last character of keys up to eight characters.
func Redact(key string) string {
	switch {
	case key == "":
		return "no_key"
	case len(key) == 1:
		return "***"
	case len(key) <= 8:
		return key[:1] + "..." + key[len(key)-1:]
	default:
		return key[:4] + "..." + key[len(key)-4:]
	}
}
