// Package content reads instructor-authored class material: scenarios,
// lessons (conundrums), action plans and reference content, laid out as
//
//	classes/<class>/scenario.txt
//	classes/<class>/conundrums/<lesson>
//	classes/<class>/actionplans/<plan>
//	classes/<class>/<content_dir>/<key>.txt
//
// on either the local filesystem or a WebDAV share.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-webdav"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name  string
	IsDir bool
}

// Store is a read-only tree of text files addressed by slash-separated
// paths relative to its root.
type Store interface {
	// Fetch returns the file at p. ok is false when it does not exist
	// or cannot be read; Fetch never fails otherwise.
	Fetch(ctx context.Context, p string) (text string, ok bool)
	// List returns the entries of directory dir, sorted by name.
	List(ctx context.Context, dir string) ([]Entry, error)
}

// ErrNotFound reports a missing class, lesson or action plan.
var ErrNotFound = errors.New("not found")

// FSStore serves files from a local directory.
type FSStore struct {
	root   string
	logger *slog.Logger
}

// NewFSStore returns a store rooted at root.
func NewFSStore(root string, logger *slog.Logger) *FSStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSStore{root: root, logger: logger}
}

// Fetch implements Store.
func (s *FSStore) Fetch(_ context.Context, p string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(p)))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("content read failed", "path", p, "error", err)
		}
		return "", false
	}
	return string(data), true
}

// List implements Store.
func (s *FSStore) List(_ context.Context, dir string) ([]Entry, error) {
	des, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(dir)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("list %s: %w", dir, ErrNotFound)
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		entries = append(entries, Entry{Name: de.Name(), IsDir: de.IsDir()})
	}
	return entries, nil
}

// WebDAVStore serves files from a WebDAV collection.
type WebDAVStore struct {
	client   *webdav.Client
	basePath string
	logger   *slog.Logger
}

// NewWebDAVStore connects to the collection at endpoint. Empty username
// disables basic auth.
func NewWebDAVStore(endpoint, username, password string, hc *http.Client, logger *slog.Logger) (*WebDAVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var httpClient webdav.HTTPClient = hc
	if username != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(hc, username, password)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("webdav endpoint: %w", err)
	}
	c, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("webdav client: %w", err)
	}
	return &WebDAVStore{
		client:   c,
		basePath: path.Clean("/" + u.Path),
		logger:   logger.With("backend", "webdav"),
	}, nil
}

// Fetch implements Store. Relative names resolve against the endpoint
// path.
func (s *WebDAVStore) Fetch(ctx context.Context, p string) (string, bool) {
	rc, err := s.client.Open(ctx, p)
	if err != nil {
		s.logger.Debug("content open failed", "path", p, "error", err)
		return "", false
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		s.logger.Warn("content read failed", "path", p, "error", err)
		return "", false
	}
	return string(data), true
}

// List implements Store.
func (s *WebDAVStore) List(ctx context.Context, dir string) ([]Entry, error) {
	self := path.Join(s.basePath, dir)
	infos, err := s.client.ReadDir(ctx, strings.TrimSuffix(dir, "/")+"/", false)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		p := path.Clean(fi.Path)
		if p == self {
			continue
		}
		entries = append(entries, Entry{Name: path.Base(p), IsDir: fi.IsDir})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ValidName reports whether name is usable as a single path element:
// non-empty, no separators, not hidden and not a parent reference.
func ValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}
