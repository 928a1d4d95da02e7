package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config controls session lifetime and request limits.
type Config struct {
	// IdleTimeout evicts sessions unused for this long. Default: 1 hour.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are looked for.
	// Default: 1 minute.
	SweepInterval time.Duration

	// RequestsPerMinute bounds chat requests per session. Zero disables
	// the limit.
	RequestsPerMinute int
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Registry is the process-wide set of live sessions, safe for
// concurrent use.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session under a fresh random key.
func (r *Registry) Create() *Session {
	var limiter *rate.Limiter
	if r.cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.cfg.RequestsPerMinute)), r.cfg.RequestsPerMinute)
	}
	s := newSession(uuid.NewString(), r.now(), limiter)

	r.mu.Lock()
	r.sessions[s.Key] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session created", "session_key", s.Key, "sessions", n)
	return s
}

// Get returns the session for key and marks it active.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		s.Touch(r.now())
	}
	return s, ok
}

// Remove deletes the session for key, reporting whether it existed.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	_, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if ok {
		r.logger.Info("session removed", "session_key", key)
	}
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CleanupIdle removes sessions idle longer than the configured timeout
// and returns how many were removed.
func (r *Registry) CleanupIdle() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			delete(r.sessions, key)
			removed++
			r.logger.Debug("session expired", "session_key", key)
		}
	}
	if removed > 0 {
		r.logger.Info("expired idle sessions", "removed", removed, "remaining", len(r.sessions))
	}
	return removed
}

// Run sweeps idle sessions every SweepInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("session sweeper stopped")
			return
		case <-ticker.C:
			r.CleanupIdle()
		}
	}
}
