// Package connwatch tracks whether the external services a tutor depends
// on are reachable: the class material store and, when self-hosted, the
// model endpoint.
//
// Each watcher probes its service in two phases. At startup it retries
// with exponential backoff (2s, 4s, 8s, ... capped at 60s); afterwards it
// polls on a fixed interval and logs every up/down transition. Results
// feed the /health endpoint and never block a tutoring turn.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the defaults of
// [DefaultBackoff].
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries bounds the startup phase.
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s doubling to 60s over 10 startup attempts,
// then a probe every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// ServiceStatus is the health of one watched service as reported by
// GET /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	name    string
	probeFn ProbeFunc
	backoff Backoff
	logger  *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered its last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{Name: w.name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for attempt := 1; attempt <= w.backoff.MaxRetries; attempt++ {
		if w.check(ctx) == nil {
			w.logger.Info("service connected", "service", w.name, "after_attempts", attempt)
			break
		}
		if attempt == w.backoff.MaxRetries {
			w.logger.Warn("service unreachable at startup, polling in background",
				"service", w.name, "attempts", attempt, "error", w.Status().LastError)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.MaxDelay)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasReady := w.ready.Load()
			err := w.check(ctx)
			switch {
			case wasReady && err != nil:
				w.logger.Warn("service became unreachable", "service", w.name, "error", err)
			case !wasReady && err == nil:
				w.logger.Info("service recovered", "service", w.name)
			}
		}
	}
}

// check runs one probe and records its outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()
	err := w.probeFn(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	w.ready.Store(err == nil)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers keyed by service name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts probing a service in the background until ctx is
// cancelled or Stop is called. Name must be non-empty and probe non-nil.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) *Watcher {
	if name == "" || probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probeFn: probe,
		backoff: b.withDefaults(),
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()
	return w
}

// Services returns the status of every watched service ordered by name.
func (m *Manager) Services() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
