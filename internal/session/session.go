// Package session tracks the live student sessions of the server. Each
// session owns a conversation ledger, the class selection of its most
// recent request, and a per-session request limiter. Sessions live only
// in memory and are evicted after a period of inactivity.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tutorbot/tutorbot/internal/conversation"
)

// Selection is the class material a student last worked with.
type Selection struct {
	Class      string `json:"class_selection"`
	Lesson     string `json:"lesson"`
	ActionPlan string `json:"action_plan"`
}

// Session is one student's server-side state.
type Session struct {
	Key       string
	CreatedAt time.Time
	Ledger    *conversation.Ledger

	limiter *rate.Limiter
	busy    atomic.Bool

	mu           sync.Mutex
	selection    Selection
	lastActivity time.Time
}

func newSession(key string, now time.Time, limiter *rate.Limiter) *Session {
	return &Session{
		Key:          key,
		CreatedAt:    now,
		Ledger:       conversation.NewLedger(),
		limiter:      limiter,
		lastActivity: now,
	}
}

// Touch marks the session as active at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns when the session was last used.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Select records the class material of the current request.
func (s *Session) Select(sel Selection) {
	s.mu.Lock()
	s.selection = sel
	s.mu.Unlock()
}

// Selection returns the most recently recorded class material.
func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// BeginTurn claims the session for one turn. It returns false without
// blocking if another turn is already in flight; otherwise the caller
// must call the returned release func when the turn ends.
func (s *Session) BeginTurn() (release func(), ok bool) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { s.busy.Store(false) }, true
}

// Allow reports whether the session may make another request now. A
// session without a limiter is never limited.
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}
