package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRegistry_CreateGetRemove(t *testing.T) {
	r := NewRegistry(Config{}, nil)

	s := r.Create()
	if s.Key == "" {
		t.Fatal("empty session key")
	}
	if s.Ledger == nil || s.Ledger.CurrentID() == "" {
		t.Fatal("new session should have a ledger with a conversation")
	}

	got, ok := r.Get(s.Key)
	if !ok || got != s {
		t.Fatalf("Get(%q) = %v, %v", s.Key, got, ok)
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("Get(unknown) ok")
	}

	if !r.Remove(s.Key) {
		t.Error("Remove returned false for live session")
	}
	if r.Remove(s.Key) {
		t.Error("second Remove returned true")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestRegistry_CleanupIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(Config{IdleTimeout: time.Hour}, nil)
	r.now = func() time.Time { return now }

	stale := r.Create()
	now = now.Add(50 * time.Minute)
	fresh := r.Create()
	now = now.Add(20 * time.Minute)

	if n := r.CleanupIdle(); n != 1 {
		t.Fatalf("CleanupIdle = %d, want 1", n)
	}
	if _, ok := r.Get(stale.Key); ok {
		t.Error("stale session survived")
	}
	if _, ok := r.Get(fresh.Key); !ok {
		t.Error("fresh session evicted")
	}
}

func TestRegistry_GetRefreshesActivity(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(Config{IdleTimeout: time.Hour}, nil)
	r.now = func() time.Time { return now }

	s := r.Create()
	now = now.Add(45 * time.Minute)
	r.Get(s.Key)
	now = now.Add(45 * time.Minute)

	if n := r.CleanupIdle(); n != 0 {
		t.Errorf("CleanupIdle = %d, want 0", n)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := r.Create()
			r.Get(s.Key)
			r.CleanupIdle()
			r.Remove(s.Key)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	r := NewRegistry(Config{SweepInterval: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSession_BeginTurn(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	s := r.Create()

	release, ok := s.BeginTurn()
	if !ok {
		t.Fatal("first BeginTurn failed")
	}
	if _, ok := s.BeginTurn(); ok {
		t.Fatal("second BeginTurn should fail while busy")
	}
	release()
	if _, ok := s.BeginTurn(); !ok {
		t.Fatal("BeginTurn after release failed")
	}
}

func TestSession_RateLimit(t *testing.T) {
	r := NewRegistry(Config{RequestsPerMinute: 2}, nil)
	s := r.Create()
	if !s.Allow() || !s.Allow() {
		t.Fatal("burst of 2 should be allowed")
	}
	if s.Allow() {
		t.Error("third request within the minute should be limited")
	}

	unlimited := NewRegistry(Config{}, nil).Create()
	for i := 0; i < 100; i++ {
		if !unlimited.Allow() {
			t.Fatal("unlimited session was limited")
		}
	}
}

func TestSession_Selection(t *testing.T) {
	s := NewRegistry(Config{}, nil).Create()
	sel := Selection{Class: "bio", Lesson: "cells.txt", ActionPlan: "socratic.txt"}
	s.Select(sel)
	if got := s.Selection(); got != sel {
		t.Errorf("Selection = %+v", got)
	}
}
