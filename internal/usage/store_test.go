package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, TurnID: "t1", ClassSelection: "bio", Lesson: "cells.txt", Provider: "openai", Model: "gpt", Iteration: 1, InputTokens: 1000, OutputTokens: 50},
		{Timestamp: now, TurnID: "t1", ClassSelection: "bio", Lesson: "cells.txt", Provider: "openai", Model: "gpt", Iteration: 2, InputTokens: 1500, OutputTokens: 200},
		{Timestamp: now, TurnID: "t2", ClassSelection: "chem", Lesson: "bonds.txt", Provider: "openai", Model: "gpt", Iteration: 1, InputTokens: 800, OutputTokens: 100},
		{Timestamp: now.Add(-48 * time.Hour), TurnID: "old", ClassSelection: "bio", Provider: "openai", Model: "gpt", Iteration: 1, InputTokens: 5, OutputTokens: 5},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Invocations != 3 || sum.Turns != 2 {
		t.Errorf("invocations/turns = %d/%d, want 3/2", sum.Invocations, sum.Turns)
	}
	if sum.TotalInputTokens != 3300 || sum.TotalOutputTokens != 350 {
		t.Errorf("tokens = %d/%d", sum.TotalInputTokens, sum.TotalOutputTokens)
	}

	byClass, err := s.SummaryByClass(ctx, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if bio := byClass["bio"]; bio == nil || bio.Invocations != 2 || bio.Turns != 1 || bio.TotalInputTokens != 2500 {
		t.Errorf("bio = %+v", byClass["bio"])
	}
	if chem := byClass["chem"]; chem == nil || chem.TotalOutputTokens != 100 {
		t.Errorf("chem = %+v", byClass["chem"])
	}

	byLesson, err := s.SummaryByLesson(ctx, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(byLesson) != 2 {
		t.Errorf("lessons = %v", byLesson)
	}
}

func TestSummary_Empty(t *testing.T) {
	s := testStore(t)
	sum, err := s.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Invocations != 0 || sum.TotalInputTokens != 0 {
		t.Errorf("empty summary = %+v", sum)
	}
}

func TestRecord_GeneratesID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.Record(ctx, Record{TurnID: "t", Provider: "ollama", Model: "m"}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	byModel, err := s.SummaryByModel(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if byModel["m"] == nil || byModel["m"].Invocations != 2 {
		t.Errorf("byModel = %+v", byModel)
	}
}
