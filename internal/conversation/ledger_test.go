package conversation

import (
	"sync"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func TestAppend_MonotonicIDs(t *testing.T) {
	l := NewLedger()
	var last int
	for i := 0; i < 5; i++ {
		id := l.Append(RoleUser, "q")
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
	if last != 5 {
		t.Errorf("fifth id = %d, want 5", last)
	}
}

func TestAppend_IDWraparound(t *testing.T) {
	l := NewLedger()
	l.current.nextID = maxMessageID

	if id := l.Append(RoleUser, "a"); id != maxMessageID {
		t.Errorf("id = %d, want %d", id, maxMessageID)
	}
	if id := l.Append(RoleAssistant, "b"); id != 1 {
		t.Errorf("id after wrap = %d, want 1", id)
	}
}

func TestNewConversation_ResetsCounter(t *testing.T) {
	l := NewLedger()
	l.Append(RoleUser, "a")
	l.Append(RoleAssistant, "b")
	l.StartNewConversation()
	if id := l.Append(RoleUser, "c"); id != 1 {
		t.Errorf("first id in new conversation = %d, want 1", id)
	}
}

func TestDisplayMessages_OnlyVisible(t *testing.T) {
	l := NewLedger()
	l.Append(RoleAssistant, "<SSR_requesting_content>...</SSR_requesting_content>")
	l.Append(RoleUser, "Loaded SSR Content a for this request only.")
	l.AppendVisible(RoleUser, "what is x?", "what is x?")
	l.AppendVisible(RoleAssistant, "<raw/>", "x is y")
	l.AppendVisible(RoleAssistant, "empty", "")

	all := l.AllMessages()
	if len(all) != 5 {
		t.Fatalf("AllMessages len = %d, want 5", len(all))
	}
	disp := l.DisplayMessages()
	want := []Turn{
		{RoleUser, "what is x?"},
		{RoleAssistant, "x is y"},
		{RoleAssistant, ""},
	}
	if len(disp) != len(want) {
		t.Fatalf("DisplayMessages = %v", disp)
	}
	for i := range want {
		if disp[i] != want[i] {
			t.Errorf("display[%d] = %v, want %v", i, disp[i], want[i])
		}
	}
	if got := l.TotalDisplayContentBytes(); got != len("what is x?")+len("x is y") {
		t.Errorf("TotalDisplayContentBytes = %d", got)
	}
}

func TestTotalDisplayContentBytes_UTF8(t *testing.T) {
	l := NewLedger()
	l.AppendVisible(RoleUser, "x", "héllo") // é is two bytes
	if got := l.TotalDisplayContentBytes(); got != 6 {
		t.Errorf("bytes = %d, want 6", got)
	}
}

func TestPruneOldestPair(t *testing.T) {
	tests := []struct {
		name    string
		roles   []Role
		wantOK  bool
		wantLen int
		first   Role
	}{
		{"empty", nil, false, 0, ""},
		{"only user", []Role{RoleUser, RoleUser}, false, 2, RoleUser},
		{"pair", []Role{RoleUser, RoleAssistant, RoleUser, RoleAssistant}, true, 2, RoleUser},
		{"assistant first", []Role{RoleAssistant, RoleAssistant, RoleUser}, true, 1, RoleAssistant},
		{"system kept", []Role{RoleSystem, RoleUser, RoleAssistant}, true, 1, RoleSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger()
			for _, r := range tt.roles {
				l.AppendVisible(r, string(r), string(r))
			}
			if ok := l.PruneOldestPair(); ok != tt.wantOK {
				t.Errorf("PruneOldestPair() = %v, want %v", ok, tt.wantOK)
			}
			msgs := l.Messages()
			if len(msgs) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(msgs), tt.wantLen)
			}
			if tt.wantLen > 0 && msgs[0].Role != tt.first {
				t.Errorf("first remaining role = %s, want %s", msgs[0].Role, tt.first)
			}
		})
	}
}

func TestPruneOldestPair_RemovesEarliest(t *testing.T) {
	l := NewLedger()
	l.AppendVisible(RoleUser, "u1", "u1")
	l.AppendVisible(RoleAssistant, "a1", "a1")
	l.AppendVisible(RoleUser, "u2", "u2")
	l.AppendVisible(RoleAssistant, "a2", "a2")

	l.PruneOldestPair()
	got := l.AllMessages()
	if got[0].Content != "u2" || got[1].Content != "a2" {
		t.Errorf("remaining = %v", got)
	}
}

func TestSwitchTo(t *testing.T) {
	l := NewLedger()
	first := l.CurrentID()
	l.AppendVisible(RoleUser, "first", "first")

	second := l.StartNewConversation()
	if second == first {
		t.Fatal("new conversation reused id")
	}
	if len(l.AllMessages()) != 0 {
		t.Error("new conversation not empty")
	}

	if !l.SwitchTo(first) {
		t.Fatal("SwitchTo(first) = false")
	}
	if got := l.AllMessages(); len(got) != 1 || got[0].Content != "first" {
		t.Errorf("after switch messages = %v", got)
	}

	if l.SwitchTo("no-such-id") {
		t.Error("SwitchTo(unknown) = true")
	}
	if l.CurrentID() != first {
		t.Error("unknown switch changed current conversation")
	}

	ids := l.ConversationIDs()
	if len(ids) != 2 || ids[0] != first || ids[1] != second {
		t.Errorf("ConversationIDs = %v", ids)
	}
	if _, ok := l.Conversation("nope"); ok {
		t.Error("Conversation(unknown) ok")
	}
}

func TestLastAssistantMessage(t *testing.T) {
	l := NewLedger()
	if _, ok := l.LastAssistantMessage(); ok {
		t.Error("empty ledger has an assistant message")
	}
	l.Append(RoleAssistant, "one")
	l.Append(RoleUser, "q")
	l.Append(RoleAssistant, "two")
	l.Append(RoleUser, "q2")
	if got, _ := l.LastAssistantMessage(); got != "two" {
		t.Errorf("LastAssistantMessage = %q", got)
	}
}

func TestSummaries(t *testing.T) {
	l := newLedgerWithClock(fixedClock())
	l.Append(RoleAssistant, "scaffold")
	l.AppendVisible(RoleUser, "first question", "first question")
	l.AppendVisible(RoleAssistant, "raw", "first answer")
	l.StartNewConversation()

	sums := l.Summaries()
	if len(sums) != 2 {
		t.Fatalf("len = %d", len(sums))
	}
	s := sums[0]
	if s.Current || s.MessageCount != 3 || s.VisibleCount != 2 {
		t.Errorf("summary = %+v", s)
	}
	if s.FirstUserPreview != "first question" || s.LastReplyPreview != "first answer" {
		t.Errorf("previews = %q / %q", s.FirstUserPreview, s.LastReplyPreview)
	}
	if !s.LastMessageAt.After(s.FirstMessageAt) {
		t.Error("timestamps not ordered")
	}
	if !sums[1].Current {
		t.Error("second conversation should be current")
	}
}

func TestLedger_ConcurrentAppend(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.AppendVisible(RoleUser, "x", "x")
			_ = l.TotalDisplayContentBytes()
		}()
	}
	wg.Wait()
	if n := len(l.Messages()); n != 20 {
		t.Errorf("messages = %d, want 20", n)
	}
}
