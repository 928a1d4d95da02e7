// Package conversation holds the per-session conversation ledger: every
// conversation a session has started, the turns recorded in each, and a
// pointer to the one currently in use.
//
// A message carries two forms of its text. Content is what the model
// sees on later turns; Display is what the student sees. Retrieval
// scaffolding (content requests and their acknowledgements) is recorded
// with Content only, so it shapes subsequent prompts without ever being
// shown or counted toward the visible-history budget.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// maxMessageID is the largest ID handed out before the counter wraps to 1.
const maxMessageID = 1_000_000_000

// Message is one recorded turn.
type Message struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Display   string    `json:"display_content,omitempty"`
	// Visible is true when Display was set, even to the empty string.
	Visible bool `json:"visible"`
}

// Turn is the (role, text) pair fed to prompt assembly or rendered to
// the student.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type conversation struct {
	id        string
	seq       int
	messages  []Message
	nextID    int
	createdAt time.Time
}

func newConversation(now time.Time) *conversation {
	return &conversation{
		id:        uuid.NewString(),
		nextID:    1,
		createdAt: now,
	}
}

// assignID hands out the current counter value and advances it,
// wrapping to 1 once it passes maxMessageID.
func (c *conversation) assignID() int {
	id := c.nextID
	c.nextID++
	if c.nextID > maxMessageID {
		c.nextID = 1
	}
	return id
}

// Ledger stores every conversation of one session. It is safe for
// concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	history map[string]*conversation
	current *conversation
	started int
	now     func() time.Time
}

// NewLedger returns a ledger with one empty current conversation.
func NewLedger() *Ledger {
	return newLedgerWithClock(time.Now)
}

func newLedgerWithClock(now func() time.Time) *Ledger {
	l := &Ledger{
		history: make(map[string]*conversation),
		now:     now,
	}
	l.startLocked()
	return l
}

func (l *Ledger) startLocked() string {
	c := newConversation(l.now())
	l.started++
	c.seq = l.started
	l.history[c.id] = c
	l.current = c
	return c.id
}

// StartNewConversation creates an empty conversation, makes it current
// and returns its ID. Earlier conversations stay in the history.
func (l *Ledger) StartNewConversation() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLocked()
}

// CurrentID returns the ID of the current conversation.
func (l *Ledger) CurrentID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.id
}

// SwitchTo makes id the current conversation. It reports false, leaving
// the current conversation unchanged, when id is unknown.
func (l *Ledger) SwitchTo(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.history[id]
	if !ok {
		return false
	}
	l.current = c
	return true
}

// Append records a turn with no display form. It returns the new
// message's ID.
func (l *Ledger) Append(role Role, content string) int {
	return l.append(role, content, "", false)
}

// AppendVisible records a turn that is shown to the student as display.
func (l *Ledger) AppendVisible(role Role, content, display string) int {
	return l.append(role, content, display, true)
}

func (l *Ledger) append(role Role, content, display string, visible bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.current
	id := c.assignID()
	c.messages = append(c.messages, Message{
		ID:        id,
		Timestamp: l.now(),
		Role:      role,
		Content:   content,
		Display:   display,
		Visible:   visible,
	})
	return id
}

// AllMessages returns every turn of the current conversation, visible or
// not, in insertion order.
func (l *Ledger) AllMessages() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	turns := make([]Turn, 0, len(l.current.messages))
	for _, m := range l.current.messages {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// DisplayMessages returns the visible turns of the current conversation
// with their display text.
func (l *Ledger) DisplayMessages() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var turns []Turn
	for _, m := range l.current.messages {
		if m.Visible {
			turns = append(turns, Turn{Role: m.Role, Content: m.Display})
		}
	}
	return turns
}

// DisplayEntries returns copies of the visible messages of the current
// conversation, including IDs and timestamps.
func (l *Ledger) DisplayEntries() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Message
	for _, m := range l.current.messages {
		if m.Visible {
			out = append(out, m)
		}
	}
	return out
}

// Messages returns a copy of every message in the current conversation.
func (l *Ledger) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Message(nil), l.current.messages...)
}

// Conversation returns a copy of the messages of conversation id.
func (l *Ledger) Conversation(id string) ([]Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.history[id]
	if !ok {
		return nil, false
	}
	return append([]Message(nil), c.messages...), true
}

// ConversationIDs lists every conversation ID, oldest first.
func (l *Ledger) ConversationIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	convs := make([]*conversation, 0, len(l.history))
	for _, c := range l.history {
		convs = append(convs, c)
	}
	sortByCreation(convs)
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.id
	}
	return ids
}

// TotalDisplayContentBytes sums the UTF-8 byte length of every visible
// message's display text in the current conversation.
func (l *Ledger) TotalDisplayContentBytes() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, m := range l.current.messages {
		if m.Visible {
			total += len(m.Display)
		}
	}
	return total
}

// PruneOldestPair removes the earliest user message and the earliest
// assistant message of the current conversation. The two need not be
// adjacent. If either role is absent nothing is removed and false is
// returned.
func (l *Ledger) PruneOldestPair() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.current.messages
	userIdx, assistantIdx := -1, -1
	for i, m := range msgs {
		if userIdx < 0 && m.Role == RoleUser {
			userIdx = i
		}
		if assistantIdx < 0 && m.Role == RoleAssistant {
			assistantIdx = i
		}
		if userIdx >= 0 && assistantIdx >= 0 {
			break
		}
	}
	if userIdx < 0 || assistantIdx < 0 {
		return false
	}

	first, second := userIdx, assistantIdx
	if first > second {
		first, second = second, first
	}
	msgs = append(msgs[:second], msgs[second+1:]...)
	msgs = append(msgs[:first], msgs[first+1:]...)
	l.current.messages = msgs
	return true
}

// LastAssistantMessage returns the content of the most recent assistant
// message in the current conversation.
func (l *Ledger) LastAssistantMessage() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	msgs := l.current.messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i].Content, true
		}
	}
	return "", false
}

// UserQuestions joins the display text of every visible user message of
// the current conversation, one per line.
func (l *Ledger) UserQuestions() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var qs []string
	for _, m := range l.current.messages {
		if m.Role == RoleUser && m.Visible {
			qs = append(qs, m.Display)
		}
	}
	return strings.Join(qs, "\n")
}
