package conversation

import (
	"sort"
	"time"
)

const previewLength = 100

// Summary describes one conversation for listings.
type Summary struct {
	ID               string    `json:"conversation_id"`
	Current          bool      `json:"current"`
	MessageCount     int       `json:"message_count"`
	VisibleCount     int       `json:"visible_count"`
	CreatedAt        time.Time `json:"created_at"`
	FirstMessageAt   time.Time `json:"first_message_at,omitzero"`
	LastMessageAt    time.Time `json:"last_message_at,omitzero"`
	FirstUserPreview string    `json:"first_user_preview,omitempty"`
	LastReplyPreview string    `json:"last_reply_preview,omitempty"`
}

// Summaries describes every conversation of the ledger, oldest first.
func (l *Ledger) Summaries() []Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	convs := make([]*conversation, 0, len(l.history))
	for _, c := range l.history {
		convs = append(convs, c)
	}
	sortByCreation(convs)

	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		s := Summary{
			ID:           c.id,
			Current:      c == l.current,
			MessageCount: len(c.messages),
			CreatedAt:    c.createdAt,
		}
		if n := len(c.messages); n > 0 {
			s.FirstMessageAt = c.messages[0].Timestamp
			s.LastMessageAt = c.messages[n-1].Timestamp
		}
		for _, m := range c.messages {
			if !m.Visible {
				continue
			}
			s.VisibleCount++
			switch {
			case m.Role == RoleUser && s.FirstUserPreview == "":
				s.FirstUserPreview = preview(m.Display)
			case m.Role == RoleAssistant:
				s.LastReplyPreview = preview(m.Display)
			}
		}
		out = append(out, s)
	}
	return out
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength]) + "..."
}

func sortByCreation(convs []*conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].seq < convs[j].seq
	})
}
