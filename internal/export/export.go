// Package export renders a conversation as a standalone HTML document
// the student can download or receive by email.
package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/tutorbot/tutorbot/internal/conversation"
	"github.com/tutorbot/tutorbot/internal/prompts"
)

//go:embed templates/export.html
var templateFiles embed.FS

var templateFuncs = template.FuncMap{
	"shortTime": func(t time.Time) string { return t.Format("03:04 PM") },
	"longTime":  func(t time.Time) string { return t.Format("Jan 02, 2006 03:04 PM") },
}

// tokenLine matches the usage header that starts every answered reply.
var tokenLine = regexp.MustCompile(`^Total Input Tokens \((\d+)\), Total Output Tokens \((\d+)\) over \((\d+)\) passes?\s*\n`)

// minDedent is the smallest common indentation that gets removed.
const minDedent = 4

// Document is one conversation plus the class material it was held
// under.
type Document struct {
	Class       string
	Lesson      string
	ActionPlan  string
	Messages    []conversation.Message
	GeneratedAt time.Time
}

type messageView struct {
	ID        int
	Bot       bool
	Text      string
	HTML      template.HTML
	TokenInfo string
	Time      time.Time
}

type pageView struct {
	Class      string
	Lesson     string
	ActionPlan string
	Timestamp  string
	Messages   []messageView
}

// Exporter renders Documents. It is safe for concurrent use.
type Exporter struct {
	tmpl *template.Template
	md   goldmark.Markdown
}

// New returns an Exporter using the embedded page template.
func New() *Exporter {
	return &Exporter{
		tmpl: template.Must(template.New("export.html").Funcs(templateFuncs).ParseFS(templateFiles, "templates/export.html")),
		md:   goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Render writes doc as HTML to w. Only user and assistant messages are
// included. Assistant text is rendered as markdown with raw HTML
// suppressed; user text is escaped verbatim.
func (e *Exporter) Render(w io.Writer, doc Document) error {
	page := pageView{
		Class:      orUnknown(doc.Class),
		Lesson:     orUnknown(doc.Lesson),
		ActionPlan: orUnknown(doc.ActionPlan),
		Timestamp:  doc.GeneratedAt.Format(time.DateTime),
	}

	for _, m := range doc.Messages {
		switch m.Role {
		case conversation.RoleUser:
			page.Messages = append(page.Messages, messageView{
				ID:   len(page.Messages),
				Text: m.Display,
				Time: m.Timestamp,
			})
		case conversation.RoleAssistant:
			info, answer := ParseBotResponse(m.Display)
			var buf bytes.Buffer
			if err := e.md.Convert([]byte(answer), &buf); err != nil {
				return fmt.Errorf("render message %d: %w", m.ID, err)
			}
			page.Messages = append(page.Messages, messageView{
				ID:        len(page.Messages),
				Bot:       true,
				Text:      answer,
				HTML:      template.HTML(buf.String()),
				TokenInfo: info,
				Time:      m.Timestamp,
			})
		}
	}

	if err := e.tmpl.Execute(w, page); err != nil {
		return fmt.Errorf("execute export template: %w", err)
	}
	return nil
}

// HTML returns the rendered document.
func (e *Exporter) HTML(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Filename is the download name for an export generated at t.
func Filename(t time.Time) string {
	return t.Format("2006-01-02_15-04-05") + "_TutorBot_Conversation.html"
}

// ParseBotResponse splits an assistant reply into a compact usage line
// ("Input: N | Output: M | Iterations: K", empty when the reply has no
// usage header) and the answer text with status notices removed and
// common indentation stripped.
func ParseBotResponse(content string) (tokenInfo, answer string) {
	answer = strings.TrimPrefix(content, prompts.TruncationNotice)
	if m := tokenLine.FindStringSubmatch(answer); m != nil {
		tokenInfo = fmt.Sprintf("Input: %s | Output: %s | Iterations: %s", m[1], m[2], m[3])
		answer = answer[len(m[0]):]
		answer = strings.TrimPrefix(answer, prompts.TruncationNotice)
	} else {
		answer = content
	}
	return tokenInfo, dedent(strings.TrimSpace(answer))
}

// dedent removes the most common indentation of the lines after the
// first when it is at least minDedent columns. Lines indented less lose
// all leading whitespace.
func dedent(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}

	counts := make(map[int]int)
	var order []int
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent == 0 {
			continue
		}
		if counts[indent] == 0 {
			order = append(order, indent)
		}
		counts[indent]++
	}
	common := 0
	for _, n := range order {
		if counts[n] > counts[common] {
			common = n
		}
	}
	if common < minDedent {
		return s
	}

	out := make([]string, len(lines))
	out[0] = lines[0]
	for i, line := range lines[1:] {
		switch {
		case strings.TrimSpace(line) == "":
			out[i+1] = ""
		case len(line) >= common && strings.TrimLeft(line[:common], " \t") == "":
			out[i+1] = line[common:]
		default:
			out[i+1] = strings.TrimLeft(line, " \t")
		}
	}
	return strings.Join(out, "\n")
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
