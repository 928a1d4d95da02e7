package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
)

// Attachment is a file attached to a composed message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ComposeOptions holds everything needed to build a complete RFC 5322
// message. HTMLBody is sent as-is alongside a plain-text rendering of it.
type ComposeOptions struct {
	// From is the sender address (e.g., "TutorBot <bot@example.edu>").
	From string

	// To is the list of recipient addresses.
	To []string

	Subject  string
	HTMLBody string

	Attachments []Attachment

	// Date defaults to now.
	Date time.Time
}

// ComposeMessage builds a MIME message from opts: a
// multipart/alternative body (text/plain and text/html) followed by any
// attachments.
func ComposeMessage(opts ComposeOptions) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	date := opts.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	toAddrs, err := parseAddressList(opts.To)
	if err != nil {
		return nil, fmt.Errorf("parse to addresses: %w", err)
	}
	h.SetAddressList("To", toAddrs)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}
	if err := writeInlinePart(tw, "text/plain; charset=utf-8", htmlToPlain(opts.HTMLBody)); err != nil {
		return nil, fmt.Errorf("plain text part: %w", err)
	}
	if err := writeInlinePart(tw, "text/html; charset=utf-8", opts.HTMLBody); err != nil {
		return nil, fmt.Errorf("html part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}

	for _, a := range opts.Attachments {
		var ah mail.AttachmentHeader
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		ah.SetFilename(a.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment %q: %w", a.Filename, err)
		}
		if _, err := aw.Write(a.Data); err != nil {
			return nil, fmt.Errorf("write attachment %q: %w", a.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("close attachment %q: %w", a.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInlinePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.Set("Content-Type", contentType)
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	return pw.Close()
}

// parseAddressList parses a slice of email address strings into
// mail.Address values. Each string can be "Name <addr>" or just "addr".
func parseAddressList(addrs []string) ([]*mail.Address, error) {
	result := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		result = append(result, parsed)
	}
	return result, nil
}

// htmlToPlain extracts the visible text of an HTML document, one line
// per block of text, skipping style and script content.
func htmlToPlain(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var lines []string
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(lines, "\n")
		case html.StartTagToken:
			if name, _ := z.TagName(); isHiddenTag(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHiddenTag(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if text := strings.Join(strings.Fields(string(z.Text())), " "); text != "" {
				lines = append(lines, text)
			}
		}
	}
}

func isHiddenTag(name []byte) bool {
	s := string(name)
	return s == "style" || s == "script" || s == "head"
}
