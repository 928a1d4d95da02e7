// Package email delivers conversation exports to students. Messages are
// composed as MIME with go-message and handed to a Sender, either the
// Mailgun HTTP API or an SMTP relay.
package email

import (
	"context"
	"regexp"
	"strings"
)

// Sender delivers a complete RFC 5322 message to recipients.
type Sender interface {
	Send(ctx context.Context, recipients []string, msg []byte) error
}

var addressPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidAddress reports whether addr looks like a deliverable bare email
// address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// TemplateVars are the placeholders filled into the email body template.
type TemplateVars struct {
	Class      string
	Lesson     string
	ActionPlan string
}

// RenderTemplate replaces {{class_name}}, {{lesson}} and {{action_plan}}
// in tmpl. Values are inserted as given.
func RenderTemplate(tmpl string, v TemplateVars) string {
	return strings.NewReplacer(
		"{{class_name}}", v.Class,
		"{{lesson}}", v.Lesson,
		"{{action_plan}}", v.ActionPlan,
	).Replace(tmpl)
}
