package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/tutorbot/tutorbot/internal/conversation"
	"github.com/tutorbot/tutorbot/internal/email"
	"github.com/tutorbot/tutorbot/internal/export"
	"github.com/tutorbot/tutorbot/internal/session"
)

// selectionRequest names the class material a conversation was held
// under, for export headers.
type selectionRequest struct {
	ClassSelection string `json:"classSelection"`
	Lesson         string `json:"lesson"`
	ActionPlan     string `json:"actionPlan"`
	Email          string `json:"email,omitempty"`
}

func (s *Server) document(sess *session.Session, req selectionRequest) export.Document {
	return export.Document{
		Class:       req.ClassSelection,
		Lesson:      req.Lesson,
		ActionPlan:  req.ActionPlan,
		Messages:    sess.Ledger.DisplayEntries(),
		GeneratedAt: s.deps.Now(),
	}
}

func (s *Server) handleDownloadConversation(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	log := s.logger.With("session_key", sess.Key, "conversation_id", sess.Ledger.CurrentID(),
		"class_selection", req.ClassSelection, "lesson", req.Lesson, "action_plan", req.ActionPlan)

	doc := s.document(sess, req)
	html, err := s.deps.Exporter.HTML(doc)
	if err != nil {
		log.Error("error creating HTML for conversation download", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error creating HTML")
		return
	}
	log.Info("HTML created for conversation download")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", export.Filename(doc.GeneratedAt)))
	if _, err := w.Write(html); err != nil {
		log.Debug("failed to write export", "error", err)
	}
}

// handleSendConversation emails the current conversation as an HTML
// attachment.
func (s *Server) handleSendConversation(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !email.ValidAddress(req.Email) {
		s.errorResponse(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	cfg := s.deps.Email
	if cfg.Sender == nil {
		s.errorResponse(w, http.StatusInternalServerError, "Sending conversations by email is currently disabled")
		return
	}
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}

	req.ClassSelection = orUnknown(req.ClassSelection)
	req.Lesson = orUnknown(req.Lesson)
	req.ActionPlan = orUnknown(req.ActionPlan)
	log := s.logger.With("session_key", sess.Key, "conversation_id", sess.Ledger.CurrentID(),
		"class_selection", req.ClassSelection, "lesson", req.Lesson, "action_plan", req.ActionPlan)

	doc := s.document(sess, req)
	html, err := s.deps.Exporter.HTML(doc)
	if err != nil {
		log.Error("error creating HTML for conversation email", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error creating HTML")
		return
	}

	tmpl, err := os.ReadFile(cfg.TemplateFile)
	if err != nil {
		log.Error("email template unreadable", "path", cfg.TemplateFile, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error creating HTML")
		return
	}
	body := email.RenderTemplate(string(tmpl), email.TemplateVars{
		Class:      req.ClassSelection,
		Lesson:     req.Lesson,
		ActionPlan: req.ActionPlan,
	})

	msg, err := email.ComposeMessage(email.ComposeOptions{
		From:     cfg.From,
		To:       []string{req.Email},
		Subject:  cfg.Subject,
		HTMLBody: body,
		Attachments: []email.Attachment{{
			Filename:    export.Filename(doc.GeneratedAt),
			ContentType: "text/html",
			Data:        html,
		}},
		Date: doc.GeneratedAt,
	})
	if err != nil {
		log.Error("compose conversation email failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error creating HTML")
		return
	}
	if err := cfg.Sender.Send(r.Context(), []string{req.Email}, msg); err != nil {
		log.Error("send conversation email failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error sending email")
		return
	}
	log.Info("conversation emailed")

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"message": "HTML created successfully"}, s.logger)
}

// conversationDataMessage is one visible message prepared for
// client-side rendering.
type conversationDataMessage struct {
	Role      conversation.Role `json:"role"`
	Content   string            `json:"content"`
	TokenInfo *string           `json:"token_info"`
	Timestamp time.Time         `json:"timestamp"`
}

// handleConversationData returns the visible messages of the current
// conversation as JSON, for client-side PDF generation.
func (s *Server) handleConversationData(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}

	messages := []conversationDataMessage{}
	for _, m := range sess.Ledger.DisplayEntries() {
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			continue
		}
		msg := conversationDataMessage{Role: m.Role, Content: m.Display, Timestamp: m.Timestamp}
		if m.Role == conversation.RoleAssistant {
			info, answer := export.ParseBotResponse(m.Display)
			msg.Content = answer
			if info != "" {
				msg.TokenInfo = &info
			}
		}
		messages = append(messages, msg)
	}

	id := sess.Ledger.CurrentID()
	s.logger.Info("conversation data retrieved", "session_key", sess.Key, "conversation_id", id, "message_count", len(messages))

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"messages": messages,
		"metadata": map[string]string{
			"class_name":      orUnknown(req.ClassSelection),
			"lesson":          orUnknown(req.Lesson),
			"action_plan":     orUnknown(req.ActionPlan),
			"timestamp":       s.deps.Now().Format(time.DateTime),
			"session_id":      sess.Key,
			"conversation_id": id,
		},
	}, s.logger)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
