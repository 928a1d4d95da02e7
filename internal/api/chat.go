package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tutorbot/tutorbot/internal/accesskey"
	"github.com/tutorbot/tutorbot/internal/content"
	"github.com/tutorbot/tutorbot/internal/session"
	"github.com/tutorbot/tutorbot/internal/tutor"
)

// Replies returned as chat text rather than as errors, so the student
// sees them in the conversation.
const (
	unknownSessionReply = "Received unknown session key"
	selectLessonReply   = "You must select a lesson to use this Bot"
	selectPlanReply     = "You must select an action plan to use this Bot"
)

// ChatRequest is the body of POST /chatbot/ and of each websocket
// message.
type ChatRequest struct {
	Text           string `json:"text"`
	ClassSelection string `json:"classSelection"`
	Lesson         string `json:"lesson"`
	ActionPlan     string `json:"actionPlan"`
	AccessKey      string `json:"accessKey"`
}

// ChatResponse carries the tutor's reply.
type ChatResponse struct {
	Text string `json:"text"`
}

// httpError is a request failure with its status code.
type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string { return e.msg }

// chat validates req and runs one turn for the session named by key.
func (s *Server) chat(ctx context.Context, key string, req ChatRequest) (string, error) {
	log := s.logger.With(
		"session_key", key,
		"redacted_access_key", accesskey.Redact(req.AccessKey),
		"class_selection", req.ClassSelection,
		"lesson", req.Lesson,
		"action_plan", req.ActionPlan,
	)

	if s.deps.AccessKeys != nil {
		if !s.deps.AccessKeys.Valid(req.AccessKey) {
			log.Warn("invalid access key")
			return "", &httpError{http.StatusForbidden, "Invalid access key"}
		}
		log.Info("session validated access key")
	}

	sess, ok := s.deps.Sessions.Get(key)
	if !ok {
		log.Error("session key not found")
		return unknownSessionReply, nil
	}
	if req.ClassSelection == "" || req.Lesson == "" {
		log.Error("session did not specify a lesson")
		return selectLessonReply, nil
	}
	if req.ActionPlan == "" {
		log.Error("session did not specify an action plan")
		return selectPlanReply, nil
	}

	// An overlapping request is rejected before it can spend a rate
	// limit token.
	release, ok := sess.BeginTurn()
	if !ok {
		log.Warn("turn already in flight")
		return "", &httpError{http.StatusConflict, "A response is already being generated for this session"}
	}
	defer release()
	if !sess.Allow() {
		log.Warn("session rate limited")
		return "", &httpError{http.StatusTooManyRequests, "Too many requests, please slow down"}
	}

	sess.Select(session.Selection{Class: req.ClassSelection, Lesson: req.Lesson, ActionPlan: req.ActionPlan})
	res, err := s.deps.Tutor.Respond(ctx, key, sess.Ledger, tutor.Request{
		Text:       req.Text,
		Class:      req.ClassSelection,
		Lesson:     req.Lesson,
		ActionPlan: req.ActionPlan,
	})
	if err != nil {
		log.Error("turn failed", "error", err)
		return "", &httpError{contentError(err), err.Error()}
	}
	return res.Text, nil
}

// writeChatError writes err from chat as an HTTP error response.
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	var he *httpError
	if errors.As(err, &he) {
		s.errorResponse(w, he.code, he.msg)
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleChatbot(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	text, err := s.chat(r.Context(), sessionKey(r), req)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{Text: text}, s.logger)
}

func (s *Server) handleSetCookie(w http.ResponseWriter, r *http.Request) {
	sess := s.deps.Sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.Key,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Secure:   s.deps.CookieSecure,
	})
	s.logger.Info("cookie set and session created", "session_key", sess.Key)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"message": "Cookie set and session created"}, s.logger)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if s.deps.Sessions.Remove(key) {
		s.logger.Info("session deleted", "session_key", key)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"message": "Session deleted"}, s.logger)
}

func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.deps.Catalog.Classes(r.Context())
	if err != nil {
		s.logger.Error("error listing class directories", "session_key", sessionKey(r), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error listing classes directory")
		return
	}
	if classes == nil {
		classes = []string{}
	}
	s.logger.Info("loaded classes", "session_key", sessionKey(r), "count", len(classes))

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"directories": classes}, s.logger)
}

// handleClassConfiguration lists a class's lessons and action plans and
// starts a fresh conversation for the session. Earlier conversations
// stay in its history.
func (s *Server) handleClassConfiguration(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	class := r.PathValue("class")
	log := s.logger.With("session_key", sess.Key, "class_selection", class)

	lessons, plans, err := s.deps.Catalog.ClassFiles(r.Context(), class)
	if err != nil {
		log.Error("error listing class material", "error", err)
		if errors.Is(err, content.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "Class material does not exist: "+class)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "Error listing files in directory")
		return
	}

	id := sess.Ledger.StartNewConversation()
	log.Info("loaded class material", "conversation_id", id, "lessons", len(lessons), "action_plans", len(plans))

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"lessons":         lessons,
		"action_plans":    plans,
		"conversation_id": id,
	}, s.logger)
}

func (s *Server) handleConversationClear(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	id := sess.Ledger.StartNewConversation()
	s.logger.Info("conversation cleared", "session_key", sess.Key, "conversation_id", id)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"message": "Conversation cleared", "conversation_id": id}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"current_conversation_id": sess.Ledger.CurrentID(),
		"conversations":           sess.Ledger.Summaries(),
	}, s.logger)
}

func (s *Server) handleConversationSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	if !sess.Ledger.SwitchTo(req.ConversationID) {
		s.errorResponse(w, http.StatusNotFound, "Unknown conversation")
		return
	}
	s.logger.Info("conversation switched", "session_key", sess.Key, "conversation_id", req.ConversationID)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"message": "Conversation switched", "conversation_id": req.ConversationID}, s.logger)
}
