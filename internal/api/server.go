// Package api implements the student-facing HTTP API: session cookies,
// the chat endpoint and its websocket twin, class listings,
// conversation management, export and email, and service status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/tutorbot/tutorbot/internal/buildinfo"
	"github.com/tutorbot/tutorbot/internal/connwatch"
	"github.com/tutorbot/tutorbot/internal/content"
	"github.com/tutorbot/tutorbot/internal/conversation"
	"github.com/tutorbot/tutorbot/internal/email"
	"github.com/tutorbot/tutorbot/internal/export"
	"github.com/tutorbot/tutorbot/internal/session"
	"github.com/tutorbot/tutorbot/internal/status"
	"github.com/tutorbot/tutorbot/internal/tutor"
	"github.com/tutorbot/tutorbot/internal/usage"
)

// sessionCookie names the cookie carrying the session key.
const sessionCookie = "session_key"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Responder runs one tutoring turn.
type Responder interface {
	Respond(ctx context.Context, sessionKey string, ledger *conversation.Ledger, req tutor.Request) (tutor.Result, error)
}

// Catalog lists class material.
type Catalog interface {
	Classes(ctx context.Context) ([]string, error)
	ClassFiles(ctx context.Context, class string) (lessons, plans []string, err error)
}

// KeyValidator checks chat access keys.
type KeyValidator interface {
	Valid(key string) bool
}

// StatusChecker reports overall service health.
type StatusChecker interface {
	Check(ctx context.Context) status.Result
}

// UsageReporter aggregates the invocation ledger.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByClass(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// DependencyReporter lists the reachability of external services.
type DependencyReporter interface {
	Services() []connwatch.ServiceStatus
}

// EmailSettings configures POST /send-conversation. A nil Sender
// disables the endpoint.
type EmailSettings struct {
	Sender       email.Sender
	From         string
	Subject      string
	TemplateFile string
}

// Deps are the collaborators of a Server. Sessions, Tutor and Catalog
// are required; the rest may be nil.
type Deps struct {
	Sessions *session.Registry
	Tutor    Responder
	Catalog  Catalog
	// AccessKeys, when set, is consulted for every chat request.
	AccessKeys KeyValidator
	Exporter   *export.Exporter
	Email      EmailSettings
	Status     StatusChecker
	Usage      UsageReporter
	// Dependencies feeds GET /health.
	Dependencies DependencyReporter

	StaticDir      string
	AllowedOrigins []string
	CookieSecure   bool
	Logger         *slog.Logger
	Now            func() time.Time
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Exporter == nil {
		deps.Exporter = export.New()
	}
	if deps.Email.Subject == "" {
		deps.Email.Subject = "Conversation with TutorBot"
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  deps.Logger,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("GET /set-cookie/", s.handleSetCookie)
	mux.HandleFunc("DELETE /session/{key}", s.handleDeleteSession)

	// Chat
	mux.HandleFunc("POST /chatbot/", s.handleChatbot)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Class material
	mux.HandleFunc("GET /classes/", s.handleClasses)
	mux.HandleFunc("GET /classes/{class}", s.handleClassConfiguration)

	// Conversations
	mux.HandleFunc("GET /conversation/clear", s.handleConversationClear)
	mux.HandleFunc("GET /conversations", s.handleConversationList)
	mux.HandleFunc("POST /conversation/switch", s.handleConversationSwitch)
	mux.HandleFunc("POST /download-conversation", s.handleDownloadConversation)
	mux.HandleFunc("POST /send-conversation", s.handleSendConversation)
	mux.HandleFunc("POST /conversation-data", s.handleConversationData)

	// Service
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /usage/summary", s.handleUsageSummary)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Static UI
	static := http.FileServer(http.Dir(s.deps.StaticDir))
	mux.Handle("GET /static/", http.StripPrefix("/static/", static))
	mux.HandleFunc("GET /favicon.ico", s.handleFavicon)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(s.withCORS(s.requireSession(mux)))
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // turns may run several model passes
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// errorResponse writes {"detail": message}, the shape the browser client
// expects for every failed request.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"detail": message}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(s.deps.StaticDir, "index.html"))
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(s.deps.StaticDir, "favicon.ico"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := "healthy"
	var services []connwatch.ServiceStatus
	if s.deps.Dependencies != nil {
		services = s.deps.Dependencies.Services()
		for _, svc := range services {
			if !svc.Ready {
				health = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":          health,
		"active_sessions": s.deps.Sessions.Len(),
		"dependencies":    services,
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res := status.Result{Status: status.Unknown, Timestamp: s.deps.Now().UTC()}
	if s.deps.Status != nil {
		res = s.deps.Status.Check(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

// handleUsageSummary aggregates model invocations between the start and
// end query parameters (RFC 3339). The window defaults to the last 24
// hours.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	end := s.deps.Now()
	start := end.Add(-24 * time.Hour)
	var err error
	if v := r.URL.Query().Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid start time: "+err.Error())
			return
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid end time: "+err.Error())
			return
		}
	}

	total, err := s.deps.Usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byClass, err := s.deps.Usage.SummaryByClass(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary by class failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":    start.UTC().Format(time.RFC3339),
		"end":      end.UTC().Format(time.RFC3339),
		"total":    total,
		"by_class": byClass,
	}, s.logger)
}

// lookupSession resolves the session cookie. It writes the error
// response and returns nil when the session is unknown.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) *session.Session {
	key := sessionKey(r)
	sess, ok := s.deps.Sessions.Get(key)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "Could not locate Session Key")
		return nil
	}
	return sess
}

func sessionKey(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// contentError maps a class material failure to a status code.
func contentError(err error) int {
	if errors.Is(err, content.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
