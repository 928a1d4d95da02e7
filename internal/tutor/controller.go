// Package tutor runs one tutoring turn: it prompts the model, lets the
// model pull in reference material over a bounded number of passes, and
// records the visible exchange in the session's conversation ledger.
package tutor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tutorbot/tutorbot/internal/content"
	"github.com/tutorbot/tutorbot/internal/conversation"
	"github.com/tutorbot/tutorbot/internal/llm"
	"github.com/tutorbot/tutorbot/internal/prompts"
	"github.com/tutorbot/tutorbot/internal/retrieval"
	"github.com/tutorbot/tutorbot/internal/usage"
)

// DefaultMaxIterations is the retrieval pass ceiling used when Config
// leaves it unset.
const DefaultMaxIterations = 4

// maxPromptLogBytes caps the assembled prompt written to trace logs.
const maxPromptLogBytes = 2 << 20

// Templates supplies the class material of a turn.
type Templates interface {
	Scenario(ctx context.Context, class string) string
	Conundrum(ctx context.Context, class, lesson string) (string, error)
	ActionPlan(ctx context.Context, class, plan string) (string, error)
}

// ContentLoader loads requested reference content.
type ContentLoader interface {
	Load(ctx context.Context, class string, keys []string) retrieval.LoadResult
}

// UsageRecorder persists per-invocation token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// TurnObserver is told about every completed turn.
type TurnObserver interface {
	TurnCompleted(ctx context.Context, ev TurnEvent)
}

// Outcome is how a turn ended.
type Outcome string

// Turn outcomes.
const (
	OutcomeFinal    Outcome = "final"
	OutcomeExceeded Outcome = "exceeded"
	OutcomeError    Outcome = "error"
)

// Request is one student message plus the selectors naming its class
// material.
type Request struct {
	Text       string
	Class      string
	Lesson     string
	ActionPlan string
}

// Result is what Respond returns to the caller.
type Result struct {
	// Text is the reply shown to the student.
	Text           string
	Outcome        Outcome
	Iterations     int
	InputTokens    int
	OutputTokens   int
	Truncated      bool
	ConversationID string
	// RequestedKeys are the keys requested this turn that did not fail
	// to load.
	RequestedKeys []string
}

// TurnEvent summarises a completed turn for observers.
type TurnEvent struct {
	TurnID         string        `json:"turn_id"`
	SessionKey     string        `json:"session_key"`
	ConversationID string        `json:"conversation_id"`
	ClassSelection string        `json:"class_selection"`
	Lesson         string        `json:"lesson"`
	ActionPlan     string        `json:"action_plan"`
	Outcome        Outcome       `json:"outcome"`
	Iterations     int           `json:"iterations"`
	InputTokens    int           `json:"input_tokens"`
	OutputTokens   int           `json:"output_tokens"`
	RequestedKeys  []string      `json:"requested_keys,omitempty"`
	Truncated      bool          `json:"truncated"`
	Duration       time.Duration `json:"duration_ns"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Deps are the collaborators of a Controller. LLM, Templates and Loader
// are required.
type Deps struct {
	LLM       llm.Client
	Templates Templates
	Loader    ContentLoader
	Strategy  prompts.Strategy
	Parser    retrieval.Parser
	Usage     UsageRecorder
	Observer  TurnObserver
	Logger    *slog.Logger
	Now       func() time.Time
}

// Config holds the turn limits and the identity of the model in use.
type Config struct {
	MaxIterations           int
	ConversationBudgetBytes int
	Provider                string
	Model                   string
}

// Controller drives tutoring turns. It holds no per-session state and is
// safe for concurrent use across sessions.
type Controller struct {
	deps Deps
	cfg  Config
}

// New returns a Controller. Missing optional collaborators get defaults.
func New(deps Deps, cfg Config) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Strategy == nil {
		deps.Strategy = prompts.Standard{}
	}
	if deps.Parser.ResponseTag == "" || deps.Parser.RequestTag == "" {
		deps.Parser = retrieval.NewParser(deps.Parser.ResponseTag, deps.Parser.RequestTag)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Controller{deps: deps, cfg: cfg}
}

// Respond answers req within ledger's current conversation.
//
// The only error returned wraps content.ErrNotFound and means the
// lesson or action plan does not exist. Every other failure, including
// a panic, is logged and turned into an apology in Result.Text.
func (c *Controller) Respond(ctx context.Context, sessionKey string, ledger *conversation.Ledger, req Request) (res Result, err error) {
	start := c.deps.Now()
	turnID := uuid.NewString()
	res.ConversationID = ledger.CurrentID()

	log := c.deps.Logger.With(
		"session_key", sessionKey,
		"conversation_id", res.ConversationID,
		"class_selection", req.Class,
		"lesson", req.Lesson,
		"action_plan", req.ActionPlan,
	)

	var st IterationState
	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked", "error", r, "stack", string(debug.Stack()))
			res = c.fail(log, res, &st, fmt.Errorf("internal error: %v", r))
			err = nil
		}
		if err == nil {
			c.notify(ctx, TurnEvent{
				TurnID:         turnID,
				SessionKey:     sessionKey,
				ConversationID: res.ConversationID,
				ClassSelection: req.Class,
				Lesson:         req.Lesson,
				ActionPlan:     req.ActionPlan,
				Outcome:        res.Outcome,
				Iterations:     res.Iterations,
				InputTokens:    res.InputTokens,
				OutputTokens:   res.OutputTokens,
				RequestedKeys:  res.RequestedKeys,
				Truncated:      res.Truncated,
				Duration:       c.deps.Now().Sub(start),
				Timestamp:      start,
			})
		}
	}()

	scenario := c.deps.Templates.Scenario(ctx, req.Class)
	conundrum, err := c.deps.Templates.Conundrum(ctx, req.Class, req.Lesson)
	if err != nil {
		return c.templateError(log, res, &st, err)
	}
	actionPlan, err := c.deps.Templates.ActionPlan(ctx, req.Class, req.ActionPlan)
	if err != nil {
		return c.templateError(log, res, &st, err)
	}

	log.Info("turn started", "request_bytes", len(req.Text))

	var text, lastReply string
	for {
		st.next()
		ilog := log.With("iteration", st.Iteration)

		msgs := c.deps.Strategy.Assemble(prompts.Inputs{
			Scenario:     scenario,
			Conundrum:    conundrum,
			ActionPlan:   actionPlan,
			Additional:   prompts.AdditionalContent(c.deps.Now(), st.Additional, st.Requested),
			History:      ledger.AllMessages(),
			Request:      req.Text,
			LoadedStatus: st.LoadedStatus,
		})
		c.logPrompt(ctx, ilog, msgs)

		callStart := time.Now()
		resp, err := c.deps.LLM.Chat(ctx, msgs)
		if err != nil {
			return c.fail(ilog, res, &st, fmt.Errorf("model call: %w", err)), nil
		}
		st.addTokens(resp.InputTokens, resp.OutputTokens)
		c.recordUsage(ctx, ilog, usage.Record{
			TurnID:         turnID,
			SessionKey:     sessionKey,
			ConversationID: res.ConversationID,
			ClassSelection: req.Class,
			Lesson:         req.Lesson,
			ActionPlan:     req.ActionPlan,
			Provider:       c.cfg.Provider,
			Model:          cmp.Or(resp.Model, c.cfg.Model),
			Iteration:      st.Iteration,
			InputTokens:    resp.InputTokens,
			OutputTokens:   resp.OutputTokens,
			Duration:       time.Since(callStart),
		})

		lastReply = resp.Message.Content
		d := c.deps.Parser.Parse(lastReply)
		st.Requested = append(st.Requested, d.Keys...)
		header := prompts.TokenUsageHeader(st.InputTokens, st.OutputTokens, st.Iteration)

		if !d.Requested {
			if d.Answer != "" {
				text = header + d.Answer
			} else {
				text = lastReply
			}
			res.Outcome = OutcomeFinal
			ilog.Debug("model answered",
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
				"structured", d.Answer != "",
			)
			break
		}

		if st.exceeded(c.cfg.MaxIterations) {
			text = header + d.Answer + "\n" + prompts.LoopExceededNotice
			res.Outcome = OutcomeExceeded
			ilog.Warn("retrieval pass ceiling reached",
				"max_iterations", c.cfg.MaxIterations,
				"content_keys", d.Keys,
			)
			break
		}

		ledger.Append(conversation.RoleUser, req.Text)
		ledger.Append(conversation.RoleAssistant, lastReply)

		loaded := c.deps.Loader.Load(ctx, req.Class, d.Keys)
		st.forget(loaded.Failed)
		st.Additional = loaded.Blob
		st.LoadedStatus = loaded.Status
		ilog.Info("reference content requested",
			"content_keys", d.Keys,
			"loaded", loaded.Loaded,
			"failed", loaded.Failed,
			"bytes", loaded.Bytes,
		)
	}

	ledger.AppendVisible(conversation.RoleUser, req.Text, req.Text)
	ledger.AppendVisible(conversation.RoleAssistant, lastReply, text)

	if total := ledger.TotalDisplayContentBytes(); total > c.cfg.ConversationBudgetBytes && c.cfg.ConversationBudgetBytes > 0 {
		pruned := ledger.PruneOldestPair()
		st.Truncated = true
		text = prompts.TruncationNotice + text
		log.Info("conversation over budget",
			"display_bytes", total,
			"budget_bytes", c.cfg.ConversationBudgetBytes,
			"pruned", pruned,
		)
	}

	res.Text = text
	c.finish(&res, &st)
	log.Info("turn completed",
		"outcome", res.Outcome,
		"iterations", res.Iterations,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"truncated", res.Truncated,
		"elapsed", c.deps.Now().Sub(start).Round(time.Millisecond),
	)
	return res, nil
}

func (c *Controller) templateError(log *slog.Logger, res Result, st *IterationState, err error) (Result, error) {
	if errors.Is(err, content.ErrNotFound) {
		log.Warn("class material not found", "error", err)
		res.Outcome = OutcomeError
		return res, err
	}
	return c.fail(log, res, st, fmt.Errorf("load class material: %w", err)), nil
}

func (c *Controller) fail(log *slog.Logger, res Result, st *IterationState, err error) Result {
	log.Error("turn failed", "error", err, "iterations", st.Iteration)
	res.Text = prompts.Apology(err)
	res.Outcome = OutcomeError
	c.finish(&res, st)
	return res
}

func (c *Controller) finish(res *Result, st *IterationState) {
	res.Iterations = st.Iteration
	res.InputTokens = st.InputTokens
	res.OutputTokens = st.OutputTokens
	res.Truncated = st.Truncated
	res.RequestedKeys = append([]string(nil), st.Requested...)
}

func (c *Controller) recordUsage(ctx context.Context, log *slog.Logger, rec usage.Record) {
	if c.deps.Usage == nil {
		return
	}
	rec.Timestamp = c.deps.Now()
	if err := c.deps.Usage.Record(ctx, rec); err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}

func (c *Controller) notify(ctx context.Context, ev TurnEvent) {
	if c.deps.Observer == nil {
		return
	}
	c.deps.Observer.TurnCompleted(ctx, ev)
}

func (c *Controller) logPrompt(ctx context.Context, log *slog.Logger, msgs []llm.Message) {
	if !log.Enabled(ctx, llm.LevelTrace) {
		log.Debug("invoking model", "messages", len(msgs))
		return
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	prompt := b.String()
	if len(prompt) > maxPromptLogBytes {
		prompt = prompt[:maxPromptLogBytes] + "...(truncated)"
	}
	log.Log(ctx, llm.LevelTrace, "assembled prompt", "messages", len(msgs), "prompt", prompt)
}
