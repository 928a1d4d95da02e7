// Package usage keeps an append-only ledger of model invocations and
// their token counts, one row per pass of the retrieval loop, so
// instructors can see what each class and lesson costs to run.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is a single model invocation.
type Record struct {
	ID        string
	Timestamp time.Time
	// TurnID groups the invocations of one student request.
	TurnID         string
	SessionKey     string
	ConversationID string
	ClassSelection string
	Lesson         string
	ActionPlan     string
	Provider       string
	Model          string
	Iteration      int
	InputTokens    int
	OutputTokens   int
	Duration       time.Duration
}

// Summary holds aggregated token totals.
type Summary struct {
	Invocations       int   `json:"invocations"`
	Turns             int   `json:"turns"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the usage database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		turn_id         TEXT NOT NULL,
		session_key     TEXT,
		conversation_id TEXT,
		class_selection TEXT,
		lesson          TEXT,
		action_plan     TEXT,
		provider        TEXT NOT NULL,
		model           TEXT NOT NULL,
		iteration       INTEGER NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		duration_ms     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_timestamp ON invocations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_invocations_turn ON invocations(turn_id);
	CREATE INDEX IF NOT EXISTS idx_invocations_class ON invocations(class_selection);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec. An empty ID becomes a UUIDv7 and a zero
// timestamp becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations
			(id, timestamp, turn_id, session_key, conversation_id, class_selection,
			 lesson, action_plan, provider, model, iteration, input_tokens,
			 output_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.TurnID,
		rec.SessionKey,
		rec.ConversationID,
		rec.ClassSelection,
		rec.Lesson,
		rec.ActionPlan,
		rec.Provider,
		rec.Model,
		rec.Iteration,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*), COUNT(DISTINCT turn_id), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)`

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM invocations
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.Invocations, &sum.Turns, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByClass returns per-class totals for records within [start, end).
func (s *Store) SummaryByClass(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "class_selection", start, end)
}

// SummaryByLesson returns per-lesson totals for records within [start, end).
func (s *Store) SummaryByLesson(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "lesson", start, end)
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column only ever comes from the methods above.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+summaryColumns+`
		 FROM invocations
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Invocations, &sum.Turns, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
