// Package logstore persists the per-message audit trail: one LogRow per
// processed message, SkippedRows for intentional aborts, and the
// structured per-message system log. Writes are idempotent under the
// internet-message-id unique index and retried on transient failures.
package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// maxBodyBytes caps stored body and error text.
const maxBodyBytes = 8000

// writeAttempts is how many times a failed insert is retried.
const writeAttempts = 3

// Store wraps the audit database.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open connection pool.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Open connects to the audit database and verifies the connection.
func Open(dsn string, poolSize int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if poolSize < 4 {
		poolSize = 4
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	return db, nil
}

// IsProcessed reports whether a LogRow already exists for the id.
// The check runs before any side effect on the message.
func (s *Store) IsProcessed(ctx context.Context, internetMessageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM logs WHERE internet_message_id = $1)`,
		internetMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return exists, nil
}

// InsertLog writes the audit row, retrying transient failures. A
// unique-violation on internet_message_id means another worker already
// recorded the message and is treated as success.
func (s *Store) InsertLog(ctx context.Context, row *LogRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	row.EmlBody = Truncate(row.EmlBody, maxBodyBytes)
	row.Reason = Truncate(row.Reason, maxBodyBytes)

	return s.withRetry(ctx, "insert log", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO logs (
				id, internet_message_id, received_at, processed_at, end_at, turnaround_seconds,
				eml_from, eml_to, eml_cc, eml_subject, eml_body,
				category, top_categories, reason, action_required, sentiment, cost_usd,
				primary_prompt_tokens, primary_completion_tokens, primary_cached_tokens,
				cheap_prompt_tokens, cheap_completion_tokens, cheap_cached_tokens,
				routed_to, intervention,
				classification_status, routing_status, read_status, autoresponse_status
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
				$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29
			)`,
			row.ID, row.InternetMessageID, row.ReceivedAt, row.ProcessedAt, row.EndAt, row.TurnaroundSeconds,
			row.EmlFrom, row.EmlTo, row.EmlCC, row.EmlSubject, row.EmlBody,
			row.Category, row.TopCategories, row.Reason, row.ActionRequired, row.Sentiment, row.CostUSD,
			row.PrimaryPromptTokens, row.PrimaryCompletionTokens, row.PrimaryCachedTokens,
			row.CheapPromptTokens, row.CheapCompletionTokens, row.CheapCachedTokens,
			row.RoutedTo, row.Intervention,
			row.ClassificationStatus, row.RoutingStatus, row.ReadStatus, row.AutoresponseStatus,
		)
		if isUniqueViolation(err) {
			logger.Warn("log row already present", "internet_message_id", row.InternetMessageID)
			return nil
		}
		return err
	})
}

// InsertSkipped records an intentional pre-classification abort.
func (s *Store) InsertSkipped(ctx context.Context, row *SkippedRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return s.withRetry(ctx, "insert skipped", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO skipped_mails (id, subject, eml_from, eml_to, skip_type, skip_reason, processing_time, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			row.ID, row.Subject, row.EmlFrom, row.EmlTo, row.SkipType,
			Truncate(row.SkipReason, maxBodyBytes), row.ProcessingTime, row.CreatedAt)
		return err
	})
}

// InsertSystemLog stores the structured per-message log capture. It is
// written in the engine's finally path so a best-effort record exists
// even when the main insert failed.
func (s *Store) InsertSystemLog(ctx context.Context, emailID string, logJSON []byte) error {
	return s.withRetry(ctx, "insert system log", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO system_logs (id, email_id, log_json, created_at)
			VALUES ($1,$2,$3,$4)`,
			uuid.New().String(), emailID, string(logJSON), time.Now().UTC())
		return err
	})
}

// ModelCosts reads the pricing table keyed by deployment name.
func (s *Store) ModelCosts(ctx context.Context) (map[string]ModelCost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, prompt_cost, completion_cost, cache_cost FROM model_costs`)
	if err != nil {
		return nil, fmt.Errorf("read model costs: %w", err)
	}
	defer rows.Close()

	out := map[string]ModelCost{}
	for rows.Next() {
		var mc ModelCost
		if err := rows.Scan(&mc.Model, &mc.PromptCost, &mc.CompletionCost, &mc.CacheCost); err != nil {
			return nil, fmt.Errorf("scan model cost: %w", err)
		}
		out[mc.Model] = mc
	}
	return out, rows.Err()
}

// DaySummary aggregates the day's LogRows, excluding UAT test traffic.
func (s *Store) DaySummary(ctx context.Context, day time.Time, testPrefix string) (*DaySummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var ds DaySummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE classification_status = 'success'),
		       COUNT(*) FILTER (WHERE routing_status = 'success'),
		       COUNT(*) FILTER (WHERE read_status = 'success'),
		       COUNT(*) FILTER (WHERE autoresponse_status = 'success'),
		       COUNT(*) FILTER (WHERE autoresponse_status = 'failed'),
		       COUNT(*) FILTER (WHERE autoresponse_status = 'pending'),
		       COUNT(*) FILTER (WHERE autoresponse_status = 'not_attempted'),
		       COUNT(*) FILTER (WHERE intervention),
		       COUNT(*) FILTER (WHERE action_required = 'yes'),
		       COALESCE(AVG(turnaround_seconds), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(primary_prompt_tokens + cheap_prompt_tokens), 0),
		       COALESCE(SUM(primary_completion_tokens + cheap_completion_tokens), 0),
		       COALESCE(SUM(primary_cached_tokens + cheap_cached_tokens), 0)
		FROM logs
		WHERE received_at >= $1 AND received_at < $2
		  AND POSITION($3 IN eml_subject) = 0`,
		start, end, testPrefix).Scan(
		&ds.Total, &ds.ClassifiedOK, &ds.RoutedOK, &ds.ReadOK,
		&ds.AutoSuccess, &ds.AutoFailed, &ds.AutoPending, &ds.AutoNotAttempted,
		&ds.Interventions, &ds.ActionRequired,
		&ds.AvgTurnaroundSecs, &ds.TotalCostUSD,
		&ds.PromptTokens, &ds.CompletionTokens, &ds.CachedTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("day summary: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM skipped_mails
		WHERE created_at >= $1 AND created_at < $2`,
		start, end).Scan(&ds.Skipped)
	if err != nil {
		return nil, fmt.Errorf("day summary (skipped): %w", err)
	}
	return &ds, nil
}

// CategoryCounts returns per-category volumes for the day.
func (s *Store) CategoryCounts(ctx context.Context, day time.Time, testPrefix string) (map[string]int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*)
		FROM logs
		WHERE received_at >= $1 AND received_at < $2
		  AND POSITION($3 IN eml_subject) = 0
		GROUP BY category`,
		start, end, testPrefix)
	if err != nil {
		return nil, fmt.Errorf("category counts: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		out[cat] = n
	}
	return out, rows.Err()
}

// withRetry runs fn up to writeAttempts times with 1s/2s backoff.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < writeAttempts {
			logger.Warn("db write failed, retrying", "op", op, "attempt", attempt, "error", err.Error())
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			}
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, writeAttempts, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}

// Truncate limits s to max bytes without splitting the trailing rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !isRuneStart(cut[len(cut)-1]) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
