// Package sqlite implements the queue store on an embedded SQLite database
// via modernc.org/sqlite. It exists for single-process deployments, local
// development, and tests; semantics match the Postgres backend. Atomicity of
// Claim comes from SQLite's write serialization: the store pins the pool to
// one connection so every claim is a single serialized UPDATE..RETURNING.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mwhitford/duraq/internal/metrics"
	"github.com/mwhitford/duraq/internal/queue"
	"github.com/mwhitford/duraq/internal/queue/store"
)

var _ store.Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db          *sql.DB
	backoffBase time.Duration
}

type Option func(*SQLiteStore)

// WithBackoffBase overrides the first-retry delay (default 60s).
func WithBackoffBase(d time.Duration) Option {
	return func(s *SQLiteStore) { s.backoffBase = d }
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One writer. SQLite serializes writes anyway; a single pooled
	// connection also keeps :memory: databases from splitting per-conn.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, backoffBase: queue.DefaultBackoffBase}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    queue            TEXT    NOT NULL,
    type             TEXT    NOT NULL,
    body             BLOB    NOT NULL,
    priority         INTEGER NOT NULL DEFAULT 0,
    status           TEXT    NOT NULL DEFAULT 'pending',
    correlation_id   TEXT,
    retry_count      INTEGER NOT NULL DEFAULT 0,
    max_retries      INTEGER NOT NULL DEFAULT 3,
    created_at       INTEGER NOT NULL,
    scheduled_at     INTEGER NOT NULL,
    claim_started_at INTEGER,
    claim_ended_at   INTEGER,
    claimant_id      TEXT,
    last_error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_claim
    ON messages (queue, status, priority DESC, scheduled_at);

CREATE TABLE IF NOT EXISTS dead_letters (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id       INTEGER NOT NULL,
    queue            TEXT    NOT NULL,
    type             TEXT    NOT NULL,
    body             BLOB    NOT NULL,
    priority         INTEGER NOT NULL,
    correlation_id   TEXT,
    retry_count      INTEGER NOT NULL,
    max_retries      INTEGER NOT NULL,
    created_at       INTEGER NOT NULL,
    dead_lettered_at INTEGER NOT NULL,
    reason           TEXT    NOT NULL,
    last_error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_queue
    ON dead_letters (queue, dead_lettered_at DESC);
`

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Timestamps are stored as integer milliseconds since the epoch so that
// processing durations keep sub-second resolution.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

const messageColumns = `id, queue, type, body, priority, status, correlation_id,
retry_count, max_retries, created_at, scheduled_at, claim_started_at,
claim_ended_at, claimant_id, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*queue.Message, error) {
	var (
		m                        queue.Message
		correlationID, claimant  sql.NullString
		lastError                sql.NullString
		createdAt, scheduledAt   int64
		claimStarted, claimEnded sql.NullInt64
	)
	err := row.Scan(
		&m.ID, &m.Queue, &m.Type, &m.Body, &m.Priority, &m.Status,
		&correlationID, &m.RetryCount, &m.MaxRetries,
		&createdAt, &scheduledAt, &claimStarted, &claimEnded,
		&claimant, &lastError,
	)
	if err != nil {
		return nil, err
	}
	m.CorrelationID = fromNullString(correlationID)
	m.ClaimantID = fromNullString(claimant)
	m.LastError = fromNullString(lastError)
	m.CreatedAt = fromMillis(createdAt)
	m.ScheduledAt = fromMillis(scheduledAt)
	m.ClaimStarted = fromNullMillis(claimStarted)
	m.ClaimEnded = fromNullMillis(claimEnded)
	return &m, nil
}

// Enqueue inserts a Pending message and returns its id.
func (s *SQLiteStore) Enqueue(ctx context.Context, m queue.Message) (int64, error) {
	if err := queue.ValidateEnqueue(&m); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	created := m.CreatedAt
	if created.IsZero() {
		created = now
	}
	scheduled := m.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (queue, type, body, priority, status, correlation_id, max_retries, created_at, scheduled_at)
VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		m.Queue, m.Type, m.Body, m.Priority, m.CorrelationID, m.MaxRetries,
		toMillis(created), toMillis(scheduled))
	if err != nil {
		return 0, fmt.Errorf("enqueue %q: %w", m.Queue, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue %q: %w", m.Queue, err)
	}
	metrics.MessagesEnqueued.WithLabelValues(m.Queue).Inc()
	return id, nil
}

// Claim leases the next eligible message. The subselect orders candidates the
// same way as the Postgres backend; the whole statement runs as one
// serialized write, so two racing claimants can never pick the same row.
func (s *SQLiteStore) Claim(ctx context.Context, opts queue.ClaimOptions) (*queue.Message, error) {
	if err := queue.ValidateClaim(opts); err != nil {
		return nil, err
	}

	now := toMillis(time.Now().UTC())
	row := s.db.QueryRowContext(ctx, `
UPDATE messages
SET status = 'processing', claimant_id = ?, claim_started_at = ?
WHERE id = (
    SELECT id FROM messages
    WHERE queue = ? AND status = 'pending' AND scheduled_at <= ?
      AND (? = '' OR type = ?)
    ORDER BY priority DESC, created_at ASC, id ASC
    LIMIT 1
)
RETURNING `+messageColumns,
		opts.ClaimantID, now, opts.Queue, now, opts.Type, opts.Type)

	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.ClaimsEmpty.WithLabelValues(opts.Queue).Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("claim %q: %w", opts.Queue, err)
	}
	metrics.MessagesClaimed.WithLabelValues(opts.Queue).Inc()
	return m, nil
}

// Complete applies the success/retry/dead-letter policy inside one transaction.
func (s *SQLiteStore) Complete(ctx context.Context, id int64, success bool, errMsg string) (queue.CompleteOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("complete begin: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var archived int
			derr := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM dead_letters WHERE message_id = ?`, id).Scan(&archived)
			if derr == nil && archived > 0 {
				return "", queue.ErrNotProcessing
			}
			return "", queue.ErrNotFound
		}
		return "", fmt.Errorf("complete select %d: %w", id, err)
	}
	if m.Status != queue.StatusProcessing {
		return "", queue.ErrNotProcessing
	}

	now := time.Now().UTC()
	outcome := queue.OutcomeCompleted
	switch {
	case success:
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET status = 'completed', claim_ended_at = ? WHERE id = ?`,
			toMillis(now), id)
		if err != nil {
			return "", fmt.Errorf("complete update %d: %w", id, err)
		}

	case m.RetriesRemaining():
		delay := queue.Backoff(s.backoffBase, m.RetryCount+1)
		_, err = tx.ExecContext(ctx, `
UPDATE messages
SET status = 'pending', retry_count = retry_count + 1, claimant_id = NULL,
    claim_ended_at = ?, last_error = ?, scheduled_at = ?
WHERE id = ?`,
			toMillis(now), errMsg, toMillis(now.Add(delay)), id)
		if err != nil {
			return "", fmt.Errorf("complete reschedule %d: %w", id, err)
		}
		outcome = queue.OutcomeRetried

	default:
		lastErr := m.LastError
		if errMsg != "" {
			lastErr = &errMsg
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO dead_letters (message_id, queue, type, body, priority, correlation_id,
                          retry_count, max_retries, created_at, dead_lettered_at, reason, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Queue, m.Type, m.Body, m.Priority, m.CorrelationID,
			m.RetryCount, m.MaxRetries, toMillis(m.CreatedAt), toMillis(now),
			"max retries exceeded", lastErr)
		if err != nil {
			return "", fmt.Errorf("complete dead-letter %d: %w", id, err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return "", fmt.Errorf("complete delete %d: %w", id, err)
		}
		outcome = queue.OutcomeDeadLettered
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("complete commit %d: %w", id, err)
	}

	switch outcome {
	case queue.OutcomeCompleted:
		metrics.MessagesCompleted.WithLabelValues(m.Queue).Inc()
		if m.ClaimStarted != nil {
			metrics.ProcessingDuration.WithLabelValues(m.Queue).Observe(now.Sub(*m.ClaimStarted).Seconds())
		}
	case queue.OutcomeRetried:
		metrics.MessagesRetried.WithLabelValues(m.Queue).Inc()
	case queue.OutcomeDeadLettered:
		metrics.MessagesDeadLettered.WithLabelValues(m.Queue).Inc()
	}
	return outcome, nil
}

// Stats assembles a read-only snapshot. Percentiles are computed in Go from
// the completed durations inside the window.
func (s *SQLiteStore) Stats(ctx context.Context, queueName string, window time.Duration) (queue.Stats, error) {
	if err := queue.ValidateQueueName(queueName); err != nil {
		return queue.Stats{}, err
	}
	if window <= 0 {
		window = time.Hour
	}

	st := queue.Stats{
		Queue:        queueName,
		StatusCounts: make(map[queue.Status]int64),
		Window:       window,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM messages WHERE queue = ? GROUP BY status`, queueName)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("stats counts %q: %w", queueName, err)
	}
	for rows.Next() {
		var status queue.Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return queue.Stats{}, fmt.Errorf("stats counts %q: %w", queueName, err)
		}
		st.StatusCounts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return queue.Stats{}, fmt.Errorf("stats counts %q: %w", queueName, err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM dead_letters WHERE queue = ?`, queueName).Scan(&st.DeadLetterCount); err != nil {
		return queue.Stats{}, fmt.Errorf("stats dlq count %q: %w", queueName, err)
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT min(created_at) FROM messages WHERE queue = ? AND status = 'pending'`,
		queueName).Scan(&oldest); err != nil {
		return queue.Stats{}, fmt.Errorf("stats oldest pending %q: %w", queueName, err)
	}
	if oldest.Valid {
		st.OldestPendingAge = time.Since(fromMillis(oldest.Int64))
	}

	cutoff := toMillis(time.Now().UTC().Add(-window))
	drows, err := s.db.QueryContext(ctx, `
SELECT claim_ended_at - claim_started_at
FROM messages
WHERE queue = ? AND status = 'completed'
  AND claim_started_at IS NOT NULL AND claim_ended_at >= ?`,
		queueName, cutoff)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("stats durations %q: %w", queueName, err)
	}
	var durations []float64
	for drows.Next() {
		var ms float64
		if err := drows.Scan(&ms); err != nil {
			drows.Close()
			return queue.Stats{}, fmt.Errorf("stats durations %q: %w", queueName, err)
		}
		durations = append(durations, ms)
	}
	drows.Close()
	if err := drows.Err(); err != nil {
		return queue.Stats{}, fmt.Errorf("stats durations %q: %w", queueName, err)
	}

	if len(durations) > 0 {
		sort.Float64s(durations)
		var sum float64
		for _, d := range durations {
			sum += d
		}
		st.MeanProcessingMs = sum / float64(len(durations))
		idx := int(0.95 * float64(len(durations)-1))
		st.P95ProcessingMs = durations[idx]
	}
	if minutes := window.Minutes(); minutes > 0 {
		st.ThroughputPerMinute = float64(len(durations)) / minutes
	}
	return st, nil
}

// ListDeadLetters pages through the archive, newest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, queueName string, limit, offset int) ([]queue.DeadLetterRecord, error) {
	if err := queue.ValidateQueueName(queueName); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, queue, type, body, priority, correlation_id,
       retry_count, max_retries, created_at, dead_lettered_at, reason, last_error
FROM dead_letters
WHERE queue = ?
ORDER BY dead_lettered_at DESC, id DESC
LIMIT ? OFFSET ?`, queueName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters %q: %w", queueName, err)
	}
	defer rows.Close()

	var out []queue.DeadLetterRecord
	for rows.Next() {
		r, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letters %q: %w", queueName, err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanDeadLetter(row rowScanner) (*queue.DeadLetterRecord, error) {
	var (
		r                        queue.DeadLetterRecord
		correlationID, lastError sql.NullString
		createdAt, deadAt        int64
	)
	err := row.Scan(&r.ID, &r.MessageID, &r.Queue, &r.Type, &r.Body, &r.Priority,
		&correlationID, &r.RetryCount, &r.MaxRetries, &createdAt, &deadAt,
		&r.Reason, &lastError)
	if err != nil {
		return nil, err
	}
	r.CorrelationID = fromNullString(correlationID)
	r.LastError = fromNullString(lastError)
	r.CreatedAt = fromMillis(createdAt)
	r.DeadLetteredAt = fromMillis(deadAt)
	return &r, nil
}

// Redrive re-enqueues a dead-lettered snapshot as a new Pending message.
func (s *SQLiteStore) Redrive(ctx context.Context, deadLetterID int64) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, message_id, queue, type, body, priority, correlation_id,
       retry_count, max_retries, created_at, dead_lettered_at, reason, last_error
FROM dead_letters WHERE id = ?`, deadLetterID)

	r, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, queue.ErrNotFound
		}
		return 0, fmt.Errorf("redrive select %d: %w", deadLetterID, err)
	}

	now := toMillis(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (queue, type, body, priority, status, correlation_id, max_retries, created_at, scheduled_at)
VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		r.Queue, r.Type, r.Body, r.Priority, r.CorrelationID, r.MaxRetries, now, now)
	if err != nil {
		return 0, fmt.Errorf("redrive enqueue %d: %w", deadLetterID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("redrive enqueue %d: %w", deadLetterID, err)
	}
	metrics.MessagesRedriven.WithLabelValues(r.Queue).Inc()
	return id, nil
}

// ReclaimExpired requeues or dead-letters Processing rows whose claim started
// more than olderThan ago. Called only by the reaper.
func (s *SQLiteStore) ReclaimExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := toMillis(now.Add(-olderThan))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reclaim begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+messageColumns+`
FROM messages
WHERE status = 'processing' AND claim_started_at IS NOT NULL AND claim_started_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim select: %w", err)
	}
	var expired []*queue.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("reclaim scan: %w", err)
		}
		expired = append(expired, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reclaim select: %w", err)
	}

	var requeued, dead int
	for _, m := range expired {
		if m.RetriesRemaining() {
			delay := queue.Backoff(s.backoffBase, m.RetryCount+1)
			_, err = tx.ExecContext(ctx, `
UPDATE messages
SET status = 'pending', retry_count = retry_count + 1, claimant_id = NULL,
    claim_ended_at = ?, last_error = 'claim expired', scheduled_at = ?
WHERE id = ?`,
				toMillis(now), toMillis(now.Add(delay)), m.ID)
			if err != nil {
				return 0, fmt.Errorf("reclaim requeue %d: %w", m.ID, err)
			}
			requeued++
			continue
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO dead_letters (message_id, queue, type, body, priority, correlation_id,
                          retry_count, max_retries, created_at, dead_lettered_at, reason, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'claim expired', 'claim expired')`,
			m.ID, m.Queue, m.Type, m.Body, m.Priority, m.CorrelationID,
			m.RetryCount, m.MaxRetries, toMillis(m.CreatedAt), toMillis(now))
		if err != nil {
			return 0, fmt.Errorf("reclaim dead-letter %d: %w", m.ID, err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, m.ID); err != nil {
			return 0, fmt.Errorf("reclaim delete %d: %w", m.ID, err)
		}
		dead++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reclaim commit: %w", err)
	}
	if requeued > 0 {
		metrics.MessagesReclaimed.Add(float64(requeued))
	}
	if dead > 0 {
		metrics.ReclaimDeadLettered.Add(float64(dead))
	}
	return requeued + dead, nil
}

// PurgeCompleted drops Completed rows that finished before olderThan.
func (s *SQLiteStore) PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status = 'completed' AND claim_ended_at < ?`,
		toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	return res.RowsAffected()
}
