package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwhitford/duraq/internal/metrics"
	"github.com/mwhitford/duraq/internal/queue"
	"github.com/mwhitford/duraq/internal/queue/store"
)

// Ensure *PostgresStore implements store.Store at compile time.
var _ store.Store = (*PostgresStore)(nil)

type PostgresStore struct {
	pool        *pgxpool.Pool
	backoffBase time.Duration
}

type Option func(*PostgresStore)

// WithBackoffBase overrides the first-retry delay (default 60s).
func WithBackoffBase(d time.Duration) Option {
	return func(p *PostgresStore) { p.backoffBase = d }
}

func New(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	p := &PostgresStore{pool: pool, backoffBase: queue.DefaultBackoffBase}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// helper: convert a Go duration to a Postgres interval literal like "12.500000s".
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

const messageColumns = `id, queue, type, body, priority, status, correlation_id,
retry_count, max_retries, created_at, scheduled_at, claim_started_at,
claim_ended_at, claimant_id, last_error`

// SQL templates. Queue names and types are always bind parameters.
const (
	sqlEnqueue = `
INSERT INTO messages (queue, type, body, priority, correlation_id, max_retries, status, created_at, scheduled_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', now(), $7)
RETURNING id;`

	// Single CTE TX pattern: pick -> update -> return the claimed row.
	// SKIP LOCKED is what makes concurrent claimants never collide.
	sqlClaim = `
WITH picked AS (
  SELECT id
  FROM messages
  WHERE queue = $1
    AND status = 'pending'
    AND scheduled_at <= now()
    AND ($2 = '' OR type = $2)
  ORDER BY priority DESC, created_at ASC, id ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
),
updated AS (
  UPDATE messages m
  SET status = 'processing',
      claimant_id = $3,
      claim_started_at = now()
  FROM picked
  WHERE m.id = picked.id
  RETURNING m.id, m.queue, m.type, m.body, m.priority, m.status, m.correlation_id,
            m.retry_count, m.max_retries, m.created_at, m.scheduled_at,
            m.claim_started_at, m.claim_ended_at, m.claimant_id, m.last_error
)
SELECT * FROM updated;`

	sqlSelectForComplete = `
SELECT ` + messageColumns + `
FROM messages
WHERE id = $1
FOR UPDATE;`

	sqlMarkCompleted = `
UPDATE messages
SET status = 'completed', claim_ended_at = now()
WHERE id = $1;`

	sqlReschedule = `
UPDATE messages
SET status = 'pending',
    retry_count = retry_count + 1,
    claimant_id = NULL,
    claim_ended_at = now(),
    last_error = $2,
    scheduled_at = now() + $3::interval
WHERE id = $1;`

	sqlInsertDeadLetter = `
INSERT INTO dead_letters (message_id, queue, type, body, priority, correlation_id,
                          retry_count, max_retries, created_at, dead_lettered_at, reason, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), $10, $11);`

	sqlDeleteMessage = `DELETE FROM messages WHERE id = $1;`

	sqlDeadLetterExists = `SELECT EXISTS (SELECT 1 FROM dead_letters WHERE message_id = $1);`

	// Reclaim pass one: expired claims that still have retry budget go back
	// to pending with exponential backoff off their new retry_count, capped
	// at the same ceiling queue.Backoff saturates at ($3, seconds).
	sqlReclaimRequeue = `
WITH expired AS (
  SELECT id
  FROM messages
  WHERE status = 'processing'
    AND claim_started_at IS NOT NULL
    AND claim_started_at < now() - $1::interval
    AND retry_count < max_retries
  FOR UPDATE SKIP LOCKED
)
UPDATE messages
SET status = 'pending',
    retry_count = retry_count + 1,
    claimant_id = NULL,
    claim_ended_at = now(),
    last_error = 'claim expired',
    scheduled_at = now() + make_interval(secs => LEAST($2 * pow(2, retry_count), $3))
WHERE id IN (SELECT id FROM expired);`

	// Reclaim pass two: expired claims with no budget left are archived and
	// removed in one statement.
	sqlReclaimDeadLetter = `
WITH expired AS (
  SELECT id, queue, type, body, priority, correlation_id, retry_count, max_retries, created_at
  FROM messages
  WHERE status = 'processing'
    AND claim_started_at IS NOT NULL
    AND claim_started_at < now() - $1::interval
    AND retry_count >= max_retries
  FOR UPDATE SKIP LOCKED
),
archived AS (
  INSERT INTO dead_letters (message_id, queue, type, body, priority, correlation_id,
                            retry_count, max_retries, created_at, dead_lettered_at, reason, last_error)
  SELECT id, queue, type, body, priority, correlation_id,
         retry_count, max_retries, created_at, now(), 'claim expired', 'claim expired'
  FROM expired
  RETURNING message_id
)
DELETE FROM messages
WHERE id IN (SELECT id FROM expired);`

	sqlStatusCounts = `
SELECT status, count(*) FROM messages WHERE queue = $1 GROUP BY status;`

	sqlDeadLetterCount = `SELECT count(*) FROM dead_letters WHERE queue = $1;`

	sqlOldestPending = `
SELECT min(created_at) FROM messages WHERE queue = $1 AND status = 'pending';`

	sqlProcessingDurations = `
SELECT count(*),
       COALESCE(avg(extract(epoch FROM claim_ended_at - claim_started_at)) * 1000, 0),
       COALESCE(percentile_cont(0.95) WITHIN GROUP
           (ORDER BY extract(epoch FROM claim_ended_at - claim_started_at)) * 1000, 0)
FROM messages
WHERE queue = $1
  AND status = 'completed'
  AND claim_ended_at >= now() - $2::interval;`

	sqlListDeadLetters = `
SELECT id, message_id, queue, type, body, priority, correlation_id,
       retry_count, max_retries, created_at, dead_lettered_at, reason, last_error
FROM dead_letters
WHERE queue = $1
ORDER BY dead_lettered_at DESC, id DESC
LIMIT $2 OFFSET $3;`

	sqlSelectDeadLetter = `
SELECT id, message_id, queue, type, body, priority, correlation_id,
       retry_count, max_retries, created_at, dead_lettered_at, reason, last_error
FROM dead_letters
WHERE id = $1;`

	sqlPurgeCompleted = `
DELETE FROM messages WHERE status = 'completed' AND claim_ended_at < $1;`
)

func scanMessage(row pgx.Row) (*queue.Message, error) {
	var m queue.Message
	err := row.Scan(
		&m.ID,
		&m.Queue,
		&m.Type,
		&m.Body,
		&m.Priority,
		&m.Status,
		&m.CorrelationID,
		&m.RetryCount,
		&m.MaxRetries,
		&m.CreatedAt,
		&m.ScheduledAt,
		&m.ClaimStarted,
		&m.ClaimEnded,
		&m.ClaimantID,
		&m.LastError,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Enqueue inserts a Pending message and returns its id.
func (p *PostgresStore) Enqueue(ctx context.Context, m queue.Message) (int64, error) {
	if err := queue.ValidateEnqueue(&m); err != nil {
		return 0, err
	}

	scheduled := m.ScheduledAt
	if scheduled.IsZero() {
		scheduled = time.Now().UTC()
	}

	var id int64
	err := p.pool.QueryRow(ctx, sqlEnqueue,
		m.Queue,
		m.Type,
		m.Body,
		m.Priority,
		m.CorrelationID,
		m.MaxRetries,
		scheduled,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %q: %w", m.Queue, err)
	}
	metrics.MessagesEnqueued.WithLabelValues(m.Queue).Inc()
	return id, nil
}

// Claim leases the next eligible message for opts.ClaimantID.
func (p *PostgresStore) Claim(ctx context.Context, opts queue.ClaimOptions) (*queue.Message, error) {
	if err := queue.ValidateClaim(opts); err != nil {
		return nil, err
	}

	m, err := scanMessage(p.pool.QueryRow(ctx, sqlClaim, opts.Queue, opts.Type, opts.ClaimantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.ClaimsEmpty.WithLabelValues(opts.Queue).Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("claim %q: %w", opts.Queue, err)
	}
	metrics.MessagesClaimed.WithLabelValues(opts.Queue).Inc()
	return m, nil
}

// Complete applies the success/retry/dead-letter policy inside one transaction.
func (p *PostgresStore) Complete(ctx context.Context, id int64, success bool, errMsg string) (queue.CompleteOutcome, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("complete begin: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := scanMessage(tx.QueryRow(ctx, sqlSelectForComplete, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already migrated to the dead-letter archive counts as a
			// double completion, not a missing message.
			var archived bool
			if derr := tx.QueryRow(ctx, sqlDeadLetterExists, id).Scan(&archived); derr == nil && archived {
				return "", queue.ErrNotProcessing
			}
			return "", queue.ErrNotFound
		}
		return "", fmt.Errorf("complete select %d: %w", id, err)
	}
	if m.Status != queue.StatusProcessing {
		return "", queue.ErrNotProcessing
	}

	outcome := queue.OutcomeCompleted
	switch {
	case success:
		if _, err := tx.Exec(ctx, sqlMarkCompleted, id); err != nil {
			return "", fmt.Errorf("complete update %d: %w", id, err)
		}

	case m.RetriesRemaining():
		delay := queue.Backoff(p.backoffBase, m.RetryCount+1)
		if _, err := tx.Exec(ctx, sqlReschedule, id, errMsg, toInterval(delay)); err != nil {
			return "", fmt.Errorf("complete reschedule %d: %w", id, err)
		}
		outcome = queue.OutcomeRetried

	default:
		lastErr := m.LastError
		if errMsg != "" {
			lastErr = &errMsg
		}
		_, err := tx.Exec(ctx, sqlInsertDeadLetter,
			m.ID, m.Queue, m.Type, m.Body, m.Priority, m.CorrelationID,
			m.RetryCount, m.MaxRetries, m.CreatedAt, "max retries exceeded", lastErr)
		if err != nil {
			return "", fmt.Errorf("complete dead-letter %d: %w", id, err)
		}
		if _, err := tx.Exec(ctx, sqlDeleteMessage, id); err != nil {
			return "", fmt.Errorf("complete delete %d: %w", id, err)
		}
		outcome = queue.OutcomeDeadLettered
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("complete commit %d: %w", id, err)
	}

	switch outcome {
	case queue.OutcomeCompleted:
		metrics.MessagesCompleted.WithLabelValues(m.Queue).Inc()
		if m.ClaimStarted != nil {
			metrics.ProcessingDuration.WithLabelValues(m.Queue).Observe(time.Since(*m.ClaimStarted).Seconds())
		}
	case queue.OutcomeRetried:
		metrics.MessagesRetried.WithLabelValues(m.Queue).Inc()
	case queue.OutcomeDeadLettered:
		metrics.MessagesDeadLettered.WithLabelValues(m.Queue).Inc()
	}
	return outcome, nil
}

// Stats assembles a read-only snapshot; each read stands alone so the
// snapshot never holds row locks against Claim/Complete.
func (p *PostgresStore) Stats(ctx context.Context, queueName string, window time.Duration) (queue.Stats, error) {
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

	rows, err := p.pool.Query(ctx, sqlStatusCounts, queueName)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("stats counts %q: %w", queueName, err)
	}
	for rows.Next() {
		var s queue.Status
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return queue.Stats{}, fmt.Errorf("stats counts %q: %w", queueName, err)
		}
		st.StatusCounts[s] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return queue.Stats{}, fmt.Errorf("stats counts %q: %w", queueName, err)
	}

	if err := p.pool.QueryRow(ctx, sqlDeadLetterCount, queueName).Scan(&st.DeadLetterCount); err != nil {
		return queue.Stats{}, fmt.Errorf("stats dlq count %q: %w", queueName, err)
	}

	var oldest *time.Time
	if err := p.pool.QueryRow(ctx, sqlOldestPending, queueName).Scan(&oldest); err != nil {
		return queue.Stats{}, fmt.Errorf("stats oldest pending %q: %w", queueName, err)
	}
	if oldest != nil {
		st.OldestPendingAge = time.Since(*oldest)
	}

	var completed int64
	err = p.pool.QueryRow(ctx, sqlProcessingDurations, queueName, toInterval(window)).
		Scan(&completed, &st.MeanProcessingMs, &st.P95ProcessingMs)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("stats durations %q: %w", queueName, err)
	}
	if minutes := window.Minutes(); minutes > 0 {
		st.ThroughputPerMinute = float64(completed) / minutes
	}
	return st, nil
}

// ListDeadLetters pages through the archive, newest first.
func (p *PostgresStore) ListDeadLetters(ctx context.Context, queueName string, limit, offset int) ([]queue.DeadLetterRecord, error) {
	if err := queue.ValidateQueueName(queueName); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := p.pool.Query(ctx, sqlListDeadLetters, queueName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters %q: %w", queueName, err)
	}
	defer rows.Close()

	var out []queue.DeadLetterRecord
	for rows.Next() {
		var r queue.DeadLetterRecord
		err := rows.Scan(&r.ID, &r.MessageID, &r.Queue, &r.Type, &r.Body, &r.Priority,
			&r.CorrelationID, &r.RetryCount, &r.MaxRetries, &r.CreatedAt,
			&r.DeadLetteredAt, &r.Reason, &r.LastError)
		if err != nil {
			return nil, fmt.Errorf("list dead letters %q: %w", queueName, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Redrive re-enqueues a dead-lettered snapshot as a new message. The archive
// record stays put; running Redrive twice produces two new messages, which is
// the operator's call to make.
func (p *PostgresStore) Redrive(ctx context.Context, deadLetterID int64) (int64, error) {
	var r queue.DeadLetterRecord
	err := p.pool.QueryRow(ctx, sqlSelectDeadLetter, deadLetterID).Scan(
		&r.ID, &r.MessageID, &r.Queue, &r.Type, &r.Body, &r.Priority,
		&r.CorrelationID, &r.RetryCount, &r.MaxRetries, &r.CreatedAt,
		&r.DeadLetteredAt, &r.Reason, &r.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, queue.ErrNotFound
		}
		return 0, fmt.Errorf("redrive select %d: %w", deadLetterID, err)
	}

	var id int64
	err = p.pool.QueryRow(ctx, sqlEnqueue,
		r.Queue, r.Type, r.Body, r.Priority, r.CorrelationID, r.MaxRetries, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("redrive enqueue %d: %w", deadLetterID, err)
	}
	metrics.MessagesRedriven.WithLabelValues(r.Queue).Inc()
	return id, nil
}

// ReclaimExpired requeues or dead-letters Processing rows whose claim is
// older than olderThan. Called only by the reaper.
func (p *PostgresStore) ReclaimExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	interval := toInterval(olderThan)
	baseSecs := p.backoffBase.Seconds()

	var total int
	tag, err := p.pool.Exec(ctx, sqlReclaimRequeue, interval, baseSecs, queue.MaxBackoff.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim requeue: %w", err)
	}
	requeued := int(tag.RowsAffected())
	total += requeued
	if requeued > 0 {
		metrics.MessagesReclaimed.Add(float64(requeued))
	}

	tag, err = p.pool.Exec(ctx, sqlReclaimDeadLetter, interval)
	if err != nil {
		return 0, fmt.Errorf("reclaim dead-letter: %w", err)
	}
	dead := int(tag.RowsAffected())
	total += dead
	if dead > 0 {
		metrics.ReclaimDeadLettered.Add(float64(dead))
	}
	return total, nil
}

// PurgeCompleted drops Completed rows that finished before olderThan.
func (p *PostgresStore) PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, sqlPurgeCompleted, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	return tag.RowsAffected(), nil
}
