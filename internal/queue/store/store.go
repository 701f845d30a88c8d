package store

import (
	"context"
	"time"

	"github.com/mwhitford/duraq/internal/queue"
)

// Store is the DB-agnostic contract the rest of the app uses. The store is
// the single source of truth for message state: no caller caches or mutates
// state outside of it, and the exactly-one-claimant guarantee of Claim is
// enforced by the backend's atomic claim primitive, never by application
// locking.
type Store interface {
	// Enqueue durably inserts a Pending message and returns its id.
	// Arguments are validated before any persistence; storage failures are
	// wrapped and propagated, never retried here.
	Enqueue(ctx context.Context, m queue.Message) (int64, error)

	// Claim atomically selects the highest-priority, oldest eligible Pending
	// message (scheduled_at <= now, optional type match), marks it Processing
	// for opts.ClaimantID and returns it. Returns (nil, nil) when nothing is
	// eligible — an empty queue is not an error. Under concurrent callers
	// each eligible message is handed to exactly one of them.
	Claim(ctx context.Context, opts queue.ClaimOptions) (*queue.Message, error)

	// Complete finishes a Processing message. success=true marks it
	// Completed. success=false either reschedules it Pending with exponential
	// backoff or, when the retry budget is exhausted, migrates it to the
	// dead-letter archive and removes the active row — both in one atomic
	// unit. Calling Complete on a message that is not Processing fails with
	// queue.ErrNotProcessing (double completions are rejected, not ignored).
	Complete(ctx context.Context, id int64, success bool, errMsg string) (queue.CompleteOutcome, error)

	// Stats returns a read-only snapshot of the queue: per-status counts,
	// oldest pending age, and processing duration / throughput over the
	// trailing window.
	Stats(ctx context.Context, queueName string, window time.Duration) (queue.Stats, error)

	// ListDeadLetters returns dead-letter records ordered by dead_lettered_at
	// DESC, id DESC.
	ListDeadLetters(ctx context.Context, queueName string, limit, offset int) ([]queue.DeadLetterRecord, error)

	// Redrive re-enqueues a dead-lettered message as a brand-new Pending
	// message (fresh id, retry_count 0, eligible now) and returns the new id.
	// The dead-letter record itself is immutable and stays archived.
	Redrive(ctx context.Context, deadLetterID int64) (int64, error)

	// ReclaimExpired treats Processing rows whose claim started more than
	// olderThan ago as failed attempts: each is rescheduled with backoff or
	// dead-lettered by the normal completion policy. Returns how many rows
	// were reclaimed. Only the reaper calls this; the baseline flow never
	// reclaims on its own.
	ReclaimExpired(ctx context.Context, olderThan time.Duration) (int, error)

	// PurgeCompleted deletes Completed rows finished before olderThan.
	// Retention housekeeping; it never touches live rows.
	PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error)
}
