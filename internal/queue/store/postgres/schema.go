package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. The claim index matches the
// claim ORDER BY so SKIP LOCKED scans stay cheap under load.
const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id               BIGSERIAL PRIMARY KEY,
    queue            TEXT        NOT NULL,
    type             TEXT        NOT NULL,
    body             BYTEA       NOT NULL,
    priority         INTEGER     NOT NULL DEFAULT 0,
    status           TEXT        NOT NULL DEFAULT 'pending',
    correlation_id   TEXT,
    retry_count      INTEGER     NOT NULL DEFAULT 0,
    max_retries      INTEGER     NOT NULL DEFAULT 3,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    scheduled_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    claim_started_at TIMESTAMPTZ,
    claim_ended_at   TIMESTAMPTZ,
    claimant_id      TEXT,
    last_error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_claim
    ON messages (queue, status, priority DESC, scheduled_at);

CREATE TABLE IF NOT EXISTS dead_letters (
    id               BIGSERIAL PRIMARY KEY,
    message_id       BIGINT      NOT NULL,
    queue            TEXT        NOT NULL,
    type             TEXT        NOT NULL,
    body             BYTEA       NOT NULL,
    priority         INTEGER     NOT NULL,
    correlation_id   TEXT,
    retry_count      INTEGER     NOT NULL,
    max_retries      INTEGER     NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    dead_lettered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    reason           TEXT        NOT NULL,
    last_error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_queue
    ON dead_letters (queue, dead_lettered_at DESC);
`

// Migrate creates the queue tables and indexes if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
