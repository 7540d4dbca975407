// Package pgsink is an observe.Sink that stores call telemetry in PostgreSQL.
//
// Events are queued in a bounded buffer and written by a background goroutine
// in batches, so a slow or unavailable database never stalls a call. When the
// buffer is full new events are dropped and counted.
//
// Usage:
//
//	sink, err := pgsink.Open(ctx, dsn)
//	if err != nil { … }
//	defer sink.Close(ctx)
package pgsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const ddlTelemetry = `
CREATE TABLE IF NOT EXISTS call_transitions (
    id          BIGSERIAL    PRIMARY KEY,
    call_id     TEXT         NOT NULL,
    turn_id     TEXT         NOT NULL DEFAULT '',
    from_state  TEXT         NOT NULL,
    to_state    TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL,
    elapsed_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_call_transitions_call_id
    ON call_transitions (call_id, at);

CREATE TABLE IF NOT EXISTS call_turns (
    id              BIGSERIAL    PRIMARY KEY,
    call_id         TEXT         NOT NULL,
    turn_id         TEXT         NOT NULL,
    outcome         TEXT         NOT NULL,
    state           TEXT         NOT NULL,
    apology         BOOLEAN      NOT NULL DEFAULT false,
    stage           TEXT         NOT NULL DEFAULT '',
    duration_ns     BIGINT       NOT NULL DEFAULT 0,
    first_audio_ns  BIGINT       NOT NULL DEFAULT 0,
    elapsed_ns      BIGINT       NOT NULL DEFAULT 0,
    recorded_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_turns_call_id
    ON call_turns (call_id);

CREATE TABLE IF NOT EXISTS call_lifecycle (
    id           BIGSERIAL    PRIMARY KEY,
    call_id      TEXT         NOT NULL,
    session_id   TEXT         NOT NULL DEFAULT '',
    kind         TEXT         NOT NULL,
    reason       TEXT         NOT NULL DEFAULT '',
    error        TEXT         NOT NULL DEFAULT '',
    at           TIMESTAMPTZ  NOT NULL,
    duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_call_lifecycle_call_id
    ON call_lifecycle (call_id);
`

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the telemetry tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, ddlTelemetry); err != nil {
		return fmt.Errorf("pgsink: migrate: %w", err)
	}
	return nil
}
