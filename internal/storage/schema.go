package storage

// Times are stored as Unix milliseconds so that range scans on the due
// index compare integers.
const schema = `
-- One row per reviewable card.
CREATE TABLE IF NOT EXISTS card_schedules (
    card_id TEXT PRIMARY KEY,
    owner TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    repetitions INTEGER NOT NULL DEFAULT 0,
    ease_factor REAL NOT NULL DEFAULT 2.5,
    interval_days INTEGER NOT NULL DEFAULT 0,
    next_review_at INTEGER NOT NULL,
    last_reviewed_at INTEGER,
    version INTEGER NOT NULL,
    orphaned_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_card_schedules_due ON card_schedules (next_review_at, card_id);
CREATE INDEX IF NOT EXISTS idx_card_schedules_owner_due ON card_schedules (owner, next_review_at, card_id);
CREATE INDEX IF NOT EXISTS idx_card_schedules_source ON card_schedules (source);

-- Append-only review history. The unique idempotency key is what makes a
-- retried submission a no-op.
CREATE TABLE IF NOT EXISTS review_events (
    id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    card_id TEXT NOT NULL,
    owner TEXT NOT NULL DEFAULT '',
    quality INTEGER NOT NULL,
    reviewed_at INTEGER NOT NULL,
    resulting_repetitions INTEGER NOT NULL,
    resulting_interval_days INTEGER NOT NULL,
    resulting_ease_factor REAL NOT NULL,
    resulting_version INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_review_events_card ON review_events (card_id, resulting_version);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS card_schedules (
    card_id TEXT PRIMARY KEY,
    owner TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    repetitions INTEGER NOT NULL DEFAULT 0,
    ease_factor DOUBLE PRECISION NOT NULL DEFAULT 2.5,
    interval_days INTEGER NOT NULL DEFAULT 0,
    next_review_at TIMESTAMPTZ NOT NULL,
    last_reviewed_at TIMESTAMPTZ,
    version BIGINT NOT NULL,
    orphaned_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_card_schedules_due ON card_schedules (next_review_at, card_id);
CREATE INDEX IF NOT EXISTS idx_card_schedules_owner_due ON card_schedules (owner, next_review_at, card_id);
CREATE INDEX IF NOT EXISTS idx_card_schedules_source ON card_schedules (source);

CREATE TABLE IF NOT EXISTS review_events (
    id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL,
    card_id TEXT NOT NULL,
    owner TEXT NOT NULL DEFAULT '',
    quality SMALLINT NOT NULL,
    reviewed_at TIMESTAMPTZ NOT NULL,
    resulting_repetitions INTEGER NOT NULL,
    resulting_interval_days INTEGER NOT NULL,
    resulting_ease_factor DOUBLE PRECISION NOT NULL,
    resulting_version BIGINT NOT NULL,
    CONSTRAINT review_events_idempotency_key_key UNIQUE (idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_review_events_card ON review_events (card_id, resulting_version);
`
