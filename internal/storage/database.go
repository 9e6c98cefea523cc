package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// DB is the SQLite-backed schedule store.
type DB struct {
	conn *sql.DB
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: writers queue in database/sql instead of failing with
	// SQLITE_BUSY. DuePage releases it between pages.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

const scheduleColumns = `card_id, owner, source, repetitions, ease_factor, interval_days,
	next_review_at, last_reviewed_at, version, orphaned_at`

// Load returns the schedule of a card, or domain.ErrNotFound.
func (db *DB) Load(ctx context.Context, cardID string) (domain.CardSchedule, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM card_schedules WHERE card_id = ?`, cardID)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CardSchedule{}, fmt.Errorf("schedule %s: %w", cardID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CardSchedule{}, unavailable("failed to load schedule "+cardID, err)
	}
	return s, nil
}

// FindReviewResult returns the schedule produced by the review committed
// under key, or domain.ErrNotFound.
func (db *DB) FindReviewResult(ctx context.Context, key string) (domain.CardSchedule, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+eventColumns("e")+`, COALESCE(s.source, '')
		FROM review_events e
		LEFT JOIN card_schedules s ON s.card_id = e.card_id
		WHERE e.idempotency_key = ?
	`, key)

	var (
		ev     domain.ReviewEvent
		at     int64
		source string
	)
	err := row.Scan(
		&ev.ID,
		&ev.IdempotencyKey,
		&ev.CardID,
		&ev.Owner,
		&ev.Quality,
		&at,
		&ev.ResultingRepetitions,
		&ev.ResultingIntervalDays,
		&ev.ResultingEaseFactor,
		&ev.ResultingVersion,
		&source,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CardSchedule{}, fmt.Errorf("review %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CardSchedule{}, unavailable("failed to find review "+key, err)
	}
	ev.ReviewedAt = fromMillis(at)
	return ev.Schedule(source), nil
}

// Commit writes next and appends ev in one transaction. The write only
// succeeds if the stored version still equals expectedVersion (0 meaning
// the row must not exist yet); otherwise it returns domain.ErrConflict.
// A reused idempotency key returns domain.ErrDuplicateReview. On any error
// nothing is written.
func (db *DB) Commit(ctx context.Context, next domain.CardSchedule, expectedVersion int64, ev domain.ReviewEvent) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("failed to begin commit", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO card_schedules (`+scheduleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (card_id) DO NOTHING
		`, scheduleArgs(next)...)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE card_schedules
			SET repetitions = ?, ease_factor = ?, interval_days = ?,
				next_review_at = ?, last_reviewed_at = ?, version = ?
			WHERE card_id = ? AND version = ?
		`,
			next.Repetitions,
			next.EaseFactor,
			next.IntervalDays,
			toMillis(next.NextReviewAt),
			nullMillis(next.LastReviewedAt),
			next.Version,
			next.CardID,
			expectedVersion,
		)
	}
	if err != nil {
		return unavailable("failed to write schedule "+next.CardID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable("failed to write schedule "+next.CardID, err)
	} else if n == 0 {
		return fmt.Errorf("schedule %s at version %d: %w", next.CardID, expectedVersion, domain.ErrConflict)
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO review_events (`+eventColumns("")+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		ev.ID,
		ev.IdempotencyKey,
		ev.CardID,
		ev.Owner,
		int(ev.Quality),
		toMillis(ev.ReviewedAt),
		ev.ResultingRepetitions,
		ev.ResultingIntervalDays,
		ev.ResultingEaseFactor,
		ev.ResultingVersion,
	)
	if err != nil {
		return unavailable("failed to append review "+ev.IdempotencyKey, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable("failed to append review "+ev.IdempotencyKey, err)
	} else if n == 0 {
		return fmt.Errorf("review %s: %w", ev.IdempotencyKey, domain.ErrDuplicateReview)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("failed to commit review "+ev.IdempotencyKey, err)
	}
	return nil
}

// DuePage returns one keyset page of the due queue.
func (db *DB) DuePage(ctx context.Context, q domain.DueQuery) ([]domain.DueEntry, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT card_id, next_review_at FROM card_schedules
		WHERE orphaned_at IS NULL AND next_review_at <= ?`)
	args = append(args, toMillis(q.AsOf))
	if q.Owner != "" {
		b.WriteString(` AND owner = ?`)
		args = append(args, q.Owner)
	}
	if q.After != nil {
		after := toMillis(q.After.NextReviewAt)
		b.WriteString(` AND (next_review_at > ? OR (next_review_at = ? AND card_id > ?))`)
		args = append(args, after, after, q.After.CardID)
	}
	b.WriteString(` ORDER BY next_review_at, card_id LIMIT ?`)
	args = append(args, q.Limit)

	rows, err := db.conn.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, unavailable("failed to query due cards", err)
	}
	defer rows.Close()

	entries := make([]domain.DueEntry, 0, q.Limit)
	for rows.Next() {
		var (
			e  domain.DueEntry
			at int64
		)
		if err := rows.Scan(&e.CardID, &at); err != nil {
			return nil, unavailable("failed to scan due card row", err)
		}
		e.NextReviewAt = fromMillis(at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to read due cards", err)
	}
	return entries, nil
}

// Ensure inserts s if the card has no schedule yet and restores an orphaned
// one, taking over the owner and source of s. It reports whether anything
// changed.
func (db *DB) Ensure(ctx context.Context, s domain.CardSchedule) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO card_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (card_id) DO UPDATE
		SET orphaned_at = NULL, owner = excluded.owner, source = excluded.source,
			version = card_schedules.version + 1
		WHERE card_schedules.orphaned_at IS NOT NULL
	`, scheduleArgs(s)...)
	if err != nil {
		return false, unavailable("failed to ensure schedule "+s.CardID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("failed to ensure schedule "+s.CardID, err)
	}
	return n > 0, nil
}

// Orphan marks the schedule of a deleted card. The row and its history are
// kept.
func (db *DB) Orphan(ctx context.Context, cardID string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE card_schedules
		SET orphaned_at = ?, version = version + 1
		WHERE card_id = ? AND orphaned_at IS NULL
	`, toMillis(at), cardID)
	if err != nil {
		return unavailable("failed to orphan schedule "+cardID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable("failed to orphan schedule "+cardID, err)
	} else if n > 0 {
		return nil
	}
	// Either already orphaned or unknown.
	_, err = db.Load(ctx, cardID)
	return err
}

// CardsBySource lists the non-orphaned cards registered from source.
func (db *DB) CardsBySource(ctx context.Context, source string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT card_id FROM card_schedules
		WHERE source = ? AND orphaned_at IS NULL
		ORDER BY card_id
	`, source)
	if err != nil {
		return nil, unavailable("failed to get cards for source "+source, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("failed to scan card row for source "+source, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to read cards for source "+source, err)
	}
	return ids, nil
}

// History returns the review events of a card, oldest first.
func (db *DB) History(ctx context.Context, cardID string) ([]domain.ReviewEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+eventColumns("")+`
		FROM review_events WHERE card_id = ?
		ORDER BY resulting_version
	`, cardID)
	if err != nil {
		return nil, unavailable("failed to get history for "+cardID, err)
	}
	defer rows.Close()

	var events []domain.ReviewEvent
	for rows.Next() {
		var (
			ev domain.ReviewEvent
			at int64
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.IdempotencyKey,
			&ev.CardID,
			&ev.Owner,
			&ev.Quality,
			&at,
			&ev.ResultingRepetitions,
			&ev.ResultingIntervalDays,
			&ev.ResultingEaseFactor,
			&ev.ResultingVersion,
		); err != nil {
			return nil, unavailable("failed to scan review row for "+cardID, err)
		}
		ev.ReviewedAt = fromMillis(at)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to read history for "+cardID, err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (domain.CardSchedule, error) {
	var (
		s                  domain.CardSchedule
		next               int64
		lastReview, orphan sql.NullInt64
	)
	err := row.Scan(
		&s.CardID,
		&s.Owner,
		&s.Source,
		&s.Repetitions,
		&s.EaseFactor,
		&s.IntervalDays,
		&next,
		&lastReview,
		&s.Version,
		&orphan,
	)
	if err != nil {
		return domain.CardSchedule{}, err
	}
	s.NextReviewAt = fromMillis(next)
	s.LastReviewedAt = fromNullMillis(lastReview)
	s.OrphanedAt = fromNullMillis(orphan)
	return s, nil
}

func scheduleArgs(s domain.CardSchedule) []any {
	return []any{
		s.CardID,
		s.Owner,
		s.Source,
		s.Repetitions,
		s.EaseFactor,
		s.IntervalDays,
		toMillis(s.NextReviewAt),
		nullMillis(s.LastReviewedAt),
		s.Version,
		nullMillis(s.OrphanedAt),
	}
}

func eventColumns(alias string) string {
	cols := []string{
		"id", "idempotency_key", "card_id", "owner", "quality", "reviewed_at",
		"resulting_repetitions", "resulting_interval_days", "resulting_ease_factor", "resulting_version",
	}
	if alias != "" {
		for i, c := range cols {
			cols[i] = alias + "." + c
		}
	}
	return strings.Join(cols, ", ")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// unavailable tags a driver error as a storage failure. Context errors are
// the caller's doing and are passed through untagged.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}
