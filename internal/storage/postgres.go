package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB is the PostgreSQL-backed schedule store.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close is for graceful shutdown.
func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresDB) Load(ctx context.Context, cardID string) (domain.CardSchedule, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM card_schedules WHERE card_id = $1`, cardID)
	s, err := scanPgSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CardSchedule{}, fmt.Errorf("schedule %s: %w", cardID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CardSchedule{}, unavailable("failed to load schedule "+cardID, err)
	}
	return s, nil
}

func (db *PostgresDB) FindReviewResult(ctx context.Context, key string) (domain.CardSchedule, error) {
	var (
		ev      domain.ReviewEvent
		quality int
		source  string
	)
	err := db.pool.QueryRow(ctx, `
		SELECT `+eventColumns("e")+`, COALESCE(s.source, '')
		FROM review_events e
		LEFT JOIN card_schedules s ON s.card_id = e.card_id
		WHERE e.idempotency_key = $1
	`, key).Scan(
		&ev.ID,
		&ev.IdempotencyKey,
		&ev.CardID,
		&ev.Owner,
		&quality,
		&ev.ReviewedAt,
		&ev.ResultingRepetitions,
		&ev.ResultingIntervalDays,
		&ev.ResultingEaseFactor,
		&ev.ResultingVersion,
		&source,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CardSchedule{}, fmt.Errorf("review %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CardSchedule{}, unavailable("failed to find review "+key, err)
	}
	ev.Quality = domain.Quality(quality)
	ev.ReviewedAt = ev.ReviewedAt.UTC()
	return ev.Schedule(source), nil
}

// Commit has the same contract as (*DB).Commit.
func (db *PostgresDB) Commit(ctx context.Context, next domain.CardSchedule, expectedVersion int64, ev domain.ReviewEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return unavailable("failed to begin commit", err)
	}
	defer tx.Rollback(ctx)

	var query string
	var args []any
	if expectedVersion == 0 {
		query = `
			INSERT INTO card_schedules (` + scheduleColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (card_id) DO NOTHING`
		args = pgScheduleArgs(next)
	} else {
		query = `
			UPDATE card_schedules
			SET repetitions = $1, ease_factor = $2, interval_days = $3,
				next_review_at = $4, last_reviewed_at = $5, version = $6
			WHERE card_id = $7 AND version = $8`
		args = []any{
			next.Repetitions,
			next.EaseFactor,
			next.IntervalDays,
			next.NextReviewAt,
			next.LastReviewedAt,
			next.Version,
			next.CardID,
			expectedVersion,
		}
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return unavailable("failed to write schedule "+next.CardID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s at version %d: %w", next.CardID, expectedVersion, domain.ErrConflict)
	}

	tag, err = tx.Exec(ctx, `
		INSERT INTO review_events (`+eventColumns("")+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		ev.ID,
		ev.IdempotencyKey,
		ev.CardID,
		ev.Owner,
		int(ev.Quality),
		ev.ReviewedAt,
		ev.ResultingRepetitions,
		ev.ResultingIntervalDays,
		ev.ResultingEaseFactor,
		ev.ResultingVersion,
	)
	if err != nil {
		return unavailable("failed to append review "+ev.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("review %s: %w", ev.IdempotencyKey, domain.ErrDuplicateReview)
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("failed to commit review "+ev.IdempotencyKey, err)
	}
	return nil
}

func (db *PostgresDB) DuePage(ctx context.Context, q domain.DueQuery) ([]domain.DueEntry, error) {
	var (
		b    strings.Builder
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	b.WriteString(`SELECT card_id, next_review_at FROM card_schedules
		WHERE orphaned_at IS NULL AND next_review_at <= ` + arg(q.AsOf))
	if q.Owner != "" {
		b.WriteString(` AND owner = ` + arg(q.Owner))
	}
	if q.After != nil {
		b.WriteString(` AND (next_review_at, card_id) > (` + arg(q.After.NextReviewAt) + `, ` + arg(q.After.CardID) + `)`)
	}
	b.WriteString(` ORDER BY next_review_at, card_id LIMIT ` + arg(q.Limit))

	rows, err := db.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, unavailable("failed to query due cards", err)
	}
	defer rows.Close()

	entries := make([]domain.DueEntry, 0, q.Limit)
	for rows.Next() {
		var e domain.DueEntry
		if err := rows.Scan(&e.CardID, &e.NextReviewAt); err != nil {
			return nil, unavailable("failed to scan due card row", err)
		}
		e.NextReviewAt = e.NextReviewAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to read due cards", err)
	}
	return entries, nil
}

func (db *PostgresDB) Ensure(ctx context.Context, s domain.CardSchedule) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO card_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (card_id) DO UPDATE
		SET orphaned_at = NULL, owner = EXCLUDED.owner, source = EXCLUDED.source,
			version = card_schedules.version + 1
		WHERE card_schedules.orphaned_at IS NOT NULL
	`, pgScheduleArgs(s)...)
	if err != nil {
		return false, unavailable("failed to ensure schedule "+s.CardID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *PostgresDB) Orphan(ctx context.Context, cardID string, at time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE card_schedules
		SET orphaned_at = $1, version = version + 1
		WHERE card_id = $2 AND orphaned_at IS NULL
	`, at, cardID)
	if err != nil {
		return unavailable("failed to orphan schedule "+cardID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = db.Load(ctx, cardID)
	return err
}

func (db *PostgresDB) CardsBySource(ctx context.Context, source string) ([]string, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT card_id FROM card_schedules
		WHERE source = $1 AND orphaned_at IS NULL
		ORDER BY card_id
	`, source)
	if err != nil {
		return nil, unavailable("failed to get cards for source "+source, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("failed to read cards for source "+source, err)
	}
	return ids, nil
}

func (db *PostgresDB) History(ctx context.Context, cardID string) ([]domain.ReviewEvent, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+eventColumns("")+`
		FROM review_events WHERE card_id = $1
		ORDER BY resulting_version
	`, cardID)
	if err != nil {
		return nil, unavailable("failed to get history for "+cardID, err)
	}
	defer rows.Close()

	var events []domain.ReviewEvent
	for rows.Next() {
		var (
			ev      domain.ReviewEvent
			quality int
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.IdempotencyKey,
			&ev.CardID,
			&ev.Owner,
			&quality,
			&ev.ReviewedAt,
			&ev.ResultingRepetitions,
			&ev.ResultingIntervalDays,
			&ev.ResultingEaseFactor,
			&ev.ResultingVersion,
		); err != nil {
			return nil, unavailable("failed to scan review row for "+cardID, err)
		}
		ev.Quality = domain.Quality(quality)
		ev.ReviewedAt = ev.ReviewedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to read history for "+cardID, err)
	}
	return events, nil
}

func scanPgSchedule(row pgx.Row) (domain.CardSchedule, error) {
	var s domain.CardSchedule
	err := row.Scan(
		&s.CardID,
		&s.Owner,
		&s.Source,
		&s.Repetitions,
		&s.EaseFactor,
		&s.IntervalDays,
		&s.NextReviewAt,
		&s.LastReviewedAt,
		&s.Version,
		&s.OrphanedAt,
	)
	if err != nil {
		return domain.CardSchedule{}, err
	}
	s.NextReviewAt = s.NextReviewAt.UTC()
	s.LastReviewedAt = utcPtr(s.LastReviewedAt)
	s.OrphanedAt = utcPtr(s.OrphanedAt)
	return s, nil
}

func pgScheduleArgs(s domain.CardSchedule) []any {
	return []any{
		s.CardID,
		s.Owner,
		s.Source,
		s.Repetitions,
		s.EaseFactor,
		s.IntervalDays,
		s.NextReviewAt,
		s.LastReviewedAt,
		s.Version,
		s.OrphanedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
