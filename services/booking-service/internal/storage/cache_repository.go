package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/apptholds/libs/db"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/model"
)

// CacheRepository owns cached_external_events. Only the refresher writes it.
type CacheRepository struct {
	pool *db.Pool
}

func NewCacheRepository(pool *db.Pool) *CacheRepository {
	return &CacheRepository{pool: pool}
}

// ReplaceCalendar upserts one calendar's events and removes the rows of that
// calendar this fetch did not return. Concurrent refreshes of the same
// calendar are serialized by an advisory lock.
func (r *CacheRepository) ReplaceCalendar(ctx context.Context, calendarID string, events []model.CachedExternalEvent, fetchedAt time.Time) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "calcache:"+calendarID); err != nil {
		return errors.Wrap(err, "lock calendar")
	}

	if len(events) > 0 {
		batch := &pgx.Batch{}
		for _, e := range events {
			batch.Queue(`
				INSERT INTO cached_external_events
					(external_event_id, calendar_id, start_utc, end_utc, fetched_at, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (external_event_id, calendar_id) DO UPDATE
				SET start_utc = EXCLUDED.start_utc,
					end_utc = EXCLUDED.end_utc,
					fetched_at = EXCLUDED.fetched_at,
					expires_at = EXCLUDED.expires_at
			`, e.ExternalEventID, calendarID, e.StartUTC, e.EndUTC, e.FetchedAt, e.ExpiresAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "upsert cached events")
		}
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM cached_external_events
		WHERE calendar_id = $1 AND fetched_at < $2
	`, calendarID, fetchedAt); err != nil {
		return errors.Wrap(err, "drop stale cached events")
	}
	return tx.Commit(ctx)
}

func (r *CacheRepository) PurgeExpired(ctx context.Context, now time.Time, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM cached_external_events
		WHERE expires_at <= $1 AND NOT (calendar_id = ANY($2))
	`, now, keep)
	if err != nil {
		return 0, errors.Wrap(err, "purge cached events")
	}
	return tag.RowsAffected(), nil
}
