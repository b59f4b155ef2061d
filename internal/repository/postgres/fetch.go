package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/soundvault/listenstore/internal/model"
)

var epoch = time.Unix(0, 0).UTC()

// userTimestampsQuery computes the user's overall listen span. The
// authoritative span comes from listen_user_metadata (COALESCEd to epoch for
// new users and users whose history was deleted before the reconciliation job
// caught up); the max side is refined by scanning only listens at or after
// the known maximum, so the scan is bounded by the reconciliation interval.
// Listens older than the known minimum would surface at the last page of
// history, so that side is not refined.
const userTimestampsQuery = `
WITH last_update AS (
    SELECT COALESCE(min_listened_at, 'epoch'::timestamptz) AS existing_min_ts
         , COALESCE(max_listened_at, 'epoch'::timestamptz) AS existing_max_ts
      FROM listen_user_metadata
     WHERE user_id = $1
),
listens_after_update AS (
    SELECT max(listened_at) AS new_max_ts
      FROM listen l
     WHERE l.listened_at >= (SELECT existing_max_ts FROM last_update)
       AND l.user_id = $1
)
SELECT greatest(existing_max_ts, new_max_ts) AS max_ts
     , existing_min_ts AS min_ts
  FROM listens_after_update
  JOIN last_update ON TRUE`

const fetchListensQuery = `
WITH selected_listens AS (
    SELECT l.listened_at
         , l.created
         , l.user_id
         , l.recording_msid
         , l.data
         , l.tz_offset
         , COALESCE(user_mm.recording_mbid, mm.recording_mbid, other_mm.recording_mbid) AS recording_mbid
      FROM listen l` + mappingJoins + `
     WHERE l.user_id = $1
       AND l.listened_at > $2
       AND l.listened_at < $3
)
SELECT` + enrichedColumns + `
  FROM selected_listens sl
 LEFT JOIN mb_metadata_cache mbc
        ON sl.recording_mbid = mbc.recording_mbid
 ORDER BY sl.listened_at %s
 LIMIT $4`

// FetchListens runs the adaptive expanding time-window search for one user.
// A single read-only transaction spans the span lookup and every windowing
// pass so all passes observe a consistent read position.
func (r *ListenRepo) FetchListens(
	ctx context.Context, user model.User, fromTS, toTS *time.Time, limit int,
) (listens []model.Listen, minTS, maxTS time.Time, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, epoch, epoch, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	minTS, maxTS, err = r.userTimestamps(ctx, tx, user.ID)
	if err != nil {
		r.log.Error("fetch listens: span lookup", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, epoch, epoch, err
	}

	// No known span means no listens at all; do not search.
	if minTS.Equal(epoch) && maxTS.Equal(epoch) {
		return []model.Listen{}, minTS, maxTS, nil
	}

	ws := newWindowSearch(fromTS, toTS, minTS, maxTS, limit)
	query := fmt.Sprintf(fetchListensQuery, ws.order().sql())

	start := time.Now()
	listens = make([]model.Listen, 0, limit)
	for {
		if ws.ceilingReached() {
			break
		}

		var n int
		n, err = r.fetchWindowPass(ctx, tx, query, user, ws, &listens)
		if err != nil {
			r.log.Error("fetch listens: window pass",
				zap.Int64("user_id", user.ID), zap.Int("pass", ws.passes), zap.Error(err))
			return nil, epoch, epoch, err
		}
		ws.record(n)

		if ws.satisfied() || ws.exhausted(r.now()) {
			break
		}
		ws.expand()
	}

	r.log.Info("fetch listens",
		zap.Int64("user_id", user.ID),
		zap.Duration("took", time.Since(start)),
		zap.Int("passes", ws.passes),
		zap.Int("found", len(listens)))

	return listens, minTS, maxTS, nil
}

// fetchWindowPass executes one window query and appends rows up to the
// overall limit, returning how many were kept.
func (r *ListenRepo) fetchWindowPass(
	ctx context.Context, tx pgx.Tx, query string, user model.User, ws *windowSearch, listens *[]model.Listen,
) (int, error) {
	rows, err := tx.Query(ctx, query, user.ID, ws.from, ws.to, ws.limit)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	kept := 0
	for rows.Next() {
		if ws.found+kept >= ws.limit {
			break
		}
		l, err := scanEnriched(rows)
		if err != nil {
			return 0, err
		}
		l.UserName = user.Name
		*listens = append(*listens, l)
		kept++
	}
	return kept, rows.Err()
}

// userTimestamps returns the user's overall (min, max) listen span,
// defaulting to (epoch, epoch) when nothing is known.
func (r *ListenRepo) userTimestamps(ctx context.Context, tx pgx.Tx, userID int64) (time.Time, time.Time, error) {
	var maxTS, minTS time.Time
	err := tx.QueryRow(ctx, userTimestampsQuery, userID).Scan(&maxTS, &minTS)
	if errors.Is(err, pgx.ErrNoRows) {
		return epoch, epoch, nil
	}
	if err != nil {
		return epoch, epoch, err
	}
	return minTS.UTC(), maxTS.UTC(), nil
}
