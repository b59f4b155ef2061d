package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/soundvault/listenstore/internal/model"
)

// recentListensQuery keeps the perUserLimit newest rows per user with a
// window function, then applies the same enrichment joins as the range
// fetch and returns the globally newest rows. %s receives the optional
// caller-supplied bound filters; there is no window expansion here.
const recentListensQuery = `
WITH intermediate AS (
    SELECT l.listened_at
         , l.created
         , l.user_id
         , l.recording_msid
         , l.data
         , l.tz_offset
         , row_number() OVER (PARTITION BY l.user_id ORDER BY l.listened_at DESC) AS rownum
      FROM listen l
     WHERE %s
), selected_listens AS (
    SELECT l.listened_at
         , l.created
         , l.user_id
         , l.recording_msid
         , l.data
         , l.tz_offset
         , COALESCE(user_mm.recording_mbid, mm.recording_mbid, other_mm.recording_mbid) AS recording_mbid
      FROM intermediate l` + mappingJoins + `
     WHERE l.rownum <= %s
)
SELECT` + enrichedColumns + `
  FROM selected_listens sl
 LEFT JOIN mb_metadata_cache mbc
        ON sl.recording_mbid = mbc.recording_mbid
 ORDER BY sl.listened_at DESC
 LIMIT %s`

// FetchRecentForUsers returns the most recent listens across many users in a
// single pass, at most perUserLimit per user within the optional bounds and
// limit overall, newest first. If too few rows exist the result is short.
func (r *ListenRepo) FetchRecentForUsers(
	ctx context.Context, users []model.User, minTS, maxTS *time.Time, perUserLimit, limit int,
) ([]model.Listen, error) {
	if len(users) == 0 {
		return []model.Listen{}, nil
	}

	names := make(map[int64]string, len(users))
	userIDs := make([]int64, 0, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
		userIDs = append(userIDs, u.ID)
	}

	filters := []string{"l.user_id = ANY($1)"}
	args := []any{userIDs}
	if minTS != nil {
		args = append(args, *minTS)
		filters = append(filters, fmt.Sprintf("l.listened_at > $%d", len(args)))
	}
	if maxTS != nil {
		args = append(args, *maxTS)
		filters = append(filters, fmt.Sprintf("l.listened_at < $%d", len(args)))
	}
	args = append(args, perUserLimit)
	perUserArg := fmt.Sprintf("$%d", len(args))
	args = append(args, limit)
	limitArg := fmt.Sprintf("$%d", len(args))

	query := fmt.Sprintf(recentListensQuery, strings.Join(filters, " AND "), perUserArg, limitArg)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		r.log.Error("fetch recent listens", zap.Int("users", len(users)), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	listens := make([]model.Listen, 0, limit)
	for rows.Next() {
		l, err := scanEnriched(rows)
		if err != nil {
			return nil, err
		}
		l.UserName = names[l.UserID]
		listens = append(listens, l)
	}
	return listens, rows.Err()
}
