package postgres

import (
	"context"

	"github.com/soundvault/listenstore/internal/model"
	"github.com/soundvault/listenstore/internal/repository"
)

// listenPageQuery walks the whole listen set in dump order. Keyset pagination
// on the unique triple keeps each page cheap regardless of table size.
const listenPageQuery = `
SELECT listened_at
     , created
     , user_id
     , recording_msid
     , data
     , tz_offset
  FROM listen
 WHERE (listened_at, user_id, recording_msid) > ($1, $2, $3)
 ORDER BY listened_at, user_id, recording_msid
 LIMIT $4`

// ListenPage returns one export page of raw listens strictly after cursor.
// Enrichment is skipped: dumps carry stored rows only.
func (r *ListenRepo) ListenPage(ctx context.Context, cursor repository.DumpCursor, size int) ([]model.Listen, error) {
	rows, err := r.db.Pool.Query(ctx, listenPageQuery, cursor.ListenedAt, cursor.UserID, cursor.RecordingMSID, size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	listens := make([]model.Listen, 0, size)
	for rows.Next() {
		var l model.Listen
		if err := rows.Scan(&l.ListenedAt, &l.Created, &l.UserID, &l.RecordingMSID, &l.TrackMetadata, &l.TZOffset); err != nil {
			return nil, err
		}
		listens = append(listens, l)
	}
	return listens, rows.Err()
}
