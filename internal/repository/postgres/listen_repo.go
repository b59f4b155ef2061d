package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/soundvault/listenstore/internal/errs"
	"github.com/soundvault/listenstore/internal/model"
)

// ListenRepo implements ListenRepository using PostgreSQL.
type ListenRepo struct {
	db  *DB
	log *zap.Logger
	now func() time.Time
}

// NewListenRepo constructs a listen repository.
func NewListenRepo(db *DB, log *zap.Logger) *ListenRepo {
	if log == nil {
		log = zap.NewNop()
	}
	return &ListenRepo{db: db, log: log, now: time.Now}
}

// insertColumns is the number of bind parameters one listen row occupies.
const insertColumns = 5

// maxInsertRows caps rows per INSERT statement. The extended protocol carries
// the bind parameter count as an int16, so a single statement holds at most
// 65535 parameters; bigger batches are split across several statements inside
// the same transaction.
const maxInsertRows = 65535 / insertColumns

// Insert writes a batch of listens with conditional inserts in one transaction
// and returns exactly the rows that were newly committed. Duplicate rows lose
// silently at the uniqueness constraint; concurrent inserts of the same triple
// are arbitrated by the store, not application logic. Any failure rolls back
// the whole batch.
func (r *ListenRepo) Insert(ctx context.Context, listens []model.Listen) (inserted []model.InsertedListen, err error) {
	if len(listens) == 0 {
		return nil, nil
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
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

	inserted = make([]model.InsertedListen, 0, len(listens))
	for start := 0; start < len(listens); start += maxInsertRows {
		chunk := listens[start:min(start+maxInsertRows, len(listens))]
		if err = r.insertChunk(ctx, tx, chunk, &inserted); err != nil {
			if isUntranslatable(err) {
				r.log.Warn("listen batch rejected by store encoding", zap.Int("batch", len(listens)), zap.Error(err))
				err = fmt.Errorf("insert listens: %w", errs.ErrEncodingRejected)
			}
			return nil, err
		}
	}
	return inserted, nil
}

// insertChunk executes one multi-row conditional insert and appends the newly
// committed triples. len(chunk) must not exceed maxInsertRows.
func (r *ListenRepo) insertChunk(ctx context.Context, tx pgx.Tx, chunk []model.Listen, inserted *[]model.InsertedListen) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO listen (listened_at, tz_offset, user_id, recording_msid, data) VALUES `)
	args := make([]any, 0, len(chunk)*insertColumns)
	for i, l := range chunk {
		if i > 0 {
			sb.WriteByte(',')
		}
		n := i * insertColumns
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, l.ListenedAt, l.TZOffset, l.UserID, l.RecordingMSID, l.TrackMetadata)
	}
	sb.WriteString(` ON CONFLICT (listened_at, user_id, recording_msid) DO NOTHING RETURNING listened_at, user_id, recording_msid`)

	rows, err := tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var in model.InsertedListen
		if err := rows.Scan(&in.ListenedAt, &in.UserID, &in.RecordingMSID); err != nil {
			return err
		}
		*inserted = append(*inserted, in)
	}
	return rows.Err()
}

// enrichedColumns is the select list shared by the range and fan-out queries:
// the stored row plus read-time identity and release/artist enrichment.
const enrichedColumns = `
       sl.listened_at
     , sl.created
     , sl.user_id
     , sl.recording_msid
     , sl.data
     , sl.tz_offset
     , sl.recording_mbid::text
     , mbc.release_mbid::text
     , mbc.artist_mbids
     , mbc.caa_id
     , mbc.caa_release_mbid
     , mbc.artist_names
     , mbc.artist_join_phrases`

// mappingJoins resolves each listen's recording identity with an ordered
// fallback: the user's own manual mapping wins, then the automatic mapper's
// mapping, then the most popular manual mapping from other users.
const mappingJoins = `
 LEFT JOIN mbid_mapping mm
        ON l.recording_msid = mm.recording_msid
 LEFT JOIN mbid_manual_mapping user_mm
        ON l.recording_msid = user_mm.recording_msid
       AND user_mm.user_id = l.user_id
 LEFT JOIN mbid_manual_mapping_top other_mm
        ON l.recording_msid = other_mm.recording_msid`

// scanEnriched reads one enrichedColumns row into a Listen.
func scanEnriched(rows pgx.Rows) (model.Listen, error) {
	var (
		l              model.Listen
		recordingMBID  *string
		releaseMBID    *string
		caaReleaseMBID *string
	)
	err := rows.Scan(
		&l.ListenedAt, &l.Created, &l.UserID, &l.RecordingMSID, &l.TrackMetadata, &l.TZOffset,
		&recordingMBID, &releaseMBID, &l.ArtistMBIDs, &l.CAAID, &caaReleaseMBID,
		&l.ArtistNames, &l.ArtistJoinPhrases,
	)
	if err != nil {
		return model.Listen{}, err
	}
	if recordingMBID != nil {
		l.RecordingMBID = *recordingMBID
	}
	if releaseMBID != nil {
		l.ReleaseMBID = *releaseMBID
	}
	if caaReleaseMBID != nil {
		l.CAAReleaseMBID = *caaReleaseMBID
	}
	return l, nil
}
