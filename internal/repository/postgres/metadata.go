package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/soundvault/listenstore/internal/model"
)

// CountForUser returns the user's authoritative listen count: the reconciled
// prefix from listen_user_metadata plus a scan of rows created after the
// reconciliation cutoff. The tail scan is bounded by the reconciliation
// interval, so reads never pay for the full history.
func (r *ListenRepo) CountForUser(ctx context.Context, userID int64) (int64, error) {
	const metaQ = `SELECT count, created FROM listen_user_metadata WHERE user_id = $1`

	var (
		count   int64
		created time.Time
	)
	err := r.db.Pool.QueryRow(ctx, metaQ, userID).Scan(&count, &created)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Only reachable for users provisioned outside the normal flow;
		// sign-up always creates the metadata row.
		count, created = 0, model.MinimumListenTS
	case err != nil:
		r.log.Error("count listens: metadata lookup", zap.Int64("user_id", userID), zap.Error(err))
		return 0, err
	}

	const tailQ = `SELECT count(*) FROM listen WHERE user_id = $1 AND created > $2`
	var remaining int64
	if err := r.db.Pool.QueryRow(ctx, tailQ, userID, created).Scan(&remaining); err != nil {
		r.log.Error("count listens: tail scan", zap.Int64("user_id", userID), zap.Error(err))
		return 0, err
	}
	return count + remaining, nil
}

// TotalCount returns the reconciled listen count summed across all users.
func (r *ListenRepo) TotalCount(ctx context.Context) (int64, error) {
	const q = `SELECT COALESCE(SUM(count), 0)::bigint FROM listen_user_metadata`
	var total int64
	if err := r.db.Pool.QueryRow(ctx, q).Scan(&total); err != nil {
		r.log.Error("count total listens", zap.Error(err))
		return 0, err
	}
	return total, nil
}

// ProvisionUser inserts a zeroed metadata row at user creation so count and
// span lookups never miss, keeping those read paths branch-free.
func (r *ListenRepo) ProvisionUser(ctx context.Context, userID int64) error {
	const q = `
INSERT INTO listen_user_metadata (user_id, count, min_listened_at, max_listened_at, created)
VALUES ($1, 0, NULL, NULL, NOW())
ON CONFLICT (user_id) DO NOTHING`
	if _, err := r.db.Pool.Exec(ctx, q, userID); err != nil {
		r.log.Error("provision user metadata", zap.Int64("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// DeleteUserListens eagerly erases a user: zero the metadata counters and
// bulk delete every listen, in one transaction. Failures surface to the
// caller; a silent partial delete would break the erasure guarantee.
func (r *ListenRepo) DeleteUserListens(ctx context.Context, userID int64) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			r.log.Error("delete user listens", zap.Int64("user_id", userID), zap.Error(err))
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
			r.log.Error("delete user listens: commit", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()

	const zeroQ = `
UPDATE listen_user_metadata
   SET count = 0
     , min_listened_at = NULL
     , max_listened_at = NULL
 WHERE user_id = $1`
	if _, err = tx.Exec(ctx, zeroQ, userID); err != nil {
		return err
	}

	const deleteQ = `DELETE FROM listen WHERE user_id = $1`
	if _, err = tx.Exec(ctx, deleteQ, userID); err != nil {
		return err
	}
	return nil
}

// InsertDeleteIntent records a single-listen delete intent. The listen row is
// untouched; the external reconciliation job performs the physical delete and
// the metadata adjustment later, then removes the intent.
func (r *ListenRepo) InsertDeleteIntent(ctx context.Context, listenedAt time.Time, userID int64, msid uuid.UUID) error {
	const q = `
INSERT INTO listen_delete_metadata (user_id, listened_at, recording_msid)
VALUES ($1, $2, $3)`
	if _, err := r.db.Pool.Exec(ctx, q, userID, listenedAt, msid); err != nil {
		r.log.Error("insert listen delete intent", zap.Int64("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}
