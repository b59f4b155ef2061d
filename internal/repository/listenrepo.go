// Package repository defines data access interfaces implemented by concrete stores.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/soundvault/listenstore/internal/model"
)

// DumpCursor is a keyset pagination position over the full listen set,
// ordered by (listened_at, user_id, recording_msid).
type DumpCursor struct {
	ListenedAt    time.Time
	UserID        int64
	RecordingMSID uuid.UUID
}

// ListenRepository is the durable store contract for listens and their
// per-user aggregate metadata.
type ListenRepository interface {
	// Insert writes a batch of listens, skipping duplicates via the store's
	// uniqueness constraint, and returns exactly the rows newly committed.
	// If any payload is rejected by the store as untranslatable the whole
	// batch is rolled back and errs.ErrEncodingRejected is returned.
	Insert(ctx context.Context, listens []model.Listen) ([]model.InsertedListen, error)

	// FetchListens returns up to limit listens for one user via an adaptive
	// expanding time-window search, plus the user's overall (min, max) span.
	// Results are ordered by increasing listened_at when fromTS is set and by
	// decreasing listened_at otherwise.
	FetchListens(ctx context.Context, user model.User, fromTS, toTS *time.Time, limit int) ([]model.Listen, time.Time, time.Time, error)

	// FetchRecentForUsers returns the most recent listens across many users
	// in one pass, at most perUserLimit per user and limit overall, newest first.
	FetchRecentForUsers(ctx context.Context, users []model.User, minTS, maxTS *time.Time, perUserLimit, limit int) ([]model.Listen, error)

	// CountForUser returns the authoritative listen count for a user:
	// reconciled metadata count plus a tail scan of rows created after the
	// reconciliation cutoff.
	CountForUser(ctx context.Context, userID int64) (int64, error)

	// TotalCount returns the reconciled listen count summed across all users.
	TotalCount(ctx context.Context) (int64, error)

	// ProvisionUser inserts a zeroed metadata row so count and span lookups
	// for a brand new user never miss.
	ProvisionUser(ctx context.Context, userID int64) error

	// DeleteUserListens eagerly removes all of a user's listens and zeroes
	// their metadata counters in one transaction.
	DeleteUserListens(ctx context.Context, userID int64) error

	// InsertDeleteIntent records a single-listen delete intent consumed later
	// by the external reconciliation job. The listen itself is not touched.
	InsertDeleteIntent(ctx context.Context, listenedAt time.Time, userID int64, msid uuid.UUID) error

	// ListenPage returns one export page of listens strictly after cursor.
	ListenPage(ctx context.Context, cursor DumpCursor, size int) ([]model.Listen, error)
}
