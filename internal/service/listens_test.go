package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/soundvault/listenstore/internal/cache"
	"github.com/soundvault/listenstore/internal/errs"
	"github.com/soundvault/listenstore/internal/model"
	"github.com/soundvault/listenstore/internal/repository"
)

// fakeRepo is an in-memory stand-in for the postgres repository.
type fakeRepo struct {
	countForUser  int64
	totalCount    int64
	countCalls    int
	inserted      [][]model.Listen
	fetchCalls    int
	fetchLimit    int
	deletedUsers  []int64
	provisioned   []int64
	deleteIntents []uuid.UUID
	listens       []model.Listen
	minTS, maxTS  time.Time
}

func (f *fakeRepo) Insert(_ context.Context, listens []model.Listen) ([]model.InsertedListen, error) {
	f.inserted = append(f.inserted, listens)
	out := make([]model.InsertedListen, 0, len(listens))
	for _, l := range listens {
		out = append(out, model.InsertedListen{ListenedAt: l.ListenedAt, UserID: l.UserID, RecordingMSID: l.RecordingMSID})
	}
	return out, nil
}

func (f *fakeRepo) FetchListens(_ context.Context, _ model.User, _, _ *time.Time, limit int) ([]model.Listen, time.Time, time.Time, error) {
	f.fetchCalls++
	f.fetchLimit = limit
	return f.listens, f.minTS, f.maxTS, nil
}

func (f *fakeRepo) FetchRecentForUsers(_ context.Context, _ []model.User, _, _ *time.Time, _, _ int) ([]model.Listen, error) {
	return f.listens, nil
}

func (f *fakeRepo) CountForUser(_ context.Context, _ int64) (int64, error) {
	f.countCalls++
	return f.countForUser, nil
}

func (f *fakeRepo) TotalCount(_ context.Context) (int64, error) {
	f.countCalls++
	return f.totalCount, nil
}

func (f *fakeRepo) ProvisionUser(_ context.Context, userID int64) error {
	f.provisioned = append(f.provisioned, userID)
	return nil
}

func (f *fakeRepo) DeleteUserListens(_ context.Context, userID int64) error {
	f.deletedUsers = append(f.deletedUsers, userID)
	return nil
}

func (f *fakeRepo) InsertDeleteIntent(_ context.Context, _ time.Time, _ int64, msid uuid.UUID) error {
	f.deleteIntents = append(f.deleteIntents, msid)
	return nil
}

func (f *fakeRepo) ListenPage(_ context.Context, _ repository.DumpCursor, _ int) ([]model.Listen, error) {
	return nil, nil
}

func newService(repo *fakeRepo) *ListenServiceImpl {
	return NewListenService(repo, cache.NewMemory(), nil, 100)
}

func validListen(userID int64) model.Listen {
	return model.Listen{
		ListenedAt:    time.Unix(1_700_000_000, 0).UTC(),
		UserID:        userID,
		RecordingMSID: uuid.Must(uuid.NewV4()),
		TrackMetadata: json.RawMessage(`{"track_name":"song"}`),
	}
}

func TestInsert_Validation(t *testing.T) {
	repo := &fakeRepo{}
	s := newService(repo)
	ctx := context.Background()

	out, err := s.Insert(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, out)

	bad := validListen(1)
	bad.RecordingMSID = uuid.Nil
	_, err = s.Insert(ctx, []model.Listen{bad})
	require.ErrorIs(t, err, errs.ErrValidation)

	bad = validListen(0)
	_, err = s.Insert(ctx, []model.Listen{bad})
	require.ErrorIs(t, err, errs.ErrValidation)

	out, err = s.Insert(ctx, []model.Listen{validListen(1)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, repo.inserted, 1)
}

func TestInsert_BatchTooLarge(t *testing.T) {
	s := NewListenService(&fakeRepo{}, cache.NewMemory(), nil, 2)

	batch := []model.Listen{validListen(1), validListen(1), validListen(1)}
	_, err := s.Insert(context.Background(), batch)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestFetchListens_InvalidRange(t *testing.T) {
	s := newService(&fakeRepo{})

	from := time.Unix(1_700_000_000, 0).UTC()
	to := from.Add(-time.Hour)
	_, _, _, err := s.FetchListens(context.Background(), model.User{ID: 1}, &from, &to, 10)
	require.ErrorIs(t, err, errs.ErrInvalidRange)

	// Equal bounds are invalid too.
	_, _, _, err = s.FetchListens(context.Background(), model.User{ID: 1}, &from, &from, 10)
	require.ErrorIs(t, err, errs.ErrInvalidRange)
}

func TestFetchListens_DefaultLimit(t *testing.T) {
	repo := &fakeRepo{}
	s := newService(repo)

	_, _, _, err := s.FetchListens(context.Background(), model.User{ID: 1}, nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 25, repo.fetchLimit)
}

func TestUserListenCount_CachedWithinTTL(t *testing.T) {
	repo := &fakeRepo{countForUser: 10}
	s := newService(repo)
	ctx := context.Background()

	count, err := s.UserListenCount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), count)
	require.Equal(t, 1, repo.countCalls)

	// Listens arrive, but the cached value holds until the TTL lapses.
	repo.countForUser = 50
	count, err = s.UserListenCount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), count)
	require.Equal(t, 1, repo.countCalls)
}

func TestUserListenCount_InvalidateForcesRecompute(t *testing.T) {
	repo := &fakeRepo{countForUser: 10}
	s := newService(repo)
	ctx := context.Background()

	_, err := s.UserListenCount(ctx, 1)
	require.NoError(t, err)

	repo.countForUser = 50
	require.NoError(t, s.InvalidateUserCount(ctx, 1))

	count, err := s.UserListenCount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(50), count)
	require.Equal(t, 2, repo.countCalls)
}

func TestTotalListenCount_Cached(t *testing.T) {
	repo := &fakeRepo{totalCount: 1000}
	s := newService(repo)
	ctx := context.Background()

	total, err := s.TotalListenCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), total)

	repo.totalCount = 2000
	total, err = s.TotalListenCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), total)
	require.Equal(t, 1, repo.countCalls)
}

func TestDeleteUserListens_DropsCachedCount(t *testing.T) {
	repo := &fakeRepo{countForUser: 10}
	s := newService(repo)
	ctx := context.Background()

	_, err := s.UserListenCount(ctx, 9)
	require.NoError(t, err)

	require.NoError(t, s.DeleteUserListens(ctx, 9))
	require.Equal(t, []int64{9}, repo.deletedUsers)

	// The next read recomputes instead of serving the stale cached value.
	repo.countForUser = 0
	count, err := s.UserListenCount(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestDeleteListen_Validation(t *testing.T) {
	repo := &fakeRepo{}
	s := newService(repo)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0).UTC()

	err := s.DeleteListen(ctx, at, 1, uuid.Nil)
	require.ErrorIs(t, err, errs.ErrValidation)

	msid := uuid.Must(uuid.NewV4())
	require.NoError(t, s.DeleteListen(ctx, at, 1, msid))
	require.Equal(t, []uuid.UUID{msid}, repo.deleteIntents)
}

func TestProvisionUser(t *testing.T) {
	repo := &fakeRepo{}
	s := newService(repo)

	require.ErrorIs(t, s.ProvisionUser(context.Background(), 0), errs.ErrValidation)
	require.NoError(t, s.ProvisionUser(context.Background(), 4))
	require.Equal(t, []int64{4}, repo.provisioned)
}

func TestFetchRecentForUsers_Defaults(t *testing.T) {
	repo := &fakeRepo{}
	s := newService(repo)

	out, err := s.FetchRecentForUsers(context.Background(), nil, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Empty(t, out)

	minTS := time.Unix(1_700_000_000, 0).UTC()
	maxTS := minTS.Add(-time.Hour)
	_, err = s.FetchRecentForUsers(context.Background(), []model.User{{ID: 1}}, &minTS, &maxTS, 2, 10)
	require.ErrorIs(t, err, errs.ErrInvalidRange)
}
