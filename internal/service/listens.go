// Package service implements validation and cache orchestration above the
// listen repository.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/soundvault/listenstore/internal/cache"
	"github.com/soundvault/listenstore/internal/errs"
	"github.com/soundvault/listenstore/internal/model"
	"github.com/soundvault/listenstore/internal/repository"
)

const (
	// defaultListensPerFetch caps a fetch when the caller does not say how many.
	defaultListensPerFetch = 25

	// Fan-out defaults for feed-style views.
	defaultPerUserLimit = 2
	defaultRecentLimit  = 10
)

// ListenService defines the operations this core exposes to upstream layers.
type ListenService interface {
	// Insert writes a deduplicated batch and returns the rows newly committed.
	Insert(ctx context.Context, listens []model.Listen) ([]model.InsertedListen, error)
	// FetchListens returns up to limit listens plus the user's overall span.
	FetchListens(ctx context.Context, user model.User, fromTS, toTS *time.Time, limit int) ([]model.Listen, time.Time, time.Time, error)
	// FetchRecentForUsers returns recent listens across many users, newest first.
	FetchRecentForUsers(ctx context.Context, users []model.User, minTS, maxTS *time.Time, perUserLimit, limit int) ([]model.Listen, error)
	// UserListenCount returns a user's listen count, cached for cache.CountTTL.
	UserListenCount(ctx context.Context, userID int64) (int64, error)
	// TotalListenCount returns the global listen count, cached for cache.CountTTL.
	TotalListenCount(ctx context.Context) (int64, error)
	// InvalidateUserCount drops a user's cached count so the next read recomputes.
	InvalidateUserCount(ctx context.Context, userID int64) error
	// ProvisionUser creates the zeroed metadata row for a new user.
	ProvisionUser(ctx context.Context, userID int64) error
	// DeleteUserListens eagerly erases all of a user's listens and counters.
	DeleteUserListens(ctx context.Context, userID int64) error
	// DeleteListen records a deferred delete intent for a single listen.
	DeleteListen(ctx context.Context, listenedAt time.Time, userID int64, msid uuid.UUID) error
}

// ListenServiceImpl wires the repository and the volatile counter cache.
type ListenServiceImpl struct {
	repo     repository.ListenRepository
	cache    cache.Client
	log      *zap.Logger
	maxBatch int
}

// NewListenService constructs a ListenService with batch limits.
func NewListenService(repo repository.ListenRepository, c cache.Client, log *zap.Logger, maxBatch int) *ListenServiceImpl {
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ListenServiceImpl{repo: repo, cache: c, log: log, maxBatch: maxBatch}
}

// Insert validates the batch and delegates the conditional bulk write.
// Counter caches are not touched on the write path; staleness is bounded by
// the cache TTL and callers wanting fresh counts invalidate explicitly.
func (s *ListenServiceImpl) Insert(ctx context.Context, listens []model.Listen) ([]model.InsertedListen, error) {
	if len(listens) == 0 {
		return []model.InsertedListen{}, nil
	}
	if len(listens) > s.maxBatch {
		return nil, fmt.Errorf("batch too large (%d > %d): %w", len(listens), s.maxBatch, errs.ErrValidation)
	}
	for i := range listens {
		if listens[i].UserID <= 0 {
			return nil, fmt.Errorf("listen[%d] missing user id: %w", i, errs.ErrValidation)
		}
		if listens[i].RecordingMSID == uuid.Nil {
			return nil, fmt.Errorf("listen[%d] missing recording msid: %w", i, errs.ErrValidation)
		}
	}
	return s.repo.Insert(ctx, listens)
}

// FetchListens checks bounds and delegates the adaptive range search.
func (s *ListenServiceImpl) FetchListens(
	ctx context.Context, user model.User, fromTS, toTS *time.Time, limit int,
) ([]model.Listen, time.Time, time.Time, error) {
	if fromTS != nil && toTS != nil && !fromTS.Before(*toTS) {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("from_ts must be before to_ts: %w", errs.ErrInvalidRange)
	}
	if limit <= 0 {
		limit = defaultListensPerFetch
	}
	return s.repo.FetchListens(ctx, user, fromTS, toTS, limit)
}

// FetchRecentForUsers applies fan-out defaults and delegates.
func (s *ListenServiceImpl) FetchRecentForUsers(
	ctx context.Context, users []model.User, minTS, maxTS *time.Time, perUserLimit, limit int,
) ([]model.Listen, error) {
	if len(users) == 0 {
		return []model.Listen{}, nil
	}
	if minTS != nil && maxTS != nil && !minTS.Before(*maxTS) {
		return nil, fmt.Errorf("min_ts must be before max_ts: %w", errs.ErrInvalidRange)
	}
	if perUserLimit <= 0 {
		perUserLimit = defaultPerUserLimit
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	return s.repo.FetchRecentForUsers(ctx, users, minTS, maxTS, perUserLimit, limit)
}

// UserListenCount returns the cached count when fresh, otherwise recomputes
// the hybrid (reconciled prefix + tail scan) and caches it. Cache failures
// degrade to the durable store; they never fail the read.
func (s *ListenServiceImpl) UserListenCount(ctx context.Context, userID int64) (int64, error) {
	key := cache.UserCountKey(userID)
	if v, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warn("listen count cache get", zap.Int64("user_id", userID), zap.Error(err))
	} else if ok {
		return v, nil
	}

	count, err := s.repo.CountForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.cache.Set(ctx, key, count, cache.CountTTL); err != nil {
		s.log.Warn("listen count cache set", zap.Int64("user_id", userID), zap.Error(err))
	}
	return count, nil
}

// TotalListenCount returns the global count with the same cache-first
// pattern. Store errors surface; callers need to know the total is
// unavailable rather than see a silent zero.
func (s *ListenServiceImpl) TotalListenCount(ctx context.Context) (int64, error) {
	key := cache.TotalCountKey()
	if v, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warn("total listen count cache get", zap.Error(err))
	} else if ok {
		return v, nil
	}

	count, err := s.repo.TotalCount(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.cache.Set(ctx, key, count, cache.CountTTL); err != nil {
		s.log.Warn("total listen count cache set", zap.Error(err))
	}
	return count, nil
}

// InvalidateUserCount drops the cached count for a user.
func (s *ListenServiceImpl) InvalidateUserCount(ctx context.Context, userID int64) error {
	return s.cache.Delete(ctx, cache.UserCountKey(userID))
}

// ProvisionUser creates the zeroed metadata row for a new user.
func (s *ListenServiceImpl) ProvisionUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("missing user id: %w", errs.ErrValidation)
	}
	return s.repo.ProvisionUser(ctx, userID)
}

// DeleteUserListens erases the user's listens and counters, then drops the
// cached count so subsequent reads see zero immediately.
func (s *ListenServiceImpl) DeleteUserListens(ctx context.Context, userID int64) error {
	if err := s.repo.DeleteUserListens(ctx, userID); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cache.UserCountKey(userID)); err != nil {
		s.log.Warn("listen count cache delete", zap.Int64("user_id", userID), zap.Error(err))
	}
	return nil
}

// DeleteListen records a deferred delete intent for one listen.
func (s *ListenServiceImpl) DeleteListen(ctx context.Context, listenedAt time.Time, userID int64, msid uuid.UUID) error {
	if userID <= 0 || msid == uuid.Nil {
		return fmt.Errorf("missing user id or recording msid: %w", errs.ErrValidation)
	}
	return s.repo.InsertDeleteIntent(ctx, listenedAt, userID, msid)
}
