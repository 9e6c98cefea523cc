package review

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/sm2"
	"github.com/conorfennell/knolsched/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "knolsched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newService(t *testing.T, store Store, clock *fakeClock, opts Options) *Service {
	t.Helper()
	opts.Now = clock.Now
	svc, err := NewService(store, sm2.DefaultParams(), zap.NewNop(), opts)
	require.NoError(t, err)
	return svc
}

func collect(t *testing.T, seq iter.Seq2[string, error]) []string {
	t.Helper()
	var ids []string
	for id, err := range seq {
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func pass(cardID, key string) ReviewRequest {
	return ReviewRequest{CardID: cardID, Quality: domain.Pass, IdempotencyKey: key}
}

func TestNewServiceOptions(t *testing.T) {
	store := openStore(t)

	svc, err := NewService(store, nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, svc.maxAttempts)
	assert.Equal(t, 256, svc.pageSize)

	_, err = NewService(store, nil, nil, Options{MaxAttempts: -1})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	bad := sm2.DefaultParams()
	bad.MinEase = 0.5
	_, err = NewService(store, bad, nil, Options{})
	assert.Error(t, err)
}

func TestSubmitReviewFirstPass(t *testing.T) {
	clock := &fakeClock{now: t0}
	svc := newService(t, openStore(t), clock, Options{})

	got, err := svc.SubmitReview(context.Background(), ReviewRequest{
		CardID: "c1", Quality: domain.Pass, IdempotencyKey: "k1", Owner: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, got.Repetitions)
	assert.Equal(t, 1, got.IntervalDays)
	assert.Equal(t, t0.AddDate(0, 0, 1), got.NextReviewAt)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, int64(1), got.Version)

	peek, err := svc.PeekSchedule(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, got, peek)
}

func TestSubmitReviewSequence(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	svc := newService(t, openStore(t), clock, Options{})

	// Three bare passes keep the ease at 2.5: 1, 6, round(6 * 2.5).
	var got domain.CardSchedule
	var err error
	for i, want := range []int{1, 6, 15} {
		got, err = svc.SubmitReview(ctx, ReviewRequest{CardID: "c1", Quality: 3, IdempotencyKey: fmt.Sprintf("k%d", i)})
		require.NoError(t, err)
		assert.Equal(t, want, got.IntervalDays, "review %d", i+1)
		clock.Advance(time.Duration(got.IntervalDays) * 24 * time.Hour)
	}
	assert.Equal(t, 3, got.Repetitions)

	// A lapse resets the card.
	got, err = svc.SubmitReview(ctx, ReviewRequest{CardID: "c1", Quality: domain.Fail, IdempotencyKey: "lapse"})
	require.NoError(t, err)
	assert.Equal(t, 0, got.Repetitions)
	assert.Equal(t, 1, got.IntervalDays)
	assert.InDelta(t, 2.3, got.EaseFactor, 1e-9)

	history, err := svc.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestSubmitReviewIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	store := openStore(t)
	svc := newService(t, store, clock, Options{})

	first, err := svc.SubmitReview(ctx, pass("c1", "k1"))
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	again, err := svc.SubmitReview(ctx, pass("c1", "k1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// A retry with a different grade is still the same submission.
	again, err = svc.SubmitReview(ctx, ReviewRequest{CardID: "c1", Quality: domain.Fail, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	history, err := store.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Replays answer with the result of their own review, not the latest.
	second, err := svc.SubmitReview(ctx, pass("c1", "k2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	again, err = svc.SubmitReview(ctx, pass("c1", "k1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestSubmitReviewKeyReusedForAnotherCard(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, openStore(t), &fakeClock{now: t0}, Options{})

	_, err := svc.SubmitReview(ctx, pass("c1", "k1"))
	require.NoError(t, err)

	_, err = svc.SubmitReview(ctx, pass("c2", "k1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = svc.PeekSchedule(ctx, "c2")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSubmitReviewInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	svc := newService(t, store, &fakeClock{now: t0}, Options{})

	tests := []struct {
		name string
		req  ReviewRequest
	}{
		{"quality too high", ReviewRequest{CardID: "c1", Quality: 6, IdempotencyKey: "k"}},
		{"negative quality", ReviewRequest{CardID: "c1", Quality: -1, IdempotencyKey: "k"}},
		{"missing card", ReviewRequest{Quality: 3, IdempotencyKey: "k"}},
		{"missing key", ReviewRequest{CardID: "c1", Quality: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitReview(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidInput), "got %v", err)
		})
	}

	_, err := store.Load(ctx, "c1")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "invalid input must not touch the store")
}

func TestPeekScheduleNotFound(t *testing.T) {
	svc := newService(t, openStore(t), &fakeClock{now: t0}, Options{})
	_, err := svc.PeekSchedule(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

// racingStore lets another submission commit between the first Load and
// the first Commit it sees.
type racingStore struct {
	Store
	fired     atomic.Bool
	interject func()
	conflicts atomic.Int32
	commits   atomic.Int32
}

func (r *racingStore) Commit(ctx context.Context, next domain.CardSchedule, expected int64, ev domain.ReviewEvent) error {
	if r.fired.CompareAndSwap(false, true) {
		r.interject()
	}
	r.commits.Add(1)
	err := r.Store.Commit(ctx, next, expected, ev)
	if errors.Is(err, domain.ErrConflict) {
		r.conflicts.Add(1)
	}
	return err
}

func TestSubmitReviewConcurrentConflictRetries(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	race := &racingStore{Store: openStore(t)}
	svc := newService(t, race, clock, Options{})

	var other domain.CardSchedule
	race.interject = func() {
		var err error
		other, err = svc.SubmitReview(ctx, pass("c1", "other"))
		require.NoError(t, err)
	}

	got, err := svc.SubmitReview(ctx, pass("c1", "mine"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), race.conflicts.Load(), "the first commit must lose the race")
	assert.Equal(t, int64(1), other.Version)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 2, got.Repetitions)
	assert.Equal(t, 6, got.IntervalDays)

	history, err := svc.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "other", history[0].IdempotencyKey)
	assert.Equal(t, "mine", history[1].IdempotencyKey)

	final, err := svc.PeekSchedule(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, got, final)
}

func TestSubmitReviewParallel(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, openStore(t), &fakeClock{now: t0}, Options{MaxAttempts: 100})

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitReview(ctx, pass("c1", fmt.Sprintf("k%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	final, err := svc.PeekSchedule(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), final.Version)
	assert.Equal(t, n, final.Repetitions)

	history, err := svc.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, n)
	for i, ev := range history {
		assert.Equal(t, int64(i+1), ev.ResultingVersion)
	}
}

// conflictingStore loses every optimistic write.
type conflictingStore struct {
	Store
	commits int
}

func (c *conflictingStore) Commit(context.Context, domain.CardSchedule, int64, domain.ReviewEvent) error {
	c.commits++
	return fmt.Errorf("stale: %w", domain.ErrConflict)
}

func TestSubmitReviewConflictExhausted(t *testing.T) {
	store := &conflictingStore{Store: openStore(t)}
	svc := newService(t, store, &fakeClock{now: t0}, Options{})

	_, err := svc.SubmitReview(context.Background(), pass("c1", "k1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Equal(t, 3, store.commits)
}

// brokenStore fails every commit with a storage error.
type brokenStore struct {
	Store
	commits int
}

func (b *brokenStore) Commit(context.Context, domain.CardSchedule, int64, domain.ReviewEvent) error {
	b.commits++
	return fmt.Errorf("disk full: %w", domain.ErrStorageUnavailable)
}

func TestSubmitReviewStorageFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	store := &brokenStore{Store: openStore(t)}
	svc := newService(t, store, &fakeClock{now: t0}, Options{})

	_, err := svc.SubmitReview(ctx, pass("c1", "k1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
	assert.Equal(t, 1, store.commits)

	_, err = svc.PeekSchedule(ctx, "c1")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "a failed submit must leave nothing behind")
}

func TestDueCardsMembershipAndOrder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	svc := newService(t, openStore(t), clock, Options{DuePageSize: 3})

	var all []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("c%02d", 9-i)
		all = append(all, id)
		_, err := svc.RegisterCard(ctx, domain.CardIdentity{CardID: id, Owner: "alice"})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	_, err := svc.RegisterCard(ctx, domain.CardIdentity{CardID: "b1", Owner: "bob"})
	require.NoError(t, err)

	// Push some cards into the future.
	for _, id := range []string{"c01", "c04", "c07"} {
		_, err := svc.SubmitReview(ctx, ReviewRequest{CardID: id, Quality: domain.Pass, IdempotencyKey: "r-" + id})
		require.NoError(t, err)
	}

	for _, asOf := range []time.Time{t0.Add(-time.Minute), t0.Add(5 * time.Minute), clock.Now(), t0.AddDate(0, 0, 2)} {
		due := collect(t, svc.DueCards(ctx, "alice", asOf))

		var want []domain.CardSchedule
		for _, id := range all {
			s, err := svc.PeekSchedule(ctx, id)
			require.NoError(t, err)
			if s.DueAt(asOf) {
				want = append(want, s)
			}
		}
		sort.Slice(want, func(i, j int) bool {
			if !want[i].NextReviewAt.Equal(want[j].NextReviewAt) {
				return want[i].NextReviewAt.Before(want[j].NextReviewAt)
			}
			return want[i].CardID < want[j].CardID
		})
		wantIDs := make([]string, 0, len(want))
		for _, s := range want {
			wantIDs = append(wantIDs, s.CardID)
		}
		if len(wantIDs) == 0 {
			wantIDs = nil
		}
		assert.Equal(t, wantIDs, due, "as of %v", asOf)
	}

	everyone := collect(t, svc.DueCards(ctx, "", clock.Now()))
	assert.Contains(t, everyone, "b1")
	assert.Len(t, everyone, 8)
}

func TestDueCardsStopsEarly(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	svc := newService(t, openStore(t), clock, Options{DuePageSize: 2})
	for i := 0; i < 5; i++ {
		_, err := svc.RegisterCard(ctx, domain.CardIdentity{CardID: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
	}

	var seen []string
	for id, err := range svc.DueCards(ctx, "", t0) {
		require.NoError(t, err)
		seen = append(seen, id)
		if len(seen) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"c0", "c1", "c2"}, seen)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lastErr error
	count := 0
	for _, err := range svc.DueCards(cctx, "", t0) {
		if err != nil {
			lastErr = err
			break
		}
		count++
		if count == 2 {
			cancel()
		}
	}
	assert.Equal(t, 2, count)
	assert.True(t, errors.Is(lastErr, context.Canceled))
}

func TestRegisterAndRetireCard(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	svc := newService(t, openStore(t), clock, Options{})

	id := domain.CardIdentity{CardID: "c1", Owner: "alice", Source: "deck"}
	changed, err := svc.RegisterCard(ctx, id)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = svc.RegisterCard(ctx, id)
	require.NoError(t, err)
	assert.False(t, changed, "registering an active card changes nothing")

	s, err := svc.PeekSchedule(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, domain.InitialEaseFactor, s.EaseFactor)
	assert.Nil(t, s.LastReviewedAt)

	active, err := svc.ActiveCards(ctx, "deck")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, active)

	_, err = svc.SubmitReview(ctx, pass("c1", "k1"))
	require.NoError(t, err)

	require.NoError(t, svc.RetireCard(ctx, "c1"))
	assert.Empty(t, collect(t, svc.DueCards(ctx, "", t0.AddDate(1, 0, 0))))

	_, err = svc.SubmitReview(ctx, pass("c1", "k2"))
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	// The earlier submission still replays.
	_, err = svc.SubmitReview(ctx, pass("c1", "k1"))
	assert.NoError(t, err)

	// Coming back restores the schedule with its history.
	changed, err = svc.RegisterCard(ctx, id)
	require.NoError(t, err)
	assert.True(t, changed)
	s, err = svc.PeekSchedule(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, s.Orphaned())
	assert.Equal(t, 1, s.Repetitions)

	assert.True(t, errors.Is(svc.RetireCard(ctx, "missing"), domain.ErrNotFound))
	_, err = svc.RegisterCard(ctx, domain.CardIdentity{})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, openStore(t), &fakeClock{now: t0}, Options{})

	preview, err := svc.Preview(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 1, preview[domain.Pass].IntervalDays)

	_, err = svc.PeekSchedule(ctx, "unknown")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "preview must not create a schedule")
}
