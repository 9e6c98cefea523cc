// Package review orchestrates card reviews: it validates submissions,
// runs the SM-2 transform against the stored schedule, and persists the
// result together with an append-only review event. It also answers due
// queue queries and applies card identity events from the content side.
package review

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/sm2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the durable schedule state the service depends on. It is the
// only component that touches storage.
type Store interface {
	Load(ctx context.Context, cardID string) (domain.CardSchedule, error)
	FindReviewResult(ctx context.Context, idempotencyKey string) (domain.CardSchedule, error)
	Commit(ctx context.Context, next domain.CardSchedule, expectedVersion int64, ev domain.ReviewEvent) error
	DuePage(ctx context.Context, q domain.DueQuery) ([]domain.DueEntry, error)
	Ensure(ctx context.Context, s domain.CardSchedule) (bool, error)
	Orphan(ctx context.Context, cardID string, at time.Time) error
	CardsBySource(ctx context.Context, source string) ([]string, error)
	History(ctx context.Context, cardID string) ([]domain.ReviewEvent, error)
}

// Options configures a Service. Zero values produce defaults.
type Options struct {
	MaxAttempts int              // zero → 3
	DuePageSize int              // zero → 256
	Now         func() time.Time // nil → time.Now
}

// ReviewRequest is one submitted review.
type ReviewRequest struct {
	CardID         string         `json:"card_id" validate:"required,max=256"`
	Quality        domain.Quality `json:"quality" validate:"min=0,max=5"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required,max=128"`
	// Owner is only used when this review creates the card's schedule.
	Owner string `json:"owner" validate:"max=256"`
}

// Service is the review service.
type Service struct {
	store       Store
	params      *sm2.Params
	log         *zap.Logger
	validate    *validator.Validate
	maxAttempts int
	pageSize    int
	now         func() time.Time
}

// NewService creates a Service on top of store.
func NewService(store Store, params *sm2.Params, log *zap.Logger, opts Options) (*Service, error) {
	if params == nil {
		params = sm2.DefaultParams()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	if maxAttempts < 0 {
		return nil, fmt.Errorf("%w: max attempts %d", domain.ErrInvalidInput, maxAttempts)
	}
	pageSize := opts.DuePageSize
	if pageSize == 0 {
		pageSize = 256
	}
	if pageSize < 0 {
		return nil, fmt.Errorf("%w: due page size %d", domain.ErrInvalidInput, pageSize)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		store:       store,
		params:      params,
		log:         log,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		maxAttempts: maxAttempts,
		pageSize:    pageSize,
		now:         now,
	}, nil
}

// clock returns the current time at the precision every store keeps.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// SubmitReview applies one review and returns the card's new schedule.
//
// A request whose idempotency key was already accepted returns the schedule
// that review produced and writes nothing. Lost optimistic races are retried
// up to MaxAttempts times before domain.ErrConflict is returned. Storage
// failures are returned as is; either the schedule and the event are both
// written or neither is.
func (s *Service) SubmitReview(ctx context.Context, req ReviewRequest) (domain.CardSchedule, error) {
	if err := s.validateStruct(req); err != nil {
		return domain.CardSchedule{}, err
	}
	if !req.Quality.IsValid() {
		return domain.CardSchedule{}, fmt.Errorf("%w: quality %d out of range", domain.ErrInvalidInput, int(req.Quality))
	}

	log := s.log.With(
		zap.String("card_id", req.CardID),
		zap.String("idempotency_key", req.IdempotencyKey),
	)

	for attempt := 1; ; attempt++ {
		prior, err := s.replay(ctx, req)
		if err == nil {
			log.Debug("replayed review", zap.Int64("version", prior.Version))
			return prior, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.CardSchedule{}, err
		}

		next, err := s.apply(ctx, req)
		switch {
		case err == nil:
			log.Info("review applied",
				zap.Int("quality", int(req.Quality)),
				zap.Int("repetitions", next.Repetitions),
				zap.Int("interval_days", next.IntervalDays),
				zap.Float64("ease_factor", next.EaseFactor),
				zap.Int64("version", next.Version),
				zap.Int("attempt", attempt),
			)
			return next, nil
		case errors.Is(err, domain.ErrDuplicateReview) && attempt < s.maxAttempts:
			// The same key won a concurrent race; the next replay returns it.
			log.Debug("concurrent duplicate review")
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDuplicateReview):
			if attempt >= s.maxAttempts {
				log.Warn("review conflict, giving up", zap.Int("attempts", attempt))
				return domain.CardSchedule{}, fmt.Errorf("card %s after %d attempts: %w", req.CardID, attempt, domain.ErrConflict)
			}
			log.Debug("review conflict, retrying", zap.Int("attempt", attempt))
		default:
			return domain.CardSchedule{}, err
		}

		if err := ctx.Err(); err != nil {
			return domain.CardSchedule{}, err
		}
	}
}

// replay returns the result of an already accepted review with the same key.
func (s *Service) replay(ctx context.Context, req ReviewRequest) (domain.CardSchedule, error) {
	prior, err := s.store.FindReviewResult(ctx, req.IdempotencyKey)
	if err != nil {
		return domain.CardSchedule{}, err
	}
	if prior.CardID != req.CardID {
		return domain.CardSchedule{}, fmt.Errorf("%w: idempotency key %s already used for another card",
			domain.ErrInvalidInput, req.IdempotencyKey)
	}
	return prior, nil
}

// apply runs one read-compute-write cycle.
func (s *Service) apply(ctx context.Context, req ReviewRequest) (domain.CardSchedule, error) {
	now := s.clock()

	cur, err := s.store.Load(ctx, req.CardID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		cur = s.newSchedule(domain.CardIdentity{CardID: req.CardID, Owner: req.Owner}, now)
	case err != nil:
		return domain.CardSchedule{}, err
	case cur.Orphaned():
		return domain.CardSchedule{}, fmt.Errorf("card %s was deleted: %w", req.CardID, domain.ErrNotFound)
	}

	next := s.params.Next(cur, req.Quality, now)
	ev := domain.ReviewEvent{
		ID:                    uuid.NewString(),
		IdempotencyKey:        req.IdempotencyKey,
		CardID:                next.CardID,
		Owner:                 next.Owner,
		Quality:               req.Quality,
		ReviewedAt:            now,
		ResultingRepetitions:  next.Repetitions,
		ResultingIntervalDays: next.IntervalDays,
		ResultingEaseFactor:   next.EaseFactor,
		ResultingVersion:      next.Version,
	}

	if err := s.store.Commit(ctx, next, cur.Version, ev); err != nil {
		return domain.CardSchedule{}, err
	}
	return next, nil
}

func (s *Service) newSchedule(id domain.CardIdentity, now time.Time) domain.CardSchedule {
	cs := domain.NewCardSchedule(id, now)
	cs.EaseFactor = s.params.InitialEase
	return cs
}

// PeekSchedule returns the stored schedule of a card without side effects.
func (s *Service) PeekSchedule(ctx context.Context, cardID string) (domain.CardSchedule, error) {
	if cardID == "" {
		return domain.CardSchedule{}, fmt.Errorf("%w: empty card id", domain.ErrInvalidInput)
	}
	return s.store.Load(ctx, cardID)
}

// Preview returns the schedule each quality would produce if the card were
// reviewed now. Unknown cards are previewed from the default state.
func (s *Service) Preview(ctx context.Context, cardID string) (map[domain.Quality]domain.CardSchedule, error) {
	now := s.clock()
	cur, err := s.PeekSchedule(ctx, cardID)
	if errors.Is(err, domain.ErrNotFound) {
		cur = s.newSchedule(domain.CardIdentity{CardID: cardID}, now)
	} else if err != nil {
		return nil, err
	}
	return s.params.Preview(cur, now), nil
}

// History returns the review events of a card, oldest first.
func (s *Service) History(ctx context.Context, cardID string) ([]domain.ReviewEvent, error) {
	if cardID == "" {
		return nil, fmt.Errorf("%w: empty card id", domain.ErrInvalidInput)
	}
	return s.store.History(ctx, cardID)
}

// DueCards yields the cards of owner (every owner when empty) that are due
// at asOf, oldest-overdue first with ties broken by card id.
//
// The sequence is read in pages; no store resources are held between
// yields. Each call is a fresh query and may race with concurrent reviews.
// Breaking out of the loop or cancelling ctx stops it. A failure is yielded
// once as the final element.
func (s *Service) DueCards(ctx context.Context, owner string, asOf time.Time) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		q := domain.DueQuery{Owner: owner, AsOf: asOf.UTC(), Limit: s.pageSize}
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			page, err := s.store.DuePage(ctx, q)
			if err != nil {
				yield("", err)
				return
			}
			for _, e := range page {
				if !yield(e.CardID, nil) {
					return
				}
			}
			if len(page) < q.Limit {
				return
			}
			last := page[len(page)-1]
			q.After = &last
		}
	}
}

// RegisterCard creates the default schedule of a card that became
// reviewable and reports whether a schedule was created or restored.
// Registering an active card is a no-op; registering a deleted one restores
// its schedule and history under the new owner and source.
func (s *Service) RegisterCard(ctx context.Context, id domain.CardIdentity) (bool, error) {
	if err := s.validateStruct(id); err != nil {
		return false, err
	}
	cs := s.newSchedule(id, s.clock())
	cs.Version = 1
	changed, err := s.store.Ensure(ctx, cs)
	if err != nil {
		return false, err
	}
	if changed {
		s.log.Info("card registered", zap.String("card_id", id.CardID), zap.String("owner", id.Owner), zap.String("source", id.Source))
	}
	return changed, nil
}

// RetireCard marks the schedule of a deleted card as orphaned. It is kept,
// but the card is no longer due and cannot be reviewed.
func (s *Service) RetireCard(ctx context.Context, cardID string) error {
	if cardID == "" {
		return fmt.Errorf("%w: empty card id", domain.ErrInvalidInput)
	}
	if err := s.store.Orphan(ctx, cardID, s.clock()); err != nil {
		return err
	}
	s.log.Info("card retired", zap.String("card_id", cardID))
	return nil
}

// ActiveCards lists the non-orphaned cards registered from source.
func (s *Service) ActiveCards(ctx context.Context, source string) ([]string, error) {
	return s.store.CardsBySource(ctx, source)
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field %s failed %s%s", domain.ErrInvalidInput, fe.Field(), fe.Tag(), paramSuffix(fe.Param()))
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
