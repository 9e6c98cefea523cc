// Package sm2 implements the SM-2 scheduling transform: given a card's
// current schedule and the quality of a review, it computes the next
// schedule. It performs no I/O and never fails for validated input.
package sm2

import (
	"fmt"
	"math"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
)

// Params holds the tunables of the transform.
type Params struct {
	InitialEase     float64 // ease of a never-reviewed card
	MinEase         float64 // floor for every ease adjustment
	FailPenalty     float64 // subtracted from the ease on a failed review
	PassBonus       float64 // added per quality point above the pass threshold
	MaxIntervalDays int     // upper bound for any interval
}

// DefaultParams returns the classic SM-2 constants.
func DefaultParams() *Params {
	return &Params{
		InitialEase:     domain.InitialEaseFactor,
		MinEase:         domain.MinEaseFactor,
		FailPenalty:     0.2,
		PassBonus:       0.05,
		MaxIntervalDays: 36500,
	}
}

// Validate rejects parameter sets that would break the schedule invariants.
func (p *Params) Validate() error {
	for name, v := range map[string]float64{
		"initial ease": p.InitialEase,
		"min ease":     p.MinEase,
		"fail penalty": p.FailPenalty,
		"pass bonus":   p.PassBonus,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite, got %v", domain.ErrInvalidInput, name, v)
		}
	}
	switch {
	case p.MinEase < domain.MinEaseFactor:
		return fmt.Errorf("%w: min ease %.2f below %.2f", domain.ErrInvalidInput, p.MinEase, domain.MinEaseFactor)
	case p.InitialEase < p.MinEase:
		return fmt.Errorf("%w: initial ease %.2f below min ease %.2f", domain.ErrInvalidInput, p.InitialEase, p.MinEase)
	case p.FailPenalty < 0:
		return fmt.Errorf("%w: fail penalty %.2f is negative", domain.ErrInvalidInput, p.FailPenalty)
	case p.PassBonus < 0:
		return fmt.Errorf("%w: pass bonus %.2f is negative", domain.ErrInvalidInput, p.PassBonus)
	case p.MaxIntervalDays < 6:
		return fmt.Errorf("%w: max interval %d shorter than the second step", domain.ErrInvalidInput, p.MaxIntervalDays)
	}
	return nil
}

// Next applies one review of quality q at now to cur and returns the new
// schedule. cur is not modified. q must already be validated.
func (p *Params) Next(cur domain.CardSchedule, q domain.Quality, now time.Time) domain.CardSchedule {
	next := cur
	ease := math.Max(p.MinEase, cur.EaseFactor)

	if !q.Passed() {
		next.Repetitions = 0
		next.IntervalDays = 1
		next.EaseFactor = p.clampEase(ease - p.FailPenalty)
	} else {
		next.Repetitions = cur.Repetitions + 1
		next.IntervalDays = p.passInterval(next.Repetitions, cur.IntervalDays, ease)
		next.EaseFactor = p.clampEase(ease + p.PassBonus*float64(q-domain.PassThreshold))
	}

	// No same-day repeats.
	next.IntervalDays = min(max(next.IntervalDays, 1), p.MaxIntervalDays)

	reviewed := now
	next.LastReviewedAt = &reviewed
	next.NextReviewAt = domain.DueAfter(now, next.IntervalDays)
	next.Version = cur.Version + 1
	return next
}

// Preview returns the schedule every possible quality would produce.
func (p *Params) Preview(cur domain.CardSchedule, now time.Time) map[domain.Quality]domain.CardSchedule {
	out := make(map[domain.Quality]domain.CardSchedule, int(domain.MaxQuality)+1)
	for q := domain.MinQuality; q <= domain.MaxQuality; q++ {
		out[q] = p.Next(cur, q, now)
	}
	return out
}

// passInterval uses the ease from before this review's adjustment.
func (p *Params) passInterval(repetitions, prevInterval int, ease float64) int {
	switch repetitions {
	case 1:
		return 1
	case 2:
		return 6
	default:
		return int(math.Round(float64(prevInterval) * ease))
	}
}

// clampEase floors the ease and rounds it to four decimals so repeated
// adjustments do not accumulate binary noise.
func (p *Params) clampEase(ease float64) float64 {
	return math.Max(p.MinEase, math.Round(ease*1e4)/1e4)
}
