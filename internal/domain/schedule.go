package domain

import "time"

// InitialEaseFactor is the ease of a card that has never been reviewed.
const InitialEaseFactor = 2.5

// MinEaseFactor is the floor every ease adjustment is clamped to.
const MinEaseFactor = 1.3

// CardSchedule is the scheduling record of one reviewable card.
type CardSchedule struct {
	CardID         string     `json:"card_id"`
	Owner          string     `json:"owner,omitempty"`
	Source         string     `json:"source,omitempty"`
	Repetitions    int        `json:"repetitions"`
	EaseFactor     float64    `json:"ease_factor"`
	IntervalDays   int        `json:"interval_days"`
	NextReviewAt   time.Time  `json:"next_review_at"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"` // nil before first review.
	Version        int64      `json:"version"`                    // 0 until first persisted.
	OrphanedAt     *time.Time `json:"orphaned_at,omitempty"`      // set when the card was deleted upstream.
}

// NewCardSchedule returns the default state of a card that became
// reviewable at now. It is immediately due.
func NewCardSchedule(id CardIdentity, now time.Time) CardSchedule {
	return CardSchedule{
		CardID:       id.CardID,
		Owner:        id.Owner,
		Source:       id.Source,
		EaseFactor:   InitialEaseFactor,
		NextReviewAt: now,
	}
}

// Orphaned reports whether the card behind this schedule has been deleted.
func (s CardSchedule) Orphaned() bool {
	return s.OrphanedAt != nil
}

// DueAt reports whether the card is due for review at t.
func (s CardSchedule) DueAt(t time.Time) bool {
	return !s.Orphaned() && !s.NextReviewAt.After(t)
}

// DueAfter returns the instant a card reviewed at reviewed with the given
// interval becomes due again.
func DueAfter(reviewed time.Time, intervalDays int) time.Time {
	return reviewed.AddDate(0, 0, intervalDays)
}
