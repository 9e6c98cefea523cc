package domain

import "time"

// CardIdentity is what the card-content collaborator tells the scheduler
// about a card. The scheduler never sees the card's text.
type CardIdentity struct {
	CardID string `json:"card_id" validate:"required,max=256"`
	Owner  string `json:"owner" validate:"max=256"`
	Source string `json:"source" validate:"max=1024"`
}

// ReviewEvent records a single accepted review. Rows are append-only:
// nothing in the scheduler updates or deletes them.
//
// The Resulting* fields capture the schedule the review produced so that a
// replayed submission can answer with exactly the same result.
type ReviewEvent struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CardID         string    `json:"card_id"`
	Owner          string    `json:"owner,omitempty"`
	Quality        Quality   `json:"quality"`
	ReviewedAt     time.Time `json:"reviewed_at"`

	ResultingRepetitions  int     `json:"resulting_repetitions"`
	ResultingIntervalDays int     `json:"resulting_interval_days"`
	ResultingEaseFactor   float64 `json:"resulting_ease_factor"`
	ResultingVersion      int64   `json:"resulting_version"`
}

// Schedule rebuilds the schedule this review produced.
func (e ReviewEvent) Schedule(source string) CardSchedule {
	reviewed := e.ReviewedAt
	return CardSchedule{
		CardID:         e.CardID,
		Owner:          e.Owner,
		Source:         source,
		Repetitions:    e.ResultingRepetitions,
		EaseFactor:     e.ResultingEaseFactor,
		IntervalDays:   e.ResultingIntervalDays,
		NextReviewAt:   DueAfter(reviewed, e.ResultingIntervalDays),
		LastReviewedAt: &reviewed,
		Version:        e.ResultingVersion,
	}
}
