package domain

import "time"

// DueEntry is one row of the due queue.
type DueEntry struct {
	CardID       string
	NextReviewAt time.Time
}

// DueQuery selects one keyset page of the due queue: cards with
// NextReviewAt <= AsOf, ordered by (NextReviewAt, CardID), strictly after
// the cursor when After is set.
type DueQuery struct {
	Owner string // empty matches every owner
	AsOf  time.Time
	After *DueEntry
	Limit int
}
