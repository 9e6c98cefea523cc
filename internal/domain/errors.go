package domain

import "errors"

// Sentinel errors shared by the engine, the review service and the stores.
// Use errors.Is to check: errors.Is(err, domain.ErrConflict)
var (
	ErrInvalidInput       = errors.New("knolsched: invalid input")
	ErrNotFound           = errors.New("knolsched: not found")
	ErrConflict           = errors.New("knolsched: version conflict")
	ErrStorageUnavailable = errors.New("knolsched: storage unavailable")

	// ErrDuplicateReview is returned by a store when the idempotency key of
	// a review has already been committed.
	ErrDuplicateReview = errors.New("knolsched: duplicate review")
)
