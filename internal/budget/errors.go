package budget

import "errors"

var (
	// ErrInvalidBudget is returned when a proposed budget fails the
	// invariant checks and the mutation is rejected.
	ErrInvalidBudget = errors.New("invalid budget")

	// ErrStoreUnavailable wraps a ledger store write that failed after
	// exhausting its retries.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)
