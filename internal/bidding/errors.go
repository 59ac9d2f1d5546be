package bidding

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers user-correctable input problems
	ErrValidation      = errors.New("validation failed")
	ErrInvalidQuantity = fmt.Errorf("%w: invalid quantity", ErrValidation)
	ErrInvalidPrice    = fmt.Errorf("%w: invalid price", ErrValidation)

	ErrAuctionEnded = errors.New("auction has ended")
	ErrBidTooLow    = errors.New("bid too low")
	ErrNotFound     = errors.New("item not found")

	// ErrStoreUnavailable is transient and safe to retry
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConflict means the item row changed underneath a write; callers
	// re-run the whole read-validate-write sequence
	ErrConflict = errors.New("concurrent modification")

	// ErrNotificationDelivery is logged and never surfaced to bidders
	ErrNotificationDelivery = errors.New("notification delivery failed")
)

// BidError carries the detail of a rejected bid. It unwraps to one of the
// sentinel errors above.
type BidError struct {
	Err      error
	ItemID   int64
	Baseline int64 // price to beat, set for ErrBidTooLow
	Detail   string
}

func (e *BidError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Detail)
}

func (e *BidError) Unwrap() error {
	return e.Err
}

func reject(err error, itemID int64, format string, args ...any) *BidError {
	return &BidError{Err: err, ItemID: itemID, Detail: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether an error may succeed on a later attempt
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflict)
}
