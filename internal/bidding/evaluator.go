package bidding

import (
	"strings"
	"time"

	"github.com/dsr1111/toko-auction/shared/models"
)

// DefaultIncrement is the price step every bid must be a multiple of
const DefaultIncrement int64 = 10_000

// Bid is a submission waiting for a decision
type Bid struct {
	UnitPrice int64
	Quantity  int
	Bidder    models.Bidder
}

// Decision is the outcome of an admissible bid: the item state to write and
// the ledger record to append, both in the same transaction
type Decision struct {
	Item       models.Item
	Record     models.BidRecord
	Allocation models.Allocation
	// Baseline is the price the bid had to exceed
	Baseline int64
}

// Evaluator decides whether a bid is admissible against the item's current
// state. It holds no state of its own; callers run Evaluate inside the
// item-scoped transaction so that the history it sees is the committed one.
type Evaluator struct {
	Increment int64
	Fees      FeeSchedule
	ranker    Ranker
}

// NewEvaluator creates an evaluator for the given price step and fee schedule
func NewEvaluator(increment int64, fees FeeSchedule) *Evaluator {
	if increment <= 0 {
		increment = DefaultIncrement
	}
	return &Evaluator{
		Increment: increment,
		Fees:      fees,
		ranker:    NewRanker(fees),
	}
}

// Ranker returns the ranker sharing this evaluator's fee schedule
func (e *Evaluator) Ranker() Ranker {
	return e.ranker
}

// Evaluate validates bid against item and its ledger history, in order:
// lifecycle, quantity, price step, then the outbid rule. On success the
// returned decision carries the new item state and the record to append.
func (e *Evaluator) Evaluate(item *models.Item, history []models.BidRecord, bid Bid, now time.Time) (Decision, error) {
	if item == nil {
		return Decision{}, &BidError{Err: ErrNotFound}
	}
	if !IsOpen(*item, now) {
		return Decision{}, reject(ErrAuctionEnded, item.ID, "closed at %s", item.EndTime.Format(time.RFC3339))
	}

	identity := strings.TrimSpace(bid.Bidder.Identity)
	if identity == "" {
		return Decision{}, reject(ErrValidation, item.ID, "bidder identity is required")
	}
	nickname := strings.TrimSpace(bid.Bidder.Nickname)
	if nickname == "" {
		nickname = identity
	}

	if bid.Quantity < 1 || bid.Quantity > item.Quantity {
		return Decision{}, reject(ErrInvalidQuantity, item.ID, "quantity must be between 1 and %d", item.Quantity)
	}

	if bid.UnitPrice <= 0 || bid.UnitPrice%e.Increment != 0 {
		return Decision{}, reject(ErrInvalidPrice, item.ID, "unit price must be a positive multiple of %d", e.Increment)
	}

	alloc := e.ranker.Rank(*item, history)
	baseline, displacing := e.baseline(*item, alloc, bid.Quantity)
	if displacing && bid.UnitPrice <= baseline {
		return Decision{}, &BidError{
			Err:      ErrBidTooLow,
			ItemID:   item.ID,
			Baseline: baseline,
			Detail:   "must exceed the weakest winning unit price",
		}
	}
	if !displacing && bid.UnitPrice < item.StartPrice {
		return Decision{}, &BidError{
			Err:      ErrBidTooLow,
			ItemID:   item.ID,
			Baseline: baseline,
			Detail:   "must meet the start price",
		}
	}

	record := models.BidRecord{
		ItemID:         item.ID,
		BidAmount:      bid.UnitPrice,
		BidQuantity:    bid.Quantity,
		BidderNickname: nickname,
		BidderIdentity: identity,
		CreatedAt:      now,
	}

	next := *item
	after := e.ranker.Rank(next, append(append(make([]models.BidRecord, 0, len(history)+1), history...), record))

	// the item shows the leading unit and who holds it; neither drops as the
	// ledger grows
	leader := after.Winners[0]
	next.CurrentBid = max(leader.UnitPrice, item.StartPrice)
	next.LastBidderNickname = leader.BidderNickname
	next.RemainingQuantity = after.UnitsUnsold
	next.Version++
	next.UpdatedAt = now

	return Decision{
		Item:       next,
		Record:     record,
		Allocation: after,
		Baseline:   baseline,
	}, nil
}

// MinimumNextBid is the lowest unit price that would currently be admitted
// for quantity units
func (e *Evaluator) MinimumNextBid(item models.Item, history []models.BidRecord, quantity int) int64 {
	if quantity < 1 {
		quantity = 1
	}
	baseline, displacing := e.baseline(item, e.ranker.Rank(item, history), quantity)
	if !displacing {
		return item.StartPrice
	}
	return baseline + e.Increment
}

// baseline returns the price a bid for quantity units has to beat. While
// enough units are unallocated the floor is the start price. Otherwise the
// bid displaces the weakest winning units and must beat the strongest of
// those.
func (e *Evaluator) baseline(item models.Item, alloc models.Allocation, quantity int) (int64, bool) {
	open := alloc.UnitsUnsold
	if quantity <= open {
		return item.StartPrice, false
	}

	displaced := min(quantity-open, alloc.UnitsSold)
	price := unitPriceAt(alloc, alloc.UnitsSold-displaced)
	return max(price, item.StartPrice), true
}
