package bidding

import (
	"sort"

	"github.com/dsr1111/toko-auction/shared/models"
)

// Ranker derives winning allocations from the bid ledger
type Ranker struct {
	Fees FeeSchedule
}

// NewRanker creates a ranker charging the given fee schedule at settlement
func NewRanker(fees FeeSchedule) Ranker {
	return Ranker{Fees: fees}
}

// Rank allocates the item's units to the highest per-unit bids.
//
// Every record is conceptually expanded into BidQuantity single units; units
// are ordered by amount descending, ties going to the earlier bid, and the
// first item.Quantity units win. Capacity nobody bid for contributes nothing.
// Rank is pure: the same item and history always give the same allocation.
func (r Ranker) Rank(item models.Item, history []models.BidRecord) models.Allocation {
	ordered := make([]models.BidRecord, 0, len(history))
	for _, rec := range history {
		if rec.ItemID != item.ID || rec.BidQuantity <= 0 {
			continue
		}
		ordered = append(ordered, rec)
	}
	sortByStrength(ordered)

	alloc := models.Allocation{
		ItemID:  item.ID,
		Winners: make([]models.AllocatedBid, 0, len(ordered)),
	}

	capacity := item.Quantity
	for _, rec := range ordered {
		if capacity <= 0 {
			break
		}
		units := min(rec.BidQuantity, capacity)
		capacity -= units

		alloc.Winners = append(alloc.Winners, models.AllocatedBid{
			BidID:          rec.ID,
			BidderIdentity: rec.BidderIdentity,
			BidderNickname: rec.BidderNickname,
			UnitPrice:      rec.BidAmount,
			Units:          units,
		})
		alloc.UnitsSold += units
		alloc.TotalValue += rec.BidAmount * int64(units)
	}

	alloc.UnitsUnsold = max(item.Quantity-alloc.UnitsSold, 0)
	alloc.Settlement = r.Fees.Settle(alloc.TotalValue)
	return alloc
}

// Summarize computes the total committed value across items. An item with no
// bids is valued at StartPrice for its whole quantity; that is a display
// convention, not a sale outcome.
func (r Ranker) Summarize(items []models.Item, bidsByItem map[int64][]models.BidRecord) models.Summary {
	var s models.Summary
	for _, item := range items {
		var value int64
		if bids := bidsByItem[item.ID]; len(bids) > 0 {
			value = r.Rank(item, bids).TotalValue
		} else {
			value = item.StartPrice * int64(item.Quantity)
		}
		s.Items++
		s.TotalValue += value
		s.Settlement += r.Fees.Settle(value).Total
	}
	return s
}

// GroupByItem buckets ledger records by item id, keeping their order
func GroupByItem(records []models.BidRecord) map[int64][]models.BidRecord {
	out := make(map[int64][]models.BidRecord)
	for _, rec := range records {
		out[rec.ItemID] = append(out[rec.ItemID], rec)
	}
	return out
}

// sortByStrength orders records by amount descending, then by submission
// order. A record not yet persisted (ID 0) is the newest.
func sortByStrength(records []models.BidRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.BidAmount != b.BidAmount {
			return a.BidAmount > b.BidAmount
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return persistedOrder(a.ID) < persistedOrder(b.ID)
	})
}

func persistedOrder(id int64) int64 {
	if id == 0 {
		return int64(^uint64(0) >> 1)
	}
	return id
}

// unitPriceAt returns the price of the winning unit at index idx, counting
// from the strongest unit at 0
func unitPriceAt(alloc models.Allocation, idx int) int64 {
	for _, w := range alloc.Winners {
		if idx < w.Units {
			return w.UnitPrice
		}
		idx -= w.Units
	}
	return 0
}
