package models

import "time"

// AllocatedBid is the part of one bid record that wins units
type AllocatedBid struct {
	BidID          int64  `json:"bid_id"`
	BidderIdentity string `json:"bidder_identity"`
	BidderNickname string `json:"bidder_nickname"`
	UnitPrice      int64  `json:"unit_price"`
	Units          int    `json:"units"`
}

// FeeBreakdown splits the 10% fee charged on top of a bid
type FeeBreakdown struct {
	Dispatch       int64 `json:"dispatch"`
	Administration int64 `json:"administration"`
	Reserve        int64 `json:"reserve"`
	Total          int64 `json:"total"`
}

// Settlement is the fee-inclusive value of an allocation
type Settlement struct {
	Gross int64        `json:"gross"`
	Fee   FeeBreakdown `json:"fee"`
	Total int64        `json:"total"`
}

// Allocation is the ranked outcome for one item. It is always re-derivable
// from the ledger and is never a source of truth.
type Allocation struct {
	ItemID      int64          `json:"item_id"`
	Winners     []AllocatedBid `json:"winners"`
	UnitsSold   int            `json:"units_sold"`
	UnitsUnsold int            `json:"units_unsold"`
	TotalValue  int64          `json:"total_value"`
	Settlement  Settlement     `json:"settlement"`
	ComputedAt  time.Time      `json:"computed_at"`
}

// Summary is the total committed value across all items
type Summary struct {
	Items      int       `json:"items"`
	TotalValue int64     `json:"total_value"`
	Settlement int64     `json:"settlement"`
	ComputedAt time.Time `json:"computed_at"`
}
