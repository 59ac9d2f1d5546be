package models

import "time"

// BidRecord is one immutable submission of a per-unit price and quantity.
// BidAmount is fee-exclusive; the fee is derived at settlement time.
type BidRecord struct {
	ID             int64     `json:"id"`
	ItemID         int64     `json:"item_id"`
	BidAmount      int64     `json:"bid_amount"`
	BidQuantity    int       `json:"bid_quantity"`
	BidderNickname string    `json:"bidder_nickname"`
	BidderIdentity string    `json:"bidder_identity"`
	CreatedAt      time.Time `json:"created_at"`
}

// Bidder identifies who is submitting a bid
type Bidder struct {
	Identity string `json:"identity"`
	Nickname string `json:"nickname"`
}

// BidRequest represents the incoming bid request from API
type BidRequest struct {
	UnitPrice int64 `json:"unit_price"`
	Quantity  int   `json:"quantity"`
}

// BidResponse represents the API response after an accepted bid
type BidResponse struct {
	Item            Item      `json:"item"`
	Bid             BidRecord `json:"bid"`
	EffectivePrice  int64     `json:"effective_price"`  // per unit, fee-inclusive
	EffectiveAmount int64     `json:"effective_amount"` // whole bid, fee-inclusive
	MinimumNextBid  int64     `json:"minimum_next_bid"`
}
