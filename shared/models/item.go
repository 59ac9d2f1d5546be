package models

import "time"

// Item represents an auction lot with a quantity and an optional closing time
type Item struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	StartPrice         int64      `json:"start_price"`
	CurrentBid         int64      `json:"current_bid"`
	LastBidderNickname string     `json:"last_bidder_nickname,omitempty"`
	Quantity           int        `json:"quantity"`
	RemainingQuantity  int        `json:"remaining_quantity"`
	EndTime            *time.Time `json:"end_time,omitempty"` // nil means the auction never ends
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ItemStatus is derived from EndTime on every read
type ItemStatus string

// ItemStatus constants
const (
	ItemStatusOpen  ItemStatus = "open"
	ItemStatusEnded ItemStatus = "ended"
)

// ItemPatch carries an operator edit. Nil fields are left untouched.
type ItemPatch struct {
	Name     *string
	Quantity *int
	// EndTime replaces the closing time when SetEndTime is true; a nil
	// EndTime with SetEndTime clears it.
	EndTime    *time.Time
	SetEndTime bool
}

// ItemView is the read model returned by the API
type ItemView struct {
	Item
	Status         ItemStatus `json:"status"`
	MinimumNextBid int64      `json:"minimum_next_bid"`
}

// CreateItemRequest represents the incoming operator request to list an item
type CreateItemRequest struct {
	Name       string     `json:"name"`
	StartPrice int64      `json:"start_price"`
	Quantity   int        `json:"quantity"`
	EndTime    *time.Time `json:"end_time"`
}

// UpdateItemRequest represents an operator edit from the API
type UpdateItemRequest struct {
	Name     *string    `json:"name,omitempty"`
	Quantity *int       `json:"quantity,omitempty"`
	EndTime  *time.Time `json:"end_time,omitempty"`
	ClearEnd bool       `json:"clear_end_time,omitempty"`
}
