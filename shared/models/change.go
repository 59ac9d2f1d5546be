package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action tags a change notification
type Action string

// Action constants
const (
	ActionBid     Action = "bid"
	ActionAdded   Action = "added"
	ActionDeleted Action = "deleted"
)

// Change tells subscribers that item state moved. Receivers re-fetch state;
// a Change is never an authoritative delta.
type Change interface {
	Action() Action
	// Item returns the affected item, if the change names one.
	Item() (int64, bool)
}

// BidPlaced is emitted once per accepted bid
type BidPlaced struct {
	ItemID int64
}

// ItemAdded is emitted when an operator lists or edits an item. ItemID is
// zero when the item id is not known to the emitter.
type ItemAdded struct {
	ItemID int64
}

// ItemDeleted is emitted when an operator deletes an item
type ItemDeleted struct {
	ItemID int64
}

func (BidPlaced) Action() Action   { return ActionBid }
func (ItemAdded) Action() Action   { return ActionAdded }
func (ItemDeleted) Action() Action { return ActionDeleted }

func (c BidPlaced) Item() (int64, bool)   { return c.ItemID, true }
func (c ItemAdded) Item() (int64, bool)   { return c.ItemID, c.ItemID != 0 }
func (c ItemDeleted) Item() (int64, bool) { return c.ItemID, true }

// Envelope is the wire representation of a Change
type Envelope struct {
	EventID   string `json:"eventId"`
	Action    Action `json:"action"`
	ItemID    *int64 `json:"itemId,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// NewEnvelope wraps a change for publishing
func NewEnvelope(c Change, now time.Time) Envelope {
	env := Envelope{
		EventID:   uuid.New().String(),
		Action:    c.Action(),
		Timestamp: now.UnixMilli(),
	}
	if id, ok := c.Item(); ok {
		env.ItemID = &id
	}
	return env
}

// Change converts the envelope back into its tagged variant
func (e Envelope) Change() (Change, error) {
	var id int64
	if e.ItemID != nil {
		id = *e.ItemID
	}

	switch e.Action {
	case ActionBid:
		if e.ItemID == nil {
			return nil, fmt.Errorf("bid notification without item id")
		}
		return BidPlaced{ItemID: id}, nil
	case ActionAdded:
		return ItemAdded{ItemID: id}, nil
	case ActionDeleted:
		if e.ItemID == nil {
			return nil, fmt.Errorf("deleted notification without item id")
		}
		return ItemDeleted{ItemID: id}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", e.Action)
	}
}

// MarshalChange encodes a change as an envelope
func MarshalChange(c Change, now time.Time) ([]byte, Envelope, error) {
	env := NewEnvelope(c, now)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, env, fmt.Errorf("failed to marshal change: %w", err)
	}
	return data, env, nil
}

// UnmarshalEnvelope decodes a wire payload
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	if _, err := env.Change(); err != nil {
		return env, err
	}
	return env, nil
}
