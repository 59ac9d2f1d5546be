package bidding

import (
	"errors"
	"testing"
	"time"

	"github.com/dsr1111/toko-auction/shared/models"
	"pgregory.net/rapid"
)

// Replays random bid sequences through the evaluator the way a store does
// and checks the item never drifts out of its bounds.
func TestRemainingQuantityStaysInBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewEvaluator(DefaultIncrement, DefaultFees)
		quantity := rapid.IntRange(1, 6).Draw(t, "quantity")
		item := models.Item{
			ID:                1,
			StartPrice:        DefaultIncrement * rapid.Int64Range(1, 3).Draw(t, "start"),
			Quantity:          quantity,
			RemainingQuantity: quantity,
			Version:           1,
		}
		item.CurrentBid = item.StartPrice

		var history []models.BidRecord
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := range steps {
			bid := Bid{
				UnitPrice: DefaultIncrement * rapid.Int64Range(0, 12).Draw(t, "price"),
				Quantity:  rapid.IntRange(0, quantity+1).Draw(t, "qty"),
				Bidder:    models.Bidder{Identity: rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "who")},
			}
			d, err := e.Evaluate(&item, history, bid, t0.Add(time.Duration(i)*time.Second))
			if err != nil {
				var bidErr *BidError
				if !errors.As(err, &bidErr) {
					t.Fatalf("unexpected error type %T", err)
				}
				continue
			}

			if d.Item.CurrentBid < item.CurrentBid {
				t.Fatalf("current bid fell from %d to %d", item.CurrentBid, d.Item.CurrentBid)
			}
			d.Record.ID = int64(len(history) + 1)
			history = append(history, d.Record)
			item = d.Item

			if item.RemainingQuantity < 0 || item.RemainingQuantity > item.Quantity {
				t.Fatalf("remaining %d outside [0, %d]", item.RemainingQuantity, item.Quantity)
			}
			if item.CurrentBid < item.StartPrice {
				t.Fatalf("current bid %d below start price %d", item.CurrentBid, item.StartPrice)
			}
			if item.CurrentBid%DefaultIncrement != 0 {
				t.Fatalf("current bid %d is off the increment", item.CurrentBid)
			}
			leader := e.Ranker().Rank(item, history).Winners[0]
			if item.CurrentBid != leader.UnitPrice || item.LastBidderNickname != leader.BidderNickname {
				t.Fatalf("item shows %d by %q, leader is %d by %q",
					item.CurrentBid, item.LastBidderNickname, leader.UnitPrice, leader.BidderNickname)
			}
		}
	})
}

func TestOffIncrementPriceAlwaysRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewEvaluator(DefaultIncrement, DefaultFees)
		price := rapid.Int64Range(-1_000_000, 1_000_000).
			Filter(func(p int64) bool { return p%DefaultIncrement != 0 }).
			Draw(t, "price")
		quantity := rapid.IntRange(1, 5).Draw(t, "quantity")
		item := models.Item{ID: 1, StartPrice: DefaultIncrement, Quantity: quantity, RemainingQuantity: quantity}
		if rapid.Bool().Draw(t, "ended") {
			end := t0.Add(-time.Hour)
			item.EndTime = &end
		}

		_, err := e.Evaluate(&item, nil, Bid{UnitPrice: price, Quantity: 1, Bidder: models.Bidder{Identity: "x"}}, t0)
		if err == nil {
			t.Fatalf("price %d accepted", price)
		}
	})
}

func TestRankNeverOversells(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		quantity := rapid.IntRange(0, 10).Draw(t, "quantity")
		item := models.Item{ID: 1, Quantity: quantity}
		n := rapid.IntRange(0, 20).Draw(t, "records")
		history := make([]models.BidRecord, n)
		for i := range history {
			history[i] = bidAt(int64(i+1), DefaultIncrement*rapid.Int64Range(1, 9).Draw(t, "amount"),
				rapid.IntRange(1, 4).Draw(t, "units"), "b", time.Duration(i)*time.Second)
		}

		alloc := NewRanker(DefaultFees).Rank(item, history)
		if alloc.UnitsSold+alloc.UnitsUnsold != quantity {
			t.Fatalf("sold %d + unsold %d != %d", alloc.UnitsSold, alloc.UnitsUnsold, quantity)
		}
		for i := 1; i < len(alloc.Winners); i++ {
			if alloc.Winners[i].UnitPrice > alloc.Winners[i-1].UnitPrice {
				t.Fatalf("winners out of order at %d", i)
			}
		}
	})
}
