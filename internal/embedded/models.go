package embedded

import (
	"time"

	"github.com/dsr1111/toko-auction/shared/models"
)

type itemRow struct {
	ID                 int64  `gorm:"primarykey"`
	Name               string `gorm:"size:255;not null"`
	StartPrice         int64  `gorm:"not null"`
	CurrentBid         int64  `gorm:"not null"`
	LastBidderNickname string `gorm:"size:128"`
	Quantity           int    `gorm:"not null;default:1"`
	RemainingQuantity  int    `gorm:"not null"`
	EndTime            *time.Time
	Version            int64     `gorm:"not null;default:1"`
	CreatedAt          time.Time `gorm:"index"`
	UpdatedAt          time.Time
}

func (itemRow) TableName() string { return "items" }

type bidRow struct {
	ID             int64     `gorm:"primarykey"`
	ItemID         int64     `gorm:"not null;index"`
	BidAmount      int64     `gorm:"not null;index"`
	BidQuantity    int       `gorm:"not null"`
	BidderNickname string    `gorm:"size:128;not null"`
	BidderIdentity string    `gorm:"size:255;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (bidRow) TableName() string { return "bid_records" }

type allocationRow struct {
	ItemID     int64  `gorm:"primarykey;autoIncrement:false"`
	Allocation []byte `gorm:"not null"`
	ComputedAt time.Time
}

func (allocationRow) TableName() string { return "item_allocations" }

func toItemRow(it models.Item) itemRow {
	return itemRow{
		ID:                 it.ID,
		Name:               it.Name,
		StartPrice:         it.StartPrice,
		CurrentBid:         it.CurrentBid,
		LastBidderNickname: it.LastBidderNickname,
		Quantity:           it.Quantity,
		RemainingQuantity:  it.RemainingQuantity,
		EndTime:            it.EndTime,
		Version:            it.Version,
		CreatedAt:          it.CreatedAt,
		UpdatedAt:          it.UpdatedAt,
	}
}

func (r itemRow) model() models.Item {
	it := models.Item{
		ID:                 r.ID,
		Name:               r.Name,
		StartPrice:         r.StartPrice,
		CurrentBid:         r.CurrentBid,
		LastBidderNickname: r.LastBidderNickname,
		Quantity:           r.Quantity,
		RemainingQuantity:  r.RemainingQuantity,
		Version:            r.Version,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if r.EndTime != nil {
		end := r.EndTime.UTC()
		it.EndTime = &end
	}
	return it
}

func toBidRow(b models.BidRecord) bidRow {
	return bidRow{
		ID:             b.ID,
		ItemID:         b.ItemID,
		BidAmount:      b.BidAmount,
		BidQuantity:    b.BidQuantity,
		BidderNickname: b.BidderNickname,
		BidderIdentity: b.BidderIdentity,
		CreatedAt:      b.CreatedAt,
	}
}

func (r bidRow) model() models.BidRecord {
	return models.BidRecord{
		ID:             r.ID,
		ItemID:         r.ItemID,
		BidAmount:      r.BidAmount,
		BidQuantity:    r.BidQuantity,
		BidderNickname: r.BidderNickname,
		BidderIdentity: r.BidderIdentity,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

func bidModels(rows []bidRow) []models.BidRecord {
	out := make([]models.BidRecord, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out
}
