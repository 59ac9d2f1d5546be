package bidding

import (
	"time"

	"github.com/dsr1111/toko-auction/shared/models"
)

// Status derives the lifecycle state at now. There is no reopening
// transition: once EndTime has passed the item stays ended.
func Status(item models.Item, now time.Time) models.ItemStatus {
	if item.EndTime != nil && !now.Before(*item.EndTime) {
		return models.ItemStatusEnded
	}
	return models.ItemStatusOpen
}

// IsOpen reports whether the item still accepts bids at now
func IsOpen(item models.Item, now time.Time) bool {
	return Status(item, now) == models.ItemStatusOpen
}
