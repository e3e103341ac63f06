package models

import (
	"time"

	"github.com/phone-pay/internal/types"
)

// PointsEntry is an append-only credit to a code owner
type PointsEntry struct {
	ID          int64              `json:"id" db:"id"`
	OwnerID     int64              `json:"ownerId" db:"owner_id"`
	Points      int                `json:"points" db:"points"`
	Source      types.PointsSource `json:"source" db:"source"`
	Description string             `json:"description" db:"description"`
	ReferralID  *int64             `json:"referralId,omitempty" db:"referral_id"`
	UsageID     *int64             `json:"usageId,omitempty" db:"usage_id"`
	ClaimID     *int64             `json:"claimId,omitempty" db:"claim_id"`
	CreatedAt   time.Time          `json:"createdAt" db:"created_at"`
}

// RewardClaim records pending points converted on the ledger
type RewardClaim struct {
	ID          int64     `json:"id" db:"id"`
	OwnerID     int64     `json:"ownerId" db:"owner_id"`
	Points      int       `json:"points" db:"points"`
	TxHash      string    `json:"txHash" db:"tx_hash"`
	BlockNumber uint64    `json:"blockNumber" db:"block_number"`
	HighWaterID int64     `json:"highWaterId" db:"high_water_id"`
	ClaimedAt   time.Time `json:"claimedAt" db:"claimed_at"`
}

// PendingPoints is the unclaimed balance up to a high-water entry id
type PendingPoints struct {
	OwnerID     int64 `json:"ownerId"`
	Points      int   `json:"points"`
	Entries     int   `json:"entries"`
	HighWaterID int64 `json:"highWaterId"`
}
