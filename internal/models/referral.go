package models

import (
	"time"

	"github.com/phone-pay/internal/types"
)

// Referral is a referral code as seen by its owner
type Referral struct {
	ID          int64     `json:"id" db:"id"`
	Code        string    `json:"code" db:"code"`
	OwnerID     int64     `json:"ownerId" db:"owner_id"`
	Reward      string    `json:"reward" db:"reward"`
	Description string    `json:"description" db:"description"`
	Category    string    `json:"category" db:"category"`
	MaxUsage    *int      `json:"maxUsage" db:"max_usage"` // nil = unlimited
	UsageCount  int       `json:"usageCount" db:"usage_count"`
	IsActive    bool      `json:"isActive" db:"is_active"`
	TxHash      *string   `json:"txHash,omitempty" db:"tx_hash"`
	BlockNumber *uint64   `json:"blockNumber,omitempty" db:"block_number"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// State derives the lifecycle state from the active flag and counters
func (r *Referral) State() types.ReferralState {
	switch {
	case !r.IsActive:
		return types.ReferralDeactivated
	case r.MaxUsage != nil && r.UsageCount >= *r.MaxUsage:
		return types.ReferralExhausted
	default:
		return types.ReferralActive
	}
}

// IsAvailable reports whether the code can currently be claimed
func (r *Referral) IsAvailable() bool {
	return r.State() == types.ReferralActive
}

// RemainingUses returns nil for unlimited codes
func (r *Referral) RemainingUses() *int {
	if r.MaxUsage == nil {
		return nil
	}
	left := *r.MaxUsage - r.UsageCount
	if left < 0 {
		left = 0
	}
	return &left
}

// ToAvailable projects the referral into its public discovery shape
func (r *Referral) ToAvailable() AvailableReferral {
	return AvailableReferral{
		ID:            r.ID,
		Code:          r.Code,
		Reward:        r.Reward,
		Description:   r.Description,
		Category:      r.Category,
		MaxUsage:      r.MaxUsage,
		UsageCount:    r.UsageCount,
		RemainingUses: r.RemainingUses(),
		IsAvailable:   r.IsAvailable(),
		CreatedAt:     r.CreatedAt,
	}
}

// AvailableReferral is the discovery view of a code.
// It carries nothing that identifies or contacts the owner.
type AvailableReferral struct {
	ID            int64     `json:"id"`
	Code          string    `json:"code"`
	Reward        string    `json:"reward"`
	Description   string    `json:"description"`
	Category      string    `json:"category"`
	MaxUsage      *int      `json:"maxUsage"`
	UsageCount    int       `json:"usageCount"`
	RemainingUses *int      `json:"remainingUses"`
	IsAvailable   bool      `json:"isAvailable"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ReferralFilter narrows ListAvailable
type ReferralFilter struct {
	Category string
	Search   string
}

// ReferralUsage records one seeker consuming one usage slot
type ReferralUsage struct {
	ID          int64     `json:"id" db:"id"`
	ReferralID  int64     `json:"referralId" db:"referral_id"`
	UserID      int64     `json:"userId" db:"user_id"`
	AttemptID   string    `json:"attemptId" db:"attempt_id"`
	// TxHash and BlockNumber are set when the code lives on chain
	TxHash      *string   `json:"txHash,omitempty" db:"tx_hash"`
	BlockNumber *uint64   `json:"blockNumber,omitempty" db:"block_number"`
	UsedAt      time.Time `json:"usedAt" db:"used_at"`
}

// Provider is the code owner contact revealed only after a successful claim
type Provider struct {
	ID            int64  `json:"id"`
	PhoneE164     string `json:"phoneE164,omitempty"`
	WalletAddress string `json:"walletAddress"`
}

// ClaimResult is returned when a seeker claims a referral code
type ClaimResult struct {
	Referral      Referral      `json:"referral"`
	Provider      Provider      `json:"provider"`
	PointsAwarded int           `json:"pointsAwarded"`
	UsageRecord   ReferralUsage `json:"usageRecord"`
	// Replayed is set when the attempt id had already been applied
	Replayed bool `json:"replayed"`
}

// UsageClaim is the input of the atomic claim primitive
type UsageClaim struct {
	ReferralID  int64
	UserID      int64
	AttemptID   string
	Points      int
	Description string
	// Receipt of the on-chain use, nil for off-chain codes
	TxHash      *string
	BlockNumber *uint64
}

// UsageOutcome is what one applied claim wrote
type UsageOutcome struct {
	Referral Referral
	Usage    ReferralUsage
	// Entry is nil when the claim credited no points
	Entry *PointsEntry
}
