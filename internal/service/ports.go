package service

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/phone-pay/internal/models"
)

// UserStore holds user profiles
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*models.User, error)
	GetUserByPhoneHash(ctx context.Context, phoneHash string) (*models.User, error)
	FindUserConflicts(ctx context.Context, phoneE164, phoneHash, wallet string) ([]models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	PromotePlaceholder(ctx context.Context, userID int64, phoneE164, phoneHash string) (*models.User, error)
	EnsurePlaceholder(ctx context.Context, wallet string) (*models.User, bool, error)
}

// ReferralStore holds referral codes, usages and points
type ReferralStore interface {
	CreateReferral(ctx context.Context, ref *models.Referral, creation *models.PointsEntry) error
	GetReferral(ctx context.Context, id int64) (*models.Referral, error)
	ListAvailableReferrals(ctx context.Context, filter models.ReferralFilter) ([]models.Referral, error)
	ListReferralsByOwner(ctx context.Context, ownerID int64) ([]models.Referral, error)
	DeactivateReferral(ctx context.Context, id int64) (*models.Referral, error)
	HasUsage(ctx context.Context, referralID, userID int64) (bool, error)
	GetUsageOutcome(ctx context.Context, attemptID string) (*models.UsageOutcome, error)
	// ClaimUsage atomically consumes a slot, records the usage and credits points
	ClaimUsage(ctx context.Context, claim models.UsageClaim) (*models.UsageOutcome, error)
	PendingPoints(ctx context.Context, ownerID int64) (*models.PendingPoints, error)
	ListPointsEntries(ctx context.Context, ownerID int64, limit int) ([]models.PointsEntry, error)
	RecordRewardClaim(ctx context.Context, claim *models.RewardClaim) error
}

// TransactionStore holds payment rows
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	ListTransactionsByUser(ctx context.Context, userID int64, limit int) ([]models.Transaction, error)
}

// ProfileStore is the whole relational store
type ProfileStore interface {
	UserStore
	ReferralStore
	TransactionStore
	Ping(ctx context.Context) error
}

// RegistrationJournal remembers ledger-confirmed registrations until they are mirrored
type RegistrationJournal interface {
	Record(ctx context.Context, entry models.PendingMirror) error
	Resolve(ctx context.Context, phoneHash string) error
	Get(ctx context.Context, phoneHash string) (*models.PendingMirror, error)
	Pending(ctx context.Context, limit int) ([]models.PendingMirror, error)
}

// WalletCache caches confirmed phone hash to wallet mappings
type WalletCache interface {
	Get(ctx context.Context, phoneHash string) (string, bool, error)
	Set(ctx context.Context, phoneHash, wallet string) error
	Invalidate(ctx context.Context, phoneHash string) error
}

// normalizeWallet lower-cases a hex address, reporting false when it is not one
func normalizeWallet(wallet string) (string, bool) {
	wallet = strings.TrimSpace(wallet)
	if !common.IsHexAddress(wallet) || !strings.HasPrefix(strings.ToLower(wallet), "0x") {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(wallet).Hex()), true
}
