package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/phone-pay/internal/adapter"
	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/models"
	"github.com/phone-pay/internal/types"
)

const (
	maxCodeLength   = 64
	defaultCategory = "general"
	// CategoryAll disables the category filter
	CategoryAll = "all"
)

// ReferralPolicy sets how many points each event credits
type ReferralPolicy struct {
	PointsPerUsage    int
	PointsPerCreation int
}

// DefaultReferralPolicy credits 10 points per usage and nothing for creation
func DefaultReferralPolicy() ReferralPolicy {
	return ReferralPolicy{PointsPerUsage: 10}
}

// CreateReferralInput represents input for creating a referral code
type CreateReferralInput struct {
	OwnerID     int64  `json:"ownerId"`
	Code        string `json:"code"`
	Reward      string `json:"reward"`
	Description string `json:"description"`
	Category    string `json:"category"`
	// MaxUsage nil means unlimited
	MaxUsage      *int `json:"maxUsage"`
	MirrorOnChain bool `json:"mirrorOnChain"`
}

// ReferralService manages referral codes, their claims and the points they earn
type ReferralService struct {
	users     UserStore
	referrals ReferralStore
	ledger    adapter.LedgerGateway
	policy    ReferralPolicy

	claimMu    sync.Mutex
	claimLocks map[int64]*sync.Mutex
}

// NewReferralService creates a referral service
func NewReferralService(store ProfileStore, ledger adapter.LedgerGateway, policy ReferralPolicy) *ReferralService {
	return &ReferralService{
		users:      store,
		referrals:  store,
		ledger:     ledger,
		policy:     policy,
		claimLocks: make(map[int64]*sync.Mutex),
	}
}

// Create registers a new code for its owner. With MirrorOnChain the ledger
// call happens first and nothing is stored if it fails.
func (s *ReferralService) Create(ctx context.Context, input CreateReferralInput) (*models.Referral, error) {
	code := strings.TrimSpace(input.Code)
	if code == "" {
		return nil, apperrors.NewInvalidParameterError("code", "must not be empty")
	}
	if len(code) > maxCodeLength {
		return nil, apperrors.NewInvalidParameterError("code", fmt.Sprintf("must be at most %d characters", maxCodeLength))
	}
	if input.MaxUsage != nil && *input.MaxUsage <= 0 {
		return nil, apperrors.NewInvalidParameterError("maxUsage", "must be positive when set")
	}
	category := strings.ToLower(strings.TrimSpace(input.Category))
	if category == "" {
		category = defaultCategory
	}
	if category == CategoryAll {
		return nil, apperrors.NewInvalidParameterError("category", "'all' is reserved")
	}

	owner, err := s.users.GetUserByID(ctx, input.OwnerID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, apperrors.NewOwnerNotFoundError(input.OwnerID)
	}

	// fail before any ledger call on an obvious duplicate
	owned, err := s.referrals.ListReferralsByOwner(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range owned {
		if r.Code == code {
			return nil, apperrors.NewDuplicateCodeError(owner.ID, code)
		}
	}

	ref := &models.Referral{
		Code:        code,
		OwnerID:     owner.ID,
		Reward:      strings.TrimSpace(input.Reward),
		Description: strings.TrimSpace(input.Description),
		Category:    category,
		MaxUsage:    input.MaxUsage,
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"ownerId": owner.ID,
		"code":    code,
	})

	if input.MirrorOnChain {
		maxUses := 0
		if input.MaxUsage != nil {
			maxUses = *input.MaxUsage
		}
		receipt, err := s.ledger.CreateReferralCode(ctx, code, maxUses)
		if err != nil {
			log.WithError(err).Warn("On-chain referral code mirror failed")
			return nil, apperrors.NewLedgerFailedError("referral code creation", err)
		}
		txHash := receipt.TxHash.Hex()
		block := receipt.BlockNumber
		ref.TxHash = &txHash
		ref.BlockNumber = &block
	}

	var creation *models.PointsEntry
	if s.policy.PointsPerCreation > 0 {
		creation = &models.PointsEntry{
			Points:      s.policy.PointsPerCreation,
			Source:      types.SourceReferralCreation,
			Description: fmt.Sprintf("created referral code %s", code),
		}
	}
	if err := s.referrals.CreateReferral(ctx, ref, creation); err != nil {
		return nil, err
	}

	log.WithField("referralId", ref.ID).Info("Referral code created")
	return ref, nil
}

// ListAvailable returns claimable codes in their public shape, newest first
func (s *ReferralService) ListAvailable(ctx context.Context, category, search string) ([]models.AvailableReferral, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == CategoryAll {
		category = ""
	}
	refs, err := s.referrals.ListAvailableReferrals(ctx, models.ReferralFilter{
		Category: category,
		Search:   strings.TrimSpace(search),
	})
	if err != nil {
		return nil, err
	}

	available := make([]models.AvailableReferral, 0, len(refs))
	for i := range refs {
		if !refs[i].IsAvailable() {
			continue
		}
		available = append(available, refs[i].ToAvailable())
	}
	return available, nil
}

// ListByOwner returns every code an owner created
func (s *ReferralService) ListByOwner(ctx context.Context, ownerID int64) ([]models.Referral, error) {
	owner, err := s.users.GetUserByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, apperrors.NewOwnerNotFoundError(ownerID)
	}
	return s.referrals.ListReferralsByOwner(ctx, ownerID)
}

// ClaimUsage lets userID use a code. attemptID makes the call idempotent: a
// retried attempt returns the original result without crediting twice. An
// empty attemptID is replaced by a fresh one.
func (s *ReferralService) ClaimUsage(ctx context.Context, referralID, userID int64, attemptID string) (*models.ClaimResult, error) {
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		attemptID = uuid.NewString()
	}

	if result, err := s.replay(ctx, referralID, userID, attemptID); result != nil || err != nil {
		return result, err
	}

	ref, err := s.referrals.GetReferral(ctx, referralID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, apperrors.NewCodeNotFoundError(referralID)
	}
	switch ref.State() {
	case types.ReferralDeactivated:
		return nil, apperrors.NewCodeInactiveError(referralID)
	case types.ReferralExhausted:
		return nil, apperrors.NewCodeExhaustedError(referralID)
	}

	seeker, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if seeker == nil {
		return nil, apperrors.NewUserNotFoundError(fmt.Sprintf("%d", userID))
	}
	if ref.OwnerID == seeker.ID {
		return nil, apperrors.NewSelfReferralError(referralID)
	}
	used, err := s.referrals.HasUsage(ctx, referralID, seeker.ID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, apperrors.NewCodeAlreadyUsedError(referralID, seeker.ID)
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"referralId": referralID,
		"userId":     seeker.ID,
		"attemptId":  attemptID,
	})

	claim := models.UsageClaim{
		ReferralID:  referralID,
		UserID:      seeker.ID,
		AttemptID:   attemptID,
		Points:      s.policy.PointsPerUsage,
		Description: fmt.Sprintf("referral code %s used", ref.Code),
	}

	// codes mirrored on chain are used there first; a ledger failure stores nothing
	if ref.TxHash != nil {
		receipt, err := s.ledger.UseReferralCode(ctx, ref.Code)
		if err != nil {
			log.WithError(err).Warn("On-chain referral code use failed")
			return nil, apperrors.NewLedgerFailedError("referral code use", err)
		}
		txHash := receipt.TxHash.Hex()
		block := receipt.BlockNumber
		claim.TxHash = &txHash
		claim.BlockNumber = &block
		log = log.WithField("txHash", txHash)
	}

	outcome, err := s.referrals.ClaimUsage(ctx, claim)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeDuplicateAttempt {
			if result, replayErr := s.replay(ctx, referralID, userID, attemptID); result != nil || replayErr != nil {
				return result, replayErr
			}
		}
		if claim.TxHash != nil {
			log.WithError(err).Error("Referral code used on ledger but not recorded")
			if ce := apperrors.Categorize(err); ce != nil {
				return nil, ce.WithDetail("txHash", *claim.TxHash)
			}
		}
		return nil, err
	}

	result, err := s.claimResult(ctx, outcome)
	if err != nil {
		return nil, err
	}
	log.WithField("usageCount", outcome.Referral.UsageCount).Info("Referral code claimed")
	return result, nil
}

// replay returns the stored result of an attempt that was already applied
func (s *ReferralService) replay(ctx context.Context, referralID, userID int64, attemptID string) (*models.ClaimResult, error) {
	prior, err := s.referrals.GetUsageOutcome(ctx, attemptID)
	if err != nil || prior == nil {
		return nil, err
	}
	if prior.Usage.ReferralID != referralID || prior.Usage.UserID != userID {
		return nil, apperrors.NewInvalidParameterError("attemptId", "already used for a different claim")
	}
	result, err := s.claimResult(ctx, prior)
	if err != nil {
		return nil, err
	}
	result.Replayed = true
	return result, nil
}

func (s *ReferralService) claimResult(ctx context.Context, outcome *models.UsageOutcome) (*models.ClaimResult, error) {
	owner, err := s.users.GetUserByID(ctx, outcome.Referral.OwnerID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, apperrors.NewOwnerNotFoundError(outcome.Referral.OwnerID)
	}

	provider := models.Provider{ID: owner.ID, WalletAddress: owner.WalletAddress}
	if owner.HasPhone() {
		provider.PhoneE164 = owner.PhoneE164
	}
	result := &models.ClaimResult{
		Referral:    outcome.Referral,
		Provider:    provider,
		UsageRecord: outcome.Usage,
	}
	if outcome.Entry != nil {
		result.PointsAwarded = outcome.Entry.Points
	}
	return result, nil
}

// Deactivate retires a code. Only its owner may do so.
func (s *ReferralService) Deactivate(ctx context.Context, ownerID, referralID int64) (*models.Referral, error) {
	ref, err := s.referrals.GetReferral(ctx, referralID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, apperrors.NewCodeNotFoundError(referralID)
	}
	if ref.OwnerID != ownerID {
		return nil, apperrors.NewForbiddenError("only the owner can deactivate a referral code")
	}
	if !ref.IsActive {
		return ref, nil
	}
	return s.referrals.DeactivateReferral(ctx, referralID)
}

// PendingPoints returns the owner's unclaimed balance
func (s *ReferralService) PendingPoints(ctx context.Context, ownerID int64) (*models.PendingPoints, error) {
	owner, err := s.users.GetUserByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, apperrors.NewOwnerNotFoundError(ownerID)
	}
	return s.referrals.PendingPoints(ctx, ownerID)
}

// PointsHistory returns the owner's most recent points entries
func (s *ReferralService) PointsHistory(ctx context.Context, ownerID int64, limit int) ([]models.PointsEntry, error) {
	return s.referrals.ListPointsEntries(ctx, ownerID, limit)
}

func (s *ReferralService) ownerLock(ownerID int64) *sync.Mutex {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	mu, ok := s.claimLocks[ownerID]
	if !ok {
		mu = &sync.Mutex{}
		s.claimLocks[ownerID] = mu
	}
	return mu
}

// ClaimRewardsOnChain converts the owner's pending points on the ledger.
// The high-water mark is captured before the ledger call; only entries up to
// it are marked claimed. A ledger failure leaves the store untouched.
func (s *ReferralService) ClaimRewardsOnChain(ctx context.Context, ownerID int64) (*models.RewardClaim, error) {
	mu := s.ownerLock(ownerID)
	mu.Lock()
	defer mu.Unlock()

	owner, err := s.users.GetUserByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, apperrors.NewOwnerNotFoundError(ownerID)
	}

	pending, err := s.referrals.PendingPoints(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if pending.Points <= 0 {
		return nil, apperrors.NewNoPendingPointsError(ownerID)
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"ownerId":     ownerID,
		"points":      pending.Points,
		"highWaterId": pending.HighWaterID,
	})

	receipt, err := s.ledger.ClaimPendingRewards(ctx, common.HexToAddress(owner.WalletAddress))
	if err != nil {
		log.WithError(err).Warn("On-chain reward claim failed")
		return nil, apperrors.NewLedgerFailedError("reward claim", err)
	}

	claim := &models.RewardClaim{
		OwnerID:     ownerID,
		Points:      pending.Points,
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber,
		HighWaterID: pending.HighWaterID,
	}
	if err := s.referrals.RecordRewardClaim(ctx, claim); err != nil {
		log.WithField("txHash", claim.TxHash).WithError(err).Error("Reward claim confirmed on ledger but not recorded")
		if ce := apperrors.Categorize(err); ce != nil {
			return nil, ce.WithDetail("txHash", claim.TxHash).WithDetail("blockNumber", claim.BlockNumber)
		}
		return nil, err
	}

	log.WithField("txHash", claim.TxHash).Info("Rewards claimed on chain")
	return claim, nil
}

// OnChainRewards is the contract's view of an owner next to the points the
// store still holds as unclaimed
type OnChainRewards struct {
	OwnerID       int64              `json:"ownerId"`
	WalletAddress string             `json:"walletAddress"`
	Stats         *adapter.UserStats `json:"stats"`
	PendingPoints int                `json:"pendingPoints"`
}

// OnChainRewards reads the owner's referral stats from the ledger
func (s *ReferralService) OnChainRewards(ctx context.Context, ownerID int64) (*OnChainRewards, error) {
	owner, err := s.users.GetUserByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, apperrors.NewOwnerNotFoundError(ownerID)
	}

	stats, err := s.ledger.GetUserStats(ctx, common.HexToAddress(owner.WalletAddress))
	if err != nil {
		return nil, err
	}
	pending, err := s.referrals.PendingPoints(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &OnChainRewards{
		OwnerID:       ownerID,
		WalletAddress: owner.WalletAddress,
		Stats:         stats,
		PendingPoints: pending.Points,
	}, nil
}

// OnChainDetails returns the contract record of a mirrored code
func (s *ReferralService) OnChainDetails(ctx context.Context, referralID int64) (*adapter.ReferralCodeDetails, error) {
	ref, err := s.referrals.GetReferral(ctx, referralID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, apperrors.NewCodeNotFoundError(referralID)
	}
	if ref.TxHash == nil {
		return nil, apperrors.NewInvalidParameterError("referralId", "code is not mirrored on chain")
	}
	details, err := s.ledger.GetReferralCodeDetails(ctx, ref.Code)
	if err != nil {
		return nil, err
	}
	if details == nil {
		return nil, apperrors.NewLedgerRejectedError("getReferralCodeDetails", "code missing on chain", nil).
			WithDetail("referralId", referralID)
	}
	return details, nil
}
