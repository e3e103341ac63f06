package service

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phone-pay/internal/adapter"
	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/models"
	"github.com/phone-pay/internal/types"
)

func intPtr(v int) *int { return &v }

// seekerWallet returns a distinct wallet per index
func seekerWallet(i int) string {
	return fmt.Sprintf("0x%040x", 0x5000+i)
}

func (h *harness) mustCreateCode(t *testing.T, ownerID int64, code string, maxUsage *int) *models.Referral {
	t.Helper()
	ref, err := h.refs.Create(testContext(t), CreateReferralInput{
		OwnerID:     ownerID,
		Code:        code,
		Reward:      "50% off",
		Description: "welcome discount",
		Category:    "Shopping",
		MaxUsage:    maxUsage,
	})
	require.NoError(t, err)
	return ref
}

// Code with one slot: first seeker wins, second sees it exhausted
func TestReferral_SingleUseCode(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	u1 := h.mustRegister(t, phoneA, walletA)
	u2 := h.mustConnect(t, walletB)
	u3 := h.mustConnect(t, walletC)

	ref := h.mustCreateCode(t, u1, "WELCOME50", intPtr(1))
	assert.Equal(t, "shopping", ref.Category)
	assert.Equal(t, types.ReferralActive, ref.State())

	res, err := h.refs.ClaimUsage(ctx, ref.ID, u2, "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Referral.UsageCount)
	assert.Equal(t, 10, res.PointsAwarded)
	assert.Equal(t, u1, res.Provider.ID)
	assert.Equal(t, walletA, res.Provider.WalletAddress)
	assert.Equal(t, phoneA, res.Provider.PhoneE164)
	assert.False(t, res.Replayed)

	pending, err := h.refs.PendingPoints(ctx, u1)
	require.NoError(t, err)
	assert.Equal(t, 10, pending.Points)

	_, err = h.refs.ClaimUsage(ctx, ref.ID, u3, "attempt-2")
	assert.ErrorIs(t, err, apperrors.ErrCodeExhausted)

	available, err := h.refs.ListAvailable(ctx, CategoryAll, "")
	require.NoError(t, err)
	assert.Empty(t, available, "exhausted codes are not discoverable")
}

func TestReferral_ConcurrentClaimsNeverOverspend(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	const n, m = 5, 25
	ref := h.mustCreateCode(t, owner, "LIMITED", intPtr(n))

	seekers := make([]int64, m)
	for i := range seekers {
		seekers[i] = h.mustConnect(t, seekerWallet(i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exhausted int
	)
	for i, seeker := range seekers {
		wg.Add(1)
		go func(i int, seeker int64) {
			defer wg.Done()
			_, err := h.refs.ClaimUsage(ctx, ref.ID, seeker, fmt.Sprintf("attempt-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if assert.ErrorIs(t, err, apperrors.ErrCodeExhausted) {
				exhausted++
			}
		}(i, seeker)
	}
	wg.Wait()

	assert.Equal(t, n, successes)
	assert.Equal(t, m-n, exhausted)

	owned, err := h.refs.ListByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, n, owned[0].UsageCount)

	pending, err := h.refs.PendingPoints(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, n*10, pending.Points)
}

func TestReferral_AttemptIDIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	seeker := h.mustConnect(t, walletB)
	other := h.mustConnect(t, walletC)
	ref := h.mustCreateCode(t, owner, "RETRY", nil)

	first, err := h.refs.ClaimUsage(ctx, ref.ID, seeker, "same-attempt")
	require.NoError(t, err)

	again, err := h.refs.ClaimUsage(ctx, ref.ID, seeker, "same-attempt")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.UsageRecord.ID, again.UsageRecord.ID)
	assert.Equal(t, first.PointsAwarded, again.PointsAwarded)
	assert.Equal(t, 1, again.Referral.UsageCount)

	entries, err := h.refs.PointsHistory(ctx, owner, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "retried attempt must not credit twice")

	_, err = h.refs.ClaimUsage(ctx, ref.ID, other, "same-attempt")
	assert.Equal(t, apperrors.CodeInvalidParameter, apperrors.CodeOf(err))
}

func TestReferral_EmptyAttemptIDGetsFreshOne(t *testing.T) {
	h := newHarness(t)
	owner := h.mustRegister(t, phoneA, walletA)
	seeker := h.mustConnect(t, walletB)
	ref := h.mustCreateCode(t, owner, "FRESH", nil)

	res, err := h.refs.ClaimUsage(testContext(t), ref.ID, seeker, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.UsageRecord.AttemptID)
}

func TestReferral_ClaimPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	seeker := h.mustConnect(t, walletB)
	ref := h.mustCreateCode(t, owner, "RULES", nil)

	_, err := h.refs.ClaimUsage(ctx, 9999, seeker, "a1")
	assert.Equal(t, apperrors.CodeCodeNotFound, apperrors.CodeOf(err))

	_, err = h.refs.ClaimUsage(ctx, ref.ID, 9999, "a2")
	assert.Equal(t, apperrors.CodeUserNotFound, apperrors.CodeOf(err))

	_, err = h.refs.ClaimUsage(ctx, ref.ID, owner, "a3")
	assert.Equal(t, apperrors.CodeSelfReferral, apperrors.CodeOf(err))

	_, err = h.refs.ClaimUsage(ctx, ref.ID, seeker, "a4")
	require.NoError(t, err)
	_, err = h.refs.ClaimUsage(ctx, ref.ID, seeker, "a5")
	assert.ErrorIs(t, err, apperrors.ErrCodeAlreadyUsed)

	_, err = h.refs.Deactivate(ctx, seeker, ref.ID)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	deactivated, err := h.refs.Deactivate(ctx, owner, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReferralDeactivated, deactivated.State())

	late := h.mustConnect(t, walletC)
	_, err = h.refs.ClaimUsage(ctx, ref.ID, late, "a6")
	assert.ErrorIs(t, err, apperrors.ErrCodeInactive)

	// deactivating twice is harmless
	_, err = h.refs.Deactivate(ctx, owner, ref.ID)
	assert.NoError(t, err)
}

func TestReferral_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	h.mustCreateCode(t, owner, "TAKEN", nil)

	tests := []struct {
		name  string
		input CreateReferralInput
		code  string
	}{
		{"empty code", CreateReferralInput{OwnerID: owner, Code: "  "}, apperrors.CodeInvalidParameter},
		{"zero max usage", CreateReferralInput{OwnerID: owner, Code: "X", MaxUsage: intPtr(0)}, apperrors.CodeInvalidParameter},
		{"reserved category", CreateReferralInput{OwnerID: owner, Code: "Y", Category: "ALL"}, apperrors.CodeInvalidParameter},
		{"unknown owner", CreateReferralInput{OwnerID: 4242, Code: "Z"}, apperrors.CodeOwnerNotFound},
		{"duplicate", CreateReferralInput{OwnerID: owner, Code: "TAKEN"}, apperrors.CodeDuplicateCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.refs.Create(ctx, tt.input)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
}

func TestReferral_MirrorOnChain(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)

	ref, err := h.refs.Create(ctx, CreateReferralInput{OwnerID: owner, Code: "ONCHAIN", MaxUsage: intPtr(3), MirrorOnChain: true})
	require.NoError(t, err)
	require.NotNil(t, ref.TxHash)
	require.NotNil(t, ref.BlockNumber)
	assert.Equal(t, 1, h.ledger.Calls(adapter.OpCreateCode))

	h.ledger.FailNext(adapter.OpCreateCode, apperrors.NewLedgerUnavailableError("createReferralCode", nil))
	_, err = h.refs.Create(ctx, CreateReferralInput{OwnerID: owner, Code: "OFFLINE", MirrorOnChain: true})
	assert.ErrorIs(t, err, apperrors.ErrLedgerUnavailable)

	owned, err := h.refs.ListByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, owned, 1, "a failed mirror stores nothing")
}

func TestReferral_CreationPoints(t *testing.T) {
	h := newHarness(t, withPolicy(ReferralPolicy{PointsPerUsage: 10, PointsPerCreation: 3}))
	owner := h.mustRegister(t, phoneA, walletA)
	h.mustCreateCode(t, owner, "BONUS", nil)

	pending, err := h.refs.PendingPoints(testContext(t), owner)
	require.NoError(t, err)
	assert.Equal(t, 3, pending.Points)
}

func TestReferral_ListAvailable(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)

	food, err := h.refs.Create(ctx, CreateReferralInput{OwnerID: owner, Code: "EAT", Reward: "Free Dessert", Category: "food"})
	require.NoError(t, err)
	ride, err := h.refs.Create(ctx, CreateReferralInput{OwnerID: owner, Code: "RIDE", Reward: "5 USD", Category: "travel"})
	require.NoError(t, err)
	gone, err := h.refs.Create(ctx, CreateReferralInput{OwnerID: owner, Code: "GONE", Category: "food"})
	require.NoError(t, err)
	_, err = h.refs.Deactivate(ctx, owner, gone.ID)
	require.NoError(t, err)

	all, err := h.refs.ListAvailable(ctx, "all", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ride.ID, all[0].ID, "newest first")
	for _, a := range all {
		assert.True(t, a.IsAvailable)
	}

	onlyFood, err := h.refs.ListAvailable(ctx, "FOOD", "")
	require.NoError(t, err)
	require.Len(t, onlyFood, 1)
	assert.Equal(t, food.ID, onlyFood[0].ID)

	searched, err := h.refs.ListAvailable(ctx, "", "dessert")
	require.NoError(t, err)
	require.Len(t, searched, 1)
	assert.Equal(t, "EAT", searched[0].Code)
}

func TestReferral_ListAvailableHidesOwner(t *testing.T) {
	typ := reflect.TypeOf(models.AvailableReferral{})
	for i := 0; i < typ.NumField(); i++ {
		name := typ.Field(i).Name
		assert.NotContains(t, []string{"OwnerID", "Owner", "Provider", "WalletAddress", "PhoneE164"}, name)
	}
}

func TestReferral_ClaimRewardsOnChain(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	ref := h.mustCreateCode(t, owner, "EARN", nil)

	_, err := h.refs.ClaimRewardsOnChain(ctx, owner)
	assert.Equal(t, apperrors.CodeNoPendingPoints, apperrors.CodeOf(err))
	assert.Zero(t, h.ledger.Calls(adapter.OpClaimRewards))

	for i := 0; i < 2; i++ {
		_, err := h.refs.ClaimUsage(ctx, ref.ID, h.mustConnect(t, seekerWallet(i)), fmt.Sprintf("earn-%d", i))
		require.NoError(t, err)
	}

	h.ledger.FailNext(adapter.OpClaimRewards, apperrors.NewLedgerRejectedError("claimRewards", "paused", nil))
	_, err = h.refs.ClaimRewardsOnChain(ctx, owner)
	assert.ErrorIs(t, err, apperrors.ErrLedgerRejected)
	pending, err := h.refs.PendingPoints(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 20, pending.Points, "ledger failure mutates nothing")

	claim, err := h.refs.ClaimRewardsOnChain(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 20, claim.Points)
	assert.NotEmpty(t, claim.TxHash)
	assert.Equal(t, 1, h.ledger.ClaimedRewards(addr(walletA)))

	pending, err = h.refs.PendingPoints(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, pending.Points)

	_, err = h.refs.ClaimRewardsOnChain(ctx, 777)
	assert.Equal(t, apperrors.CodeOwnerNotFound, apperrors.CodeOf(err))
}

func TestReferral_OnChainCodeUsedOnLedger(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	seeker := h.mustRegister(t, phoneB, walletB)

	ref, err := h.refs.Create(ctx, CreateReferralInput{OwnerID: owner, Code: "CHAIN", MaxUsage: intPtr(2), MirrorOnChain: true})
	require.NoError(t, err)

	result, err := h.refs.ClaimUsage(ctx, ref.ID, seeker, "chain-1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.Calls(adapter.OpUseCode))
	require.NotNil(t, result.UsageRecord.TxHash)
	require.NotNil(t, result.UsageRecord.BlockNumber)

	// the replay carries the stored receipt without using the code again
	replayed, err := h.refs.ClaimUsage(ctx, ref.ID, seeker, "chain-1")
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	require.NotNil(t, replayed.UsageRecord.TxHash)
	assert.Equal(t, *result.UsageRecord.TxHash, *replayed.UsageRecord.TxHash)
	assert.Equal(t, 1, h.ledger.Calls(adapter.OpUseCode))

	details, err := h.refs.OnChainDetails(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), details.CurrentUses)
}

func TestReferral_OnChainUseFailureStoresNothing(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	seeker := h.mustRegister(t, phoneB, walletB)

	ref, err := h.refs.Create(ctx, CreateReferralInput{OwnerID: owner, Code: "CHAIN", MirrorOnChain: true})
	require.NoError(t, err)

	h.ledger.FailNext(adapter.OpUseCode, apperrors.NewLedgerRejectedError("useReferralCode", "code inactive", nil))
	_, err = h.refs.ClaimUsage(ctx, ref.ID, seeker, "chain-fail")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeLedgerFailed, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, apperrors.ErrLedgerRejected)

	stored, err := h.store.GetReferral(ctx, ref.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.UsageCount)
	used, err := h.store.HasUsage(ctx, ref.ID, seeker)
	require.NoError(t, err)
	assert.False(t, used)
	pending, err := h.refs.PendingPoints(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, pending.Points)

	// the same attempt succeeds once the ledger accepts it
	result, err := h.refs.ClaimUsage(ctx, ref.ID, seeker, "chain-fail")
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, 1, result.Referral.UsageCount)
}

func TestReferral_OffChainCodeSkipsLedger(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	ref := h.mustCreateCode(t, owner, "LOCAL", nil)

	result, err := h.refs.ClaimUsage(ctx, ref.ID, h.mustConnect(t, walletC), "")
	require.NoError(t, err)
	assert.Nil(t, result.UsageRecord.TxHash)
	assert.Zero(t, h.ledger.Calls(adapter.OpUseCode))

	_, err = h.refs.OnChainDetails(ctx, ref.ID)
	assert.Equal(t, apperrors.CodeInvalidParameter, apperrors.CodeOf(err))
}

func TestReferral_UnrecordedOnChainUseKeepsTxHash(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	seeker := h.mustRegister(t, phoneB, walletB)
	ref, err := h.refs.Create(ctx, CreateReferralInput{OwnerID: owner, Code: "CHAIN", MirrorOnChain: true})
	require.NoError(t, err)

	h.store.failUsageClaim = true
	_, err = h.refs.ClaimUsage(ctx, ref.ID, seeker, "chain-lost")
	ce := apperrors.Categorize(err)
	require.NotNil(t, ce)
	assert.Equal(t, apperrors.CodeDatabaseError, ce.Code)
	assert.NotEmpty(t, ce.Details["txHash"])
	assert.Equal(t, 1, h.ledger.Calls(adapter.OpUseCode))
}

func TestReferral_UnrecordedRewardClaimKeepsTxHash(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	ref := h.mustCreateCode(t, owner, "EARN", nil)
	_, err := h.refs.ClaimUsage(ctx, ref.ID, h.mustConnect(t, walletC), "earn-1")
	require.NoError(t, err)

	h.store.failRewardRecord = true
	_, err = h.refs.ClaimRewardsOnChain(ctx, owner)
	ce := apperrors.Categorize(err)
	require.NotNil(t, ce)
	assert.Equal(t, apperrors.CodeDatabaseError, ce.Code)
	txHash, ok := ce.Details["txHash"].(string)
	require.True(t, ok)
	assert.Len(t, txHash, 66)
	assert.NotZero(t, ce.Details["blockNumber"])
	assert.Equal(t, 1, h.ledger.ClaimedRewards(addr(walletA)))

	// the points stay pending so an operator can reconcile against txHash
	pending, err := h.refs.PendingPoints(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 10, pending.Points)
}

func TestReferral_OnChainRewards(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	owner := h.mustRegister(t, phoneA, walletA)
	ref := h.mustCreateCode(t, owner, "EARN", nil)
	_, err := h.refs.ClaimUsage(ctx, ref.ID, h.mustConnect(t, walletC), "")
	require.NoError(t, err)
	h.ledger.CreditRewards(addr(walletA), decimal.NewFromInt(25))

	rewards, err := h.refs.OnChainRewards(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 10, rewards.PendingPoints)
	assert.Equal(t, addr(walletA).Hex(), rewards.Stats.Address)
	assert.True(t, rewards.Stats.PendingRewardAmount.Equal(decimal.NewFromInt(25)))

	h.ledger.FailNext(adapter.OpUserStats, apperrors.NewLedgerUnavailableError("getUserStats", nil))
	_, err = h.refs.OnChainRewards(ctx, owner)
	assert.ErrorIs(t, err, apperrors.ErrLedgerUnavailable)

	_, err = h.refs.OnChainRewards(ctx, 4242)
	assert.Equal(t, apperrors.CodeOwnerNotFound, apperrors.CodeOf(err))
}
