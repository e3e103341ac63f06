package adapter

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/types"
)

func TestSimulatedLedger_RegisterAndLookup(t *testing.T) {
	ledger := NewSimulatedLedger()
	ctx := context.Background()
	id := testIdentifier(t)
	wallet := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	got, err := ledger.GetWalletForIdentifier(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	receipt, err := ledger.RegisterIdentifier(ctx, id, wallet)
	require.NoError(t, err)
	assert.NotZero(t, receipt.BlockNumber)

	got, err = ledger.GetWalletForIdentifier(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wallet, *got)

	_, err = ledger.RegisterIdentifier(ctx, id, common.HexToAddress("0x00000000000000000000000000000000000000b2"))
	assert.True(t, stderrors.Is(err, apperrors.ErrIdentifierTaken))
}

func TestSimulatedLedger_FailureInjection(t *testing.T) {
	ledger := NewSimulatedLedger()
	ctx := context.Background()
	ledger.FailNext(OpGetWallet, apperrors.NewLedgerUnavailableError("getWallet", nil))

	_, err := ledger.GetWalletForIdentifier(ctx, testIdentifier(t))
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerUnavailable))

	_, err = ledger.GetWalletForIdentifier(ctx, testIdentifier(t))
	assert.NoError(t, err)
	assert.Equal(t, 2, ledger.Calls(OpGetWallet))
}

func TestSimulatedLedger_LatencyHonorsContext(t *testing.T) {
	ledger := NewSimulatedLedger()
	ledger.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ledger.SubmitPayment(ctx, common.Address{1}, decimal.NewFromInt(1))
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerUnavailable))
}

func TestSimulatedLedger_VerifyTransaction(t *testing.T) {
	ledger := NewSimulatedLedger()
	ctx := context.Background()

	receipt, err := ledger.SubmitPayment(ctx, common.Address{1}, decimal.RequireFromString("0.25"))
	require.NoError(t, err)

	v, err := ledger.VerifyTransaction(ctx, receipt.TxHash)
	require.NoError(t, err)
	assert.Equal(t, types.TxConfirmed, v.Status)
	assert.Equal(t, receipt.BlockNumber, v.BlockNumber)

	pending := common.HexToHash("0xfeed")
	ledger.MarkPending(pending)
	v, err = ledger.VerifyTransaction(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, types.TxPending, v.Status)
	assert.True(t, v.Found)
}

func TestSimulatedLedger_ReferralCodesAndClaims(t *testing.T) {
	ledger := NewSimulatedLedger()
	ctx := context.Background()
	owner := common.Address{7}

	_, err := ledger.CreateReferralCode(ctx, "WELCOME", 5)
	require.NoError(t, err)
	_, err = ledger.CreateReferralCode(ctx, "WELCOME", 5)
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerRejected))

	_, err = ledger.ClaimPendingRewards(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.ClaimedRewards(owner))
}

func TestSimulatedLedger_UseReferralCode(t *testing.T) {
	ledger := NewSimulatedLedger()
	ctx := context.Background()

	_, err := ledger.UseReferralCode(ctx, "MISSING")
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerRejected))

	_, err = ledger.CreateReferralCode(ctx, "ONCE", 1)
	require.NoError(t, err)

	receipt, err := ledger.UseReferralCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, receipt.TxHash)
	assert.NotZero(t, receipt.BlockNumber)

	_, err = ledger.UseReferralCode(ctx, "ONCE")
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerRejected))

	details, err := ledger.GetReferralCodeDetails(ctx, "ONCE")
	require.NoError(t, err)
	require.NotNil(t, details)
	assert.Equal(t, uint64(1), details.MaxUses)
	assert.Equal(t, uint64(1), details.CurrentUses)
	assert.False(t, details.IsActive)
	assert.True(t, details.RewardAmount.Equal(SimulatedCodeReward))

	missing, err := ledger.GetReferralCodeDetails(ctx, "MISSING")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSimulatedLedger_UserStatsFollowClaims(t *testing.T) {
	ledger := NewSimulatedLedger()
	ctx := context.Background()
	owner := common.Address{9}

	ledger.CreditRewards(owner, decimal.NewFromInt(30))
	stats, err := ledger.GetUserStats(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, owner.Hex(), stats.Address)
	assert.True(t, stats.PendingRewardAmount.Equal(decimal.NewFromInt(30)))
	assert.True(t, stats.TotalRewardsEarned.IsZero())

	_, err = ledger.ClaimPendingRewards(ctx, owner)
	require.NoError(t, err)

	stats, err = ledger.GetUserStats(ctx, owner)
	require.NoError(t, err)
	assert.True(t, stats.PendingRewardAmount.IsZero())
	assert.True(t, stats.TotalRewardsEarned.Equal(decimal.NewFromInt(30)))
}

func TestSimulatedLedger_Balances(t *testing.T) {
	ledger := NewSimulatedLedger()
	ctx := context.Background()

	ledger.SetBalance(ledger.EcoFundAddress(), decimal.RequireFromString("1.5"))
	ledger.SetBalance(ledger.ContractAddress(), decimal.RequireFromString("0.25"))

	fund, err := ledger.GetEcoFund(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.EcoFundAddress().Hex(), fund.Address)
	assert.Equal(t, "1.5", fund.Balance.String())

	balance, err := ledger.GetContractBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.25", balance.String())

	ledger.FailNext(OpBalance, apperrors.NewLedgerUnavailableError("getContractBalance", nil))
	_, err = ledger.GetContractBalance(ctx)
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerUnavailable))
}
