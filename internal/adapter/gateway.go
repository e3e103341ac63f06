// Package adapter talks to the ledger: the phone mapping, payment and
// referral rewards contracts on an EVM chain.
package adapter

import (
	"context"
	"errors"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/identifier"
	"github.com/phone-pay/internal/types"
)

// LedgerGateway is the boundary to the chain.
// A failed read is never reported as "not registered".
type LedgerGateway interface {
	// GetWalletForIdentifier returns nil when the identifier is unmapped
	GetWalletForIdentifier(ctx context.Context, id identifier.Identifier) (*common.Address, error)

	// RegisterIdentifier maps id to wallet and waits for the receipt.
	// An identifier that is already mapped yields ErrIdentifierTaken.
	RegisterIdentifier(ctx context.Context, id identifier.Identifier, wallet common.Address) (*Receipt, error)

	// SubmitPayment sends amount (in whole native units) through the payment contract
	SubmitPayment(ctx context.Context, to common.Address, amount decimal.Decimal) (*Receipt, error)

	// VerifyTransaction reports confirmed, failed or pending for a hash
	VerifyTransaction(ctx context.Context, txHash common.Hash) (*TxVerification, error)

	// ClaimPendingRewards converts the owner's pending rewards on chain
	ClaimPendingRewards(ctx context.Context, owner common.Address) (*Receipt, error)

	// CreateReferralCode mirrors a referral code on chain
	CreateReferralCode(ctx context.Context, code string, maxUses int) (*Receipt, error)

	// UseReferralCode records one use of an on-chain code. The contract
	// rejects inactive or exhausted codes.
	UseReferralCode(ctx context.Context, code string) (*Receipt, error)

	// GetReferralCodeDetails returns nil when the code was never created on chain
	GetReferralCodeDetails(ctx context.Context, code string) (*ReferralCodeDetails, error)

	// GetUserStats reads the referral counters kept for user
	GetUserStats(ctx context.Context, user common.Address) (*UserStats, error)

	// GetEcoFund returns the donation address and its native balance
	GetEcoFund(ctx context.Context) (*EcoFund, error)

	// GetContractBalance returns the native balance held by the payment contract
	GetContractBalance(ctx context.Context) (decimal.Decimal, error)
}

// Receipt is a confirmed ledger transaction
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	From        common.Address
}

// TxVerification is the ledger view of a transaction hash
type TxVerification struct {
	TxHash      string         `json:"txHash"`
	Status      types.TxStatus `json:"status"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	GasUsed     uint64         `json:"gasUsed,omitempty"`
	Found       bool           `json:"found"`
}

// ReferralCodeDetails is the contract's record of a referral code.
// Reward amounts are in reward token units.
type ReferralCodeDetails struct {
	Code         string          `json:"code"`
	Creator      string          `json:"creator"`
	RewardAmount decimal.Decimal `json:"rewardAmount"`
	MaxUses      uint64          `json:"maxUses"`
	CurrentUses  uint64          `json:"currentUses"`
	IsActive     bool            `json:"isActive"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// UserStats are the referral counters the contract keeps per address
type UserStats struct {
	Address               string          `json:"address"`
	TotalReferralsCreated uint64          `json:"totalReferralsCreated"`
	TotalReferralsUsed    uint64          `json:"totalReferralsUsed"`
	TotalRewardsEarned    decimal.Decimal `json:"totalRewardsEarned"`
	PendingRewardAmount   decimal.Decimal `json:"pendingRewardAmount"`
}

// EcoFund is the payment contract's donation recipient
type EcoFund struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
}

const weiDecimals = 18

// ToWei converts a decimal amount of native units to wei.
// Amounts finer than one wei are rejected.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	wei := amount.Shift(weiDecimals)
	if !wei.IsInteger() {
		return nil, apperrors.NewInvalidParameterError("amount", "more than 18 decimal places")
	}
	if wei.Sign() <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	return wei.BigInt(), nil
}

// FromWei converts wei back to native units
func FromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -weiDecimals)
}

// revert reasons the phone mapping contract uses for a taken identifier
var takenReasons = []string{"already registered", "phone taken", "already mapped"}

// dataError is implemented by JSON-RPC errors carrying revert data
type dataError interface {
	ErrorData() interface{}
}

// revertReason extracts a human revert reason from an RPC error
func revertReason(err error) (string, bool) {
	var de dataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if reason, unpackErr := abi.UnpackRevert(common.FromHex(hexData)); unpackErr == nil {
				return reason, true
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(strings.ToLower(msg), "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		if reason == "" {
			reason = "execution reverted"
		}
		return reason, true
	}
	return "", false
}

// permanent node-side rejections that are not reverts
var rejectionMarkers = []string{
	"insufficient funds",
	"nonce too low",
	"replacement transaction underpriced",
	"intrinsic gas too low",
	"gas limit reached",
	"invalid sender",
}

// classifyError maps a raw RPC error onto the ledger error taxonomy.
// subject names the identifier when op is a registration.
func classifyError(op, subject string, err error) error {
	if err == nil {
		return nil
	}
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return err
	}

	if reason, ok := revertReason(err); ok {
		lower := strings.ToLower(reason)
		if subject != "" {
			for _, marker := range takenReasons {
				if strings.Contains(lower, marker) {
					return apperrors.NewIdentifierTakenError(subject).WithDetail("reason", reason)
				}
			}
		}
		return apperrors.NewLedgerRejectedError(op, reason, err)
	}

	lower := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(lower, marker) {
			return apperrors.NewLedgerRejectedError(op, marker, err)
		}
	}

	return apperrors.NewLedgerUnavailableError(op, err)
}

// IsUnavailable reports whether err means the endpoint itself is unhealthy
// and a different endpoint might answer.
func IsUnavailable(err error) bool {
	if err == nil || errors.Is(err, ethereum.NotFound) {
		return false
	}
	if apperrors.CodeOf(err) == apperrors.CodeLedgerUnavailable {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "no such host", "eof", "503", "502", "429", "rate limit", "too many requests"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
