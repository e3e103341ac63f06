package adapter

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/identifier"
	"github.com/phone-pay/internal/types"
)

// LedgerOp names a gateway operation for failure injection
type LedgerOp string

const (
	OpGetWallet    LedgerOp = "getWallet"
	OpRegister     LedgerOp = "registerPhone"
	OpPayment      LedgerOp = "sendPayment"
	OpVerify       LedgerOp = "verifyTransaction"
	OpClaimRewards LedgerOp = "claimRewards"
	OpCreateCode   LedgerOp = "createReferralCode"
	OpUseCode      LedgerOp = "useReferralCode"
	OpCodeDetails  LedgerOp = "getReferralCodeDetails"
	OpUserStats    LedgerOp = "getUserStats"
	OpEcoFund      LedgerOp = "getEcoFund"
	OpBalance      LedgerOp = "getContractBalance"
)

// SimulatedCodeReward is what each use of a simulated code credits its creator
var SimulatedCodeReward = decimal.NewFromInt(10)

// SimulatedLedger is an in-process LedgerGateway used for local runs and tests.
// It confirms every accepted transaction immediately in its own block.
type SimulatedLedger struct {
	mu       sync.Mutex
	relayer  common.Address
	block    uint64
	nonce    uint64
	mappings map[common.Hash]common.Address
	txs      map[common.Hash]*simTx
	codes    map[string]*simCode
	claims   map[common.Address]int
	stats    map[common.Address]*UserStats
	balances map[common.Address]decimal.Decimal
	ecoFund  common.Address
	contract common.Address
	failures map[LedgerOp][]error
	calls    map[LedgerOp]int
	latency  time.Duration
}

type simTx struct {
	block  uint64
	status types.TxStatus
	to     common.Address
	value  decimal.Decimal
}

type simCode struct {
	creator common.Address
	maxUses int
	uses    int
	created time.Time
}

// NewSimulatedLedger creates an empty ledger at block 1
func NewSimulatedLedger() *SimulatedLedger {
	return &SimulatedLedger{
		relayer:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		block:    1,
		mappings: make(map[common.Hash]common.Address),
		txs:      make(map[common.Hash]*simTx),
		codes:    make(map[string]*simCode),
		claims:   make(map[common.Address]int),
		stats:    make(map[common.Address]*UserStats),
		balances: make(map[common.Address]decimal.Decimal),
		ecoFund:  common.HexToAddress("0x00000000000000000000000000000000000000ec"),
		contract: common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		failures: make(map[LedgerOp][]error),
		calls:    make(map[LedgerOp]int),
	}
}

// FailNext queues errors returned by the next calls to op, in order
func (s *SimulatedLedger) FailNext(op LedgerOp, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// SetLatency delays every call, honoring context cancellation
func (s *SimulatedLedger) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls returns how many times op was invoked
func (s *SimulatedLedger) Calls(op LedgerOp) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Map writes a mapping directly, as if a transaction had landed out of band
func (s *SimulatedLedger) Map(id identifier.Identifier, wallet common.Address) common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[id.Hash] = wallet
	return s.recordLocked(types.TxConfirmed, wallet, decimal.Zero)
}

// ClaimedRewards returns how many claims the owner has made
func (s *SimulatedLedger) ClaimedRewards(owner common.Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[owner]
}

// SetBalance sets the native balance of an account
func (s *SimulatedLedger) SetBalance(account common.Address, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = amount
}

// EcoFundAddress returns the donation recipient the simulated payment contract reports
func (s *SimulatedLedger) EcoFundAddress() common.Address {
	return s.ecoFund
}

// ContractAddress returns the simulated payment contract
func (s *SimulatedLedger) ContractAddress() common.Address {
	return s.contract
}

// CreditRewards adds pending rewards to user, as the contract does when
// another account redeems one of user's codes
func (s *SimulatedLedger) CreditRewards(user common.Address, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsLocked(user)
	st.PendingRewardAmount = st.PendingRewardAmount.Add(amount)
}

func (s *SimulatedLedger) statsLocked(user common.Address) *UserStats {
	st, ok := s.stats[user]
	if !ok {
		st = &UserStats{Address: user.Hex(), TotalRewardsEarned: decimal.Zero, PendingRewardAmount: decimal.Zero}
		s.stats[user] = st
	}
	return st
}

// MarkPending records a transaction hash that has no receipt yet
func (s *SimulatedLedger) MarkPending(txHash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[txHash] = &simTx{status: types.TxPending}
}

// begin counts the call, waits out latency and pops an injected failure
func (s *SimulatedLedger) begin(ctx context.Context, op LedgerOp) error {
	s.mu.Lock()
	s.calls[op]++
	latency := s.latency
	var injected error
	if queue := s.failures[op]; len(queue) > 0 {
		injected = queue[0]
		s.failures[op] = queue[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return apperrors.NewLedgerUnavailableError(string(op), ctx.Err())
		}
	}
	return injected
}

// recordLocked mines a transaction into a fresh block; mu must be held
func (s *SimulatedLedger) recordLocked(status types.TxStatus, to common.Address, value decimal.Decimal) common.Hash {
	s.nonce++
	s.block++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.nonce)
	hash := crypto.Keccak256Hash(s.relayer.Bytes(), buf[:])
	s.txs[hash] = &simTx{block: s.block, status: status, to: to, value: value}
	return hash
}

func (s *SimulatedLedger) receiptLocked(hash common.Hash) *Receipt {
	tx := s.txs[hash]
	return &Receipt{TxHash: hash, BlockNumber: tx.block, GasUsed: 21000, From: s.relayer}
}

// GetWalletForIdentifier implements LedgerGateway
func (s *SimulatedLedger) GetWalletForIdentifier(ctx context.Context, id identifier.Identifier) (*common.Address, error) {
	if err := s.begin(ctx, OpGetWallet); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wallet, ok := s.mappings[id.Hash]
	if !ok {
		return nil, nil
	}
	return &wallet, nil
}

// RegisterIdentifier implements LedgerGateway
func (s *SimulatedLedger) RegisterIdentifier(ctx context.Context, id identifier.Identifier, wallet common.Address) (*Receipt, error) {
	if err := s.begin(ctx, OpRegister); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.mappings[id.Hash]; taken {
		return nil, apperrors.NewIdentifierTakenError(id.Hex())
	}
	s.mappings[id.Hash] = wallet
	return s.receiptLocked(s.recordLocked(types.TxConfirmed, wallet, decimal.Zero)), nil
}

// SubmitPayment implements LedgerGateway
func (s *SimulatedLedger) SubmitPayment(ctx context.Context, to common.Address, amount decimal.Decimal) (*Receipt, error) {
	if _, err := ToWei(amount); err != nil {
		return nil, err
	}
	if err := s.begin(ctx, OpPayment); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[to] = s.balances[to].Add(amount)
	return s.receiptLocked(s.recordLocked(types.TxConfirmed, to, amount)), nil
}

// VerifyTransaction implements LedgerGateway
func (s *SimulatedLedger) VerifyTransaction(ctx context.Context, txHash common.Hash) (*TxVerification, error) {
	if err := s.begin(ctx, OpVerify); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txHash]
	if !ok {
		return &TxVerification{TxHash: txHash.Hex(), Status: types.TxPending}, nil
	}
	v := &TxVerification{TxHash: txHash.Hex(), Status: tx.status, Found: true}
	if tx.status != types.TxPending {
		v.BlockNumber = tx.block
		v.GasUsed = 21000
	}
	return v, nil
}

// ClaimPendingRewards implements LedgerGateway
func (s *SimulatedLedger) ClaimPendingRewards(ctx context.Context, owner common.Address) (*Receipt, error) {
	if err := s.begin(ctx, OpClaimRewards); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[owner]++
	st := s.statsLocked(owner)
	st.TotalRewardsEarned = st.TotalRewardsEarned.Add(st.PendingRewardAmount)
	st.PendingRewardAmount = decimal.Zero
	return s.receiptLocked(s.recordLocked(types.TxConfirmed, owner, decimal.Zero)), nil
}

// CreateReferralCode implements LedgerGateway
func (s *SimulatedLedger) CreateReferralCode(ctx context.Context, code string, maxUses int) (*Receipt, error) {
	if err := s.begin(ctx, OpCreateCode); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codes[code]; exists {
		return nil, apperrors.NewLedgerRejectedError(string(OpCreateCode), "code already exists", nil)
	}
	s.codes[code] = &simCode{creator: s.relayer, maxUses: maxUses, created: time.Now().UTC().Truncate(time.Second)}
	s.statsLocked(s.relayer).TotalReferralsCreated++
	return s.receiptLocked(s.recordLocked(types.TxConfirmed, common.Address{}, decimal.Zero)), nil
}

// UseReferralCode implements LedgerGateway. A maxUses of zero is unlimited.
func (s *SimulatedLedger) UseReferralCode(ctx context.Context, code string) (*Receipt, error) {
	if err := s.begin(ctx, OpUseCode); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, apperrors.NewLedgerRejectedError(string(OpUseCode), "code not found", nil)
	}
	if c.maxUses > 0 && c.uses >= c.maxUses {
		return nil, apperrors.NewLedgerRejectedError(string(OpUseCode), "code exhausted", nil)
	}
	c.uses++
	s.statsLocked(s.relayer).TotalReferralsUsed++
	creator := s.statsLocked(c.creator)
	creator.PendingRewardAmount = creator.PendingRewardAmount.Add(SimulatedCodeReward)
	return s.receiptLocked(s.recordLocked(types.TxConfirmed, common.Address{}, decimal.Zero)), nil
}

// GetReferralCodeDetails implements LedgerGateway
func (s *SimulatedLedger) GetReferralCodeDetails(ctx context.Context, code string) (*ReferralCodeDetails, error) {
	if err := s.begin(ctx, OpCodeDetails); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, nil
	}
	return &ReferralCodeDetails{
		Code:         code,
		Creator:      c.creator.Hex(),
		RewardAmount: SimulatedCodeReward,
		MaxUses:      uint64(c.maxUses), // #nosec G115 - maxUses is validated non-negative
		CurrentUses:  uint64(c.uses),    // #nosec G115 - uses only grows from zero
		IsActive:     c.maxUses == 0 || c.uses < c.maxUses,
		CreatedAt:    c.created,
	}, nil
}

// GetUserStats implements LedgerGateway
func (s *SimulatedLedger) GetUserStats(ctx context.Context, user common.Address) (*UserStats, error) {
	if err := s.begin(ctx, OpUserStats); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *s.statsLocked(user)
	return &st, nil
}

// GetEcoFund implements LedgerGateway
func (s *SimulatedLedger) GetEcoFund(ctx context.Context) (*EcoFund, error) {
	if err := s.begin(ctx, OpEcoFund); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &EcoFund{Address: s.ecoFund.Hex(), Balance: s.balances[s.ecoFund]}, nil
}

// GetContractBalance implements LedgerGateway
func (s *SimulatedLedger) GetContractBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := s.begin(ctx, OpBalance); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[s.contract], nil
}
