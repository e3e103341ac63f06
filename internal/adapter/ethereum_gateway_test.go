package adapter

import (
	"bytes"
	"context"
	stderrors "errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phone-pay/internal/circuitbreaker"
	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/identifier"
	"github.com/phone-pay/internal/retry"
	"github.com/phone-pay/internal/types"
)

// rpcDataError mimics a JSON-RPC error carrying revert data
type rpcDataError struct {
	msg  string
	data string
}

func (e *rpcDataError) Error() string          { return e.msg }
func (e *rpcDataError) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

type fakeBackend struct {
	mu sync.Mutex

	callResult []byte
	callErr    []error
	calls      int
	lastCall   ethereum.CallMsg

	balances map[common.Address]*big.Int

	estimateErr error
	sendErr     error
	sent        []*ethtypes.Transaction

	receiptAfter  int // NotFound this many polls before the receipt appears
	receiptPolls  int
	revertReceipt bool
	noReceipt     bool
	pendingTx     bool

	closed bool
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(44787), nil }

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCall = msg
	if len(f.callErr) > 0 {
		err := f.callErr[0]
		f.callErr = f.callErr[1:]
		return nil, err
	}
	return f.callResult, nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.noReceipt || f.receiptPolls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	status := ethtypes.ReceiptStatusSuccessful
	if f.revertReceipt {
		status = ethtypes.ReceiptStatusFailed
	}
	return &ethtypes.Receipt{
		Status:      status,
		TxHash:      txHash,
		BlockNumber: big.NewInt(1234),
		GasUsed:     48_000,
	}, nil
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	if f.pendingTx {
		return ethtypes.NewTx(&ethtypes.LegacyTx{}), true, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type gatewayFixture struct {
	gw      *EthereumGateway
	primary *fakeBackend
	backup  *fakeBackend
	chainID *big.Int
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	primary, backup := &fakeBackend{}, &fakeBackend{}
	backends := map[string]*fakeBackend{"primary": primary, "backup": backup}

	pool, err := NewRPCPool(context.Background(), &RPCPoolConfig{
		Endpoints: []string{"primary", "backup"},
		Dial: func(ctx context.Context, url string) (EthBackend, error) {
			return backends[url], nil
		},
	})
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	chainID := big.NewInt(44787)
	gw, err := NewEthereumGateway(pool, EthereumGatewayConfig{
		ChainID:         chainID,
		RelayerKey:      key,
		PhoneMapping:    common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Payment:         common.HexToAddress("0x2000000000000000000000000000000000000002"),
		ReferralRewards: common.HexToAddress("0x3000000000000000000000000000000000000003"),
		ConfirmTimeout:  200 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		ReadTimeout:     time.Second,
		ReadRetry:       &retry.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Breaker: circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name: "test", ConsecutiveFailures: 3, OpenTimeout: time.Minute, HalfOpenMaxCalls: 1,
		}),
	})
	require.NoError(t, err)

	return &gatewayFixture{gw: gw, primary: primary, backup: backup, chainID: chainID}
}

func packAddress(t *testing.T, addr common.Address) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(phoneMappingABI))
	require.NoError(t, err)
	out, err := parsed.Methods["getWallet"].Outputs.Pack(addr)
	require.NoError(t, err)
	return out
}

func testIdentifier(t *testing.T) identifier.Identifier {
	t.Helper()
	id, err := identifier.Derive("+12015550123")
	require.NoError(t, err)
	return id
}

func TestEthereumGateway_GetWalletForIdentifier(t *testing.T) {
	fx := newGatewayFixture(t)
	wallet := common.HexToAddress("0xabcdef0000000000000000000000000000000009")

	t.Run("mapped", func(t *testing.T) {
		fx.primary.callResult = packAddress(t, wallet)
		got, err := fx.gw.GetWalletForIdentifier(context.Background(), testIdentifier(t))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, wallet, *got)
	})

	t.Run("zero address means unmapped", func(t *testing.T) {
		fx.primary.callResult = packAddress(t, common.Address{})
		got, err := fx.gw.GetWalletForIdentifier(context.Background(), testIdentifier(t))
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestEthereumGateway_ReadFailsOverAndRetries(t *testing.T) {
	fx := newGatewayFixture(t)
	wallet := common.HexToAddress("0xabcdef0000000000000000000000000000000009")
	fx.primary.callErr = []error{stderrors.New("dial tcp 10.0.0.1:8545: connection refused")}
	fx.backup.callResult = packAddress(t, wallet)

	got, err := fx.gw.GetWalletForIdentifier(context.Background(), testIdentifier(t))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wallet, *got)
	assert.Equal(t, 1, fx.gw.pool.CurrentIndex())
}

func TestEthereumGateway_ReadErrorIsNotUnregistered(t *testing.T) {
	fx := newGatewayFixture(t)
	down := stderrors.New("connection refused")
	fx.primary.callErr = []error{down, down, down, down}
	fx.backup.callErr = []error{down, down, down, down}

	got, err := fx.gw.GetWalletForIdentifier(context.Background(), testIdentifier(t))
	assert.Nil(t, got)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerUnavailable))
}

func TestEthereumGateway_RegisterIdentifier(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.primary.receiptAfter = 2
	wallet := common.HexToAddress("0xabcdef0000000000000000000000000000000009")
	id := testIdentifier(t)

	receipt, err := fx.gw.RegisterIdentifier(context.Background(), id, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), receipt.BlockNumber)

	require.Len(t, fx.primary.sent, 1)
	tx := fx.primary.sent[0]
	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(fx.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, fx.gw.Relayer(), sender)
	assert.Equal(t, receipt.TxHash, tx.Hash())

	parsed, err := abi.JSON(strings.NewReader(phoneMappingABI))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(tx.Data(), parsed.Methods["registerPhoneFor"].ID))
	assert.Equal(t, uint64(60_000), tx.Gas())
}

func TestEthereumGateway_RegisterTakenRevert(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.primary.estimateErr = &rpcDataError{
		msg:  "execution reverted: phone already registered",
		data: revertData(t, "phone already registered"),
	}

	_, err := fx.gw.RegisterIdentifier(context.Background(), testIdentifier(t), common.Address{1})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, apperrors.ErrIdentifierTaken))
	assert.Empty(t, fx.primary.sent)
}

func TestEthereumGateway_OtherRevertIsRejected(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.primary.estimateErr = &rpcDataError{msg: "execution reverted", data: revertData(t, "not authorized relayer")}

	_, err := fx.gw.ClaimPendingRewards(context.Background(), common.Address{2})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerRejected))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestEthereumGateway_ConfirmTimeout(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.primary.noReceipt = true

	_, err := fx.gw.SubmitPayment(context.Background(), common.Address{3}, decimal.RequireFromString("0.5"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerTimeout))

	var catErr *apperrors.CategorizedError
	require.True(t, stderrors.As(err, &catErr))
	require.Len(t, fx.primary.sent, 1)
	assert.Equal(t, fx.primary.sent[0].Hash().Hex(), catErr.Details["txHash"])
	assert.Equal(t, "500000000000000000", fx.primary.sent[0].Value().String())
}

func TestEthereumGateway_FailedReceiptIsRejected(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.primary.revertReceipt = true

	_, err := fx.gw.CreateReferralCode(context.Background(), "WELCOME", 10)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerRejected))
}

func TestEthereumGateway_VerifyTransaction(t *testing.T) {
	fx := newGatewayFixture(t)
	hash := common.HexToHash("0x01")

	t.Run("pending in mempool", func(t *testing.T) {
		fx.primary.noReceipt = true
		fx.primary.pendingTx = true
		v, err := fx.gw.VerifyTransaction(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, types.TxPending, v.Status)
		assert.True(t, v.Found)
	})

	t.Run("unknown hash", func(t *testing.T) {
		fx.primary.noReceipt = true
		fx.primary.pendingTx = false
		v, err := fx.gw.VerifyTransaction(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, types.TxPending, v.Status)
		assert.False(t, v.Found)
	})

	t.Run("reverted", func(t *testing.T) {
		fx.primary.noReceipt = false
		fx.primary.revertReceipt = true
		v, err := fx.gw.VerifyTransaction(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, types.TxFailed, v.Status)
		assert.Equal(t, uint64(1234), v.BlockNumber)
	})
}

func TestEthereumGateway_OpenBreakerIsUnavailable(t *testing.T) {
	fx := newGatewayFixture(t)
	for i := 0; i < 3; i++ {
		_ = fx.gw.cfg.Breaker.Execute(context.Background(), func(ctx context.Context) error {
			return apperrors.NewLedgerUnavailableError("probe", nil)
		})
	}
	require.Equal(t, circuitbreaker.StateOpen, fx.gw.cfg.Breaker.GetState())

	_, err := fx.gw.GetWalletForIdentifier(context.Background(), testIdentifier(t))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerUnavailable))
	assert.Equal(t, 0, fx.primary.calls)
}

func TestParseRelayerKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hexutil.Encode(crypto.FromECDSA(key))

	parsed, err := ParseRelayerKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	_, err = ParseRelayerKey("not-a-key")
	assert.Error(t, err)
}

func packOutputs(t *testing.T, contractABI, method string, values ...interface{}) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	require.NoError(t, err)
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	return out
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestEthereumGateway_UseReferralCode(t *testing.T) {
	fx := newGatewayFixture(t)

	receipt, err := fx.gw.UseReferralCode(context.Background(), "WELCOME")
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), receipt.BlockNumber)

	require.Len(t, fx.primary.sent, 1)
	tx := fx.primary.sent[0]
	assert.Equal(t, fx.gw.cfg.ReferralRewards, *tx.To())

	parsed, err := abi.JSON(strings.NewReader(referralRewardsABI))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(tx.Data(), parsed.Methods["useReferralCode"].ID))
}

func TestEthereumGateway_UseReferralCodeRevert(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.primary.estimateErr = &rpcDataError{msg: "execution reverted", data: revertData(t, "Code exhausted")}

	_, err := fx.gw.UseReferralCode(context.Background(), "WELCOME")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerRejected))
	assert.Empty(t, fx.primary.sent)
}

func TestEthereumGateway_GetReferralCodeDetails(t *testing.T) {
	fx := newGatewayFixture(t)
	creator := common.HexToAddress("0xabcdef0000000000000000000000000000000009")
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("existing code", func(t *testing.T) {
		fx.primary.callResult = packOutputs(t, referralRewardsABI, "getReferralCodeDetails",
			creator, tokens(10), big.NewInt(5), big.NewInt(2), true, big.NewInt(created.Unix()))

		details, err := fx.gw.GetReferralCodeDetails(context.Background(), "WELCOME")
		require.NoError(t, err)
		require.NotNil(t, details)
		assert.Equal(t, "WELCOME", details.Code)
		assert.Equal(t, creator.Hex(), details.Creator)
		assert.True(t, details.RewardAmount.Equal(decimal.NewFromInt(10)))
		assert.Equal(t, uint64(5), details.MaxUses)
		assert.Equal(t, uint64(2), details.CurrentUses)
		assert.True(t, details.IsActive)
		assert.Equal(t, created, details.CreatedAt)
		assert.Equal(t, fx.gw.cfg.ReferralRewards, *fx.primary.lastCall.To)
	})

	t.Run("zero creator means unknown code", func(t *testing.T) {
		fx.primary.callResult = packOutputs(t, referralRewardsABI, "getReferralCodeDetails",
			common.Address{}, new(big.Int), new(big.Int), new(big.Int), false, new(big.Int))

		details, err := fx.gw.GetReferralCodeDetails(context.Background(), "NOPE")
		require.NoError(t, err)
		assert.Nil(t, details)
	})
}

func TestEthereumGateway_GetUserStats(t *testing.T) {
	fx := newGatewayFixture(t)
	user := common.HexToAddress("0xabcdef0000000000000000000000000000000009")
	fx.primary.callResult = packOutputs(t, referralRewardsABI, "getUserStats",
		big.NewInt(3), big.NewInt(7), tokens(70), tokens(20))

	stats, err := fx.gw.GetUserStats(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, user.Hex(), stats.Address)
	assert.Equal(t, uint64(3), stats.TotalReferralsCreated)
	assert.Equal(t, uint64(7), stats.TotalReferralsUsed)
	assert.True(t, stats.TotalRewardsEarned.Equal(decimal.NewFromInt(70)))
	assert.True(t, stats.PendingRewardAmount.Equal(decimal.NewFromInt(20)))
}

func TestEthereumGateway_Balances(t *testing.T) {
	fx := newGatewayFixture(t)
	fund := common.HexToAddress("0xec00000000000000000000000000000000000001")
	fx.primary.callResult = packOutputs(t, paymentABI, "ecoFund", fund)
	fx.primary.balances = map[common.Address]*big.Int{
		fund:              tokens(4),
		fx.gw.cfg.Payment: big.NewInt(5e17),
	}

	eco, err := fx.gw.GetEcoFund(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fund.Hex(), eco.Address)
	assert.Equal(t, "4", eco.Balance.String())
	assert.Equal(t, fx.gw.cfg.Payment, *fx.primary.lastCall.To)

	balance, err := fx.gw.GetContractBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.5", balance.String())
}

func TestEthereumGateway_BalanceReadFailure(t *testing.T) {
	fx := newGatewayFixture(t)
	down := stderrors.New("connection refused")
	fx.primary.callErr = []error{down, down, down, down}
	fx.backup.callErr = []error{down, down, down, down}

	_, err := fx.gw.GetEcoFund(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, apperrors.ErrLedgerUnavailable))
}
