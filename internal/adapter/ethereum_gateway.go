package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/phone-pay/internal/circuitbreaker"
	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/identifier"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/retry"
	"github.com/phone-pay/internal/types"
)

const phoneMappingABI = `[
	{"inputs":[{"name":"phoneHash","type":"bytes32"}],"name":"getWallet","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"phoneHash","type":"bytes32"},{"name":"wallet","type":"address"}],"name":"registerPhoneFor","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const paymentABI = `[
	{"inputs":[{"name":"receiver","type":"address"}],"name":"sendPayment","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[],"name":"ecoFund","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const referralRewardsABI = `[
	{"inputs":[{"name":"user","type":"address"}],"name":"claimRewardsFor","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"code","type":"string"},{"name":"customReward","type":"uint256"},{"name":"maxUses","type":"uint256"}],"name":"createReferralCode","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"code","type":"string"}],"name":"useReferralCode","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"code","type":"string"}],"name":"getReferralCodeDetails","outputs":[{"name":"creator","type":"address"},{"name":"rewardAmount","type":"uint256"},{"name":"maxUses","type":"uint256"},{"name":"currentUses","type":"uint256"},{"name":"isActive","type":"bool"},{"name":"createdAt","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"user","type":"address"}],"name":"getUserStats","outputs":[{"name":"totalReferralsCreated","type":"uint256"},{"name":"totalReferralsUsed","type":"uint256"},{"name":"totalRewardsEarned","type":"uint256"},{"name":"pendingRewardAmount","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// EthereumGatewayConfig holds everything the gateway needs to sign and submit
type EthereumGatewayConfig struct {
	ChainID         *big.Int
	RelayerKey      *ecdsa.PrivateKey
	PhoneMapping    common.Address
	Payment         common.Address
	ReferralRewards common.Address

	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	ReadTimeout    time.Duration

	// ReadRetry applies to view calls only; writes are never retried
	ReadRetry *retry.RetryConfig
	Breaker   *circuitbreaker.CircuitBreaker
}

// EthereumGateway implements LedgerGateway against EVM contracts over JSON-RPC
type EthereumGateway struct {
	pool    *RPCPool
	cfg     EthereumGatewayConfig
	relayer common.Address
	signer  ethtypes.Signer

	phoneMapping    abi.ABI
	payment         abi.ABI
	referralRewards abi.ABI

	// serializes nonce selection and submission for the relayer account
	submitMu sync.Mutex
}

// NewEthereumGateway creates a gateway on top of an RPC pool
func NewEthereumGateway(pool *RPCPool, cfg EthereumGatewayConfig) (*EthereumGateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("rpc pool cannot be nil")
	}
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.RelayerKey == nil {
		return nil, fmt.Errorf("relayer key is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.ReadRetry == nil {
		cfg.ReadRetry = retry.DefaultRetryConfig()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("ledger"))
	}

	g := &EthereumGateway{
		pool:    pool,
		cfg:     cfg,
		relayer: crypto.PubkeyToAddress(cfg.RelayerKey.PublicKey),
		signer:  ethtypes.LatestSignerForChainID(cfg.ChainID),
	}

	var err error
	if g.phoneMapping, err = abi.JSON(strings.NewReader(phoneMappingABI)); err != nil {
		return nil, fmt.Errorf("parse phone mapping abi: %w", err)
	}
	if g.payment, err = abi.JSON(strings.NewReader(paymentABI)); err != nil {
		return nil, fmt.Errorf("parse payment abi: %w", err)
	}
	if g.referralRewards, err = abi.JSON(strings.NewReader(referralRewardsABI)); err != nil {
		return nil, fmt.Errorf("parse referral rewards abi: %w", err)
	}

	return g, nil
}

// ParseRelayerKey decodes a hex private key with or without 0x prefix
func ParseRelayerKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid relayer private key: %w", err)
	}
	return key, nil
}

// Relayer returns the account that signs submissions
func (g *EthereumGateway) Relayer() common.Address {
	return g.relayer
}

// guard runs fn behind the circuit breaker.
// An open breaker is reported as LedgerUnavailable.
func (g *EthereumGateway) guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := g.cfg.Breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return apperrors.NewLedgerUnavailableError(op, err)
	}
	return err
}

// read runs a view call with bounded retries, failing over between attempts
func (g *EthereumGateway) read(ctx context.Context, op string, fn func(ctx context.Context, backend EthBackend) error) error {
	return g.guard(ctx, op, func(ctx context.Context) error {
		return retry.Do(ctx, g.cfg.ReadRetry, func(ctx context.Context, attempt int) error {
			backend := g.pool.Client()
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
			defer cancel()

			err := fn(callCtx, backend)
			g.pool.Report(ctx, backend, err)
			return classifyError(op, "", err)
		})
	})
}

// GetWalletForIdentifier reads the phone mapping contract
func (g *EthereumGateway) GetWalletForIdentifier(ctx context.Context, id identifier.Identifier) (*common.Address, error) {
	data, err := g.phoneMapping.Pack("getWallet", [32]byte(id.Hash))
	if err != nil {
		return nil, apperrors.NewInternalError("pack getWallet", err)
	}

	var wallet common.Address
	err = g.read(ctx, "getWallet", func(ctx context.Context, backend EthBackend) error {
		out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &g.cfg.PhoneMapping, Data: data}, nil)
		if err != nil {
			return err
		}
		values, err := g.phoneMapping.Unpack("getWallet", out)
		if err != nil {
			return apperrors.NewLedgerRejectedError("getWallet", "malformed response", err)
		}
		if len(values) != 1 {
			return apperrors.NewLedgerRejectedError("getWallet", "unexpected output count", nil)
		}
		addr, ok := values[0].(common.Address)
		if !ok {
			return apperrors.NewLedgerRejectedError("getWallet", "unexpected output type", nil)
		}
		wallet = addr
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wallet == (common.Address{}) {
		return nil, nil
	}
	return &wallet, nil
}

// RegisterIdentifier submits registerPhoneFor from the relayer account
func (g *EthereumGateway) RegisterIdentifier(ctx context.Context, id identifier.Identifier, wallet common.Address) (*Receipt, error) {
	data, err := g.phoneMapping.Pack("registerPhoneFor", [32]byte(id.Hash), wallet)
	if err != nil {
		return nil, apperrors.NewInternalError("pack registerPhoneFor", err)
	}
	return g.transact(ctx, "registerPhone", id.Hex(), g.cfg.PhoneMapping, nil, data)
}

// SubmitPayment submits sendPayment with amount attached as value
func (g *EthereumGateway) SubmitPayment(ctx context.Context, to common.Address, amount decimal.Decimal) (*Receipt, error) {
	wei, err := ToWei(amount)
	if err != nil {
		return nil, err
	}
	data, err := g.payment.Pack("sendPayment", to)
	if err != nil {
		return nil, apperrors.NewInternalError("pack sendPayment", err)
	}
	return g.transact(ctx, "sendPayment", "", g.cfg.Payment, wei, data)
}

// ClaimPendingRewards submits claimRewardsFor on behalf of owner
func (g *EthereumGateway) ClaimPendingRewards(ctx context.Context, owner common.Address) (*Receipt, error) {
	data, err := g.referralRewards.Pack("claimRewardsFor", owner)
	if err != nil {
		return nil, apperrors.NewInternalError("pack claimRewardsFor", err)
	}
	return g.transact(ctx, "claimRewards", "", g.cfg.ReferralRewards, nil, data)
}

// CreateReferralCode mirrors a code; the contract's default reward is used
func (g *EthereumGateway) CreateReferralCode(ctx context.Context, code string, maxUses int) (*Receipt, error) {
	data, err := g.referralRewards.Pack("createReferralCode", code, big.NewInt(0), big.NewInt(int64(maxUses)))
	if err != nil {
		return nil, apperrors.NewInternalError("pack createReferralCode", err)
	}
	return g.transact(ctx, "createReferralCode", "", g.cfg.ReferralRewards, nil, data)
}

// UseReferralCode submits useReferralCode from the relayer account
func (g *EthereumGateway) UseReferralCode(ctx context.Context, code string) (*Receipt, error) {
	data, err := g.referralRewards.Pack("useReferralCode", code)
	if err != nil {
		return nil, apperrors.NewInternalError("pack useReferralCode", err)
	}
	return g.transact(ctx, "useReferralCode", "", g.cfg.ReferralRewards, nil, data)
}

// callView runs a read-only contract method and unpacks its outputs
func (g *EthereumGateway) callView(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("pack "+method, err)
	}

	var values []interface{}
	err = g.read(ctx, method, func(ctx context.Context, backend EthBackend) error {
		out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return err
		}
		values, err = contract.Unpack(method, out)
		if err != nil {
			return apperrors.NewLedgerRejectedError(method, "malformed response", err)
		}
		if len(values) != len(contract.Methods[method].Outputs) {
			return apperrors.NewLedgerRejectedError(method, "unexpected output count", nil)
		}
		return nil
	})
	return values, err
}

// uint256 outputs unpack as *big.Int
func bigOutputs(method string, values []interface{}) ([]*big.Int, error) {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return nil, apperrors.NewLedgerRejectedError(method, "unexpected output type", nil)
		}
		out[i] = n
	}
	return out, nil
}

// GetReferralCodeDetails reads getReferralCodeDetails. A zero creator means
// the contract has no such code.
func (g *EthereumGateway) GetReferralCodeDetails(ctx context.Context, code string) (*ReferralCodeDetails, error) {
	values, err := g.callView(ctx, g.referralRewards, g.cfg.ReferralRewards, "getReferralCodeDetails", code)
	if err != nil {
		return nil, err
	}
	creator, okCreator := values[0].(common.Address)
	active, okActive := values[4].(bool)
	if !okCreator || !okActive {
		return nil, apperrors.NewLedgerRejectedError("getReferralCodeDetails", "unexpected output type", nil)
	}
	if creator == (common.Address{}) {
		return nil, nil
	}
	nums, err := bigOutputs("getReferralCodeDetails", []interface{}{values[1], values[2], values[3], values[5]})
	if err != nil {
		return nil, err
	}
	return &ReferralCodeDetails{
		Code:         code,
		Creator:      creator.Hex(),
		RewardAmount: FromWei(nums[0]),
		MaxUses:      nums[1].Uint64(),
		CurrentUses:  nums[2].Uint64(),
		IsActive:     active,
		CreatedAt:    time.Unix(nums[3].Int64(), 0).UTC(),
	}, nil
}

// GetUserStats reads getUserStats for user
func (g *EthereumGateway) GetUserStats(ctx context.Context, user common.Address) (*UserStats, error) {
	values, err := g.callView(ctx, g.referralRewards, g.cfg.ReferralRewards, "getUserStats", user)
	if err != nil {
		return nil, err
	}
	nums, err := bigOutputs("getUserStats", values)
	if err != nil {
		return nil, err
	}
	return &UserStats{
		Address:               user.Hex(),
		TotalReferralsCreated: nums[0].Uint64(),
		TotalReferralsUsed:    nums[1].Uint64(),
		TotalRewardsEarned:    FromWei(nums[2]),
		PendingRewardAmount:   FromWei(nums[3]),
	}, nil
}

// GetEcoFund resolves the eco fund address from the payment contract and
// reads its balance
func (g *EthereumGateway) GetEcoFund(ctx context.Context) (*EcoFund, error) {
	values, err := g.callView(ctx, g.payment, g.cfg.Payment, "ecoFund")
	if err != nil {
		return nil, err
	}
	fund, ok := values[0].(common.Address)
	if !ok {
		return nil, apperrors.NewLedgerRejectedError("ecoFund", "unexpected output type", nil)
	}
	balance, err := g.balance(ctx, "getEcoFund", fund)
	if err != nil {
		return nil, err
	}
	return &EcoFund{Address: fund.Hex(), Balance: balance}, nil
}

// GetContractBalance reads the payment contract's native balance
func (g *EthereumGateway) GetContractBalance(ctx context.Context) (decimal.Decimal, error) {
	return g.balance(ctx, "getContractBalance", g.cfg.Payment)
}

func (g *EthereumGateway) balance(ctx context.Context, op string, account common.Address) (decimal.Decimal, error) {
	var wei *big.Int
	err := g.read(ctx, op, func(ctx context.Context, backend EthBackend) error {
		var err error
		wei, err = backend.BalanceAt(ctx, account, nil)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return FromWei(wei), nil
}

// VerifyTransaction looks up the receipt, falling back to the mempool view
func (g *EthereumGateway) VerifyTransaction(ctx context.Context, txHash common.Hash) (*TxVerification, error) {
	result := &TxVerification{TxHash: txHash.Hex(), Status: types.TxPending}

	err := g.read(ctx, "verifyTransaction", func(ctx context.Context, backend EthBackend) error {
		receipt, err := backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			result.Found = true
			result.BlockNumber = receipt.BlockNumber.Uint64()
			result.GasUsed = receipt.GasUsed
			if receipt.Status == ethtypes.ReceiptStatusSuccessful {
				result.Status = types.TxConfirmed
			} else {
				result.Status = types.TxFailed
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return err
		}

		_, _, err = backend.TransactionByHash(ctx, txHash)
		if err == nil {
			result.Found = true
			return nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// transact estimates, signs and submits a call, then waits for its receipt.
// A revert during estimation is a rejection and nothing is broadcast.
func (g *EthereumGateway) transact(ctx context.Context, op, subject string, to common.Address, value *big.Int, data []byte) (*Receipt, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"operation": op,
		"contract":  to.Hex(),
	})

	var signed *ethtypes.Transaction
	err := g.guard(ctx, op, func(ctx context.Context) error {
		backend := g.pool.Client()
		tx, err := g.submit(ctx, backend, to, value, data)
		g.pool.Report(ctx, backend, err)
		if err != nil {
			return classifyError(op, subject, err)
		}
		signed = tx
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("Ledger submission failed")
		return nil, err
	}

	logger = logger.WithField("txHash", signed.Hash().Hex())
	logger.Debug("Ledger transaction submitted")

	receipt, err := g.waitForReceipt(ctx, op, signed.Hash())
	if err != nil {
		logger.WithError(err).Warn("Ledger confirmation failed")
		return nil, err
	}

	logger.WithField("blockNumber", receipt.BlockNumber).Info("Ledger transaction confirmed")
	return receipt, nil
}

func (g *EthereumGateway) submit(ctx context.Context, backend EthBackend, to common.Address, value *big.Int, data []byte) (*ethtypes.Transaction, error) {
	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	if value == nil {
		value = new(big.Int)
	}

	nonce, err := backend.PendingNonceAt(ctx, g.relayer)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.relayer,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, err
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas + gas/5,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, g.signer, g.cfg.RelayerKey)
	if err != nil {
		return nil, apperrors.NewInternalError("sign transaction", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// waitForReceipt polls until the receipt arrives or ConfirmTimeout elapses.
// Transient read errors while polling are tolerated.
func (g *EthereumGateway) waitForReceipt(ctx context.Context, op string, txHash common.Hash) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		backend := g.pool.Client()
		receipt, err := backend.TransactionReceipt(waitCtx, txHash)
		switch {
		case err == nil:
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return nil, apperrors.NewLedgerRejectedError(op, "transaction reverted", nil).
					WithDetail("txHash", txHash.Hex())
			}
			return &Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				From:        g.relayer,
			}, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			g.pool.Report(waitCtx, backend, err)
		}

		select {
		case <-waitCtx.Done():
			// the transaction may still land; callers reconcile by reading
			return nil, apperrors.NewLedgerTimeoutError(op, txHash.Hex())
		case <-ticker.C:
		}
	}
}
