package service

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phone-pay/internal/adapter"
	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/identifier"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/models"
	"github.com/phone-pay/internal/types"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// WalletResolver reads the wallet mapped to an identifier; nil means unmapped
type WalletResolver interface {
	ResolveWallet(ctx context.Context, id identifier.Identifier) (*common.Address, error)
}

// PaymentService sends native-currency payments through the payment contract
// and records them
type PaymentService struct {
	users        UserStore
	txs          TransactionStore
	ledger       adapter.LedgerGateway
	resolver     WalletResolver
	deriver      *identifier.Deriver
	donationRate decimal.Decimal
}

// NewPaymentService creates a payment service. donationRate is the share of
// each amount recorded as donation.
func NewPaymentService(
	store ProfileStore,
	ledger adapter.LedgerGateway,
	resolver WalletResolver,
	deriver *identifier.Deriver,
	donationRate float64,
) *PaymentService {
	if deriver == nil {
		deriver = identifier.NewDeriver(identifier.DefaultRegion)
	}
	return &PaymentService{
		users:        store,
		txs:          store,
		ledger:       ledger,
		resolver:     resolver,
		deriver:      deriver,
		donationRate: decimal.NewFromFloat(donationRate),
	}
}

// ParseAmount accepts a positive decimal string of native units
func ParseAmount(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Zero, apperrors.NewInvalidParameterError("amount", "must be a decimal number")
	}
	if !d.IsPositive() {
		return decimal.Zero, apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	if _, err := adapter.ToWei(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Send pays amount to a wallet address on behalf of userID
func (s *PaymentService) Send(ctx context.Context, userID int64, toAddress, amount string) (*models.PaymentResult, error) {
	to, ok := normalizeWallet(toAddress)
	if !ok {
		return nil, apperrors.NewInvalidParameterError("toAddress", "must be a 0x-prefixed 20-byte hex address")
	}
	value, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	return s.pay(ctx, userID, common.HexToAddress(to), value, "")
}

// SendToPhone pays amount to the wallet registered for phoneNumber
func (s *PaymentService) SendToPhone(ctx context.Context, userID int64, phoneNumber, amount string) (*models.PaymentResult, error) {
	id, err := s.deriver.Derive(phoneNumber)
	if err != nil {
		return nil, err
	}
	value, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	wallet, err := s.resolver.ResolveWallet(ctx, id)
	if err != nil {
		return nil, apperrors.NewPaymentFailedError("could not resolve recipient", err)
	}
	if wallet == nil {
		return nil, apperrors.NewRecipientNotRegisteredError(id.Hex())
	}
	return s.pay(ctx, userID, *wallet, value, id.Hex())
}

func (s *PaymentService) pay(ctx context.Context, userID int64, to common.Address, amount decimal.Decimal, recipientHash string) (*models.PaymentResult, error) {
	payer, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if payer == nil {
		return nil, apperrors.NewUserNotFoundError(strconv.FormatInt(userID, 10))
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"userId": userID,
		"to":     to.Hex(),
		"amount": amount.String(),
	})

	receipt, err := s.ledger.SubmitPayment(ctx, to, amount)
	if err != nil {
		log.WithError(err).Warn("Payment submission failed")
		return nil, apperrors.NewPaymentFailedError(paymentFailureReason(err), err)
	}

	tx := &models.Transaction{
		UserID:      &payer.ID,
		TxHash:      receipt.TxHash.Hex(),
		FromAddress: payer.WalletAddress,
		ToAddress:   to.Hex(),
		Amount:      amount,
		Donation:    amount.Mul(s.donationRate),
		BlockNumber: receipt.BlockNumber,
		Status:      types.TxConfirmed,
	}
	if err := s.txs.CreateTransaction(ctx, tx); err != nil {
		log.WithField("txHash", tx.TxHash).WithError(err).Error("Payment confirmed but not recorded")
		if ce := apperrors.Categorize(err); ce != nil {
			return nil, ce.WithDetail("txHash", tx.TxHash)
		}
		return nil, err
	}

	log.WithField("txHash", tx.TxHash).Info("Payment confirmed")
	return &models.PaymentResult{Transaction: *tx, RecipientPhoneHash: recipientHash}, nil
}

func paymentFailureReason(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeLedgerRejected:
		return "rejected by the ledger"
	case apperrors.CodeLedgerTimeout:
		return "confirmation timed out, check the transaction before retrying"
	case apperrors.CodeLedgerUnavailable:
		return "ledger unavailable"
	case apperrors.CodeInvalidParameter:
		return "invalid amount"
	default:
		return "unexpected ledger error"
	}
}

// Verify reports the ledger status of a transaction hash
func (s *PaymentService) Verify(ctx context.Context, txHash string) (*adapter.TxVerification, error) {
	txHash = strings.TrimSpace(txHash)
	if !txHashPattern.MatchString(txHash) {
		return nil, apperrors.NewInvalidParameterError("txHash", "must be a 0x-prefixed 32-byte hex hash")
	}
	return s.ledger.VerifyTransaction(ctx, common.HexToHash(txHash))
}

// EcoFund returns the donation recipient configured on the payment contract
func (s *PaymentService) EcoFund(ctx context.Context) (*adapter.EcoFund, error) {
	return s.ledger.GetEcoFund(ctx)
}

// ContractBalance is the native balance the payment contract holds
type ContractBalance struct {
	Balance decimal.Decimal `json:"balance"`
}

// ContractBalance reads the payment contract's native balance
func (s *PaymentService) ContractBalance(ctx context.Context) (*ContractBalance, error) {
	balance, err := s.ledger.GetContractBalance(ctx)
	if err != nil {
		return nil, err
	}
	return &ContractBalance{Balance: balance}, nil
}
