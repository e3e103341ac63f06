package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/phone-pay/internal/types"
)

// Transaction is a payment submitted through the payment contract
type Transaction struct {
	ID          int64           `json:"id" db:"id"`
	UserID      *int64          `json:"userId,omitempty" db:"user_id"`
	TxHash      string          `json:"txHash" db:"tx_hash"`
	FromAddress string          `json:"fromAddress" db:"from_address"`
	ToAddress   string          `json:"toAddress" db:"to_address"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Donation    decimal.Decimal `json:"donation" db:"donation"`
	BlockNumber uint64          `json:"blockNumber" db:"block_number"`
	Status      types.TxStatus  `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// PaymentResult is returned after a confirmed payment
type PaymentResult struct {
	Transaction Transaction `json:"transaction"`
	// RecipientPhoneHash is set for payments addressed by phone
	RecipientPhoneHash string `json:"recipientPhoneHash,omitempty"`
}
