package models

import "time"

// PendingMirror is a registration confirmed on the ledger whose profile row
// has not been written yet
type PendingMirror struct {
	PhoneE164     string    `json:"phoneE164"`
	PhoneHash     string    `json:"phoneHash"`
	WalletAddress string    `json:"walletAddress"`
	TxHash        string    `json:"txHash"`
	BlockNumber   uint64    `json:"blockNumber"`
	ConfirmedAt   time.Time `json:"confirmedAt"`
	Attempts      int       `json:"attempts"`
}
