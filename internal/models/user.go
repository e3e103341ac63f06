// Package models provides data models for the phone-pay system.
package models

import (
	"strings"
	"time"

	"github.com/phone-pay/internal/types"
)

// PlaceholderPrefix marks the phone fields of a wallet-only user.
// It can never collide with an E.164 number or a 0x-prefixed hash.
const PlaceholderPrefix = "placeholder:"

// PlaceholderPhone returns the sentinel phone value for a wallet-only user
func PlaceholderPhone(wallet string) string {
	return PlaceholderPrefix + strings.ToLower(wallet)
}

// User represents a user profile mirrored from the phone mapping
type User struct {
	ID            int64     `json:"id" db:"id"`
	PhoneE164     string    `json:"phoneE164,omitempty" db:"phone_e164"`
	PhoneHash     string    `json:"phoneHash,omitempty" db:"phone_hash"`
	WalletAddress string    `json:"walletAddress" db:"wallet_address"`
	IsPlaceholder bool      `json:"isPlaceholder" db:"is_placeholder"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// HasPhone reports whether the user has completed phone registration
func (u *User) HasPhone() bool {
	return u != nil && !u.IsPlaceholder && !strings.HasPrefix(u.PhoneE164, PlaceholderPrefix)
}

// RegistrationResult is returned by a register or repair call
type RegistrationResult struct {
	PhoneHash   string                  `json:"phoneHash"`
	TxHash      string                  `json:"txHash,omitempty"`
	BlockNumber uint64                  `json:"blockNumber,omitempty"`
	UserID      int64                   `json:"userId"`
	State       types.RegistrationState `json:"state"`
	// Repaired is set when the ledger already held the mapping and only the store was written
	Repaired bool `json:"repaired"`
}

// Profile is a user with their most recent transactions
type Profile struct {
	User               *User         `json:"user"`
	RecentTransactions []Transaction `json:"recentTransactions"`
}

// PhoneLookup is the public answer to "which wallet does this phone pay to"
type PhoneLookup struct {
	PhoneHash     string `json:"phoneHash"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Registered    bool   `json:"registered"`
}
