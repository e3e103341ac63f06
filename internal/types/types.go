// Package types provides common type definitions for the phone-pay system.
package types

// RegistrationState represents where a phone registration is in its two-phase flow
type RegistrationState string

const (
	// StateUnregistered means neither the ledger nor the store knows the phone
	StateUnregistered RegistrationState = "unregistered"
	// StateLedgerPending means the ledger registration has been submitted
	StateLedgerPending RegistrationState = "ledger_pending"
	// StateLedgerConfirmed means the ledger mapping exists but the store has not mirrored it
	StateLedgerConfirmed RegistrationState = "ledger_confirmed"
	// StateProfilePending means the store write is in progress
	StateProfilePending RegistrationState = "profile_pending"
	// StateRegistered means ledger and store agree
	StateRegistered RegistrationState = "registered"
	// StateLedgerFailed means the ledger submission failed; the flow may be re-driven
	StateLedgerFailed RegistrationState = "ledger_failed"
	// StateProfileFailed means the ledger confirmed but the store write failed
	StateProfileFailed RegistrationState = "profile_failed"
)

// IsTerminal reports whether no further transition happens without the caller re-driving the flow
func (s RegistrationState) IsTerminal() bool {
	switch s {
	case StateRegistered, StateLedgerFailed, StateProfileFailed:
		return true
	default:
		return false
	}
}

// ReferralState represents the lifecycle state of a referral code
type ReferralState string

const (
	// ReferralActive means the code accepts usages
	ReferralActive ReferralState = "active"
	// ReferralExhausted means every usage slot has been consumed
	ReferralExhausted ReferralState = "exhausted"
	// ReferralDeactivated means the owner switched the code off
	ReferralDeactivated ReferralState = "deactivated"
)

// PointsSource tags why a points ledger entry was credited
type PointsSource string

const (
	// SourceReferralUsage is credited to a code owner when another user claims the code
	SourceReferralUsage PointsSource = "referral_usage"
	// SourceReferralCreation is credited when a user creates a code
	SourceReferralCreation PointsSource = "referral_creation"
)

// TxStatus represents the ledger status of a submitted transaction
type TxStatus string

const (
	// TxConfirmed represents a mined transaction with a successful receipt
	TxConfirmed TxStatus = "confirmed"
	// TxFailed represents a mined transaction that reverted
	TxFailed TxStatus = "failed"
	// TxPending represents a transaction without a receipt yet
	TxPending TxStatus = "pending"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
