// Package errors provides the categorized error taxonomy shared by the
// coordinators, the ledger gateway and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/phone-pay/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed input; never touches ledger or store
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents missing entities
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryAuthorization represents actions on entities the caller does not own
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryConflict represents uniqueness and state conflicts
	CategoryConflict ErrorCategory = "conflict"
	// CategoryLedger represents blockchain gateway failures
	CategoryLedger ErrorCategory = "ledger"
	// CategoryDatabase represents relational store failures
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes
const (
	CodeInvalidPhoneFormat     = "INVALID_PHONE_FORMAT"
	CodeInvalidParameter       = "INVALID_PARAMETER"
	CodeAlreadyRegistered      = "ALREADY_REGISTERED"
	CodeDuplicateCode          = "DUPLICATE_CODE"
	CodeCodeNotFound           = "CODE_NOT_FOUND"
	CodeCodeInactive           = "CODE_INACTIVE"
	CodeCodeExhausted          = "CODE_EXHAUSTED"
	CodeCodeAlreadyUsed        = "CODE_ALREADY_USED"
	CodeDuplicateAttempt       = "DUPLICATE_ATTEMPT"
	CodeSelfReferral           = "SELF_REFERRAL"
	CodeOwnerNotFound          = "OWNER_NOT_FOUND"
	CodeUserNotFound           = "USER_NOT_FOUND"
	CodeRecipientNotRegistered = "RECIPIENT_NOT_REGISTERED"
	CodeNoPendingPoints        = "NO_PENDING_POINTS"
	CodeForbidden              = "FORBIDDEN"
	CodeIdentifierTaken        = "IDENTIFIER_TAKEN"
	CodeLedgerRejected         = "LEDGER_REJECTED"
	CodeLedgerTimeout          = "LEDGER_TIMEOUT"
	CodeLedgerUnavailable      = "LEDGER_UNAVAILABLE"
	CodeLedgerFailed           = "LEDGER_FAILED"
	CodePaymentFailed          = "PAYMENT_FAILED"
	CodeProfileWriteFailed     = "PROFILE_WRITE_FAILED"
	CodeDatabaseError          = "DATABASE_ERROR"
	CodeCacheError             = "CACHE_ERROR"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeInternalError          = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is matches another CategorizedError by code, so sentinel-style comparisons work
// through wrapping.
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToServiceError converts to the wire shape
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// WithDetail returns the error with an extra detail attached
func (e *CategorizedError) WithDetail(key string, value interface{}) *CategorizedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(category ErrorCategory, status int, code, message string) *CategorizedError {
	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       code,
		Message:    message,
	}
}

// Validation errors (400)

// NewInvalidPhoneFormatError creates an invalid phone number error
func NewInvalidPhoneFormatError(phone string, cause error) *CategorizedError {
	e := newError(CategoryValidation, http.StatusBadRequest, CodeInvalidPhoneFormat,
		"phone number is not a valid international number")
	e.Cause = cause
	return e.WithDetail("phoneNumber", phone)
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	e := newError(CategoryValidation, http.StatusBadRequest, CodeInvalidParameter,
		fmt.Sprintf("invalid parameter '%s': %s", param, reason))
	e.Details = map[string]interface{}{
		"parameter": param,
		"reason":    reason,
	}
	return e
}

// NewSelfReferralError is returned when an owner tries to use their own code
func NewSelfReferralError(referralID int64) *CategorizedError {
	return newError(CategoryValidation, http.StatusBadRequest, CodeSelfReferral,
		"you cannot use your own referral code").WithDetail("referralId", referralID)
}

// NewNoPendingPointsError is returned when a rewards claim has nothing to claim
func NewNoPendingPointsError(ownerID int64) *CategorizedError {
	return newError(CategoryValidation, http.StatusBadRequest, CodeNoPendingPoints,
		"there are no pending points to claim").WithDetail("ownerId", ownerID)
}

// Not found errors (404)

// NewUserNotFoundError creates a missing user error
func NewUserNotFoundError(id string) *CategorizedError {
	return newError(CategoryNotFound, http.StatusNotFound, CodeUserNotFound,
		fmt.Sprintf("user not found: %s", id)).WithDetail("userId", id)
}

// NewOwnerNotFoundError creates a missing referral owner error
func NewOwnerNotFoundError(ownerID int64) *CategorizedError {
	return newError(CategoryNotFound, http.StatusNotFound, CodeOwnerNotFound,
		fmt.Sprintf("owner not found: %d", ownerID)).WithDetail("ownerId", ownerID)
}

// NewCodeNotFoundError creates a missing referral error
func NewCodeNotFoundError(referralID int64) *CategorizedError {
	return newError(CategoryNotFound, http.StatusNotFound, CodeCodeNotFound,
		fmt.Sprintf("referral not found: %d", referralID)).WithDetail("referralId", referralID)
}

// NewRecipientNotRegisteredError is returned when a phone has no wallet mapped on the ledger
func NewRecipientNotRegisteredError(phoneHash string) *CategorizedError {
	return newError(CategoryNotFound, http.StatusNotFound, CodeRecipientNotRegistered,
		"no wallet is registered for this phone number").WithDetail("phoneHash", phoneHash)
}

// Authorization errors (403)

// NewForbiddenError creates a forbidden error
func NewForbiddenError(message string) *CategorizedError {
	return newError(CategoryAuthorization, http.StatusForbidden, CodeForbidden, message)
}

// Conflict errors (409)

// NewAlreadyRegisteredError creates an already registered error
func NewAlreadyRegisteredError(phoneHash string) *CategorizedError {
	return newError(CategoryConflict, http.StatusConflict, CodeAlreadyRegistered,
		"a user already exists with this phone number or wallet address").WithDetail("phoneHash", phoneHash)
}

// NewDuplicateCodeError creates a duplicate referral code error
func NewDuplicateCodeError(ownerID int64, code string) *CategorizedError {
	e := newError(CategoryConflict, http.StatusConflict, CodeDuplicateCode,
		"referral code already exists for this user")
	e.Details = map[string]interface{}{
		"ownerId": ownerID,
		"code":    code,
	}
	return e
}

// NewCodeInactiveError creates an inactive referral error
func NewCodeInactiveError(referralID int64) *CategorizedError {
	return newError(CategoryConflict, http.StatusConflict, CodeCodeInactive,
		"referral is no longer active").WithDetail("referralId", referralID)
}

// NewCodeExhaustedError creates a usage limit reached error
func NewCodeExhaustedError(referralID int64) *CategorizedError {
	return newError(CategoryConflict, http.StatusConflict, CodeCodeExhausted,
		"referral usage limit has been reached").WithDetail("referralId", referralID)
}

// NewCodeAlreadyUsedError is returned when the seeker already used this code
func NewCodeAlreadyUsedError(referralID, userID int64) *CategorizedError {
	e := newError(CategoryConflict, http.StatusConflict, CodeCodeAlreadyUsed,
		"you have already used this referral code")
	e.Details = map[string]interface{}{
		"referralId": referralID,
		"userId":     userID,
	}
	return e
}

// NewDuplicateAttemptError is returned by the store when an attempt id was
// already consumed by a concurrent claim
func NewDuplicateAttemptError(attemptID string) *CategorizedError {
	return newError(CategoryConflict, http.StatusConflict, CodeDuplicateAttempt,
		"claim attempt already recorded").WithDetail("attemptId", attemptID)
}

// Ledger errors

// NewIdentifierTakenError is returned by the gateway when the identifier is already mapped on-chain
func NewIdentifierTakenError(identifier string) *CategorizedError {
	return newError(CategoryLedger, http.StatusConflict, CodeIdentifierTaken,
		"identifier is already registered on the ledger").WithDetail("identifier", identifier)
}

// NewLedgerRejectedError is returned when a submitted transaction reverts
func NewLedgerRejectedError(operation, reason string, cause error) *CategorizedError {
	e := newError(CategoryLedger, http.StatusBadGateway, CodeLedgerRejected,
		fmt.Sprintf("ledger rejected %s: %s", operation, reason))
	e.Cause = cause
	e.Details = map[string]interface{}{
		"operation": operation,
		"reason":    reason,
	}
	return e
}

// NewLedgerTimeoutError is returned when confirmation does not arrive within the bounded wait.
// A timeout does not prove failure.
func NewLedgerTimeoutError(operation, txHash string) *CategorizedError {
	e := newError(CategoryLedger, http.StatusGatewayTimeout, CodeLedgerTimeout,
		fmt.Sprintf("ledger confirmation timed out for %s", operation))
	e.Details = map[string]interface{}{
		"operation": operation,
		"txHash":    txHash,
	}
	return e
}

// NewLedgerUnavailableError is returned on node or network errors
func NewLedgerUnavailableError(operation string, cause error) *CategorizedError {
	e := newError(CategoryLedger, http.StatusServiceUnavailable, CodeLedgerUnavailable,
		fmt.Sprintf("ledger unavailable during %s", operation))
	e.Cause = cause
	return e.WithDetail("operation", operation)
}

// NewLedgerFailedError wraps a ledger failure that aborted operation before any
// store mutation. operation is a user-facing noun such as "registration".
func NewLedgerFailedError(operation string, cause error) *CategorizedError {
	e := newError(CategoryLedger, http.StatusBadGateway, CodeLedgerFailed,
		fmt.Sprintf("ledger %s failed, try again", operation))
	e.Cause = cause
	e.Details = map[string]interface{}{"operation": operation}
	if ce := asCategorized(cause); ce != nil {
		e.StatusCode = ce.StatusCode
		e.Details["ledgerCode"] = ce.Code
	}
	return e
}

// NewPaymentFailedError wraps a gateway failure during a payment
func NewPaymentFailedError(reason string, cause error) *CategorizedError {
	e := newError(CategoryLedger, http.StatusBadGateway, CodePaymentFailed,
		fmt.Sprintf("payment failed: %s", reason))
	e.Cause = cause
	if ce := asCategorized(cause); ce != nil {
		e.StatusCode = ce.StatusCode
	}
	return e.WithDetail("reason", reason)
}

// Store errors (5xx)

// NewProfileWriteFailedError is the "registered on ledger, not yet mirrored" condition.
// Callers repair it by re-running the registration, which skips the ledger step.
func NewProfileWriteFailedError(phoneHash, txHash string, blockNumber uint64, cause error) *CategorizedError {
	e := newError(CategoryDatabase, http.StatusInternalServerError, CodeProfileWriteFailed,
		"registered on ledger but the profile could not be saved, retry to finish")
	e.Cause = cause
	e.Details = map[string]interface{}{
		"phoneHash":   phoneHash,
		"txHash":      txHash,
		"blockNumber": blockNumber,
	}
	return e
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	e := newError(CategoryDatabase, http.StatusInternalServerError, CodeDatabaseError,
		fmt.Sprintf("database error during %s", operation))
	e.Cause = cause
	return e.WithDetail("operation", operation)
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	e := newError(CategoryCache, http.StatusInternalServerError, CodeCacheError,
		fmt.Sprintf("cache error during %s", operation))
	e.Cause = cause
	return e.WithDetail("operation", operation)
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return newError(CategoryRateLimit, http.StatusTooManyRequests, CodeRateLimitExceeded,
		"rate limit exceeded").WithDetail("retryAfter", retryAfter)
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	e := newError(CategorySystem, http.StatusInternalServerError, CodeInternalError, message)
	e.Cause = cause
	return e
}

// Sentinels for errors.Is comparisons; only Code is compared.
var (
	ErrAlreadyRegistered  = &CategorizedError{Code: CodeAlreadyRegistered}
	ErrIdentifierTaken    = &CategorizedError{Code: CodeIdentifierTaken}
	ErrCodeExhausted      = &CategorizedError{Code: CodeCodeExhausted}
	ErrCodeInactive       = &CategorizedError{Code: CodeCodeInactive}
	ErrCodeAlreadyUsed    = &CategorizedError{Code: CodeCodeAlreadyUsed}
	ErrDuplicateAttempt   = &CategorizedError{Code: CodeDuplicateAttempt}
	ErrDuplicateCode      = &CategorizedError{Code: CodeDuplicateCode}
	ErrLedgerTimeout      = &CategorizedError{Code: CodeLedgerTimeout}
	ErrLedgerUnavailable  = &CategorizedError{Code: CodeLedgerUnavailable}
	ErrLedgerRejected     = &CategorizedError{Code: CodeLedgerRejected}
	ErrProfileWriteFailed = &CategorizedError{Code: CodeProfileWriteFailed}
)

func asCategorized(err error) *CategorizedError {
	var ce *CategorizedError
	if stderrors.As(err, &ce) {
		return ce
	}
	return nil
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	if ce := asCategorized(err); ce != nil {
		return ce
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// CodeOf returns the code of the outermost categorized error, or empty
func CodeOf(err error) string {
	if ce := asCategorized(err); ce != nil {
		return ce.Code
	}
	return ""
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether retrying the same call is safe. Only ledger timeouts,
// ledger unavailability and store failures qualify; a rejection is final.
func IsRetryable(err error) bool {
	for err != nil {
		if ce, ok := err.(*CategorizedError); ok {
			switch ce.Code {
			case CodeLedgerTimeout, CodeLedgerUnavailable, CodeDatabaseError, CodeCacheError, CodeProfileWriteFailed:
				return true
			case CodeLedgerRejected, CodeIdentifierTaken:
				return false
			}
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}
