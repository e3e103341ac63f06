package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phone-pay/internal/types"
)

func TestCategorizedError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("claim failed: %w", NewCodeExhaustedError(7))

	assert.True(t, stderrors.Is(err, ErrCodeExhausted))
	assert.False(t, stderrors.Is(err, ErrCodeInactive))
}

func TestCategorize(t *testing.T) {
	t.Run("keeps categorized errors", func(t *testing.T) {
		orig := NewDuplicateCodeError(1, "WELCOME50")
		got := Categorize(fmt.Errorf("wrapped: %w", orig))
		assert.Same(t, orig, got)
	})

	t.Run("converts service errors", func(t *testing.T) {
		got := Categorize(&types.ServiceError{Code: "SOMETHING", Message: "boom"})
		require.NotNil(t, got)
		assert.Equal(t, "SOMETHING", got.Code)
		assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	})

	t.Run("defaults to internal", func(t *testing.T) {
		got := Categorize(stderrors.New("plain"))
		assert.Equal(t, CodeInternalError, got.Code)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Categorize(nil))
	})
}

func TestGetHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", NewInvalidPhoneFormatError("abc", nil), http.StatusBadRequest},
		{"not found", NewCodeNotFoundError(3), http.StatusNotFound},
		{"forbidden", NewForbiddenError("not yours"), http.StatusForbidden},
		{"conflict", NewAlreadyRegisteredError("0x01"), http.StatusConflict},
		{"ledger timeout", NewLedgerTimeoutError("registerPhone", "0xabc"), http.StatusGatewayTimeout},
		{"ledger unavailable", NewLedgerUnavailableError("getWallet", nil), http.StatusServiceUnavailable},
		{"store after ledger", NewProfileWriteFailedError("0x01", "0xabc", 10, nil), http.StatusInternalServerError},
		{"plain", stderrors.New("x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetHTTPStatusCode(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", NewLedgerTimeoutError("sendPayment", ""), true},
		{"unavailable", NewLedgerUnavailableError("getWallet", stderrors.New("dial tcp")), true},
		{"rejected", NewLedgerRejectedError("registerPhone", "execution reverted", nil), false},
		{"identifier taken", NewIdentifierTakenError("0x01"), false},
		{"ledger failed wrapping timeout", NewLedgerFailedError("registration", NewLedgerTimeoutError("registerPhone", "")), true},
		{"ledger failed wrapping rejection", NewLedgerFailedError("registration", NewLedgerRejectedError("registerPhone", "nope", nil)), false},
		{"database", NewDatabaseError("insert user", nil), true},
		{"validation", NewInvalidParameterError("amount", "must be positive"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestLedgerFailedCarriesUnderlyingCode(t *testing.T) {
	err := NewLedgerFailedError("registration", NewLedgerUnavailableError("registerPhone", nil))

	assert.Equal(t, CodeLedgerFailed, err.Code)
	assert.Equal(t, CodeLedgerUnavailable, err.Details["ledgerCode"])
	assert.Equal(t, http.StatusServiceUnavailable, err.StatusCode)
	assert.True(t, stderrors.Is(err, ErrLedgerUnavailable))
}

func TestLedgerFailedNamesOperation(t *testing.T) {
	err := NewLedgerFailedError("reward claim", NewLedgerRejectedError("claimRewards", "nothing to claim", nil))

	assert.Equal(t, "ledger reward claim failed, try again", err.Message)
	assert.NotContains(t, err.Message, "registration")
	assert.Equal(t, "reward claim", err.Details["operation"])
	assert.Equal(t, http.StatusBadGateway, err.StatusCode)
}

func TestUserAndSystemErrors(t *testing.T) {
	assert.True(t, IsUserError(NewCodeAlreadyUsedError(1, 2)))
	assert.False(t, IsSystemError(NewCodeAlreadyUsedError(1, 2)))
	assert.True(t, IsSystemError(NewDatabaseError("select", nil)))
}

func TestToServiceError(t *testing.T) {
	svc := NewSelfReferralError(5).ToServiceError()
	assert.Equal(t, CodeSelfReferral, svc.Code)
	assert.Equal(t, int64(5), svc.Details["referralId"])
}
