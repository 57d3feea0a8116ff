package common

import (
	"errors"
	"net/http"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// Stable error codes used across the orchestration core.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeWithdrawalActive    = "WITHDRAWAL_IN_PROGRESS"
	CodeDailyLimit          = "DAILY_LIMIT_REACHED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    = "PROVIDER_REJECTED"
	CodeLedgerInconsistent  = "LEDGER_INCONSISTENT"
	CodeUnsupportedCountry  = "UNSUPPORTED_COUNTRY"
	CodeOTPExpired          = "OTP_EXPIRED"
	CodeOTPMismatch         = "OTP_MISMATCH"
	CodeInvalidState        = "INVALID_STATE"
	CodeNotFound            = "NOT_FOUND"
)

// ValidationError builds a synchronous, non-retriable input error.
func ValidationError(message string, err error) *AppError {
	return NewAppError(CodeValidation, message, http.StatusBadRequest, err)
}

// InsufficientBalanceError signals the balance guard rejected the request.
func InsufficientBalanceError(message string) *AppError {
	return NewAppError(CodeInsufficientBalance, message, http.StatusUnprocessableEntity, nil)
}

// ConflictError covers the soft-lock and daily-cap guards. Details carries the
// existing transaction so callers can resume an in-flight flow instead of
// retrying blindly.
func ConflictError(code, message string, details any) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: http.StatusConflict, Details: details}
}

// ProviderTransientError marks a retriable provider failure (timeout, 5xx,
// unreachable). It must never drive a record into a terminal state.
func ProviderTransientError(message string, err error) *AppError {
	return NewAppError(CodeProviderUnavailable, message, http.StatusBadGateway, err)
}

// ProviderDefinitiveError marks an explicit rejection from the provider.
func ProviderDefinitiveError(message string, err error) *AppError {
	return NewAppError(CodeProviderRejected, message, http.StatusBadGateway, err)
}

// InvalidStateError rejects an operation not allowed in the record's current state.
func InvalidStateError(message string) *AppError {
	return NewAppError(CodeInvalidState, message, http.StatusConflict, nil)
}

// IsTransient reports whether the error is a retriable provider failure.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeProviderUnavailable
	}
	return false
}
