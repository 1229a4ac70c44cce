package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger services.
var (
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrRegionLocked              = errors.New("region locked")
	ErrProhibitedCurrency        = errors.New("prohibited currency")
	ErrBatchAlreadyProcessed     = errors.New("batch already processed")
	ErrExternalLookupUnavailable = errors.New("external lookup unavailable")
	ErrLedgerInvariantViolation  = errors.New("ledger invariant violation")

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrStaleAccount            = errors.New("stale account version")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrUnknownEntry            = errors.New("unknown entry")
	ErrUnknownPool             = errors.New("unknown region pool")
	ErrPoolInactive            = errors.New("region pool inactive")
	ErrPoolClosed              = errors.New("region pool closed")
	ErrUnknownBatch            = errors.New("unknown conversion batch")
	ErrBatchExists             = errors.New("conversion batch already exists")
	ErrUnknownWithdrawal       = errors.New("unknown withdrawal")
	ErrWithdrawalClosed        = errors.New("withdrawal closed")
	ErrBelowMinimumWithdrawal  = errors.New("below minimum withdrawal")

	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidEntryID         = errors.New("invalid entry id")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidReferenceID     = errors.New("invalid reference id")
	ErrInvalidIdempotencyKey  = errors.New("invalid idempotency key")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidPoints          = errors.New("invalid points")
	ErrInvalidEntryKind       = errors.New("invalid entry kind")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidCountryCode     = errors.New("invalid country code")
	ErrInvalidCurrencyCode    = errors.New("invalid currency code")
	ErrInvalidPeriod          = errors.New("invalid accounting period")
	ErrInvalidConversionRate  = errors.New("invalid conversion rate")
	ErrInvalidBatchStatus     = errors.New("invalid batch status")
	ErrInvalidWithdrawal      = errors.New("invalid withdrawal")
	ErrInvalidWithdrawalState = errors.New("invalid withdrawal status")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
