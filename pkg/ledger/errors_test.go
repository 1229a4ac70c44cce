package ledger

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapErrorKeepsDomainSentinels(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		subject  string
		code     string
		sentinel error
		message  string
	}{
		{name: "insufficient balance", subject: errorSubjectAccount, code: "debit", sentinel: ErrInsufficientBalance, message: "service.account.debit: insufficient balance"},
		{name: "region locked", subject: errorSubjectAccount, code: "assign", sentinel: ErrRegionLocked, message: "service.account.assign: region locked"},
		{name: "batch already processed", subject: "batch", code: "close", sentinel: ErrBatchAlreadyProcessed, message: "service.batch.close: batch already processed"},
		{name: "prohibited currency", subject: "withdrawal", code: "gate", sentinel: ErrProhibitedCurrency, message: "service.withdrawal.gate: prohibited currency"},
		{name: "stale account", subject: errorSubjectAccount, code: errorCodeStale, sentinel: ErrLedgerInvariantViolation, message: "service.account." + errorCodeStale + ": ledger invariant violation"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			wrapped := WrapError(errorOperationService, testCase.subject, testCase.code, testCase.sentinel)
			if !errors.Is(wrapped, testCase.sentinel) {
				test.Fatalf("expected %v to match %v", wrapped, testCase.sentinel)
			}
			if wrapped.Error() != testCase.message {
				test.Fatalf("expected %q, got %q", testCase.message, wrapped.Error())
			}
			outer := fmt.Errorf("close-out US/2025-01: %w", wrapped)
			var operationError OperationError
			if !errors.As(outer, &operationError) {
				test.Fatalf("expected OperationError inside %T", outer)
			}
			if operationError.Operation() != errorOperationService || operationError.Subject() != testCase.subject || operationError.Code() != testCase.code {
				test.Fatalf("unexpected segments: %+v", operationError)
			}
			if !errors.Is(outer, testCase.sentinel) {
				test.Fatalf("outer wrap lost the sentinel: %v", outer)
			}
		})
	}
}

func TestWrappedSentinelsDoNotCrossMatch(test *testing.T) {
	test.Parallel()
	sentinels := []error{ErrInsufficientBalance, ErrRegionLocked, ErrBatchAlreadyProcessed, ErrProhibitedCurrency, ErrExternalLookupUnavailable, ErrLedgerInvariantViolation}
	for index, sentinel := range sentinels {
		wrapped := WrapError(errorOperationService, errorSubjectAccount, "check", sentinel)
		for other, candidate := range sentinels {
			if other != index && errors.Is(wrapped, candidate) {
				test.Fatalf("%v must not match %v", wrapped, candidate)
			}
		}
	}
}

func TestWrapErrorNilStaysNil(test *testing.T) {
	test.Parallel()
	if WrapError(errorOperationService, errorSubjectAccount, errorCodeStale, nil) != nil {
		test.Fatalf("expected nil for a nil cause")
	}
}
