package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// WithdrawalStatus tracks a payout through its lifecycle.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// ParseWithdrawalStatus validates a stored withdrawal status.
func ParseWithdrawalStatus(raw string) (WithdrawalStatus, error) {
	switch WithdrawalStatus(strings.TrimSpace(raw)) {
	case WithdrawalPending:
		return WithdrawalPending, nil
	case WithdrawalProcessing:
		return WithdrawalProcessing, nil
	case WithdrawalCompleted:
		return WithdrawalCompleted, nil
	case WithdrawalFailed:
		return WithdrawalFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWithdrawalState, raw)
	}
}

// IsFinal reports whether no further transition is allowed.
func (status WithdrawalStatus) IsFinal() bool {
	return status == WithdrawalCompleted || status == WithdrawalFailed
}

// WithdrawalRequest is one cash-out. WithdrawalID doubles as the payout reference id.
type WithdrawalRequest struct {
	WithdrawalID      ReferenceID
	AccountID         AccountID
	Amount            MinorUnits
	Currency          CurrencyCode
	Destination       string
	LedgerEntryID     EntryID
	IdempotencyKey    IdempotencyKey
	Status            WithdrawalStatus
	FailureReason     string
	DispatchAttempts  int
	RequestedUnixUTC  int64
	DispatchedUnixUTC int64
	CompletedUnixUTC  int64
}

// PayoutInstruction is handed to the external payment processor.
type PayoutInstruction struct {
	ReferenceID      string `json:"reference_id"`
	Destination      string `json:"destination"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	CurrencyCode     string `json:"currency_code"`
}

// PayoutSink delivers payout instructions. Confirmation arrives later via Confirm or Fail.
type PayoutSink interface {
	Dispatch(ctx context.Context, instruction PayoutInstruction) error
}

// MinimumWithdrawals supplies the per-currency withdrawal threshold.
type MinimumWithdrawals interface {
	MinimumWithdrawal(currency CurrencyCode) MinorUnits
}

// WithdrawalInput is the inbound withdrawal request.
type WithdrawalInput struct {
	UserID         UserID
	Amount         MinorUnits
	Destination    string
	IdempotencyKey IdempotencyKey
}

// WithdrawalProcessor debits cash balances and instructs the payout sink.
type WithdrawalProcessor struct {
	core
	sink     PayoutSink
	minimums MinimumWithdrawals
}

// NewWithdrawalProcessor wires a WithdrawalProcessor.
func NewWithdrawalProcessor(store Store, now func() int64, sink PayoutSink, minimums MinimumWithdrawals, options ...ServiceOption) (*WithdrawalProcessor, error) {
	shared, err := newCore(store, now, options)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: payout sink is nil", ErrInvalidServiceConfig)
	}
	return &WithdrawalProcessor{core: shared, sink: sink, minimums: minimums}, nil
}

// Request debits the account and hands the payout to the sink after the debit commits.
// A failed dispatch leaves the withdrawal processing for Reconcile; it is not an error to the caller.
func (processor *WithdrawalProcessor) Request(ctx context.Context, input WithdrawalInput) (WithdrawalRequest, error) {
	var (
		withdrawal WithdrawalRequest
		replayed   bool
	)
	operationError := processor.validateInput(input)
	if operationError == nil {
		operationError = processor.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetOrCreateAccount(ctx, input.UserID)
			if err != nil {
				return err
			}
			existing, err := transactionStore.FindWithdrawalByIdempotencyKey(ctx, account.AccountID, input.IdempotencyKey)
			if err == nil {
				withdrawal = existing
				replayed = true
				return nil
			}
			if !errors.Is(err, ErrUnknownWithdrawal) {
				return err
			}
			if account.AssignedCurrency.IsZero() {
				return fmt.Errorf("%w: account has no assigned currency", ErrInvalidWithdrawal)
			}
			if processor.minimums != nil && input.Amount < processor.minimums.MinimumWithdrawal(account.AssignedCurrency) {
				return ErrBelowMinimumWithdrawal
			}
			withdrawalID, err := NewReferenceID(processor.newID())
			if err != nil {
				return err
			}
			entryKey, err := deriveIdempotencyKey(idempotencyPrefixWithdraw, input.IdempotencyKey.String())
			if err != nil {
				return err
			}
			entry, err := processor.postInTx(ctx, transactionStore, PostRequest{
				AccountID:      account.AccountID,
				Kind:           EntryWithdrawal,
				CashDelta:      input.Amount.Negated(),
				ReferenceID:    withdrawalID,
				IdempotencyKey: entryKey,
				Metadata:       metadataFromMap(map[string]string{"destination": input.Destination}),
			}, nil)
			if err != nil {
				return err
			}
			withdrawal = WithdrawalRequest{
				WithdrawalID:     withdrawalID,
				AccountID:        account.AccountID,
				Amount:           input.Amount,
				Currency:         account.AssignedCurrency,
				Destination:      input.Destination,
				LedgerEntryID:    entry.EntryID,
				IdempotencyKey:   input.IdempotencyKey,
				Status:           WithdrawalPending,
				RequestedUnixUTC: processor.nowFn(),
			}
			return transactionStore.CreateWithdrawal(ctx, withdrawal)
		})
	}
	processor.logOperation(ctx, OperationLog{
		Operation:      operationWithdrawalRequest,
		AccountID:      withdrawal.AccountID,
		ReferenceID:    withdrawal.WithdrawalID,
		CashDelta:      input.Amount.Negated(),
		IdempotencyKey: input.IdempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return WithdrawalRequest{}, operationError
	}
	if replayed {
		return withdrawal, nil
	}
	return processor.dispatch(ctx, withdrawal.WithdrawalID)
}

func (processor *WithdrawalProcessor) validateInput(input WithdrawalInput) error {
	if input.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if input.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if strings.TrimSpace(input.Destination) == "" {
		return fmt.Errorf("%w: empty destination", ErrInvalidWithdrawal)
	}
	if input.IdempotencyKey.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return nil
}

// dispatch marks the row processing, then calls the sink outside any transaction.
func (processor *WithdrawalProcessor) dispatch(ctx context.Context, withdrawalID ReferenceID) (WithdrawalRequest, error) {
	var withdrawal WithdrawalRequest
	err := processor.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if current.Status.IsFinal() {
			withdrawal = current
			return nil
		}
		current.Status = WithdrawalProcessing
		current.DispatchAttempts++
		current.DispatchedUnixUTC = processor.nowFn()
		withdrawal = current
		return transactionStore.SaveWithdrawal(ctx, current)
	})
	if err != nil {
		return WithdrawalRequest{}, err
	}
	if withdrawal.Status.IsFinal() {
		return withdrawal, nil
	}
	dispatchErr := processor.sink.Dispatch(ctx, PayoutInstruction{
		ReferenceID:      withdrawal.WithdrawalID.String(),
		Destination:      withdrawal.Destination,
		AmountMinorUnits: withdrawal.Amount.Int64(),
		CurrencyCode:     withdrawal.Currency.String(),
	})
	if dispatchErr != nil {
		dispatchErr = fmt.Errorf("%w: %v", ErrExternalLookupUnavailable, dispatchErr)
	}
	processor.logOperation(ctx, OperationLog{
		Operation:   operationWithdrawalDispatch,
		AccountID:   withdrawal.AccountID,
		ReferenceID: withdrawal.WithdrawalID,
		CashDelta:   withdrawal.Amount.Negated(),
		Error:       dispatchErr,
	})
	return withdrawal, nil
}

// Confirm marks a withdrawal completed. Confirming twice is a no-op.
func (processor *WithdrawalProcessor) Confirm(ctx context.Context, withdrawalID ReferenceID) (WithdrawalRequest, error) {
	var withdrawal WithdrawalRequest
	operationError := processor.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		switch current.Status {
		case WithdrawalCompleted:
			withdrawal = current
			return nil
		case WithdrawalFailed:
			return ErrWithdrawalClosed
		}
		current.Status = WithdrawalCompleted
		current.CompletedUnixUTC = processor.nowFn()
		withdrawal = current
		return transactionStore.SaveWithdrawal(ctx, current)
	})
	processor.logOperation(ctx, OperationLog{
		Operation:   operationWithdrawalConfirm,
		AccountID:   withdrawal.AccountID,
		ReferenceID: withdrawalID,
		Error:       operationError,
	})
	if operationError != nil {
		return WithdrawalRequest{}, operationError
	}
	return withdrawal, nil
}

// Fail marks a withdrawal failed and credits the amount back with an adjustment entry.
// Failing twice is a no-op.
func (processor *WithdrawalProcessor) Fail(ctx context.Context, withdrawalID ReferenceID, reason string) (WithdrawalRequest, error) {
	var withdrawal WithdrawalRequest
	operationError := processor.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		switch current.Status {
		case WithdrawalFailed:
			withdrawal = current
			return nil
		case WithdrawalCompleted:
			return ErrWithdrawalClosed
		}
		reversalKey, err := deriveIdempotencyKey(idempotencyPrefixWithdraw, withdrawalID.String(), idempotencySuffixReversal)
		if err != nil {
			return err
		}
		if _, err := processor.postInTx(ctx, transactionStore, PostRequest{
			AccountID:      current.AccountID,
			Kind:           EntryAdjustment,
			CashDelta:      current.Amount,
			ReferenceID:    withdrawalID,
			IdempotencyKey: reversalKey,
			Metadata:       metadataFromMap(map[string]string{"reason": reason}),
		}, nil); err != nil {
			return err
		}
		current.Status = WithdrawalFailed
		current.FailureReason = reason
		current.CompletedUnixUTC = processor.nowFn()
		withdrawal = current
		return transactionStore.SaveWithdrawal(ctx, current)
	})
	processor.logOperation(ctx, OperationLog{
		Operation:   operationWithdrawalFail,
		AccountID:   withdrawal.AccountID,
		ReferenceID: withdrawalID,
		CashDelta:   withdrawal.Amount,
		Error:       operationError,
	})
	if operationError != nil {
		return WithdrawalRequest{}, operationError
	}
	return withdrawal, nil
}

// Reconcile re-dispatches withdrawals that have not been confirmed or failed since the cutoff.
// It returns how many rows were handed to the sink again.
func (processor *WithdrawalProcessor) Reconcile(ctx context.Context, dispatchedBeforeUnixUTC int64, limit int) (int, error) {
	stale, err := processor.store.ListStaleWithdrawals(ctx, dispatchedBeforeUnixUTC, limit)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, withdrawal := range stale {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		if _, err := processor.dispatch(ctx, withdrawal.WithdrawalID); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}
