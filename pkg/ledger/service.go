package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service is the ledger: the only component that mutates account balances.
type Service struct {
	core
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	shared, err := newCore(store, now, options)
	if err != nil {
		return nil, err
	}
	return &Service{core: shared}, nil
}

// PostRequest describes one balance-affecting event.
type PostRequest struct {
	AccountID      AccountID
	Kind           EntryKind
	PointsDelta    Points
	CashDelta      MinorUnits
	ReferenceID    ReferenceID
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
}

func (request PostRequest) validate() error {
	if request.AccountID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseEntryKind(request.Kind.String()); err != nil {
		return err
	}
	if request.IdempotencyKey.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if request.Kind != EntryAdjustment && request.PointsDelta == 0 && request.CashDelta == 0 {
		return fmt.Errorf("%w: entry moves nothing", ErrInvalidAmount)
	}
	return nil
}

// Account returns the user's account, creating it on first use.
func (service *Service) Account(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetOrCreateAccount(ctx, userID)
}

// Post applies one entry and its balance change atomically.
func (service *Service) Post(ctx context.Context, request PostRequest) (Entry, error) {
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		posted, err := service.postInTx(ctx, transactionStore, request, nil)
		if err != nil {
			return err
		}
		entry = posted
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationPost,
		AccountID:      request.AccountID,
		ReferenceID:    request.ReferenceID,
		PointsDelta:    request.PointsDelta,
		CashDelta:      request.CashDelta,
		IdempotencyKey: request.IdempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return entry, nil
}

// PostInTx is Post on a transaction the caller already owns.
func (service *Service) PostInTx(ctx context.Context, transactionStore Store, request PostRequest) (Entry, error) {
	return service.postInTx(ctx, transactionStore, request, nil)
}

// postInTx locks the account, applies mutate (if any), checks balances, bumps the version and appends the entry.
func (shared *core) postInTx(ctx context.Context, transactionStore Store, request PostRequest, mutate func(*Account) error) (Entry, error) {
	if err := request.validate(); err != nil {
		return Entry{}, err
	}
	account, err := transactionStore.LockAccount(ctx, request.AccountID)
	if err != nil {
		return Entry{}, err
	}
	updated := account
	if mutate != nil {
		if err := mutate(&updated); err != nil {
			return Entry{}, err
		}
	}
	updated.PendingPoints += request.PointsDelta
	updated.CashBalance += request.CashDelta
	if request.Kind != EntryAdjustment && (updated.PendingPoints < 0 || updated.CashBalance < 0) {
		return Entry{}, ErrInsufficientBalance
	}
	updated.Version = account.Version + 1
	if err := transactionStore.UpdateAccount(ctx, updated, account.Version); err != nil {
		if errors.Is(err, ErrStaleAccount) {
			return Entry{}, WrapError(errorOperationService, errorSubjectAccount, errorCodeStale, ErrLedgerInvariantViolation)
		}
		return Entry{}, err
	}
	entryID, err := NewEntryID(shared.newID())
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		EntryID:        entryID,
		AccountID:      account.AccountID,
		Kind:           request.Kind,
		PointsDelta:    request.PointsDelta,
		CashDelta:      request.CashDelta,
		PointsAfter:    updated.PendingPoints,
		CashAfter:      updated.CashBalance,
		AccountVersion: updated.Version,
		ReferenceID:    request.ReferenceID,
		IdempotencyKey: request.IdempotencyKey,
		Metadata:       request.Metadata,
		CreatedUnixUTC: shared.nowFn(),
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Balance returns the user's balances and region assignment.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		PendingPoints:  account.PendingPoints,
		CashBalance:    account.CashBalance,
		Currency:       account.AssignedCurrency,
		Region:         account.AssignedRegion,
		LocationLocked: account.LocationLocked,
	}, nil
}

// ListEntries lists ledger entries for a user before a cutoff time, newest first. A zero cutoff means now.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListEntries(ctx, account.AccountID, beforeUnixUTC, limit)
}

// Verification summarizes a replay of one account's ledger.
type Verification struct {
	AccountID      AccountID
	Entries        int
	ReplayedPoints Points
	ReplayedCash   MinorUnits
}

// VerifyAccount replays every entry from zero and compares the result with the stored balances.
func (service *Service) VerifyAccount(ctx context.Context, accountID AccountID) (Verification, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Verification{}, err
	}
	entries, err := service.store.ListAllEntries(ctx, accountID)
	if err != nil {
		return Verification{}, err
	}
	verification := Verification{AccountID: accountID, Entries: len(entries)}
	for _, entry := range entries {
		verification.ReplayedPoints += entry.PointsDelta
		verification.ReplayedCash += entry.CashDelta
		if entry.PointsAfter != verification.ReplayedPoints || entry.CashAfter != verification.ReplayedCash {
			return verification, WrapError(errorOperationService, errorSubjectBalance, errorCodeSnapshot,
				fmt.Errorf("%w: entry %s", ErrLedgerInvariantViolation, entry.EntryID.String()))
		}
	}
	if verification.ReplayedPoints != account.PendingPoints || verification.ReplayedCash != account.CashBalance {
		return verification, WrapError(errorOperationService, errorSubjectBalance, errorCodeReplay, ErrLedgerInvariantViolation)
	}
	return verification, nil
}

// AssignRegion records the region resolved for an account.
// A confident assignment locks the account; a locked account never moves to a different region here.
func (service *Service) AssignRegion(ctx context.Context, accountID AccountID, country CountryCode, currency CurrencyCode, confident bool) (Account, error) {
	var assigned Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		updated := account
		changed, err := applyRegion(&updated, country, currency, confident)
		if err != nil {
			return err
		}
		if !changed {
			assigned = account
			return nil
		}
		updated.Version = account.Version + 1
		if err := transactionStore.UpdateAccount(ctx, updated, account.Version); err != nil {
			return err
		}
		assigned = updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAssignRegion,
		AccountID: accountID,
		Country:   country,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return assigned, nil
}

// applyRegion assigns country and currency to account and reports whether anything changed.
// A locked account only accepts its own region.
func applyRegion(account *Account, country CountryCode, currency CurrencyCode, confident bool) (bool, error) {
	if account.LocationLocked {
		if account.AssignedRegion != country {
			return false, ErrRegionLocked
		}
		return false, nil
	}
	if account.AssignedRegion == country && account.AssignedCurrency == currency && !confident {
		return false, nil
	}
	account.AssignedRegion = country
	account.AssignedCurrency = currency
	account.LocationLocked = confident
	return true, nil
}

// OverrideRegion is the privileged reassignment path. It writes a zero-delta adjustment entry for audit.
func (service *Service) OverrideRegion(ctx context.Context, accountID AccountID, country CountryCode, currency CurrencyCode, idempotencyKey IdempotencyKey, reason string) (Entry, error) {
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		overrideKey, err := deriveIdempotencyKey(idempotencyPrefixOverride, idempotencyKey.String())
		if err != nil {
			return err
		}
		posted, err := service.postInTx(ctx, transactionStore, PostRequest{
			AccountID:      accountID,
			Kind:           EntryAdjustment,
			IdempotencyKey: overrideKey,
			Metadata: metadataFromMap(map[string]string{
				"action":  operationOverrideRegion,
				"country": country.String(),
				"reason":  reason,
			}),
		}, func(account *Account) error {
			account.AssignedRegion = country
			account.AssignedCurrency = currency
			account.LocationLocked = true
			return nil
		})
		if err != nil {
			return err
		}
		entry = posted
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationOverrideRegion,
		AccountID:      accountID,
		Country:        country,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return entry, nil
}
