package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

func (store *Store) CreateWithdrawal(ctx context.Context, withdrawal ledger.WithdrawalRequest) error {
	row := withdrawalRow(withdrawal)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintWithdrawalIdempotency) {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) FindWithdrawalByIdempotencyKey(ctx context.Context, accountID ledger.AccountID, key ledger.IdempotencyKey) (ledger.WithdrawalRequest, error) {
	return store.findWithdrawal(store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), key.String()), errorCodeLookup)
}

func (store *Store) LockWithdrawal(ctx context.Context, withdrawalID ledger.ReferenceID) (ledger.WithdrawalRequest, error) {
	return store.findWithdrawal(store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("withdrawal_id = ?", withdrawalID.String()), errorCodeLock)
}

func (store *Store) findWithdrawal(query *gorm.DB, code string) (ledger.WithdrawalRequest, error) {
	var row Withdrawal
	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, code, ledger.ErrUnknownWithdrawal)
	}
	if err != nil {
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, code, err)
	}
	return mapWithdrawal(row)
}

func (store *Store) SaveWithdrawal(ctx context.Context, withdrawal ledger.WithdrawalRequest) error {
	row := withdrawalRow(withdrawal)
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeSave, err)
	}
	return nil
}

func (store *Store) ListStaleWithdrawals(ctx context.Context, dispatchedBeforeUnixUTC int64, limit int) ([]ledger.WithdrawalRequest, error) {
	cutoff := time.Unix(dispatchedBeforeUnixUTC, 0).UTC()
	query := store.db.WithContext(ctx).
		Where("status IN ?", []string{string(ledger.WithdrawalPending), string(ledger.WithdrawalProcessing)}).
		Where("(dispatched_at IS NULL OR dispatched_at < ?)", cutoff).
		Order("withdrawal_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Withdrawal
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, err)
	}
	withdrawals := make([]ledger.WithdrawalRequest, 0, len(rows))
	for _, row := range rows {
		withdrawal, err := mapWithdrawal(row)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, withdrawal)
	}
	return withdrawals, nil
}

func withdrawalRow(withdrawal ledger.WithdrawalRequest) Withdrawal {
	return Withdrawal{
		WithdrawalID:     withdrawal.WithdrawalID.String(),
		AccountID:        withdrawal.AccountID.String(),
		IdempotencyKey:   withdrawal.IdempotencyKey.String(),
		Amount:           withdrawal.Amount.Int64(),
		CurrencyCode:     withdrawal.Currency.String(),
		Destination:      withdrawal.Destination,
		LedgerEntryID:    withdrawal.LedgerEntryID.String(),
		Status:           string(withdrawal.Status),
		FailureReason:    withdrawal.FailureReason,
		DispatchAttempts: withdrawal.DispatchAttempts,
		RequestedAt:      unixTime(withdrawal.RequestedUnixUTC),
		DispatchedAt:     optionalTime(withdrawal.DispatchedUnixUTC),
		CompletedAt:      optionalTime(withdrawal.CompletedUnixUTC),
	}
}

func mapWithdrawal(row Withdrawal) (ledger.WithdrawalRequest, error) {
	withdrawalID, err := ledger.NewReferenceID(row.WithdrawalID)
	if err != nil {
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	currency, err := ledger.NewCurrencyCode(row.CurrencyCode)
	if err != nil {
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	entryID, err := ledger.NewEntryID(row.LedgerEntryID)
	if err != nil {
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	status, err := ledger.ParseWithdrawalStatus(row.Status)
	if err != nil {
		return ledger.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	return ledger.WithdrawalRequest{
		WithdrawalID:      withdrawalID,
		AccountID:         accountID,
		Amount:            ledger.MinorUnits(row.Amount),
		Currency:          currency,
		Destination:       row.Destination,
		LedgerEntryID:     entryID,
		IdempotencyKey:    idempotencyKey,
		Status:            status,
		FailureReason:     row.FailureReason,
		DispatchAttempts:  row.DispatchAttempts,
		RequestedUnixUTC:  row.RequestedAt.Unix(),
		DispatchedUnixUTC: unixOrZero(row.DispatchedAt),
		CompletedUnixUTC:  unixOrZero(row.CompletedAt),
	}, nil
}
