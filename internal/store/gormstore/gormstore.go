package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	constraintEntryIdempotency      = "uniq_entry_idem"
	constraintBatchRegionPeriod     = "uniq_batch_region_period"
	constraintBatchPrimary          = "conversion_batches_pkey"
	constraintWithdrawalIdempotency = "uniq_withdrawal_idem"
	defaultMetadataJSON             = "{}"
	sqliteConstraintCode            = 19
	sqliteBusyCode                  = 5
	sqliteLockedCode                = 6
	defaultMaxRetries               = 4
	defaultRetryBase                = 20 * time.Millisecond
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectEntry               = "entry"
	errorSubjectPool                = "pool"
	errorSubjectBatch               = "batch"
	errorSubjectWithdrawal          = "withdrawal"
	errorSubjectSecurityEvent       = "security_event"
	errorSubjectTransaction         = "transaction"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLock                   = "lock"
	errorCodeLookup                 = "lookup"
	errorCodeRetry                  = "retry"
	errorCodeSave                   = "save"
	errorCodeStale                  = "stale"
	errorCodeUpsert                 = "upsert"
)

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries bounds how often a transaction is retried after a serialization failure or deadlock.
func WithMaxRetries(maxRetries uint64) Option {
	return func(store *Store) {
		store.maxRetries = maxRetries
	}
}

// Store implements ledger.Store and fraud.AuditStore using GORM.
type Store struct {
	db         *gorm.DB
	inTx       bool
	maxRetries uint64
	retryBase  time.Duration
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db, maxRetries: defaultMaxRetries, retryBase: defaultRetryBase}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// WithTx executes fn within a transaction, retrying the whole transaction on serialization
// failures and deadlocks. Inside a transaction it runs fn on the same transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	backoff := retry.WithMaxRetries(store.maxRetries, retry.NewExponential(store.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			return fn(ctx, &Store{db: transaction, inTx: true, maxRetries: store.maxRetries, retryBase: store.retryBase})
		})
		if isRetryable(err) {
			return retry.RetryableError(wrapStoreError(errorSubjectTransaction, errorCodeRetry, err))
		}
		return err
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created := Account{UserID: userID.String()}
		err = store.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
			Create(&created).Error
		if err != nil {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
		}
		err = store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.findAccount(store.db.WithContext(ctx), accountID, errorCodeGet)
}

func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.findAccount(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), accountID, errorCodeLock)
}

func (store *Store) findAccount(query *gorm.DB, accountID ledger.AccountID, code string) (ledger.Account, error) {
	var account Account
	err := query.Where("account_id = ?", accountID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	return mapAccount(account)
}

func (store *Store) UpdateAccount(ctx context.Context, account ledger.Account, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND version = ?", account.AccountID.String(), expectedVersion).
		Updates(map[string]interface{}{
			"pending_points":    account.PendingPoints.Int64(),
			"cash_balance":      account.CashBalance.Int64(),
			"assigned_region":   account.AssignedRegion.String(),
			"assigned_currency": account.AssignedCurrency.String(),
			"location_locked":   account.LocationLocked,
			"version":           account.Version,
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeStale, ledger.ErrStaleAccount)
	}
	return nil
}

func (store *Store) ListPendingAccounts(ctx context.Context, country ledger.CountryCode) ([]ledger.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).
		Where("assigned_region = ? AND pending_points > 0", country.String()).
		Order("account_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// ListAccountIDs pages through every account id in ascending order, starting after afterID.
func (store *Store) ListAccountIDs(ctx context.Context, afterID string, limit int) ([]ledger.AccountID, error) {
	var raw []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id > ?", afterID).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &raw).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accountIDs := make([]ledger.AccountID, 0, len(raw))
	for _, value := range raw {
		accountID, err := ledger.NewAccountID(value)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:        entry.EntryID.String(),
		AccountID:      entry.AccountID.String(),
		Kind:           entry.Kind.String(),
		PointsDelta:    entry.PointsDelta.Int64(),
		CashDelta:      entry.CashDelta.Int64(),
		PointsAfter:    entry.PointsAfter.Int64(),
		CashAfter:      entry.CashAfter.Int64(),
		AccountVersion: entry.AccountVersion,
		ReferenceID:    entry.ReferenceID.String(),
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       datatypesJSON(entry.Metadata.String()),
		CreatedAt:      unixTime(entry.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintEntryIdempotency) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, accountID ledger.AccountID, key ledger.IdempotencyKey) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, ledger.ErrUnknownEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return mapLedgerEntry(row)
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	query := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Order("account_version DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListAllEntries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("account_version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account := ledger.Account{
		AccountID:      accountID,
		UserID:         userID,
		PendingPoints:  ledger.Points(row.PendingPoints),
		CashBalance:    ledger.MinorUnits(row.CashBalance),
		LocationLocked: row.LocationLocked,
		Version:        row.Version,
	}
	if row.AssignedRegion != "" {
		if account.AssignedRegion, err = ledger.NewCountryCode(row.AssignedRegion); err != nil {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
	}
	if row.AssignedCurrency != "" {
		if account.AssignedCurrency, err = ledger.NewCurrencyCode(row.AssignedCurrency); err != nil {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
	}
	return account, nil
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry := ledger.Entry{
		EntryID:        entryID,
		AccountID:      accountID,
		Kind:           kind,
		PointsDelta:    ledger.Points(row.PointsDelta),
		CashDelta:      ledger.MinorUnits(row.CashDelta),
		PointsAfter:    ledger.Points(row.PointsAfter),
		CashAfter:      ledger.MinorUnits(row.CashAfter),
		AccountVersion: row.AccountVersion,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.ReferenceID != "" {
		if entry.ReferenceID, err = ledger.NewReferenceID(row.ReferenceID); err != nil {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
	}
	return entry, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func unixTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func unixOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

// isUniqueViolation reports a unique-constraint failure. For postgres the constraint name must
// match one of constraints; sqlite does not report names.
func isUniqueViolation(err error, constraints ...string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgerrcode.UniqueViolation {
			return false
		}
		for _, constraint := range constraints {
			if pgErr.ConstraintName == constraint {
				return true
			}
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
