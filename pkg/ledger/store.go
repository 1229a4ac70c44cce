package ledger

import "context"

// Store persists accounts, entries, region pools, conversion batches and withdrawals.
// Lock* methods take a row lock for the rest of the enclosing transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	LockAccount(ctx context.Context, accountID AccountID) (Account, error)
	// UpdateAccount writes account if the stored version still equals expectedVersion; otherwise ErrStaleAccount.
	UpdateAccount(ctx context.Context, account Account, expectedVersion int64) error
	ListPendingAccounts(ctx context.Context, country CountryCode) ([]Account, error)

	// InsertEntry returns ErrDuplicateIdempotencyKey when (account, key) already exists.
	InsertEntry(ctx context.Context, entry Entry) error
	FindEntryByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Entry, error)
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
	// ListAllEntries returns every entry of the account ordered by AccountVersion ascending.
	ListAllEntries(ctx context.Context, accountID AccountID) ([]Entry, error)

	// UpsertPool creates the pool or reactivates it, keeping accumulated counters.
	UpsertPool(ctx context.Context, pool RegionPool) (RegionPool, error)
	GetPool(ctx context.Context, country CountryCode, period Period) (RegionPool, error)
	LockPool(ctx context.Context, country CountryCode, period Period) (RegionPool, error)
	SavePool(ctx context.Context, pool RegionPool) error
	ListPools(ctx context.Context, period Period) ([]RegionPool, error)

	GetBatch(ctx context.Context, country CountryCode, period Period) (ConversionBatch, error)
	// CreateBatch returns ErrBatchExists when a batch for (country, period) already exists.
	CreateBatch(ctx context.Context, batch ConversionBatch, items []ConversionItem) error
	SaveBatch(ctx context.Context, batch ConversionBatch) error
	ListBatchItems(ctx context.Context, batchID ReferenceID) ([]ConversionItem, error)
	SaveBatchItem(ctx context.Context, item ConversionItem) error

	CreateWithdrawal(ctx context.Context, withdrawal WithdrawalRequest) error
	FindWithdrawalByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (WithdrawalRequest, error)
	LockWithdrawal(ctx context.Context, withdrawalID ReferenceID) (WithdrawalRequest, error)
	SaveWithdrawal(ctx context.Context, withdrawal WithdrawalRequest) error
	// ListStaleWithdrawals returns pending or processing rows last dispatched before the cutoff.
	ListStaleWithdrawals(ctx context.Context, dispatchedBeforeUnixUTC int64, limit int) ([]WithdrawalRequest, error)
}
