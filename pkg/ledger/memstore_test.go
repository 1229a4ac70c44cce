package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
)

type memoryState struct {
	accounts      map[AccountID]Account
	accountByUser map[UserID]AccountID
	entries       []Entry
	pools         map[string]RegionPool
	batches       map[string]ConversionBatch
	items         map[ReferenceID][]ConversionItem
	withdrawals   map[ReferenceID]WithdrawalRequest
	nextAccount   int
}

// memoryStore keeps state in maps behind a short-lived mutex. Inside a transaction, Lock* and
// every write take a row lock held until the transaction ends, and rollback replays an undo log.
// Reads outside row locks see uncommitted writes.
type memoryStore struct {
	mutex *sync.Mutex
	rows  *rowLocks
	state *memoryState
	tx    *memoryTx

	failInsertEntry error
}

type rowLocks struct {
	mutex sync.Mutex
	locks map[string]*sync.Mutex
}

func (locks *rowLocks) get(key string) *sync.Mutex {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	lock, ok := locks.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		locks.locks[key] = lock
	}
	return lock
}

type memoryTx struct {
	held  map[string]*sync.Mutex
	order []string
	undo  []func(state *memoryState)
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		mutex: &sync.Mutex{},
		rows:  &rowLocks{locks: map[string]*sync.Mutex{}},
		state: &memoryState{
			accounts:      map[AccountID]Account{},
			accountByUser: map[UserID]AccountID{},
			pools:         map[string]RegionPool{},
			batches:       map[string]ConversionBatch{},
			items:         map[ReferenceID][]ConversionItem{},
			withdrawals:   map[ReferenceID]WithdrawalRequest{},
		},
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	transaction := &memoryTx{held: map[string]*sync.Mutex{}}
	transactionStore := &memoryStore{
		mutex:           store.mutex,
		rows:            store.rows,
		state:           store.state,
		tx:              transaction,
		failInsertEntry: store.failInsertEntry,
	}
	err := fn(ctx, transactionStore)
	if err != nil {
		store.mutex.Lock()
		for index := len(transaction.undo) - 1; index >= 0; index-- {
			transaction.undo[index](store.state)
		}
		store.mutex.Unlock()
	}
	for index := len(transaction.order) - 1; index >= 0; index-- {
		transaction.held[transaction.order[index]].Unlock()
	}
	return err
}

// lockRow blocks until the transaction owns key. Outside a transaction it does nothing.
func (store *memoryStore) lockRow(key string) {
	if store.tx == nil {
		return
	}
	if _, held := store.tx.held[key]; held {
		return
	}
	lock := store.rows.get(key)
	lock.Lock()
	store.tx.held[key] = lock
	store.tx.order = append(store.tx.order, key)
}

// remember records how to revert a write. Callers hold store.mutex.
func (store *memoryStore) remember(undo func(state *memoryState)) {
	if store.tx != nil {
		store.tx.undo = append(store.tx.undo, undo)
	}
}

func (store *memoryStore) read(fn func() error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn()
}

func accountRow(accountID AccountID) string {
	return "account/" + accountID.String()
}

func poolRow(country CountryCode, period Period) string {
	return "pool/" + poolKey(country, period)
}

func batchRow(country CountryCode, period Period) string {
	return "batch/" + poolKey(country, period)
}

func withdrawalRow(withdrawalID ReferenceID) string {
	return "withdrawal/" + withdrawalID.String()
}

func poolKey(country CountryCode, period Period) string {
	return country.String() + "/" + period.String()
}

func (store *memoryStore) GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error) {
	var account Account
	err := store.read(func() error {
		if accountID, ok := store.state.accountByUser[userID]; ok {
			account = store.state.accounts[accountID]
			return nil
		}
		store.state.nextAccount++
		accountID, err := NewAccountID(fmt.Sprintf("acct-%d", store.state.nextAccount))
		if err != nil {
			return err
		}
		account = Account{AccountID: accountID, UserID: userID}
		store.state.accounts[accountID] = account
		store.state.accountByUser[userID] = accountID
		store.remember(func(state *memoryState) {
			delete(state.accounts, accountID)
			delete(state.accountByUser, userID)
		})
		return nil
	})
	return account, err
}

func (store *memoryStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	var account Account
	err := store.read(func() error {
		found, ok := store.state.accounts[accountID]
		if !ok {
			return ErrUnknownAccount
		}
		account = found
		return nil
	})
	return account, err
}

func (store *memoryStore) LockAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.lockRow(accountRow(accountID))
	return store.GetAccount(ctx, accountID)
}

func (store *memoryStore) UpdateAccount(ctx context.Context, account Account, expectedVersion int64) error {
	store.lockRow(accountRow(account.AccountID))
	return store.read(func() error {
		current, ok := store.state.accounts[account.AccountID]
		if !ok {
			return ErrUnknownAccount
		}
		if current.Version != expectedVersion {
			return ErrStaleAccount
		}
		store.state.accounts[account.AccountID] = account
		store.remember(func(state *memoryState) { state.accounts[current.AccountID] = current })
		return nil
	})
}

func (store *memoryStore) ListPendingAccounts(ctx context.Context, country CountryCode) ([]Account, error) {
	var accounts []Account
	err := store.read(func() error {
		for _, account := range store.state.accounts {
			if account.AssignedRegion == country && account.PendingPoints > 0 {
				accounts = append(accounts, account)
			}
		}
		sort.Slice(accounts, func(left, right int) bool {
			return accounts[left].AccountID.String() < accounts[right].AccountID.String()
		})
		return nil
	})
	return accounts, err
}

func (store *memoryStore) InsertEntry(ctx context.Context, entry Entry) error {
	return store.read(func() error {
		if store.failInsertEntry != nil {
			return store.failInsertEntry
		}
		for _, existing := range store.state.entries {
			if existing.AccountID == entry.AccountID && existing.IdempotencyKey == entry.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
		store.state.entries = append(store.state.entries, entry)
		store.remember(func(state *memoryState) {
			for index := len(state.entries) - 1; index >= 0; index-- {
				if state.entries[index].EntryID == entry.EntryID {
					state.entries = append(state.entries[:index], state.entries[index+1:]...)
					return
				}
			}
		})
		return nil
	})
}

func (store *memoryStore) FindEntryByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Entry, error) {
	var entry Entry
	err := store.read(func() error {
		for _, existing := range store.state.entries {
			if existing.AccountID == accountID && existing.IdempotencyKey == key {
				entry = existing
				return nil
			}
		}
		return ErrUnknownEntry
	})
	return entry, err
}

func (store *memoryStore) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	var entries []Entry
	err := store.read(func() error {
		for index := len(store.state.entries) - 1; index >= 0; index-- {
			entry := store.state.entries[index]
			if entry.AccountID != accountID || entry.CreatedUnixUTC >= beforeUnixUTC {
				continue
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) == limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

func (store *memoryStore) ListAllEntries(ctx context.Context, accountID AccountID) ([]Entry, error) {
	var entries []Entry
	err := store.read(func() error {
		for _, entry := range store.state.entries {
			if entry.AccountID == accountID {
				entries = append(entries, entry)
			}
		}
		sort.SliceStable(entries, func(left, right int) bool {
			return entries[left].AccountVersion < entries[right].AccountVersion
		})
		return nil
	})
	return entries, err
}

func (store *memoryStore) UpsertPool(ctx context.Context, pool RegionPool) (RegionPool, error) {
	var stored RegionPool
	store.lockRow(poolRow(pool.Country, pool.Period))
	err := store.read(func() error {
		key := poolKey(pool.Country, pool.Period)
		existing, ok := store.state.pools[key]
		if !ok {
			store.state.pools[key] = pool
			store.remember(func(state *memoryState) { delete(state.pools, key) })
			stored = pool
			return nil
		}
		previous := existing
		store.remember(func(state *memoryState) { state.pools[key] = previous })
		existing.Currency = pool.Currency
		existing.ExchangeRateToReference = pool.ExchangeRateToReference
		existing.Active = true
		existing.LastUpdatedUnixUTC = pool.LastUpdatedUnixUTC
		store.state.pools[key] = existing
		stored = existing
		return nil
	})
	return stored, err
}

func (store *memoryStore) GetPool(ctx context.Context, country CountryCode, period Period) (RegionPool, error) {
	var pool RegionPool
	err := store.read(func() error {
		found, ok := store.state.pools[poolKey(country, period)]
		if !ok {
			return ErrUnknownPool
		}
		pool = found
		return nil
	})
	return pool, err
}

func (store *memoryStore) LockPool(ctx context.Context, country CountryCode, period Period) (RegionPool, error) {
	store.lockRow(poolRow(country, period))
	return store.GetPool(ctx, country, period)
}

func (store *memoryStore) SavePool(ctx context.Context, pool RegionPool) error {
	store.lockRow(poolRow(pool.Country, pool.Period))
	return store.read(func() error {
		key := poolKey(pool.Country, pool.Period)
		store.rememberPool(key)
		store.state.pools[key] = pool
		return nil
	})
}

func (store *memoryStore) rememberPool(key string) {
	previous, existed := store.state.pools[key]
	store.remember(func(state *memoryState) {
		if existed {
			state.pools[key] = previous
			return
		}
		delete(state.pools, key)
	})
}

func (store *memoryStore) ListPools(ctx context.Context, period Period) ([]RegionPool, error) {
	var pools []RegionPool
	err := store.read(func() error {
		for _, pool := range store.state.pools {
			if pool.Period == period {
				pools = append(pools, pool)
			}
		}
		sort.Slice(pools, func(left, right int) bool {
			return pools[left].Country.String() < pools[right].Country.String()
		})
		return nil
	})
	return pools, err
}

func (store *memoryStore) GetBatch(ctx context.Context, country CountryCode, period Period) (ConversionBatch, error) {
	var batch ConversionBatch
	err := store.read(func() error {
		found, ok := store.state.batches[poolKey(country, period)]
		if !ok {
			return ErrUnknownBatch
		}
		batch = found
		return nil
	})
	return batch, err
}

func (store *memoryStore) CreateBatch(ctx context.Context, batch ConversionBatch, items []ConversionItem) error {
	store.lockRow(batchRow(batch.Country, batch.Period))
	return store.read(func() error {
		key := poolKey(batch.Country, batch.Period)
		if _, ok := store.state.batches[key]; ok {
			return ErrBatchExists
		}
		store.state.batches[key] = batch
		store.state.items[batch.BatchID] = append([]ConversionItem(nil), items...)
		store.remember(func(state *memoryState) {
			delete(state.batches, key)
			delete(state.items, batch.BatchID)
		})
		return nil
	})
}

func (store *memoryStore) SaveBatch(ctx context.Context, batch ConversionBatch) error {
	store.lockRow(batchRow(batch.Country, batch.Period))
	return store.read(func() error {
		key := poolKey(batch.Country, batch.Period)
		previous := store.state.batches[key]
		store.state.batches[key] = batch
		store.remember(func(state *memoryState) { state.batches[key] = previous })
		return nil
	})
}

func (store *memoryStore) ListBatchItems(ctx context.Context, batchID ReferenceID) ([]ConversionItem, error) {
	var items []ConversionItem
	err := store.read(func() error {
		items = append(items, store.state.items[batchID]...)
		return nil
	})
	return items, err
}

func (store *memoryStore) SaveBatchItem(ctx context.Context, item ConversionItem) error {
	store.lockRow("item/" + item.BatchID.String() + "/" + item.AccountID.String())
	return store.read(func() error {
		items := store.state.items[item.BatchID]
		for index := range items {
			if items[index].AccountID == item.AccountID {
				previous := items[index]
				items[index] = item
				store.remember(func(state *memoryState) {
					for position := range state.items[previous.BatchID] {
						if state.items[previous.BatchID][position].AccountID == previous.AccountID {
							state.items[previous.BatchID][position] = previous
						}
					}
				})
				return nil
			}
		}
		return ErrUnknownBatch
	})
}

func (store *memoryStore) CreateWithdrawal(ctx context.Context, withdrawal WithdrawalRequest) error {
	store.lockRow(withdrawalRow(withdrawal.WithdrawalID))
	return store.read(func() error {
		for _, existing := range store.state.withdrawals {
			if existing.AccountID == withdrawal.AccountID && existing.IdempotencyKey == withdrawal.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
		store.state.withdrawals[withdrawal.WithdrawalID] = withdrawal
		store.remember(func(state *memoryState) { delete(state.withdrawals, withdrawal.WithdrawalID) })
		return nil
	})
}

func (store *memoryStore) FindWithdrawalByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (WithdrawalRequest, error) {
	var withdrawal WithdrawalRequest
	err := store.read(func() error {
		for _, existing := range store.state.withdrawals {
			if existing.AccountID == accountID && existing.IdempotencyKey == key {
				withdrawal = existing
				return nil
			}
		}
		return ErrUnknownWithdrawal
	})
	return withdrawal, err
}

func (store *memoryStore) LockWithdrawal(ctx context.Context, withdrawalID ReferenceID) (WithdrawalRequest, error) {
	var withdrawal WithdrawalRequest
	store.lockRow(withdrawalRow(withdrawalID))
	err := store.read(func() error {
		found, ok := store.state.withdrawals[withdrawalID]
		if !ok {
			return ErrUnknownWithdrawal
		}
		withdrawal = found
		return nil
	})
	return withdrawal, err
}

func (store *memoryStore) SaveWithdrawal(ctx context.Context, withdrawal WithdrawalRequest) error {
	store.lockRow(withdrawalRow(withdrawal.WithdrawalID))
	return store.read(func() error {
		previous, existed := store.state.withdrawals[withdrawal.WithdrawalID]
		store.state.withdrawals[withdrawal.WithdrawalID] = withdrawal
		store.remember(func(state *memoryState) {
			if existed {
				state.withdrawals[previous.WithdrawalID] = previous
				return
			}
			delete(state.withdrawals, withdrawal.WithdrawalID)
		})
		return nil
	})
}

func (store *memoryStore) ListStaleWithdrawals(ctx context.Context, dispatchedBeforeUnixUTC int64, limit int) ([]WithdrawalRequest, error) {
	var stale []WithdrawalRequest
	err := store.read(func() error {
		for _, withdrawal := range store.state.withdrawals {
			if withdrawal.Status.IsFinal() || withdrawal.DispatchedUnixUTC >= dispatchedBeforeUnixUTC {
				continue
			}
			stale = append(stale, withdrawal)
		}
		sort.Slice(stale, func(left, right int) bool {
			return stale[left].WithdrawalID.String() < stale[right].WithdrawalID.String()
		})
		if limit > 0 && len(stale) > limit {
			stale = stale[:limit]
		}
		return nil
	})
	return stale, err
}

func (store *memoryStore) entryCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.state.entries)
}

func (store *memoryStore) setAccount(test *testing.T, account Account) {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.accounts[account.AccountID] = account
}

type failingStore struct {
	*memoryStore
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{memoryStore: newMemoryStore(test), err: err}
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.err
}

type recordingSink struct {
	mutex        sync.Mutex
	instructions []PayoutInstruction
	err          error
}

func (sink *recordingSink) Dispatch(ctx context.Context, instruction PayoutInstruction) error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.instructions = append(sink.instructions, instruction)
	return sink.err
}

func (sink *recordingSink) count() int {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	return len(sink.instructions)
}

type fixedMinimums map[string]MinorUnits

func (minimums fixedMinimums) MinimumWithdrawal(currency CurrencyCode) MinorUnits {
	return minimums[currency.String()]
}

var errStoreBoom = errors.New("boom")

func fixedClock(unixUTC int64) func() int64 {
	return func() int64 { return unixUTC }
}

func sequentialIDs(prefix string) func() string {
	var (
		mutex   sync.Mutex
		counter int
	)
	return func() string {
		mutex.Lock()
		defer mutex.Unlock()
		counter++
		return fmt.Sprintf("%s-%d", prefix, counter)
	}
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustReferenceID(test *testing.T, raw string) ReferenceID {
	test.Helper()
	referenceID, err := NewReferenceID(raw)
	if err != nil {
		test.Fatalf("reference id: %v", err)
	}
	return referenceID
}

func mustCountry(test *testing.T, raw string) CountryCode {
	test.Helper()
	country, err := NewCountryCode(raw)
	if err != nil {
		test.Fatalf("country: %v", err)
	}
	return country
}

func mustCurrency(test *testing.T, raw string) CurrencyCode {
	test.Helper()
	currency, err := NewCurrencyCode(raw)
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	return currency
}

func mustPeriod(test *testing.T, raw string) Period {
	test.Helper()
	period, err := NewPeriod(raw)
	if err != nil {
		test.Fatalf("period: %v", err)
	}
	return period
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock(1700000000), append([]ServiceOption{WithIDGenerator(sequentialIDs("entry"))}, options...)...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

// mustRegionalAccount creates an account already assigned (and locked) to the region.
func mustRegionalAccount(test *testing.T, store *memoryStore, user string, country string, currency string) Account {
	test.Helper()
	account, err := store.GetOrCreateAccount(context.Background(), mustUserID(test, user))
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	account.AssignedRegion = mustCountry(test, country)
	account.AssignedCurrency = mustCurrency(test, currency)
	account.LocationLocked = true
	store.setAccount(test, account)
	return account
}

func mustPost(test *testing.T, service *Service, request PostRequest) Entry {
	test.Helper()
	entry, err := service.Post(context.Background(), request)
	if err != nil {
		test.Fatalf("post: %v", err)
	}
	return entry
}
