package ledger

import (
	"context"
	"errors"
	"testing"
)

type conversionFixture struct {
	store      *memoryStore
	service    *Service
	accountant *PoolAccountant
	engine     *ConversionEngine
	country    CountryCode
	period     Period
}

func newConversionFixture(test *testing.T, country string, currency string, period string) conversionFixture {
	test.Helper()
	store := newMemoryStore(test)
	ids := WithIDGenerator(sequentialIDs("id"))
	engine, err := NewConversionEngine(store, fixedClock(1738368000), ids)
	if err != nil {
		test.Fatalf("engine init failed: %v", err)
	}
	fixture := conversionFixture{
		store:      store,
		service:    mustNewService(test, store, ids),
		accountant: mustPoolAccountant(test, store),
		engine:     engine,
		country:    mustCountry(test, country),
		period:     mustPeriod(test, period),
	}
	mustInitializedPool(test, fixture.accountant, country, currency, fixture.period)
	return fixture
}

func (fixture conversionFixture) postRevenue(test *testing.T, times int, revenue MinorUnits) {
	test.Helper()
	for index := 0; index < times; index++ {
		if _, err := fixture.accountant.PostRevenue(context.Background(), fixture.country, fixture.period, revenue); err != nil {
			test.Fatalf("post revenue: %v", err)
		}
	}
}

func (fixture conversionFixture) award(test *testing.T, account Account, points Points, key string) {
	test.Helper()
	mustPost(test, fixture.service, PostRequest{
		AccountID:      account.AccountID,
		Kind:           EntryAward,
		PointsDelta:    points,
		IdempotencyKey: mustIdempotencyKey(test, key),
	})
}

func (fixture conversionFixture) account(test *testing.T, accountID AccountID) Account {
	test.Helper()
	account, err := fixture.store.GetAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	return account
}

func TestCloseOutExampleScenario(test *testing.T) {
	test.Parallel()
	fixture := newConversionFixture(test, "US", "USD", "2025-01")
	fixture.postRevenue(test, 10, 1000)
	accountA := mustRegionalAccount(test, fixture.store, "user-a", "US", "USD")
	accountB := mustRegionalAccount(test, fixture.store, "user-b", "US", "USD")
	fixture.award(test, accountA, 400, "award-a")
	fixture.award(test, accountB, 600, "award-b")

	batch, err := fixture.engine.CloseOut(context.Background(), fixture.country, fixture.period)
	if err != nil {
		test.Fatalf("close out: %v", err)
	}
	if batch.Status != BatchCompleted || batch.Rate.String() != "8.500000000000" {
		test.Fatalf("unexpected batch: %+v (rate %s)", batch, batch.Rate.String())
	}
	if batch.UsersAffected != 2 || batch.TotalPointsConverted != 1000 || batch.DistributedMinorUnits != 8500 || batch.RemainderMinorUnits != 0 {
		test.Fatalf("unexpected totals: %+v", batch)
	}
	if cash := fixture.account(test, accountA.AccountID).CashBalance; cash != 3400 {
		test.Fatalf("expected account A cash 3400, got %d", cash)
	}
	if cash := fixture.account(test, accountB.AccountID).CashBalance; cash != 5100 {
		test.Fatalf("expected account B cash 5100, got %d", cash)
	}
	for _, accountID := range []AccountID{accountA.AccountID, accountB.AccountID} {
		if pending := fixture.account(test, accountID).PendingPoints; pending != 0 {
			test.Fatalf("expected no pending points, got %d", pending)
		}
		if _, err := fixture.service.VerifyAccount(context.Background(), accountID); err != nil {
			test.Fatalf("verify: %v", err)
		}
	}
}

func TestCloseOutIsIdempotent(test *testing.T) {
	test.Parallel()
	fixture := newConversionFixture(test, "US", "USD", "2025-01")
	fixture.postRevenue(test, 10, 1000)
	account := mustRegionalAccount(test, fixture.store, "user-a", "US", "USD")
	fixture.award(test, account, 400, "award-a")

	first, err := fixture.engine.CloseOut(context.Background(), fixture.country, fixture.period)
	if err != nil {
		test.Fatalf("first close out: %v", err)
	}
	entriesAfterFirst := fixture.store.entryCount()
	balanceAfterFirst := fixture.account(test, account.AccountID)

	second, err := fixture.engine.CloseOut(context.Background(), fixture.country, fixture.period)
	if err != nil {
		test.Fatalf("second close out: %v", err)
	}
	if second != first {
		test.Fatalf("expected identical batch, got %+v vs %+v", second, first)
	}
	if fixture.store.entryCount() != entriesAfterFirst {
		test.Fatalf("second close out wrote entries")
	}
	if fixture.account(test, account.AccountID) != balanceAfterFirst {
		test.Fatalf("second close out changed balances")
	}
}

func TestCloseOutResumesPartialBatchWithoutDoubleCredit(test *testing.T) {
	test.Parallel()
	fixture := newConversionFixture(test, "US", "USD", "2025-01")
	fixture.postRevenue(test, 10, 1000)
	accountA := mustRegionalAccount(test, fixture.store, "user-a", "US", "USD")
	accountB := mustRegionalAccount(test, fixture.store, "user-b", "US", "USD")
	fixture.award(test, accountA, 400, "award-a")
	fixture.award(test, accountB, 600, "award-b")

	batch, err := fixture.engine.openBatch(context.Background(), fixture.country, fixture.period)
	if err != nil {
		test.Fatalf("open batch: %v", err)
	}
	items, err := fixture.store.ListBatchItems(context.Background(), batch.BatchID)
	if err != nil {
		test.Fatalf("items: %v", err)
	}
	if _, err := fixture.engine.convertItem(context.Background(), batch, items[0]); err != nil {
		test.Fatalf("convert first item: %v", err)
	}
	// Simulates a crash after the entry committed but before the item was marked.
	if _, err := fixture.engine.convertItem(context.Background(), batch, items[0]); err != nil {
		test.Fatalf("reconvert first item: %v", err)
	}

	completed, err := fixture.engine.CloseOut(context.Background(), fixture.country, fixture.period)
	if err != nil {
		test.Fatalf("resume close out: %v", err)
	}
	if completed.BatchID != batch.BatchID || completed.DistributedMinorUnits != 8500 {
		test.Fatalf("unexpected resumed batch: %+v", completed)
	}
	if cash := fixture.account(test, accountA.AccountID).CashBalance + fixture.account(test, accountB.AccountID).CashBalance; cash != 8500 {
		test.Fatalf("expected 8500 distributed, got %d", cash)
	}
}

func TestCloseOutKeepsPointsEarnedAfterSnapshot(test *testing.T) {
	test.Parallel()
	fixture := newConversionFixture(test, "US", "USD", "2025-01")
	fixture.postRevenue(test, 10, 1000)
	account := mustRegionalAccount(test, fixture.store, "user-a", "US", "USD")
	fixture.award(test, account, 400, "award-a")

	if _, err := fixture.engine.openBatch(context.Background(), fixture.country, fixture.period); err != nil {
		test.Fatalf("open batch: %v", err)
	}
	fixture.award(test, account, 25, "award-late")

	batch, err := fixture.engine.CloseOut(context.Background(), fixture.country, fixture.period)
	if err != nil {
		test.Fatalf("close out: %v", err)
	}
	stored := fixture.account(test, account.AccountID)
	if stored.PendingPoints != 25 || stored.CashBalance != 8500 || batch.TotalPointsConverted != 400 {
		test.Fatalf("unexpected result: %+v %+v", stored, batch)
	}
}

func TestCloseOutRecordsFloorRemainderWithoutTouchingPool(test *testing.T) {
	test.Parallel()
	fixture := newConversionFixture(test, "DE", "EUR", "2025-02")
	fixture.postRevenue(test, 1, 12)
	for _, user := range []string{"user-a", "user-b", "user-c"} {
		account := mustRegionalAccount(test, fixture.store, user, "DE", "EUR")
		fixture.award(test, account, 1, "award-"+user)
	}

	batch, err := fixture.engine.CloseOut(context.Background(), fixture.country, fixture.period)
	if err != nil {
		test.Fatalf("close out: %v", err)
	}
	// 12 revenue → platform 2, user 10; 10/3 per point floors to 3.
	if batch.DistributedMinorUnits != 9 || batch.RemainderMinorUnits != 1 || batch.UserShare != 10 {
		test.Fatalf("unexpected batch: %+v", batch)
	}
	pool, err := fixture.accountant.Pool(context.Background(), fixture.country, fixture.period)
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	if pool.UserShare != 10 || !pool.Closed || !pool.Conserved() {
		test.Fatalf("pool mutated by close out: %+v", pool)
	}
	if _, err := fixture.accountant.PostRevenue(context.Background(), fixture.country, fixture.period, 5); !errors.Is(err, ErrPoolClosed) {
		test.Fatalf("expected ErrPoolClosed after close out, got %v", err)
	}
}

func TestCloseOutWithNoPendingPointsCompletesWithZeroEffect(test *testing.T) {
	test.Parallel()
	fixture := newConversionFixture(test, "GB", "GBP", "2025-01")
	fixture.postRevenue(test, 2, 500)

	batch, err := fixture.engine.CloseOut(context.Background(), fixture.country, fixture.period)
	if err != nil {
		test.Fatalf("close out: %v", err)
	}
	if batch.Status != BatchCompleted || batch.UsersAffected != 0 || !batch.Rate.IsZero() || batch.RemainderMinorUnits != batch.UserShare {
		test.Fatalf("unexpected empty batch: %+v", batch)
	}
	if fixture.store.entryCount() != 0 {
		test.Fatalf("expected no entries")
	}
}

func TestCloseOutUnknownPool(test *testing.T) {
	test.Parallel()
	fixture := newConversionFixture(test, "US", "USD", "2025-01")
	if _, err := fixture.engine.CloseOut(context.Background(), mustCountry(test, "FR"), fixture.period); !errors.Is(err, ErrUnknownPool) {
		test.Fatalf("expected ErrUnknownPool, got %v", err)
	}
}
