package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/regions"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	januaryUnixUTC  int64 = 1736035200 // 2025-01-05T00:00:00Z
	februaryUnixUTC int64 = 1738368900 // 2025-02-01T00:15:00Z
)

type flakySink struct {
	mutex    sync.Mutex
	failures int
	calls    int
}

func (sink *flakySink) Dispatch(context.Context, ledger.PayoutInstruction) error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.calls++
	if sink.failures > 0 {
		sink.failures--
		return errors.New("processor unavailable")
	}
	return nil
}

func (sink *flakySink) callCount() int {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	return sink.calls
}

type fixture struct {
	clock       *atomic.Int64
	runner      *Runner
	ledger      *ledger.Service
	accountant  *ledger.PoolAccountant
	withdrawals *ledger.WithdrawalProcessor
	catalog     *regions.Catalog
	sink        *flakySink
}

func newFixture(test *testing.T, sinkFailures int) fixture {
	test.Helper()
	ctx := context.Background()
	db, cleanup, driver, err := gormstore.Open(ctx, filepath.Join(test.TempDir(), "scheduler.db"))
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	test.Cleanup(func() { _ = cleanup() })
	if err := gormstore.Migrate(ctx, db, driver); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	clock := &atomic.Int64{}
	clock.Store(januaryUnixUTC)
	now := clock.Load

	catalog, err := regions.NewCatalog(regions.DefaultDefinitions(), "NG")
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	service, err := ledger.NewService(store, now)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	accountant, err := ledger.NewPoolAccountant(store, now, ledger.DefaultPlatformBasisPoints)
	if err != nil {
		test.Fatalf("accountant: %v", err)
	}
	engine, err := ledger.NewConversionEngine(store, now)
	if err != nil {
		test.Fatalf("engine: %v", err)
	}
	sink := &flakySink{failures: sinkFailures}
	withdrawals, err := ledger.NewWithdrawalProcessor(store, now, sink, catalog)
	if err != nil {
		test.Fatalf("withdrawals: %v", err)
	}
	runner, err := NewRunner(catalog, accountant, engine, withdrawals, RunnerConfig{}, now, zap.NewNop())
	if err != nil {
		test.Fatalf("runner: %v", err)
	}
	return fixture{
		clock:       clock,
		runner:      runner,
		ledger:      service,
		accountant:  accountant,
		withdrawals: withdrawals,
		catalog:     catalog,
		sink:        sink,
	}
}

func mustCountry(test *testing.T, raw string) ledger.CountryCode {
	test.Helper()
	country, err := ledger.NewCountryCode(raw)
	if err != nil {
		test.Fatalf("country: %v", err)
	}
	return country
}

func mustUSAccount(test *testing.T, fixture fixture, user string) ledger.Account {
	test.Helper()
	ctx := context.Background()
	userID, err := ledger.NewUserID(user)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	account, err := fixture.ledger.Account(ctx, userID)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	region, found := fixture.catalog.Lookup(mustCountry(test, "US"))
	if !found {
		test.Fatalf("US missing from catalog")
	}
	account, err = fixture.ledger.AssignRegion(ctx, account.AccountID, region.Country, region.Currency, true)
	if err != nil {
		test.Fatalf("assign region: %v", err)
	}
	return account
}

func TestRollOverOpensCurrentAndClosesPrevious(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 0)
	ctx := context.Background()
	january := ledger.PeriodOf(januaryUnixUTC)
	if _, err := fixture.runner.OpenPeriod(ctx, january); err != nil {
		test.Fatalf("open january: %v", err)
	}
	account := mustUSAccount(test, fixture, "user-1")
	impressionID, err := ledger.NewReferenceID("imp-1")
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	if _, _, err := fixture.accountant.PostImpression(ctx, ledger.ImpressionPosting{
		AccountID: account.AccountID, Country: account.AssignedRegion, Period: january,
		Revenue: 1000, Points: 10, ImpressionID: impressionID,
	}); err != nil {
		test.Fatalf("post impression: %v", err)
	}

	fixture.clock.Store(februaryUnixUTC)
	if err := fixture.runner.RollOver(ctx); err != nil {
		test.Fatalf("roll over: %v", err)
	}
	february, err := fixture.accountant.ListPools(ctx, ledger.PeriodOf(februaryUnixUTC))
	if err != nil {
		test.Fatalf("list february: %v", err)
	}
	if len(february) != len(fixture.catalog.Regions()) {
		test.Fatalf("expected %d february pools, got %d", len(fixture.catalog.Regions()), len(february))
	}
	closed, err := fixture.accountant.ListPools(ctx, january)
	if err != nil {
		test.Fatalf("list january: %v", err)
	}
	for _, pool := range closed {
		if !pool.Closed {
			test.Fatalf("expected january pool %s closed", pool.Country.String())
		}
	}
	balance, err := fixture.ledger.Balance(ctx, account.UserID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.PendingPoints != 0 || balance.CashBalance != 850 {
		test.Fatalf("expected 850 converted, got %+v", balance)
	}

	if err := fixture.runner.RollOver(ctx); err != nil {
		test.Fatalf("second roll over must be idempotent: %v", err)
	}
	again, err := fixture.ledger.Balance(ctx, account.UserID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if again.CashBalance != 850 {
		test.Fatalf("second roll over converted again: %+v", again)
	}
}

func TestReconcileRedispatchesStaleWithdrawals(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 1)
	ctx := context.Background()
	account := mustUSAccount(test, fixture, "user-1")
	creditKey, err := ledger.NewIdempotencyKey("credit-1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	if _, err := fixture.ledger.Post(ctx, ledger.PostRequest{
		AccountID: account.AccountID, Kind: ledger.EntryAdjustment, CashDelta: 1000, IdempotencyKey: creditKey,
	}); err != nil {
		test.Fatalf("credit: %v", err)
	}
	withdrawKey, err := ledger.NewIdempotencyKey("w-1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	withdrawal, err := fixture.withdrawals.Request(ctx, ledger.WithdrawalInput{
		UserID: account.UserID, Amount: 600, Destination: "acct_1", IdempotencyKey: withdrawKey,
	})
	if err != nil {
		test.Fatalf("withdraw: %v", err)
	}
	if withdrawal.Status != ledger.WithdrawalProcessing || fixture.sink.callCount() != 1 {
		test.Fatalf("expected a failed first dispatch, got %+v", withdrawal)
	}

	redispatched, err := fixture.runner.Reconcile(ctx)
	if err != nil || redispatched != 0 {
		test.Fatalf("fresh withdrawal must not be redispatched: %d, %v", redispatched, err)
	}
	fixture.clock.Add(int64(defaultStaleAfter.Seconds()) + 1)
	redispatched, err = fixture.runner.Reconcile(ctx)
	if err != nil || redispatched != 1 || fixture.sink.callCount() != 2 {
		test.Fatalf("expected one redispatch, got %d, %v (calls %d)", redispatched, err, fixture.sink.callCount())
	}
}

func TestNewSchedulerValidatesExpressions(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 0)
	if _, err := New(fixture.runner, Schedules{RollOver: "not a schedule"}, zap.NewNop()); err == nil {
		test.Fatalf("expected parse error")
	}
	scheduler, err := New(fixture.runner, Schedules{}, zap.NewNop())
	if err != nil {
		test.Fatalf("scheduler: %v", err)
	}
	if len(scheduler.cron.Entries()) != 2 {
		test.Fatalf("expected 2 jobs, got %d", len(scheduler.cron.Entries()))
	}
	scheduler.Start()
	stopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Stop(stopCtx)
	if _, err := New(nil, Schedules{}, nil); !errors.Is(err, ErrInvalidRunner) {
		test.Fatalf("expected ErrInvalidRunner, got %v", err)
	}
}

type stubLock struct {
	mutex    sync.Mutex
	grant    bool
	err      error
	asked    []string
	released int
}

func (lock *stubLock) TryLock(_ context.Context, name string) (func(), bool, error) {
	lock.mutex.Lock()
	defer lock.mutex.Unlock()
	lock.asked = append(lock.asked, name)
	if lock.err != nil || !lock.grant {
		return nil, false, lock.err
	}
	return func() {
		lock.mutex.Lock()
		defer lock.mutex.Unlock()
		lock.released++
	}, true, nil
}

func TestJobsRunOnlyUnderLock(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	testCases := []struct {
		name      string
		lock      *stubLock
		wantPools bool
	}{
		{name: "held elsewhere", lock: &stubLock{grant: false}, wantPools: false},
		{name: "lock error", lock: &stubLock{err: errors.New("connection reset")}, wantPools: false},
		{name: "acquired", lock: &stubLock{grant: true}, wantPools: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newFixture(test, 0)
			scheduler, err := New(fixture.runner, Schedules{}, zap.NewNop(), WithJobLock(testCase.lock))
			if err != nil {
				test.Fatalf("scheduler: %v", err)
			}
			scheduler.rollOver()
			pools, err := fixture.accountant.ListPools(ctx, ledger.PeriodOf(januaryUnixUTC))
			if err != nil {
				test.Fatalf("list pools: %v", err)
			}
			if (len(pools) > 0) != testCase.wantPools {
				test.Fatalf("expected pools=%v, got %d", testCase.wantPools, len(pools))
			}
			if len(testCase.lock.asked) != 1 || testCase.lock.asked[0] != JobRollOver {
				test.Fatalf("unexpected lock requests %v", testCase.lock.asked)
			}
			wantReleased := 0
			if testCase.lock.grant {
				wantReleased = 1
			}
			if testCase.lock.released != wantReleased {
				test.Fatalf("expected %d releases, got %d", wantReleased, testCase.lock.released)
			}
		})
	}
}
