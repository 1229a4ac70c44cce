package ledger

import (
	"context"
	"errors"
	"fmt"
)

// DefaultPlatformBasisPoints is the platform's 15% share of every revenue post.
const DefaultPlatformBasisPoints int64 = 1500

// PoolAccountant posts attributed revenue into region pools.
type PoolAccountant struct {
	core
	platformBasisPoints int64
}

// NewPoolAccountant wires a PoolAccountant with the platform share in basis points.
func NewPoolAccountant(store Store, now func() int64, platformBasisPoints int64, options ...ServiceOption) (*PoolAccountant, error) {
	shared, err := newCore(store, now, options)
	if err != nil {
		return nil, err
	}
	if platformBasisPoints < 0 || platformBasisPoints > basisPointsDenominator {
		return nil, fmt.Errorf("%w: platform share %d outside [0, %d] basis points", ErrInvalidServiceConfig, platformBasisPoints, basisPointsDenominator)
	}
	return &PoolAccountant{core: shared, platformBasisPoints: platformBasisPoints}, nil
}

// InitializePools upserts an active pool for every definition in the period.
func (accountant *PoolAccountant) InitializePools(ctx context.Context, period Period, definitions []RegionDefinition) ([]RegionPool, error) {
	if period.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidPeriod)
	}
	pools := make([]RegionPool, 0, len(definitions))
	operationError := accountant.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := accountant.nowFn()
		for _, definition := range definitions {
			pool, err := transactionStore.UpsertPool(ctx, RegionPool{
				Country:                 definition.Country,
				Period:                  period,
				Currency:                definition.Currency,
				ExchangeRateToReference: definition.ExchangeRateToReference,
				Active:                  true,
				ActivatedUnixUTC:        nowUnixUTC,
				LastUpdatedUnixUTC:      nowUnixUTC,
			})
			if err != nil {
				return err
			}
			pools = append(pools, pool)
		}
		return nil
	})
	accountant.logOperation(ctx, OperationLog{
		Operation: operationInitializePools,
		Period:    period,
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return pools, nil
}

// Deactivate stops a pool from accepting revenue. Pools are never deleted.
func (accountant *PoolAccountant) Deactivate(ctx context.Context, country CountryCode, period Period) error {
	operationError := accountant.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		pool, err := transactionStore.LockPool(ctx, country, period)
		if err != nil {
			return err
		}
		if !pool.Active {
			return nil
		}
		pool.Active = false
		pool.LastUpdatedUnixUTC = accountant.nowFn()
		return transactionStore.SavePool(ctx, pool)
	})
	accountant.logOperation(ctx, OperationLog{
		Operation: operationDeactivatePool,
		Country:   country,
		Period:    period,
		Error:     operationError,
	})
	return operationError
}

// Pool returns one pool.
func (accountant *PoolAccountant) Pool(ctx context.Context, country CountryCode, period Period) (RegionPool, error) {
	return accountant.store.GetPool(ctx, country, period)
}

// ListPools returns every pool of a period.
func (accountant *PoolAccountant) ListPools(ctx context.Context, period Period) ([]RegionPool, error) {
	return accountant.store.ListPools(ctx, period)
}

// PostRevenue attributes one impression's revenue to the pool.
func (accountant *PoolAccountant) PostRevenue(ctx context.Context, country CountryCode, period Period, revenue MinorUnits) (RegionPool, error) {
	var pool RegionPool
	operationError := accountant.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		updated, err := accountant.postRevenueInTx(ctx, transactionStore, country, period, revenue)
		if err != nil {
			return err
		}
		pool = updated
		return nil
	})
	accountant.logOperation(ctx, OperationLog{
		Operation: operationPostRevenue,
		Country:   country,
		Period:    period,
		CashDelta: revenue,
		Error:     operationError,
	})
	if operationError != nil {
		return RegionPool{}, operationError
	}
	return pool, nil
}

func (accountant *PoolAccountant) postRevenueInTx(ctx context.Context, transactionStore Store, country CountryCode, period Period, revenue MinorUnits) (RegionPool, error) {
	if revenue < 0 {
		return RegionPool{}, fmt.Errorf("%w: revenue must not be negative", ErrInvalidAmount)
	}
	pool, err := transactionStore.LockPool(ctx, country, period)
	if err != nil {
		return RegionPool{}, err
	}
	if pool.Closed {
		return RegionPool{}, ErrPoolClosed
	}
	if !pool.Active {
		return RegionPool{}, ErrPoolInactive
	}
	updated := pool.withRevenue(revenue, accountant.platformBasisPoints, accountant.nowFn())
	if !updated.Conserved() {
		return RegionPool{}, WrapError(errorOperationService, errorSubjectPool, errorCodeSplit, ErrLedgerInvariantViolation)
	}
	if err := transactionStore.SavePool(ctx, updated); err != nil {
		return RegionPool{}, err
	}
	return updated, nil
}

// ImpressionPosting is one rewarded impression: pool revenue plus the user's point award.
type ImpressionPosting struct {
	AccountID    AccountID
	Country      CountryCode
	Period       Period
	Revenue      MinorUnits
	Points       Points
	ImpressionID ReferenceID
	Metadata     MetadataJSON
	// Assignment, when set, assigns Country to the account in the same transaction as the award.
	Assignment *RegionAssignment
}

// RegionAssignment carries the currency and confidence of a region resolved for an account.
type RegionAssignment struct {
	Currency  CurrencyCode
	Confident bool
}

// PostImpression posts revenue, applies the optional region assignment and awards points in one transaction.
// Replaying an impression id returns the original award without posting revenue again.
func (accountant *PoolAccountant) PostImpression(ctx context.Context, posting ImpressionPosting) (Entry, RegionPool, error) {
	var (
		entry Entry
		pool  RegionPool
	)
	awardKey, keyErr := deriveIdempotencyKey(idempotencyPrefixAward, posting.ImpressionID.String())
	operationError := keyErr
	if operationError == nil && posting.Points <= 0 {
		operationError = fmt.Errorf("%w: must be greater than zero", ErrInvalidPoints)
	}
	if operationError == nil {
		operationError = accountant.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			existing, err := transactionStore.FindEntryByIdempotencyKey(ctx, posting.AccountID, awardKey)
			if err == nil {
				entry = existing
				current, poolErr := transactionStore.GetPool(ctx, posting.Country, posting.Period)
				if poolErr != nil && !errors.Is(poolErr, ErrUnknownPool) {
					return poolErr
				}
				pool = current
				return nil
			}
			if !errors.Is(err, ErrUnknownEntry) {
				return err
			}
			updatedPool, err := accountant.postRevenueInTx(ctx, transactionStore, posting.Country, posting.Period, posting.Revenue)
			if err != nil {
				return err
			}
			var assign func(*Account) error
			if posting.Assignment != nil {
				assignment := *posting.Assignment
				assign = func(account *Account) error {
					_, err := applyRegion(account, posting.Country, assignment.Currency, assignment.Confident)
					return err
				}
			}
			posted, err := accountant.postInTx(ctx, transactionStore, PostRequest{
				AccountID:      posting.AccountID,
				Kind:           EntryAward,
				PointsDelta:    posting.Points,
				ReferenceID:    posting.ImpressionID,
				IdempotencyKey: awardKey,
				Metadata:       posting.Metadata,
			}, assign)
			if err != nil {
				return err
			}
			entry = posted
			pool = updatedPool
			return nil
		})
	}
	accountant.logOperation(ctx, OperationLog{
		Operation:      operationPostImpression,
		AccountID:      posting.AccountID,
		Country:        posting.Country,
		Period:         posting.Period,
		ReferenceID:    posting.ImpressionID,
		PointsDelta:    posting.Points,
		CashDelta:      posting.Revenue,
		IdempotencyKey: awardKey,
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, RegionPool{}, operationError
	}
	return entry, pool, nil
}
