package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// BatchStatus tracks a conversion batch through close-out.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchCompleted BatchStatus = "completed"
)

// ParseBatchStatus validates a stored batch status.
func ParseBatchStatus(raw string) (BatchStatus, error) {
	switch BatchStatus(strings.TrimSpace(raw)) {
	case BatchPending:
		return BatchPending, nil
	case BatchCompleted:
		return BatchCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBatchStatus, raw)
	}
}

// ConversionBatch is the single close-out of one (country, period).
// RemainderMinorUnits is the floor remainder left in the pool; it is reported, never redistributed.
type ConversionBatch struct {
	BatchID               ReferenceID
	Country               CountryCode
	Period                Period
	Currency              CurrencyCode
	Rate                  ConversionRate
	UserShare             MinorUnits
	UsersAffected         int64
	TotalPointsConverted  Points
	DistributedMinorUnits MinorUnits
	RemainderMinorUnits   MinorUnits
	Status                BatchStatus
	CreatedUnixUTC        int64
	ProcessedUnixUTC      int64
}

// ConversionItem is one account's share of a batch, snapshotted when the batch opened.
type ConversionItem struct {
	BatchID         ReferenceID
	AccountID       AccountID
	SnapshotPoints  Points
	ConvertedPoints Points
	CashDelta       MinorUnits
	Converted       bool
}

// ConversionEngine turns pending points into cash at period close.
type ConversionEngine struct {
	core
}

// NewConversionEngine wires a ConversionEngine.
func NewConversionEngine(store Store, now func() int64, options ...ServiceOption) (*ConversionEngine, error) {
	shared, err := newCore(store, now, options)
	if err != nil {
		return nil, err
	}
	return &ConversionEngine{core: shared}, nil
}

// Batch returns the batch for (country, period).
func (engine *ConversionEngine) Batch(ctx context.Context, country CountryCode, period Period) (ConversionBatch, error) {
	return engine.store.GetBatch(ctx, country, period)
}

// CloseOut converts every pending balance in the region at the pool's rate.
// Calling it again after completion returns the completed batch unchanged; a pending batch is resumed.
func (engine *ConversionEngine) CloseOut(ctx context.Context, country CountryCode, period Period) (ConversionBatch, error) {
	batch, err := engine.openBatch(ctx, country, period)
	if errors.Is(err, ErrBatchAlreadyProcessed) {
		return batch, nil
	}
	if err == nil {
		batch, err = engine.processBatch(ctx, batch)
	}
	engine.logOperation(ctx, OperationLog{
		Operation:   operationCloseOut,
		Country:     country,
		Period:      period,
		ReferenceID: batch.BatchID,
		PointsDelta: batch.TotalPointsConverted,
		CashDelta:   batch.DistributedMinorUnits,
		Error:       err,
	})
	if err != nil {
		return ConversionBatch{}, err
	}
	return batch, nil
}

// openBatch returns the existing batch or snapshots a new one, closing the pool in the same transaction.
func (engine *ConversionEngine) openBatch(ctx context.Context, country CountryCode, period Period) (ConversionBatch, error) {
	var batch ConversionBatch
	err := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetBatch(ctx, country, period)
		if err == nil {
			batch = existing
			if existing.Status == BatchCompleted {
				return ErrBatchAlreadyProcessed
			}
			return nil
		}
		if !errors.Is(err, ErrUnknownBatch) {
			return err
		}
		pool, err := transactionStore.LockPool(ctx, country, period)
		if err != nil {
			return err
		}
		accounts, err := transactionStore.ListPendingAccounts(ctx, country)
		if err != nil {
			return err
		}
		batchID, err := NewReferenceID(engine.newID())
		if err != nil {
			return err
		}
		nowUnixUTC := engine.nowFn()
		items := make([]ConversionItem, 0, len(accounts))
		var totalPoints Points
		for _, account := range accounts {
			if account.PendingPoints <= 0 {
				continue
			}
			totalPoints += account.PendingPoints
			items = append(items, ConversionItem{
				BatchID:        batchID,
				AccountID:      account.AccountID,
				SnapshotPoints: account.PendingPoints,
			})
		}
		batch = ConversionBatch{
			BatchID:        batchID,
			Country:        country,
			Period:         period,
			Currency:       pool.Currency,
			UserShare:      pool.UserShare,
			Status:         BatchPending,
			CreatedUnixUTC: nowUnixUTC,
		}
		if totalPoints > 0 {
			rate, err := NewConversionRate(pool.UserShare, totalPoints)
			if err != nil {
				return err
			}
			batch.Rate = rate
		} else {
			batch.Status = BatchCompleted
			batch.ProcessedUnixUTC = nowUnixUTC
			batch.RemainderMinorUnits = pool.UserShare
		}
		pool.Closed = true
		pool.LastUpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.SavePool(ctx, pool); err != nil {
			return err
		}
		return transactionStore.CreateBatch(ctx, batch, items)
	})
	if errors.Is(err, ErrBatchExists) {
		// Another worker opened the batch between our read and insert; resume theirs.
		existing, getErr := engine.store.GetBatch(ctx, country, period)
		if getErr != nil {
			return ConversionBatch{}, getErr
		}
		if existing.Status == BatchCompleted {
			return existing, ErrBatchAlreadyProcessed
		}
		return existing, nil
	}
	return batch, err
}

func (engine *ConversionEngine) processBatch(ctx context.Context, batch ConversionBatch) (ConversionBatch, error) {
	if batch.Status == BatchCompleted {
		return batch, nil
	}
	items, err := engine.store.ListBatchItems(ctx, batch.BatchID)
	if err != nil {
		return batch, err
	}
	for index := range items {
		if items[index].Converted {
			continue
		}
		converted, err := engine.convertItem(ctx, batch, items[index])
		if err != nil {
			return batch, err
		}
		items[index] = converted
	}
	var completed ConversionBatch
	err = engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetBatch(ctx, batch.Country, batch.Period)
		if err != nil {
			return err
		}
		if current.Status == BatchCompleted {
			completed = current
			return nil
		}
		current.UsersAffected = 0
		current.TotalPointsConverted = 0
		current.DistributedMinorUnits = 0
		for _, item := range items {
			if item.ConvertedPoints > 0 {
				current.UsersAffected++
			}
			current.TotalPointsConverted += item.ConvertedPoints
			current.DistributedMinorUnits += item.CashDelta
		}
		if current.DistributedMinorUnits > current.UserShare {
			return WrapError(errorOperationService, errorSubjectBatch, errorCodeDistribution, ErrLedgerInvariantViolation)
		}
		current.RemainderMinorUnits = current.UserShare - current.DistributedMinorUnits
		current.Status = BatchCompleted
		current.ProcessedUnixUTC = engine.nowFn()
		if err := transactionStore.SaveBatch(ctx, current); err != nil {
			return err
		}
		completed = current
		return nil
	})
	if err != nil {
		return batch, err
	}
	return completed, nil
}

// convertItem moves one account's snapshotted points to cash. The (account, batch) idempotency key makes retries safe.
func (engine *ConversionEngine) convertItem(ctx context.Context, batch ConversionBatch, item ConversionItem) (ConversionItem, error) {
	conversionKey, err := deriveIdempotencyKey(idempotencyPrefixConvert, batch.BatchID.String())
	if err != nil {
		return item, err
	}
	var converted ConversionItem
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.FindEntryByIdempotencyKey(ctx, item.AccountID, conversionKey)
		switch {
		case err == nil:
			converted = item
			converted.ConvertedPoints = -existing.PointsDelta
			converted.CashDelta = existing.CashDelta
			converted.Converted = true
			return transactionStore.SaveBatchItem(ctx, converted)
		case !errors.Is(err, ErrUnknownEntry):
			return err
		}
		account, err := transactionStore.LockAccount(ctx, item.AccountID)
		if err != nil {
			return err
		}
		points := item.SnapshotPoints
		if account.PendingPoints < points {
			points = account.PendingPoints
		}
		converted = item
		converted.Converted = true
		if points <= 0 {
			converted.ConvertedPoints = 0
			converted.CashDelta = 0
			return transactionStore.SaveBatchItem(ctx, converted)
		}
		cash := batch.Rate.Apply(points)
		converted.ConvertedPoints = points
		converted.CashDelta = cash
		if _, err := engine.postInTx(ctx, transactionStore, PostRequest{
			AccountID:      item.AccountID,
			Kind:           EntryConversion,
			PointsDelta:    -points,
			CashDelta:      cash,
			ReferenceID:    batch.BatchID,
			IdempotencyKey: conversionKey,
			Metadata: metadataFromMap(map[string]string{
				"country": batch.Country.String(),
				"period":  batch.Period.String(),
				"rate":    batch.Rate.String(),
			}),
		}, nil); err != nil {
			return err
		}
		return transactionStore.SaveBatchItem(ctx, converted)
	})
	engine.logOperation(ctx, OperationLog{
		Operation:      operationConvertAccount,
		AccountID:      item.AccountID,
		Country:        batch.Country,
		Period:         batch.Period,
		ReferenceID:    batch.BatchID,
		PointsDelta:    -converted.ConvertedPoints,
		CashDelta:      converted.CashDelta,
		IdempotencyKey: conversionKey,
		Error:          operationError,
	})
	if operationError != nil {
		return item, operationError
	}
	return converted, nil
}
