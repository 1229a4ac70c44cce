package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

func (store *Store) UpsertPool(ctx context.Context, pool ledger.RegionPool) (ledger.RegionPool, error) {
	row := poolRow(pool)
	updates := clause.AssignmentColumns([]string{"currency_code", "exchange_rate_to_reference", "last_updated_at"})
	updates = append(updates, clause.Assignment{Column: clause.Column{Name: "active"}, Value: true})
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "country_code"}, {Name: "period"}},
			DoUpdates: updates,
		}).
		Create(&row).Error
	if err != nil {
		return ledger.RegionPool{}, wrapStoreError(errorSubjectPool, errorCodeUpsert, err)
	}
	return store.findPool(store.db.WithContext(ctx), pool.Country, pool.Period, errorCodeUpsert)
}

func (store *Store) GetPool(ctx context.Context, country ledger.CountryCode, period ledger.Period) (ledger.RegionPool, error) {
	return store.findPool(store.db.WithContext(ctx), country, period, errorCodeGet)
}

func (store *Store) LockPool(ctx context.Context, country ledger.CountryCode, period ledger.Period) (ledger.RegionPool, error) {
	return store.findPool(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), country, period, errorCodeLock)
}

func (store *Store) findPool(query *gorm.DB, country ledger.CountryCode, period ledger.Period, code string) (ledger.RegionPool, error) {
	var row RegionPool
	err := query.Where("country_code = ? AND period = ?", country.String(), period.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.RegionPool{}, wrapStoreError(errorSubjectPool, code, ledger.ErrUnknownPool)
	}
	if err != nil {
		return ledger.RegionPool{}, wrapStoreError(errorSubjectPool, code, err)
	}
	return mapPool(row)
}

func (store *Store) SavePool(ctx context.Context, pool ledger.RegionPool) error {
	row := poolRow(pool)
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeSave, err)
	}
	return nil
}

func (store *Store) ListPools(ctx context.Context, period ledger.Period) ([]ledger.RegionPool, error) {
	var rows []RegionPool
	err := store.db.WithContext(ctx).Where("period = ?", period.String()).Order("country_code ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	pools := make([]ledger.RegionPool, 0, len(rows))
	for _, row := range rows {
		pool, err := mapPool(row)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func (store *Store) GetBatch(ctx context.Context, country ledger.CountryCode, period ledger.Period) (ledger.ConversionBatch, error) {
	var row ConversionBatch
	err := store.db.WithContext(ctx).
		Where("country_code = ? AND period = ?", country.String(), period.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ConversionBatch{}, wrapStoreError(errorSubjectBatch, errorCodeGet, ledger.ErrUnknownBatch)
	}
	if err != nil {
		return ledger.ConversionBatch{}, wrapStoreError(errorSubjectBatch, errorCodeGet, err)
	}
	return mapBatch(row)
}

func (store *Store) CreateBatch(ctx context.Context, batch ledger.ConversionBatch, items []ledger.ConversionItem) error {
	row := batchRow(batch)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintBatchRegionPeriod, constraintBatchPrimary) {
		return wrapStoreError(errorSubjectBatch, errorCodeDuplicate, ledger.ErrBatchExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeCreate, err)
	}
	if len(items) == 0 {
		return nil
	}
	rows := make([]ConversionItem, 0, len(items))
	for _, item := range items {
		rows = append(rows, itemRow(item))
	}
	if err := store.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) SaveBatch(ctx context.Context, batch ledger.ConversionBatch) error {
	row := batchRow(batch)
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeSave, err)
	}
	return nil
}

func (store *Store) ListBatchItems(ctx context.Context, batchID ledger.ReferenceID) ([]ledger.ConversionItem, error) {
	var rows []ConversionItem
	err := store.db.WithContext(ctx).Where("batch_id = ?", batchID.String()).Order("account_id ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	items := make([]ledger.ConversionItem, 0, len(rows))
	for _, row := range rows {
		item, err := mapItem(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (store *Store) SaveBatchItem(ctx context.Context, item ledger.ConversionItem) error {
	row := itemRow(item)
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeSave, err)
	}
	return nil
}

func poolRow(pool ledger.RegionPool) RegionPool {
	return RegionPool{
		CountryCode:             pool.Country.String(),
		Period:                  pool.Period.String(),
		CurrencyCode:            pool.Currency.String(),
		TotalRevenue:            pool.TotalRevenue.Int64(),
		UserShare:               pool.UserShare.Int64(),
		PlatformShare:           pool.PlatformShare.Int64(),
		TotalImpressions:        pool.TotalImpressions,
		AverageReward:           pool.AverageRewardPerImpression.Int64(),
		ExchangeRateToReference: pool.ExchangeRateToReference,
		Active:                  pool.Active,
		Closed:                  pool.Closed,
		ActivatedAt:             unixTime(pool.ActivatedUnixUTC),
		LastUpdatedAt:           unixTime(pool.LastUpdatedUnixUTC),
	}
}

func mapPool(row RegionPool) (ledger.RegionPool, error) {
	country, err := ledger.NewCountryCode(row.CountryCode)
	if err != nil {
		return ledger.RegionPool{}, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
	}
	period, err := ledger.NewPeriod(row.Period)
	if err != nil {
		return ledger.RegionPool{}, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
	}
	currency, err := ledger.NewCurrencyCode(row.CurrencyCode)
	if err != nil {
		return ledger.RegionPool{}, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
	}
	return ledger.RegionPool{
		Country:                    country,
		Period:                     period,
		Currency:                   currency,
		TotalRevenue:               ledger.MinorUnits(row.TotalRevenue),
		UserShare:                  ledger.MinorUnits(row.UserShare),
		PlatformShare:              ledger.MinorUnits(row.PlatformShare),
		TotalImpressions:           row.TotalImpressions,
		AverageRewardPerImpression: ledger.MinorUnits(row.AverageReward),
		ExchangeRateToReference:    row.ExchangeRateToReference,
		Active:                     row.Active,
		Closed:                     row.Closed,
		ActivatedUnixUTC:           row.ActivatedAt.Unix(),
		LastUpdatedUnixUTC:         row.LastUpdatedAt.Unix(),
	}, nil
}

func batchRow(batch ledger.ConversionBatch) ConversionBatch {
	row := ConversionBatch{
		BatchID:              batch.BatchID.String(),
		CountryCode:          batch.Country.String(),
		Period:               batch.Period.String(),
		CurrencyCode:         batch.Currency.String(),
		RateNumerator:        batch.Rate.Numerator().Int64(),
		RateDenominator:      batch.Rate.Denominator().Int64(),
		UserShare:            batch.UserShare.Int64(),
		UsersAffected:        batch.UsersAffected,
		TotalPointsConverted: batch.TotalPointsConverted.Int64(),
		Distributed:          batch.DistributedMinorUnits.Int64(),
		Remainder:            batch.RemainderMinorUnits.Int64(),
		Status:               string(batch.Status),
		CreatedAt:            unixTime(batch.CreatedUnixUTC),
		ProcessedAt:          optionalTime(batch.ProcessedUnixUTC),
	}
	if !batch.Rate.IsZero() {
		row.RateDisplay = batch.Rate.String()
	}
	return row
}

func mapBatch(row ConversionBatch) (ledger.ConversionBatch, error) {
	batchID, err := ledger.NewReferenceID(row.BatchID)
	if err != nil {
		return ledger.ConversionBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	country, err := ledger.NewCountryCode(row.CountryCode)
	if err != nil {
		return ledger.ConversionBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	period, err := ledger.NewPeriod(row.Period)
	if err != nil {
		return ledger.ConversionBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	currency, err := ledger.NewCurrencyCode(row.CurrencyCode)
	if err != nil {
		return ledger.ConversionBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	status, err := ledger.ParseBatchStatus(row.Status)
	if err != nil {
		return ledger.ConversionBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	batch := ledger.ConversionBatch{
		BatchID:               batchID,
		Country:               country,
		Period:                period,
		Currency:              currency,
		UserShare:             ledger.MinorUnits(row.UserShare),
		UsersAffected:         row.UsersAffected,
		TotalPointsConverted:  ledger.Points(row.TotalPointsConverted),
		DistributedMinorUnits: ledger.MinorUnits(row.Distributed),
		RemainderMinorUnits:   ledger.MinorUnits(row.Remainder),
		Status:                status,
		CreatedUnixUTC:        row.CreatedAt.Unix(),
		ProcessedUnixUTC:      unixOrZero(row.ProcessedAt),
	}
	if row.RateDenominator > 0 {
		if batch.Rate, err = ledger.NewConversionRate(ledger.MinorUnits(row.RateNumerator), ledger.Points(row.RateDenominator)); err != nil {
			return ledger.ConversionBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
		}
	}
	return batch, nil
}

func itemRow(item ledger.ConversionItem) ConversionItem {
	return ConversionItem{
		BatchID:         item.BatchID.String(),
		AccountID:       item.AccountID.String(),
		SnapshotPoints:  item.SnapshotPoints.Int64(),
		ConvertedPoints: item.ConvertedPoints.Int64(),
		CashDelta:       item.CashDelta.Int64(),
		Converted:       item.Converted,
	}
}

func mapItem(row ConversionItem) (ledger.ConversionItem, error) {
	batchID, err := ledger.NewReferenceID(row.BatchID)
	if err != nil {
		return ledger.ConversionItem{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.ConversionItem{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	return ledger.ConversionItem{
		BatchID:         batchID,
		AccountID:       accountID,
		SnapshotPoints:  ledger.Points(row.SnapshotPoints),
		ConvertedPoints: ledger.Points(row.ConvertedPoints),
		CashDelta:       ledger.MinorUnits(row.CashDelta),
		Converted:       row.Converted,
	}, nil
}
