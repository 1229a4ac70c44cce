package grpcserver

import "github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"

// CloseOutRequest converts one region's pool, or every pool of the period when Country is empty.
type CloseOutRequest struct {
	Period  string `json:"period"`
	Country string `json:"country,omitempty"`
}

type CloseOutResponse struct {
	Batches []Batch `json:"batches"`
}

type OpenPeriodRequest struct {
	Period string `json:"period"`
}

type ListPoolsRequest struct {
	Period string `json:"period"`
}

type PoolsResponse struct {
	Pools []Pool `json:"pools"`
}

type DeactivatePoolRequest struct {
	Country string `json:"country"`
	Period  string `json:"period"`
}

// OverrideRegionRequest moves a user to another region; the currency follows the catalog.
type OverrideRegionRequest struct {
	UserID         string `json:"user_id"`
	Country        string `json:"country"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

type OverrideRegionResponse struct {
	EntryID      string `json:"entry_id"`
	CountryCode  string `json:"country_code"`
	CurrencyCode string `json:"currency_code"`
}

type ReconcileRequest struct{}

type ReconcileResponse struct {
	Redispatched int `json:"redispatched"`
}

type Empty struct{}

// Batch summarizes a conversion batch.
type Batch struct {
	BatchID              string `json:"batch_id"`
	Country              string `json:"country"`
	Period               string `json:"period"`
	Currency             string `json:"currency"`
	Rate                 string `json:"rate"`
	UserShare            int64  `json:"user_share_minor_units"`
	Status               string `json:"status"`
	UsersAffected        int64  `json:"users_affected"`
	TotalPointsConverted int64  `json:"total_points_converted"`
	Distributed          int64  `json:"distributed_minor_units"`
	Remainder            int64  `json:"remainder_minor_units"`
	ProcessedUnixUTC     int64  `json:"processed_unix_utc"`
}

// Pool summarizes a region pool.
type Pool struct {
	Country          string `json:"country"`
	Period           string `json:"period"`
	Currency         string `json:"currency"`
	TotalRevenue     int64  `json:"total_revenue_minor_units"`
	UserShare        int64  `json:"user_share_minor_units"`
	PlatformShare    int64  `json:"platform_share_minor_units"`
	TotalImpressions int64  `json:"total_impressions"`
	ExchangeRate     string `json:"exchange_rate"`
	Active           bool   `json:"active"`
	Closed           bool   `json:"closed"`
}

func newBatch(batch ledger.ConversionBatch) Batch {
	return Batch{
		BatchID:              batch.BatchID.String(),
		Country:              batch.Country.String(),
		Period:               batch.Period.String(),
		Currency:             batch.Currency.String(),
		Rate:                 batch.Rate.String(),
		UserShare:            batch.UserShare.Int64(),
		Status:               string(batch.Status),
		UsersAffected:        batch.UsersAffected,
		TotalPointsConverted: batch.TotalPointsConverted.Int64(),
		Distributed:          batch.DistributedMinorUnits.Int64(),
		Remainder:            batch.RemainderMinorUnits.Int64(),
		ProcessedUnixUTC:     batch.ProcessedUnixUTC,
	}
}

func newPool(pool ledger.RegionPool) Pool {
	return Pool{
		Country:          pool.Country.String(),
		Period:           pool.Period.String(),
		Currency:         pool.Currency.String(),
		TotalRevenue:     pool.TotalRevenue.Int64(),
		UserShare:        pool.UserShare.Int64(),
		PlatformShare:    pool.PlatformShare.Int64(),
		TotalImpressions: pool.TotalImpressions,
		ExchangeRate:     pool.ExchangeRateToReference.String(),
		Active:           pool.Active,
		Closed:           pool.Closed,
	}
}
