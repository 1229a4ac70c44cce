package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const periodLayout = "2006-01"

// CountryCode is an ISO 3166-1 alpha-2 country code.
type CountryCode struct {
	value string
}

// NewCountryCode validates and upper-cases a country code.
func NewCountryCode(raw string) (CountryCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != 2 || !isASCIIUpper(normalized) {
		return CountryCode{}, fmt.Errorf("%w: %q", ErrInvalidCountryCode, raw)
	}
	return CountryCode{value: normalized}, nil
}

// String returns the normalized code.
func (code CountryCode) String() string {
	return code.value
}

// IsZero reports whether the code is unset.
func (code CountryCode) IsZero() bool {
	return code.value == ""
}

// CurrencyCode is an ISO 4217 currency code.
type CurrencyCode struct {
	value string
}

// NewCurrencyCode validates and upper-cases a currency code.
func NewCurrencyCode(raw string) (CurrencyCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != 3 || !isASCIIUpper(normalized) {
		return CurrencyCode{}, fmt.Errorf("%w: %q", ErrInvalidCurrencyCode, raw)
	}
	return CurrencyCode{value: normalized}, nil
}

// String returns the normalized code.
func (code CurrencyCode) String() string {
	return code.value
}

// IsZero reports whether the code is unset.
func (code CurrencyCode) IsZero() bool {
	return code.value == ""
}

func isASCIIUpper(value string) bool {
	for _, character := range value {
		if character < 'A' || character > 'Z' {
			return false
		}
	}
	return true
}

// Period is a monthly accounting period formatted as YYYY-MM.
type Period struct {
	value string
}

// NewPeriod parses a YYYY-MM period.
func NewPeriod(raw string) (Period, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := time.Parse(periodLayout, trimmed)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
	}
	return Period{value: parsed.Format(periodLayout)}, nil
}

// PeriodOf returns the period containing the given unix timestamp (UTC).
func PeriodOf(unixUTC int64) Period {
	return Period{value: time.Unix(unixUTC, 0).UTC().Format(periodLayout)}
}

// Previous returns the period immediately before this one.
func (period Period) Previous() Period {
	start, err := time.Parse(periodLayout, period.value)
	if err != nil {
		return period
	}
	return Period{value: start.AddDate(0, -1, 0).Format(periodLayout)}
}

// String returns the YYYY-MM representation.
func (period Period) String() string {
	return period.value
}

// IsZero reports whether the period is unset.
func (period Period) IsZero() bool {
	return period.value == ""
}

// RegionDefinition seeds a RegionPool at pool-initialization time.
type RegionDefinition struct {
	Country                 CountryCode
	Currency                CurrencyCode
	ExchangeRateToReference decimal.Decimal
}

// RegionPool accumulates revenue for one (country, period).
// UserShare + PlatformShare always equals TotalRevenue.
type RegionPool struct {
	Country                    CountryCode
	Period                     Period
	Currency                   CurrencyCode
	TotalRevenue               MinorUnits
	UserShare                  MinorUnits
	PlatformShare              MinorUnits
	TotalImpressions           int64
	AverageRewardPerImpression MinorUnits
	ExchangeRateToReference    decimal.Decimal
	Active                     bool
	Closed                     bool
	ActivatedUnixUTC           int64
	LastUpdatedUnixUTC         int64
}

// Conserved reports whether the split invariant holds.
func (pool RegionPool) Conserved() bool {
	return pool.UserShare+pool.PlatformShare == pool.TotalRevenue
}

// SplitRevenue divides revenue into platform and user shares using integer arithmetic.
// The platform share is rounded half-up; the user share is the remainder so the parts always sum to revenue.
func SplitRevenue(revenue MinorUnits, platformBasisPoints int64) (platformShare MinorUnits, userShare MinorUnits) {
	platformShare = MinorUnits((revenue.Int64()*platformBasisPoints + basisPointsDenominator/2) / basisPointsDenominator)
	userShare = revenue - platformShare
	return platformShare, userShare
}

func (pool RegionPool) withRevenue(revenue MinorUnits, platformBasisPoints int64, nowUnixUTC int64) RegionPool {
	platformShare, userShare := SplitRevenue(revenue, platformBasisPoints)
	updated := pool
	updated.TotalRevenue += revenue
	updated.PlatformShare += platformShare
	updated.UserShare += userShare
	updated.TotalImpressions++
	updated.AverageRewardPerImpression = averageReward(updated.UserShare, updated.TotalImpressions)
	updated.LastUpdatedUnixUTC = nowUnixUTC
	return updated
}

func averageReward(userShare MinorUnits, impressions int64) MinorUnits {
	if impressions <= 0 {
		return 0
	}
	return MinorUnits(userShare.Int64() / impressions)
}
