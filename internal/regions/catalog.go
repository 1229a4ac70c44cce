// Package regions holds the supported-region catalog: currency, reference exchange rate,
// withdrawal minimum and jurisdiction rules per country.
package regions

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

// ErrInvalidCatalog reports a malformed region definition.
var ErrInvalidCatalog = errors.New("invalid region catalog")

// Definition is the configuration shape of one supported region.
type Definition struct {
	Country                     string   `mapstructure:"country" validate:"required,len=2,alpha,uppercase"`
	Currency                    string   `mapstructure:"currency" validate:"required,len=3,alpha,uppercase"`
	ExchangeRateToReference     string   `mapstructure:"exchange_rate" validate:"required,numeric"`
	MinimumWithdrawalMinorUnits int64    `mapstructure:"minimum_withdrawal" validate:"gte=0"`
	ProhibitedCurrencies        []string `mapstructure:"prohibited_currencies" validate:"dive,len=3,alpha,uppercase"`
}

// Region is a validated catalog entry.
type Region struct {
	Country                 ledger.CountryCode
	Currency                ledger.CurrencyCode
	ExchangeRateToReference decimal.Decimal
	MinimumWithdrawal       ledger.MinorUnits
	prohibited              map[string]struct{}
}

// Prohibits reports whether the jurisdiction forbids paying out in currency.
func (region Region) Prohibits(currency ledger.CurrencyCode) bool {
	_, found := region.prohibited[currency.String()]
	return found
}

// DefaultDefinitions is the catalog used when configuration provides none.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Country: "US", Currency: "USD", ExchangeRateToReference: "1", MinimumWithdrawalMinorUnits: 500},
		{Country: "GB", Currency: "GBP", ExchangeRateToReference: "1.27", MinimumWithdrawalMinorUnits: 500},
		{Country: "DE", Currency: "EUR", ExchangeRateToReference: "1.08", MinimumWithdrawalMinorUnits: 500},
		{Country: "IN", Currency: "INR", ExchangeRateToReference: "0.012", MinimumWithdrawalMinorUnits: 10000, ProhibitedCurrencies: []string{"USD", "EUR"}},
		{Country: "BR", Currency: "BRL", ExchangeRateToReference: "0.18", MinimumWithdrawalMinorUnits: 2500},
		{Country: "NG", Currency: "NGN", ExchangeRateToReference: "0.00065", MinimumWithdrawalMinorUnits: 500000, ProhibitedCurrencies: []string{"USD"}},
		{Country: "PH", Currency: "PHP", ExchangeRateToReference: "0.018", MinimumWithdrawalMinorUnits: 25000},
	}
}

// Catalog indexes regions by country.
type Catalog struct {
	regions  map[string]Region
	ordered  []Region
	fallback Region
}

// NewCatalog validates definitions. With an empty fallbackCountry the region with the
// lowest reference exchange rate becomes the fallback.
func NewCatalog(definitions []Definition, fallbackCountry string) (*Catalog, error) {
	if len(definitions) == 0 {
		return nil, fmt.Errorf("%w: no regions defined", ErrInvalidCatalog)
	}
	validate := validator.New()
	catalog := &Catalog{regions: make(map[string]Region, len(definitions))}
	for index := range definitions {
		region, err := parseDefinition(validate, definitions[index])
		if err != nil {
			return nil, err
		}
		if _, exists := catalog.regions[region.Country.String()]; exists {
			return nil, fmt.Errorf("%w: duplicate country %s", ErrInvalidCatalog, region.Country.String())
		}
		catalog.regions[region.Country.String()] = region
		catalog.ordered = append(catalog.ordered, region)
	}
	sort.Slice(catalog.ordered, func(left, right int) bool {
		return catalog.ordered[left].Country.String() < catalog.ordered[right].Country.String()
	})

	fallbackCountry = strings.ToUpper(strings.TrimSpace(fallbackCountry))
	if fallbackCountry != "" {
		fallback, found := catalog.regions[fallbackCountry]
		if !found {
			return nil, fmt.Errorf("%w: fallback country %s is not in the catalog", ErrInvalidCatalog, fallbackCountry)
		}
		catalog.fallback = fallback
		return catalog, nil
	}
	catalog.fallback = catalog.ordered[0]
	for _, region := range catalog.ordered[1:] {
		if region.ExchangeRateToReference.LessThan(catalog.fallback.ExchangeRateToReference) {
			catalog.fallback = region
		}
	}
	return catalog, nil
}

func parseDefinition(validate *validator.Validate, definition Definition) (Region, error) {
	if err := validate.Struct(definition); err != nil {
		return Region{}, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, definition.Country, err)
	}
	country, err := ledger.NewCountryCode(definition.Country)
	if err != nil {
		return Region{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	currency, err := ledger.NewCurrencyCode(definition.Currency)
	if err != nil {
		return Region{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	rate, err := decimal.NewFromString(definition.ExchangeRateToReference)
	if err != nil || !rate.IsPositive() {
		return Region{}, fmt.Errorf("%w: %s: exchange rate must be a positive decimal", ErrInvalidCatalog, definition.Country)
	}
	prohibited := make(map[string]struct{}, len(definition.ProhibitedCurrencies))
	for _, raw := range definition.ProhibitedCurrencies {
		prohibited[strings.ToUpper(raw)] = struct{}{}
	}
	return Region{
		Country:                 country,
		Currency:                currency,
		ExchangeRateToReference: rate,
		MinimumWithdrawal:       ledger.MinorUnits(definition.MinimumWithdrawalMinorUnits),
		prohibited:              prohibited,
	}, nil
}

// Lookup returns the region for a country.
func (catalog *Catalog) Lookup(country ledger.CountryCode) (Region, bool) {
	region, found := catalog.regions[country.String()]
	return region, found
}

// Fallback is the most conservative supported region.
func (catalog *Catalog) Fallback() Region {
	return catalog.fallback
}

// Regions lists every region ordered by country code.
func (catalog *Catalog) Regions() []Region {
	return append([]Region(nil), catalog.ordered...)
}

// Resolve maps a country to a supported region, substituting the fallback for unsupported ones.
func (catalog *Catalog) Resolve(country ledger.CountryCode) Region {
	if region, found := catalog.Lookup(country); found {
		return region
	}
	return catalog.fallback
}

// IsProhibited applies the jurisdiction rule for a country.
func (catalog *Catalog) IsProhibited(country ledger.CountryCode, currency ledger.CurrencyCode) bool {
	region, found := catalog.Lookup(country)
	if !found {
		return false
	}
	return region.Prohibits(currency)
}

// MinimumWithdrawal implements ledger.MinimumWithdrawals. The highest minimum among regions sharing the currency wins.
func (catalog *Catalog) MinimumWithdrawal(currency ledger.CurrencyCode) ledger.MinorUnits {
	var minimum ledger.MinorUnits
	for _, region := range catalog.ordered {
		if region.Currency == currency && region.MinimumWithdrawal > minimum {
			minimum = region.MinimumWithdrawal
		}
	}
	return minimum
}

// PoolDefinitions returns the pool seeds for every region.
func (catalog *Catalog) PoolDefinitions() []ledger.RegionDefinition {
	definitions := make([]ledger.RegionDefinition, 0, len(catalog.ordered))
	for _, region := range catalog.ordered {
		definitions = append(definitions, ledger.RegionDefinition{
			Country:                 region.Country,
			Currency:                region.Currency,
			ExchangeRateToReference: region.ExchangeRateToReference,
		})
	}
	return definitions
}

// LocalRevenue converts reference-currency minor units into the region's minor units, rounded half away from zero.
func (region Region) LocalRevenue(referenceMinorUnits int64) ledger.MinorUnits {
	if referenceMinorUnits <= 0 || !region.ExchangeRateToReference.IsPositive() {
		return 0
	}
	local := decimal.NewFromInt(referenceMinorUnits).Div(region.ExchangeRateToReference).Round(0)
	return ledger.MinorUnits(local.IntPart())
}
