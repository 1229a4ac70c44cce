// Package rewards is the inbound surface of the engine: impressions in, balances and
// withdrawals out. It chains location resolution, the fraud gate and the ledger services.
package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/fraud"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/location"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/regions"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const defaultImpressionPoints int64 = 10

var (
	// ErrUnknownAdUnit reports an impression for an ad unit missing from the catalog.
	ErrUnknownAdUnit = errors.New("unknown ad unit")
	// ErrInvalidConfig reports a facade wired with missing dependencies or bad ad units.
	ErrInvalidConfig = errors.New("invalid rewards config")
)

// AdUnit prices one placement: revenue credited to the pool per impression, in reference-currency
// minor units, and the points the viewer earns.
type AdUnit struct {
	Ref                        string `mapstructure:"ref" validate:"required"`
	RevenueReferenceMinorUnits int64  `mapstructure:"revenue_reference_minor_units" validate:"gte=0"`
	Points                     int64  `mapstructure:"points" validate:"gte=0"`
}

// Resolver is the location stage.
type Resolver interface {
	Resolve(ctx context.Context, metadata location.RequestMetadata) location.Assessment
}

// Gate is the eligibility stage.
type Gate interface {
	Evaluate(ctx context.Context, request fraud.EligibilityRequest) fraud.Decision
}

// Dependencies wires the facade.
type Dependencies struct {
	Resolver    Resolver
	Gate        Gate
	Catalog     *regions.Catalog
	Ledger      *ledger.Service
	Accountant  *ledger.PoolAccountant
	Withdrawals *ledger.WithdrawalProcessor
	Now         func() int64
	Logger      *zap.Logger
}

// Service implements impressionOccurred, requestWithdrawal and getBalance.
type Service struct {
	dependencies Dependencies
	adUnits      map[string]AdUnit
	logger       *zap.Logger
}

// NewService validates the ad unit catalog and the dependencies.
func NewService(dependencies Dependencies, adUnits []AdUnit) (*Service, error) {
	if dependencies.Resolver == nil || dependencies.Gate == nil || dependencies.Catalog == nil ||
		dependencies.Ledger == nil || dependencies.Accountant == nil || dependencies.Withdrawals == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidConfig)
	}
	if dependencies.Now == nil {
		dependencies.Now = func() int64 { return time.Now().UTC().Unix() }
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New()
	indexed := make(map[string]AdUnit, len(adUnits))
	for _, adUnit := range adUnits {
		if err := validate.Struct(adUnit); err != nil {
			return nil, fmt.Errorf("%w: ad unit %q: %v", ErrInvalidConfig, adUnit.Ref, err)
		}
		ref := strings.TrimSpace(adUnit.Ref)
		if _, exists := indexed[ref]; exists {
			return nil, fmt.Errorf("%w: duplicate ad unit %q", ErrInvalidConfig, ref)
		}
		if adUnit.Points == 0 {
			adUnit.Points = defaultImpressionPoints
		}
		adUnit.Ref = ref
		indexed[ref] = adUnit
	}
	return &Service{dependencies: dependencies, adUnits: indexed, logger: logger.Named("rewards")}, nil
}

// Impression is one impressionOccurred call.
type Impression struct {
	UserID       string
	AdUnitRef    string
	ImpressionID string
	Request      location.RequestMetadata
}

// ImpressionResult reports what the impression earned. PointsAwarded is zero on deny.
type ImpressionResult struct {
	PointsAwarded ledger.Points
	CountryCode   ledger.CountryCode
	Currency      ledger.CurrencyCode
	EntryID       ledger.EntryID
	Pool          ledger.RegionPool
	Decision      fraud.Decision
}

type impressionMetadata struct {
	AdUnit     string  `json:"ad_unit"`
	Confidence float64 `json:"confidence"`
	IPAddress  string  `json:"ip_address,omitempty"`
}

// ImpressionOccurred attributes an impression to a region pool and awards points.
func (service *Service) ImpressionOccurred(ctx context.Context, impression Impression) (ImpressionResult, error) {
	userID, err := ledger.NewUserID(impression.UserID)
	if err != nil {
		return ImpressionResult{}, err
	}
	impressionID, err := ledger.NewReferenceID(impression.ImpressionID)
	if err != nil {
		return ImpressionResult{}, err
	}
	adUnit, found := service.adUnits[strings.TrimSpace(impression.AdUnitRef)]
	if !found {
		return ImpressionResult{}, fmt.Errorf("%w: %q", ErrUnknownAdUnit, impression.AdUnitRef)
	}

	account, err := service.dependencies.Ledger.Account(ctx, userID)
	if err != nil {
		return ImpressionResult{}, err
	}
	assessment, region := service.locate(ctx, impression.Request)
	decision := service.dependencies.Gate.Evaluate(ctx, fraud.EligibilityRequest{
		UserID:            userID,
		Assessment:        assessment,
		RequestedCurrency: region.Currency,
		Account:           fraud.AccountRegion{AssignedRegion: account.AssignedRegion, Locked: account.LocationLocked},
	})
	result := ImpressionResult{CountryCode: region.Country, Currency: region.Currency, Decision: decision}
	if !decision.Allowed {
		service.logger.Info("impression denied",
			zap.String("user_id", userID.String()),
			zap.String("impression_id", impressionID.String()),
			zap.String("country", region.Country.String()),
			zap.Error(decision.Reason),
		)
		return result, decision.Reason
	}

	posting := ledger.ImpressionPosting{
		AccountID:    account.AccountID,
		Country:      region.Country,
		Period:       ledger.PeriodOf(service.dependencies.Now()),
		Revenue:      region.LocalRevenue(adUnit.RevenueReferenceMinorUnits),
		Points:       ledger.Points(adUnit.Points),
		ImpressionID: impressionID,
		Assignment: &ledger.RegionAssignment{
			Currency:  region.Currency,
			Confident: assessment.GeoMatched && !assessment.IsSuspicious && !decision.Assessment.IsVPN,
		},
	}
	metadata, err := json.Marshal(impressionMetadata{AdUnit: adUnit.Ref, Confidence: assessment.Confidence, IPAddress: assessment.IPAddress})
	if err != nil {
		return result, err
	}
	if posting.Metadata, err = ledger.NewMetadataJSON(string(metadata)); err != nil {
		return result, err
	}
	entry, pool, err := service.dependencies.Accountant.PostImpression(ctx, posting)
	if errors.Is(err, ledger.ErrUnknownPool) {
		entry, pool, err = service.openPoolAndRetry(ctx, region, posting)
	}
	if err != nil {
		return result, err
	}
	result.PointsAwarded = entry.PointsDelta
	result.EntryID = entry.EntryID
	result.Pool = pool
	return result, nil
}

// openPoolAndRetry seeds the single missing pool. Other pools are left alone so a deactivated
// pool is not reactivated as a side effect.
func (service *Service) openPoolAndRetry(ctx context.Context, region regions.Region, posting ledger.ImpressionPosting) (ledger.Entry, ledger.RegionPool, error) {
	_, err := service.dependencies.Accountant.InitializePools(ctx, posting.Period, []ledger.RegionDefinition{{
		Country:                 region.Country,
		Currency:                region.Currency,
		ExchangeRateToReference: region.ExchangeRateToReference,
	}})
	if err != nil {
		return ledger.Entry{}, ledger.RegionPool{}, err
	}
	service.logger.Info("opened region pool on first impression",
		zap.String("country", region.Country.String()),
		zap.String("period", posting.Period.String()),
	)
	return service.dependencies.Accountant.PostImpression(ctx, posting)
}

// locate resolves the request and maps the country onto a supported region.
func (service *Service) locate(ctx context.Context, metadata location.RequestMetadata) (location.Assessment, regions.Region) {
	assessment := service.dependencies.Resolver.Resolve(ctx, metadata)
	region := service.dependencies.Catalog.Resolve(assessment.CountryCode)
	if region.Country != assessment.CountryCode {
		assessment.CountryCode = region.Country
		assessment.GeoMatched = false
		if !assessment.HasSignal(location.SignalFallbackCountry) {
			assessment.Signals = append(assessment.Signals, location.SignalFallbackCountry)
		}
	}
	return assessment, region
}

// WithdrawalCommand is one requestWithdrawal call.
type WithdrawalCommand struct {
	UserID           string
	AmountMinorUnits int64
	Destination      string
	IdempotencyKey   string
	Request          location.RequestMetadata
}

// RequestWithdrawal checks the jurisdiction rules for the account currency and hands the
// request to the withdrawal processor.
func (service *Service) RequestWithdrawal(ctx context.Context, command WithdrawalCommand) (ledger.WithdrawalRequest, error) {
	userID, err := ledger.NewUserID(command.UserID)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	amount, err := ledger.NewPositiveMinorUnits(command.AmountMinorUnits)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(command.IdempotencyKey)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	account, err := service.dependencies.Ledger.Account(ctx, userID)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	assessment, _ := service.locate(ctx, command.Request)
	decision := service.dependencies.Gate.Evaluate(ctx, fraud.EligibilityRequest{
		UserID:            userID,
		Assessment:        assessment,
		RequestedCurrency: account.AssignedCurrency,
	})
	if !decision.Allowed {
		return ledger.WithdrawalRequest{}, decision.Reason
	}
	return service.dependencies.Withdrawals.Request(ctx, ledger.WithdrawalInput{
		UserID:         userID,
		Amount:         amount,
		Destination:    strings.TrimSpace(command.Destination),
		IdempotencyKey: idempotencyKey,
	})
}

// BalanceView is the getBalance response.
type BalanceView struct {
	PendingPoints         ledger.Points
	CashBalanceMinorUnits ledger.MinorUnits
	CurrencyCode          ledger.CurrencyCode
	CountryCode           ledger.CountryCode
	LocationLocked        bool
}

// GetBalance returns the user's balances.
func (service *Service) GetBalance(ctx context.Context, rawUserID string) (BalanceView, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return BalanceView{}, err
	}
	balance, err := service.dependencies.Ledger.Balance(ctx, userID)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		PendingPoints:         balance.PendingPoints,
		CashBalanceMinorUnits: balance.CashBalance,
		CurrencyCode:          balance.Currency,
		CountryCode:           balance.Region,
		LocationLocked:        balance.LocationLocked,
	}, nil
}

// Confirm settles a dispatched withdrawal.
func (service *Service) Confirm(ctx context.Context, withdrawalID ledger.ReferenceID) (ledger.WithdrawalRequest, error) {
	return service.dependencies.Withdrawals.Confirm(ctx, withdrawalID)
}

// Fail reverses a dispatched withdrawal.
func (service *Service) Fail(ctx context.Context, withdrawalID ledger.ReferenceID, reason string) (ledger.WithdrawalRequest, error) {
	return service.dependencies.Withdrawals.Fail(ctx, withdrawalID, reason)
}
