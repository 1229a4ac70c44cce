package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/config"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/fraud"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/location"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/logging"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/payout"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/regions"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/rewards"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/scheduler"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

var errPayoutsOffline = errors.New("payout processor not configured for this command")

// offlineSink backs withdrawal processors built by one-shot commands that never dispatch.
type offlineSink struct{}

func (offlineSink) Dispatch(context.Context, ledger.PayoutInstruction) error {
	return errPayoutsOffline
}

// backend holds the storage-backed ledger components every command needs.
type backend struct {
	driver     string
	store      *gormstore.Store
	catalog    *regions.Catalog
	ledger     *ledger.Service
	accountant *ledger.PoolAccountant
	engine     *ledger.ConversionEngine
	options    []ledger.ServiceOption
	now        func() int64
	logger     *zap.Logger
	cleanup    func() error
}

func openCore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backend, error) {
	db, cleanup, driver, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.Migrate(ctx, db, driver); err != nil {
		_ = cleanup()
		return nil, err
	}
	catalog, err := regions.NewCatalog(cfg.Regions, cfg.FallbackCountry)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	store := gormstore.New(db)
	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []ledger.ServiceOption{ledger.WithOperationLogger(logging.NewOperationLogger(logger))}

	ledgerService, err := ledger.NewService(store, clock, options...)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	accountant, err := ledger.NewPoolAccountant(store, clock, cfg.PlatformBasisPoints, options...)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("pool accountant init: %w", err)
	}
	engine, err := ledger.NewConversionEngine(store, clock, options...)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("conversion engine init: %w", err)
	}
	return &backend{
		driver:     driver,
		store:      store,
		catalog:    catalog,
		ledger:     ledgerService,
		accountant: accountant,
		engine:     engine,
		options:    options,
		now:        clock,
		logger:     logger,
		cleanup:    cleanup,
	}, nil
}

func (c *backend) close() {
	if err := c.cleanup(); err != nil {
		c.logger.Warn("database close failed", zap.Error(err))
	}
}

func (c *backend) withdrawalProcessor(sink ledger.PayoutSink) (*ledger.WithdrawalProcessor, error) {
	processor, err := ledger.NewWithdrawalProcessor(c.store, c.now, sink, c.catalog, c.options...)
	if err != nil {
		return nil, fmt.Errorf("withdrawal processor init: %w", err)
	}
	return processor, nil
}

func (c *backend) runner(cfg config.Config, withdrawals *ledger.WithdrawalProcessor) (*scheduler.Runner, error) {
	return scheduler.NewRunner(c.catalog, c.accountant, c.engine, withdrawals, scheduler.RunnerConfig{
		StaleAfter:     cfg.Scheduler.ReconcileAfter,
		ReconcileBatch: cfg.Scheduler.ReconcileBatch,
	}, c.now, c.logger)
}

// edge holds the request-facing components of the serving daemon.
type edge struct {
	rewards  *rewards.Service
	runner   *scheduler.Runner
	verifier *payout.CallbackVerifier
	audit    *fraud.AuditQueue
	geo      *location.MaxMindLookup
	redis    *redis.Client
}

func buildEdge(ctx context.Context, cfg config.Config, c *backend, logger *zap.Logger) (*edge, error) {
	built := &edge{}
	fail := func(err error) (*edge, error) {
		built.close(logger)
		return nil, err
	}

	lookup, err := buildGeoLookup(cfg.Location, built)
	if err != nil {
		return fail(err)
	}
	resolverConfig := location.DefaultConfig()
	resolverConfig.TrustedHeader = cfg.Location.TrustedHeader
	resolver, err := location.NewResolver(lookup, c.catalog.Fallback().Country, resolverConfig, logger.Named("location"))
	if err != nil {
		return fail(err)
	}

	built.audit, err = fraud.NewAuditQueue(c.store, cfg.Fraud.AuditQueueCapacity, logger)
	if err != nil {
		return fail(err)
	}
	gateOptions := []fraud.GateOption{fraud.WithAuditQueue(built.audit), fraud.WithClock(c.now)}
	if cfg.Fraud.ReputationEndpoint != "" {
		reputationClient, err := fraud.NewHTTPReputationClient(fraud.HTTPReputationConfig{
			Endpoint:   cfg.Fraud.ReputationEndpoint,
			APIKey:     cfg.Fraud.ReputationAPIKey,
			MaxRetries: cfg.Fraud.ReputationMaxRetries,
		}, logger)
		if err != nil {
			return fail(err)
		}
		var reputation fraud.ReputationLookup = reputationClient
		built.redis = fraud.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, logger)
		if built.redis != nil {
			reputation = fraud.NewCachedReputation(reputationClient, built.redis, cfg.Fraud.ReputationCacheTTL, logger)
		}
		gateOptions = append(gateOptions, fraud.WithReputation(reputation))
	}
	policy := fraud.DefaultPolicy()
	policy.VPNThreshold = cfg.Fraud.VPNThreshold
	policy.MinConfidence = cfg.Fraud.MinConfidence
	if cfg.Fraud.LookupTimeout > 0 {
		policy.LookupTimeout = cfg.Fraud.LookupTimeout
	}
	gate, err := fraud.NewGate(policy, c.catalog, logger, gateOptions...)
	if err != nil {
		return fail(err)
	}

	sink, err := payout.NewHTTPSink(payout.SinkConfig{
		Endpoint:   cfg.Payout.Endpoint,
		APIToken:   cfg.Payout.APIToken,
		MaxRetries: cfg.Payout.MaxRetries,
		Timeout:    cfg.Payout.Timeout,
	}, logger)
	if err != nil {
		return fail(err)
	}
	withdrawals, err := c.withdrawalProcessor(sink)
	if err != nil {
		return fail(err)
	}
	built.runner, err = c.runner(cfg, withdrawals)
	if err != nil {
		return fail(err)
	}
	built.verifier, err = payout.NewCallbackVerifier(cfg.Payout.CallbackSecret, cfg.Payout.CallbackIssuer)
	if err != nil {
		return fail(err)
	}
	built.rewards, err = rewards.NewService(rewards.Dependencies{
		Resolver:    resolver,
		Gate:        gate,
		Catalog:     c.catalog,
		Ledger:      c.ledger,
		Accountant:  c.accountant,
		Withdrawals: withdrawals,
		Now:         c.now,
		Logger:      logger,
	}, cfg.AdUnits)
	if err != nil {
		return fail(err)
	}
	return built, nil
}

// buildGeoLookup chains the MaxMind databases, when configured, ahead of the static ranges.
func buildGeoLookup(cfg config.LocationConfig, built *edge) (location.GeoLookup, error) {
	var chain location.ChainLookup
	if cfg.CountryDatabase != "" {
		maxMind, err := location.OpenMaxMind(cfg.CountryDatabase, cfg.ASNDatabase)
		if err != nil {
			return nil, err
		}
		built.geo = maxMind
		chain = append(chain, maxMind)
	}
	table, err := location.NewStaticTable(cfg.StaticRanges)
	if err != nil {
		return nil, err
	}
	return append(chain, table), nil
}

func (built *edge) close(logger *zap.Logger) {
	if built.audit != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := built.audit.Close(drainCtx); err != nil {
			logger.Warn("audit queue drain incomplete", zap.Error(err))
		}
		cancel()
	}
	if built.redis != nil {
		_ = built.redis.Close()
	}
	if built.geo != nil {
		_ = built.geo.Close()
	}
}
