// Package config loads the daemon's runtime settings from flags, REWARDPOOL_* environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/location"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/regions"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/rewards"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	EnvPrefix = "REWARDPOOL"

	KeyDatabaseURL         = "database_url"
	KeyHTTPListenAddr      = "http_listen_addr"
	KeyGRPCListenAddr      = "grpc_listen_addr"
	KeyLogLevel            = "log_level"
	KeyAllowedOrigins      = "allowed_origins"
	KeyAdminToken          = "admin_token"
	KeyPlatformBasisPoints = "platform_basis_points"
	KeyFallbackCountry     = "fallback_country"

	defaultDatabaseURL     = "sqlite:///tmp/rewardpool.db"
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultLogLevel        = "info"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultRequestTimeout  = 5 * time.Second
	defaultReputationTTL   = 6 * time.Hour
	defaultAuditCapacity   = 1024
	defaultReputationTries = 2
	defaultPayoutRetries   = 3
	defaultPayoutTimeout   = 10 * time.Second
	defaultReconcileAfter  = 15 * time.Minute
	defaultReconcileBatch  = 200
	defaultCallbackIssuer  = "payout-processor"
	defaultBannerAdUnitRef = "banner"
	defaultBannerRevenue   = 2
	defaultRewardedAdUnit  = "rewarded-video"
	defaultRewardedRevenue = 20
	defaultRewardedPoints  = 50
	maxPlatformBasisPoints = 10000
)

// ErrInvalidConfig reports a configuration that failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// LocationConfig selects the geo sources.
type LocationConfig struct {
	TrustedHeader   string                 `mapstructure:"trusted_header"`
	CountryDatabase string                 `mapstructure:"country_database"`
	ASNDatabase     string                 `mapstructure:"asn_database"`
	StaticRanges    []location.StaticRange `mapstructure:"static_ranges"`
}

// FraudConfig tunes the gate and its reputation source.
type FraudConfig struct {
	ReputationEndpoint   string        `mapstructure:"reputation_endpoint" validate:"omitempty,url"`
	ReputationAPIKey     string        `mapstructure:"reputation_api_key"`
	ReputationMaxRetries int           `mapstructure:"reputation_max_retries" validate:"gte=0"`
	ReputationCacheTTL   time.Duration `mapstructure:"reputation_cache_ttl"`
	LookupTimeout        time.Duration `mapstructure:"lookup_timeout"`
	VPNThreshold         float64       `mapstructure:"vpn_threshold" validate:"gte=0,lte=1"`
	MinConfidence        float64       `mapstructure:"min_confidence" validate:"gte=0,lte=1"`
	AuditQueueCapacity   int           `mapstructure:"audit_queue_capacity" validate:"gte=0"`
}

// RedisConfig points at the reputation cache. An empty address disables caching.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// PayoutConfig reaches the payment processor and verifies its callbacks.
type PayoutConfig struct {
	Endpoint       string        `mapstructure:"endpoint" validate:"omitempty,url"`
	APIToken       string        `mapstructure:"api_token"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CallbackSecret string        `mapstructure:"callback_secret"`
	CallbackIssuer string        `mapstructure:"callback_issuer"`
}

// SchedulerConfig controls the cron jobs.
type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RollOver       string        `mapstructure:"roll_over"`
	Reconcile      string        `mapstructure:"reconcile"`
	ReconcileAfter time.Duration `mapstructure:"reconcile_after"`
	ReconcileBatch int           `mapstructure:"reconcile_batch" validate:"gte=0"`
}

// Config aggregates runtime settings for rewardpoold.
type Config struct {
	DatabaseURL         string               `mapstructure:"database_url" validate:"required"`
	HTTPListenAddr      string               `mapstructure:"http_listen_addr" validate:"required"`
	GRPCListenAddr      string               `mapstructure:"grpc_listen_addr" validate:"required"`
	LogLevel            string               `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	AllowedOrigins      []string             `mapstructure:"allowed_origins"`
	AdminToken          string               `mapstructure:"admin_token"`
	RequestTimeout      time.Duration        `mapstructure:"request_timeout"`
	PlatformBasisPoints int64                `mapstructure:"platform_basis_points" validate:"gte=0,lte=10000"`
	FallbackCountry     string               `mapstructure:"fallback_country"`
	Regions             []regions.Definition `mapstructure:"regions"`
	AdUnits             []rewards.AdUnit     `mapstructure:"ad_units"`
	Location            LocationConfig       `mapstructure:"location"`
	Fraud               FraudConfig          `mapstructure:"fraud"`
	Redis               RedisConfig          `mapstructure:"redis"`
	Payout              PayoutConfig         `mapstructure:"payout"`
	Scheduler           SchedulerConfig      `mapstructure:"scheduler"`
}

// SetDefaults registers defaults so environment variables bind to nested keys.
func SetDefaults(settings *viper.Viper) {
	settings.SetDefault(KeyDatabaseURL, defaultDatabaseURL)
	settings.SetDefault(KeyHTTPListenAddr, defaultHTTPListenAddr)
	settings.SetDefault(KeyGRPCListenAddr, defaultGRPCListenAddr)
	settings.SetDefault(KeyLogLevel, defaultLogLevel)
	settings.SetDefault(KeyPlatformBasisPoints, ledger.DefaultPlatformBasisPoints)
	settings.SetDefault(KeyAdminToken, "")
	settings.SetDefault(KeyFallbackCountry, "")
	settings.SetDefault(KeyAllowedOrigins, "")
	settings.SetDefault("request_timeout", defaultRequestTimeout)
	settings.SetDefault("location.trusted_header", location.DefaultTrustedHeader)
	settings.SetDefault("location.country_database", "")
	settings.SetDefault("location.asn_database", "")
	settings.SetDefault("fraud.reputation_endpoint", "")
	settings.SetDefault("fraud.reputation_api_key", "")
	settings.SetDefault("fraud.reputation_max_retries", defaultReputationTries)
	settings.SetDefault("fraud.reputation_cache_ttl", defaultReputationTTL)
	settings.SetDefault("fraud.lookup_timeout", 2*time.Second)
	settings.SetDefault("fraud.vpn_threshold", 0.5)
	settings.SetDefault("fraud.min_confidence", 0.25)
	settings.SetDefault("fraud.audit_queue_capacity", defaultAuditCapacity)
	settings.SetDefault("redis.address", "")
	settings.SetDefault("redis.password", "")
	settings.SetDefault("redis.db", 0)
	settings.SetDefault("payout.endpoint", "")
	settings.SetDefault("payout.api_token", "")
	settings.SetDefault("payout.max_retries", defaultPayoutRetries)
	settings.SetDefault("payout.timeout", defaultPayoutTimeout)
	settings.SetDefault("payout.callback_secret", "")
	settings.SetDefault("payout.callback_issuer", defaultCallbackIssuer)
	settings.SetDefault("scheduler.enabled", true)
	settings.SetDefault("scheduler.roll_over", "")
	settings.SetDefault("scheduler.reconcile", "")
	settings.SetDefault("scheduler.reconcile_after", defaultReconcileAfter)
	settings.SetDefault("scheduler.reconcile_batch", defaultReconcileBatch)
}

// NewViper returns a viper instance reading REWARDPOOL_* variables, with "." and "-" mapped to "_".
func NewViper() *viper.Viper {
	settings := viper.New()
	settings.SetEnvPrefix(EnvPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	settings.AutomaticEnv()
	SetDefaults(settings)
	return settings
}

// Load reads the optional config file, decodes settings and validates them.
func Load(settings *viper.Viper, configFile string) (Config, error) {
	if strings.TrimSpace(configFile) != "" {
		settings.SetConfigFile(configFile)
		if err := settings.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	var cfg Config
	if err := settings.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// Comma-separated origins from the environment arrive as one string.
	cfg.AllowedOrigins = ParseAllowedOrigins(strings.Join(cfg.AllowedOrigins, ","))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.LogLevel = strings.ToLower(defaultIfEmpty(cfg.LogLevel, defaultLogLevel))
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if len(cfg.Regions) == 0 {
		cfg.Regions = regions.DefaultDefinitions()
	}
	if len(cfg.AdUnits) == 0 {
		cfg.AdUnits = defaultAdUnits()
	}
	cfg.Location.TrustedHeader = defaultIfEmpty(cfg.Location.TrustedHeader, location.DefaultTrustedHeader)
	if cfg.Fraud.ReputationCacheTTL <= 0 {
		cfg.Fraud.ReputationCacheTTL = defaultReputationTTL
	}
	if cfg.Fraud.AuditQueueCapacity == 0 {
		cfg.Fraud.AuditQueueCapacity = defaultAuditCapacity
	}
	if cfg.Payout.Timeout <= 0 {
		cfg.Payout.Timeout = defaultPayoutTimeout
	}
	cfg.Payout.CallbackIssuer = defaultIfEmpty(cfg.Payout.CallbackIssuer, defaultCallbackIssuer)
	if cfg.Scheduler.ReconcileAfter <= 0 {
		cfg.Scheduler.ReconcileAfter = defaultReconcileAfter
	}
	if cfg.PlatformBasisPoints > maxPlatformBasisPoints {
		return fmt.Errorf("%w: platform_basis_points %d exceeds %d", ErrInvalidConfig, cfg.PlatformBasisPoints, maxPlatformBasisPoints)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := regions.NewCatalog(cfg.Regions, cfg.FallbackCountry); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateServe adds the checks only the serving daemon needs.
func (cfg *Config) ValidateServe() error {
	if strings.TrimSpace(cfg.Payout.Endpoint) == "" {
		return fmt.Errorf("%w: payout.endpoint is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Payout.CallbackSecret) == "" {
		return fmt.Errorf("%w: payout.callback_secret is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.AdminToken) == "" {
		return fmt.Errorf("%w: admin_token is required", ErrInvalidConfig)
	}
	return nil
}

func defaultAdUnits() []rewards.AdUnit {
	return []rewards.AdUnit{
		{Ref: defaultBannerAdUnitRef, RevenueReferenceMinorUnits: defaultBannerRevenue},
		{Ref: defaultRewardedAdUnit, RevenueReferenceMinorUnits: defaultRewardedRevenue, Points: defaultRewardedPoints},
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
