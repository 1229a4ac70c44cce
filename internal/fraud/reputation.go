package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/logging"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

// Reputation is the third-party verdict for an address.
type Reputation string

const (
	ReputationUnknown Reputation = "unknown"
	ReputationClean   Reputation = "clean"
	ReputationProxy   Reputation = "proxy"

	reputationCachePrefix = "reputation:"
	headerAPIKey          = "X-Api-Key"
)

// ReputationLookup reports whether an address is a known proxy or VPN exit.
type ReputationLookup interface {
	Reputation(ctx context.Context, ipAddress string) (Reputation, error)
}

// HTTPReputationConfig describes the reputation provider endpoint.
type HTTPReputationConfig struct {
	Endpoint   string
	APIKey     string
	MaxRetries int
}

// HTTPReputationClient queries a JSON reputation endpoint with bounded retries.
type HTTPReputationClient struct {
	client   *retryablehttp.Client
	endpoint string
	apiKey   string
}

type reputationResponse struct {
	Proxy   bool `json:"proxy"`
	VPN     bool `json:"vpn"`
	Hosting bool `json:"hosting"`
}

// NewHTTPReputationClient builds a client; the endpoint receives the address as the ip query parameter.
func NewHTTPReputationClient(config HTTPReputationConfig, logger *zap.Logger) (*HTTPReputationClient, error) {
	endpoint := strings.TrimSpace(config.Endpoint)
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("%w: reputation endpoint: %v", ErrInvalidPolicy, err)
	}
	client := retryablehttp.NewClient()
	client.RetryMax = config.MaxRetries
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 400 * time.Millisecond
	client.Logger = logging.NewLeveled(logger)
	return &HTTPReputationClient{client: client, endpoint: endpoint, apiKey: config.APIKey}, nil
}

// Reputation implements ReputationLookup.
func (reputationClient *HTTPReputationClient) Reputation(ctx context.Context, ipAddress string) (Reputation, error) {
	target, err := url.Parse(reputationClient.endpoint)
	if err != nil {
		return ReputationUnknown, err
	}
	query := target.Query()
	query.Set("ip", ipAddress)
	target.RawQuery = query.Encode()

	request, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return ReputationUnknown, err
	}
	if reputationClient.apiKey != "" {
		request.Header.Set(headerAPIKey, reputationClient.apiKey)
	}
	response, err := reputationClient.client.Do(request)
	if err != nil {
		return ReputationUnknown, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return ReputationUnknown, fmt.Errorf("reputation lookup: unexpected status %d", response.StatusCode)
	}
	var payload reputationResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return ReputationUnknown, fmt.Errorf("reputation lookup: decode: %w", err)
	}
	if payload.Proxy || payload.VPN || payload.Hosting {
		return ReputationProxy, nil
	}
	return ReputationClean, nil
}

// CachedReputation memoizes verdicts in redis. Cache failures fall through to the wrapped lookup.
type CachedReputation struct {
	next   ReputationLookup
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedReputation wraps next. A nil client disables caching.
func NewCachedReputation(next ReputationLookup, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedReputation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedReputation{next: next, client: client, ttl: ttl, logger: logger}
}

// Reputation implements ReputationLookup.
func (cache *CachedReputation) Reputation(ctx context.Context, ipAddress string) (Reputation, error) {
	key := reputationCachePrefix + ipAddress
	if cache.client != nil {
		cached, err := cache.client.Get(ctx, key).Result()
		switch {
		case err == nil && parseCachedReputation(cached) != ReputationUnknown:
			return Reputation(cached), nil
		case err == nil:
			cache.logger.Warn("ignoring unrecognized cached reputation", zap.String("ip", ipAddress), zap.String("value", cached))
		case !errors.Is(err, redis.Nil):
			cache.logger.Warn("reputation cache read failed", zap.String("ip", ipAddress), zap.Error(err))
		}
	}
	verdict, err := cache.next.Reputation(ctx, ipAddress)
	if err != nil {
		return ReputationUnknown, err
	}
	if cache.client != nil && verdict != ReputationUnknown {
		if err := cache.client.Set(ctx, key, string(verdict), cache.ttl).Err(); err != nil {
			cache.logger.Warn("reputation cache write failed", zap.String("ip", ipAddress), zap.Error(err))
		}
	}
	return verdict, nil
}

// parseCachedReputation accepts only verdicts the cache writes; anything else reads as unknown.
func parseCachedReputation(raw string) Reputation {
	switch verdict := Reputation(raw); verdict {
	case ReputationClean, ReputationProxy:
		return verdict
	default:
		return ReputationUnknown
	}
}

// boundedReputation asks lookup under a deadline and degrades every failure to ReputationUnknown.
func boundedReputation(ctx context.Context, lookup ReputationLookup, ipAddress string, timeout time.Duration, logger *zap.Logger) Reputation {
	if lookup == nil || ipAddress == "" {
		return ReputationUnknown
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	verdict, err := lookup.Reputation(lookupCtx, ipAddress)
	if err != nil {
		logger.Warn("reputation lookup degraded",
			zap.String("ip", ipAddress),
			zap.Error(fmt.Errorf("%w: %v", ledger.ErrExternalLookupUnavailable, err)),
		)
		return ReputationUnknown
	}
	return verdict
}

// NewRedisClient connects to redis and pings it. It returns nil when redis is unreachable so callers run uncached.
func NewRedisClient(ctx context.Context, address string, password string, database int, logger *zap.Logger) *redis.Client {
	if strings.TrimSpace(address) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       database,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, continuing without reputation cache", zap.String("addr", address), zap.Error(err))
		_ = client.Close()
		return nil
	}
	logger.Info("connected to redis", zap.String("addr", address))
	return client
}
