// Package location turns request metadata into a country and a confidence score.
package location

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	headerForwardedFor = "X-Forwarded-For"
	headerUserAgent    = "User-Agent"

	// DefaultTrustedHeader is set by the edge proxy and cannot be forged past it.
	DefaultTrustedHeader = "CF-Connecting-IP"

	SignalNoClientIP      = "no_client_ip"
	SignalNoGeoMatch      = "no_geo_match"
	SignalLookupError     = "lookup_error"
	SignalPrivateIP       = "private_ip"
	SignalShortUserAgent  = "short_user_agent"
	SignalBotUserAgent    = "bot_user_agent"
	SignalFallbackCountry = "fallback_country"
)

// ErrInvalidConfig reports an unusable resolver configuration.
var ErrInvalidConfig = errors.New("invalid location config")

// RequestMetadata is the subset of an inbound request the resolver reads.
type RequestMetadata struct {
	RemoteAddr string
	Headers    http.Header
	UserAgent  string
}

func (metadata RequestMetadata) userAgent() string {
	if metadata.UserAgent != "" {
		return metadata.UserAgent
	}
	return metadata.Headers.Get(headerUserAgent)
}

// Assessment is the resolver's verdict for one request. IsVPN is filled in by the fraud gate.
type Assessment struct {
	IPAddress       string
	CountryCode     ledger.CountryCode
	ASNOrganization string
	UserAgent       string
	GeoMatched      bool
	PrivateIP       bool
	IsVPN           bool
	Confidence      float64
	IsSuspicious    bool
	Signals         []string
}

// HasSignal reports whether a warning signal fired.
func (assessment Assessment) HasSignal(signal string) bool {
	for _, fired := range assessment.Signals {
		if fired == signal {
			return true
		}
	}
	return false
}

// Config tunes the confidence model. Penalties are multiplicative.
type Config struct {
	TrustedHeader        string
	BaseConfidence       float64
	SuspicionThreshold   float64
	NoClientIPPenalty    float64
	NoGeoMatchPenalty    float64
	PrivateIPPenalty     float64
	ShortAgentPenalty    float64
	BotAgentPenalty      float64
	MinUserAgentLength   int
	BotUserAgentPatterns []string
}

// DefaultConfig returns the production confidence model.
func DefaultConfig() Config {
	return Config{
		TrustedHeader:        DefaultTrustedHeader,
		BaseConfidence:       0.95,
		SuspicionThreshold:   0.5,
		NoClientIPPenalty:    0.3,
		NoGeoMatchPenalty:    0.3,
		PrivateIPPenalty:     0.4,
		ShortAgentPenalty:    0.6,
		BotAgentPenalty:      0.35,
		MinUserAgentLength:   12,
		BotUserAgentPatterns: []string{"bot", "crawler", "spider", "curl", "wget", "python-requests", "headless"},
	}
}

func (config Config) validate() error {
	factors := []float64{config.BaseConfidence, config.SuspicionThreshold, config.NoClientIPPenalty, config.NoGeoMatchPenalty, config.PrivateIPPenalty, config.ShortAgentPenalty, config.BotAgentPenalty}
	for _, factor := range factors {
		if factor < 0 || factor > 1 {
			return fmt.Errorf("%w: factor %v outside [0,1]", ErrInvalidConfig, factor)
		}
	}
	if strings.TrimSpace(config.TrustedHeader) == "" {
		return fmt.Errorf("%w: trusted header is required", ErrInvalidConfig)
	}
	return nil
}

// Resolver implements the location assessment. It holds no mutable state.
type Resolver struct {
	lookup   GeoLookup
	fallback ledger.CountryCode
	config   Config
	logger   *zap.Logger
}

// NewResolver wires a Resolver. fallback is used whenever no geo record matches.
func NewResolver(lookup GeoLookup, fallback ledger.CountryCode, config Config, logger *zap.Logger) (*Resolver, error) {
	if lookup == nil {
		return nil, fmt.Errorf("%w: geo lookup is nil", ErrInvalidConfig)
	}
	if fallback.IsZero() {
		return nil, fmt.Errorf("%w: fallback country is required", ErrInvalidConfig)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{lookup: lookup, fallback: fallback, config: config, logger: logger}, nil
}

// Resolve assesses one request.
func (resolver *Resolver) Resolve(ctx context.Context, metadata RequestMetadata) Assessment {
	userAgent := strings.TrimSpace(metadata.userAgent())
	assessment := Assessment{
		CountryCode: resolver.fallback,
		UserAgent:   userAgent,
		Confidence:  resolver.config.BaseConfidence,
	}
	address, found := ClientIP(metadata, resolver.config.TrustedHeader)
	if !found {
		assessment.penalize(SignalNoClientIP, resolver.config.NoClientIPPenalty)
		assessment.Signals = append(assessment.Signals, SignalFallbackCountry)
	} else {
		assessment.IPAddress = address.String()
		if isPrivate(address) {
			assessment.PrivateIP = true
			assessment.penalize(SignalPrivateIP, resolver.config.PrivateIPPenalty)
		}
		resolver.applyGeo(ctx, address, &assessment)
	}
	if len(userAgent) < resolver.config.MinUserAgentLength {
		assessment.penalize(SignalShortUserAgent, resolver.config.ShortAgentPenalty)
	}
	if matchesAny(strings.ToLower(userAgent), resolver.config.BotUserAgentPatterns) {
		assessment.penalize(SignalBotUserAgent, resolver.config.BotAgentPenalty)
	}
	assessment.Confidence = clamp(assessment.Confidence)
	assessment.IsSuspicious = assessment.Confidence < resolver.config.SuspicionThreshold
	return assessment
}

func (resolver *Resolver) applyGeo(ctx context.Context, address netip.Addr, assessment *Assessment) {
	record, found, err := resolver.lookup.Lookup(ctx, address)
	if err != nil {
		resolver.logger.Warn("geo lookup failed", zap.String("ip", address.String()), zap.Error(err))
		assessment.Signals = append(assessment.Signals, SignalLookupError)
	}
	assessment.ASNOrganization = record.ASNOrganization
	if found {
		country, parseErr := ledger.NewCountryCode(record.Country)
		if parseErr == nil {
			assessment.CountryCode = country
			assessment.GeoMatched = true
			return
		}
	}
	assessment.penalize(SignalNoGeoMatch, resolver.config.NoGeoMatchPenalty)
	assessment.Signals = append(assessment.Signals, SignalFallbackCountry)
}

func (assessment *Assessment) penalize(signal string, factor float64) {
	assessment.Confidence *= factor
	assessment.Signals = append(assessment.Signals, signal)
}

// ClientIP applies the header precedence: trusted edge header, first X-Forwarded-For hop, socket address.
// The first non-empty source wins; if it does not parse there is no client IP.
func ClientIP(metadata RequestMetadata, trustedHeader string) (netip.Addr, bool) {
	candidates := []string{
		metadata.Headers.Get(trustedHeader),
		firstForwardedHop(metadata.Headers.Get(headerForwardedFor)),
		hostOnly(metadata.RemoteAddr),
	}
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		address, err := netip.ParseAddr(candidate)
		if err != nil {
			return netip.Addr{}, false
		}
		return address.Unmap(), true
	}
	return netip.Addr{}, false
}

func firstForwardedHop(raw string) string {
	first, _, _ := strings.Cut(raw, ",")
	return first
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		return remoteAddr
	}
	return host
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func isPrivate(address netip.Addr) bool {
	return address.IsPrivate() ||
		address.IsLoopback() ||
		address.IsLinkLocalUnicast() ||
		address.IsUnspecified() ||
		address.IsMulticast() ||
		sharedAddressSpace.Contains(address)
}

func matchesAny(value string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(value, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func clamp(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
