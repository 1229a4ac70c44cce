// Package fraud decides whether a resolved request may earn or withdraw, and records
// suspicious decisions for later review.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/location"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

var (
	// ErrVPNDetected denies a request whose VPN score crossed the policy threshold.
	ErrVPNDetected = errors.New("vpn or proxy detected")
	// ErrLowConfidence denies a request whose location confidence is below the policy floor.
	ErrLowConfidence = errors.New("location confidence too low")
	// ErrInvalidPolicy reports an unusable gate configuration.
	ErrInvalidPolicy = errors.New("invalid fraud policy")
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"

	SignalHostingKeyword   = "hosting_keyword"
	SignalProxyReputation  = "proxy_reputation"
	SignalPrivateAddress   = "private_address"
	SignalLowConfidence    = "low_confidence"
	defaultLookupTimeout   = 2 * time.Second
	defaultLowConfidence   = 0.5
	defaultMinConfidence   = 0.25
	defaultVPNThreshold    = 0.5
	defaultKeywordWeight   = 0.6
	defaultReputationScore = 0.5
	defaultPrivateWeight   = 0.4
	defaultLowConfWeight   = 0.3
)

// Policy holds the tunable weights of the VPN score and the deny thresholds.
type Policy struct {
	KeywordWeight          float64
	ReputationWeight       float64
	PrivateIPWeight        float64
	LowConfidenceWeight    float64
	LowConfidenceThreshold float64
	VPNThreshold           float64
	MinConfidence          float64
	HostingKeywords        []string
	LookupTimeout          time.Duration
}

// DefaultPolicy returns the production weights.
func DefaultPolicy() Policy {
	return Policy{
		KeywordWeight:          defaultKeywordWeight,
		ReputationWeight:       defaultReputationScore,
		PrivateIPWeight:        defaultPrivateWeight,
		LowConfidenceWeight:    defaultLowConfWeight,
		LowConfidenceThreshold: defaultLowConfidence,
		VPNThreshold:           defaultVPNThreshold,
		MinConfidence:          defaultMinConfidence,
		HostingKeywords: []string{
			"vpn", "proxy", "hosting", "datacenter", "data center", "digitalocean", "amazon", "aws",
			"google cloud", "microsoft azure", "ovh", "hetzner", "linode", "vultr", "m247", "choopa",
		},
		LookupTimeout: defaultLookupTimeout,
	}
}

func (policy Policy) validate() error {
	for _, value := range []float64{policy.LowConfidenceThreshold, policy.MinConfidence} {
		if value < 0 || value > 1 {
			return fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidPolicy, value)
		}
	}
	for _, weight := range []float64{policy.KeywordWeight, policy.ReputationWeight, policy.PrivateIPWeight, policy.LowConfidenceWeight, policy.VPNThreshold} {
		if weight < 0 {
			return fmt.Errorf("%w: negative weight %v", ErrInvalidPolicy, weight)
		}
	}
	if policy.LookupTimeout <= 0 {
		return fmt.Errorf("%w: lookup timeout must be positive", ErrInvalidPolicy)
	}
	return nil
}

// Jurisdictions answers the prohibited-currency rule.
type Jurisdictions interface {
	IsProhibited(country ledger.CountryCode, currency ledger.CurrencyCode) bool
}

// AccountRegion is the account state the region-lock rule reads.
type AccountRegion struct {
	AssignedRegion ledger.CountryCode
	Locked         bool
}

// EligibilityRequest is one gate evaluation.
type EligibilityRequest struct {
	UserID            ledger.UserID
	Assessment        location.Assessment
	RequestedCurrency ledger.CurrencyCode
	Account           AccountRegion
}

// Decision is the gate verdict. Assessment carries IsVPN as computed by the gate.
type Decision struct {
	Allowed    bool
	Reason     error
	VPNScore   float64
	Reputation Reputation
	Signals    []string
	Assessment location.Assessment
}

// Outcome renders the decision as allow or deny.
func (decision Decision) Outcome() string {
	if decision.Allowed {
		return DecisionAllow
	}
	return DecisionDeny
}

// Suspicious reports whether the decision must be audited.
func (decision Decision) Suspicious() bool {
	return !decision.Allowed || decision.Assessment.IsVPN || decision.Assessment.IsSuspicious
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithReputation wires the third-party reputation lookup.
func WithReputation(lookup ReputationLookup) GateOption {
	return func(gate *Gate) {
		gate.reputation = lookup
	}
}

// WithAuditQueue routes suspicious decisions to the audit trail.
func WithAuditQueue(queue *AuditQueue) GateOption {
	return func(gate *Gate) {
		gate.audit = queue
	}
}

// WithClock overrides the audit timestamp source.
func WithClock(now func() int64) GateOption {
	return func(gate *Gate) {
		if now != nil {
			gate.nowFn = now
		}
	}
}

// Gate evaluates eligibility. It is safe for concurrent use.
type Gate struct {
	policy        Policy
	jurisdictions Jurisdictions
	reputation    ReputationLookup
	audit         *AuditQueue
	logger        *zap.Logger
	nowFn         func() int64
}

// NewGate validates the policy and wires the gate.
func NewGate(policy Policy, jurisdictions Jurisdictions, logger *zap.Logger, options ...GateOption) (*Gate, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	if jurisdictions == nil {
		return nil, fmt.Errorf("%w: jurisdictions are nil", ErrInvalidPolicy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := &Gate{
		policy:        policy,
		jurisdictions: jurisdictions,
		logger:        logger,
		nowFn:         func() int64 { return time.Now().UTC().Unix() },
	}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	return gate, nil
}

// Evaluate applies, in order: prohibited currency, region lock, VPN score, minimum confidence.
func (gate *Gate) Evaluate(ctx context.Context, request EligibilityRequest) Decision {
	assessment := request.Assessment
	decision := Decision{Allowed: true, Reputation: ReputationUnknown}

	normalized := strings.ToLower(assessment.ASNOrganization)
	if normalized != "" && matchesKeyword(normalized, gate.policy.HostingKeywords) {
		decision.VPNScore += gate.policy.KeywordWeight
		decision.Signals = append(decision.Signals, SignalHostingKeyword)
	}
	if !assessment.PrivateIP {
		decision.Reputation = boundedReputation(ctx, gate.reputation, assessment.IPAddress, gate.policy.LookupTimeout, gate.logger)
	}
	if decision.Reputation == ReputationProxy {
		decision.VPNScore += gate.policy.ReputationWeight
		decision.Signals = append(decision.Signals, SignalProxyReputation)
	}
	if assessment.PrivateIP {
		decision.VPNScore += gate.policy.PrivateIPWeight
		decision.Signals = append(decision.Signals, SignalPrivateAddress)
	}
	if assessment.Confidence < gate.policy.LowConfidenceThreshold {
		decision.VPNScore += gate.policy.LowConfidenceWeight
		decision.Signals = append(decision.Signals, SignalLowConfidence)
	}
	assessment.IsVPN = decision.VPNScore > gate.policy.VPNThreshold
	decision.Assessment = assessment

	switch {
	case !request.RequestedCurrency.IsZero() && gate.jurisdictions.IsProhibited(assessment.CountryCode, request.RequestedCurrency):
		decision.deny(ledger.ErrProhibitedCurrency)
	case request.Account.Locked && !request.Account.AssignedRegion.IsZero() && request.Account.AssignedRegion != assessment.CountryCode:
		decision.deny(ledger.ErrRegionLocked)
	case assessment.IsVPN:
		decision.deny(ErrVPNDetected)
	case assessment.Confidence < gate.policy.MinConfidence:
		decision.deny(ErrLowConfidence)
	}

	if decision.Suspicious() && gate.audit != nil {
		gate.audit.Submit(gate.securityEvent(request.UserID, decision))
	}
	return decision
}

func (decision *Decision) deny(reason error) {
	decision.Allowed = false
	decision.Reason = reason
}

func (gate *Gate) securityEvent(userID ledger.UserID, decision Decision) SecurityEvent {
	assessment := decision.Assessment
	reason := ""
	if decision.Reason != nil {
		reason = decision.Reason.Error()
	}
	signals := append(append([]string(nil), assessment.Signals...), decision.Signals...)
	return SecurityEvent{
		UserID:          userID.String(),
		IPAddress:       assessment.IPAddress,
		CountryCode:     assessment.CountryCode.String(),
		ASNOrganization: assessment.ASNOrganization,
		UserAgent:       assessment.UserAgent,
		Confidence:      assessment.Confidence,
		VPNScore:        decision.VPNScore,
		IsVPN:           assessment.IsVPN,
		IsSuspicious:    assessment.IsSuspicious,
		Decision:        decision.Outcome(),
		Reason:          reason,
		Signals:         signals,
		CreatedUnixUTC:  gate.nowFn(),
	}
}

func matchesKeyword(value string, keywords []string) bool {
	for _, keyword := range keywords {
		if keyword != "" && strings.Contains(value, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
