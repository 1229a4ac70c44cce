package fraud

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/location"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/regions"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

type stubReputation struct {
	verdict Reputation
	err     error
	block   bool
}

func (stub stubReputation) Reputation(ctx context.Context, _ string) (Reputation, error) {
	if stub.block {
		<-ctx.Done()
		return ReputationUnknown, ctx.Err()
	}
	return stub.verdict, stub.err
}

type recordingAuditStore struct {
	mutex  sync.Mutex
	events []SecurityEvent
	err    error
}

func (store *recordingAuditStore) InsertSecurityEvent(_ context.Context, event SecurityEvent) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.err != nil {
		return store.err
	}
	store.events = append(store.events, event)
	return nil
}

func (store *recordingAuditStore) ListSecurityEvents(context.Context, int64, int) ([]SecurityEvent, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]SecurityEvent(nil), store.events...), nil
}

func (store *recordingAuditStore) count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.events)
}

func mustCountry(test *testing.T, raw string) ledger.CountryCode {
	test.Helper()
	country, err := ledger.NewCountryCode(raw)
	if err != nil {
		test.Fatalf("country: %v", err)
	}
	return country
}

func mustCurrency(test *testing.T, raw string) ledger.CurrencyCode {
	test.Helper()
	currency, err := ledger.NewCurrencyCode(raw)
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	return currency
}

func mustCatalog(test *testing.T) *regions.Catalog {
	test.Helper()
	catalog, err := regions.NewCatalog(regions.DefaultDefinitions(), "")
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	return catalog
}

func mustGate(test *testing.T, policy Policy, options ...GateOption) *Gate {
	test.Helper()
	gate, err := NewGate(policy, mustCatalog(test), zap.NewNop(), options...)
	if err != nil {
		test.Fatalf("gate: %v", err)
	}
	return gate
}

func cleanAssessment(test *testing.T, country string) location.Assessment {
	test.Helper()
	return location.Assessment{
		IPAddress:       "203.0.113.7",
		CountryCode:     mustCountry(test, country),
		ASNOrganization: "Comcast Cable",
		GeoMatched:      true,
		Confidence:      0.95,
	}
}

func TestEvaluateAllowsCleanRequest(test *testing.T) {
	test.Parallel()
	gate := mustGate(test, DefaultPolicy(), WithReputation(stubReputation{verdict: ReputationClean}))
	decision := gate.Evaluate(context.Background(), EligibilityRequest{Assessment: cleanAssessment(test, "US")})
	if !decision.Allowed || decision.Reason != nil {
		test.Fatalf("expected allow, got %+v", decision)
	}
	if decision.VPNScore != 0 || decision.Assessment.IsVPN || decision.Reputation != ReputationClean {
		test.Fatalf("unexpected score: %+v", decision)
	}
}

func TestEvaluateScoresVPNSignals(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		mutate     func(*location.Assessment)
		reputation Reputation
		wantScore  float64
		wantVPN    bool
		wantReason error
	}{
		{
			name:       "hosting keyword alone",
			mutate:     func(assessment *location.Assessment) { assessment.ASNOrganization = "DigitalOcean, LLC" },
			reputation: ReputationUnknown,
			wantScore:  0.6,
			wantVPN:    true,
			wantReason: ErrVPNDetected,
		},
		{
			name:       "proxy reputation alone stays under threshold",
			mutate:     func(*location.Assessment) {},
			reputation: ReputationProxy,
			wantScore:  0.5,
			wantVPN:    false,
		},
		{
			name:       "proxy reputation with low confidence",
			mutate:     func(assessment *location.Assessment) { assessment.Confidence = 0.4 },
			reputation: ReputationProxy,
			wantScore:  0.8,
			wantVPN:    true,
			wantReason: ErrVPNDetected,
		},
		{
			name: "private address with low confidence",
			mutate: func(assessment *location.Assessment) {
				assessment.PrivateIP = true
				assessment.Confidence = 0.38
			},
			reputation: ReputationProxy,
			wantScore:  0.7,
			wantVPN:    true,
			wantReason: ErrVPNDetected,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			gate := mustGate(test, DefaultPolicy(), WithReputation(stubReputation{verdict: testCase.reputation}))
			assessment := cleanAssessment(test, "US")
			testCase.mutate(&assessment)
			decision := gate.Evaluate(context.Background(), EligibilityRequest{Assessment: assessment})
			if diff := decision.VPNScore - testCase.wantScore; diff > 1e-9 || diff < -1e-9 {
				test.Fatalf("expected score %v, got %v", testCase.wantScore, decision.VPNScore)
			}
			if decision.Assessment.IsVPN != testCase.wantVPN {
				test.Fatalf("expected IsVPN=%v, got %v", testCase.wantVPN, decision.Assessment.IsVPN)
			}
			if testCase.wantReason == nil && !decision.Allowed {
				test.Fatalf("expected allow, got %v", decision.Reason)
			}
			if testCase.wantReason != nil && !errors.Is(decision.Reason, testCase.wantReason) {
				test.Fatalf("expected %v, got %v", testCase.wantReason, decision.Reason)
			}
		})
	}
}

func TestEvaluateHardRules(test *testing.T) {
	test.Parallel()
	gate := mustGate(test, DefaultPolicy())

	prohibited := gate.Evaluate(context.Background(), EligibilityRequest{
		Assessment:        cleanAssessment(test, "IN"),
		RequestedCurrency: mustCurrency(test, "USD"),
	})
	if !errors.Is(prohibited.Reason, ledger.ErrProhibitedCurrency) {
		test.Fatalf("expected ErrProhibitedCurrency, got %v", prohibited.Reason)
	}

	locked := gate.Evaluate(context.Background(), EligibilityRequest{
		Assessment: cleanAssessment(test, "US"),
		Account:    AccountRegion{AssignedRegion: mustCountry(test, "GB"), Locked: true},
	})
	if !errors.Is(locked.Reason, ledger.ErrRegionLocked) {
		test.Fatalf("expected ErrRegionLocked, got %v", locked.Reason)
	}

	unlocked := gate.Evaluate(context.Background(), EligibilityRequest{
		Assessment: cleanAssessment(test, "US"),
		Account:    AccountRegion{AssignedRegion: mustCountry(test, "GB"), Locked: false},
	})
	if !unlocked.Allowed {
		test.Fatalf("expected unlocked account to follow resolution, got %v", unlocked.Reason)
	}

	weak := cleanAssessment(test, "US")
	weak.Confidence = 0.2
	lowConfidence := gate.Evaluate(context.Background(), EligibilityRequest{Assessment: weak})
	if !errors.Is(lowConfidence.Reason, ErrLowConfidence) || lowConfidence.Assessment.IsVPN {
		test.Fatalf("expected ErrLowConfidence without VPN flag, got %+v", lowConfidence)
	}
}

func TestEvaluateDegradesWhenReputationTimesOut(test *testing.T) {
	test.Parallel()
	policy := DefaultPolicy()
	policy.LookupTimeout = 20 * time.Millisecond
	gate := mustGate(test, policy, WithReputation(stubReputation{block: true}))
	started := time.Now()
	decision := gate.Evaluate(context.Background(), EligibilityRequest{Assessment: cleanAssessment(test, "US")})
	if time.Since(started) > time.Second {
		test.Fatalf("lookup was not bounded")
	}
	if !decision.Allowed || decision.Reputation != ReputationUnknown {
		test.Fatalf("expected fail-open unknown verdict, got %+v", decision)
	}

	failing := mustGate(test, DefaultPolicy(), WithReputation(stubReputation{err: errors.New("provider down")}))
	if degraded := failing.Evaluate(context.Background(), EligibilityRequest{Assessment: cleanAssessment(test, "US")}); !degraded.Allowed {
		test.Fatalf("expected allow on provider error, got %v", degraded.Reason)
	}
}

func TestEvaluateAuditsSuspiciousDecisions(test *testing.T) {
	test.Parallel()
	store := &recordingAuditStore{}
	queue, err := NewAuditQueue(store, 16, zap.NewNop())
	if err != nil {
		test.Fatalf("queue: %v", err)
	}
	gate := mustGate(test, DefaultPolicy(), WithAuditQueue(queue), WithClock(func() int64 { return 1700000000 }))

	gate.Evaluate(context.Background(), EligibilityRequest{Assessment: cleanAssessment(test, "US")})
	vpn := cleanAssessment(test, "US")
	vpn.ASNOrganization = "M247 Europe SRL"
	userID, err := ledger.NewUserID("user-7")
	if err != nil {
		test.Fatalf("user: %v", err)
	}
	gate.Evaluate(context.Background(), EligibilityRequest{UserID: userID, Assessment: vpn})

	if err := queue.Close(context.Background()); err != nil {
		test.Fatalf("close: %v", err)
	}
	events, _ := store.ListSecurityEvents(context.Background(), 0, 10)
	if len(events) != 1 {
		test.Fatalf("expected only the suspicious decision audited, got %d", len(events))
	}
	event := events[0]
	if event.UserID != "user-7" || !event.IsVPN || event.Decision != DecisionDeny || event.CreatedUnixUTC != 1700000000 {
		test.Fatalf("unexpected event %+v", event)
	}
	if event.EventID == "" || len(event.Signals) == 0 {
		test.Fatalf("expected event id and signals, got %+v", event)
	}
}

func TestNewGateValidation(test *testing.T) {
	test.Parallel()
	policy := DefaultPolicy()
	policy.MinConfidence = 2
	if _, err := NewGate(policy, mustCatalog(test), nil); !errors.Is(err, ErrInvalidPolicy) {
		test.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	if _, err := NewGate(DefaultPolicy(), nil, nil); !errors.Is(err, ErrInvalidPolicy) {
		test.Fatalf("expected ErrInvalidPolicy for nil jurisdictions, got %v", err)
	}
}
