package payout

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mustVerifier(test *testing.T, secret string, issuer string) *CallbackVerifier {
	test.Helper()
	verifier, err := NewCallbackVerifier(secret, issuer)
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	return verifier
}

func TestVerifyCallbackStatuses(test *testing.T) {
	test.Parallel()
	verifier := mustVerifier(test, "shared-secret", "processor")

	completedToken, err := verifier.Sign(CallbackClaims{ReferenceID: "wd-1", Status: CallbackCompleted})
	if err != nil {
		test.Fatalf("sign: %v", err)
	}
	completed, err := verifier.Verify(completedToken)
	if err != nil || !completed.Completed || completed.ReferenceID.String() != "wd-1" {
		test.Fatalf("unexpected callback %+v (%v)", completed, err)
	}

	failedToken, err := verifier.Sign(CallbackClaims{ReferenceID: "wd-2", Status: CallbackFailed, Reason: " account closed "})
	if err != nil {
		test.Fatalf("sign: %v", err)
	}
	failed, err := verifier.Verify(failedToken)
	if err != nil || failed.Completed || failed.Reason != "account closed" {
		test.Fatalf("unexpected callback %+v (%v)", failed, err)
	}
}

func TestVerifyRejectsBadTokens(test *testing.T) {
	test.Parallel()
	verifier := mustVerifier(test, "shared-secret", "processor")
	forger := mustVerifier(test, "other-secret", "processor")
	foreign := mustVerifier(test, "shared-secret", "someone-else")

	forged, _ := forger.Sign(CallbackClaims{ReferenceID: "wd-1", Status: CallbackCompleted})
	wrongIssuer, _ := foreign.Sign(CallbackClaims{ReferenceID: "wd-1", Status: CallbackCompleted})
	badStatus, _ := verifier.Sign(CallbackClaims{ReferenceID: "wd-1", Status: "maybe"})
	missingReference, _ := verifier.Sign(CallbackClaims{Status: CallbackCompleted})
	expired, _ := verifier.Sign(CallbackClaims{
		ReferenceID:      "wd-1",
		Status:           CallbackCompleted,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	})
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, CallbackClaims{ReferenceID: "wd-1", Status: CallbackCompleted}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"forged":            forged,
		"wrong issuer":      wrongIssuer,
		"bad status":        badStatus,
		"missing reference": missingReference,
		"expired":           expired,
		"unsigned":          unsigned,
		"garbage":           "not.a.token",
	} {
		if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidCallback) {
			test.Fatalf("%s: expected ErrInvalidCallback, got %v", name, err)
		}
	}
}

func TestNewCallbackVerifierRequiresSecret(test *testing.T) {
	test.Parallel()
	if _, err := NewCallbackVerifier("  ", ""); !errors.Is(err, ErrInvalidSinkConfig) {
		test.Fatalf("expected ErrInvalidSinkConfig, got %v", err)
	}
}
