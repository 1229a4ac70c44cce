package payout

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
)

// ErrInvalidCallback reports a callback token that failed verification or carries bad claims.
var ErrInvalidCallback = errors.New("invalid payout callback")

// CallbackClaims is the payload the processor signs when a payout settles.
type CallbackClaims struct {
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	jwt.RegisteredClaims
}

// Callback is a verified settlement notice.
type Callback struct {
	ReferenceID ledger.ReferenceID
	Completed   bool
	Reason      string
}

// CallbackVerifier checks HS256 callback tokens signed with the processor's shared secret.
type CallbackVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewCallbackVerifier requires a non-empty secret. An empty issuer skips the issuer check.
func NewCallbackVerifier(secret string, issuer string) (*CallbackVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: signing secret is required", ErrInvalidSinkConfig)
	}
	return &CallbackVerifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer), leeway: 30 * time.Second}, nil
}

// Verify parses and validates a callback token.
func (verifier *CallbackVerifier) Verify(rawToken string) (Callback, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(verifier.leeway),
	}
	if verifier.issuer != "" {
		options = append(options, jwt.WithIssuer(verifier.issuer))
	}
	claims := &CallbackClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(rawToken), claims, func(*jwt.Token) (interface{}, error) {
		return verifier.secret, nil
	}, options...)
	if err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	referenceID, err := ledger.NewReferenceID(claims.ReferenceID)
	if err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	switch claims.Status {
	case CallbackCompleted:
		return Callback{ReferenceID: referenceID, Completed: true}, nil
	case CallbackFailed:
		return Callback{ReferenceID: referenceID, Reason: strings.TrimSpace(claims.Reason)}, nil
	default:
		return Callback{}, fmt.Errorf("%w: status %q", ErrInvalidCallback, claims.Status)
	}
}

// Sign issues a token in the processor's callback format.
func (verifier *CallbackVerifier) Sign(claims CallbackClaims) (string, error) {
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now().UTC())
	}
	if claims.Issuer == "" {
		claims.Issuer = verifier.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(verifier.secret)
}
