package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/fraud"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/rewards"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{ledger.ErrInvalidUserID, http.StatusBadRequest, "invalid_user_id"},
	{ledger.ErrInvalidReferenceID, http.StatusBadRequest, "invalid_reference_id"},
	{ledger.ErrInvalidIdempotencyKey, http.StatusBadRequest, "invalid_idempotency_key"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidWithdrawal, http.StatusBadRequest, "invalid_withdrawal"},
	{ledger.ErrInvalidCountryCode, http.StatusBadRequest, "invalid_country_code"},
	{ledger.ErrInvalidCurrencyCode, http.StatusBadRequest, "invalid_currency_code"},
	{ledger.ErrInvalidPoints, http.StatusBadRequest, "invalid_points"},
	{ledger.ErrInvalidMetadataJSON, http.StatusBadRequest, "invalid_metadata"},
	{rewards.ErrUnknownAdUnit, http.StatusBadRequest, "unknown_ad_unit"},
	{ledger.ErrProhibitedCurrency, http.StatusForbidden, "prohibited_currency"},
	{ledger.ErrRegionLocked, http.StatusForbidden, "region_locked"},
	{fraud.ErrVPNDetected, http.StatusForbidden, "vpn_detected"},
	{fraud.ErrLowConfidence, http.StatusForbidden, "low_confidence"},
	{ledger.ErrUnknownAccount, http.StatusNotFound, "unknown_account"},
	{ledger.ErrUnknownWithdrawal, http.StatusNotFound, "unknown_withdrawal"},
	{ledger.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{ledger.ErrBelowMinimumWithdrawal, http.StatusConflict, "below_minimum_withdrawal"},
	{ledger.ErrWithdrawalClosed, http.StatusConflict, "withdrawal_closed"},
	{ledger.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_idempotency_key"},
	{ledger.ErrPoolInactive, http.StatusConflict, "pool_inactive"},
	{ledger.ErrPoolClosed, http.StatusConflict, "pool_closed"},
	{ledger.ErrExternalLookupUnavailable, http.StatusServiceUnavailable, "external_lookup_unavailable"},
}

// classifyError maps a domain error to an HTTP status and a stable code.
func classifyError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}
