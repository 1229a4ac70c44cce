package httpapi

import "github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"

type impressionRequest struct {
	UserID       string `json:"user_id"`
	AdUnitRef    string `json:"ad_unit_ref"`
	ImpressionID string `json:"impression_id"`
}

type withdrawalRequest struct {
	UserID           string `json:"user_id"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Destination      string `json:"destination"`
	IdempotencyKey   string `json:"idempotency_key"`
}

type callbackRequest struct {
	Token string `json:"token" binding:"required"`
}

type impressionPayload struct {
	PointsAwarded int64   `json:"points_awarded"`
	CountryCode   string  `json:"country_code"`
	CurrencyCode  string  `json:"currency_code"`
	EntryID       string  `json:"entry_id"`
	Confidence    float64 `json:"confidence"`
}

type balancePayload struct {
	PendingPoints         int64  `json:"pending_points"`
	CashBalanceMinorUnits int64  `json:"cash_balance_minor_units"`
	CurrencyCode          string `json:"currency_code"`
	CountryCode           string `json:"country_code"`
	LocationLocked        bool   `json:"location_locked"`
}

type withdrawalPayload struct {
	WithdrawalID     string `json:"withdrawal_id"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	CurrencyCode     string `json:"currency_code"`
	Destination      string `json:"destination"`
	Status           string `json:"status"`
	FailureReason    string `json:"failure_reason,omitempty"`
	RequestedUnixUTC int64  `json:"requested_unix_utc"`
}

func newWithdrawalPayload(withdrawal ledger.WithdrawalRequest) withdrawalPayload {
	return withdrawalPayload{
		WithdrawalID:     withdrawal.WithdrawalID.String(),
		AmountMinorUnits: withdrawal.Amount.Int64(),
		CurrencyCode:     withdrawal.Currency.String(),
		Destination:      withdrawal.Destination,
		Status:           string(withdrawal.Status),
		FailureReason:    withdrawal.FailureReason,
		RequestedUnixUTC: withdrawal.RequestedUnixUTC,
	}
}
