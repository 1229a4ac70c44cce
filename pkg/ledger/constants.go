package ledger

const (
	operationPost               = "post"
	operationAssignRegion       = "assign_region"
	operationOverrideRegion     = "override_region"
	operationInitializePools    = "initialize_pools"
	operationDeactivatePool     = "deactivate_pool"
	operationPostRevenue        = "post_revenue"
	operationPostImpression     = "post_impression"
	operationCloseOut           = "close_out"
	operationConvertAccount     = "convert_account"
	operationWithdrawalRequest  = "withdrawal_request"
	operationWithdrawalDispatch = "withdrawal_dispatch"
	operationWithdrawalConfirm  = "withdrawal_confirm"
	operationWithdrawalFail     = "withdrawal_fail"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "service"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectBatch     = "batch"
	errorSubjectPool      = "pool"
	errorCodeReplay       = "replay_mismatch"
	errorCodeStale        = "stale_version"
	errorCodeSnapshot     = "snapshot_mismatch"
	errorCodeDistribution = "over_distribution"
	errorCodeSplit        = "split_mismatch"

	idempotencyKeyDelimiter   = ":"
	idempotencyPrefixAward    = "impression"
	idempotencyPrefixConvert  = "conversion"
	idempotencyPrefixWithdraw = "withdrawal"
	idempotencyPrefixOverride = "region_override"
	idempotencySuffixReversal = "reversal"

	basisPointsDenominator int64 = 10000
	rateDisplayPrecision   int32 = 12
)
