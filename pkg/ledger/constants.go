package ledger

const (
	operationAuthorize = "authorize"
	operationStatus    = "status"
	operationRefund    = "refund"
	operationTopup     = "topup"
	operationRedeem    = "redeem"
	operationAdjust    = "adjust"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyPrefixDebit  = "debit:"
	idempotencyPrefixRefund = "refund:"
	idempotencyPrefixTopup  = "topup:"
	idempotencyPrefixRedeem = "redeem:"
	idempotencyPrefixAdjust = "adjust:"

	// Conditional writes that lose a storage race are retried this many
	// times before the conflict escapes to the caller.
	storageConflictRetries = 3
)
