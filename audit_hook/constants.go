package audithook

// Action constants for audit events.
const (
	// Movement actions
	ActionDepositRecorded  = "deposit.recorded"
	ActionWithdrawRecorded = "withdraw.recorded"
	ActionPaymentRecorded  = "payment.recorded"

	// Reversal actions
	ActionEntrySkipped = "entry.skipped"

	// Configuration actions
	ActionRatesChanged = "rates.changed"

	// Period actions
	ActionPeriodReset = "period.reset"
	ActionGroupWiped  = "group.wiped"

	// Rejections
	ActionOperationRejected = "operation.rejected"
)

// Resource constants for audit events.
const (
	ResourceEntry = "entry"
	ResourceRates = "rates"
	ResourceGroup = "group"
)

// Category constants for audit events.
const (
	CategoryLedger        = "ledger"
	CategoryPayment       = "payment"
	CategoryConfiguration = "configuration"
	CategoryAccess        = "access"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
