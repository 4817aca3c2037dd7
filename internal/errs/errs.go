package errs

import "errors"

// Rejection reasons. Every failed operation wraps exactly one of these so
// callers can branch with errors.Is.
var (
	ErrInsufficientShares          = errors.New("insufficient shares")
	ErrInsufficientLiquidity       = errors.New("insufficient liquidity")
	ErrInsufficientSystemLiquidity = errors.New("insufficient system liquidity")
	ErrCapExceeded                 = errors.New("cap exceeded")
	ErrLendLimitExceeded           = errors.New("lend limit exceeded")
	ErrNotActiveCreditor           = errors.New("not an active creditor")
	ErrNotYetActive                = errors.New("not yet active")
	ErrClaimPending                = errors.New("there are unresolved claims")
	ErrNoDividend                  = errors.New("must have non-zero dividend")
	ErrSlippageExceeded            = errors.New("slippage exceeded")
	ErrInsufficientProfit          = errors.New("insufficient profit")
	ErrUnauthorized                = errors.New("unauthorized")
	ErrAlreadyInitialized          = errors.New("already initialized")

	ErrUnknownEntity         = errors.New("unknown entity")
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrDebtOutstanding       = errors.New("debt outstanding")
	ErrNoActiveClaim         = errors.New("no active claim")
	ErrUnsupported           = errors.New("unsupported operation")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvariantViolated     = errors.New("invariant violated")
)

var reasons = []struct {
	err   error
	label string
}{
	// InsufficientProfit is reported together with SlippageExceeded, so it
	// must be matched first.
	{ErrInsufficientProfit, "insufficient_profit"},
	{ErrLendLimitExceeded, "lend_limit_exceeded"},
	{ErrInsufficientShares, "insufficient_shares"},
	{ErrInsufficientSystemLiquidity, "insufficient_system_liquidity"},
	{ErrInsufficientLiquidity, "insufficient_liquidity"},
	{ErrCapExceeded, "cap_exceeded"},
	{ErrNotActiveCreditor, "not_active_creditor"},
	{ErrNotYetActive, "not_yet_active"},
	{ErrClaimPending, "claim_pending"},
	{ErrNoDividend, "no_dividend"},
	{ErrSlippageExceeded, "slippage_exceeded"},
	{ErrUnauthorized, "unauthorized"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrUnknownEntity, "unknown_entity"},
	{ErrInvalidParameter, "invalid_parameter"},
	{ErrDebtOutstanding, "debt_outstanding"},
	{ErrNoActiveClaim, "no_active_claim"},
	{ErrUnsupported, "unsupported"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInsufficientAllowance, "insufficient_allowance"},
	{ErrInvariantViolated, "invariant_violated"},
}

// Reason maps an error to the short label used in metrics and API responses.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "internal"
}
