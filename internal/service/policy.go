package service

import "boltcard-withdraw-authority/pkg/apperror"

const minWithdrawableMsats = 1000

// maxWithdrawableMsats computes the LNURL-withdraw maxWithdrawable value:
// the smaller of the per-transaction cap and the remaining daily allowance,
// clamped to zero once the daily cap is exhausted.
func maxWithdrawableMsats(txLimitSats, dayLimitSats, sumPaidLast24h int64) int64 {
	remaining := dayLimitSats - sumPaidLast24h
	if remaining < 0 {
		remaining = 0
	}

	capSats := txLimitSats
	if remaining < capSats {
		capSats = remaining
	}
	return capSats * 1000
}

// checkWithdrawAmount validates a requested withdrawal against the
// per-transaction and rolling-24h spending limits. The callback calls it
// twice: once against the paid-only sum, and again under the card lock
// against the reservation-inclusive sum just before binding.
func checkWithdrawAmount(amountMsats, txLimitSats, dayLimitSats, sumPaidLast24h int64) error {
	if amountMsats < minWithdrawableMsats {
		return apperror.ErrInvoiceInvalid("amount below 1 sat minimum")
	}
	if amountMsats > txLimitSats*1000 {
		return apperror.ErrLimitExceeded()
	}
	amountSats := amountMsats / 1000
	if sumPaidLast24h+amountSats > dayLimitSats {
		return apperror.ErrLimitExceeded()
	}
	return nil
}
