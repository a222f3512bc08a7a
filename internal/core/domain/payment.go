package domain

import "time"

// CardPayment is a single LNURL-withdraw session, created on a successful
// tap and updated at most once by the callback.
type CardPayment struct {
	ID          int64
	CardID      int64
	K1Session   string // 32-byte hex token naming the session
	Invoice     *string
	AmountMsats *int64
	Paid        bool
	// Failed marks a bound session whose dispatch attempt did not succeed,
	// freeing its amount from the rolling day-limit reservation.
	Failed      bool
	PaymentTime *time.Time
	CreatedAt   time.Time
}

// SessionTTL is how long a withdraw session remains claimable after creation.
const SessionTTL = 5 * time.Minute

// Bound reports whether an invoice has already been bound to this session.
func (p *CardPayment) Bound() bool {
	return p.Invoice != nil
}

// Expired reports whether the session's TTL has elapsed as of now.
func (p *CardPayment) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > SessionTTL
}

// AmountSats returns the bound amount in satoshis, or 0 if unbound.
func (p *CardPayment) AmountSats() int64 {
	if p.AmountMsats == nil {
		return 0
	}
	return *p.AmountMsats / 1000
}
