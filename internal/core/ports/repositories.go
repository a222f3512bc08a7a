package ports

import (
	"context"
	"errors"
	"time"

	"boltcard-withdraw-authority/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// One-time registration code classification errors. FetchProvisioning's
// atomic claim-or-fail UPDATE can only report "zero rows affected"; these
// let any caller distinguish why without depending on a concrete storage
// adapter.
var (
	ErrOneTimeCodeNotFound = errors.New("one_time_code: not found")
	ErrOneTimeCodeUsed     = errors.New("one_time_code: already used")
	ErrOneTimeCodeExpired  = errors.New("one_time_code: expired")
)

// CreateCardParams holds the admin-supplied fields for a new card.
type CreateCardParams struct {
	CardName     string
	TxLimitSats  int64
	DayLimitSats int64
	Enabled      bool
}

// ProvisioningResult is the key material and metadata returned exactly once
// to the NFC programming app.
type ProvisioningResult struct {
	CardID   int64
	CardName string
	K0, K1, K2, K3, K4 [16]byte
}

// CardRepository defines persistence operations for cards.
//
// advance_counter is the replay-protection linchpin: it MUST be
// serializable against concurrent taps of the same card_id.
type CardRepository interface {
	Create(ctx context.Context, params CreateCardParams) (cardID int64, oneTimeCode string, err error)
	FetchProvisioning(ctx context.Context, oneTimeCode string, now time.Time) (*ProvisioningResult, error)
	GetByID(ctx context.Context, cardID int64) (*domain.Card, error)
	AdvanceCounter(ctx context.Context, tx pgx.Tx, cardID int64, newCounter uint32) (bool, error)
	RecordTapUID(ctx context.Context, tx pgx.Tx, cardID int64, uid string) error
	SumPaidLast24h(ctx context.Context, cardID int64, now time.Time) (int64, error)

	// LockForUpdate locks a card row for the caller's transaction, the
	// per-card serialization point that makes the day-limit recheck below
	// safe against concurrent callbacks on distinct sessions of one card.
	LockForUpdate(ctx context.Context, tx pgx.Tx, cardID int64) (*domain.Card, error)
	// SumPaidLast24hForUpdate is SumPaidLast24h's transaction-scoped
	// counterpart: it also counts bound-but-not-failed (reserved, not yet
	// settled) payments, so an amount is reserved against the cap the
	// moment it is bound rather than only once it is paid.
	SumPaidLast24hForUpdate(ctx context.Context, tx pgx.Tx, cardID int64, now time.Time) (int64, error)
}

// CardPaymentRepository defines persistence operations for withdraw sessions.
type CardPaymentRepository interface {
	Create(ctx context.Context, tx pgx.Tx, payment *domain.CardPayment) error
	GetByK1Session(ctx context.Context, k1Session string) (*domain.CardPayment, error)
	GetByK1SessionForUpdate(ctx context.Context, tx pgx.Tx, k1Session string) (*domain.CardPayment, error)
	BindInvoice(ctx context.Context, tx pgx.Tx, paymentID int64, invoice string, amountMsats int64) (bool, error)
	MarkPaid(ctx context.Context, tx pgx.Tx, paymentID int64, paymentTime time.Time) error
	// MarkFailed frees a bound session's amount from the day-limit
	// reservation after its dispatch attempt did not succeed.
	MarkFailed(ctx context.Context, tx pgx.Tx, paymentID int64) error
}

// DBTransactor provides database transaction management, mirroring the
// teacher's pessimistic-locking convention: any port method that must
// participate in the caller's transaction accepts a pgx.Tx.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SessionCache is a best-effort fast-path cache for withdraw sessions.
// Postgres remains the source of truth; a cache failure or miss must never
// block a request, only fall through to the database.
type SessionCache interface {
	Put(ctx context.Context, k1Session string, cardID int64, ttl time.Duration) error
	GetCardID(ctx context.Context, k1Session string) (int64, bool)
	Invalidate(ctx context.Context, k1Session string) error
}
