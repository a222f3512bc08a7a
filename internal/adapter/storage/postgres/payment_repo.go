package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"boltcard-withdraw-authority/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// CardPaymentRepo implements ports.CardPaymentRepository.
type CardPaymentRepo struct {
	pool Pool
}

// NewCardPaymentRepo creates a new CardPaymentRepo.
func NewCardPaymentRepo(pool Pool) *CardPaymentRepo {
	return &CardPaymentRepo{pool: pool}
}

// Create inserts a new withdraw session row.
func (r *CardPaymentRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.CardPayment) error {
	query := `INSERT INTO card_payments (card_id, k1_session, paid, created_at)
		VALUES ($1, $2, false, $3) RETURNING payment_id`
	return tx.QueryRow(ctx, query, p.CardID, p.K1Session, p.CreatedAt).Scan(&p.ID)
}

const paymentSelectQuery = `SELECT payment_id, card_id, k1_session, invoice, amount_msats,
	paid, failed, payment_time, created_at FROM card_payments`

func scanPayment(row pgx.Row) (*domain.CardPayment, error) {
	p := &domain.CardPayment{}
	err := row.Scan(
		&p.ID, &p.CardID, &p.K1Session, &p.Invoice, &p.AmountMsats,
		&p.Paid, &p.Failed, &p.PaymentTime, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get card payment: %w", err)
	}
	return p, nil
}

// GetByK1Session fetches a session by its token (non-locking read), used
// by the callback's initial session lookup before the locked bind.
func (r *CardPaymentRepo) GetByK1Session(ctx context.Context, k1Session string) (*domain.CardPayment, error) {
	return scanPayment(r.pool.QueryRow(ctx, paymentSelectQuery+" WHERE k1_session = $1", k1Session))
}

// GetByK1SessionForUpdate locks the session row for the callback's
// single-winner invoice bind. Must be called within a transaction.
func (r *CardPaymentRepo) GetByK1SessionForUpdate(ctx context.Context, tx pgx.Tx, k1Session string) (*domain.CardPayment, error) {
	return scanPayment(tx.QueryRow(ctx, paymentSelectQuery+" WHERE k1_session = $1 FOR UPDATE", k1Session))
}

// BindInvoice atomically binds the invoice and amount to a session. The
// WHERE clause requires the session to be unbound, so a second concurrent
// bind attempt (racing in from a distinct transaction queued behind the
// FOR UPDATE lock) affects zero rows and reports bound=false rather than
// an error, mirroring AdvanceCounter's compare-and-swap convention.
func (r *CardPaymentRepo) BindInvoice(ctx context.Context, tx pgx.Tx, paymentID int64, invoice string, amountMsats int64) (bool, error) {
	query := `UPDATE card_payments SET invoice = $1, amount_msats = $2
		WHERE payment_id = $3 AND invoice IS NULL`
	tag, err := tx.Exec(ctx, query, invoice, amountMsats, paymentID)
	if err != nil {
		return false, fmt.Errorf("bind invoice: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPaid marks a bound session as settled.
func (r *CardPaymentRepo) MarkPaid(ctx context.Context, tx pgx.Tx, paymentID int64, paymentTime time.Time) error {
	query := `UPDATE card_payments SET paid = true, payment_time = $1 WHERE payment_id = $2`
	tag, err := tx.Exec(ctx, query, paymentTime, paymentID)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("card payment not found: %d", paymentID)
	}
	return nil
}

// MarkFailed marks a bound session's dispatch attempt as failed, freeing
// its amount from SumPaidLast24hForUpdate's reservation.
func (r *CardPaymentRepo) MarkFailed(ctx context.Context, tx pgx.Tx, paymentID int64) error {
	query := `UPDATE card_payments SET failed = true WHERE payment_id = $1`
	tag, err := tx.Exec(ctx, query, paymentID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("card payment not found: %d", paymentID)
	}
	return nil
}
