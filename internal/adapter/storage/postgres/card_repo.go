package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"boltcard-withdraw-authority/internal/core/domain"
	"boltcard-withdraw-authority/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

// provisioningTTL is how long a freshly-created one-time code remains
// fetchable before it expires unused.
const provisioningTTL = 24 * time.Hour

// CardRepo implements ports.CardRepository.
type CardRepo struct {
	pool Pool
}

// NewCardRepo creates a new CardRepo.
func NewCardRepo(pool Pool) *CardRepo {
	return &CardRepo{pool: pool}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomKey() ([16]byte, error) {
	var k [16]byte
	_, err := rand.Read(k[:])
	return k, err
}

// Create generates five AES keys and a one-time registration code and
// inserts a new, UID-less, zero-counter card.
func (r *CardRepo) Create(ctx context.Context, params ports.CreateCardParams) (int64, string, error) {
	keys := make([][16]byte, 5)
	for i := range keys {
		k, err := randomKey()
		if err != nil {
			return 0, "", fmt.Errorf("generating card key: %w", err)
		}
		keys[i] = k
	}

	code, err := randomHex(32)
	if err != nil {
		return 0, "", fmt.Errorf("generating one-time code: %w", err)
	}

	query := `INSERT INTO cards
		(uid, k0, k1, k2, k3, k4, last_counter, enabled, tx_limit_sats, day_limit_sats,
		 card_name, one_time_code, one_time_code_expiry, one_time_code_used, created_at)
		VALUES ('', $1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11, false, NOW())
		RETURNING card_id`

	var cardID int64
	expiry := time.Now().UTC().Add(provisioningTTL)
	err = r.pool.QueryRow(ctx, query,
		keys[0][:], keys[1][:], keys[2][:], keys[3][:], keys[4][:],
		params.Enabled, params.TxLimitSats, params.DayLimitSats, params.CardName,
		code, expiry,
	).Scan(&cardID)
	if err != nil {
		return 0, "", fmt.Errorf("insert card: %w", err)
	}

	return cardID, code, nil
}

// FetchProvisioning atomically consumes a one-time code: it requires the
// code to be unused and unexpired, then marks it used in the same
// statement so a second concurrent fetch observes zero rows affected.
func (r *CardRepo) FetchProvisioning(ctx context.Context, oneTimeCode string, now time.Time) (*ports.ProvisioningResult, error) {
	query := `UPDATE cards
		SET one_time_code_used = true
		WHERE one_time_code = $1 AND one_time_code_used = false AND one_time_code_expiry > $2
		RETURNING card_id, card_name, k0, k1, k2, k3, k4`

	res := &ports.ProvisioningResult{}
	var k0, k1, k2, k3, k4 []byte
	err := r.pool.QueryRow(ctx, query, oneTimeCode, now).Scan(
		&res.CardID, &res.CardName, &k0, &k1, &k2, &k3, &k4,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.classifyFetchFailure(ctx, oneTimeCode, now)
		}
		return nil, fmt.Errorf("fetch provisioning: %w", err)
	}

	copy(res.K0[:], k0)
	copy(res.K1[:], k1)
	copy(res.K2[:], k2)
	copy(res.K3[:], k3)
	copy(res.K4[:], k4)
	return res, nil
}

// classifyFetchFailure distinguishes NotFound/AlreadyUsed/Expired after the
// atomic UPDATE above affected zero rows, by inspecting the row read-only.
func (r *CardRepo) classifyFetchFailure(ctx context.Context, oneTimeCode string, now time.Time) error {
	var used bool
	var expiry time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT one_time_code_used, one_time_code_expiry FROM cards WHERE one_time_code = $1`,
		oneTimeCode,
	).Scan(&used, &expiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ports.ErrOneTimeCodeNotFound
		}
		return fmt.Errorf("classify provisioning fetch failure: %w", err)
	}
	if used {
		return ports.ErrOneTimeCodeUsed
	}
	if !now.Before(expiry) {
		return ports.ErrOneTimeCodeExpired
	}
	return ports.ErrOneTimeCodeNotFound
}

// GetByID fetches a card by its ID (non-locking read).
func (r *CardRepo) GetByID(ctx context.Context, cardID int64) (*domain.Card, error) {
	return r.scanCard(r.pool.QueryRow(ctx, cardSelectQuery+" WHERE card_id = $1", cardID))
}

const cardSelectQuery = `SELECT card_id, uid, k0, k1, k2, k3, k4, last_counter, enabled,
	tx_limit_sats, day_limit_sats, card_name, one_time_code, one_time_code_expiry,
	one_time_code_used, created_at FROM cards`

func (r *CardRepo) scanCard(row pgx.Row) (*domain.Card, error) {
	c := &domain.Card{}
	var k0, k1, k2, k3, k4 []byte
	var oneTimeCode *string
	var oneTimeCodeExpiry *time.Time
	err := row.Scan(
		&c.ID, &c.UID, &k0, &k1, &k2, &k3, &k4, &c.LastCounter, &c.Enabled,
		&c.TxLimitSats, &c.DayLimitSats, &c.CardName, &oneTimeCode, &oneTimeCodeExpiry,
		&c.OneTimeCodeUsed, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get card: %w", err)
	}
	copy(c.K0[:], k0)
	copy(c.K1[:], k1)
	copy(c.K2[:], k2)
	copy(c.K3[:], k3)
	copy(c.K4[:], k4)
	if oneTimeCode != nil {
		c.OneTimeCode = *oneTimeCode
	}
	if oneTimeCodeExpiry != nil {
		c.OneTimeCodeExpiry = *oneTimeCodeExpiry
	}
	return c, nil
}

// AdvanceCounter is the replay-protection linchpin: the compare-and-swap
// guard lives in the WHERE clause so the UPDATE's row-level lock makes the
// check-and-write atomic against concurrent taps of the same card.
func (r *CardRepo) AdvanceCounter(ctx context.Context, tx pgx.Tx, cardID int64, newCounter uint32) (bool, error) {
	query := `UPDATE cards SET last_counter = $1 WHERE card_id = $2 AND last_counter < $1`
	tag, err := tx.Exec(ctx, query, newCounter, cardID)
	if err != nil {
		return false, fmt.Errorf("advance counter: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordTapUID binds a card's UID on its first successful tap. It is a
// no-op, not an error, if the UID is already set (the caller is expected to
// have already verified equality upstream).
func (r *CardRepo) RecordTapUID(ctx context.Context, tx pgx.Tx, cardID int64, uid string) error {
	query := `UPDATE cards SET uid = $1 WHERE card_id = $2 AND uid = ''`
	if _, err := tx.Exec(ctx, query, uid, cardID); err != nil {
		return fmt.Errorf("record tap uid: %w", err)
	}
	return nil
}

// SumPaidLast24h aggregates a card's paid withdrawals over the trailing
// 86,400-second rolling window ending at now.
func (r *CardRepo) SumPaidLast24h(ctx context.Context, cardID int64, now time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(amount_msats), 0) FROM card_payments
		WHERE card_id = $1 AND paid = true AND payment_time > $2`
	var sumMsats int64
	since := now.Add(-24 * time.Hour)
	if err := r.pool.QueryRow(ctx, query, cardID, since).Scan(&sumMsats); err != nil {
		return 0, fmt.Errorf("sum paid last 24h: %w", err)
	}
	return sumMsats / 1000, nil
}

// LockForUpdate locks a card row for the duration of the caller's
// transaction, the per-card serialization point the withdraw session
// manager uses to make its day-limit recheck safe against concurrent
// callbacks on distinct sessions of the same card.
func (r *CardRepo) LockForUpdate(ctx context.Context, tx pgx.Tx, cardID int64) (*domain.Card, error) {
	return r.scanCard(tx.QueryRow(ctx, cardSelectQuery+" WHERE card_id = $1 FOR UPDATE", cardID))
}

// SumPaidLast24hForUpdate is SumPaidLast24h's transaction-scoped
// counterpart: it counts bound-but-not-failed payments too, not only paid
// ones, so an amount is reserved against the rolling cap the instant it is
// bound rather than only once the dispatcher confirms it.
func (r *CardRepo) SumPaidLast24hForUpdate(ctx context.Context, tx pgx.Tx, cardID int64, now time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(amount_msats), 0) FROM card_payments
		WHERE card_id = $1 AND invoice IS NOT NULL AND failed = false
		AND COALESCE(payment_time, created_at) > $2`
	var sumMsats int64
	since := now.Add(-24 * time.Hour)
	if err := tx.QueryRow(ctx, query, cardID, since).Scan(&sumMsats); err != nil {
		return 0, fmt.Errorf("sum paid last 24h for update: %w", err)
	}
	return sumMsats / 1000, nil
}
