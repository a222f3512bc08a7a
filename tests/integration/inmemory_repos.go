package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"boltcard-withdraw-authority/internal/core/domain"
	"boltcard-withdraw-authority/internal/core/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// provisioningTTL mirrors the postgres adapter's one-time code lifetime.
const provisioningTTL = 24 * time.Hour

// inMemoryStore backs both in-memory repositories with a single mutex, so
// AdvanceCounter and BindInvoice get the same all-or-nothing race behaviour
// the real schema gets from a WHERE-guarded UPDATE under FOR UPDATE.
type inMemoryStore struct {
	mu sync.Mutex

	cards      map[int64]*domain.Card
	nextCardID int64
	codeToCard map[string]int64

	payments      map[int64]*domain.CardPayment
	paymentBySess map[string]int64
	nextPaymentID int64

	cardLocksMu sync.Mutex
	cardLocks   map[int64]*sync.Mutex
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{
		cards:         make(map[int64]*domain.Card),
		codeToCard:    make(map[string]int64),
		payments:      make(map[int64]*domain.CardPayment),
		paymentBySess: make(map[string]int64),
		cardLocks:     make(map[int64]*sync.Mutex),
	}
}

// cardLock returns the per-card mutex used to stand in for Postgres's
// SELECT ... FOR UPDATE: held for the lifetime of the transaction that
// locks it, released on commit or rollback.
func (s *inMemoryStore) cardLock(cardID int64) *sync.Mutex {
	s.cardLocksMu.Lock()
	defer s.cardLocksMu.Unlock()
	l, ok := s.cardLocks[cardID]
	if !ok {
		l = &sync.Mutex{}
		s.cardLocks[cardID] = l
	}
	return l
}

// --- In-Memory Card Repository ---

type inMemoryCardRepo struct {
	store *inMemoryStore
}

func newInMemoryCardRepo(store *inMemoryStore) *inMemoryCardRepo {
	return &inMemoryCardRepo{store: store}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func randomKey() [16]byte {
	var k [16]byte
	if _, err := rand.Read(k[:]); err != nil {
		panic(err)
	}
	return k
}

func (r *inMemoryCardRepo) Create(ctx context.Context, params ports.CreateCardParams) (int64, string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.nextCardID++
	card := &domain.Card{
		ID:                r.store.nextCardID,
		K0:                randomKey(),
		K1:                randomKey(),
		K2:                randomKey(),
		K3:                randomKey(),
		K4:                randomKey(),
		Enabled:           params.Enabled,
		TxLimitSats:       params.TxLimitSats,
		DayLimitSats:      params.DayLimitSats,
		CardName:          params.CardName,
		OneTimeCode:       randomHex(32),
		OneTimeCodeExpiry: time.Now().UTC().Add(provisioningTTL),
		CreatedAt:         time.Now().UTC(),
	}
	r.store.cards[card.ID] = card
	r.store.codeToCard[card.OneTimeCode] = card.ID
	return card.ID, card.OneTimeCode, nil
}

func (r *inMemoryCardRepo) FetchProvisioning(ctx context.Context, oneTimeCode string, now time.Time) (*ports.ProvisioningResult, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	cardID, ok := r.store.codeToCard[oneTimeCode]
	if !ok {
		return nil, ports.ErrOneTimeCodeNotFound
	}
	card := r.store.cards[cardID]
	if card.OneTimeCodeUsed {
		return nil, ports.ErrOneTimeCodeUsed
	}
	if !now.Before(card.OneTimeCodeExpiry) {
		return nil, ports.ErrOneTimeCodeExpired
	}

	card.OneTimeCodeUsed = true
	return &ports.ProvisioningResult{
		CardID:   card.ID,
		CardName: card.CardName,
		K0:       card.K0,
		K1:       card.K1,
		K2:       card.K2,
		K3:       card.K3,
		K4:       card.K4,
	}, nil
}

func (r *inMemoryCardRepo) GetByID(ctx context.Context, cardID int64) (*domain.Card, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.cards[cardID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// AdvanceCounter takes the store-wide lock for the whole compare-and-swap,
// the same atomicity the real UPDATE ... WHERE last_counter < $1 gets from
// a single row-level lock.
func (r *inMemoryCardRepo) AdvanceCounter(ctx context.Context, tx pgx.Tx, cardID int64, newCounter uint32) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.cards[cardID]
	if !ok {
		return false, fmt.Errorf("card not found: %d", cardID)
	}
	if newCounter <= c.LastCounter {
		return false, nil
	}
	c.LastCounter = newCounter
	return true, nil
}

func (r *inMemoryCardRepo) RecordTapUID(ctx context.Context, tx pgx.Tx, cardID int64, uid string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.cards[cardID]
	if !ok {
		return fmt.Errorf("card not found: %d", cardID)
	}
	if c.UID == "" {
		c.UID = uid
	}
	return nil
}

func (r *inMemoryCardRepo) SumPaidLast24h(ctx context.Context, cardID int64, now time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	since := now.Add(-24 * time.Hour)
	var sumMsats int64
	for _, p := range r.store.payments {
		if p.CardID != cardID || !p.Paid || p.PaymentTime == nil {
			continue
		}
		if p.PaymentTime.After(since) {
			sumMsats += *p.AmountMsats
		}
	}
	return sumMsats / 1000, nil
}

// LockForUpdate acquires the card's dedicated mutex for the lifetime of tx,
// the in-memory stand-in for SELECT ... FOR UPDATE. tx must be the
// *lockingTx returned by inMemoryTransactor.Begin.
func (r *inMemoryCardRepo) LockForUpdate(ctx context.Context, tx pgx.Tx, cardID int64) (*domain.Card, error) {
	lt, ok := tx.(*lockingTx)
	if !ok {
		return nil, fmt.Errorf("LockForUpdate requires a *lockingTx")
	}
	lt.lockCard(r.store, cardID)
	return r.GetByID(ctx, cardID)
}

// SumPaidLast24hForUpdate is SumPaidLast24h's reservation-inclusive
// counterpart: it also counts bound-but-not-failed payments, so an amount
// is reserved against the cap from the moment it is bound.
func (r *inMemoryCardRepo) SumPaidLast24hForUpdate(ctx context.Context, tx pgx.Tx, cardID int64, now time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	since := now.Add(-24 * time.Hour)
	var sumMsats int64
	for _, p := range r.store.payments {
		if p.CardID != cardID || p.Invoice == nil || p.Failed {
			continue
		}
		reservedAt := p.CreatedAt
		if p.PaymentTime != nil {
			reservedAt = *p.PaymentTime
		}
		if reservedAt.After(since) {
			sumMsats += *p.AmountMsats
		}
	}
	return sumMsats / 1000, nil
}

// --- In-Memory Card Payment Repository ---

type inMemoryCardPaymentRepo struct {
	store *inMemoryStore
}

func newInMemoryCardPaymentRepo(store *inMemoryStore) *inMemoryCardPaymentRepo {
	return &inMemoryCardPaymentRepo{store: store}
}

func (r *inMemoryCardPaymentRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.CardPayment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.nextPaymentID++
	p.ID = r.store.nextPaymentID
	cp := *p
	r.store.payments[p.ID] = &cp
	r.store.paymentBySess[p.K1Session] = p.ID
	return nil
}

func (r *inMemoryCardPaymentRepo) getLocked(k1Session string) *domain.CardPayment {
	id, ok := r.store.paymentBySess[k1Session]
	if !ok {
		return nil
	}
	return r.store.payments[id]
}

func (r *inMemoryCardPaymentRepo) GetByK1Session(ctx context.Context, k1Session string) (*domain.CardPayment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p := r.getLocked(k1Session)
	if p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *inMemoryCardPaymentRepo) GetByK1SessionForUpdate(ctx context.Context, tx pgx.Tx, k1Session string) (*domain.CardPayment, error) {
	return r.GetByK1Session(ctx, k1Session)
}

// BindInvoice takes the store-wide lock for the whole read-modify-write, the
// in-memory equivalent of FOR UPDATE plus a WHERE invoice IS NULL guard.
func (r *inMemoryCardPaymentRepo) BindInvoice(ctx context.Context, tx pgx.Tx, paymentID int64, invoice string, amountMsats int64) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.payments[paymentID]
	if !ok {
		return false, fmt.Errorf("payment not found: %d", paymentID)
	}
	if p.Bound() {
		return false, nil
	}
	p.Invoice = &invoice
	p.AmountMsats = &amountMsats
	return true, nil
}

func (r *inMemoryCardPaymentRepo) MarkPaid(ctx context.Context, tx pgx.Tx, paymentID int64, paymentTime time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment not found: %d", paymentID)
	}
	p.Paid = true
	p.PaymentTime = &paymentTime
	return nil
}

// MarkFailed frees a bound session's amount from SumPaidLast24hForUpdate's
// reservation after a failed dispatch attempt.
func (r *inMemoryCardPaymentRepo) MarkFailed(ctx context.Context, tx pgx.Tx, paymentID int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment not found: %d", paymentID)
	}
	p.Failed = true
	return nil
}

// --- In-Memory Transactor (no-op tx) ---

type inMemoryTransactor struct{}

func newInMemoryTransactor() *inMemoryTransactor {
	return &inMemoryTransactor{}
}

func (t *inMemoryTransactor) Begin(ctx context.Context) (pgx.Tx, error) {
	return &lockingTx{}, nil
}

// lockingTx is a no-op pgx.Tx implementation for in-memory testing, except
// that it tracks any per-card locks taken out via inMemoryCardRepo's
// LockForUpdate and releases them on commit or rollback. The real atomicity
// in these tests otherwise comes from inMemoryStore's mutex, not from any
// transaction semantics this stub would provide.
type lockingTx struct {
	mu          sync.Mutex
	lockedCards map[int64]bool
	locked      []func()
}

// lockCard acquires store's mutex for cardID exactly once per transaction,
// the in-memory equivalent of SELECT ... FOR UPDATE: held until Commit or
// Rollback, so a second transaction racing for the same card blocks here.
func (t *lockingTx) lockCard(store *inMemoryStore, cardID int64) {
	t.mu.Lock()
	alreadyLocked := t.lockedCards != nil && t.lockedCards[cardID]
	t.mu.Unlock()
	if alreadyLocked {
		return
	}

	store.cardLock(cardID).Lock()

	t.mu.Lock()
	if t.lockedCards == nil {
		t.lockedCards = make(map[int64]bool)
	}
	t.lockedCards[cardID] = true
	t.locked = append(t.locked, func() { store.cardLock(cardID).Unlock() })
	t.mu.Unlock()
}

func (t *lockingTx) unlockAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, unlock := range t.locked {
		unlock()
	}
	t.locked = nil
	t.lockedCards = nil
}

func (t *lockingTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *lockingTx) Commit(ctx context.Context) error {
	t.unlockAll()
	return nil
}
func (t *lockingTx) Rollback(ctx context.Context) error {
	t.unlockAll()
	return nil
}
func (t *lockingTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *lockingTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *lockingTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *lockingTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *lockingTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *lockingTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *lockingTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}
func (t *lockingTx) Conn() *pgx.Conn { return nil }
