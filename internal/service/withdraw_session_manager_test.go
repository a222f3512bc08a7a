package service

import (
	"context"
	"testing"
	"time"

	"boltcard-withdraw-authority/internal/core/domain"
	"boltcard-withdraw-authority/internal/core/ports"
	"boltcard-withdraw-authority/internal/core/ports/mocks"
	"boltcard-withdraw-authority/pkg/apperror"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jackc/pgx/v5"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// fakeCardPaymentRepo is an in-memory ports.CardPaymentRepository double.
type fakeCardPaymentRepo struct {
	byID      map[int64]*domain.CardPayment
	bySession map[string]int64
	nextID    int64
}

func newFakeCardPaymentRepo() *fakeCardPaymentRepo {
	return &fakeCardPaymentRepo{
		byID:      make(map[int64]*domain.CardPayment),
		bySession: make(map[string]int64),
	}
}

func (f *fakeCardPaymentRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.CardPayment) error {
	f.nextID++
	p.ID = f.nextID
	f.byID[p.ID] = p
	f.bySession[p.K1Session] = p.ID
	return nil
}

func (f *fakeCardPaymentRepo) GetByK1Session(ctx context.Context, k1Session string) (*domain.CardPayment, error) {
	id, ok := f.bySession[k1Session]
	if !ok {
		return nil, nil
	}
	cp := *f.byID[id]
	return &cp, nil
}

func (f *fakeCardPaymentRepo) GetByK1SessionForUpdate(ctx context.Context, tx pgx.Tx, k1Session string) (*domain.CardPayment, error) {
	return f.GetByK1Session(ctx, k1Session)
}

func (f *fakeCardPaymentRepo) BindInvoice(ctx context.Context, tx pgx.Tx, paymentID int64, invoice string, amountMsats int64) (bool, error) {
	p := f.byID[paymentID]
	if p.Bound() {
		return false, nil
	}
	p.Invoice = &invoice
	p.AmountMsats = &amountMsats
	return true, nil
}

func (f *fakeCardPaymentRepo) MarkPaid(ctx context.Context, tx pgx.Tx, paymentID int64, paymentTime time.Time) error {
	p := f.byID[paymentID]
	p.Paid = true
	p.PaymentTime = &paymentTime
	return nil
}

func (f *fakeCardPaymentRepo) MarkFailed(ctx context.Context, tx pgx.Tx, paymentID int64) error {
	f.byID[paymentID].Failed = true
	return nil
}

// fakeSessionCache is a ports.SessionCache double. By default GetCardID
// always misses; tests that want to exercise the cache-hit fast path set
// hits[k1Session] first.
type fakeSessionCache struct {
	hits        map[string]int64
	invalidated []string
}

func (f *fakeSessionCache) Put(ctx context.Context, k1Session string, cardID int64, ttl time.Duration) error {
	return nil
}

func (f *fakeSessionCache) GetCardID(ctx context.Context, k1Session string) (int64, bool) {
	cardID, ok := f.hits[k1Session]
	return cardID, ok
}

func (f *fakeSessionCache) Invalidate(ctx context.Context, k1Session string) error {
	f.invalidated = append(f.invalidated, k1Session)
	return nil
}

// validInvoiceFixture signs and encodes a real 1,000-sat BOLT-11 invoice, so
// tests exercise the same zpay32 decode path production traffic does rather
// than a hand-rolled string.
func validInvoiceFixture(t *testing.T, _ int64) string {
	t.Helper()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var paymentHash [32]byte
	copy(paymentHash[:], []byte("test-payment-hash-0123456789012"))

	invoice, err := zpay32.NewInvoice(
		&chaincfg.MainNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(1_000_000),
		zpay32.Description("withdraw test"),
	)
	require.NoError(t, err)

	signer := zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			sig := ecdsa.SignCompact(privKey, hash, true)
			return sig, nil
		},
	}

	encoded, err := invoice.Encode(signer)
	require.NoError(t, err)
	return encoded
}

func testAuthResult() *ports.AuthResult {
	return &ports.AuthResult{
		CardID:         1,
		CardName:       "test card",
		TxLimitSats:    1000,
		DayLimitSats:   5000,
		SumPaidLast24h: 0,
	}
}

func TestCreateSession_ClampsToZeroReturnsLimitExceeded(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{}
	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, nil, cache, zerolog.Nop())

	auth := testAuthResult()
	auth.SumPaidLast24h = auth.DayLimitSats // daily cap already exhausted

	_, err := mgr.CreateSession(context.Background(), auth, "https://example.com/ln/callback")
	require.Error(t, err)
	appErr, ok := err.(*apperror.AppError)
	require.True(t, ok)
	assert.Equal(t, apperror.KindLimitExceeded, appErr.Kind)
}

func TestCreateSession_Succeeds(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{}
	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, nil, cache, zerolog.Nop())

	req, err := mgr.CreateSession(context.Background(), testAuthResult(), "https://example.com/ln/callback")
	require.NoError(t, err)
	assert.Equal(t, "withdrawRequest", req.Tag)
	assert.NotEmpty(t, req.K1)
	assert.Equal(t, int64(1000000), req.MaxWithdrawable) // min(1000 tx, 5000 day) sats * 1000
	assert.Equal(t, int64(1000), req.MinWithdrawable)
}

func TestCompleteWithdraw_UnknownSession(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{}
	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, nil, cache, zerolog.Nop())

	err := mgr.CompleteWithdraw(context.Background(), "unknown", "lnbc500u1...")
	require.Error(t, err)
	appErr, ok := err.(*apperror.AppError)
	require.True(t, ok)
	assert.Equal(t, apperror.KindNotFound, appErr.Kind)
}

func TestCompleteWithdraw_AlreadyConsumed(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{}
	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, nil, cache, zerolog.Nop())

	existingInvoice := "lnbc1..."
	amount := int64(500000)
	paymentRepo.nextID = 1
	p := &domain.CardPayment{ID: 1, CardID: 1, K1Session: "abc", Invoice: &existingInvoice, AmountMsats: &amount, CreatedAt: time.Now().UTC()}
	paymentRepo.byID[1] = p
	paymentRepo.bySession["abc"] = 1

	err := mgr.CompleteWithdraw(context.Background(), "abc", "lnbc2...")
	require.Error(t, err)
	appErr, ok := err.(*apperror.AppError)
	require.True(t, ok)
	assert.Equal(t, apperror.KindAlreadyConsumed, appErr.Kind)
}

func TestCompleteWithdraw_Expired(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{}
	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, nil, cache, zerolog.Nop())

	paymentRepo.nextID = 1
	p := &domain.CardPayment{ID: 1, CardID: 1, K1Session: "abc", CreatedAt: time.Now().UTC().Add(-10 * time.Minute)}
	paymentRepo.byID[1] = p
	paymentRepo.bySession["abc"] = 1

	err := mgr.CompleteWithdraw(context.Background(), "abc", "lnbc...")
	require.Error(t, err)
	appErr, ok := err.(*apperror.AppError)
	require.True(t, ok)
	assert.Equal(t, apperror.KindExpired, appErr.Kind)
}

func TestCompleteWithdraw_DispatchFailureLeavesSessionUnpaid(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{}

	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockLightningDispatcher(ctrl)
	dispatcher.EXPECT().
		PayInvoice(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&ports.PaymentResult{Success: false, FailReason: ports.DispatchReasonRouteFailed, FailMessage: "no route"}, nil)

	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, dispatcher, cache, zerolog.Nop())

	paymentRepo.nextID = 1
	p := &domain.CardPayment{ID: 1, CardID: 1, K1Session: "abc", CreatedAt: time.Now().UTC()}
	paymentRepo.byID[1] = p
	paymentRepo.bySession["abc"] = 1

	// A plain mainnet BOLT-11 invoice for 1000 sats with no payment secret
	// requirements; only the amount field is exercised by this path.
	invoice := validInvoiceFixture(t, 1000000)

	err := mgr.CompleteWithdraw(context.Background(), "abc", invoice)
	require.Error(t, err)
	appErr, ok := err.(*apperror.AppError)
	require.True(t, ok)
	assert.Equal(t, apperror.KindDispatcherFailed, appErr.Kind)
	assert.False(t, p.Paid)
	assert.True(t, p.Bound(), "invoice must stay bound so a retry reports AlreadyConsumed, not a fresh attempt")
}

func TestCompleteWithdraw_Succeeds(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{}

	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockLightningDispatcher(ctrl)
	dispatcher.EXPECT().
		PayInvoice(gomock.Any(), gomock.Any(), int64(1000000)).
		Return(&ports.PaymentResult{Success: true, Preimage: "00"}, nil)

	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, dispatcher, cache, zerolog.Nop())

	paymentRepo.nextID = 1
	p := &domain.CardPayment{ID: 1, CardID: 1, K1Session: "abc", CreatedAt: time.Now().UTC()}
	paymentRepo.byID[1] = p
	paymentRepo.bySession["abc"] = 1

	invoice := validInvoiceFixture(t, 1000000)

	err := mgr.CompleteWithdraw(context.Background(), "abc", invoice)
	require.NoError(t, err)
	assert.True(t, p.Paid)
	assert.True(t, p.Bound())
	assert.Contains(t, cache.invalidated, "abc")
}

func TestCompleteWithdraw_CacheHitFastPath(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{hits: map[string]int64{"abc": 1}}

	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockLightningDispatcher(ctrl)
	dispatcher.EXPECT().
		PayInvoice(gomock.Any(), gomock.Any(), int64(1000000)).
		Return(&ports.PaymentResult{Success: true, Preimage: "00"}, nil)

	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, dispatcher, cache, zerolog.Nop())

	paymentRepo.nextID = 1
	p := &domain.CardPayment{ID: 1, CardID: 1, K1Session: "abc", CreatedAt: time.Now().UTC()}
	paymentRepo.byID[1] = p
	paymentRepo.bySession["abc"] = 1

	invoice := validInvoiceFixture(t, 1000000)

	err := mgr.CompleteWithdraw(context.Background(), "abc", invoice)
	require.NoError(t, err)
	assert.True(t, p.Paid)
}

func TestCompleteWithdraw_StaleCacheEntryFallsBackToCard(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	// The cache claims session "abc" belongs to card 99, which does not
	// exist; the real session (below) belongs to card 1.
	cache := &fakeSessionCache{hits: map[string]int64{"abc": 99}}

	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockLightningDispatcher(ctrl)
	dispatcher.EXPECT().
		PayInvoice(gomock.Any(), gomock.Any(), int64(1000000)).
		Return(&ports.PaymentResult{Success: true, Preimage: "00"}, nil)

	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, dispatcher, cache, zerolog.Nop())

	paymentRepo.nextID = 1
	p := &domain.CardPayment{ID: 1, CardID: 1, K1Session: "abc", CreatedAt: time.Now().UTC()}
	paymentRepo.byID[1] = p
	paymentRepo.bySession["abc"] = 1

	invoice := validInvoiceFixture(t, 1000000)

	err := mgr.CompleteWithdraw(context.Background(), "abc", invoice)
	require.NoError(t, err)
	assert.True(t, p.Paid)
}

func TestCompleteWithdraw_DispatchFailureMarksFailed(t *testing.T) {
	cardRepo := newFakeCardRepo(testCard())
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{}

	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockLightningDispatcher(ctrl)
	dispatcher.EXPECT().
		PayInvoice(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&ports.PaymentResult{Success: false, FailReason: ports.DispatchReasonRouteFailed, FailMessage: "no route"}, nil)

	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, dispatcher, cache, zerolog.Nop())

	paymentRepo.nextID = 1
	p := &domain.CardPayment{ID: 1, CardID: 1, K1Session: "abc", CreatedAt: time.Now().UTC()}
	paymentRepo.byID[1] = p
	paymentRepo.bySession["abc"] = 1

	invoice := validInvoiceFixture(t, 1000000)

	err := mgr.CompleteWithdraw(context.Background(), "abc", invoice)
	require.Error(t, err)
	assert.True(t, p.Failed, "a failed dispatch must free the session's reservation")
}

func TestCompleteWithdraw_RejectsAmountOverTxLimit(t *testing.T) {
	card := testCard()
	card.TxLimitSats = 500 // invoice below will request 1000 sats
	cardRepo := newFakeCardRepo(card)
	paymentRepo := newFakeCardPaymentRepo()
	transactor := &fakeTransactor{}
	cache := &fakeSessionCache{}
	mgr := NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, nil, cache, zerolog.Nop())

	paymentRepo.nextID = 1
	p := &domain.CardPayment{ID: 1, CardID: 1, K1Session: "abc", CreatedAt: time.Now().UTC()}
	paymentRepo.byID[1] = p
	paymentRepo.bySession["abc"] = 1

	invoice := validInvoiceFixture(t, 1000000)

	err := mgr.CompleteWithdraw(context.Background(), "abc", invoice)
	require.Error(t, err)
	appErr, ok := err.(*apperror.AppError)
	require.True(t, ok)
	assert.Equal(t, apperror.KindLimitExceeded, appErr.Kind)
	assert.False(t, p.Bound(), "a rejected amount must never bind the session")
}
