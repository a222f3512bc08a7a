package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"boltcard-withdraw-authority/internal/core/domain"
	"boltcard-withdraw-authority/internal/core/ports"
	"boltcard-withdraw-authority/pkg/apperror"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/rs/zerolog"
)

// WithdrawSessionManagerImpl implements ports.WithdrawSessionManager.
type WithdrawSessionManagerImpl struct {
	cardRepo    ports.CardRepository
	paymentRepo ports.CardPaymentRepository
	transactor  ports.DBTransactor
	dispatcher  ports.LightningDispatcher
	cache       ports.SessionCache
	log         zerolog.Logger
}

// NewWithdrawSessionManager creates a new WithdrawSessionManagerImpl.
func NewWithdrawSessionManager(
	cardRepo ports.CardRepository,
	paymentRepo ports.CardPaymentRepository,
	transactor ports.DBTransactor,
	dispatcher ports.LightningDispatcher,
	cache ports.SessionCache,
	log zerolog.Logger,
) *WithdrawSessionManagerImpl {
	return &WithdrawSessionManagerImpl{
		cardRepo:    cardRepo,
		paymentRepo: paymentRepo,
		transactor:  transactor,
		dispatcher:  dispatcher,
		cache:       cache,
		log:         log,
	}
}

// CreateSession implements ports.WithdrawSessionManager.
func (s *WithdrawSessionManagerImpl) CreateSession(ctx context.Context, auth *ports.AuthResult, callbackBase string) (*ports.WithdrawRequest, error) {
	maxMsats := maxWithdrawableMsats(auth.TxLimitSats, auth.DayLimitSats, auth.SumPaidLast24h)
	if maxMsats <= 0 {
		return nil, apperror.ErrLimitExceeded()
	}

	k1Session, err := randomHexSessionToken()
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("generate k1 session: %w", err))
	}

	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	payment := &domain.CardPayment{
		CardID:    auth.CardID,
		K1Session: k1Session,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create withdraw session: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	if err := s.cache.Put(ctx, k1Session, auth.CardID, domain.SessionTTL); err != nil {
		s.log.Warn().Err(err).Str("k1_session", k1Session).Msg("session cache put failed, degraded mode")
	}

	return &ports.WithdrawRequest{
		Tag:                "withdrawRequest",
		Callback:           callbackBase,
		K1:                 k1Session,
		DefaultDescription: fmt.Sprintf("%s withdraw", auth.CardName),
		MinWithdrawable:    minWithdrawableMsats,
		MaxWithdrawable:    maxMsats,
	}, nil
}

// CompleteWithdraw implements ports.WithdrawSessionManager.
func (s *WithdrawSessionManagerImpl) CompleteWithdraw(ctx context.Context, k1Session, invoiceStr string) error {
	now := time.Now().UTC()

	payment, card, err := s.lookupSessionAndCard(ctx, k1Session)
	if err != nil {
		return err
	}
	if payment == nil {
		return apperror.ErrNotFound("withdraw session")
	}
	if payment.Expired(now) {
		return apperror.ErrExpired("withdraw session")
	}
	if payment.Bound() {
		return apperror.ErrAlreadyConsumed()
	}
	if card == nil {
		return apperror.ErrNotFound("card")
	}

	invoice, err := zpay32.Decode(invoiceStr, &chaincfg.MainNetParams)
	if err != nil {
		return apperror.ErrInvoiceInvalid("malformed BOLT-11 invoice")
	}
	if invoice.MilliSat == nil {
		return apperror.ErrInvoiceInvalid("invoice has no amount")
	}
	amountMsats := int64(*invoice.MilliSat)

	sumPaid, err := s.cardRepo.SumPaidLast24h(ctx, card.ID, now)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("sum paid last 24h: %w", err))
	}
	if err := checkWithdrawAmount(amountMsats, card.TxLimitSats, card.DayLimitSats, sumPaid); err != nil {
		return err
	}

	bound, err := s.bindInvoice(ctx, card.ID, k1Session, payment.ID, invoiceStr, amountMsats)
	if err != nil {
		return err
	}
	if !bound {
		return apperror.ErrAlreadyConsumed()
	}

	result, err := s.dispatch(ctx, invoiceStr, amountMsats)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("dispatch payment: %w", err))
	}

	if !result.Success {
		s.log.Warn().
			Str("k1_session", k1Session).
			Str("reason", string(result.FailReason)).
			Str("message", result.FailMessage).
			Msg("lightning dispatch failed, session left unpaid")
		if err := s.markFailed(ctx, payment.ID); err != nil {
			return err
		}
		if err := s.cache.Invalidate(ctx, k1Session); err != nil {
			s.log.Warn().Err(err).Str("k1_session", k1Session).Msg("session cache invalidate failed")
		}
		return apperror.ErrDispatcherFailed(result.FailMessage)
	}

	if err := s.markPaid(ctx, payment.ID, now); err != nil {
		return err
	}

	if err := s.cache.Invalidate(ctx, k1Session); err != nil {
		s.log.Warn().Err(err).Str("k1_session", k1Session).Msg("session cache invalidate failed")
	}

	return nil
}

// lookupSessionAndCard resolves the session and its card for the callback.
// On a session-cache hit it fetches both rows concurrently, since the cache
// already tells us which card to look up instead of waiting on the session
// row to reveal it; a miss falls back to the sequential session-then-card
// path. A stale cache entry (cached card_id disagreeing with the session's
// actual card_id) is detected and corrected by re-fetching the card.
func (s *WithdrawSessionManagerImpl) lookupSessionAndCard(ctx context.Context, k1Session string) (*domain.CardPayment, *domain.Card, error) {
	cachedCardID, hit := s.cache.GetCardID(ctx, k1Session)
	if !hit {
		payment, err := s.paymentRepo.GetByK1Session(ctx, k1Session)
		if err != nil {
			return nil, nil, apperror.InternalError(fmt.Errorf("get withdraw session: %w", err))
		}
		if payment == nil {
			return nil, nil, nil
		}
		card, err := s.cardRepo.GetByID(ctx, payment.CardID)
		if err != nil {
			return nil, nil, apperror.InternalError(fmt.Errorf("get card: %w", err))
		}
		return payment, card, nil
	}

	var (
		payment    *domain.CardPayment
		card       *domain.Card
		paymentErr error
		cardErr    error
		wg         sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		payment, paymentErr = s.paymentRepo.GetByK1Session(ctx, k1Session)
	}()
	go func() {
		defer wg.Done()
		card, cardErr = s.cardRepo.GetByID(ctx, cachedCardID)
	}()
	wg.Wait()

	if paymentErr != nil {
		return nil, nil, apperror.InternalError(fmt.Errorf("get withdraw session: %w", paymentErr))
	}
	if payment == nil {
		return nil, nil, nil
	}
	if cardErr != nil {
		return nil, nil, apperror.InternalError(fmt.Errorf("get card: %w", cardErr))
	}
	if card == nil || card.ID != payment.CardID {
		s.log.Warn().
			Str("k1_session", k1Session).
			Int64("cached_card_id", cachedCardID).
			Int64("actual_card_id", payment.CardID).
			Msg("session cache entry stale, falling back to postgres")
		card, err := s.cardRepo.GetByID(ctx, payment.CardID)
		if err != nil {
			return nil, nil, apperror.InternalError(fmt.Errorf("get card: %w", err))
		}
		return payment, card, nil
	}
	return payment, card, nil
}

// bindInvoice is the per-card serialization point: it locks the card row,
// recomputes the reservation-inclusive day-limit sum, and rechecks the
// amount under that lock before binding the session. Without the card lock,
// two concurrent callbacks on distinct sessions of the same card could each
// read the same pre-bind sum, each pass the check, and jointly exceed
// day_limit_sats.
func (s *WithdrawSessionManagerImpl) bindInvoice(ctx context.Context, cardID int64, k1Session string, paymentID int64, invoiceStr string, amountMsats int64) (bool, error) {
	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return false, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	card, err := s.cardRepo.LockForUpdate(ctx, tx, cardID)
	if err != nil {
		return false, apperror.InternalError(fmt.Errorf("lock card: %w", err))
	}
	if card == nil {
		return false, nil
	}

	sumReserved, err := s.cardRepo.SumPaidLast24hForUpdate(ctx, tx, cardID, time.Now().UTC())
	if err != nil {
		return false, apperror.InternalError(fmt.Errorf("sum paid last 24h for update: %w", err))
	}
	if err := checkWithdrawAmount(amountMsats, card.TxLimitSats, card.DayLimitSats, sumReserved); err != nil {
		return false, err
	}

	locked, err := s.paymentRepo.GetByK1SessionForUpdate(ctx, tx, k1Session)
	if err != nil {
		return false, apperror.InternalError(fmt.Errorf("lock withdraw session: %w", err))
	}
	if locked == nil || locked.Bound() {
		return false, nil
	}

	bound, err := s.paymentRepo.BindInvoice(ctx, tx, paymentID, invoiceStr, amountMsats)
	if err != nil {
		return false, apperror.InternalError(fmt.Errorf("bind invoice: %w", err))
	}
	if !bound {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return true, nil
}

func (s *WithdrawSessionManagerImpl) markPaid(ctx context.Context, paymentID int64, paymentTime time.Time) error {
	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := s.paymentRepo.MarkPaid(ctx, tx, paymentID, paymentTime); err != nil {
		return apperror.InternalError(fmt.Errorf("mark paid: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (s *WithdrawSessionManagerImpl) markFailed(ctx context.Context, paymentID int64) error {
	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := s.paymentRepo.MarkFailed(ctx, tx, paymentID); err != nil {
		return apperror.InternalError(fmt.Errorf("mark failed: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// dispatch invokes the Lightning dispatcher with a finite deadline, even if
// the caller's context carries none.
func (s *WithdrawSessionManagerImpl) dispatch(ctx context.Context, invoiceStr string, amountMsats int64) (*ports.PaymentResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ports.DefaultDispatchTimeout)
		defer cancel()
	}
	return s.dispatcher.PayInvoice(ctx, invoiceStr, amountMsats)
}

func randomHexSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
