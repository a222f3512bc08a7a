package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"boltcard-withdraw-authority/internal/core/domain"
	"boltcard-withdraw-authority/internal/core/ports"
	"boltcard-withdraw-authority/pkg/apperror"

	"github.com/rs/zerolog"
)

// TapAuthenticatorImpl implements ports.TapAuthenticator.
type TapAuthenticatorImpl struct {
	cardRepo   ports.CardRepository
	transactor ports.DBTransactor
	crypto     ports.CryptoService
	log        zerolog.Logger
}

// NewTapAuthenticator creates a new TapAuthenticatorImpl.
func NewTapAuthenticator(
	cardRepo ports.CardRepository,
	transactor ports.DBTransactor,
	crypto ports.CryptoService,
	log zerolog.Logger,
) *TapAuthenticatorImpl {
	return &TapAuthenticatorImpl{
		cardRepo:   cardRepo,
		transactor: transactor,
		crypto:     crypto,
		log:        log,
	}
}

// AuthenticateTap implements ports.TapAuthenticator.
func (s *TapAuthenticatorImpl) AuthenticateTap(ctx context.Context, cardID int64, pHex, cHex string) (*ports.AuthResult, error) {
	p, err := parseHexFixed16(pHex)
	if err != nil {
		return nil, apperror.ErrMalformedRequest("p must be 32 hex characters")
	}
	c, err := parseHexFixed8(cHex)
	if err != nil {
		return nil, apperror.ErrMalformedRequest("c must be 16 hex characters")
	}

	card, err := s.cardRepo.GetByID(ctx, cardID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get card: %w", err))
	}
	if card == nil {
		return nil, apperror.ErrNotFound("card")
	}
	if !card.Enabled {
		return nil, apperror.ErrDisabled()
	}

	uid, counter, err := s.crypto.Decrypt(p, card.K1)
	if err != nil {
		return nil, err
	}

	if err := s.crypto.VerifyCMAC(c, card.K2, uid, counter); err != nil {
		return nil, err
	}

	uidHex := hex.EncodeToString(uid[:])
	if card.HasBoundUID() && card.UID != uidHex {
		return nil, apperror.ErrUidMismatch()
	}

	if counter >= domain.CounterWrapWarnThreshold {
		s.log.Warn().Int64("card_id", cardID).Uint32("counter", counter).Msg("card counter approaching wrap, re-provision soon")
	}

	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	advanced, err := s.cardRepo.AdvanceCounter(ctx, tx, cardID, counter)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("advance counter: %w", err))
	}
	if !advanced {
		return nil, apperror.ErrReplay()
	}

	if !card.HasBoundUID() {
		if err := s.cardRepo.RecordTapUID(ctx, tx, cardID, uidHex); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("record tap uid: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	sumPaid, err := s.cardRepo.SumPaidLast24h(ctx, cardID, time.Now().UTC())
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("sum paid last 24h: %w", err))
	}

	return &ports.AuthResult{
		CardID:         card.ID,
		CardName:       card.CardName,
		TxLimitSats:    card.TxLimitSats,
		DayLimitSats:   card.DayLimitSats,
		SumPaidLast24h: sumPaid,
	}, nil
}

func parseHexFixed16(s string) ([16]byte, error) {
	var out [16]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return out, fmt.Errorf("expected 32 hex chars")
	}
	copy(out[:], b)
	return out, nil
}

func parseHexFixed8(s string) ([8]byte, error) {
	var out [8]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return out, fmt.Errorf("expected 16 hex chars")
	}
	copy(out[:], b)
	return out, nil
}
