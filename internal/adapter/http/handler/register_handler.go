package handler

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"boltcard-withdraw-authority/internal/adapter/http/dto"
	"boltcard-withdraw-authority/internal/core/ports"
	"boltcard-withdraw-authority/pkg/apperror"
	"boltcard-withdraw-authority/pkg/response"

	"github.com/gin-gonic/gin"
)

// CardHandler handles card provisioning: admin card creation and the
// one-time-code redemption the NFC programming app performs.
type CardHandler struct {
	cardRepo   ports.CardRepository
	domain     string
	lnurlwBase string
}

// NewCardHandler creates a new CardHandler.
func NewCardHandler(cardRepo ports.CardRepository, domain, lnurlwBase string) *CardHandler {
	return &CardHandler{cardRepo: cardRepo, domain: domain, lnurlwBase: lnurlwBase}
}

// CreateBoltCard handles POST /api/createboltcard.
func (h *CardHandler) CreateBoltCard(c *gin.Context) {
	var req dto.CreateBoltCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	_, code, err := h.cardRepo.Create(c.Request.Context(), ports.CreateCardParams{
		CardName:     req.CardName,
		TxLimitSats:  req.TxLimitSats,
		DayLimitSats: req.DayLimitSats,
		Enabled:      req.Enabled,
	})
	if err != nil {
		response.Error(c, apperror.InternalError(fmt.Errorf("create card: %w", err)))
		return
	}

	response.Created(c, dto.CreateBoltCardResponse{
		Status: "OK",
		URL:    fmt.Sprintf("https://%s/new?a=%s", h.domain, code),
	})
}

// FetchProvisioning handles GET /new?a=<code>.
func (h *CardHandler) FetchProvisioning(c *gin.Context) {
	code := c.Query("a")
	if code == "" {
		response.LnurlError(c, apperror.ErrMalformedRequest("missing one-time code"))
		return
	}

	result, err := h.cardRepo.FetchProvisioning(c.Request.Context(), code, time.Now().UTC())
	if err != nil {
		response.LnurlError(c, h.classifyProvisioningError(err))
		return
	}

	response.LnurlOK(c, dto.ProvisioningResponse{
		ProtocolName:    "create_bolt_card_response",
		ProtocolVersion: 2,
		CardName:        result.CardName,
		LnurlwBase:      h.lnurlwBase,
		K0:              hex.EncodeToString(result.K0[:]),
		K1:              hex.EncodeToString(result.K1[:]),
		K2:              hex.EncodeToString(result.K2[:]),
		K3:              hex.EncodeToString(result.K3[:]),
		K4:              hex.EncodeToString(result.K4[:]),
	})
}

func (h *CardHandler) classifyProvisioningError(err error) error {
	switch {
	case errors.Is(err, ports.ErrOneTimeCodeNotFound):
		return apperror.ErrNotFound("one-time code")
	case errors.Is(err, ports.ErrOneTimeCodeUsed):
		return apperror.ErrAlreadyUsed()
	case errors.Is(err, ports.ErrOneTimeCodeExpired):
		return apperror.ErrExpired("one-time code")
	default:
		return apperror.InternalError(fmt.Errorf("fetch provisioning: %w", err))
	}
}
