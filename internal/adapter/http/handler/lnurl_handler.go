package handler

import (
	"strconv"

	"boltcard-withdraw-authority/internal/adapter/http/dto"
	"boltcard-withdraw-authority/internal/core/ports"
	"boltcard-withdraw-authority/pkg/apperror"
	"boltcard-withdraw-authority/pkg/response"

	"github.com/gin-gonic/gin"
)

// LnurlHandler handles the tap-to-withdraw LNURL flow: GET /ln authenticates
// a tap and opens a withdraw session; GET /ln/callback redeems it against a
// BOLT-11 invoice.
type LnurlHandler struct {
	auth         ports.TapAuthenticator
	sessions     ports.WithdrawSessionManager
	callbackBase string
}

// NewLnurlHandler creates a new LnurlHandler.
func NewLnurlHandler(auth ports.TapAuthenticator, sessions ports.WithdrawSessionManager, callbackBase string) *LnurlHandler {
	return &LnurlHandler{auth: auth, sessions: sessions, callbackBase: callbackBase}
}

// Withdraw handles GET /ln?card_id=<n>&p=<hex32>&c=<hex16>.
func (h *LnurlHandler) Withdraw(c *gin.Context) {
	cardID, err := strconv.ParseInt(c.Query("card_id"), 10, 64)
	if err != nil {
		response.LnurlError(c, apperror.ErrMalformedRequest("card_id must be an integer"))
		return
	}

	auth, err := h.auth.AuthenticateTap(c.Request.Context(), cardID, c.Query("p"), c.Query("c"))
	if err != nil {
		response.LnurlError(c, err)
		return
	}

	req, err := h.sessions.CreateSession(c.Request.Context(), auth, h.callbackBase)
	if err != nil {
		response.LnurlError(c, err)
		return
	}

	response.LnurlOK(c, dto.WithdrawResponse{
		Tag:                req.Tag,
		Callback:           req.Callback,
		K1:                 req.K1,
		DefaultDescription: req.DefaultDescription,
		MinWithdrawable:    req.MinWithdrawable,
		MaxWithdrawable:    req.MaxWithdrawable,
	})
}

// Callback handles GET /ln/callback?k1=<hex64>&pr=<bolt11>.
func (h *LnurlHandler) Callback(c *gin.Context) {
	k1 := c.Query("k1")
	pr := c.Query("pr")
	if k1 == "" || pr == "" {
		response.LnurlError(c, apperror.ErrMalformedRequest("k1 and pr are required"))
		return
	}

	if err := h.sessions.CompleteWithdraw(c.Request.Context(), k1, pr); err != nil {
		response.LnurlError(c, err)
		return
	}

	response.LnurlOK(c, dto.CallbackOKResponse{Status: "OK"})
}
