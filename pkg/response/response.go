package response

import (
	"errors"
	"net/http"
	"time"

	"boltcard-withdraw-authority/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SuccessResponse is the standard success envelope for the administrative
// (/api/...) endpoint.
type SuccessResponse struct {
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id"`
	Timestamp string      `json:"timestamp"`
}

// ErrorResponse is the standard error envelope for the administrative
// endpoint.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// LnurlResponse is the envelope used by every LNURL-protocol endpoint
// (/new, /ln, /ln/callback). Per the LNURL convention it is always sent
// with HTTP 200, success or failure.
type LnurlResponse struct {
	Status string      `json:"status"`
	Reason string      `json:"reason,omitempty"`
	Data   interface{} `json:"-"`
}

// genOracleMessage is substituted for the true reason whenever the
// underlying error is a crypto-authentication failure, so a tap attacker
// cannot distinguish bad MAC from bad UID from replay.
const genOracleMessage = "authentication failed"

// OK sends a 200 response with data on the administrative envelope.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{
		Data:      data,
		RequestID: getRequestID(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Created sends a 201 response with data on the administrative envelope.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, SuccessResponse{
		Data:      data,
		RequestID: getRequestID(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Error sends an error response on the administrative envelope. It checks
// if err is an *apperror.AppError and maps it accordingly, otherwise
// returns 500.
func Error(c *gin.Context, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, ErrorResponse{
			ErrorCode: appErr.Kind,
			Message:   appErr.Message,
			RequestID: getRequestID(c),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, ErrorResponse{
		ErrorCode: apperror.KindInternal,
		Message:   "internal server error",
		RequestID: getRequestID(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// LnurlOK sends a successful LNURL response, HTTP 200, with data as the
// JSON body unchanged; no "status" field is added.
func LnurlOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// LnurlError sends the LNURL error envelope, always HTTP 200. If err is a
// crypto-authentication AppError, the reason is replaced with a vague
// message to prevent oracle attacks. Neither LnurlError nor its callers log
// the error's true kind.
func LnurlError(c *gin.Context, err error) {
	reason := "internal error"
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		if apperror.IsCrypto(appErr) {
			reason = genOracleMessage
		} else {
			reason = appErr.Message
		}
	}
	c.JSON(http.StatusOK, LnurlResponse{Status: "ERROR", Reason: reason})
}

// getRequestID retrieves the request ID from context, or generates one.
func getRequestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return newRequestID()
}

func newRequestID() string {
	return uuid.New().String()
}
