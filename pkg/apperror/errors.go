package apperror

import (
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Kind       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(kind string, message string, httpStatus int) *AppError {
	return &AppError{
		Kind:       kind,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(kind string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Kind:       kind,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Error kinds, per the taxonomy in spec.md §7. These are transport-agnostic;
// the HTTP status attached to each is the admin-endpoint status. LNURL
// endpoints always answer 200 regardless of Kind (see pkg/response).
const (
	KindMalformedRequest = "MalformedRequest"
	KindNotFound         = "NotFound"
	KindDisabled         = "Disabled"
	KindBadPayload       = "BadPayload"
	KindBadMac           = "BadMac"
	KindUidMismatch      = "UidMismatch"
	KindReplay           = "Replay"
	KindExpired          = "Expired"
	KindAlreadyUsed      = "AlreadyUsed"
	KindAlreadyConsumed  = "AlreadyConsumed"
	KindInvoiceInvalid   = "InvoiceInvalid"
	KindLimitExceeded    = "LimitExceeded"
	KindDispatcherFailed = "DispatcherFailed"
	KindInternal         = "Internal"

	// KindRateLimited is an ambient addition not named by the error
	// taxonomy above: it protects the tap/callback endpoints from abuse
	// and needs its own transport mapping like any other AppError.
	KindRateLimited = "RateLimited"
)

// cryptoKinds is the set of kinds that must never surface their precise
// reason to a client; response.LnurlError collapses these to a vague
// message at the HTTP boundary to avoid oracle attacks. The true Kind is
// not logged.
var cryptoKinds = map[string]bool{
	KindBadPayload:  true,
	KindBadMac:      true,
	KindUidMismatch: true,
	KindReplay:      true,
}

// IsCrypto reports whether err (or its wrapped AppError) is one of the
// authentication-failure kinds that must be masked at the HTTP boundary.
func IsCrypto(err *AppError) bool {
	return err != nil && cryptoKinds[err.Kind]
}

func ErrMalformedRequest(message string) *AppError {
	return New(KindMalformedRequest, message, http.StatusBadRequest)
}

func ErrNotFound(entity string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrDisabled() *AppError {
	return New(KindDisabled, "card is disabled", http.StatusForbidden)
}

func ErrBadPayload() *AppError {
	return New(KindBadPayload, "authentication failed", http.StatusBadRequest)
}

func ErrBadMac() *AppError {
	return New(KindBadMac, "authentication failed", http.StatusBadRequest)
}

func ErrUidMismatch() *AppError {
	return New(KindUidMismatch, "authentication failed", http.StatusBadRequest)
}

func ErrReplay() *AppError {
	return New(KindReplay, "authentication failed", http.StatusBadRequest)
}

func ErrExpired(entity string) *AppError {
	return New(KindExpired, fmt.Sprintf("%s expired", entity), http.StatusGone)
}

func ErrAlreadyUsed() *AppError {
	return New(KindAlreadyUsed, "one-time code already used", http.StatusConflict)
}

func ErrAlreadyConsumed() *AppError {
	return New(KindAlreadyConsumed, "session already consumed", http.StatusConflict)
}

func ErrInvoiceInvalid(reason string) *AppError {
	return New(KindInvoiceInvalid, fmt.Sprintf("invalid invoice: %s", reason), http.StatusBadRequest)
}

func ErrLimitExceeded() *AppError {
	return New(KindLimitExceeded, "spending limit exceeded", http.StatusUnprocessableEntity)
}

func ErrDispatcherFailed(reason string) *AppError {
	return New(KindDispatcherFailed, fmt.Sprintf("payment failed: %s", reason), http.StatusBadGateway)
}

func ErrRateLimited() *AppError {
	return New(KindRateLimited, "rate limit exceeded", http.StatusTooManyRequests)
}

// InternalError wraps an internal error as an opaque Internal failure.
func InternalError(err error) *AppError {
	return Wrap(KindInternal, "internal server error", http.StatusInternalServerError, err)
}

// Validation returns a MalformedRequest-style validation error.
func Validation(message string) *AppError {
	return New(KindMalformedRequest, message, http.StatusBadRequest)
}
