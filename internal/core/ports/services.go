package ports

import (
	"context"
	"time"
)

// CryptoService implements the NXP SUN payload decryption and CMAC
// verification described for tap authentication.
type CryptoService interface {
	// Decrypt decrypts a 16-byte PICCData block with the card's k1 key and
	// returns the parsed UID and counter. Rejects a flags-byte high nibble
	// other than 0xC and an all-zero UID with BadPayload.
	Decrypt(p [16]byte, k1 [16]byte) (uid [7]byte, counter uint32, err error)

	// VerifyCMAC checks the 8-byte tag c against the NXP SUN CMAC derived
	// from k2, the decrypted UID and counter. Comparison is constant-time.
	VerifyCMAC(c [8]byte, k2 [16]byte, uid [7]byte, counter uint32) error
}

// TapAuthenticator implements the tap-authentication pipeline (§4.3).
type TapAuthenticator interface {
	AuthenticateTap(ctx context.Context, cardID int64, pHex, cHex string) (*AuthResult, error)
}

// AuthResult is handed off to the session manager after a successful tap.
type AuthResult struct {
	CardID          int64
	CardName        string
	TxLimitSats     int64
	DayLimitSats    int64
	SumPaidLast24h  int64
}

// WithdrawSessionManager implements LNURL-withdraw session creation and
// callback completion (§4.4).
type WithdrawSessionManager interface {
	CreateSession(ctx context.Context, auth *AuthResult, callbackBase string) (*WithdrawRequest, error)
	CompleteWithdraw(ctx context.Context, k1Session, invoiceStr string) error
}

// WithdrawRequest is the LNURL-withdraw JSON document returned after a
// successful tap.
type WithdrawRequest struct {
	Tag                string
	Callback           string
	K1                 string
	DefaultDescription string
	MinWithdrawable    int64
	MaxWithdrawable    int64
}

// LightningDispatcher is the pure outbound-payment capability (§4.6).
type LightningDispatcher interface {
	PayInvoice(ctx context.Context, invoiceStr string, expectedAmountMsats int64) (*PaymentResult, error)
}

// DispatchFailureReason discriminates why PayInvoice did not succeed.
type DispatchFailureReason string

const (
	DispatchReasonRouteFailed     DispatchFailureReason = "RouteFailed"
	DispatchReasonTimeout         DispatchFailureReason = "Timeout"
	DispatchReasonIncorrectAmount DispatchFailureReason = "IncorrectAmount"
	DispatchReasonOther           DispatchFailureReason = "Other"
)

// PaymentResult is the outcome of a dispatch attempt.
type PaymentResult struct {
	Success     bool
	Preimage    string
	FeeMsats    int64
	FailReason  DispatchFailureReason
	FailMessage string
}

// DefaultDispatchTimeout is the default finite deadline applied to outbound
// Lightning payment calls when the caller's context carries no deadline.
const DefaultDispatchTimeout = 60 * time.Second
