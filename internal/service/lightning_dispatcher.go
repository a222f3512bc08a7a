package service

import (
	"context"
	"strings"

	"boltcard-withdraw-authority/internal/core/ports"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

// MockLightningDispatcher is a deterministic LightningDispatcher that
// validates the invoice amount against the expected amount and otherwise
// always succeeds. It never contacts a real node.
type MockLightningDispatcher struct{}

// NewMockLightningDispatcher creates a new MockLightningDispatcher.
func NewMockLightningDispatcher() *MockLightningDispatcher {
	return &MockLightningDispatcher{}
}

// PayInvoice implements ports.LightningDispatcher. It decodes invoiceStr and
// refuses to pay if the invoice's own amount differs from
// expectedAmountMsats, mirroring the caller's amount-bound guarantee.
func (d *MockLightningDispatcher) PayInvoice(ctx context.Context, invoiceStr string, expectedAmountMsats int64) (*ports.PaymentResult, error) {
	invoice, err := zpay32.Decode(invoiceStr, &chaincfg.MainNetParams)
	if err != nil || invoice.MilliSat == nil {
		return &ports.PaymentResult{
			Success:     false,
			FailReason:  ports.DispatchReasonOther,
			FailMessage: "malformed or amountless invoice",
		}, nil
	}
	if int64(*invoice.MilliSat) != expectedAmountMsats {
		return &ports.PaymentResult{
			Success:     false,
			FailReason:  ports.DispatchReasonIncorrectAmount,
			FailMessage: "invoice amount does not match expected amount",
		}, nil
	}

	return &ports.PaymentResult{
		Success:  true,
		Preimage: strings.Repeat("0", 64),
		FeeMsats: 0,
	}, nil
}

// NullLightningDispatcher always refuses to route, for tests that must
// prove a session stays unpaid when the payment backend rejects the tap.
type NullLightningDispatcher struct{}

// NewNullLightningDispatcher creates a new NullLightningDispatcher.
func NewNullLightningDispatcher() *NullLightningDispatcher {
	return &NullLightningDispatcher{}
}

// PayInvoice implements ports.LightningDispatcher.
func (d *NullLightningDispatcher) PayInvoice(ctx context.Context, invoiceStr string, expectedAmountMsats int64) (*ports.PaymentResult, error) {
	return &ports.PaymentResult{
		Success:     false,
		FailReason:  ports.DispatchReasonRouteFailed,
		FailMessage: "no route to destination",
	}, nil
}
