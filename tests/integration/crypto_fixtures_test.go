package integration

import (
	"crypto/aes"
	"testing"
	"time"

	"github.com/aead/cmac"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

// sv2SubkeyMessage and piccFlagsHighNibble mirror the NXP SUN constants the
// production crypto service derives against; duplicated here because the
// originals are unexported in internal/service.
var sv2SubkeyMessage = []byte{0x3C, 0xC3, 0x00, 0x01, 0x00, 0x80}

const piccFlagsHighNibble = 0xC0

// synthesizeTap builds the (p, c) pair a genuine Bolt Card would present on
// tap number counter, for the card's decrypt key k1 and CMAC key k2.
func synthesizeTap(t *testing.T, uid [7]byte, counter uint32, k1, k2 [16]byte) (pHex [16]byte, cHex [8]byte) {
	t.Helper()

	var plain [16]byte
	plain[0] = piccFlagsHighNibble
	copy(plain[1:8], uid[:])
	plain[8] = byte(counter)
	plain[9] = byte(counter >> 8)
	plain[10] = byte(counter >> 16)

	block1, err := aes.NewCipher(k1[:])
	require.NoError(t, err)
	var p [16]byte
	block1.Encrypt(p[:], plain[:])

	block2, err := aes.NewCipher(k2[:])
	require.NoError(t, err)
	subkey, err := cmac.Sum(sv2SubkeyMessage, block2, 16)
	require.NoError(t, err)
	subkeyBlock, err := aes.NewCipher(subkey)
	require.NoError(t, err)

	msg := append(append([]byte{}, uid[:]...), byte(counter), byte(counter>>8), byte(counter>>16))
	tag, err := cmac.Sum(msg, subkeyBlock, 16)
	require.NoError(t, err)

	var c [8]byte
	for i := 0; i < 8; i++ {
		c[i] = tag[2*i+1]
	}

	return p, c
}

// buildInvoice signs and encodes a real mainnet BOLT-11 invoice for the
// given amount in sats, so the callback exercises the same zpay32 decode
// path production traffic does.
func buildInvoice(t *testing.T, amountSats int64) string {
	t.Helper()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var paymentHash [32]byte
	copy(paymentHash[:], []byte("integration-test-payment-hash-0"))

	invoice, err := zpay32.NewInvoice(
		&chaincfg.MainNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(amountSats*1000),
		zpay32.Description("integration test withdraw"),
	)
	require.NoError(t, err)

	signer := zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			return ecdsa.SignCompact(privKey, hash, true), nil
		},
	}

	encoded, err := invoice.Encode(signer)
	require.NoError(t, err)
	return encoded
}
