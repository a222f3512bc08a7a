package service

import (
	"crypto/aes"
	"crypto/subtle"

	"boltcard-withdraw-authority/pkg/apperror"

	"github.com/aead/cmac"
)

// sv2SubkeyMessage is the fixed 6-byte message CMAC'd under k2 to derive the
// per-tap subkey, per the NXP SUN CMAC specification.
var sv2SubkeyMessage = []byte{0x3C, 0xC3, 0x00, 0x01, 0x00, 0x80}

// piccFlagsHighNibble is the only flags-byte high nibble this server
// accepts: PICCData carrying a UID and counter.
const piccFlagsHighNibble = 0xC0

// CryptoServiceImpl implements ports.CryptoService with AES-128 ECB
// decryption and the two-step NXP SUN CMAC derivation. It holds no state:
// every key is per-card and passed in per call.
type CryptoServiceImpl struct{}

// NewCryptoService constructs a CryptoServiceImpl.
func NewCryptoService() *CryptoServiceImpl {
	return &CryptoServiceImpl{}
}

// Decrypt implements ports.CryptoService.
func (s *CryptoServiceImpl) Decrypt(p [16]byte, k1 [16]byte) ([7]byte, uint32, error) {
	var uid [7]byte

	block, err := aes.NewCipher(k1[:])
	if err != nil {
		return uid, 0, apperror.Wrap(apperror.KindInternal, "constructing AES cipher", 500, err)
	}

	var plain [16]byte
	block.Decrypt(plain[:], p[:])

	if plain[0]&0xF0 != piccFlagsHighNibble {
		return uid, 0, apperror.ErrBadPayload()
	}

	copy(uid[:], plain[1:8])
	if uid == ([7]byte{}) {
		return uid, 0, apperror.ErrBadPayload()
	}

	counter := uint32(plain[8]) | uint32(plain[9])<<8 | uint32(plain[10])<<16

	return uid, counter, nil
}

// VerifyCMAC implements ports.CryptoService.
func (s *CryptoServiceImpl) VerifyCMAC(c [8]byte, k2 [16]byte, uid [7]byte, counter uint32) error {
	block, err := aes.NewCipher(k2[:])
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "constructing AES cipher", 500, err)
	}

	subkey, err := cmac.Sum(sv2SubkeyMessage, block, 16)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "deriving SUN subkey", 500, err)
	}

	subkeyBlock, err := aes.NewCipher(subkey)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "constructing subkey cipher", 500, err)
	}

	msg := make([]byte, 0, 10)
	msg = append(msg, uid[:]...)
	msg = append(msg, byte(counter), byte(counter>>8), byte(counter>>16))

	tag, err := cmac.Sum(msg, subkeyBlock, 16)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "computing tap CMAC", 500, err)
	}

	var truncated [8]byte
	for i := 0; i < 8; i++ {
		truncated[i] = tag[2*i+1]
	}

	if subtle.ConstantTimeCompare(truncated[:], c[:]) != 1 {
		return apperror.ErrBadMac()
	}

	return nil
}
