package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF expands ikm into n bytes with HKDF-SHA256.
func HKDF(ikm, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// AdvanceChain steps a symmetric chain key and returns the next chain key
// and the message key for the current step.
func AdvanceChain(chainKey []byte) (next, messageKey []byte) {
	return hmacSum(chainKey, []byte{0x02}), hmacSum(chainKey, []byte{0x01})
}

// AdvanceRatchet is the one-way step of a group session ratchet.
func AdvanceRatchet(ratchet []byte) []byte {
	return hmacSum(ratchet, []byte("ratchet"))
}

func hmacSum(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
