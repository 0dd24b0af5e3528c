package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

var ErrAttachmentHash = errors.New("attachment hash mismatch")

// Attachment holds the parameters of an AES-256-CTR encrypted blob.
type Attachment struct {
	Key    []byte
	IV     []byte
	SHA256 []byte
}

// EncryptAttachment encrypts data with a fresh key. The counter half of the
// IV starts at zero, matching the Matrix attachment format.
func EncryptAttachment(plaintext []byte) ([]byte, Attachment, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, Attachment{}, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv[:8]); err != nil {
		return nil, Attachment{}, err
	}

	ciphertext, err := xorCTR(key, iv, plaintext)
	if err != nil {
		return nil, Attachment{}, err
	}
	digest := sha256.Sum256(ciphertext)
	return ciphertext, Attachment{Key: key, IV: iv, SHA256: digest[:]}, nil
}

// DecryptAttachment verifies the ciphertext digest before decrypting.
func DecryptAttachment(ciphertext []byte, att Attachment) ([]byte, error) {
	digest := sha256.Sum256(ciphertext)
	if subtle.ConstantTimeCompare(digest[:], att.SHA256) != 1 {
		return nil, ErrAttachmentHash
	}
	return xorCTR(att.Key, att.IV, ciphertext)
}

func xorCTR(key, iv, in []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("attachment key must be 32 bytes")
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.New("attachment iv must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}
