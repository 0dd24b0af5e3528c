package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

var ErrInvalidKey = errors.New("invalid key encoding")

// Curve25519KeyPair is an X25519 key pair used for Diffie-Hellman.
type Curve25519KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateCurve25519 returns a fresh key pair; the private key is clamped per RFC 7748.
func GenerateCurve25519() (Curve25519KeyPair, error) {
	var kp Curve25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, err
	}
	clamp(&kp.Private)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicKey returns the unpadded base64 public key.
func (kp Curve25519KeyPair) PublicKey() string {
	return EncodeKey(kp.Public[:])
}

// DH computes X25519 Diffie-Hellman.
func DH(priv, pub [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Ed25519KeyPair signs device keys, one-time keys and cross-signing keys.
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

func GenerateEd25519() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, err
	}
	return Ed25519KeyPair{Private: priv, Public: pub}, nil
}

func (kp Ed25519KeyPair) PublicKey() string {
	return EncodeKey(kp.Public)
}

func (kp Ed25519KeyPair) Sign(message []byte) string {
	return EncodeKey(ed25519.Sign(kp.Private, message))
}

// EncodeKey is the unpadded standard base64 used for every key and signature.
func EncodeKey(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeKey accepts padded and unpadded base64.
func DecodeKey(s string) ([]byte, error) {
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return b, nil
}

func DecodeCurve25519(s string) ([KeySize]byte, error) {
	var out [KeySize]byte
	b, err := DecodeKey(s)
	if err != nil {
		return out, err
	}
	if len(b) != KeySize {
		return out, fmt.Errorf("%w: curve25519 key is %d bytes", ErrInvalidKey, len(b))
	}
	copy(out[:], b)
	return out, nil
}

func DecodeEd25519(s string) (ed25519.PublicKey, error) {
	b, err := DecodeKey(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: ed25519 key is %d bytes", ErrInvalidKey, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// VerifySignature checks a base64 signature over message.
func VerifySignature(publicKey, message []byte, signature string) bool {
	sig, err := DecodeKey(signature)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

// Wipe zeroes b.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
