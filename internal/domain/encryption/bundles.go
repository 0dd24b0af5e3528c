package encryption

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// ExportedRoomKey is one group session inside a history bundle.
type ExportedRoomKey struct {
	Algorithm         string            `json:"algorithm"`
	RoomID            string            `json:"room_id"`
	SenderKey         string            `json:"sender_key"`
	SessionID         string            `json:"session_id"`
	SessionKey        string            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys"`
	Generation        uint32            `json:"generation"`
	SharedHistory     bool              `json:"shared_history"`
}

// KeyBundle is the plaintext of a room key history bundle.
type KeyBundle struct {
	RoomKeys []ExportedRoomKey       `json:"room_keys"`
	Withheld []RoomKeyWithheldContent `json:"withheld"`
}

// JSONWebKey carries the symmetric key of an encrypted attachment.
type JSONWebKey struct {
	Kty         string   `json:"kty"`
	KeyOps      []string `json:"key_ops"`
	Alg         string   `json:"alg"`
	K           string   `json:"k"`
	Extractable bool     `json:"ext"`
}

// MediaEncryptionInfo is everything needed to decrypt an uploaded blob.
type MediaEncryptionInfo struct {
	Version string            `json:"v"`
	Key     JSONWebKey        `json:"key"`
	IV      string            `json:"iv"`
	Hashes  map[string]string `json:"hashes"`
}

// NewMediaEncryptionInfo wraps raw AES-CTR parameters in the attachment v2 format.
func NewMediaEncryptionInfo(key, iv, sha256 []byte) MediaEncryptionInfo {
	return MediaEncryptionInfo{
		Version: "v2",
		Key: JSONWebKey{
			Kty:         "oct",
			KeyOps:      []string{"encrypt", "decrypt"},
			Alg:         "A256CTR",
			K:           base64.RawURLEncoding.EncodeToString(key),
			Extractable: true,
		},
		IV:     base64.RawStdEncoding.EncodeToString(iv),
		Hashes: map[string]string{"sha256": base64.RawStdEncoding.EncodeToString(sha256)},
	}
}

// Decode returns the raw key, iv and expected ciphertext digest.
func (m MediaEncryptionInfo) Decode() (key, iv, sha256 []byte, err error) {
	if m.Version != "v2" {
		return nil, nil, nil, fmt.Errorf("unsupported attachment version %q", m.Version)
	}
	if m.Key.Alg != "A256CTR" || m.Key.Kty != "oct" {
		return nil, nil, nil, fmt.Errorf("unsupported attachment key %s/%s", m.Key.Kty, m.Key.Alg)
	}
	if key, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(m.Key.K, "=")); err != nil {
		return nil, nil, nil, fmt.Errorf("attachment key: %w", err)
	}
	if iv, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(m.IV, "=")); err != nil {
		return nil, nil, nil, fmt.Errorf("attachment iv: %w", err)
	}
	digest, ok := m.Hashes["sha256"]
	if !ok {
		return nil, nil, nil, fmt.Errorf("attachment has no sha256 hash")
	}
	if sha256, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(digest, "=")); err != nil {
		return nil, nil, nil, fmt.Errorf("attachment hash: %w", err)
	}
	return key, iv, sha256, nil
}

// EncryptedFile points at an uploaded encrypted blob.
type EncryptedFile struct {
	URL string `json:"url"`
	MediaEncryptionInfo
}

// BundleReference is what a recipient learns from a bundle announcement: where
// the bundle lives and how to decrypt it. It is recorded per (room, sender).
type BundleReference struct {
	RoomID       string
	SenderUser   string
	SenderDevice string
	SenderKey    string
	File         EncryptedFile
	ReceivedAt   time.Time
}
