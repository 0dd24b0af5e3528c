package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBadSignature = errors.New("signature does not verify")

// CanonicalJSON renders v with sorted keys and no insignificant whitespace,
// dropping the top-level "signatures" and "unsigned" members. This is the
// byte string that gets signed.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if obj, ok := generic.(map[string]any); ok {
		delete(obj, "signatures")
		delete(obj, "unsigned")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignJSON signs the canonical form of v.
func SignJSON(kp Ed25519KeyPair, v any) (string, error) {
	msg, err := CanonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	return kp.Sign(msg), nil
}

// VerifyJSON checks signature against the canonical form of v.
func VerifyJSON(publicKey ed25519.PublicKey, v any, signature string) error {
	msg, err := CanonicalJSON(v)
	if err != nil {
		return fmt.Errorf("canonical json: %w", err)
	}
	if !VerifySignature(publicKey, msg, signature) {
		return ErrBadSignature
	}
	return nil
}
