// Package qrlogin encodes and decodes the binary record shown as a QR code
// when a new device logs in with the help of an existing one.
package qrlogin

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"sentinal-e2ee/internal/crypto"

	"github.com/google/uuid"
)

const prefix = "MATRIX"

// Versions of the record layout.
const (
	VersionFixed    byte = 0x02
	VersionExtended byte = 0x03
)

// Intent says which side is displaying the code.
type Intent int

const (
	// IntentLogin: the new device shows the code.
	IntentLogin Intent = iota
	// IntentReciprocate: the existing device shows the code.
	IntentReciprocate
)

func (i Intent) String() string {
	switch i {
	case IntentLogin:
		return "login"
	case IntentReciprocate:
		return "reciprocate"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

var modeBytes = map[byte]map[Intent]byte{
	VersionFixed:    {IntentLogin: 0x03, IntentReciprocate: 0x04},
	VersionExtended: {IntentLogin: 0x00, IntentReciprocate: 0x01},
}

func intentFor(version, mode byte) (Intent, bool) {
	for intent, b := range modeBytes[version] {
		if b == mode {
			return intent, true
		}
	}
	return 0, false
}

// Data is one decoded record. Which fields are meaningful depends on Version:
// the fixed layout carries RendezvousURL (and ServerName when reciprocating),
// the extended layout carries RendezvousID and BaseURL.
type Data struct {
	Version   byte
	Intent    Intent
	PublicKey [crypto.KeySize]byte

	RendezvousURL string
	ServerName    string

	RendezvousID uuid.UUID
	BaseURL      string
}

// NewLogin builds a fixed-layout record for the device that wants to log in.
func NewLogin(publicKey [crypto.KeySize]byte, rendezvousURL string) *Data {
	return &Data{Version: VersionFixed, Intent: IntentLogin, PublicKey: publicKey, RendezvousURL: rendezvousURL}
}

// NewReciprocate builds a fixed-layout record for an already signed-in device.
func NewReciprocate(publicKey [crypto.KeySize]byte, rendezvousURL, serverName string) *Data {
	return &Data{
		Version:       VersionFixed,
		Intent:        IntentReciprocate,
		PublicKey:     publicKey,
		RendezvousURL: rendezvousURL,
		ServerName:    serverName,
	}
}

// NewExtended builds an extended-layout record with a fresh rendezvous id.
func NewExtended(publicKey [crypto.KeySize]byte, intent Intent, baseURL string) *Data {
	return &Data{
		Version:      VersionExtended,
		Intent:       intent,
		PublicKey:    publicKey,
		RendezvousID: uuid.New(),
		BaseURL:      baseURL,
	}
}

// PublicKeyBase64 returns the key in the unpadded base64 used for key maps.
func (d *Data) PublicKeyBase64() string {
	return crypto.EncodeKey(d.PublicKey[:])
}

// Encode serializes the record. Decode(Encode(d)) reproduces d.
func (d *Data) Encode() ([]byte, error) {
	mode, ok := modeBytes[d.Version][d.Intent]
	if !ok {
		if _, known := modeBytes[d.Version]; !known {
			return nil, &FormatError{Reason: ReasonBadVersion, Offset: len(prefix)}
		}
		return nil, &FormatError{Reason: ReasonUnknownMode, Offset: len(prefix) + 1}
	}

	out := make([]byte, 0, len(prefix)+2+crypto.KeySize+len(d.RendezvousURL)+len(d.BaseURL)+len(d.ServerName)+18)
	out = append(out, prefix...)
	out = append(out, d.Version, mode)
	out = append(out, d.PublicKey[:]...)

	var err error
	switch d.Version {
	case VersionFixed:
		if d.Intent == IntentReciprocate {
			if out, err = appendString16(out, d.ServerName); err != nil {
				return nil, err
			}
		}
		if !utf8.ValidString(d.RendezvousURL) {
			return nil, &FormatError{Reason: ReasonInvalidUTF8, Offset: len(out)}
		}
		out = append(out, d.RendezvousURL...)
	case VersionExtended:
		out = append(out, d.RendezvousID[:]...)
		if out, err = appendString16(out, d.BaseURL); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func appendString16(out []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, &FormatError{Reason: ReasonInvalidUTF8, Offset: len(out) + 2}
	}
	if len(s) > 0xFFFF {
		return nil, &FormatError{Reason: ReasonTooLong, Offset: len(out)}
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
	return append(out, s...), nil
}

// Decode parses a record produced by Encode or by another client.
func Decode(b []byte) (*Data, error) {
	r := reader{buf: b}

	magic, err := r.take(len(prefix))
	if err != nil {
		return nil, err
	}
	if string(magic) != prefix {
		return nil, &FormatError{Reason: ReasonBadPrefix, Offset: 0}
	}
	header, err := r.take(2)
	if err != nil {
		return nil, err
	}
	version, mode := header[0], header[1]
	if _, ok := modeBytes[version]; !ok {
		return nil, &FormatError{Reason: ReasonBadVersion, Offset: len(prefix)}
	}
	intent, ok := intentFor(version, mode)
	if !ok {
		return nil, &FormatError{Reason: ReasonUnknownMode, Offset: len(prefix) + 1}
	}

	d := &Data{Version: version, Intent: intent}
	key, err := r.take(crypto.KeySize)
	if err != nil {
		return nil, err
	}
	copy(d.PublicKey[:], key)

	switch version {
	case VersionFixed:
		if intent == IntentReciprocate {
			if d.ServerName, err = r.string16(); err != nil {
				return nil, err
			}
		}
		if d.RendezvousURL, err = r.utf8(r.rest()); err != nil {
			return nil, err
		}
	case VersionExtended:
		id, err := r.take(len(uuid.UUID{}))
		if err != nil {
			return nil, err
		}
		copy(d.RendezvousID[:], id)
		if d.BaseURL, err = r.string16(); err != nil {
			return nil, err
		}
		if r.off != len(r.buf) {
			return nil, &FormatError{Reason: ReasonTrailingData, Offset: r.off}
		}
	}
	return d, nil
}

// EncodeBase64 returns the record as unpadded standard base64.
func (d *Data) EncodeBase64() (string, error) {
	b, err := d.Encode()
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

// DecodeBase64 accepts padded or unpadded standard base64.
func DecodeBase64(s string) (*Data, error) {
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return nil, fmt.Errorf("qrlogin: base64: %w", err)
	}
	return Decode(b)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.buf)-r.off < n {
		return nil, &FormatError{Reason: ReasonTruncated, Offset: len(r.buf)}
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) rest() []byte {
	out := r.buf[r.off:]
	r.off = len(r.buf)
	return out
}

func (r *reader) string16() (string, error) {
	lenBytes, err := r.take(2)
	if err != nil {
		return "", err
	}
	b, err := r.take(int(binary.BigEndian.Uint16(lenBytes)))
	if err != nil {
		return "", err
	}
	return r.utf8(b)
}

func (r *reader) utf8(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", &FormatError{Reason: ReasonInvalidUTF8, Offset: r.off - len(b)}
	}
	return string(b), nil
}
