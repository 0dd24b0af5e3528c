package olm

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"sentinal-e2ee/internal/crypto"
	"sentinal-e2ee/internal/domain/encryption"
)

var (
	ErrUnknownMessageIndex = errors.New("message index precedes the first known index")
	ErrBadGroupSignature   = errors.New("group message signature does not verify")
	ErrRatchetTooFar       = errors.New("message index too far ahead")
	ErrSessionKey          = errors.New("malformed session key")
)

type sessionKey struct {
	Version int    `json:"v"`
	Index   uint32 `json:"i"`
	Ratchet string `json:"r"`
	Signing string `json:"k"`
}

func encodeSessionKey(index uint32, ratchet []byte, signing ed25519.PublicKey) (string, error) {
	raw, err := json.Marshal(sessionKey{Version: 1, Index: index, Ratchet: crypto.EncodeKey(ratchet), Signing: crypto.EncodeKey(signing)})
	if err != nil {
		return "", err
	}
	return crypto.EncodeKey(raw), nil
}

func decodeSessionKey(s string) (sessionKey, []byte, ed25519.PublicKey, error) {
	raw, err := crypto.DecodeKey(s)
	if err != nil {
		return sessionKey{}, nil, nil, fmt.Errorf("%w: %v", ErrSessionKey, err)
	}
	var sk sessionKey
	if err := json.Unmarshal(raw, &sk); err != nil {
		return sessionKey{}, nil, nil, fmt.Errorf("%w: %v", ErrSessionKey, err)
	}
	if sk.Version != 1 {
		return sessionKey{}, nil, nil, fmt.Errorf("%w: version %d", ErrSessionKey, sk.Version)
	}
	ratchet, err := crypto.DecodeKey(sk.Ratchet)
	if err != nil || len(ratchet) != crypto.KeySize {
		return sessionKey{}, nil, nil, fmt.Errorf("%w: ratchet", ErrSessionKey)
	}
	signing, err := crypto.DecodeEd25519(sk.Signing)
	if err != nil {
		return sessionKey{}, nil, nil, fmt.Errorf("%w: signing key", ErrSessionKey)
	}
	return sk, ratchet, signing, nil
}

type groupMessage struct {
	Index      uint32 `json:"i"`
	Ciphertext string `json:"c"`
}

func groupMessageKey(ratchet []byte) ([]byte, error) {
	return crypto.HKDF(ratchet, nil, []byte("SENTINAL_MEGOLM_KEYS"), crypto.KeySize)
}

// OutboundGroupSession encrypts room events for one room. Its key is handed to
// each recipient device once; rotation happens only through Invalidate.
type OutboundGroupSession struct {
	mu sync.Mutex

	roomID        string
	signing       crypto.Ed25519KeyPair
	ratchet       []byte
	index         uint32
	generation    uint32
	sharedHistory bool
	invalidated   bool

	sharedWith map[string]map[string]uint32
	withheld   map[string]map[string]encryption.WithheldCode
}

func NewOutboundGroupSession(roomID string, generation uint32, sharedHistory bool) (*OutboundGroupSession, error) {
	signing, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	seed, err := crypto.GenerateCurve25519()
	if err != nil {
		return nil, err
	}
	ratchet := make([]byte, crypto.KeySize)
	copy(ratchet, seed.Private[:])
	return &OutboundGroupSession{
		roomID:        roomID,
		signing:       signing,
		ratchet:       ratchet,
		generation:    generation,
		sharedHistory: sharedHistory,
		sharedWith:    make(map[string]map[string]uint32),
		withheld:      make(map[string]map[string]encryption.WithheldCode),
	}, nil
}

func (o *OutboundGroupSession) RoomID() string      { return o.roomID }
func (o *OutboundGroupSession) SessionID() string   { return o.signing.PublicKey() }
func (o *OutboundGroupSession) Generation() uint32  { return o.generation }
func (o *OutboundGroupSession) SharedHistory() bool { return o.sharedHistory }

func (o *OutboundGroupSession) MessageIndex() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.index
}

// SessionKey exports the ratchet at its current index.
func (o *OutboundGroupSession) SessionKey() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return encodeSessionKey(o.index, o.ratchet, o.signing.Public)
}

// Encrypt seals plaintext at the current index and advances the ratchet.
func (o *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.invalidated {
		return "", errors.New("group session was invalidated")
	}
	key, err := groupMessageKey(o.ratchet)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Seal(key, plaintext, []byte(o.SessionID()))
	crypto.Wipe(key)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(groupMessage{Index: o.index, Ciphertext: crypto.EncodeKey(sealed)})
	if err != nil {
		return "", err
	}
	sig := o.signing.Sign(payload)

	o.ratchet = crypto.AdvanceRatchet(o.ratchet)
	o.index++
	return crypto.EncodeKey(payload) + "." + sig, nil
}

func (o *OutboundGroupSession) MarkSharedWith(userID, deviceID string, index uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sharedWith[userID] == nil {
		o.sharedWith[userID] = make(map[string]uint32)
	}
	o.sharedWith[userID][deviceID] = index
	if w := o.withheld[userID]; w != nil {
		delete(w, deviceID)
	}
}

func (o *OutboundGroupSession) IsSharedWith(userID, deviceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.sharedWith[userID][deviceID]
	return ok
}

// MarkWithheld records that a device was not given the key. It returns false
// when the device was already withheld with the same code.
func (o *OutboundGroupSession) MarkWithheld(userID, deviceID string, code encryption.WithheldCode) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.withheld[userID] == nil {
		o.withheld[userID] = make(map[string]encryption.WithheldCode)
	}
	if prev, ok := o.withheld[userID][deviceID]; ok && prev == code {
		return false
	}
	o.withheld[userID][deviceID] = code
	return true
}

func (o *OutboundGroupSession) Invalidate() {
	o.mu.Lock()
	o.invalidated = true
	o.mu.Unlock()
}

func (o *OutboundGroupSession) Invalidated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.invalidated
}

// InboundGroupSession decrypts a sender's room events from FirstIndex onwards.
type InboundGroupSession struct {
	roomID            string
	sessionID         string
	senderKey         string
	senderClaimedKeys map[string]string
	firstIndex        uint32
	ratchet           []byte
	signingKey        ed25519.PublicKey
	generation        uint32
	sharedHistory     bool
	imported          bool
	maxAdvance        uint32
}

// NewInboundGroupSession builds a session from a key received over Olm.
func NewInboundGroupSession(roomID, sessionID, senderKey string, claimed map[string]string, key string, generation uint32, sharedHistory bool) (*InboundGroupSession, error) {
	sk, ratchet, signing, err := decodeSessionKey(key)
	if err != nil {
		return nil, err
	}
	if crypto.EncodeKey(signing) != sessionID {
		return nil, fmt.Errorf("%w: session id does not match key", ErrSessionKey)
	}
	return &InboundGroupSession{
		roomID:            roomID,
		sessionID:         sessionID,
		senderKey:         senderKey,
		senderClaimedKeys: claimed,
		firstIndex:        sk.Index,
		ratchet:           ratchet,
		signingKey:        signing,
		generation:        generation,
		sharedHistory:     sharedHistory,
		maxAdvance:        1 << 20,
	}, nil
}

// ImportInboundGroupSession rebuilds a session from a history bundle entry.
func ImportInboundGroupSession(key encryption.ExportedRoomKey) (*InboundGroupSession, error) {
	if key.Algorithm != encryption.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("unsupported algorithm %q", key.Algorithm)
	}
	s, err := NewInboundGroupSession(key.RoomID, key.SessionID, key.SenderKey, key.SenderClaimedKeys, key.SessionKey, key.Generation, key.SharedHistory)
	if err != nil {
		return nil, err
	}
	s.imported = true
	return s, nil
}

func (s *InboundGroupSession) SetMaxAdvance(n uint32) {
	if n > 0 {
		s.maxAdvance = n
	}
}

func (s *InboundGroupSession) RoomID() string      { return s.roomID }
func (s *InboundGroupSession) SessionID() string   { return s.sessionID }
func (s *InboundGroupSession) SenderKey() string   { return s.senderKey }
func (s *InboundGroupSession) FirstIndex() uint32  { return s.firstIndex }
func (s *InboundGroupSession) Generation() uint32  { return s.generation }
func (s *InboundGroupSession) SharedHistory() bool { return s.sharedHistory }
func (s *InboundGroupSession) Imported() bool      { return s.imported }

// ClaimedSigningKey is the Ed25519 key the sender claimed when sharing.
func (s *InboundGroupSession) ClaimedSigningKey() string {
	return s.senderClaimedKeys[encryption.KeyAlgorithmEd25519]
}

func (s *InboundGroupSession) Info() encryption.GroupSessionInfo {
	return encryption.GroupSessionInfo{
		RoomID:        s.roomID,
		SessionID:     s.sessionID,
		SenderKey:     s.senderKey,
		FirstIndex:    s.firstIndex,
		Generation:    s.generation,
		SharedHistory: s.sharedHistory,
		Imported:      s.imported,
	}
}

// Decrypt verifies and opens a group message.
func (s *InboundGroupSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	encodedPayload, sig, ok := strings.Cut(ciphertext, ".")
	if !ok {
		return nil, 0, ErrMalformedMessage
	}
	payload, err := crypto.DecodeKey(encodedPayload)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !crypto.VerifySignature(s.signingKey, payload, sig) {
		return nil, 0, ErrBadGroupSignature
	}
	var msg groupMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Index < s.firstIndex {
		return nil, msg.Index, ErrUnknownMessageIndex
	}
	if msg.Index-s.firstIndex > s.maxAdvance {
		return nil, msg.Index, ErrRatchetTooFar
	}

	ratchet := s.ratchet
	for i := s.firstIndex; i < msg.Index; i++ {
		ratchet = crypto.AdvanceRatchet(ratchet)
	}
	key, err := groupMessageKey(ratchet)
	if err != nil {
		return nil, msg.Index, err
	}
	sealed, err := crypto.DecodeKey(msg.Ciphertext)
	if err != nil {
		return nil, msg.Index, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	plaintext, err := crypto.Open(key, sealed, []byte(s.sessionID))
	crypto.Wipe(key)
	if err != nil {
		return nil, msg.Index, err
	}
	return plaintext, msg.Index, nil
}

// Export renders the session at its first known index for a history bundle.
func (s *InboundGroupSession) Export() (encryption.ExportedRoomKey, error) {
	key, err := encodeSessionKey(s.firstIndex, s.ratchet, s.signingKey)
	if err != nil {
		return encryption.ExportedRoomKey{}, err
	}
	claimed := make(map[string]string, len(s.senderClaimedKeys))
	for k, v := range s.senderClaimedKeys {
		claimed[k] = v
	}
	return encryption.ExportedRoomKey{
		Algorithm:         encryption.AlgorithmMegolmV1,
		RoomID:            s.roomID,
		SenderKey:         s.senderKey,
		SessionID:         s.sessionID,
		SessionKey:        key,
		SenderClaimedKeys: claimed,
		Generation:        s.generation,
		SharedHistory:     s.sharedHistory,
	}, nil
}
