package olm

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sentinal-e2ee/internal/crypto"
	"sentinal-e2ee/internal/domain/encryption"
)

const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

var (
	ErrSessionMismatch  = errors.New("message does not belong to this session")
	ErrDuplicateMessage = errors.New("message key already used")
	ErrTooManySkipped   = errors.New("too many skipped messages")
	ErrMalformedMessage = errors.New("malformed olm message")
)

// PreKeyMessage wraps the first messages of a session until the responder
// has replied.
type PreKeyMessage struct {
	IdentityKey string  `json:"ik"`
	BaseKey     string  `json:"bk"`
	OneTimeKey  string  `json:"otk"`
	Message     Message `json:"m"`
}

type Message struct {
	Index      uint32 `json:"i"`
	Ciphertext string `json:"c"`
}

// Session is one direction-pair of symmetric chains between two devices.
type Session struct {
	mu sync.Mutex

	id               string
	ourIdentityKey   string
	theirIdentityKey string
	initiator        bool
	header           *PreKeyMessage
	confirmed        bool

	sendChain []byte
	sendIndex uint32
	recvChain []byte
	recvIndex uint32
	skipped   map[uint32][]byte
	maxSkip   int

	createdAt time.Time
	lastUsed  time.Time
}

func newSession(initiator bool, ours, theirs string, header *PreKeyMessage, s1, s2, s3 [crypto.KeySize]byte, maxSkipped int) (*Session, error) {
	secret := make([]byte, 0, 3*crypto.KeySize)
	secret = append(secret, s1[:]...)
	secret = append(secret, s2[:]...)
	secret = append(secret, s3[:]...)
	material, err := crypto.HKDF(secret, nil, []byte("SENTINAL_OLM_ROOT"), 2*crypto.KeySize)
	crypto.Wipe(secret)
	if err != nil {
		return nil, err
	}

	// initiator sends on the first chain, the responder on the second
	first, second := material[:crypto.KeySize], material[crypto.KeySize:]
	send, recv := first, second
	if !initiator {
		send, recv = second, first
	}

	idInput := header.IdentityKey + "|" + header.BaseKey + "|" + header.OneTimeKey
	digest := sha256.Sum256([]byte(idInput))
	if maxSkipped <= 0 {
		maxSkipped = 1000
	}
	now := time.Now()
	return &Session{
		id:               crypto.EncodeKey(digest[:]),
		ourIdentityKey:   ours,
		theirIdentityKey: theirs,
		initiator:        initiator,
		header:           header,
		confirmed:        !initiator,
		sendChain:        send,
		recvChain:        recv,
		skipped:          make(map[uint32][]byte),
		maxSkip:          maxSkipped,
		createdAt:        now,
		lastUsed:         now,
	}, nil
}

func (s *Session) ID() string               { return s.id }
func (s *Session) TheirIdentityKey() string { return s.theirIdentityKey }

// OneTimeKey is the responder one-time key the session was built from.
func (s *Session) OneTimeKey() string { return s.header.OneTimeKey }

func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Info describes the session for callers outside the engine.
func (s *Session) Info(remoteUser, remoteDevice string) encryption.PairwiseSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encryption.PairwiseSession{
		SessionID:      s.id,
		RemoteUserID:   remoteUser,
		RemoteDeviceID: remoteDevice,
		RemoteKey:      s.theirIdentityKey,
		Initiator:      s.initiator,
		CreatedAt:      s.createdAt,
		LastUsedAt:     s.lastUsed,
	}
}

// Encrypt produces a pre-key message until the peer has answered, a normal
// message afterwards.
func (s *Session) Encrypt(plaintext []byte) (encryption.OlmCiphertext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, messageKey := crypto.AdvanceChain(s.sendChain)
	sealed, err := crypto.Seal(messageKey, plaintext, []byte(s.id))
	crypto.Wipe(messageKey)
	if err != nil {
		return encryption.OlmCiphertext{}, err
	}
	msg := Message{Index: s.sendIndex, Ciphertext: crypto.EncodeKey(sealed)}
	s.sendChain = next
	s.sendIndex++
	s.lastUsed = time.Now()

	if !s.confirmed {
		pre := *s.header
		pre.Message = msg
		body, err := json.Marshal(pre)
		if err != nil {
			return encryption.OlmCiphertext{}, err
		}
		return encryption.OlmCiphertext{Type: MessageTypePreKey, Body: crypto.EncodeKey(body)}, nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return encryption.OlmCiphertext{}, err
	}
	return encryption.OlmCiphertext{Type: MessageTypeNormal, Body: crypto.EncodeKey(body)}, nil
}

// ParsePreKeyMessage decodes the body of a type 0 message.
func ParsePreKeyMessage(body string) (*PreKeyMessage, error) {
	raw, err := crypto.DecodeKey(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var pre PreKeyMessage
	if err := json.Unmarshal(raw, &pre); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if pre.IdentityKey == "" || pre.BaseKey == "" || pre.OneTimeKey == "" {
		return nil, ErrMalformedMessage
	}
	return &pre, nil
}

// Matches reports whether a pre-key message was produced by this session.
func (s *Session) Matches(pre *PreKeyMessage) bool {
	return s.header.IdentityKey == pre.IdentityKey &&
		s.header.BaseKey == pre.BaseKey &&
		s.header.OneTimeKey == pre.OneTimeKey
}

// Decrypt opens a message addressed to this session. State only advances when
// authentication succeeds.
func (s *Session) Decrypt(ct encryption.OlmCiphertext) ([]byte, error) {
	var msg Message
	switch ct.Type {
	case MessageTypePreKey:
		pre, err := ParsePreKeyMessage(ct.Body)
		if err != nil {
			return nil, err
		}
		if !s.Matches(pre) {
			return nil, ErrSessionMismatch
		}
		msg = pre.Message
	case MessageTypeNormal:
		raw, err := crypto.DecodeKey(ct.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	default:
		return nil, fmt.Errorf("%w: type %d", ErrMalformedMessage, ct.Type)
	}

	sealed, err := crypto.DecodeKey(msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Index < s.recvIndex {
		key, ok := s.skipped[msg.Index]
		if !ok {
			return nil, ErrDuplicateMessage
		}
		plaintext, err := crypto.Open(key, sealed, []byte(s.id))
		if err != nil {
			return nil, err
		}
		delete(s.skipped, msg.Index)
		s.afterReceive()
		return plaintext, nil
	}

	if int(msg.Index-s.recvIndex) > s.maxSkip {
		return nil, ErrTooManySkipped
	}
	chain := s.recvChain
	skipped := make(map[uint32][]byte)
	for i := s.recvIndex; i < msg.Index; i++ {
		next, key := crypto.AdvanceChain(chain)
		skipped[i] = key
		chain = next
	}
	next, key := crypto.AdvanceChain(chain)
	plaintext, err := crypto.Open(key, sealed, []byte(s.id))
	crypto.Wipe(key)
	if err != nil {
		return nil, err
	}

	for i, k := range skipped {
		s.skipped[i] = k
	}
	s.recvChain = next
	s.recvIndex = msg.Index + 1
	s.afterReceive()
	return plaintext, nil
}

func (s *Session) afterReceive() {
	s.lastUsed = time.Now()
	s.confirmed = true
}
