package outbox

import (
	"encoding/json"
	"time"
)

// Status represents where an outgoing request is in its lifecycle
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusSent         Status = "SENT"
	StatusAcknowledged Status = "ACKNOWLEDGED"
)

// Kind identifies the homeserver endpoint a request targets
type Kind string

const (
	KindKeysUpload        Kind = "KEYS_UPLOAD"
	KindKeysQuery         Kind = "KEYS_QUERY"
	KindKeysClaim         Kind = "KEYS_CLAIM"
	KindToDevice          Kind = "TO_DEVICE"
	KindSignatureUpload   Kind = "SIGNATURE_UPLOAD"
	KindSigningKeysUpload Kind = "SIGNING_KEYS_UPLOAD"
)

func (k Kind) Valid() bool {
	switch k {
	case KindKeysUpload, KindKeysQuery, KindKeysClaim, KindToDevice, KindSignatureUpload, KindSigningKeysUpload:
		return true
	}
	return false
}

// OutgoingRequest is a request the machine wants delivered to the homeserver.
// Body is the JSON body for the endpoint identified by Kind.
type OutgoingRequest struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Body           json.RawMessage `json:"body"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

func (r *OutgoingRequest) Pending() bool {
	return r.Status != StatusAcknowledged
}
