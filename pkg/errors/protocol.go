package sentinal_errors

import (
	"errors"
	"fmt"
)

// SequencingReason says why a request resolution was refused.
type SequencingReason string

const (
	SequencingUnknownRequest  SequencingReason = "unknown-request"
	SequencingAlreadyResolved SequencingReason = "already-resolved"
	SequencingKindMismatch    SequencingReason = "kind-mismatch"
	SequencingInFlight        SequencingReason = "resolution-in-flight"
)

// SequencingError reports a response that does not match any pending request.
// It is recoverable: the ledger is left untouched.
type SequencingError struct {
	RequestID string
	Kind      string
	Reason    SequencingReason
}

func (e *SequencingError) Error() string {
	return fmt.Sprintf("request %s (%s): %s", e.RequestID, e.Kind, e.Reason)
}

// Is matches any SequencingError with the same reason, so callers can test
// against the Err* sentinels below.
func (e *SequencingError) Is(target error) bool {
	t, ok := target.(*SequencingError)
	if !ok {
		return false
	}
	return t.RequestID == "" && t.Reason == e.Reason
}

var (
	ErrUnknownRequest     = &SequencingError{Reason: SequencingUnknownRequest}
	ErrRequestResolved    = &SequencingError{Reason: SequencingAlreadyResolved}
	ErrRequestKind        = &SequencingError{Reason: SequencingKindMismatch}
	ErrResolutionInFlight = &SequencingError{Reason: SequencingInFlight}
)

// TrustMergeError is raised when a peer's key material is missing or carries
// signatures that do not verify. The device record is still usable for
// session establishment but its trust is not elevated.
type TrustMergeError struct {
	UserID   string
	DeviceID string
	Reason   string
}

func (e *TrustMergeError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("trust merge %s: %s", e.UserID, e.Reason)
	}
	return fmt.Sprintf("trust merge %s/%s: %s", e.UserID, e.DeviceID, e.Reason)
}

// ResourceExhaustionError reports that a device had no one-time keys left to claim.
type ResourceExhaustionError struct {
	UserID   string
	DeviceID string
	Resource string
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("%s exhausted for %s/%s", e.Resource, e.UserID, e.DeviceID)
}

// DecryptionErrorCode classifies a failed room event decryption.
type DecryptionErrorCode string

const (
	DecryptMissingRoomKey         DecryptionErrorCode = "MISSING_ROOM_KEY"
	DecryptUnknownMessageIndex    DecryptionErrorCode = "UNKNOWN_MESSAGE_INDEX"
	DecryptMismatchedIdentityKeys DecryptionErrorCode = "MISMATCHED_IDENTITY_KEYS"
	DecryptUnknownSenderDevice    DecryptionErrorCode = "UNKNOWN_SENDER_DEVICE"
	DecryptUnsignedSenderDevice   DecryptionErrorCode = "UNSIGNED_SENDER_DEVICE"
	DecryptMismatchedSender       DecryptionErrorCode = "MISMATCHED_SENDER"
	DecryptUnableToDecrypt        DecryptionErrorCode = "UNABLE_TO_DECRYPT"
)

// DecryptionError is returned per event; it never aborts a batch.
type DecryptionError struct {
	Code         DecryptionErrorCode
	SessionID    string
	WithheldCode string
	Err          error
}

func (e *DecryptionError) Error() string {
	msg := string(e.Code)
	if e.SessionID != "" {
		msg += " session=" + e.SessionID
	}
	if e.WithheldCode != "" {
		msg += " withheld=" + e.WithheldCode
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// DecryptionCode extracts the code of a DecryptionError anywhere in err's chain.
func DecryptionCode(err error) (DecryptionErrorCode, bool) {
	var de *DecryptionError
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// ImportError rejects a whole history bundle; nothing from it is imported.
type ImportError struct {
	RoomID string
	Sender string
	Reason string
	Err    error
}

func (e *ImportError) Error() string {
	msg := fmt.Sprintf("bundle import %s from %s: %s", e.RoomID, e.Sender, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ImportError) Unwrap() error {
	return e.Err
}
