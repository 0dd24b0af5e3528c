package qrlogin

import "fmt"

type Reason string

const (
	ReasonTruncated    Reason = "truncated"
	ReasonBadPrefix    Reason = "bad-prefix"
	ReasonBadVersion   Reason = "bad-version"
	ReasonUnknownMode  Reason = "unknown-mode"
	ReasonInvalidUTF8  Reason = "invalid-utf8"
	ReasonTrailingData Reason = "trailing-data"
	ReasonTooLong      Reason = "too-long"
)

// FormatError reports why a record could not be decoded or encoded.
// Offset is the byte position where the problem was found.
type FormatError struct {
	Reason Reason
	Offset int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("qrlogin: %s at byte %d", e.Reason, e.Offset)
}

// Is matches another *FormatError with the same reason, so callers can write
// errors.Is(err, &FormatError{Reason: ReasonTruncated}).
func (e *FormatError) Is(target error) bool {
	t, ok := target.(*FormatError)
	return ok && t.Reason == e.Reason
}
