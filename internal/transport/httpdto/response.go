package httpdto

// MatrixError is the error body of the Matrix client-server API.
type MatrixError struct {
	ErrCode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func NewMatrixError(code, msg string) MatrixError {
	return MatrixError{ErrCode: code, Error: msg}
}

// NewLimitExceeded is returned with 429 when a rate limit trips.
func NewLimitExceeded(retryAfterMs int64) MatrixError {
	return MatrixError{ErrCode: "M_LIMIT_EXCEEDED", Error: "too many requests", RetryAfterMs: retryAfterMs}
}
