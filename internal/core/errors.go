package core

// Error codes carried on the wire protocol.
const (
	ErrCodeNotAParticipant    = "not_a_participant"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodePersistenceFailure = "persistence_failure"
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

// NewError builds a CoreError with the given code and message.
func NewError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
