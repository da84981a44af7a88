package protocol

import "fmt"

// ErrorCode classifies protocol-level failures surfaced to the client.
type ErrorCode string

const (
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	CodeSessionInvalid   ErrorCode = "SESSION_INVALID"
	CodeStreamSeqError   ErrorCode = "STREAM_SEQ_ERROR"
	CodeRequestTimeout   ErrorCode = "REQUEST_TIMEOUT"
	CodeServerBusy       ErrorCode = "SERVER_BUSY"
	CodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Retryable reports whether the client may retry after receiving this code.
// AUTH_FAILED and MALFORMED_PAYLOAD are terminal for the offending input;
// SESSION_INVALID requires a fresh REGISTER rather than a blind retry.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeServerBusy, CodeRequestTimeout, CodeInternalError:
		return true
	default:
		return false
	}
}

// Error is a classified protocol failure. It doubles as a Go error so
// decode and dispatch paths can return it directly.
type Error struct {
	Code      ErrorCode
	Msg       string
	Detail    string
	RequestID string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Msg, e.Detail)
}

func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Malformed(msg string) *Error {
	return &Error{Code: CodeMalformedPayload, Msg: msg}
}

// Payload converts the error into its wire representation.
func (e *Error) Payload() ErrorPayload {
	return ErrorPayload{
		ErrorCode:   e.Code,
		ErrorMsg:    e.Msg,
		ErrorDetail: e.Detail,
		Retryable:   e.Code.Retryable(),
		RequestID:   e.RequestID,
	}
}
