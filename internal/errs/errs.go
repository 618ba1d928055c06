// Package errs defines the stable error codes shared across the daemon and
// the user-facing classification for chat replies.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error identifiers. These are wire/CLI contract, not type names.
const (
	CodeConfigNotFound          = "CONFIG_NOT_FOUND"
	CodeConfigInvalid           = "CONFIG_INVALID"
	CodeAgentNotFound           = "AGENT_NOT_FOUND"
	CodeScheduleNotFound        = "SCHEDULE_NOT_FOUND"
	CodeConcurrencyLimitReached = "CONCURRENCY_LIMIT_REACHED"
	CodeSessionStateReadFailed  = "SESSION_STATE_READ_FAILED"
	CodeSessionStateWriteFailed = "SESSION_STATE_WRITE_FAILED"
	CodeSessionDirCreateFailed  = "SESSION_DIR_CREATE_FAILED"
	CodeHookTimeout             = "HOOK_TIMEOUT"
	CodeHookExitNonzero         = "HOOK_EXIT_NONZERO"
	CodeHookTokenMissing        = "HOOK_TOKEN_MISSING"
	CodeBackendTimeout          = "BACKEND_TIMEOUT"
	CodeBackendError            = "BACKEND_ERROR"
	CodeChatConnectionFailed    = "CHAT_CONNECTION_FAILED"
	CodeChatAlreadyConnected    = "CHAT_ALREADY_CONNECTED"
	CodeChatInvalidToken        = "CHAT_INVALID_TOKEN"
	CodeChatMissingToken        = "CHAT_MISSING_TOKEN"
	CodeChatRateLimited         = "CHAT_RATE_LIMITED"
)

// HookHTTPCode builds the per-status hook failure code, e.g. HOOK_HTTP_503.
func HookHTTPCode(status int) string {
	return fmt.Sprintf("HOOK_HTTP_%d", status)
}

// Error carries a stable code alongside a message and optional cause.
type Error struct {
	ErrCode string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.ErrCode, e.Err)
	}
	return e.ErrCode
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to a cause.
func Wrap(code string, err error, message string) *Error {
	return &Error{ErrCode: code, Message: message, Err: err}
}

// Code extracts the stable code from err, or "" when err carries none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrCode
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return Code(err) == code
}

// UserMessage classifies err into the short reply shown to a chat user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Code(err) {
	case CodeChatInvalidToken, CodeChatMissingToken, CodeHookTokenMissing:
		return "There is an authentication problem on my side. Please contact the operator."
	case CodeChatRateLimited:
		return "I'm being rate limited right now. Please try again shortly."
	case CodeBackendTimeout, CodeChatConnectionFailed:
		return "I hit a transient connectivity problem. Please try again."
	case CodeBackendError:
		return "The upstream service returned an error. Please try again later."
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid token"), strings.Contains(msg, "auth"):
		return "There is an authentication problem on my side. Please contact the operator."
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return "I'm being rate limited right now. Please try again shortly."
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network"):
		return "I hit a transient connectivity problem. Please try again."
	case strings.Contains(msg, "api"), strings.Contains(msg, "status 5"):
		return "The upstream service returned an error. Please try again later."
	}
	return "Something went wrong while processing your message."
}
