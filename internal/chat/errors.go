package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Error codes carried on the wire in message:error and REST error bodies.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotParticipant     = "NOT_PARTICIPANT"
	CodeNotInConversation  = "NOT_IN_CONVERSATION"
	CodeRateLimited        = "RATE_LIMITED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeBusUnavailable     = "BUS_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeInternal           = "INTERNAL"
)

type Error struct {
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation         = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrNotParticipant     = &Error{Code: CodeNotParticipant, Message: "sender is not a participant"}
	ErrNotInConversation  = &Error{Code: CodeNotInConversation, Message: "not in conversation"}
	ErrRateLimited        = &Error{Code: CodeRateLimited, Message: "rate limited", Retryable: true}
	ErrStorageUnavailable = &Error{Code: CodeStorageUnavailable, Message: "storage unavailable", Retryable: true}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}

	// ErrNoRows is returned by Store lookups that match nothing.
	ErrNoRows = errors.New("chat: no rows")
	// ErrUnknownUser is returned by CreateConversation when a creator or
	// participant id names no user.
	ErrUnknownUser = errors.New("chat: unknown user")
	// ErrDirectExists is returned by CreateConversation when a live direct
	// conversation already joins the same two users.
	ErrDirectExists = errors.New("chat: direct conversation exists")
)

func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

func NotParticipant(msg string) *Error {
	return &Error{Code: CodeNotParticipant, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func NotInConversation(msg string) *Error {
	return &Error{Code: CodeNotInConversation, Message: msg}
}

func Unauthenticated(msg string) *Error {
	return &Error{Code: CodeUnauthenticated, Message: msg}
}

// BusUnavailable reports a failed subscription. Publishes never surface it.
func BusUnavailable(err error) *Error {
	return &Error{Code: CodeBusUnavailable, Message: "fan-out unavailable", Retryable: true, Err: err}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: "rate limit exceeded", Retryable: true, RetryAfter: retryAfter}
}

// StorageUnavailable wraps a gateway failure as a retryable error.
func StorageUnavailable(err error) *Error {
	return &Error{Code: CodeStorageUnavailable, Message: "storage unavailable", Retryable: true, Err: err}
}

// AsError converts any error into a *Error, defaulting to INTERNAL.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// HTTPStatus converts an error code to an HTTP status code.
func HTTPStatus(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotParticipant, CodeNotInConversation:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeStorageUnavailable, CodeBusUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int64  `json:"retryAfter,omitempty"` // milliseconds
}

// WriteError renders err as a JSON error body with the status for its code.
// Rate-limited responses also carry Retry-After in whole seconds.
func WriteError(w http.ResponseWriter, err error) {
	e := AsError(err)
	body := errorBody{Error: e.Message, Code: e.Code, Retryable: e.Retryable}
	if e.RetryAfter > 0 {
		body.RetryAfter = e.RetryAfter.Milliseconds()
		secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e.Code))
	json.NewEncoder(w).Encode(body)
}
