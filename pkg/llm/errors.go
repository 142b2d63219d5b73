package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorType categorizes provider failures for retry decisions.
type ErrorType int8

const (
	// ErrorTypeRateLimit covers 429 and quota errors.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient covers 5xx, timeouts and dropped connections.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse is a successful call that produced no text.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth covers 401/403.
	ErrorTypeAuth
	// ErrorTypeBadPrompt covers malformed or oversized requests.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default.
	ErrorTypeUnknown
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Retryable reports whether another attempt may succeed.
func (et ErrorType) Retryable() bool {
	switch et {
	case ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse:
		return true
	default:
		return false
	}
}

// Error is a classified provider error.
type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error without a cause.
func NewError(t ErrorType, msg string) *Error {
	return &Error{Type: t, Message: msg}
}

// TypeOf returns the classification of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var le *Error
	if errors.As(err, &le) {
		return le.Type
	}
	return ErrorTypeUnknown
}

var statusPattern = regexp.MustCompile(`(?i)(?:status code|status|http)[: ]+(\d{3})`)

// Classify wraps a raw SDK error. Already classified errors pass through.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}

	wrap := func(t ErrorType, status int, msg string) error {
		return &Error{Type: t, StatusCode: status, Message: provider + ": " + msg, Err: err}
	}

	// Cancellation is the caller's decision and never retried.
	if errors.Is(err, context.Canceled) {
		return wrap(ErrorTypeUnknown, 0, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrorTypeTransient, 0, "request timeout")
	}

	errStr := err.Error()
	if m := statusPattern.FindStringSubmatch(errStr); m != nil {
		status, _ := strconv.Atoi(m[1])
		switch {
		case status == 401 || status == 403:
			return wrap(ErrorTypeAuth, status, "authentication failed")
		case status == 429:
			return wrap(ErrorTypeRateLimit, status, "rate limit exceeded")
		case status == 400 || status == 404 || status == 413:
			return wrap(ErrorTypeBadPrompt, status, "bad request")
		case status >= 500:
			return wrap(ErrorTypeTransient, status, "server error")
		}
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(errStr, "EOF"):
		return wrap(ErrorTypeTransient, 0, "network error")
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "quota"):
		return wrap(ErrorTypeRateLimit, 0, "rate limiting detected")
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "api key"):
		return wrap(ErrorTypeAuth, 0, "authentication error")
	case strings.Contains(lower, "model") && strings.Contains(lower, "not found"):
		return wrap(ErrorTypeBadPrompt, 0, "model not found")
	}
	return wrap(ErrorTypeUnknown, 0, "unclassified error")
}
