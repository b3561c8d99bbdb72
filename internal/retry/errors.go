package retry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized     = errors.New("unauthorized: credentials invalid or expired")
	ErrForbidden        = errors.New("forbidden: request blocked")
	ErrRateLimited      = errors.New("rate limited")
	ErrServer           = errors.New("server error")
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
	ErrBadResponse      = errors.New("unparseable response body")
)

// StatusError reports a non-200 response.
type StatusError struct {
	StatusCode int
	Detail     string
	Body       []byte
}

// NewStatusError builds a StatusError and extracts a short detail from a
// Google-style error body when one is present.
func NewStatusError(code int, body []byte) *StatusError {
	return &StatusError{
		StatusCode: code,
		Detail:     errorDetail(body),
		Body:       body,
	}
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrServer
	default:
		return ErrUnexpectedStatus
	}
}

// DecodeError reports a 200 response whose body could not be parsed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrBadResponse, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrBadResponse, e.Err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Failure is the terminal error of Do.
type Failure struct {
	Op         string
	Attempts   int
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", f.Op, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type apiErrorBody struct {
	Error struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Status  string            `json:"status"`
		Details []json.RawMessage `json:"details"`
	} `json:"error"`
}

func errorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var b apiErrorBody
	if err := json.Unmarshal(body, &b); err != nil {
		return ""
	}
	for _, d := range b.Error.Details {
		if strings.Contains(string(d), "PUBLIC_ERROR_USER_REQUESTS_THROTTLED") {
			return "requests throttled, reduce workers or wait longer"
		}
	}
	if b.Error.Status == "RESOURCE_EXHAUSTED" {
		return "quota exhausted (RESOURCE_EXHAUSTED)"
	}
	return b.Error.Message
}
