// Package apperr provides the error taxonomy shared by the proxy components.
//
// Every failure that can reach a caller is an *Error carrying a Code. The Code
// decides the HTTP status at the boundary and whether the retry controller may
// try again; the Message is the only text a caller ever sees.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies a class of failure.
type Code string

const (
	CodeConfigMissing         Code = "CONFIG_MISSING"
	CodeNotFound              Code = "NOT_FOUND"
	CodeForbidden             Code = "FORBIDDEN"
	CodeValidation            Code = "VALIDATION"
	CodeUpstreamStatus        Code = "UPSTREAM_STATUS"
	CodeUnexpectedContentType Code = "UNEXPECTED_CONTENT_TYPE"
	CodeMalformedResponse     Code = "MALFORMED_RESPONSE"
	CodeTimeout               Code = "TIMEOUT"
	CodeNetwork               Code = "NETWORK"
	CodeStreamProcessing      Code = "STREAM_PROCESSING"
	CodeCanceled              Code = "CANCELED"
)

// Category groups codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryUnauthorized
	CategoryBadRequest
	CategoryNotFound
	CategoryForbidden
	CategoryBadGateway
	CategoryTimeout
	CategoryCanceled
)

var codeCategories = map[Code]Category{
	CodeConfigMissing:         CategoryBadRequest,
	CodeNotFound:              CategoryNotFound,
	CodeForbidden:             CategoryForbidden,
	CodeValidation:            CategoryBadRequest,
	CodeUpstreamStatus:        CategoryBadGateway,
	CodeUnexpectedContentType: CategoryBadGateway,
	CodeMalformedResponse:     CategoryBadGateway,
	CodeTimeout:               CategoryTimeout,
	CodeNetwork:               CategoryBadGateway,
	CodeStreamProcessing:      CategoryBadGateway,
	CodeCanceled:              CategoryCanceled,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryBadRequest:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryBadGateway:
		return http.StatusBadGateway
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	case CategoryCanceled:
		// nginx's "client closed request"; nobody is listening anymore.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// MaxExcerpt bounds the upstream body text kept on an error.
const MaxExcerpt = 200

// Error is the structured error type used across the proxy.
type Error struct {
	Code    Code
	Message string
	// Status is the upstream HTTP status for CodeUpstreamStatus, zero otherwise.
	Status int
	// Excerpt is a bounded slice of the upstream body, for logs only.
	Excerpt string
	// Unauthorized marks configuration errors that should surface as 401.
	Unauthorized bool
	Cause        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Excerpt != "" {
		b.WriteString(": ")
		b.WriteString(e.Excerpt)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by Code so callers can test against the sentinel values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// HTTPStatus returns the status code a caller should receive for this error.
func (e *Error) HTTPStatus() int {
	if e.Unauthorized {
		return http.StatusUnauthorized
	}
	return codeCategories[e.Code].HTTPStatus()
}

// Sentinels usable with errors.Is.
var (
	ErrConfigMissing         = &Error{Code: CodeConfigMissing}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrForbidden             = &Error{Code: CodeForbidden}
	ErrValidation            = &Error{Code: CodeValidation}
	ErrUpstreamStatus        = &Error{Code: CodeUpstreamStatus}
	ErrUnexpectedContentType = &Error{Code: CodeUnexpectedContentType}
	ErrMalformedResponse     = &Error{Code: CodeMalformedResponse}
	ErrTimeout               = &Error{Code: CodeTimeout}
	ErrNetwork               = &Error{Code: CodeNetwork}
	ErrCanceled              = &Error{Code: CodeCanceled}
)

// New creates an Error with a code and user-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error with a code and user-facing message around a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Config reports missing or unusable configuration. Missing credentials are
// reported as unauthorized.
func Config(message string, unauthorized bool) *Error {
	return &Error{Code: CodeConfigMissing, Message: message, Unauthorized: unauthorized}
}

// NotFound reports an unresolved entity.
func NotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// Upstream reports a non-success HTTP status from the upstream backend.
func Upstream(status int, body []byte) *Error {
	return &Error{
		Code:    CodeUpstreamStatus,
		Message: StatusMessage(status),
		Status:  status,
		Excerpt: Excerpt(body, MaxExcerpt),
	}
}

// StatusMessage maps an upstream HTTP status to the text shown to callers.
func StatusMessage(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "workflow backend authentication failed"
	case http.StatusForbidden:
		return "access to the workflow was denied"
	case http.StatusNotFound:
		return "workflow not found on the backend"
	case http.StatusInternalServerError:
		return "workflow backend internal error"
	case http.StatusServiceUnavailable:
		return "workflow backend unavailable"
	default:
		return fmt.Sprintf("workflow backend request failed with status %d", status)
	}
}

// Excerpt returns at most maxLen bytes of body with whitespace collapsed,
// never splitting a multi-byte rune.
func Excerpt(body []byte, maxLen int) string {
	clean := strings.Join(strings.Fields(string(body)), " ")
	if len(clean) <= maxLen {
		return clean
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(clean[cut]) {
		cut--
	}
	return clean[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Retryable reports whether the retry controller may repeat a failed call.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		// Unclassified transport failures are treated as network errors.
		return true
	}
	switch e.Code {
	case CodeTimeout, CodeUpstreamStatus, CodeUnexpectedContentType, CodeMalformedResponse, CodeNetwork:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the caller-facing status for any error.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// UserMessage returns the caller-facing text for any error. Unclassified
// errors never leak their details.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
