// Package apperr defines the tagged error type shared by the Wise connector,
// the sync services and the HTTP adapter.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindConfig     Kind = "configuration"
	KindCredential Kind = "credential"
	KindTransient  Kind = "transient_provider"
	KindHard       Kind = "hard_provider"
	KindValidation Kind = "validation"
	KindDisabled   Kind = "write_disabled"
	KindRouting    Kind = "routing"
	KindSignature  Kind = "signature"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Error carries a kind plus the provider status and body when one exists.
// Message is safe to return to callers; Body and Err are not.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Status  int
	Body    string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Config(op, msg string) *Error {
	return &Error{Kind: KindConfig, Op: op, Message: msg}
}

func Credential(op, msg string, err error) *Error {
	return &Error{Kind: KindCredential, Op: op, Message: msg, Err: err}
}

func Transient(op string, status int, body string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Message: "provider temporarily unavailable", Status: status, Body: body, Err: err}
}

func Hard(op string, status int, body string) *Error {
	return &Error{Kind: KindHard, Op: op, Message: "provider request failed", Status: status, Body: body}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Disabled(msg string) *Error {
	return &Error{Kind: KindDisabled, Message: msg}
}

func Routing(msg string) *Error {
	return &Error{Kind: KindRouting, Message: msg}
}

func Signature(msg string) *Error {
	return &Error{Kind: KindSignature, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code returned to API callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindCredential, KindValidation, KindRouting:
		return http.StatusBadRequest
	case KindSignature:
		return http.StatusUnauthorized
	case KindDisabled:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient, KindHard:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// maxDetailBody caps how much of a provider body is kept for operators
const maxDetailBody = 1024

// Detail is Error() plus the provider body, truncated. It is meant for sync
// runs and audit rows, never for API responses.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) && e.Body != "" {
		body := e.Body
		if len(body) > maxDetailBody {
			body = body[:maxDetailBody] + "...(truncated)"
		}
		msg = msg + ": body=" + body
	}
	return msg
}

// Public returns a message without provider bodies or wrapped causes.
func Public(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindTransient || e.Kind == KindHard {
			if e.Status != 0 {
				return fmt.Sprintf("Wise API error (status %d)", e.Status)
			}
			return "Wise API unavailable"
		}
		return e.Message
	}
	return "internal error"
}
