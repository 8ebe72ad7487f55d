// Package api provides the HTTP error envelope and the error-kind to
// status-code mapping shared by every route in the control plane.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind enumerates the error kinds of spec §7. Handlers never construct
// ad-hoc strings; they pick one of these so the mapper in
// StatusFor stays the single place status codes are decided.
type Kind string

const (
	KindAuthMissing        Kind = "auth.missing"
	KindAuthInvalid        Kind = "auth.invalid"
	KindAuthRevoked        Kind = "auth.revoked"
	KindAuthDeviceInactive Kind = "auth.device_inactive"

	KindInputMalformed Kind = "input.malformed"
	KindInputSchema    Kind = "input.schema"
	KindInputTooLarge  Kind = "input.too_large"

	KindRateLimited Kind = "rate.limited"

	KindResourceNotFound Kind = "resource.not_found"
	KindResourceConflict Kind = "resource.conflict"

	KindServerInternal Kind = "server.internal"
	KindServerTimeout  Kind = "server.timeout"
)

// statusByKind is the single table mapping a domain error kind to an
// HTTP status code (spec §7: "handlers translate domain errors to
// status codes in one place").
var statusByKind = map[Kind]int{
	KindAuthMissing:        http.StatusUnauthorized,
	KindAuthInvalid:        http.StatusUnauthorized,
	KindAuthRevoked:        http.StatusForbidden,
	KindAuthDeviceInactive: http.StatusForbidden,

	KindInputMalformed: http.StatusBadRequest,
	KindInputSchema:    http.StatusUnprocessableEntity,
	KindInputTooLarge:  http.StatusRequestEntityTooLarge,

	KindRateLimited: http.StatusTooManyRequests,

	KindResourceNotFound: http.StatusNotFound,
	KindResourceConflict: http.StatusConflict,

	KindServerInternal: http.StatusInternalServerError,
	KindServerTimeout:  http.StatusGatewayTimeout,
}

// StatusFor returns the HTTP status code for a Kind, defaulting to 500
// for an unrecognized kind (which should never happen in practice).
func StatusFor(k Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the body of the `error` field in every error response:
// {"error": {"type": "...", "message": "...", "details": ...}}.
type Error struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error Error `json:"error"`
}

// Error implements the error interface so domain code can return it
// directly and have handlers pass it straight to WriteError.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewError constructs an *Error for a given kind.
func NewError(kind Kind, message string, details any) *Error {
	return &Error{Type: kind, Message: message, Details: details}
}

// WriteKind writes the error envelope for a domain error Kind, logging
// server.internal occurrences with the request's correlation id.
func WriteKind(w http.ResponseWriter, r *http.Request, kind Kind, message string, details any) {
	status := StatusFor(kind)
	if kind == KindServerInternal {
		slog.Error("internal server error", "correlation_id", r.Header.Get("X-Correlation-ID"), "detail", message)
		message = "An unexpected error occurred. Please try again later."
		details = nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: Error{Type: kind, Message: message, Details: details}})
}

// WriteBadRequest writes an input.malformed (400) response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteKind(w, r, KindInputMalformed, detail, nil)
}

// WriteSchemaInvalid writes an input.schema (422) response.
func WriteSchemaInvalid(w http.ResponseWriter, r *http.Request, detail string, details any) {
	WriteKind(w, r, KindInputSchema, detail, details)
}

// WriteUnauthorized writes an auth.missing or auth.invalid (401) response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, kind Kind, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	WriteKind(w, r, kind, detail, nil)
}

// WriteForbidden writes an auth.revoked or auth.device_inactive (403) response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, kind Kind, detail string) {
	if detail == "" {
		detail = "insufficient permissions"
	}
	WriteKind(w, r, kind, detail, nil)
}

// WriteNotFound writes a resource.not_found (404) response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteKind(w, r, KindResourceNotFound, detail, nil)
}

// WriteConflict writes a resource.conflict (409) response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteKind(w, r, KindResourceConflict, detail, nil)
}

// WriteTooLarge writes an input.too_large (413) response.
func WriteTooLarge(w http.ResponseWriter, r *http.Request, detail string) {
	WriteKind(w, r, KindInputTooLarge, detail, nil)
}

// WriteTooManyRequests writes a rate.limited (429) response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteKind(w, r, KindRateLimited, "rate limit exceeded, retry after the specified interval", nil)
}

// WriteInternal writes a server.internal (500) response. err is logged
// but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	WriteKind(w, r, KindServerInternal, err.Error(), nil)
}

// WriteTimeout writes a server.timeout (504) response.
func WriteTimeout(w http.ResponseWriter, r *http.Request) {
	WriteKind(w, r, KindServerTimeout, "request deadline exceeded", nil)
}

// WriteError is the single place handlers translate a returned error
// into a response (spec §7: "handlers translate domain errors to
// status codes in one place"). A domain *Error is written using its
// own Kind; anything else is wrapped as server.internal without
// leaking its text to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		WriteKind(w, r, domainErr.Type, domainErr.Message, domainErr.Details)
		return
	}
	WriteInternal(w, r, err)
}
