// Package apperrors provides the error taxonomy used across VNCache's
// core components (blob store, FBM listener, negotiation, replication).
//
// Every error that can surface to a caller is represented as an AppError
// carrying a machine-readable Code, an HTTP status for the handful of
// errors surfaced over plain HTTP (negotiation, discovery, well-known),
// and an FBM status token for errors surfaced inline in a framed
// response. Background loops (discovery sweep, replication, queue purge)
// log AppErrors and continue; they are never fatal to the process.
package apperrors

import (
	"fmt"
	"net/http"
)

// AppError is a structured error with both an HTTP and an FBM rendering.
type AppError struct {
	// Code is a machine-readable identifier, e.g. "NOT_FOUND".
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Details carries wrapped error context. Not always safe to show callers.
	Details string `json:"details,omitempty"`

	// StatusCode is the HTTP status to use when this error is returned
	// from a control-plane endpoint (connect, upgrade, discovery).
	StatusCode int `json:"-"`

	// FBMStatus is the ASCII status token ("nf", "err") to place in the
	// Status header of a framed response, empty if this error is never
	// surfaced inline.
	FBMStatus string `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Category codes, one per §7 taxonomy entry.
const (
	CodeNotFound    = "NOT_FOUND"
	CodeProtocol    = "PROTOCOL_ERROR"
	CodeAuthFailure = "AUTH_FAILURE"
	CodeOverloaded  = "OVERLOADED"
	CodeTransport   = "TRANSPORT_FAILURE"
	CodeFatal       = "FATAL"
)

func new(code, fbmStatus string, status int, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: status, FBMStatus: fbmStatus}
}

// NotFound builds the error returned when a key is absent on GET/DELETE,
// a rename source is missing, or DEQUEUE is attempted by a non-peer.
func NotFound(message string) *AppError {
	return new(CodeNotFound, "nf", http.StatusNotFound, message)
}

// Protocol builds the error for malformed frames, unknown actions,
// missing headers, or a message exceeding the negotiated maximum. The
// connection is not closed; only the offending request fails.
func Protocol(message string) *AppError {
	return new(CodeProtocol, "err", http.StatusBadRequest, message)
}

// Conflict builds the rename-collision error: both the rename source and
// destination keys are present in the bucket at the same time.
func Conflict(message string) *AppError {
	return new(CodeProtocol, "err", http.StatusConflict, message)
}

// AuthFailure builds the error for any signature, claim, time-skew, or
// IP mismatch at negotiation. Always surfaced as HTTP 401, never inside
// an FBM frame.
func AuthFailure(message string) *AppError {
	return new(CodeAuthFailure, "", http.StatusUnauthorized, message)
}

// Malformed builds the 400 used when a negotiation request is
// syntactically invalid rather than merely unauthenticated.
func Malformed(message string) *AppError {
	return new(CodeAuthFailure, "", http.StatusBadRequest, message)
}

// Overloaded builds the error for connection admission refusal (503)
// or FBM queue overflow (logged at debug, never returned to a caller).
func Overloaded(message string) *AppError {
	return new(CodeOverloaded, "", http.StatusServiceUnavailable, message)
}

// Transport builds the error for a WebSocket abnormal close or
// read/write failure. The connection is cancelled and in-flight
// requests on it fail locally; this is never written to the wire.
func Transport(message string, err error) *AppError {
	e := new(CodeTransport, "", 0, message)
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// Fatal builds the error for a bucket invariant violation or allocator
// failure. The affected connection is terminated; the process stays up.
func Fatal(message string, err error) *AppError {
	e := new(CodeFatal, "", 0, message)
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// ErrorResponse is the JSON shape returned by HTTP control endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ToResponse converts the error to its HTTP JSON rendering.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Code, Message: e.Message, Details: e.Details}
}
