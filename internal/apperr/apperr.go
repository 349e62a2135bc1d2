// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package apperr defines the error taxonomy surfaced at the HTTP boundary.
// Components return plain wrapped errors; handlers convert them into an
// *Error carrying a Kind (which selects the status code) and an i18n message
// ID (which selects the user-facing text).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for transport mapping.
type Kind int

const (
	Internal Kind = iota
	Unauthenticated
	Forbidden
	InvalidInput
	NotFound
	RateLimited
	UpstreamFailure
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	case UpstreamFailure:
		return "upstream_failure"
	default:
		return "internal"
	}
}

// Error is a classified application error.
type Error struct {
	Kind      Kind
	MessageID string
	// Status overrides the default status for Kind when non-zero. Upstream
	// failures use it to distinguish credential rejections (403) from crashes.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.MessageID, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.MessageID)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the response status code for e.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// New returns an *Error of kind k with the given message ID.
func New(k Kind, messageID string) *Error {
	return &Error{Kind: k, MessageID: messageID}
}

// Wrap returns an *Error of kind k wrapping err.
func Wrap(k Kind, messageID string, err error) *Error {
	return &Error{Kind: k, MessageID: messageID, Err: err}
}

// Upstream returns an UpstreamFailure with an explicit status code.
func Upstream(status int, messageID string, err error) *Error {
	return &Error{Kind: UpstreamFailure, MessageID: messageID, Status: status, Err: err}
}

// As extracts an *Error from err. Unclassified errors become Internal with
// the generic message ID so no detail leaks to clients.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: Internal, MessageID: "error.internal", Err: err}
}

// KindOf returns the Kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	return As(err).Kind
}
