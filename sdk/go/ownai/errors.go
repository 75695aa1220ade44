// Package ownai provides a Go client for the ownAI server API.
package ownai

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the ownAI API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ownai: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound reports whether err is a 404. Private resources the caller
// cannot see are reported as not found too.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized reports whether err is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsForbidden reports whether err is a 403, e.g. a wrong current password.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsConflict reports whether err is a 409, e.g. a duplicate pipeline name or
// a document posted to a collection embedded with another provider.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsInvalidInput reports whether err is a 400.
func IsInvalidInput(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// ReplyError is an error message frame on the chat socket: the server could
// not produce a reply, but the connection is still usable.
type ReplyError struct {
	ResponseID int64
	Message    string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("ownai: reply %d failed: %s", e.ResponseID, e.Message)
}
