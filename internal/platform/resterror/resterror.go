// Package resterror classifies responses from the DHIS2 Web API and FHIR
// endpoints into the adapter's error taxonomy. Not-found is a sentinel that
// callers translate to "empty result"; unauthorized and forbidden carry the
// WWW-Authenticate challenges so callers can re-authenticate; conflict is a
// mapping conflict distinct from generic HTTP failures.
package resterror

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound indicates a 404 response. Callers treat it as an empty result.
var ErrNotFound = errors.New("resource not found")

// UnauthorizedError indicates a 401 response.
type UnauthorizedError struct {
	Challenges []string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized (challenges: %v)", e.Challenges)
}

// ForbiddenError indicates a 403 response.
type ForbiddenError struct {
	Challenges []string
}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}

// ConflictError indicates a 409 response during create or update. It is not
// retried inside the transformer; callers may retry at a higher level.
type ConflictError struct {
	Body string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict: %s", e.Body)
}

// StatusError covers any other non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// FromResponse maps a non-2xx status onto a typed error. It returns nil for
// 2xx statuses.
func FromResponse(statusCode int, header http.Header, body []byte) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusNotFound:
		return ErrNotFound
	case statusCode == http.StatusUnauthorized:
		return &UnauthorizedError{Challenges: header.Values("WWW-Authenticate")}
	case statusCode == http.StatusForbidden:
		return &ForbiddenError{Challenges: header.Values("WWW-Authenticate")}
	case statusCode == http.StatusConflict:
		return &ConflictError{Body: string(body)}
	default:
		return &StatusError{StatusCode: statusCode, Body: string(body)}
	}
}
