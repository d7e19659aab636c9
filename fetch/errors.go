package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed fetch
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindClient       ErrorKind = "client"
	KindServer       ErrorKind = "server"
	KindMalformed    ErrorKind = "malformed"
	KindTransport    ErrorKind = "transport"
)

// APIError is the error condition held by a resource after a failed fetch
// or an error event
type APIError struct {
	Kind    ErrorKind `json:"kind"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// KindForStatus maps an HTTP status code onto an ErrorKind
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status >= 400 && status < 500:
		return KindClient
	default:
		return KindServer
	}
}

// AsAPIError returns err as an *APIError, wrapping anything else as a
// transport error. A nil error yields nil.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Kind: KindTransport, Message: err.Error(), Err: err}
}
