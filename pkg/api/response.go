package api

import (
	"net/http"

	"github.com/pkg/errors"
)

// NetworkErrorMessage is the error of every response that never reached the server.
const NetworkErrorMessage = "Network error: unable to reach the server"

// Response is the outcome of one backend call. Ordinary HTTP failures are
// reported through Err and Status rather than as Go errors; Status is 0 when
// no response was received.
type Response[T any] struct {
	Data   T
	Err    string
	Status int
}

func (r Response[T]) OK() bool {
	return r.Err == "" && r.Status >= 200 && r.Status < 300
}

func (r Response[T]) NotFound() bool {
	return r.Status == http.StatusNotFound
}

func (r Response[T]) Unauthorized() bool {
	return r.Status == http.StatusUnauthorized
}

// Error returns a *StatusError for a failed response, nil otherwise.
func (r Response[T]) Error() error {
	if r.OK() {
		return nil
	}
	msg := r.Err
	if msg == "" {
		msg = http.StatusText(r.Status)
	}
	return &StatusError{Status: r.Status, Message: msg}
}

// StatusError is a failed response. Message is the server's error text, verbatim.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return e.Message
}

// IsNetworkError reports whether the request never received a response.
func (e *StatusError) IsNetworkError() bool {
	return e.Status == 0
}

func StatusOf(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}

func IsNotFound(err error) bool {
	status, ok := StatusOf(err)
	return ok && status == http.StatusNotFound
}
