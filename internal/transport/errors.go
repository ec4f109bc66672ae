package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when an attempt does not receive response
	// headers within the client timeout.
	ErrTimeout = errors.New("request timed out")
	ErrNoBody  = errors.New("response has no body")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}
