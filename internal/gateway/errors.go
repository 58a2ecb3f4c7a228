package gateway

import (
	"errors"
	"fmt"
)

// NetworkError reports a request that never produced a usable HTTP response:
// transport failure, timeout, cancellation or an unreadable body.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("gateway %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError reports a non-2xx response.
type ServerError struct {
	Op     string
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("gateway %s: HTTP error! status: %d", e.Op, e.Status)
}

// IsGatewayError reports whether err came from a failed backend call.
func IsGatewayError(err error) bool {
	var ne *NetworkError
	var se *ServerError
	return errors.As(err, &ne) || errors.As(err, &se)
}
