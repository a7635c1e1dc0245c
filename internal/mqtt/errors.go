package mqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect matches any [*ConnectError] via errors.Is.
	ErrConnect = errors.New("mqtt connect failed")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("mqtt connection already started")

	// ErrNotStarted is returned by operations that need a running
	// connection.
	ErrNotStarted = errors.New("mqtt connection not started")

	errNoHost      = errors.New("broker host not set")
	errSessionLost = errors.New("mqtt session lost")
)

// ConnectError reports that the broker could not be reached, or was
// not usable, when the connection was started.
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Broker == "" {
		return fmt.Sprintf("mqtt connect: %v", e.Err)
	}
	return fmt.Sprintf("mqtt connect %s: %v", e.Broker, e.Err)
}

// Unwrap exposes both ErrConnect and the underlying cause.
func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}
