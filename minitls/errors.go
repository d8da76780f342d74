package minitls

import (
	"errors"
	"fmt"
)

// ErrReadTimeout means the record-layer polling budget was exhausted
// before a complete record arrived.
var ErrReadTimeout = errors.New("minitls: timed out waiting for record")

// ErrClosed means the peer sent close_notify and the session is over.
var ErrClosed = errors.New("minitls: connection closed")

// AlertError is a protocol failure that maps onto a TLS alert. It is
// returned both for alerts received from the peer and for local
// failures that would have produced one.
type AlertError struct {
	Level       uint8
	Description uint8
	Message     string
	Err         error // underlying error if any
}

func (e *AlertError) Error() string {
	name := alertDescriptionString(e.Description)
	if e.Err != nil {
		return fmt.Sprintf("tls alert %s: %s: %v", name, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("tls alert %s: %s", name, e.Message)
	}
	return fmt.Sprintf("tls alert %s", name)
}

func (e *AlertError) Unwrap() error {
	return e.Err
}

func alertError(description uint8, format string, args ...interface{}) *AlertError {
	return &AlertError{
		Level:       alertLevelFatal,
		Description: description,
		Message:     fmt.Sprintf(format, args...),
	}
}
