package plancheck

import (
	"errors"
	"fmt"
)

// Error classes. Only ErrConnection and ErrMissingInput halt a search; parse
// failures are isolated to the record they occurred on and ErrNotFound is a
// normal, empty outcome.
var (
	ErrConnection   = errors.New("plancheck: connection failed")
	ErrMissingInput = errors.New("plancheck: missing input")
	ErrParse        = errors.New("plancheck: malformed payload")
	ErrNotFound     = errors.New("plancheck: no matching record")

	errNotObject = errors.New("payload is not an object")
)

// ConnectionError wraps a transport or authentication failure talking to the
// QA server.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("qa server %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// ParseError reports a detail or DVH payload that could not be decoded.
type ParseError struct {
	RequestCID string
	Payload    string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s payload for %s: %v", e.Payload, e.RequestCID, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// missingInput builds an ErrMissingInput with a field-specific message.
func missingInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMissingInput, fmt.Sprintf(format, args...))
}

// asConnectionError leaves existing ConnectionErrors alone and wraps anything
// else coming out of the client.
func asConnectionError(op string, err error) error {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}
