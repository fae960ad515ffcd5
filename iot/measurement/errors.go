package measurement

import (
	"errors"
	"fmt"
)

// ErrUnrecognizedKind is returned for kinds which are not part of the schema.
// It is the expected outcome for unrelated topics and not a fault.
var ErrUnrecognizedKind = errors.New("unrecognized measurement kind")

// MalformedPayloadError is returned when a payload does not match the
// decoding rule of its kind.
type MalformedPayloadError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s payload: %s: %s", e.Kind, e.Reason, e.Err.Error())
	}
	return fmt.Sprintf("malformed %s payload: %s", e.Kind, e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// IsMalformed returns true if err is or wraps a MalformedPayloadError
func IsMalformed(err error) bool {
	var mpe *MalformedPayloadError
	return errors.As(err, &mpe)
}

func malformed(kind Kind, reason string, err error) error {
	return &MalformedPayloadError{Kind: kind, Reason: reason, Err: err}
}
