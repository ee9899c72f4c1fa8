// Package apperr marks errors caused by bad client input so handlers can
// answer 400 without inspecting message text.
package apperr

import (
	"errors"
	"fmt"
)

type invalidError struct {
	msg string
}

func (e *invalidError) Error() string { return e.msg }

// Invalid returns a validation error with a client-safe message.
func Invalid(format string, args ...interface{}) error {
	return &invalidError{msg: fmt.Sprintf(format, args...)}
}

func IsInvalid(err error) bool {
	var ie *invalidError
	return errors.As(err, &ie)
}
