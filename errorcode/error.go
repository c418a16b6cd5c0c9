package errorcode

import (
	"errors"
	"fmt"
)

// CodedError attaches a Code to an error so the detailed failure reason survives
// wrapping on its way to the caller.
type CodedError struct {
	Code Code
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%v (%s)", e.Err, e.Code)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Wrap returns err tagged with code. A nil err yields nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// Errorf formats an error tagged with code.
func Errorf(code Code, format string, args ...any) error {
	return &CodedError{Code: code, Err: fmt.Errorf(format, args...)}
}

// FromError extracts the Code carried by err. A nil err is Success and an
// untagged error is the generic Error code.
func FromError(err error) Code {
	if err == nil {
		return Success
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Error
}
