package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies a prebuild failure.
type Code string

const (
	CodeResolution      Code = "RESOLUTION"
	CodeScriptExecution Code = "SCRIPT_EXECUTION"
	CodeScriptExit      Code = "SCRIPT_EXIT"
	CodeEvaluation      Code = "EVALUATION"
	CodeUnexpected      Code = "UNEXPECTED"
	CodeConfig          Code = "CONFIG"
	CodePermission      Code = "PERMISSION"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// CodeUnexpected when the chain carries none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnexpected
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
