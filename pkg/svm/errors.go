package svm

import (
	"fmt"

	"github.com/pkg/errors"
)

// CustomError is the numeric code a program reports for its own failures.
type CustomError uint32

func (e CustomError) Error() string {
	return fmt.Sprintf("custom program error: 0x%x", uint32(e))
}

// CustomCode returns e.
func (e CustomError) CustomCode() CustomError {
	return e
}

// ProgramError is a named program failure with a stable custom code.
type ProgramError struct {
	Code CustomError
	Name string
	Msg  string
}

// NewProgramError creates a ProgramError.
func NewProgramError(code CustomError, name, msg string) *ProgramError {
	return &ProgramError{Code: code, Name: name, Msg: msg}
}

func (e *ProgramError) Error() string {
	return e.Msg
}

// CustomCode returns the error's code.
func (e *ProgramError) CustomCode() CustomError {
	return e.Code
}

// ErrorName returns the error's name.
func (e *ProgramError) ErrorName() string {
	return e.Name
}

type coded interface {
	CustomCode() CustomError
}

type named interface {
	ErrorName() string
}

// CustomCode returns the code of the outermost coded error in err's chain.
func CustomCode(err error) (CustomError, bool) {
	var c coded
	if errors.As(err, &c) {
		return c.CustomCode(), true
	}
	return 0, false
}

// ErrorName returns the name of the outermost named error in err's chain, or
// the empty string.
func ErrorName(err error) string {
	var n named
	if errors.As(err, &n) {
		return n.ErrorName()
	}
	return ""
}
