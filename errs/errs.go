// Package errs defines the error taxonomy shared by the tunnel stack.
//
// Every error produced by the codec, the transport interfaces and the
// connection builder carries a Code. Callers match on the code with
// errors.Is against the package sentinels:
//
//	if errors.Is(err, errs.ErrAlreadyExists) {
//	    // duplicate endpoint pair, ignore
//	}
package errs

import (
	"errors"
	"fmt"
)

// Code classifies a stack error.
type Code uint16

const (
	CodeFailed Code = iota + 1
	CodeOutOfLimit
	CodeInvalidData
	CodeInterrupted
	CodeConnectFailed
	CodeConnectInterZoneFailed
	CodeAlreadyExists
	CodeErrorState
	CodeNotFound
	CodeTimeout
	CodeInvalidParam
)

var codeNames = map[Code]string{
	CodeFailed:                 "Failed",
	CodeOutOfLimit:             "OutOfLimit",
	CodeInvalidData:            "InvalidData",
	CodeInterrupted:            "Interrupted",
	CodeConnectFailed:          "ConnectFailed",
	CodeConnectInterZoneFailed: "ConnectInterZoneFailed",
	CodeAlreadyExists:          "AlreadyExists",
	CodeErrorState:             "ErrorState",
	CodeNotFound:               "NotFound",
	CodeTimeout:                "Timeout",
	CodeInvalidParam:           "InvalidParam",
}

// String returns the code name.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint16(c))
}

// Error is a coded error with an optional cause.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	default:
		return e.Code.String()
	}
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code. Sentinels
// carry no message, so errors.Is(err, ErrInvalidData) matches any
// InvalidData error in the chain.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrFailed                 = &Error{Code: CodeFailed}
	ErrOutOfLimit             = &Error{Code: CodeOutOfLimit}
	ErrInvalidData            = &Error{Code: CodeInvalidData}
	ErrInterrupted            = &Error{Code: CodeInterrupted}
	ErrConnectFailed          = &Error{Code: CodeConnectFailed}
	ErrConnectInterZoneFailed = &Error{Code: CodeConnectInterZoneFailed}
	ErrAlreadyExists          = &Error{Code: CodeAlreadyExists}
	ErrErrorState             = &Error{Code: CodeErrorState}
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrTimeout                = &Error{Code: CodeTimeout}
	ErrInvalidParam           = &Error{Code: CodeInvalidParam}
)

// New creates an error with code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates an error with code and a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags cause with code. A nil cause yields nil.
func Wrap(code Code, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// CodeOf returns the code of the outermost *Error in the chain, or
// CodeFailed for foreign errors. A nil error has code 0.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeFailed
}

// InterZone re-tags a ConnectFailed error that happened while crossing a
// zone boundary. Other errors are returned unchanged.
func InterZone(err error) error {
	if !errors.Is(err, ErrConnectFailed) {
		return err
	}
	return &Error{Code: CodeConnectInterZoneFailed, Msg: "inter zone", Cause: err}
}
