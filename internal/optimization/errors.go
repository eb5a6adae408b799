package optimization

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every error produced while building a problem or starting
// a run wraps exactly one of these, so callers can branch with errors.Is.
var (
	// ErrShapeMismatch reports a constraint row whose length differs from the
	// variable count, or a row count that differs from the rhs length.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidParameter reports a non-positive iteration count or log interval.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrParse reports a malformed input document.
	ErrParse = errors.New("parse error")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error, usually one of the sentinel kinds.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	switch {
	case e.Component != "" && e.Op != "":
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	case e.Component != "":
		prefix = e.Component
	case e.Op != "":
		prefix = e.Op
	}

	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		} else {
			msg = e.Err.Error()
		}
	}
	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, msg)
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// ShapeMismatchf creates an error of kind ErrShapeMismatch.
func ShapeMismatchf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrShapeMismatch}
}

// InvalidParameterf creates an error of kind ErrInvalidParameter.
func InvalidParameterf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrInvalidParameter}
}

// ParseErrorf creates an error of kind ErrParse.
func ParseErrorf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrParse}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Kind names used by transports.
const (
	KindShapeMismatch    = "ShapeMismatch"
	KindInvalidParameter = "InvalidParameter"
	KindParse            = "ParseError"
)

// KindOf returns the kind name of err, or "" when err does not belong to the
// input error taxonomy.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrShapeMismatch):
		return KindShapeMismatch
	case errors.Is(err, ErrInvalidParameter):
		return KindInvalidParameter
	case errors.Is(err, ErrParse):
		return KindParse
	default:
		return ""
	}
}

// IsInputError reports whether err is one of the kinds that reject a run
// before it starts.
func IsInputError(err error) bool {
	return KindOf(err) != ""
}

// IsOptimizationError checks if an error is of type Error.
// If the error is an optimization error, it returns the error and true.
// Otherwise, it returns nil and false.
func IsOptimizationError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
