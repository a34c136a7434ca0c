// Package errors provides the domain error type shared by svckit packages.
// Errors carry a domain, a machine-readable code and the operation that failed,
// and always unwrap to the original cause so errors.Is and errors.As keep working.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sprintf is a convenience function for fmt.Sprintf
func Sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

// Sentinel errors
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized access")
	ErrUnavailable   = errors.New("service unavailable")
	ErrTimeout       = errors.New("operation timed out")
)

// Unwrap provides compatibility with the standard errors package
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Is provides compatibility with the standard errors package
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As provides compatibility with the standard errors package
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message
func New(message string) error {
	return errors.New(message)
}

// Join provides compatibility with the standard errors package
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Error represents a domain error with additional context
type Error struct {
	// Original is the original error
	Original error
	// Domain is the domain of the error (e.g., "service", "api", "storage")
	Domain string
	// Code is a machine-readable error code
	Code string
	// Message is a human-readable error message
	Message string
	// Operation is the operation that failed (e.g., "Start", "Stop")
	Operation string
	// Fields contains additional context about the error
	Fields map[string]interface{}
	// Stack contains the stack trace
	Stack string
}

// Error implements the error interface.
// Format: [Domain.Operation] Code=CODE: Message: Original
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString("[")
	switch {
	case e.Domain != "" && e.Operation != "":
		sb.WriteString(e.Domain + "." + e.Operation)
	case e.Domain != "":
		sb.WriteString(e.Domain)
	default:
		sb.WriteString(e.Operation)
	}
	sb.WriteString("] ")

	if e.Code != "" {
		sb.WriteString("Code=")
		sb.WriteString(e.Code)
		sb.WriteString(": ")
	}

	sb.WriteString(e.Message)

	if e.Original != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Original.Error())
	}

	return sb.String()
}

// Unwrap implements the errors.Unwrapper interface
func (e *Error) Unwrap() error {
	return e.Original
}

// clone returns a shallow copy so wrapping never mutates an error another
// goroutine may still hold.
func (e *Error) clone() *Error {
	c := *e
	if e.Fields != nil {
		c.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// WithStack adds a stack trace to the error
func WithStack(err error) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Stack != "" {
		return err
	}

	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stackBuilder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&stackBuilder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}

	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Stack = stackBuilder.String()
		return c
	}

	return &Error{
		Original: err,
		Stack:    stackBuilder.String(),
	}
}

// Wrap wraps an error with a message
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Original: err,
		Message:  message,
	}
}

// WrapWithOperation wraps an error with an operation
func WrapWithOperation(err error, operation string) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Operation = operation
		return c
	}

	return &Error{
		Original:  err,
		Operation: operation,
	}
}

// WrapWithField wraps an error with a field
func WrapWithField(err error, key string, value interface{}) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		if c.Fields == nil {
			c.Fields = make(map[string]interface{})
		}
		c.Fields[key] = value
		return c
	}

	return &Error{
		Original: err,
		Fields:   map[string]interface{}{key: value},
	}
}

// HasCode reports whether err is a domain error of the given domain and code.
func HasCode(err error, domain, code string) bool {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Domain == domain && domainErr.Code == code
	}
	return false
}
