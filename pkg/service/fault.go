package service

import (
	"fmt"

	"github.com/cmatc13/svckit/pkg/errors"
)

// fault remembers the first error or panic seen during a multi-step cleanup.
// Later faults never overwrite it.
type fault struct {
	err      error
	panicked bool
	value    interface{}
	// described is the panic as an error, carrying the stack of the panic site.
	described error
}

func (f *fault) failed() bool {
	return f.err != nil || f.panicked
}

func (f *fault) set(err error) {
	if err != nil && !f.failed() {
		f.err = err
	}
}

// capture must be deferred directly.
func (f *fault) capture() {
	if r := recover(); r != nil && !f.failed() {
		f.panicked = true
		f.value = r
		// Still inside the deferred call, so the panicking frames are on the stack.
		f.described = errors.WithStack(panicError(r))
	}
}

func panicError(v interface{}) error {
	if err, ok := v.(error); ok {
		return errors.Wrap(err, "panic")
	}
	return errors.Wrap(fmt.Errorf("%v", v), "panic")
}

// asError describes the fault as an error without raising it. A panic is
// described with the stack trace of where it was raised.
func (f *fault) asError() error {
	if !f.panicked {
		return f.err
	}
	return f.described
}

// raise returns the remembered error, or re-panics with the remembered value.
func (f *fault) raise() error {
	if f.panicked {
		panic(f.value)
	}
	return f.err
}
