package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns the value recovered from a panicking rule node into a
// fatal internal error. Errors stay reachable through errors.Is/As.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if ok {
		cause = fmt.Errorf("panic: %w", cause)
	} else {
		cause = fmt.Errorf("panic: %v", r)
	}

	return ErrInternal.
		WithMessage("rule node panicked").
		WithCause(cause).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}
