// Package wasmruntime contains the traps raised while executing translated WebAssembly functions.
package wasmruntime

import "errors"

// All the errors are raised as panics during the execution of Wasm functions, and they indicate that the Wasm virtual
// machine's state is unrecoverable for the current call. They are returned as errors at the api.Function boundary.
var (
	// ErrRuntimeCallStackOverflow indicates that there are too many function calls, and the execution was terminated
	// before the body of the function that exceeded the limit ran.
	ErrRuntimeCallStackOverflow = errors.New("call stack exhausted")
	// ErrRuntimeInvalidConversionToInteger indicates the Wasm function tries to convert NaN floating point value to
	// integers during trunc variant instructions.
	ErrRuntimeInvalidConversionToInteger = errors.New("invalid conversion to integer")
	// ErrRuntimeIntegerOverflow indicates that an integer arithmetic resulted in overflow value. For example, when the
	// program tried to truncate a float value which doesn't fit in the range of target integer.
	ErrRuntimeIntegerOverflow = errors.New("integer overflow")
	// ErrRuntimeIntegerDivideByZero indicates that an integer div or rem instructions was executed with 0 as the
	// divisor.
	ErrRuntimeIntegerDivideByZero = errors.New("integer divide by zero")
	// ErrRuntimeUnreachable means "unreachable" instruction was executed by the program.
	ErrRuntimeUnreachable = errors.New("unreachable")
	// ErrRuntimeOutOfBoundsMemoryAccess indicates that the program tried to access the region beyond the linear
	// memory.
	ErrRuntimeOutOfBoundsMemoryAccess = errors.New("out of bounds memory access")
	// ErrRuntimeInvalidTableAccess means either offset to the table was out of bounds of table, or the target element
	// in the table was uninitialized during an indirect call.
	ErrRuntimeInvalidTableAccess = errors.New("invalid table access")
	// ErrRuntimeIndirectCallTypeMismatch indicates that the type check failed during an indirect call.
	ErrRuntimeIndirectCallTypeMismatch = errors.New("indirect call type mismatch")
)

var traps = []error{
	ErrRuntimeCallStackOverflow,
	ErrRuntimeInvalidConversionToInteger,
	ErrRuntimeIntegerOverflow,
	ErrRuntimeIntegerDivideByZero,
	ErrRuntimeUnreachable,
	ErrRuntimeOutOfBoundsMemoryAccess,
	ErrRuntimeInvalidTableAccess,
	ErrRuntimeIndirectCallTypeMismatch,
}

// IsTrap returns true if err wraps any of the trap errors in this package.
func IsTrap(err error) bool {
	if err == nil {
		return false
	}
	for _, trap := range traps {
		if errors.Is(err, trap) {
			return true
		}
	}
	return false
}
