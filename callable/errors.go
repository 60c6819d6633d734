package callable

import (
	"fmt"

	"github.com/pkg/errors"
)

// Signature construction errors. These indicate a malformed HAT record
// and abort building the FunctionInfo.
var (
	ErrUnsupportedElementType  = errors.New("unsupported element type")
	ErrUnsupportedPointerDepth = errors.New("unsupported pointer depth")
	ErrUnresolvedSymbol        = errors.New("unresolved dimension symbol")
)

// ArgumentCountMismatch reports a call with the wrong number of arguments.
type ArgumentCountMismatch struct {
	Function string
	Expected int
	Actual   int
}

func (e *ArgumentCountMismatch) Error() string {
	return fmt.Sprintf("calling %s(...): expected %d arguments but received %d",
		e.Function, e.Expected, e.Actual)
}

// ArgumentVerificationError reports one argument that failed verification
// against its descriptor, naming the mismatched property.
type ArgumentVerificationError struct {
	Function string
	Index    int
	Property string
	Expected string
	Actual   string
}

func (e *ArgumentVerificationError) Error() string {
	return fmt.Sprintf("calling %s(...): argument %d: expected %s=%s but received %s",
		e.Function, e.Index, e.Property, e.Expected, e.Actual)
}

// AllocationError reports device memory exhaustion. Resources acquired
// earlier in the same phase are released before this surfaces.
type AllocationError struct {
	Parameter string
	Bytes     int64
	Err       error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocating %d bytes for %s: %v", e.Bytes, e.Parameter, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// LaunchError reports a non-success status from the device driver,
// carrying the driver's native error string.
type LaunchError struct {
	Function string
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Function, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
