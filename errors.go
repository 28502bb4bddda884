package planrt

import "github.com/pkg/errors"

// Error classes of the session lifecycle, to be tested with errors.Is.
// Plan file loading failures carry their own classes, see the plan package.
var (
	// ErrConfig reports a session setup that can't drive the execution plan:
	// an invalid contract, a wrong binding count, or a binding name the plan
	// doesn't declare.
	ErrConfig = errors.New("configuration mismatch with execution plan")

	// ErrInvalidInput reports a host tensor rejected before any device work.
	ErrInvalidInput = errors.New("invalid input tensor")

	// ErrExecution reports a device-level failure: buffer allocation, a
	// host/device transfer, or the forward pass itself.
	ErrExecution = errors.New("execution plan run failed")
)
