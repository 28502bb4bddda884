package devices

import "github.com/gomlx/planrt/types/nchw"

// Engine is a device-resident inference graph, rebuilt from a serialized
// execution plan by Runtime.Deserialize.
//
// Its tensor slots ("bindings") are addressed by index; names are resolved to
// indices once, at setup time, and the indices used from then on.
type Engine interface {
	// NumBindings returns how many bindings the plan declares, inputs and
	// outputs together.
	NumBindings() int

	// BindingIndex resolves a binding name to its slot index.
	BindingIndex(name string) (index int, found bool)

	// BindingName returns the name of the binding at the given index.
	// Like slice indexing, it panics for an out-of-bounds index.
	BindingName(index int) string

	// BindingDims returns the dimensions the plan declares for the binding at
	// the given index. Like slice indexing, it panics for an out-of-bounds index.
	BindingDims(index int) nchw.Dims

	// NewContext creates an execution context for this engine. Contexts hold
	// the mutable per-execution state, the engine itself stays immutable.
	NewContext() (ExecContext, error)

	// Finalize releases the engine's device resources immediately, and makes it invalid.
	// Contexts created from it must be finalized first.
	Finalize()
}

// ExecContext executes forward passes over its engine.
//
// A context is not safe for concurrent Execute calls, callers serialize.
type ExecContext interface {
	// Execute runs one synchronous forward pass. The buffers slice is indexed
	// by binding index and must provide a device buffer for every binding of
	// the engine. Input buffers must have been written before the call;
	// output buffers are overwritten in place.
	Execute(batchSize int, buffers []Buffer) error

	// Finalize releases the context's resources immediately, and makes it invalid.
	Finalize()
}
