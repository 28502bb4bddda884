// Package hostgo implements a simple, and not very fast, but very portable
// pure-Go device runtime for planrt.
//
// It executes version-1 reference execution plans: a binary container
// declaring one input and one output binding plus a small program (strided
// average pooling followed by a pointwise convolution with bias). That is
// enough to stand in for a real accelerator runtime with deterministic,
// input-dependent results, so the whole session lifecycle can run and be
// tested on machines without a device.
//
// Buffers are plain float32 slices in host memory, so the runtime supports
// shared buffers and outputs can be consumed with zero copies. Import the
// package for the side effect of registering the runtime under the name "go".
package hostgo

import (
	"github.com/gomlx/planrt/devices"
)

// RuntimeName to be used in PLANRT_DEVICE to specify this runtime.
const RuntimeName = "go"

// Registers New as the constructor for the "go" runtime.
func init() {
	devices.Register(RuntimeName, New)
}

// New constructs a new hostgo Runtime.
// There are no configurations, the string is simply ignored.
func New(_ string) (devices.Runtime, error) {
	r := &Runtime{}
	r.workers.Initialize()
	return r, nil
}

// Runtime implements the devices.Runtime interface on host memory.
type Runtime struct {
	// workers limits how many goroutines Execute spreads a pass over.
	// Defaults to runtime.NumCPU(); the zero value disables parallelism.
	workers workersPool
}

// Compile-time check that hostgo.Runtime implements devices.Runtime.
var _ devices.Runtime = &Runtime{}

// Name returns the short name the runtime registered under.
func (r *Runtime) Name() string { return RuntimeName }

// String implements fmt.Stringer.
func (r *Runtime) String() string { return RuntimeName }

// Description is a longer description of the runtime that can be used to pretty-print.
func (r *Runtime) Description() string {
	return "Pure Go reference runtime (host memory, average-pool + pointwise convolution plans)"
}

// Finalize releases all the associated resources immediately, and makes the runtime invalid.
// Buffers are individually owned, so there is nothing runtime-wide to release.
func (r *Runtime) Finalize() {}
