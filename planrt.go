// Package planrt runs precompiled, device-resident inference plans behind a
// minimal forward-pass loop: load the serialized plan, bind one input and one
// output buffer on the device, then copy a frame in, execute, and read the
// result out, over and over.
//
// A Session is created against a Network contract (binding names plus fixed
// NCHW tensor dimensions) and a device runtime from the devices registry.
// Typical use:
//
//	import (
//		"github.com/gomlx/planrt"
//		_ "github.com/gomlx/planrt/devices/hostgo" // Or devices/ortrt.
//	)
//
//	session, err := planrt.New(planrt.Config{PlanPath: "pose.plan"})
//	if err != nil { ... }
//	defer session.Close()
//	if err = session.Init(); err != nil { ... }
//	if err = session.Forward(frame); err != nil { ... }
//	out := session.Output() // Aliases device memory, valid until the next Forward.
//
// Sessions hold hard resources across the host/device boundary (device
// buffers, a compiled engine), so Close them explicitly. Image preprocessing
// and output post-processing are out of scope: frames come in as ready
// nchw.Tensor values and results go out as raw heatmap planes.
package planrt

import (
	"github.com/gomlx/planrt/types/nchw"
	"github.com/pkg/errors"
)

// Network is the tensor contract a session holds an execution plan to: the
// names of the plan's two tensor slots and their fixed NCHW dimensions.
// Plans whose bindings don't match the contract are rejected at Init.
type Network struct {
	// InputBinding and OutputBinding are the names resolved against the
	// plan's binding table.
	InputBinding, OutputBinding string

	// Input and Output are the fixed tensor dimensions, batch 1.
	Input, Output nchw.Dims
}

// DefaultNetwork is the pose-estimation heatmap contract this project was
// built around: one RGB frame at 320x240 in, 57 heatmap channels at 40x30 out.
var DefaultNetwork = Network{
	InputBinding:  "input",
	OutputBinding: "output",
	Input:         nchw.MakeDims(1, 3, 320, 240),
	Output:        nchw.MakeDims(1, 57, 40, 30),
}

// check validates the contract itself, before any plan is consulted.
func (n Network) check() error {
	if n.InputBinding == "" || n.OutputBinding == "" {
		return errors.Wrapf(ErrConfig, "network binding names must be non-empty, got input=%q, output=%q",
			n.InputBinding, n.OutputBinding)
	}
	if n.InputBinding == n.OutputBinding {
		return errors.Wrapf(ErrConfig, "network binding names must be distinct, both are %q", n.InputBinding)
	}
	for _, dims := range []nchw.Dims{n.Input, n.Output} {
		for _, dim := range dims {
			if dim <= 0 {
				return errors.Wrapf(ErrConfig, "network dimensions must be positive, got input=%v, output=%v",
					n.Input, n.Output)
			}
		}
	}
	if n.Input.Batch() != 1 || n.Output.Batch() != 1 {
		return errors.Wrapf(ErrConfig, "network contracts are batch 1, got input=%v, output=%v",
			n.Input, n.Output)
	}
	return nil
}

// Config describes a Session to be created.
type Config struct {
	// PlanPath is the path to the serialized execution plan file.
	PlanPath string

	// Network is the binding and shape contract. The zero value means
	// DefaultNetwork.
	Network Network

	// Device is a devices registry configuration string, e.g. "go" or
	// "ort:cuda". Empty uses the registry default selection: the
	// PLANRT_DEVICE environment variable, then the first registered runtime.
	Device string

	// EnableLogging performs the one-time process-wide diagnostics setup when
	// the session is created. See the diag package.
	EnableLogging bool
}
