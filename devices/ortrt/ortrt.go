// Package ortrt implements a device runtime backed by ONNX Runtime, through
// the github.com/yalue/onnxruntime_go bindings.
//
// Execution plans for this runtime are ONNX model bytes. The ONNX Runtime
// shared library is loaded at runtime, not linked at build time: point
// ORTRT_SHARED_LIB at libonnxruntime before creating the runtime if it isn't
// on the default search path. Import the package for the side effect of
// registering the runtime under the name "ort".
//
// The runtime configuration string selects the execution provider: "" or
// "cpu" for plain CPU, "cuda" to try the CUDA provider and fall back to CPU
// with a warning if it is unavailable.
package ortrt

import (
	"os"
	"sync"

	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// RuntimeName to be used in PLANRT_DEVICE to specify this runtime.
const RuntimeName = "ort"

// ORTRT_SHARED_LIB is the environment variable with the path to the ONNX
// Runtime shared library (libonnxruntime.so / .dylib). If unset, the
// bindings' default search path is used.
const ORTRT_SHARED_LIB = "ORTRT_SHARED_LIB"

// Registers New as the constructor for the "ort" runtime.
func init() {
	devices.Register(RuntimeName, New)
}

// The ONNX Runtime environment is process-wide and initialized at most once,
// no matter how many runtimes are created.
var (
	envOnce sync.Once
	envErr  error
)

func ensureEnvironment() error {
	envOnce.Do(func() {
		if ort.IsInitialized() {
			// The embedding application already set the environment up.
			return
		}
		if path := os.Getenv(ORTRT_SHARED_LIB); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// New constructs a new ONNX Runtime-backed Runtime. The config string selects
// the execution provider, see the package documentation.
func New(config string) (devices.Runtime, error) {
	switch config {
	case "", "cpu", "cuda":
	default:
		return nil, errors.Errorf(`unknown %q runtime configuration %q, valid ones are "", "cpu" and "cuda"`,
			RuntimeName, config)
	}
	if err := ensureEnvironment(); err != nil {
		return nil, errors.Wrapf(err, "failed to initialize the ONNX Runtime environment (set %s to the onnxruntime shared library)",
			ORTRT_SHARED_LIB)
	}
	return &Runtime{provider: config}, nil
}

// Runtime implements the devices.Runtime interface on ONNX Runtime.
type Runtime struct {
	provider string
}

// Compile-time check that ortrt.Runtime implements devices.Runtime.
var _ devices.Runtime = &Runtime{}

// Name returns the short name the runtime registered under.
func (r *Runtime) Name() string { return RuntimeName }

// String implements fmt.Stringer.
func (r *Runtime) String() string { return RuntimeName }

// Description is a longer description of the runtime that can be used to pretty-print.
func (r *Runtime) Description() string {
	return "ONNX Runtime (github.com/yalue/onnxruntime_go)"
}

// Finalize makes the runtime invalid. The process-wide ONNX Runtime
// environment is left up: other runtimes (or the application) may share it.
func (r *Runtime) Finalize() {}

// Deserialize loads ONNX model bytes into an inference session.
//
// Every model input and output must be a fixed-shape rank-4 float32 tensor;
// models with dynamic axes were not compiled for this runtime and are
// rejected.
func (r *Runtime) Deserialize(plan []byte) (devices.Engine, error) {
	inputInfos, outputInfos, err := ort.GetInputOutputInfoWithONNXData(plan)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read bindings from ONNX model bytes")
	}

	bindings := make([]binding, 0, len(inputInfos)+len(outputInfos))
	names := make(map[string]bool)
	for _, info := range append(append([]ort.InputOutputInfo{}, inputInfos...), outputInfos...) {
		dims, err := bindingDims(info)
		if err != nil {
			return nil, err
		}
		if names[info.Name] {
			return nil, errors.Errorf("ONNX model declares binding %q more than once", info.Name)
		}
		names[info.Name] = true
		bindings = append(bindings, binding{name: info.Name, dims: dims})
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create ONNX session options")
	}
	defer func() { _ = options.Destroy() }()
	if r.provider == "cuda" {
		if err := appendCUDAProvider(options); err != nil {
			klog.Warningf("CUDA execution provider unavailable, falling back to CPU: %v", err)
		}
	}

	inputNames := make([]string, len(inputInfos))
	for i, info := range inputInfos {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfos))
	for i, info := range outputInfos {
		outputNames[i] = info.Name
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(plan, inputNames, outputNames, options)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create ONNX session from model bytes")
	}
	return &Engine{session: session, bindings: bindings, numInputs: len(inputInfos)}, nil
}

func bindingDims(info ort.InputOutputInfo) (nchw.Dims, error) {
	if len(info.Dimensions) != 4 {
		return nchw.Dims{}, errors.Errorf("ONNX binding %q has rank %d, this runtime executes NCHW rank-4 tensors",
			info.Name, len(info.Dimensions))
	}
	if info.DataType != ort.TensorElementDataTypeFloat {
		return nchw.Dims{}, errors.Errorf("ONNX binding %q has element type %s, want float32",
			info.Name, info.DataType)
	}
	var dims nchw.Dims
	for axis, dim := range info.Dimensions {
		if dim <= 0 {
			return nchw.Dims{}, errors.Errorf("ONNX binding %q has dynamic dimension on axis %d, plans must be fixed shape",
				info.Name, axis)
		}
		dims[axis] = int(dim)
	}
	return dims, nil
}

func appendCUDAProvider(options *ort.SessionOptions) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer func() { _ = cudaOptions.Destroy() }()
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

// binding is one tensor slot of a loaded model.
type binding struct {
	name string
	dims nchw.Dims
}

// Engine wraps a loaded ONNX session. Binding indices list the model inputs
// first, then the outputs.
type Engine struct {
	session   *ort.DynamicAdvancedSession
	bindings  []binding
	numInputs int
}

// Compile-time checks:
var (
	_ devices.Engine      = (*Engine)(nil)
	_ devices.ExecContext = (*ExecContext)(nil)
)

// NumBindings returns how many bindings the model declares, inputs and outputs together.
func (e *Engine) NumBindings() int { return len(e.bindings) }

// BindingIndex resolves a binding name to its slot index.
func (e *Engine) BindingIndex(name string) (int, bool) {
	for i, b := range e.bindings {
		if b.name == name {
			return i, true
		}
	}
	return 0, false
}

// BindingName returns the name of the binding at the given index.
func (e *Engine) BindingName(index int) string { return e.bindings[index].name }

// BindingDims returns the dimensions the model declares for the binding at the given index.
func (e *Engine) BindingDims(index int) nchw.Dims { return e.bindings[index].dims }

// NewContext creates an execution context. The underlying ONNX session
// already holds the per-execution state, so contexts are thin.
func (e *Engine) NewContext() (devices.ExecContext, error) {
	if e.session == nil {
		return nil, errors.Errorf("engine was already finalized")
	}
	return &ExecContext{engine: e}, nil
}

// Finalize destroys the ONNX session, and makes the engine invalid.
func (e *Engine) Finalize() {
	if e.session == nil {
		return
	}
	if err := e.session.Destroy(); err != nil {
		klog.Warningf("Failed to destroy ONNX session: %v", err)
	}
	e.session = nil
}

// ExecContext executes forward passes over its engine's ONNX session.
//
// Not safe for concurrent Execute calls, callers serialize.
type ExecContext struct {
	engine *Engine
}

// Execute runs one synchronous forward pass. Buffers are indexed by binding
// index: model inputs first, then outputs, as listed by the engine.
func (c *ExecContext) Execute(batchSize int, buffers []devices.Buffer) error {
	if c.engine == nil || c.engine.session == nil {
		return errors.Errorf("execution context (or its engine) was already finalized")
	}
	if batchSize != 1 {
		return errors.Errorf("this runtime executes implicit batch 1, got batch %d", batchSize)
	}
	engine := c.engine
	if len(buffers) != len(engine.bindings) {
		return errors.Errorf("got %d buffers, want one per binding (%d)", len(buffers), len(engine.bindings))
	}
	values := make([]ort.Value, len(buffers))
	for i, buffer := range buffers {
		buf, err := castBuffer(buffer)
		if err != nil {
			return errors.WithMessagef(err, "binding %q (index %d)", engine.bindings[i].name, i)
		}
		if buf.tensor == nil {
			return errors.Errorf("buffer for binding %q (index %d) was already freed", engine.bindings[i].name, i)
		}
		if buf.dims != engine.bindings[i].dims {
			return errors.Errorf("buffer for binding %q has dims %s, model wants %s",
				engine.bindings[i].name, buf.dims, engine.bindings[i].dims)
		}
		values[i] = buf.tensor
	}
	if err := engine.session.Run(values[:engine.numInputs], values[engine.numInputs:]); err != nil {
		return errors.Wrapf(err, "ONNX session run failed")
	}
	return nil
}

// Finalize makes the context invalid. The session belongs to the engine.
func (c *ExecContext) Finalize() { c.engine = nil }
