package planrt

import (
	"github.com/gomlx/planrt/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// numBindings is how many tensor slots a session drives: one input, one output.
const numBindings = 2

// engineHandle owns every device-side resource of one session: the runtime,
// the deserialized engine, its single execution context and the two bound
// buffers. It is built in one shot by newEngineHandle and torn down by close,
// which releases whatever subset was acquired, so a failure halfway through
// construction never leaks.
type engineHandle struct {
	rt     devices.Runtime
	ownsRT bool

	engine devices.Engine
	ctx    devices.ExecContext

	// buffers is indexed by binding index, the order the engine's Execute expects.
	buffers   []devices.Buffer
	inputIdx  int
	outputIdx int
}

// newEngineHandle builds the device-side state for a session, in order:
// deserialize the plan into an engine, create its execution context, check
// the binding count, resolve both contract binding names to indices, then
// allocate the input and output buffers at those indices.
func newEngineHandle(rt devices.Runtime, ownsRT bool, network Network, planBytes []byte) (*engineHandle, error) {
	eh := &engineHandle{rt: rt, ownsRT: ownsRT}
	ok := false
	defer func() {
		if !ok {
			// Release the subset acquired so far, in reverse order.
			_ = eh.close()
		}
	}()

	engine, err := rt.Deserialize(planBytes)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "runtime %q failed to deserialize the execution plan: %v", rt.Name(), err)
	}
	eh.engine = engine

	ctx, err := engine.NewContext()
	if err != nil {
		return nil, errors.Wrapf(ErrExecution, "failed to create an execution context: %v", err)
	}
	eh.ctx = ctx

	if got := engine.NumBindings(); got != numBindings {
		return nil, errors.Wrapf(ErrConfig,
			"execution plan declares %d bindings, this session drives exactly %d (input %q, output %q)",
			got, numBindings, network.InputBinding, network.OutputBinding)
	}

	var found bool
	eh.inputIdx, found = engine.BindingIndex(network.InputBinding)
	if !found {
		return nil, errors.Wrapf(ErrConfig, "execution plan has no binding named %q, it declares %q",
			network.InputBinding, bindingNames(engine))
	}
	eh.outputIdx, found = engine.BindingIndex(network.OutputBinding)
	if !found {
		return nil, errors.Wrapf(ErrConfig, "execution plan has no binding named %q, it declares %q",
			network.OutputBinding, bindingNames(engine))
	}

	eh.buffers = make([]devices.Buffer, numBindings)
	inputBuffer, err := rt.AllocBuffer(network.Input)
	if err != nil {
		return nil, errors.Wrapf(ErrExecution, "failed to allocate the input device buffer %s: %v", network.Input, err)
	}
	eh.buffers[eh.inputIdx] = inputBuffer
	outputBuffer, err := rt.AllocBuffer(network.Output)
	if err != nil {
		return nil, errors.Wrapf(ErrExecution, "failed to allocate the output device buffer %s: %v", network.Output, err)
	}
	eh.buffers[eh.outputIdx] = outputBuffer

	ok = true
	return eh, nil
}

func bindingNames(engine devices.Engine) []string {
	names := make([]string, engine.NumBindings())
	for i := range names {
		names[i] = engine.BindingName(i)
	}
	return names
}

// forward copies the flat input into the input buffer and runs one batch-1
// pass. The output buffer is overwritten in place.
func (eh *engineHandle) forward(flat []float32) error {
	if err := eh.rt.WriteBuffer(eh.buffers[eh.inputIdx], flat); err != nil {
		return errors.Wrapf(ErrExecution, "failed to copy the input to the device: %v", err)
	}
	if err := eh.ctx.Execute(1, eh.buffers); err != nil {
		return errors.Wrapf(ErrExecution, "forward pass failed: %v", err)
	}
	return nil
}

// close releases whatever the handle holds: buffers first, then the context,
// the engine, and the runtime if the handle owns it. Nil slots (resources
// never acquired) are skipped, so close is safe at any construction stage.
// A buffer that fails to free is reported and the teardown continues.
func (eh *engineHandle) close() error {
	var firstErr error
	for i, buffer := range eh.buffers {
		if buffer == nil {
			continue
		}
		if err := eh.rt.FreeBuffer(buffer); err != nil {
			klog.Warningf("Failed to free the device buffer at binding %d: %+v", i, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		eh.buffers[i] = nil
	}
	if eh.ctx != nil {
		eh.ctx.Finalize()
		eh.ctx = nil
	}
	if eh.engine != nil {
		eh.engine.Finalize()
		eh.engine = nil
	}
	if eh.rt != nil {
		if eh.ownsRT {
			eh.rt.Finalize()
		}
		eh.rt = nil
	}
	return firstErr
}
