package hostgo

import (
	"sync"

	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/pkg/errors"
)

// Compile-time checks:
var (
	_ devices.Engine      = (*Engine)(nil)
	_ devices.ExecContext = (*ExecContext)(nil)
)

// Deserialize rebuilds an Engine from version-1 plan container bytes.
func (r *Runtime) Deserialize(plan []byte) (devices.Engine, error) {
	data, err := decodePlan(plan)
	if err != nil {
		return nil, err
	}
	return &Engine{plan: data, rt: r}, nil
}

// Engine is a decoded reference plan, immutable once deserialized.
// Mutable per-execution state lives in contexts created from it.
type Engine struct {
	plan *planData
	rt   *Runtime
}

// NumBindings returns how many bindings the plan declares. Version-1 plans
// always have 2.
func (e *Engine) NumBindings() int { return len(e.plan.bindings) }

// BindingIndex resolves a binding name to its slot index.
func (e *Engine) BindingIndex(name string) (int, bool) {
	for i, b := range e.plan.bindings {
		if b.name == name {
			return i, true
		}
	}
	return 0, false
}

// BindingName returns the name of the binding at the given index.
func (e *Engine) BindingName(index int) string { return e.plan.bindings[index].name }

// BindingDims returns the dimensions the plan declares for the binding at the given index.
func (e *Engine) BindingDims(index int) nchw.Dims { return e.plan.bindings[index].dims }

// NewContext creates an execution context with its own pooling scratch, so
// separate contexts never share mutable state.
func (e *Engine) NewContext() (devices.ExecContext, error) {
	if e.plan == nil {
		return nil, errors.Errorf("engine was already finalized")
	}
	in := e.plan.bindings[e.plan.inputIdx].dims
	out := e.plan.bindings[e.plan.outputIdx].dims
	return &ExecContext{
		engine: e,
		pooled: make([]float32, in.Channels()*out.Height()*out.Width()),
	}, nil
}

// Finalize drops the decoded plan, and makes the engine invalid.
func (e *Engine) Finalize() { e.plan = nil }

// ExecContext holds the mutable state of one execution stream over an Engine:
// the pooled input planes recomputed on every pass.
//
// Not safe for concurrent Execute calls, callers serialize.
type ExecContext struct {
	engine *Engine
	pooled []float32 // One pooled plane per input channel, [inC][outH*outW].
}

// Execute runs one forward pass: it average-pools every input channel plane
// onto the output grid, then mixes the pooled channels into each output
// channel with the plan's pointwise weights and bias. The whole output buffer
// is overwritten on every pass. Large passes are split across the runtime's
// worker pool, one channel range per worker.
func (c *ExecContext) Execute(batchSize int, buffers []devices.Buffer) error {
	if c.engine == nil || c.engine.plan == nil {
		return errors.Errorf("execution context (or its engine) was already finalized")
	}
	plan := c.engine.plan
	if batchSize != 1 {
		return errors.Errorf("this runtime executes implicit batch 1, got batch %d", batchSize)
	}
	if len(buffers) != len(plan.bindings) {
		return errors.Errorf("got %d buffers, want one per binding (%d)", len(buffers), len(plan.bindings))
	}
	flats := make([][]float32, len(buffers))
	for i, buffer := range buffers {
		buf, err := castBuffer(buffer)
		if err != nil {
			return errors.WithMessagef(err, "binding %q (index %d)", plan.bindings[i].name, i)
		}
		if !buf.valid {
			return errors.Errorf("buffer for binding %q (index %d) was already freed", plan.bindings[i].name, i)
		}
		if want := plan.bindings[i].dims.Size(); len(buf.flat) != want {
			return errors.Errorf("buffer for binding %q has %d elements, plan wants %d (%s)",
				plan.bindings[i].name, len(buf.flat), want, plan.bindings[i].dims)
		}
		flats[i] = buf.flat
	}

	input := flats[plan.inputIdx]
	output := flats[plan.outputIdx]
	in := plan.bindings[plan.inputIdx].dims
	out := plan.bindings[plan.outputIdx].dims
	inH, inW := in.Height(), in.Width()
	outH, outW := out.Height(), out.Width()
	outPlane := outH * outW
	invWindow := float32(1) / float32(plan.poolH*plan.poolW)
	workers := &c.engine.rt.workers

	// Pool each input channel plane once.
	parallelizeChannels(workers, in.Channels(), in.Size(), func(first, last int) {
		for ci := first; ci < last; ci++ {
			src := input[ci*inH*inW:]
			dst := c.pooled[ci*outPlane : (ci+1)*outPlane]
			for oy := range outH {
				for ox := range outW {
					var sum float32
					base := oy*plan.poolH*inW + ox*plan.poolW
					for ky := range plan.poolH {
						row := src[base+ky*inW:]
						for kx := range plan.poolW {
							sum += row[kx]
						}
					}
					dst[oy*outW+ox] = sum * invWindow
				}
			}
		}
	})

	// Mix pooled channels into each output channel.
	parallelizeChannels(workers, out.Channels(), out.Size()*in.Channels(), func(first, last int) {
		for co := first; co < last; co++ {
			dst := output[co*outPlane : (co+1)*outPlane]
			biasValue := plan.bias[co]
			for j := range dst {
				dst[j] = biasValue
			}
			for ci, weight := range plan.weights[co] {
				if weight == 0 {
					continue
				}
				src := c.pooled[ci*outPlane : (ci+1)*outPlane]
				for j, v := range src {
					dst[j] += weight * v
				}
			}
		}
	})
	return nil
}

// minParallelizeWork is the minimum number of elements a stage must touch
// before it is split across workers.
const minParallelizeWork = 4096

// parallelizeChannels runs fn over [0, numChannels) split across the pool
// workers, when the stage touches enough elements to be worth it. fn receives
// a half-open channel range and must only write state owned by that range.
func parallelizeChannels(workers *workersPool, numChannels, workElems int, fn func(first, last int)) {
	if !workers.IsEnabled() || workElems <= minParallelizeWork {
		fn(0, numChannels)
		return
	}
	channelsPerTask := 1
	if !workers.IsUnlimited() {
		channelsPerTask = (numChannels + workers.MaxParallelism() - 1) / workers.MaxParallelism()
	}
	var wg sync.WaitGroup
	for first := 0; first < numChannels; first += channelsPerTask {
		last := min(first+channelsPerTask, numChannels)
		wg.Add(1)
		workers.WaitToStart(func() {
			fn(first, last)
			wg.Done()
		})
	}
	wg.Wait()
}

// Finalize drops the context state, and makes it invalid.
func (c *ExecContext) Finalize() {
	c.engine = nil
	c.pooled = nil
}
