package planrt

import (
	"sync"

	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/pkg/errors"
)

// fakeRuntime implements devices.Runtime in host memory, counting every
// device call and failing on demand, so session tests can assert exactly
// which device work happened and how partial setup failures are unwound.
type fakeRuntime struct {
	mu sync.Mutex

	// bindingNames and bindingDims describe the bindings the fake engine
	// declares, in slot order. outputName selects the slot Execute fills.
	bindingNames []string
	bindingDims  []nchw.Dims
	outputName   string

	shared bool // Reported by HasSharedBuffers.

	// Failpoints, all off by default. failAlloc is 1-based: 1 fails the first
	// AllocBuffer call, 2 the second.
	failAlloc       int
	failDeserialize bool
	failNewContext  bool
	failExecute     bool
	failWrite       bool

	// Call counters.
	deserializes int
	contexts     int
	allocs       int
	frees        int
	writes       int
	reads        int
	executes     int

	// teardown records release calls in order: "free", "context", "engine",
	// "runtime".
	teardown []string
}

// newFakeRuntime returns a fake declaring the DefaultNetwork bindings with
// shared host-addressable buffers.
func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		bindingNames: []string{"input", "output"},
		bindingDims:  []nchw.Dims{DefaultNetwork.Input, DefaultNetwork.Output},
		outputName:   "output",
		shared:       true,
	}
}

type fakeBuffer struct {
	dims  nchw.Dims
	freed bool
	flat  []float32
}

var _ devices.Runtime = (*fakeRuntime)(nil)

func (r *fakeRuntime) Name() string        { return "fake" }
func (r *fakeRuntime) Description() string { return "counting in-memory runtime for tests" }

func (r *fakeRuntime) Deserialize(plan []byte) (devices.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deserializes++
	if r.failDeserialize {
		return nil, errors.New("fake deserialize failure")
	}
	return &fakeEngine{rt: r}, nil
}

func (r *fakeRuntime) AllocBuffer(dims nchw.Dims) (devices.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocs++
	if r.failAlloc > 0 && r.allocs == r.failAlloc {
		return nil, errors.Errorf("fake allocation failure at call %d", r.allocs)
	}
	return &fakeBuffer{dims: dims, flat: make([]float32, dims.Size())}, nil
}

func (r *fakeRuntime) FreeBuffer(buffer devices.Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := buffer.(*fakeBuffer)
	if buf.freed {
		return errors.New("fake buffer was already freed")
	}
	buf.freed = true
	r.frees++
	r.teardown = append(r.teardown, "free")
	return nil
}

func (r *fakeRuntime) BufferDims(buffer devices.Buffer) (nchw.Dims, error) {
	return buffer.(*fakeBuffer).dims, nil
}

func (r *fakeRuntime) WriteBuffer(buffer devices.Buffer, flat []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if r.failWrite {
		return errors.New("fake write failure")
	}
	buf := buffer.(*fakeBuffer)
	if buf.freed {
		return errors.New("fake buffer was already freed")
	}
	if len(flat) != len(buf.flat) {
		return errors.Errorf("fake write of %d values into a buffer of %d", len(flat), len(buf.flat))
	}
	copy(buf.flat, flat)
	return nil
}

func (r *fakeRuntime) ReadBuffer(buffer devices.Buffer, flat []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	buf := buffer.(*fakeBuffer)
	if buf.freed {
		return errors.New("fake buffer was already freed")
	}
	if len(flat) != len(buf.flat) {
		return errors.Errorf("fake read of %d values from a buffer of %d", len(flat), len(buf.flat))
	}
	copy(flat, buf.flat)
	return nil
}

func (r *fakeRuntime) HasSharedBuffers() bool { return r.shared }

func (r *fakeRuntime) BufferData(buffer devices.Buffer) ([]float32, error) {
	buf := buffer.(*fakeBuffer)
	if buf.freed {
		return nil, errors.New("fake buffer was already freed")
	}
	return buf.flat, nil
}

func (r *fakeRuntime) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardown = append(r.teardown, "runtime")
}

type fakeEngine struct {
	rt *fakeRuntime
}

var _ devices.Engine = (*fakeEngine)(nil)

func (e *fakeEngine) NumBindings() int { return len(e.rt.bindingNames) }

func (e *fakeEngine) BindingIndex(name string) (int, bool) {
	for i, n := range e.rt.bindingNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

func (e *fakeEngine) BindingName(index int) string    { return e.rt.bindingNames[index] }
func (e *fakeEngine) BindingDims(index int) nchw.Dims { return e.rt.bindingDims[index] }

func (e *fakeEngine) NewContext() (devices.ExecContext, error) {
	e.rt.mu.Lock()
	defer e.rt.mu.Unlock()
	e.rt.contexts++
	if e.rt.failNewContext {
		return nil, errors.New("fake context failure")
	}
	return &fakeContext{rt: e.rt}, nil
}

func (e *fakeEngine) Finalize() {
	e.rt.mu.Lock()
	defer e.rt.mu.Unlock()
	e.rt.teardown = append(e.rt.teardown, "engine")
}

// fakeContext fills every element of the output slot with the 1-based pass
// number, so tests can tell forward passes apart.
type fakeContext struct {
	rt *fakeRuntime
}

var _ devices.ExecContext = (*fakeContext)(nil)

func (c *fakeContext) Execute(batchSize int, buffers []devices.Buffer) error {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	c.rt.executes++
	if c.rt.failExecute {
		return errors.New("fake execute failure")
	}
	if batchSize != 1 {
		return errors.Errorf("fake runtime only executes batch 1, got %d", batchSize)
	}
	if len(buffers) != len(c.rt.bindingNames) {
		return errors.Errorf("fake runtime got %d buffers, want %d", len(buffers), len(c.rt.bindingNames))
	}
	for i, name := range c.rt.bindingNames {
		if name != c.rt.outputName {
			continue
		}
		buf := buffers[i].(*fakeBuffer)
		if buf.freed {
			return errors.New("fake buffer was already freed")
		}
		for j := range buf.flat {
			buf.flat[j] = float32(c.rt.executes)
		}
	}
	return nil
}

func (c *fakeContext) Finalize() {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	c.rt.teardown = append(c.rt.teardown, "context")
}
